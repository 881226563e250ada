package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/notify"
	"github.com/nerrad567/printwatch/internal/printer"
	"github.com/nerrad567/printwatch/internal/wled"
)

// mockSender records messages and returns scripted errors in order.
type mockSender struct {
	mu   sync.Mutex
	sent []notify.Message
	errs []error
	// block, when set, holds every Send until closed.
	block chan struct{}
}

func (m *mockSender) Send(ctx context.Context, msg notify.Message) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

func (m *mockSender) messages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.sent...)
}

// mockPublisher records payloads per topic.
type mockPublisher struct {
	mu       sync.Mutex
	payloads []string
}

func (m *mockPublisher) PublishCommand(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, topic+" "+string(payload))
	return nil
}

func (m *mockPublisher) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.payloads...)
}

// mockLights fails the first failN calls.
type mockLights struct {
	mu    sync.Mutex
	calls []string
	failN int
}

func (m *mockLights) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.failN > 0 {
		m.failN--
		return errors.New("light unreachable")
	}
	return nil
}

func (m *mockLights) TurnOn(_ context.Context, ip string, c wled.Color) error {
	return m.record(fmt.Sprintf("on %s %v", ip, c))
}

func (m *mockLights) TurnOff(_ context.Context, ip string) error {
	return m.record("off " + ip)
}

func (m *mockLights) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func testOptions() Options {
	return Options{
		Dispatch: config.DispatchConfig{Workers: 4, QueueSize: 64, DrainTimeout: 2 * time.Second},
		Notify: config.NotifyConfig{
			FallbackSound: "pushover",
			Retries:       1,
			RepeatCount:   2,
			RepeatDelay:   time.Millisecond,
		},
		Accessory: config.AccessoryConfig{Retries: 3, RetryDelay: time.Millisecond},
	}
}

// newTestDispatcher disables real waits.
func newTestDispatcher(s notify.Sender, l LightController, opts Options) *Dispatcher {
	d := New(s, l, opts)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcher_Notify(t *testing.T) {
	s := &mockSender{}
	d := newTestDispatcher(s, nil, testOptions())

	if err := d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "X1C", Sound: "classical"}}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msgs := s.messages()
	if len(msgs) != 1 || msgs[0].Title != "X1C" || msgs[0].Sound != "classical" {
		t.Errorf("sent = %+v", msgs)
	}
	if st := d.Stats(); st.Delivered != 1 || st.Enqueued != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestDispatcher_InvalidSoundFallsBack(t *testing.T) {
	s := &mockSender{errs: []error{fmt.Errorf("wrapped: %w", notify.ErrInvalidSound)}}
	d := newTestDispatcher(s, nil, testOptions())

	d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "X1C", Sound: "kazoo"}}) //nolint:errcheck
	d.Close()                                                                                      //nolint:errcheck

	msgs := s.messages()
	if len(msgs) != 2 {
		t.Fatalf("attempts = %d, want 2", len(msgs))
	}
	if msgs[0].Sound != "kazoo" || msgs[1].Sound != "pushover" {
		t.Errorf("sounds = %q, %q, want kazoo then pushover", msgs[0].Sound, msgs[1].Sound)
	}
}

func TestDispatcher_NotifyRetries(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantSends int
		wantFail  int64
	}{
		{"transient then ok", []error{notify.ErrDeliveryFailed}, 2, 0},
		{"retries exhausted", []error{notify.ErrDeliveryFailed, notify.ErrDeliveryFailed, notify.ErrDeliveryFailed}, 2, 1},
		{"rejected not retried", []error{notify.ErrRejected}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &mockSender{errs: tt.errs}
			d := newTestDispatcher(s, nil, testOptions())
			d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "t"}}) //nolint:errcheck
			d.Close()                                                                    //nolint:errcheck

			if got := len(s.messages()); got != tt.wantSends {
				t.Errorf("sends = %d, want %d", got, tt.wantSends)
			}
			if got := d.Stats().Failed; got != tt.wantFail {
				t.Errorf("Failed = %d, want %d", got, tt.wantFail)
			}
		})
	}
}

func TestDispatcher_HighPriorityRepeats(t *testing.T) {
	s := &mockSender{}
	opts := testOptions()
	d := New(s, nil, opts)
	defer d.Close() //nolint:errcheck

	d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "Failed", Priority: notify.PriorityHigh}}) //nolint:errcheck

	waitFor(t, func() bool { return len(s.messages()) == 1+opts.Notify.RepeatCount })
	if got := d.Stats().Repeats; got != int64(opts.Notify.RepeatCount) {
		t.Errorf("Repeats = %d, want %d", got, opts.Notify.RepeatCount)
	}
}

func TestDispatcher_NormalPriorityNotRepeated(t *testing.T) {
	s := &mockSender{}
	d := New(s, nil, testOptions())
	d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "Finish"}}) //nolint:errcheck
	d.Close()                                                                         //nolint:errcheck

	if got := len(s.messages()); got != 1 {
		t.Errorf("sends = %d, want 1", got)
	}
}

func TestDispatcher_CloseCancelsRepeatWait(t *testing.T) {
	s := &mockSender{}
	opts := testOptions()
	opts.Notify.RepeatDelay = time.Hour
	d := New(s, nil, opts)

	d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "Failed", Priority: notify.PriorityHigh}}) //nolint:errcheck
	waitFor(t, func() bool { return len(s.messages()) == 1 })

	done := make(chan error, 1)
	go func() { done <- d.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() blocked on a pending repeat")
	}
	if got := len(s.messages()); got != 1 {
		t.Errorf("sends = %d, want 1 (repeat cancelled)", got)
	}
}

func TestDispatcher_CommandOrderPerDevice(t *testing.T) {
	opts := testOptions()
	opts.Dispatch.QueueSize = 1024
	d := newTestDispatcher(&mockSender{}, nil, opts)
	pubs := map[string]*mockPublisher{"p1": {}, "p2": {}, "p3": {}}

	const n = 50
	for i := 0; i < n; i++ {
		for id, pub := range pubs {
			err := d.Command(CommandRequest{
				DeviceID: id,
				Topic:    "device/" + id + "/request",
				Command:  printer.Command{Name: "seq", Payload: []byte(fmt.Sprint(i))},
				Target:   pub,
			})
			if err != nil {
				t.Fatalf("Command() error = %v", err)
			}
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for id, pub := range pubs {
		got := pub.all()
		if len(got) != n {
			t.Fatalf("%s: published %d, want %d", id, len(got), n)
		}
		for i, p := range got {
			want := fmt.Sprintf("device/%s/request %d", id, i)
			if p != want {
				t.Fatalf("%s[%d] = %q, want %q", id, i, p, want)
			}
		}
	}
}

func TestDispatcher_LightRetries(t *testing.T) {
	lights := &mockLights{failN: 2}
	d := newTestDispatcher(&mockSender{}, lights, testOptions())

	d.Light(LightRequest{DeviceID: "p1", IP: "10.0.0.9", On: true, Color: wled.White}) //nolint:errcheck
	d.Light(LightRequest{DeviceID: "p1", IP: "10.0.0.9", On: false})                   //nolint:errcheck
	d.Close()                                                                          //nolint:errcheck

	calls := lights.all()
	want := []string{"on 10.0.0.9 [255 255 255]", "on 10.0.0.9 [255 255 255]", "on 10.0.0.9 [255 255 255]", "off 10.0.0.9"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestDispatcher_LightGivesUp(t *testing.T) {
	lights := &mockLights{failN: 10}
	d := newTestDispatcher(&mockSender{}, lights, testOptions())
	d.Light(LightRequest{DeviceID: "p1", IP: "10.0.0.9", On: false}) //nolint:errcheck
	d.Close()                                                        //nolint:errcheck

	if got := len(lights.all()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := d.Stats().Failed; got != 1 {
		t.Errorf("Failed = %d, want 1", got)
	}
}

func TestDispatcher_QueueFullDrops(t *testing.T) {
	s := &mockSender{block: make(chan struct{})}
	opts := testOptions()
	opts.Dispatch = config.DispatchConfig{Workers: 1, QueueSize: 1, DrainTimeout: time.Second}
	d := New(s, nil, opts)

	var full int
	for i := 0; i < 5; i++ {
		if err := d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "t"}}); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	if full == 0 {
		t.Error("expected at least one ErrQueueFull")
	}
	if got := d.Stats().Dropped; got != int64(full) {
		t.Errorf("Dropped = %d, want %d", got, full)
	}

	close(s.block)
	d.Close() //nolint:errcheck
}

func TestDispatcher_AfterClose(t *testing.T) {
	d := New(&mockSender{}, &mockLights{}, testOptions())
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := d.Notify(NotifyRequest{DeviceID: "p1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Notify() after Close error = %v, want ErrClosed", err)
	}
	if err := d.Light(LightRequest{DeviceID: "p1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Light() after Close error = %v, want ErrClosed", err)
	}
}

func TestDispatcher_DrainTimeout(t *testing.T) {
	s := &mockSender{block: make(chan struct{})}
	opts := testOptions()
	opts.Dispatch.DrainTimeout = 20 * time.Millisecond
	d := New(s, nil, opts)

	d.Notify(NotifyRequest{DeviceID: "p1", Message: notify.Message{Title: "stuck"}}) //nolint:errcheck
	if err := d.Close(); !errors.Is(err, ErrDrainTimeout) {
		t.Errorf("Close() error = %v, want ErrDrainTimeout", err)
	}
}
