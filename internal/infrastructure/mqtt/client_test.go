package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// testConfig returns transport settings for unit tests. Nothing here dials.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Port:               8883,
		Username:           "bblp",
		TLS:                true,
		InsecureSkipVerify: true,
		QoS:                0,
		KeepAlive:          90 * time.Second,
		ConnectTimeout:     2 * time.Second,
		PublishTimeout:     time.Second,
		ClientIDPrefix:     "printwatch-test",
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// =============================================================================
// Options
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	ep := Endpoint{Host: "192.168.1.50", Port: 8883, Username: "bblp", Password: "12345678", ClientID: "pw-1"}

	opts := buildClientOptions(cfg, ep)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://192.168.1.50:8883" {
		t.Errorf("Servers = %v, want ssl://192.168.1.50:8883", opts.Servers)
	}
	if opts.ClientID != "pw-1" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "pw-1")
	}
	if opts.Username != "bblp" || opts.Password != "12345678" {
		t.Errorf("credentials = %q/%q, want bblp/12345678", opts.Username, opts.Password)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if opts.KeepAlive != 90 {
		t.Errorf("KeepAlive = %d, want 90", opts.KeepAlive)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
		t.Error("TLSConfig should skip verification for printer certificates")
	}
}

func TestBuildClientOptions_PlainTCP(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = false
	cfg.ConnectTimeout = 0

	opts := buildClientOptions(cfg, Endpoint{Host: "broker", Port: 1883})

	if opts.Servers[0].String() != "tcp://broker:1883" {
		t.Errorf("Servers[0] = %v, want tcp://broker:1883", opts.Servers[0])
	}
	if opts.TLSConfig != nil && opts.TLSConfig.InsecureSkipVerify {
		t.Error("TLS should not be configured for plain TCP")
	}
	if opts.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want default %v", opts.ConnectTimeout, defaultConnectTimeout)
	}
	if opts.Username != "" {
		t.Errorf("Username = %q, want empty", opts.Username)
	}
}

func TestConnect_InvalidEndpoint(t *testing.T) {
	tests := []Endpoint{
		{Port: 8883},
		{Host: "printer"},
	}
	for _, ep := range tests {
		_, err := Connect(context.Background(), testConfig(), ep)
		if !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("Connect(%+v) error = %v, want ErrInvalidEndpoint", ep, err)
		}
	}
}

func TestConnect_Refused(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = false

	_, err := Connect(context.Background(), cfg, Endpoint{Host: "127.0.0.1", Port: 1, ClientID: "refused"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = false
	cfg.ConnectTimeout = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// 192.0.2.0/24 is TEST-NET-1 and never answers.
	_, err := Connect(ctx, cfg, Endpoint{Host: "192.0.2.1", Port: 8883, ClientID: "cancelled"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// =============================================================================
// Disconnected client behaviour
// =============================================================================

func TestDisconnectedClient(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription), lost: make(chan struct{})}

	if c.IsConnected() {
		t.Error("IsConnected() = true for client without connection")
	}
	if err := c.Publish("device/x/request", []byte("{}"), 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("device/x/report", 0, func(string, []byte) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{"empty topic", "", 0, nil, ErrInvalidTopic},
		{"invalid qos", "device/x/request", 3, nil, ErrInvalidQoS},
		{"oversized payload", "device/x/request", 0, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"single-level wildcard", "device/+/request", 0, nil, ErrInvalidTopic},
		{"multi-level wildcard", "device/#", 0, nil, ErrInvalidTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := &Client{cfg: testConfig()}
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("t", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("t", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
}

func TestHandleDisconnect(t *testing.T) {
	c := &Client{lost: make(chan struct{}), connected: true}

	var got error
	c.SetOnDisconnect(func(err error) { got = err })

	if c.Err() != nil {
		t.Fatal("Err() should be nil before the connection drops")
	}

	c.handleDisconnect(errors.New("keepalive timeout"))

	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after disconnect")
	}
	if !errors.Is(c.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", c.Err())
	}
	if got == nil || !strings.Contains(got.Error(), "keepalive") {
		t.Errorf("OnDisconnect callback got %v", got)
	}

	// A second drop must not panic on the closed channel.
	c.handleDisconnect(errors.New("again"))
}

func TestDeliver_RecoversPanics(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{}
	c.SetLogger(logger)

	c.deliver(func(string, []byte) error { panic("boom") }, "device/x/report", nil)
	c.deliver(func(string, []byte) error { return errors.New("bad payload") }, "device/x/report", nil)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 1 {
		t.Errorf("errors logged = %d, want 1", len(logger.errors))
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings logged = %d, want 1", len(logger.warns))
	}
}

// =============================================================================
// Topics and tracking
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got  string
		want string
	}{
		{topics.Report("01S00A000000001"), "device/01S00A000000001/report"},
		{topics.Request("01S00A000000001"), "device/01S00A000000001/request"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTracker(t *testing.T) {
	tr := newTracker()
	tr.add("a")
	tr.add("a")
	tr.add("b")

	if got := tr.count("a"); got != 2 {
		t.Errorf("count(a) = %d, want 2", got)
	}
	if got := tr.total(); got != 3 {
		t.Errorf("total() = %d, want 3", got)
	}

	tr.remove("a")
	tr.remove("a")
	tr.remove("a")
	if got := tr.count("a"); got != 0 {
		t.Errorf("count(a) after removes = %d, want 0", got)
	}

	var nilTracker *tracker
	nilTracker.add("x")
	nilTracker.remove("x")
	if nilTracker.count("x") != 0 || nilTracker.total() != 0 {
		t.Error("nil tracker should report zero")
	}
}

func TestDialer_ClientID(t *testing.T) {
	d := NewDialer(testConfig(), nil)
	a, b := d.ClientID(), d.ClientID()
	if a == b {
		t.Errorf("ClientID() returned %q twice", a)
	}
	if !strings.HasPrefix(a, "printwatch-test-") {
		t.Errorf("ClientID() = %q, want prefix printwatch-test-", a)
	}
}
