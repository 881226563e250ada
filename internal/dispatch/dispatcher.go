package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/notify"
	"github.com/nerrad567/printwatch/internal/printer"
	"github.com/nerrad567/printwatch/internal/wled"
)

var (
	// ErrQueueFull is returned when a lane has no room. The request is dropped.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrClosed is returned for requests submitted after Close.
	ErrClosed = errors.New("dispatch: closed")

	// ErrDrainTimeout is returned by Close when queued work did not finish in time.
	ErrDrainTimeout = errors.New("dispatch: drain timeout")
)

// notifyRetryDelay separates notification retries.
const notifyRetryDelay = 2 * time.Second

// CommandPublisher sends a raw payload to a device request topic. A session's
// MQTT connection satisfies it.
type CommandPublisher interface {
	PublishCommand(topic string, payload []byte) error
}

// LightController switches accessory lights.
type LightController interface {
	TurnOn(ctx context.Context, ip string, color wled.Color) error
	TurnOff(ctx context.Context, ip string) error
}

// Logger defines the logging interface for the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NotifyRequest asks for one notification.
type NotifyRequest struct {
	DeviceID string
	Message  notify.Message
}

// CommandRequest asks for one command published on Topic through Target.
type CommandRequest struct {
	DeviceID string
	Topic    string
	Command  printer.Command
	Target   CommandPublisher
}

// LightRequest asks for an accessory light change.
type LightRequest struct {
	DeviceID string
	IP       string
	On       bool
	Color    wled.Color
}

// Options configures a Dispatcher.
type Options struct {
	Dispatch  config.DispatchConfig
	Notify    config.NotifyConfig
	Accessory config.AccessoryConfig
	Logger    Logger
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Repeats   int64 `json:"repeats"`
}

// task is one queued request.
type task struct {
	kind     string
	deviceID string
	run      func(ctx context.Context) error
}

// Dispatcher runs side effects on a fixed set of lanes.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	notifier notify.Sender
	lights   LightController
	opts     Options
	logger   Logger

	lanes []chan task

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup

	repeatMu       sync.Mutex
	repeatsStopped bool
	repeats        sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	repeated  atomic.Int64

	// sleep waits d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher and starts its lanes. lights may be nil when no
// printer has an accessory.
func New(notifier notify.Sender, lights LightController, opts Options) *Dispatcher {
	workers := opts.Dispatch.Workers
	if workers < 1 {
		workers = 1
	}
	perLane := opts.Dispatch.QueueSize / workers
	if perLane < 1 {
		perLane = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		notifier: notifier,
		lights:   lights,
		opts:     opts,
		logger:   logger,
		lanes:    make([]chan task, workers),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepCtx,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan task, perLane)
		d.workers.Add(1)
		go d.runLane(d.lanes[i])
	}
	return d
}

// Notify queues a notification.
func (d *Dispatcher) Notify(req NotifyRequest) error {
	return d.enqueue(task{
		kind:     "notify",
		deviceID: req.DeviceID,
		run:      func(ctx context.Context) error { return d.deliverNotification(ctx, req) },
	})
}

// Command queues a device command.
func (d *Dispatcher) Command(req CommandRequest) error {
	return d.enqueue(task{
		kind:     "command:" + req.Command.Name,
		deviceID: req.DeviceID,
		run: func(context.Context) error {
			if req.Target == nil {
				return fmt.Errorf("no connection for %s", req.DeviceID)
			}
			return req.Target.PublishCommand(req.Topic, req.Command.Payload)
		},
	})
}

// Light queues an accessory light change.
func (d *Dispatcher) Light(req LightRequest) error {
	if d.lights == nil {
		return nil
	}
	return d.enqueue(task{
		kind:     "light",
		deviceID: req.DeviceID,
		run:      func(ctx context.Context) error { return d.switchLight(ctx, req) },
	})
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Repeats:   d.repeated.Load(),
	}
}

// Close stops accepting requests and waits for queued work to finish, up to
// the configured drain timeout. Pending repeat waits are cancelled. It is
// safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		for _, lane := range d.lanes {
			close(lane)
		}
		d.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			d.workers.Wait()
			close(drained)
		}()

		timeout := d.opts.Dispatch.DrainTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			d.closeErr = ErrDrainTimeout
			d.logger.Warn("dispatcher drain timed out", "timeout", timeout)
		}

		d.cancel()
		d.repeatMu.Lock()
		d.repeatsStopped = true
		d.repeatMu.Unlock()
		d.repeats.Wait()
	})
	return d.closeErr
}

func (d *Dispatcher) enqueue(t task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.lanes[d.laneFor(t.deviceID)] <- t:
		d.enqueued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn("dispatch queue full, dropping request",
			"device_id", t.deviceID,
			"kind", t.kind,
		)
		return ErrQueueFull
	}
}

func (d *Dispatcher) laneFor(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID)) //nolint:errcheck // hash writes never fail
	return int(h.Sum32() % uint32(len(d.lanes)))
}

// runLane executes tasks in order until the lane is closed.
func (d *Dispatcher) runLane(lane <-chan task) {
	defer d.workers.Done()
	for t := range lane {
		d.execute(t)
	}
}

func (d *Dispatcher) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Error("panic in dispatched task", "device_id", t.deviceID, "kind", t.kind, "panic", r)
		}
	}()

	if err := t.run(d.ctx); err != nil {
		d.failed.Add(1)
		d.logger.Error("side effect dropped",
			"device_id", t.deviceID,
			"kind", t.kind,
			"error", err,
		)
		return
	}
	d.delivered.Add(1)
	d.logger.Debug("side effect delivered", "device_id", t.deviceID, "kind", t.kind)
}

// deliverNotification sends a message with the sound fallback and retry
// policy, then schedules repeats for high priority messages.
func (d *Dispatcher) deliverNotification(ctx context.Context, req NotifyRequest) error {
	msg, err := d.sendWithRetry(ctx, req.Message)
	if err != nil {
		return err
	}
	if msg.Priority >= notify.PriorityHigh && d.opts.Notify.RepeatCount > 0 {
		d.scheduleRepeats(req.DeviceID, msg)
	}
	return nil
}

// sendWithRetry returns the message as finally delivered, which carries the
// fallback sound when the configured one was rejected.
func (d *Dispatcher) sendWithRetry(ctx context.Context, msg notify.Message) (notify.Message, error) {
	retries := d.opts.Notify.Retries
	fallback := d.opts.Notify.FallbackSound
	usedFallback := false

	var err error
	for attempt := 0; ; attempt++ {
		err = d.notifier.Send(ctx, msg)
		if err == nil {
			return msg, nil
		}

		if errors.Is(err, notify.ErrInvalidSound) && !usedFallback && fallback != "" && msg.Sound != fallback {
			d.logger.Warn("notification sound rejected, using fallback", "sound", msg.Sound, "fallback", fallback)
			msg.Sound = fallback
			usedFallback = true
			continue
		}
		if errors.Is(err, notify.ErrRejected) || attempt >= retries {
			return msg, fmt.Errorf("notification %q: %w", msg.Title, err)
		}
		if serr := d.sleep(ctx, notifyRetryDelay); serr != nil {
			return msg, fmt.Errorf("notification %q: %w", msg.Title, err)
		}
	}
}

// scheduleRepeats resends msg RepeatCount times, RepeatDelay apart, without
// holding the lane. Close cancels the wait.
func (d *Dispatcher) scheduleRepeats(deviceID string, msg notify.Message) {
	d.repeatMu.Lock()
	if d.repeatsStopped {
		d.repeatMu.Unlock()
		return
	}
	d.repeats.Add(1)
	d.repeatMu.Unlock()

	go func() {
		defer d.repeats.Done()
		for i := 0; i < d.opts.Notify.RepeatCount; i++ {
			if err := d.sleep(d.ctx, d.opts.Notify.RepeatDelay); err != nil {
				return
			}
			if err := d.notifier.Send(d.ctx, msg); err != nil {
				d.logger.Warn("notification repeat failed", "device_id", deviceID, "repeat", i+1, "error", err)
				continue
			}
			d.repeated.Add(1)
		}
	}()
}

func (d *Dispatcher) switchLight(ctx context.Context, req LightRequest) error {
	attempts := d.opts.Accessory.Retries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := d.sleep(ctx, d.opts.Accessory.RetryDelay); serr != nil {
				break
			}
		}
		if req.On {
			err = d.lights.TurnOn(ctx, req.IP, req.Color)
		} else {
			err = d.lights.TurnOff(ctx, req.IP)
		}
		if err == nil {
			return nil
		}
		d.logger.Warn("accessory light request failed", "device_id", req.DeviceID, "ip", req.IP, "attempt", i+1, "error", err)
	}
	return fmt.Errorf("light %s on=%v: %w", req.IP, req.On, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
