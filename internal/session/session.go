package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/printwatch/internal/cloud"
	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/infrastructure/mqtt"
	"github.com/nerrad567/printwatch/internal/printer"
)

var (
	// ErrAlreadyStarted is returned when Run is called a second time.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrNoCredentialSource is returned for a cloud printer without a provider.
	ErrNoCredentialSource = errors.New("session: cloud printer has no credential source")

	// ErrSetupFailed wraps failures after connecting but before the loop runs.
	ErrSetupFailed = errors.New("session: setup failed")
)

const (
	defaultInboxSize = 64
	defaultCloudPort = 8883

	// describeTimeout bounds a lookup made on the loop.
	describeTimeout = 5 * time.Second

	// sideEffectTimeout bounds history writes done on the loop.
	sideEffectTimeout = 5 * time.Second
)

// Options configure one Session.
type Options struct {
	Printer config.PrinterConfig

	// Cloud selects the cloud broker and the credential source instead of
	// the printer's own broker and access code.
	Cloud     bool
	CloudHost string
	CloudPort int

	QoS               byte
	CancelErrorCode   int
	PercentThreshold  int
	HeartbeatInterval time.Duration
	InboxSize         int

	// Location formats the approximate end time. Defaults to time.Local.
	Location *time.Location
}

// OptionsFor derives the Options for printer p from the loaded configuration.
func OptionsFor(cfg *config.Config, p config.PrinterConfig) Options {
	host := cfg.Cloud.MQTTHost
	if host == "" {
		host = cloud.BrokerHost(cfg.Cloud.Region)
	}
	return Options{
		Printer:           p,
		Cloud:             cfg.UsesCloud(p),
		CloudHost:         host,
		CloudPort:         cfg.MQTT.Port,
		QoS:               byte(cfg.MQTT.QoS), // #nosec G115 -- validated to 0..2
		CancelErrorCode:   cfg.Rules.CancelErrorCode,
		PercentThreshold:  cfg.Notify.PercentThreshold,
		HeartbeatInterval: cfg.UI.HeartbeatInterval,
	}
}

// Session monitors one printer.
//
// Thread Safety: Run and HandleMessage must be called from one goroutine.
// Snapshot, Connected and DeviceID are safe from any goroutine.
type Session struct {
	opts   Options
	deps   Deps
	logger Logger
	topics mqtt.Topics
	now    func() time.Time

	started atomic.Bool

	// Owned by the loop goroutine.
	state     *printer.State
	detector  printer.TransitionDetector
	door      printer.DoorRule
	cancel    *printer.CancelRule
	milestone printer.ProgressMilestone
	transport Transport
	lastBeat  time.Time
	hmsMemo   memo

	connected atomic.Bool
	snapshot  atomic.Pointer[Snapshot]

	statsMu sync.Mutex
	stats   Stats
}

// Stats are per-session counters.
type Stats struct {
	Messages  int64 `json:"messages"`
	Malformed int64 `json:"malformed"`
	Reports   int64 `json:"reports"`
	Cancels   int64 `json:"cancels"`
	Lights    int64 `json:"lights"`
	Panics    int64 `json:"panics"`
}

// memo caches the last description for one key.
type memo struct {
	key  string
	text string
}

// New creates a Session. Nothing happens until Run.
func New(opts Options, deps Deps) *Session {
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.CloudPort <= 0 {
		opts.CloudPort = defaultCloudPort
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Session{
		opts:      opts,
		deps:      deps,
		logger:    logger,
		now:       time.Now,
		state:     printer.NewState(opts.Printer.ID),
		cancel:    printer.NewCancelRule(opts.CancelErrorCode),
		milestone: printer.ProgressMilestone{Threshold: opts.PercentThreshold},
	}
	s.publishSnapshot()
	return s
}

// DeviceID returns the printer serial.
func (s *Session) DeviceID() string {
	return s.opts.Printer.ID
}

// Connected reports whether the session is subscribed and receiving.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Snapshot returns the latest dashboard view of the printer.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Run connects and processes reports until ctx is cancelled or the
// connection drops.
//
// Returns:
//   - nil after ctx is cancelled
//   - an error wrapping mqtt.ErrConnectionLost when the broker goes away
//   - an error wrapping mqtt.ErrConnectionFailed or ErrSetupFailed when the
//     session never got going
//   - a cloud credential error (see cloud.IsCredentialFault) when no usable
//     credential is available
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.setConnected(false)

	ep, err := s.endpoint(ctx)
	if err != nil {
		return err
	}

	t, err := s.deps.Dialer.Dial(ctx, ep)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", ep, err)
	}
	defer t.Close() //nolint:errcheck // Close never fails
	s.transport = t

	inbox := make(chan []byte, s.opts.InboxSize)
	loopDone := make(chan struct{})
	defer close(loopDone)

	// The handler runs on paho's delivery goroutine. It copies and hands
	// over; when the loop is busy it waits, which keeps arrival order.
	handler := func(_ string, payload []byte) error {
		msg := append([]byte(nil), payload...)
		select {
		case inbox <- msg:
		case <-loopDone:
		}
		return nil
	}

	id := s.opts.Printer.ID
	if err := t.Subscribe(s.topics.Report(id), s.opts.QoS, handler); err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	for _, cmd := range printer.SyncCommands() {
		if err := t.PublishCommand(s.topics.Request(id), cmd.Payload); err != nil {
			return fmt.Errorf("%w: sending %s: %w", ErrSetupFailed, cmd.Name, err)
		}
	}

	s.setConnected(true)
	s.logger.Info("printer session connected", "printer_id", id, "endpoint", ep.String(), "cloud", s.opts.Cloud)

	// A quiet printer still heartbeats; nil when heartbeats are off.
	var beats <-chan time.Time
	if s.opts.HeartbeatInterval > 0 && s.deps.Broadcaster != nil {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		beats = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("printer session stopping", "printer_id", id)
			return nil
		case <-t.Done():
			err := t.Err()
			if err == nil {
				err = mqtt.ErrConnectionLost
			}
			s.logger.Warn("printer connection lost", "printer_id", id, "error", err)
			return err
		case raw := <-inbox:
			s.HandleMessage(ctx, raw)
		case <-beats:
			s.beat(ctx)
		}
	}
}

// endpoint resolves where and how to connect.
func (s *Session) endpoint(ctx context.Context) (mqtt.Endpoint, error) {
	p := s.opts.Printer
	if !s.opts.Cloud {
		return mqtt.Endpoint{
			Host:     p.Host,
			Port:     p.Port,
			Username: p.Username,
			Password: p.AccessCode,
		}, nil
	}

	if s.deps.Credentials == nil {
		return mqtt.Endpoint{}, ErrNoCredentialSource
	}
	cred, err := s.deps.Credentials.CurrentToken(ctx)
	if err != nil {
		return mqtt.Endpoint{}, err
	}
	if cred.Username == "" {
		return mqtt.Endpoint{}, fmt.Errorf("%w: credential carries no username", cloud.ErrNotLoggedIn)
	}
	return mqtt.Endpoint{
		Host:     s.opts.CloudHost,
		Port:     s.opts.CloudPort,
		Username: cred.Username,
		Password: cred.AccessToken,
	}, nil
}

// setConnected records the connection state and tells the dashboard when
// it changes.
func (s *Session) setConnected(v bool) {
	if s.connected.Swap(v) == v {
		return
	}
	snap := s.publishSnapshot()
	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.Broadcast(EventUpdate, snap)
	}
}

func (s *Session) count(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}
