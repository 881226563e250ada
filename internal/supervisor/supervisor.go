package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/printwatch/internal/cloud"
	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/session"
)

// Phase is the lifecycle phase of one printer's session.
type Phase string

const (
	PhaseStarting     Phase = "STARTING"
	PhaseConnected    Phase = "CONNECTED"
	PhaseReconnecting Phase = "RECONNECTING"
	PhaseStopped      Phase = "STOPPED"
)

// stableThreshold is how long a session must have run for the restart delay
// to fall back to its base value.
const stableThreshold = 2 * time.Minute

var (
	// ErrUnknownDevice is returned for a device id that is not supervised.
	ErrUnknownDevice = errors.New("supervisor: unknown device")

	// ErrDuplicateDevice is returned when StartAll sees an id twice.
	ErrDuplicateDevice = errors.New("supervisor: duplicate device")

	// ErrShuttingDown is returned after Shutdown has been called.
	ErrShuttingDown = errors.New("supervisor: shutting down")

	// ErrAlreadyStarted is returned when StartAll is called twice.
	ErrAlreadyStarted = errors.New("supervisor: already started")

	// ErrStopTimeout is returned when a session did not exit in time.
	ErrStopTimeout = errors.New("supervisor: session did not stop in time")

	// errSessionEnded replaces a nil error from a session that returned on its own.
	errSessionEnded = errors.New("session ended")
)

// Runner is one session attempt. *session.Session satisfies it.
type Runner interface {
	Run(ctx context.Context) error
	Connected() bool
	Snapshot() session.Snapshot
}

// Factory creates a fresh Runner for a printer.
type Factory func(p config.PrinterConfig) Runner

// Logger defines the logging interface for the supervisor.
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

// Options configures a Supervisor.
type Options struct {
	Config config.SupervisorConfig

	// AuthReset clears per-device authentication state before a manual
	// restart. Optional.
	AuthReset func(p config.PrinterConfig)

	// IsCredentialFault decides which session errors park a device.
	// Defaults to cloud.IsCredentialFault.
	IsCredentialFault func(error) bool

	Logger Logger
}

// Handle is a point-in-time view of one supervised printer.
type Handle struct {
	DeviceID  string    `json:"device_id"`
	Title     string    `json:"title"`
	Phase     Phase     `json:"phase"`
	Restarts  int       `json:"restarts"`
	Parked    bool      `json:"parked"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Stats are supervisor-wide counters.
type Stats struct {
	Sessions  int   `json:"sessions"`
	Connected int   `json:"connected"`
	Parked    int   `json:"parked"`
	Restarts  int64 `json:"restarts"`
}

// entry is the mutable record behind a Handle. Guarded by Supervisor.mu.
type entry struct {
	cfg       config.PrinterConfig
	cancel    context.CancelFunc
	done      chan struct{}
	runner    Runner
	phase     Phase
	restarts  int
	parked    bool
	lastErr   error
	startedAt time.Time
}

// Supervisor runs and restarts printer sessions.
//
// Thread Safety: all methods are safe for concurrent use.
type Supervisor struct {
	factory Factory
	opts    Options
	logger  Logger

	mu      sync.Mutex
	root    context.Context
	entries map[string]*entry
	order   []string
	closed  bool

	shutdownOnce sync.Once
	shutdownErr  error

	restarts atomic.Int64

	// sleep waits d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Supervisor. Nothing runs until StartAll.
func New(factory Factory, opts Options) *Supervisor {
	if opts.Config.RestartDelay <= 0 {
		opts.Config.RestartDelay = 5 * time.Second
	}
	if opts.Config.MaxRestartDelay < opts.Config.RestartDelay {
		opts.Config.MaxRestartDelay = opts.Config.RestartDelay
	}
	if opts.Config.BackoffMultiplier < 1 {
		opts.Config.BackoffMultiplier = 1
	}
	if opts.Config.ShutdownTimeout <= 0 {
		opts.Config.ShutdownTimeout = 10 * time.Second
	}
	if opts.IsCredentialFault == nil {
		opts.IsCredentialFault = cloud.IsCredentialFault
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		factory: factory,
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// StartAll starts one session per printer. Sessions live until ctx is
// cancelled or Shutdown is called; a restarted session inherits ctx, not the
// context of the Restart call.
func (s *Supervisor) StartAll(ctx context.Context, printers []config.PrinterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShuttingDown
	}
	if s.root != nil {
		return ErrAlreadyStarted
	}

	seen := make(map[string]bool, len(printers))
	for _, p := range printers {
		if seen[p.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateDevice, p.ID)
		}
		seen[p.ID] = true
	}

	s.root = ctx
	for _, p := range printers {
		e := &entry{cfg: p}
		s.entries[p.ID] = e
		s.order = append(s.order, p.ID)
		s.startLocked(e)
	}
	s.logger.Info("printer sessions started", "count", len(printers))
	return nil
}

// startLocked launches the supervision goroutine for e. s.mu must be held.
func (s *Supervisor) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(s.root)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.phase = PhaseStarting
	e.parked = false
	e.lastErr = nil
	go s.supervise(ctx, e, done)
}

// supervise runs sessions for one printer until ctx ends or a credential
// fault parks it.
func (s *Supervisor) supervise(ctx context.Context, e *entry, done chan struct{}) {
	defer close(done)

	id := e.cfg.ID
	delay := s.opts.Config.RestartDelay
	for {
		runner := s.factory(e.cfg)
		started := s.now()

		s.mu.Lock()
		e.runner = runner
		e.phase = PhaseStarting
		e.startedAt = started
		s.mu.Unlock()

		err := s.run(ctx, runner, id)

		if ctx.Err() != nil {
			s.setPhase(e, PhaseStopped, nil)
			return
		}
		if err == nil {
			err = errSessionEnded
		}

		if s.opts.IsCredentialFault(err) {
			s.mu.Lock()
			e.phase = PhaseStopped
			e.parked = true
			e.lastErr = err
			s.mu.Unlock()
			s.logger.Error("printer session parked, credentials need attention",
				"printer_id", id,
				"error", err,
			)
			return
		}

		if s.now().Sub(started) >= stableThreshold {
			delay = s.opts.Config.RestartDelay
		}

		s.mu.Lock()
		e.phase = PhaseReconnecting
		e.lastErr = err
		e.restarts++
		attempt := e.restarts
		s.mu.Unlock()
		s.restarts.Add(1)

		s.logger.Warn("printer session ended, restarting",
			"printer_id", id,
			"error", err,
			"attempt", attempt,
			"delay", delay,
		)

		if err := s.sleep(ctx, delay); err != nil {
			s.setPhase(e, PhaseStopped, nil)
			return
		}
		delay = nextDelay(delay, s.opts.Config.BackoffMultiplier, s.opts.Config.MaxRestartDelay)
	}
}

// run calls runner.Run, turning a panic into an error so one printer cannot
// take the process down.
func (s *Supervisor) run(ctx context.Context, r Runner, id string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("printer session panicked", "printer_id", id, "panic", p)
			err = fmt.Errorf("session panic: %v", p)
		}
	}()
	return r.Run(ctx)
}

func (s *Supervisor) setPhase(e *entry, phase Phase, err error) {
	s.mu.Lock()
	e.phase = phase
	if err != nil {
		e.lastErr = err
	}
	s.mu.Unlock()
}

// Restart stops the printer's session, waits for it to exit, clears its
// authentication state and starts a new session with the printer's config.
//
// Returns ErrUnknownDevice, ErrShuttingDown, or ErrStopTimeout when the old
// session did not exit within the shutdown timeout; in that case no new
// session is started.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	cancel, done := e.cancel, e.done
	s.mu.Unlock()

	s.logger.Info("restarting printer session", "printer_id", id)
	cancel()
	if err := s.wait(ctx, done); err != nil {
		return fmt.Errorf("restarting %s: %w", id, err)
	}

	if s.opts.AuthReset != nil {
		s.opts.AuthReset(e.cfg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if e.done != done {
		// A concurrent Restart already started the next session.
		return nil
	}
	e.restarts++
	s.restarts.Add(1)
	s.startLocked(e)
	return nil
}

// wait blocks until done closes, ctx ends or the shutdown timeout passes.
func (s *Supervisor) wait(ctx context.Context, done <-chan struct{}) error {
	timer := time.NewTimer(s.opts.Config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Shutdown stops every session and waits for them, bounded by the shutdown
// timeout and ctx. It reports the devices whose sessions did not exit.
// Later calls return the first result.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		type pending struct {
			id   string
			done chan struct{}
		}
		waits := make([]pending, 0, len(s.order))
		for _, id := range s.order {
			e := s.entries[id]
			e.cancel()
			waits = append(waits, pending{id: id, done: e.done})
		}
		s.mu.Unlock()

		deadline, cancel := context.WithTimeout(ctx, s.opts.Config.ShutdownTimeout)
		defer cancel()

		var stuck []string
		for _, w := range waits {
			select {
			case <-w.done:
			case <-deadline.Done():
				stuck = append(stuck, w.id)
			}
		}
		if len(stuck) > 0 {
			s.shutdownErr = fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(stuck, ", "))
			s.logger.Error("printer sessions did not stop", "printers", stuck)
			return
		}
		s.logger.Info("printer sessions stopped", "count", len(waits))
	})
	return s.shutdownErr
}

// Handles returns a view of every printer in configuration order.
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handleLocked(s.entries[id]))
	}
	return out
}

// Status returns the view of one printer.
func (s *Supervisor) Status(id string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Handle{}, false
	}
	return s.handleLocked(e), true
}

// Snapshot returns the dashboard view from the printer's current session.
func (s *Supervisor) Snapshot(id string) (session.Snapshot, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	var r Runner
	var title string
	if ok {
		r = e.runner
		title = e.cfg.DisplayTitle()
	}
	s.mu.Unlock()

	if !ok {
		return session.Snapshot{}, false
	}
	if r == nil {
		return session.Snapshot{PrinterID: id, Printer: title}, true
	}
	return r.Snapshot(), true
}

// Snapshots returns the dashboard view of every printer in configuration order.
func (s *Supervisor) Snapshots() []session.Snapshot {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]session.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Stats returns supervisor-wide counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Sessions: len(s.order), Restarts: s.restarts.Load()}
	for _, id := range s.order {
		h := s.handleLocked(s.entries[id])
		if h.Phase == PhaseConnected {
			st.Connected++
		}
		if h.Parked {
			st.Parked++
		}
	}
	return st
}

func (s *Supervisor) handleLocked(e *entry) Handle {
	h := Handle{
		DeviceID:  e.cfg.ID,
		Title:     e.cfg.DisplayTitle(),
		Phase:     e.phase,
		Restarts:  e.restarts,
		Parked:    e.parked,
		StartedAt: e.startedAt,
	}
	if h.Phase == PhaseStarting && e.runner != nil && e.runner.Connected() {
		h.Phase = PhaseConnected
	}
	if e.lastErr != nil {
		h.LastError = e.lastErr.Error()
	}
	return h
}

// nextDelay grows d by multiplier, capped at maxDelay.
func nextDelay(d time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if multiplier <= 1 {
		return d
	}
	next := time.Duration(float64(d) * multiplier)
	if next > maxDelay {
		return maxDelay
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
