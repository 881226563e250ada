package errorlookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/printwatch/internal/printer"
)

// Logger defines the logging interface for the lookup service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Service.
type Options struct {
	// MaxAge is how long a table is served before a refresh is started.
	MaxAge time.Duration
	// RetryBackoff is the minimum gap between attempts after a failed fetch.
	RetryBackoff time.Duration
	// Language selects the stored table to warm from.
	Language string
	// Store is optional.
	Store  Store
	Logger Logger
}

// Service answers description queries from an in-memory table.
//
// Readers never wait for a fetch. A missing or stale table starts one
// background refresh and the caller is answered from whatever is loaded,
// which for a cold service means Unknown.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	fetcher Fetcher
	opts    Options
	logger  Logger
	now     func() time.Time

	table atomic.Pointer[Table]
	group singleflight.Group

	mu          sync.Mutex
	nextAttempt time.Time
	lastErr     error
	refreshes   int64
	failures    int64
}

// New creates a Service.
func New(fetcher Fetcher, opts Options) *Service {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Minute
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Warm loads the stored table, if any, then fetches when nothing fresh was
// loaded. It blocks for the fetch, so callers run it off the hot path.
func (s *Service) Warm(ctx context.Context) error {
	if s.opts.Store != nil {
		t, err := s.opts.Store.Load(ctx, s.opts.Language)
		switch {
		case errors.Is(err, ErrNoTable):
		case err != nil:
			s.logger.Warn("loading stored error table failed", "error", err)
		default:
			s.table.CompareAndSwap(nil, t)
			s.logger.Info("error table loaded from store", "entries", t.Len(), "fetched_at", t.FetchedAt)
		}
	}
	if s.fresh(s.table.Load()) {
		return nil
	}
	return s.Refresh(ctx)
}

// Describe returns the description of a formatted HMS code such as
// "0300_2000_0001_0001", or Unknown.
func (s *Service) Describe(ctx context.Context, hmsCode string) string {
	if hmsCode == "" {
		return Unknown
	}
	if d, ok := s.current(ctx).describeHMS(hmsCode); ok {
		return d
	}
	return Unknown
}

// DescribeDeviceError returns the description of a print_error value, or
// Unknown. The table keys these as 8 upper-case hex digits.
func (s *Service) DescribeDeviceError(ctx context.Context, code int) string {
	if code == 0 {
		return Unknown
	}
	if d, ok := s.current(ctx).describeDevice(printer.DeviceErrorKey(code)); ok {
		return d
	}
	return Unknown
}

// Refresh fetches a new table now, joining a refresh already in flight.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.fetch(ctx)
	})
	return err
}

// Stats describes the service for health output.
type Stats struct {
	Entries   int       `json:"entries"`
	FetchedAt time.Time `json:"fetched_at"`
	Refreshes int64     `json:"refreshes"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	t := s.table.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Entries:   t.Len(),
		Refreshes: s.refreshes,
		Failures:  s.failures,
	}
	if t != nil {
		st.FetchedAt = t.FetchedAt
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// current returns the table to answer from. A missing or stale table starts
// a background refresh; the caller never waits for it.
func (s *Service) current(ctx context.Context) *Table {
	t := s.table.Load()
	if s.fresh(t) || !s.mayAttempt() {
		return t
	}
	s.group.DoChan("refresh", func() (any, error) {
		return nil, s.fetch(context.WithoutCancel(ctx))
	})
	return t
}

func (s *Service) fresh(t *Table) bool {
	return t != nil && s.now().Sub(t.FetchedAt) < s.opts.MaxAge
}

func (s *Service) mayAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.nextAttempt)
}

// fetch downloads a table and swaps it in. On failure the old table stays.
func (s *Service) fetch(ctx context.Context) error {
	t, err := s.fetcher.Fetch(ctx)

	s.mu.Lock()
	if err != nil {
		s.failures++
		s.lastErr = err
		s.nextAttempt = s.now().Add(s.opts.RetryBackoff)
		s.mu.Unlock()
		s.logger.Warn("error table refresh failed", "error", err, "retry_after", s.opts.RetryBackoff)
		return err
	}
	s.refreshes++
	s.lastErr = nil
	s.nextAttempt = time.Time{}
	s.mu.Unlock()

	if t.FetchedAt.IsZero() {
		t.FetchedAt = s.now()
	}
	s.table.Store(t)
	s.logger.Info("error table refreshed", "hms", len(t.HMS), "device", len(t.Device))

	if s.opts.Store != nil {
		if err := s.opts.Store.Save(ctx, t); err != nil {
			s.logger.Warn("persisting error table failed", "error", err)
		}
	}
	return nil
}
