package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/printwatch/internal/cloud"
	"github.com/nerrad567/printwatch/internal/history"
	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/infrastructure/logging"
	"github.com/nerrad567/printwatch/internal/session"
	"github.com/nerrad567/printwatch/internal/supervisor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Fleet is the supervised set of printers. *supervisor.Supervisor satisfies it.
type Fleet interface {
	Handles() []supervisor.Handle
	Status(id string) (supervisor.Handle, bool)
	Snapshot(id string) (session.Snapshot, bool)
	Snapshots() []session.Snapshot
	Restart(ctx context.Context, id string) error
	Stats() supervisor.Stats
}

// CloudAuth drives the cloud login flow. *cloud.Provider satisfies it.
type CloudAuth interface {
	Status() cloud.Status
	Login(ctx context.Context, account, password string) error
	SubmitVerificationCode(ctx context.Context, code string) error
	SubmitTwoFactor(ctx context.Context, code string) error
	Account() string
	Password() string
}

// HistoryReader lists recorded transitions. *history.Repository satisfies it.
type HistoryReader interface {
	List(ctx context.Context, deviceID string, limit int) ([]history.Entry, error)
}

// HealthChecker is an optional backend probed by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a plain function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Fleet   Fleet
	Hub     *Hub
	Version string

	// Optional. Auth endpoints answer 404 without a provider; history
	// answers 503 without a repository.
	Cloud   CloudAuth
	History HistoryReader
	Checks  map[string]HealthChecker
	Metrics MetricsSources
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	fleet     Fleet
	cloud     CloudAuth
	history   HistoryReader
	checks    map[string]HealthChecker
	metrics   MetricsSources
	version   string
	startTime time.Time
	hub       *Hub
	server    *http.Server
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, fleet)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("printer fleet is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		fleet:     deps.Fleet,
		cloud:     deps.Cloud,
		history:   deps.History,
		checks:    deps.Checks,
		metrics:   deps.Metrics,
		version:   deps.Version,
		hub:       deps.Hub,
		startTime: time.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub sessions broadcast through.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The listener is bound before Start returns so a port clash is reported
// to the caller.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
