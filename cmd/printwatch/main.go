// PrintWatch monitors a fleet of Bambu printers over MQTT.
//
// Each configured printer gets a supervised session that keeps the broker
// connection alive, turns raw reports into job transitions and fans them out
// to push notifications, accessory lights, the SQLite history, optional
// InfluxDB and NATS sinks and the live dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/printwatch/internal/api"
	"github.com/nerrad567/printwatch/internal/cloud"
	"github.com/nerrad567/printwatch/internal/dispatch"
	"github.com/nerrad567/printwatch/internal/errorlookup"
	"github.com/nerrad567/printwatch/internal/history"
	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/infrastructure/database"
	"github.com/nerrad567/printwatch/internal/infrastructure/eventbus"
	"github.com/nerrad567/printwatch/internal/infrastructure/influxdb"
	"github.com/nerrad567/printwatch/internal/infrastructure/logging"
	"github.com/nerrad567/printwatch/internal/infrastructure/mqtt"
	"github.com/nerrad567/printwatch/internal/notify"
	"github.com/nerrad567/printwatch/internal/session"
	"github.com/nerrad567/printwatch/internal/supervisor"
	"github.com/nerrad567/printwatch/internal/wled"
	"github.com/nerrad567/printwatch/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"

	historyPruneInterval = time.Hour
)

// options are the command line flags.
type options struct {
	configPath  string
	envFile     string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("printwatch %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The config path defaults to
// PRINTWATCH_CONFIG when set.
func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("printwatch", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", getConfigPath(), "path to the YAML configuration file")
	fs.StringVar(&o.envFile, "env-file", defaultEnvFile, "dotenv file loaded before environment overrides")
	fs.BoolVarP(&o.showVersion, "version", "v", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return o, nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed command line flags
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting PrintWatch",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", opts.configPath,
		"printers", len(cfg.Printers),
		"level", cfg.Logging.Level,
	)
	for _, p := range cfg.Printers {
		log.Printer(p).Info("printer configured",
			"class", p.Class,
			"cloud", cfg.UsesCloud(p),
			"accessory", p.Accessory.Kind,
		)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)

	historyRepo := history.NewRepository(db.DB)
	lookup := newLookup(cfg, db, log.Component("errorlookup"))

	var provider *cloud.Provider
	if needsCloud(cfg) {
		provider = startCloud(ctx, cfg, db, log.Component("cloud"))
	}

	dispatcher := dispatch.New(newNotifier(cfg.Notify),
		wled.NewClient(cfg.Accessory.Timeout, cfg.Accessory.Brightness),
		dispatch.Options{
			Dispatch:  cfg.Dispatch,
			Notify:    cfg.Notify,
			Accessory: cfg.Accessory,
			Logger:    log.Component("dispatch"),
		})
	defer dispatcher.Close() //nolint:errcheck // early returns; no-op after the drain below

	influxClient := connectInflux(ctx, cfg.InfluxDB, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	var bus *eventbus.Publisher
	if cfg.NATS.Enabled {
		bus, err = eventbus.Connect(cfg.NATS, log.Component("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			log.Info("closing NATS connection")
			if closeErr := bus.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		log.Info("NATS connected", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	dialer := mqtt.NewDialer(cfg.MQTT, log.Component("mqtt"))

	deps := session.Deps{
		Dialer:      session.MQTTDialer{Dialer: dialer},
		Dispatcher:  dispatcher,
		Lookup:      lookup,
		Broadcaster: hub,
		History:     historyRepo,
		Logger:      log.Component("session"),
	}
	// Optional collaborators stay nil interfaces when disabled.
	if provider != nil {
		deps.Credentials = provider
	}
	if influxClient != nil {
		deps.Telemetry = influxClient
	}
	if bus != nil {
		deps.Events = bus
	}

	sup := supervisor.New(func(p config.PrinterConfig) supervisor.Runner {
		return session.New(session.OptionsFor(cfg, p), deps)
	}, supervisor.Options{
		Config: cfg.Supervisor,
		AuthReset: func(p config.PrinterConfig) {
			if provider != nil && cfg.UsesCloud(p) {
				provider.Reset()
			}
		},
		Logger: log.Component("supervisor"),
	})

	apiDeps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.Component("api"),
		Fleet:   sup,
		Hub:     hub,
		Version: version,
		History: historyRepo,
		Checks:  map[string]api.HealthChecker{"database": db},
		Metrics: api.MetricsSources{
			Dispatch: dispatcher,
			Lookup:   lookup,
			Database: db,
			MQTT:     dialer,
		},
	}
	if provider != nil {
		apiDeps.Cloud = provider
	}
	if influxClient != nil {
		apiDeps.Checks["influxdb"] = influxClient
	}
	if bus != nil {
		apiDeps.Checks["nats"] = api.HealthCheckFunc(func(context.Context) error {
			return bus.HealthCheck()
		})
	}
	apiServer, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if warmErr := lookup.Warm(gctx); warmErr != nil {
			log.Warn("error table not loaded yet, codes are shown raw until it is", "error", warmErr)
		}
		return nil
	})
	g.Go(func() error {
		pruneHistory(gctx, historyRepo, db, cfg.Database.HistoryRetention, log.Component("history"))
		return nil
	})
	if provider != nil {
		g.Go(func() error {
			provider.RunRefresher(gctx, cfg.Cloud.RefreshInterval)
			return nil
		})
	}

	if err := sup.StartAll(ctx, cfg.Printers); err != nil {
		return fmt.Errorf("starting sessions: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Sessions first so nothing enqueues after the dispatcher drains. The
	// root context is already cancelled, so shutdown gets a fresh one.
	if err := apiServer.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}
	if err := sup.Shutdown(context.Background()); err != nil {
		log.Error("sessions did not stop cleanly", "error", err)
	}
	if err := dispatcher.Close(); err != nil {
		log.Error("dispatcher did not drain", "error", err)
	}
	if err := g.Wait(); err != nil {
		log.Error("background task failed", "error", err)
	}

	log.Info("PrintWatch stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PRINTWATCH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PRINTWATCH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// needsCloud reports whether any printer gets its credential from the cloud.
func needsCloud(cfg *config.Config) bool {
	for _, p := range cfg.Printers {
		if cfg.UsesCloud(p) {
			return true
		}
	}
	return false
}

// newLookup builds the error description service, backed by SQLite when
// persistence is enabled.
func newLookup(cfg *config.Config, db *database.DB, log *logging.Logger) *errorlookup.Service {
	opts := errorlookup.Options{
		MaxAge:       cfg.Lookup.RefreshInterval,
		RetryBackoff: cfg.Lookup.RetryBackoff,
		Language:     cfg.Lookup.Language,
		Logger:       log,
	}
	if cfg.Lookup.Persist {
		opts.Store = errorlookup.NewSQLiteStore(db.DB)
	}
	fetcher := errorlookup.NewHTTPFetcher(cfg.Lookup.URL, cfg.Lookup.Language, cfg.Lookup.Timeout)
	return errorlookup.New(fetcher, opts)
}

// startCloud restores the cached cloud credential and logs in with the
// configured password when nothing usable was cached. A login that needs a
// verification code leaves cloud printers parked until the code is posted
// to the API.
func startCloud(ctx context.Context, cfg *config.Config, db *database.DB, log *logging.Logger) *cloud.Provider {
	baseURL := cfg.Cloud.BaseURL
	if baseURL == "" {
		baseURL = cloud.BaseURL(cfg.Cloud.Region)
	}
	provider := cloud.NewProvider(
		cloud.NewHTTPClient(baseURL, cfg.Cloud.RequestTimeout),
		cfg.Cloud.Account,
		cloud.Options{
			RefreshHorizon: cfg.Cloud.RefreshHorizon,
			Store:          cloud.NewSQLiteStore(db.DB),
			Logger:         log,
		},
	)

	if err := provider.Restore(ctx); err != nil {
		log.Warn("could not restore cloud credential", "error", err)
	}
	if !provider.Status().ExpiresAt.IsZero() || cfg.Cloud.Password == "" {
		return provider
	}

	err := provider.Login(ctx, cfg.Cloud.Account, cfg.Cloud.Password)
	switch {
	case err == nil:
		log.Info("cloud login complete", "account", cfg.Cloud.Account)
	case errors.Is(err, cloud.ErrVerificationRequired):
		log.Warn("cloud login needs the emailed code, post it to /api/v1/auth/verify-code")
	case errors.Is(err, cloud.ErrTwoFactorRequired):
		log.Warn("cloud login needs a two-factor code, post it to /api/v1/auth/two-factor")
	default:
		log.Error("cloud login failed, cloud printers stay parked", "error", err)
	}
	return provider
}

// newNotifier returns the configured push notification sender.
func newNotifier(cfg config.NotifyConfig) notify.Sender {
	if cfg.Provider == "none" {
		return notify.Discard{}
	}
	return notify.NewClient(cfg)
}

// connectInflux returns a telemetry client, or nil when InfluxDB is disabled
// or unreachable. Telemetry is best effort and never blocks monitoring.
func connectInflux(ctx context.Context, cfg config.InfluxDBConfig, log *logging.Logger) *influxdb.Client {
	client, err := influxdb.Connect(ctx, cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil
	}
	if err != nil {
		log.Warn("InfluxDB unavailable, telemetry disabled", "error", err)
		return nil
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client
}

// pruneHistory deletes transitions older than retention once at startup and
// then every hour until ctx is cancelled. A zero retention keeps everything.
func pruneHistory(ctx context.Context, repo *history.Repository, db *database.DB, retention time.Duration, log *logging.Logger) {
	if retention <= 0 {
		return
	}
	prune := func() {
		n, err := repo.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("history prune failed", "error", err)
		case n > 0:
			log.Info("history pruned", "removed", n, "retention", retention)
			if err := db.Optimize(ctx); err != nil && ctx.Err() == nil {
				log.Warn("database optimize failed", "error", err)
			}
		}
	}

	prune()
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
