package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for PrintWatch.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Printers   []PrinterConfig  `yaml:"printers"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Rules      RulesConfig      `yaml:"rules"`
	Notify     NotifyConfig     `yaml:"notify"`
	Accessory  AccessoryConfig  `yaml:"accessory"`
	Lookup     LookupConfig     `yaml:"lookup"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	UI         UIConfig         `yaml:"ui"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Device classes understood by the session layer.
const (
	// ClassLocal printers are reached on the LAN with their access code.
	ClassLocal = "local"
)

// Accessory kinds.
const (
	AccessoryNone = "none"
	AccessoryWLED = "wled"
)

// PrinterConfig describes one monitored printer. It is immutable after load;
// changing it requires a session restart.
type PrinterConfig struct {
	// ID is the printer serial number. It appears in the MQTT topics.
	ID    string `yaml:"id"`
	Title string `yaml:"title"`

	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	AccessCode string `yaml:"access_code"`

	// Class selects credential acquisition. "local" uses AccessCode, any
	// class listed in cloud.device_classes goes through the cloud login.
	Class string `yaml:"class"`

	Sound     string                 `yaml:"sound"`
	Accessory PrinterAccessoryConfig `yaml:"accessory"`
	Pushover  PushoverTargetConfig   `yaml:"pushover"`
}

// PrinterAccessoryConfig describes an optional externally controlled light.
type PrinterAccessoryConfig struct {
	Kind  string `yaml:"kind"`
	IP    string `yaml:"ip"`
	Color []int  `yaml:"color"`
}

// PushoverTargetConfig overrides the global Pushover keys for one printer.
type PushoverTargetConfig struct {
	User string `yaml:"user"`
	App  string `yaml:"app"`
}

// HasAccessory reports whether the printer has a controllable light.
func (p PrinterConfig) HasAccessory() bool {
	return p.Accessory.Kind != "" && p.Accessory.Kind != AccessoryNone && p.Accessory.IP != ""
}

// DisplayTitle returns the title, falling back to the ID.
func (p PrinterConfig) DisplayTitle() string {
	if p.Title != "" {
		return p.Title
	}
	return p.ID
}

// MQTTConfig contains transport defaults shared by every printer connection.
type MQTTConfig struct {
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	QoS                int           `yaml:"qos"`
	KeepAlive          time.Duration `yaml:"keep_alive"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	ClientIDPrefix     string        `yaml:"client_id_prefix"`
}

// CloudConfig contains cloud account settings for cloud-linked printers.
type CloudConfig struct {
	Account  string `yaml:"account"`
	Password string `yaml:"password"`
	// Region is "us" (global) or "china".
	Region        string   `yaml:"region"`
	DeviceClasses []string `yaml:"device_classes"`
	BaseURL       string   `yaml:"base_url"`
	MQTTHost      string   `yaml:"mqtt_host"`

	RefreshHorizon  time.Duration `yaml:"refresh_horizon"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// SupervisorConfig controls session restarts.
type SupervisorConfig struct {
	RestartDelay      time.Duration `yaml:"restart_delay"`
	MaxRestartDelay   time.Duration `yaml:"max_restart_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RulesConfig contains device firmware quirks.
type RulesConfig struct {
	// CancelErrorCode is the print_error value a printer reports after a job
	// is cancelled from outside, before it clears the error.
	CancelErrorCode int `yaml:"cancel_error_code"`
}

// NotifyConfig contains notification delivery settings.
type NotifyConfig struct {
	// Provider is "pushover" or "none".
	Provider      string        `yaml:"provider"`
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	User          string        `yaml:"user"`
	Sound         string        `yaml:"sound"`
	FallbackSound string        `yaml:"fallback_sound"`
	Retries       int           `yaml:"retries"`
	RepeatCount   int           `yaml:"repeat_count"`
	RepeatDelay   time.Duration `yaml:"repeat_delay"`
	Timeout       time.Duration `yaml:"timeout"`

	// PercentThreshold sends one extra notification when a running job
	// reaches this progress. 0 disables it.
	PercentThreshold int `yaml:"percent_threshold"`
}

// AccessoryConfig contains accessory light HTTP settings.
type AccessoryConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Brightness int           `yaml:"brightness"`
}

// LookupConfig contains error description table settings.
type LookupConfig struct {
	URL             string        `yaml:"url"`
	Language        string        `yaml:"language"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	Timeout         time.Duration `yaml:"timeout"`
	Persist         bool          `yaml:"persist"`
}

// DispatchConfig sizes the side-effect worker pool.
type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// UIConfig contains live dashboard settings.
type UIConfig struct {
	// HeartbeatInterval is the minimum gap between snapshot broadcasts
	// that are not caused by a transition. 0 disables heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path             string        `yaml:"path"`
	WALMode          bool          `yaml:"wal_mode"`
	BusyTimeout      int           `yaml:"busy_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// NATSConfig contains event bus settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Per-printer defaults inherited from the mqtt section
//
// Environment variables follow the pattern: PRINTWATCH_SECTION_KEY
// For example: PRINTWATCH_DATABASE_PATH, PRINTWATCH_NOTIFY_TOKEN.
// Printer access codes use PRINTWATCH_PRINTER_<ID>_ACCESS_CODE.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyPrinterDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set are not overwritten. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Port:               8883,
			Username:           "bblp",
			TLS:                true,
			InsecureSkipVerify: true,
			QoS:                0,
			KeepAlive:          90 * time.Second,
			ConnectTimeout:     30 * time.Second,
			PublishTimeout:     10 * time.Second,
			ClientIDPrefix:     "printwatch",
		},
		Cloud: CloudConfig{
			Region:          "us",
			DeviceClasses:   []string{"A1", "P1S"},
			RefreshHorizon:  24 * time.Hour,
			RefreshInterval: 6 * time.Hour,
			RequestTimeout:  30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			RestartDelay:      5 * time.Second,
			MaxRestartDelay:   5 * time.Minute,
			BackoffMultiplier: 1,
			ShutdownTimeout:   10 * time.Second,
		},
		Rules: RulesConfig{
			CancelErrorCode: 50348044,
		},
		Notify: NotifyConfig{
			Provider:      "pushover",
			Sound:         "pushover",
			FallbackSound: "pushover",
			Retries:       1,
			RepeatCount:   2,
			RepeatDelay:   60 * time.Second,
			Timeout:       30 * time.Second,
		},
		Accessory: AccessoryConfig{
			Timeout:    5 * time.Second,
			Retries:    3,
			RetryDelay: 10 * time.Second,
			Brightness: 255,
		},
		Lookup: LookupConfig{
			URL:             "https://e.bambulab.com/query.php",
			Language:        "en",
			RefreshInterval: 24 * time.Hour,
			RetryBackoff:    5 * time.Minute,
			Timeout:         120 * time.Second,
			Persist:         true,
		},
		Dispatch: DispatchConfig{
			Workers:      4,
			QueueSize:    256,
			DrainTimeout: 10 * time.Second,
		},
		UI: UIConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:             "./data/printwatch.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 90 * 24 * time.Hour,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "printwatch",
			Name:          "printwatch",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PRINTWATCH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRINTWATCH_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PRINTWATCH_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Cloud account
	if v := os.Getenv("PRINTWATCH_CLOUD_ACCOUNT"); v != "" {
		cfg.Cloud.Account = v
	}
	if v := os.Getenv("PRINTWATCH_CLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}

	// Notifications
	if v := os.Getenv("PRINTWATCH_NOTIFY_TOKEN"); v != "" {
		cfg.Notify.Token = v
	}
	if v := os.Getenv("PRINTWATCH_NOTIFY_USER"); v != "" {
		cfg.Notify.User = v
	}

	if v := os.Getenv("PRINTWATCH_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("PRINTWATCH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	for i := range cfg.Printers {
		key := "PRINTWATCH_PRINTER_" + envKey(cfg.Printers[i].ID) + "_ACCESS_CODE"
		if v := os.Getenv(key); v != "" {
			cfg.Printers[i].AccessCode = v
		}
	}
}

// envKey turns a printer ID into an environment variable fragment.
func envKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}

// applyPrinterDefaults fills per-printer fields from the shared sections.
func (c *Config) applyPrinterDefaults() {
	for i := range c.Printers {
		p := &c.Printers[i]
		if p.Port == 0 {
			p.Port = c.MQTT.Port
		}
		if p.Username == "" {
			p.Username = c.MQTT.Username
		}
		if p.Class == "" {
			p.Class = ClassLocal
		}
		if p.Sound == "" {
			p.Sound = c.Notify.Sound
		}
		if p.Accessory.Kind == "" {
			p.Accessory.Kind = AccessoryNone
		}
		if len(p.Accessory.Color) == 0 {
			p.Accessory.Color = []int{255, 255, 255}
		}
	}
}

// UsesCloud reports whether the printer's credentials come from the cloud login.
func (c *Config) UsesCloud(p PrinterConfig) bool {
	return slices.Contains(c.Cloud.DeviceClasses, p.Class)
}

// Printer returns the configuration for one printer ID.
func (c *Config) Printer(id string) (PrinterConfig, bool) {
	for _, p := range c.Printers {
		if p.ID == id {
			return p, true
		}
	}
	return PrinterConfig{}, false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if len(c.Printers) == 0 {
		errs = append(errs, "at least one printer is required")
	}

	seen := make(map[string]bool, len(c.Printers))
	anyCloud := false
	for i, p := range c.Printers {
		prefix := fmt.Sprintf("printers[%d]", i)
		if p.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, p.ID))
		}
		seen[p.ID] = true

		if c.UsesCloud(p) {
			anyCloud = true
		} else {
			if p.Host == "" {
				errs = append(errs, prefix+".host is required for local printers")
			}
			if p.AccessCode == "" {
				errs = append(errs, prefix+".access_code is required for local printers")
			}
		}
		if p.Port < 0 || p.Port > 65535 {
			errs = append(errs, prefix+".port must be between 1 and 65535")
		}
		if p.Accessory.Kind == AccessoryWLED && p.Accessory.IP == "" {
			errs = append(errs, prefix+".accessory.ip is required for wled accessories")
		}
		if p.Accessory.Kind != "" && p.Accessory.Kind != AccessoryNone && p.Accessory.Kind != AccessoryWLED {
			errs = append(errs, fmt.Sprintf("%s.accessory.kind %q is not supported", prefix, p.Accessory.Kind))
		}
		if len(p.Accessory.Color) != 0 && len(p.Accessory.Color) != 3 {
			errs = append(errs, prefix+".accessory.color must have 3 components")
		}
	}

	if anyCloud && c.Cloud.Account == "" {
		errs = append(errs, "cloud.account is required when a cloud printer is configured")
	}
	if c.Cloud.Region != "us" && c.Cloud.Region != "china" {
		errs = append(errs, "cloud.region must be us or china")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.connect_timeout must be positive")
	}

	switch c.Notify.Provider {
	case "pushover":
		if c.Notify.Token == "" {
			errs = append(errs, "notify.token is required (set PRINTWATCH_NOTIFY_TOKEN environment variable)")
		}
		if c.Notify.User == "" {
			errs = append(errs, "notify.user is required (set PRINTWATCH_NOTIFY_USER environment variable)")
		}
	case "none":
	default:
		errs = append(errs, "notify.provider must be pushover or none")
	}
	if c.Notify.PercentThreshold < 0 || c.Notify.PercentThreshold > 100 {
		errs = append(errs, "notify.percent_threshold must be between 0 and 100")
	}

	if c.Rules.CancelErrorCode <= 0 {
		errs = append(errs, "rules.cancel_error_code must be positive")
	}
	if c.Supervisor.RestartDelay <= 0 {
		errs = append(errs, "supervisor.restart_delay must be positive")
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers must be at least 1")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
