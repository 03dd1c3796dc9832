// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultStorePath          = "data/offqueue.db"
	defaultLastSyncPath       = "data/last_sync.json"
	defaultRetention          = 7 * 24 * time.Hour
	defaultMinSecondsPerQ     = 5
	defaultPerfectSecondsPerQ = 10
	defaultProbeInterval      = 15 * time.Second
	defaultProbeTimeout       = 5 * time.Second
	defaultProbeMaxInterval   = 2 * time.Minute
	defaultDispatchBaseURL    = "http://localhost:8080/api"
	defaultDispatchTimeout    = 10 * time.Second
	defaultAPIAddr            = ":8880"
	defaultSyncLimitCalls     = 5
	defaultSyncLimitWindow    = time.Minute
	defaultStatusCacheTTL     = time.Second
	defaultServiceName        = "offqueue"
)

// StoreConfig selects and locates the pending action store.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// LastSyncPath is the file holding the last sync marker.
	LastSyncPath string `yaml:"lastSyncPath"`
	// MigrationsPath overrides the embedded migrations when set.
	MigrationsPath string `yaml:"migrationsPath"`
}

func (c *StoreConfig) applyDefaults() {
	c.Driver = StoreDriver(normalizeIdentifier(string(c.Driver)))
	if c.Driver == "" {
		c.Driver = StoreSQLite
	}
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Path = defaultStorePath
	}
	c.Path = filepath.Clean(c.Path)
	c.DSN = strings.TrimSpace(c.DSN)
	c.LastSyncPath = strings.TrimSpace(c.LastSyncPath)
	if c.LastSyncPath == "" {
		c.LastSyncPath = defaultLastSyncPath
	}
	c.LastSyncPath = filepath.Clean(c.LastSyncPath)
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c StoreConfig) validate() error {
	switch c.Driver {
	case StoreSQLite:
		if c.Path == "" {
			return fmt.Errorf("path required for sqlite driver")
		}
	case StorePostgres:
		if c.DSN == "" {
			return fmt.Errorf("dsn required for postgres driver")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("driver must be one of sqlite, postgres, memory")
	}
	if c.LastSyncPath == "" {
		return fmt.Errorf("lastSyncPath required")
	}
	return nil
}

// SyncConfig tunes the sync coordinator.
type SyncConfig struct {
	// Retention is both the freshness window for queued actions and the purge
	// horizon for synced ones.
	Retention        time.Duration `yaml:"retention"`
	AutoSyncDebounce time.Duration `yaml:"autoSyncDebounce"`
}

// ValidationConfig tunes the journey plausibility checks.
type ValidationConfig struct {
	MinSecondsPerQuestion     int `yaml:"minSecondsPerQuestion"`
	PerfectSecondsPerQuestion int `yaml:"perfectSecondsPerQuestion"`
}

// ConnectivityConfig selects the connectivity source.
type ConnectivityConfig struct {
	Mode ConnectivityMode `yaml:"mode"`
	// StartOffline starts a manual source disconnected.
	StartOffline bool          `yaml:"startOffline"`
	ProbeURL     string        `yaml:"probeURL"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxInterval  time.Duration `yaml:"maxInterval"`
}

func (c *ConnectivityConfig) applyDefaults() {
	c.Mode = ConnectivityMode(normalizeIdentifier(string(c.Mode)))
	if c.Mode == "" {
		c.Mode = ConnectivityManual
	}
	c.ProbeURL = strings.TrimSpace(c.ProbeURL)
	if c.Interval <= 0 {
		c.Interval = defaultProbeInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultProbeTimeout
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultProbeMaxInterval
	}
}

func (c ConnectivityConfig) validate() error {
	switch c.Mode {
	case ConnectivityManual:
		return nil
	case ConnectivityProbe:
		if c.ProbeURL == "" {
			return fmt.Errorf("probeURL required for probe mode")
		}
		if err := validateHTTPURL(c.ProbeURL); err != nil {
			return fmt.Errorf("probeURL: %w", err)
		}
		if c.MaxInterval < c.Interval {
			return fmt.Errorf("maxInterval must be >= interval")
		}
		return nil
	default:
		return fmt.Errorf("mode must be one of manual, probe")
	}
}

// DispatchConfig configures delivery to the backend.
type DispatchConfig struct {
	BaseURL           string            `yaml:"baseURL"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Burst             int               `yaml:"burst"`
	Headers           map[string]string `yaml:"headers"`
}

func (c *DispatchConfig) applyDefaults() {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.BaseURL == "" {
		c.BaseURL = defaultDispatchBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultDispatchTimeout
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	if len(c.Headers) > 0 {
		headers := make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			headers[key] = strings.TrimSpace(v)
		}
		c.Headers = headers
	}
}

func (c DispatchConfig) validate() error {
	if err := validateHTTPURL(c.BaseURL); err != nil {
		return fmt.Errorf("baseURL: %w", err)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requestsPerSecond must be >= 0")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must be >= 0")
	}
	return nil
}

// SyncLimitConfig bounds manual sync requests with a sliding window.
type SyncLimitConfig struct {
	MaxCalls int           `yaml:"maxCalls"`
	Window   time.Duration `yaml:"window"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr           string          `yaml:"addr"`
	SyncLimit      SyncLimitConfig `yaml:"syncLimit"`
	StatusCacheTTL time.Duration   `yaml:"statusCacheTTL"`
}

func (c *APIServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = defaultAPIAddr
	}
	if c.SyncLimit.MaxCalls <= 0 {
		c.SyncLimit.MaxCalls = defaultSyncLimitCalls
	}
	if c.SyncLimit.Window <= 0 {
		c.SyncLimit.Window = defaultSyncLimitWindow
	}
	if c.StatusCacheTTL <= 0 {
		c.StatusCacheTTL = defaultStatusCacheTTL
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified offqueue configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment        `yaml:"environment"`
	Store        StoreConfig        `yaml:"store"`
	Sync         SyncConfig         `yaml:"sync"`
	Validation   ValidationConfig   `yaml:"validation"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	APIServer    APIServerConfig    `yaml:"apiServer"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Telemetry:   TelemetryConfig{EnableMetrics: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file
// does not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), false, nil
	}
	return AppConfig{}, false, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Store.applyDefaults()

	if c.Sync.Retention <= 0 {
		c.Sync.Retention = defaultRetention
	}
	if c.Sync.AutoSyncDebounce < 0 {
		c.Sync.AutoSyncDebounce = 0
	}

	if c.Validation.MinSecondsPerQuestion <= 0 {
		c.Validation.MinSecondsPerQuestion = defaultMinSecondsPerQ
	}
	if c.Validation.PerfectSecondsPerQuestion <= 0 {
		c.Validation.PerfectSecondsPerQuestion = defaultPerfectSecondsPerQ
	}

	c.Connectivity.applyDefaults()
	c.Dispatch.applyDefaults()
	c.APIServer.applyDefaults()

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if c.Sync.Retention <= 0 {
		return fmt.Errorf("sync retention must be >0")
	}
	if c.Sync.AutoSyncDebounce < 0 {
		return fmt.Errorf("sync autoSyncDebounce must be >=0")
	}

	if c.Validation.MinSecondsPerQuestion <= 0 {
		return fmt.Errorf("validation minSecondsPerQuestion must be >0")
	}
	if c.Validation.PerfectSecondsPerQuestion < c.Validation.MinSecondsPerQuestion {
		return fmt.Errorf("validation perfectSecondsPerQuestion must be >= minSecondsPerQuestion")
	}

	if err := c.Connectivity.validate(); err != nil {
		return fmt.Errorf("connectivity: %w", err)
	}
	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.SyncLimit.MaxCalls <= 0 {
		return fmt.Errorf("apiServer syncLimit maxCalls must be >0")
	}
	if c.APIServer.SyncLimit.Window <= 0 {
		return fmt.Errorf("apiServer syncLimit window must be >0")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// SaveAppConfig writes cfg as YAML to path.
func SaveAppConfig(path string, cfg AppConfig) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("host required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
