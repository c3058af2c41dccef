// Package config loads the process configuration: listen address, storage
// backend, scan and speed-test executors, logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	SpeedTest SpeedTestConfig `yaml:"speedtest"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	StaticDir      string `yaml:"static_dir"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	Requests      int  `yaml:"requests"`
	WindowMinutes int  `yaml:"window_minutes"`
}

// StorageConfig selects where the runtime settings record lives.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	FilePath string         `yaml:"file_path"`
	Database DatabaseConfig `yaml:"database"`
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MaxConns               int `yaml:"max_conns"`
	MinConns               int `yaml:"min_conns"`
	MaxConnLifetimeMinutes int `yaml:"max_conn_lifetime_minutes"`
}

type DatabaseConfig struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	DBName   string     `yaml:"dbname"`
	SSLMode  string     `yaml:"ssl_mode"`
	Pool     PoolConfig `yaml:"pool"`
}

type ScannerConfig struct {
	// Engine is "nmap" or "native".
	Engine string       `yaml:"engine"`
	Nmap   NmapConfig   `yaml:"nmap"`
	Native NativeConfig `yaml:"native"`
	Enrich EnrichConfig `yaml:"enrichment"`
}

type NmapConfig struct {
	Path      string   `yaml:"path"`
	Args      []string `yaml:"args"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

type NativeConfig struct {
	Ports         []int  `yaml:"ports"`
	Workers       int    `yaml:"workers"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
	ARPTable      string `yaml:"arp_table"`
}

type EnrichConfig struct {
	ReverseDNS    bool     `yaml:"reverse_dns"`
	DNSServer     string   `yaml:"dns_server"`
	DNSTimeoutMS  int      `yaml:"dns_timeout_ms"`
	MDNS          bool     `yaml:"mdns"`
	MDNSServices  []string `yaml:"mdns_services"`
	MDNSTimeoutMS int      `yaml:"mdns_timeout_ms"`
	SNMP          bool     `yaml:"snmp"`
	SNMPCommunity string   `yaml:"snmp_community"`
	SNMPTimeoutMS int      `yaml:"snmp_timeout_ms"`
	Workers       int      `yaml:"workers"`
}

type SpeedTestConfig struct {
	Binary    string `yaml:"binary"`
	ServerID  int    `yaml:"server_id"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type EventBusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5050,
			ReadTimeoutMS:  30000,
			WriteTimeoutMS: 180000,
			StaticDir:      "public",
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAgeSeconds:  3600,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Requests:      500,
			WindowMinutes: 15,
		},
		Storage: StorageConfig{
			Driver:   "file",
			FilePath: "data/config.json",
			Database: DatabaseConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "scaneye",
				DBName:  "scaneye",
				SSLMode: "disable",
				Pool: PoolConfig{
					MaxConns:               4,
					MinConns:               1,
					MaxConnLifetimeMinutes: 60,
				},
			},
		},
		Scanner: ScannerConfig{
			Engine: "nmap",
			Nmap: NmapConfig{
				Path:      "nmap",
				Args:      []string{"-sn", "-T4", "--min-parallelism", "50"},
				TimeoutMS: 300000,
			},
			Native: NativeConfig{
				Ports:         []int{22, 53, 80, 443, 445, 5353, 8080},
				Workers:       256,
				DialTimeoutMS: 500,
				ARPTable:      "/proc/net/arp",
			},
			Enrich: EnrichConfig{
				ReverseDNS:    true,
				DNSTimeoutMS:  1000,
				MDNS:          false,
				MDNSServices:  []string{"_workstation._tcp", "_device-info._tcp"},
				MDNSTimeoutMS: 2000,
				SNMP:          false,
				SNMPCommunity: "public",
				SNMPTimeoutMS: 1000,
				Workers:       32,
			},
		},
		SpeedTest: SpeedTestConfig{
			Binary:    "speedtest",
			TimeoutMS: 120000,
		},
		EventBus: EventBusConfig{
			SubscriberBuffer: 16,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from file and applies environment variable overrides.
// A missing file is not an error: the defaults are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case "file":
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage file_path is required for the file driver")
		}
	case "memory":
	case "postgres":
		if c.Storage.Database.Host == "" || c.Storage.Database.DBName == "" {
			return fmt.Errorf("database host and dbname are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (want file, memory or postgres)", c.Storage.Driver)
	}

	switch c.Scanner.Engine {
	case "nmap":
		if c.Scanner.Nmap.Path == "" {
			return fmt.Errorf("scanner nmap path is required")
		}
	case "native":
		if len(c.Scanner.Native.Ports) == 0 {
			return fmt.Errorf("scanner native ports must not be empty")
		}
		for _, p := range c.Scanner.Native.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("scanner native port out of range: %d", p)
			}
		}
	default:
		return fmt.Errorf("unknown scanner engine %q (want nmap or native)", c.Scanner.Engine)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.WindowMinutes < 1) {
		return fmt.Errorf("rate_limit requests and window_minutes must be positive")
	}

	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides checks for environment variables with SCANEYE_ prefix
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if v := os.Getenv("SCANEYE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SCANEYE_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := os.Getenv("SCANEYE_SERVER_STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}

	// Storage overrides
	if v := os.Getenv("SCANEYE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SCANEYE_STORAGE_FILE_PATH"); v != "" {
		cfg.Storage.FilePath = v
	}
	if v := os.Getenv("SCANEYE_DATABASE_HOST"); v != "" {
		cfg.Storage.Database.Host = v
	}
	if v := os.Getenv("SCANEYE_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.Database.Port)
	}
	if v := os.Getenv("SCANEYE_DATABASE_PASSWORD"); v != "" {
		cfg.Storage.Database.Password = v
	}

	// Executor overrides
	if v := os.Getenv("SCANEYE_SCANNER_ENGINE"); v != "" {
		cfg.Scanner.Engine = v
	}
	if v := os.Getenv("SCANEYE_NMAP_PATH"); v != "" {
		cfg.Scanner.Nmap.Path = v
	}
	if v := os.Getenv("SCANEYE_SPEEDTEST_BINARY"); v != "" {
		cfg.SpeedTest.Binary = v
	}
	if v := os.Getenv("SCANEYE_SPEEDTEST_SERVER_ID"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.SpeedTest.ServerID)
	}

	// Logging overrides
	if v := os.Getenv("SCANEYE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Addr returns host:port for the HTTP listener
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// Window returns the rate limit window as a duration
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// DSN returns the PostgreSQL connection string in postgres:// URL format
func (d DatabaseConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}

	query := url.Values{}
	if d.SSLMode != "" {
		query.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// Timeout returns the nmap run timeout as a duration
func (n *NmapConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutMS) * time.Millisecond
}

// DialTimeout returns the per-probe dial timeout as a duration
func (n *NativeConfig) DialTimeout() time.Duration {
	return time.Duration(n.DialTimeoutMS) * time.Millisecond
}

func (e *EnrichConfig) DNSTimeout() time.Duration {
	return time.Duration(e.DNSTimeoutMS) * time.Millisecond
}

func (e *EnrichConfig) MDNSTimeout() time.Duration {
	return time.Duration(e.MDNSTimeoutMS) * time.Millisecond
}

func (e *EnrichConfig) SNMPTimeout() time.Duration {
	return time.Duration(e.SNMPTimeoutMS) * time.Millisecond
}

// Timeout returns the speed test timeout as a duration
func (s *SpeedTestConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// DumpExample writes an example configuration to the provided writer
func DumpExample(w io.Writer) error {
	example := Default()
	example.Storage.Database.Password = "changeme"

	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# ScanEye Example Configuration
# =============================================================================
# Copy this file to config.yaml and modify it according to your needs.
# Every key is optional; missing keys keep the values shown here.
#
# Environment variable overrides follow the pattern: SCANEYE_<SECTION>_<KEY>
# Example: SCANEYE_SERVER_PORT, SCANEYE_STORAGE_DRIVER, SCANEYE_DATABASE_PASSWORD
#
# Scan and speed-test intervals and the manual subnet are runtime settings.
# They are changed through the API and stored by the storage backend.
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	return nil
}

// InitLogger initializes the global logger based on configuration
func InitLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	default:
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, nil
}
