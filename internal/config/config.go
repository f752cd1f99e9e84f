// Package config holds the bridge's runtime settings and the flow seed file
// format operators use to pre-configure sellable flows.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full runtime configuration, populated from environment
// variables with the BRIDGE_ prefix and optionally a YAML file.
type Settings struct {
	Server    ServerSettings    `mapstructure:"server"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Kodosumi  KodosumiSettings  `mapstructure:"kodosumi"`
	Masumi    MasumiSettings    `mapstructure:"masumi"`
	Scheduler SchedulerSettings `mapstructure:"scheduler"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`

	// FlowConfigPath optionally points at a YAML seed file of flow
	// configurations applied at startup.
	FlowConfigPath string `mapstructure:"flow_config_path"`
}

type ServerSettings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DebugPort       int           `mapstructure:"debug_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PostgresSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders the connection string for pgxpool.
func (p PostgresSettings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type KodosumiSettings struct {
	BaseURL           string        `mapstructure:"base_url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	SessionLifetime   time.Duration `mapstructure:"session_lifetime"`
	RefreshMargin     time.Duration `mapstructure:"refresh_margin"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`

	// RateLimitCalls upstream calls are allowed per RateLimitWindow.
	RateLimitCalls  int           `mapstructure:"rate_limit_calls"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	CatalogTTL time.Duration `mapstructure:"catalog_ttl"`
}

type MasumiSettings struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Network  string `mapstructure:"network"`
	TestMode bool   `mapstructure:"test_mode"`

	RateLimitCalls  int           `mapstructure:"rate_limit_calls"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

type SchedulerSettings struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
	PollRate   float64       `mapstructure:"poll_rate"`
}

type TelemetrySettings struct {
	ServiceName  string  `mapstructure:"service_name"`
	ExporterAddr string  `mapstructure:"exporter_addr"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// LoadSettings reads configuration from the environment (prefix BRIDGE_,
// nested keys joined with underscores) layered over an optional YAML file
// and built-in defaults.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.debug_port", 6060)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "bridge")
	v.SetDefault("postgres.database", "bridge")
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("kodosumi.session_lifetime", 24*time.Hour)
	v.SetDefault("kodosumi.refresh_margin", time.Hour)
	v.SetDefault("kodosumi.keepalive_interval", 10*time.Minute)
	v.SetDefault("kodosumi.call_timeout", 30*time.Second)
	v.SetDefault("kodosumi.rate_limit_calls", 12)
	v.SetDefault("kodosumi.rate_limit_window", time.Minute)
	v.SetDefault("kodosumi.catalog_ttl", 5*time.Minute)

	v.SetDefault("masumi.network", "Preprod")
	v.SetDefault("masumi.rate_limit_calls", 30)
	v.SetDefault("masumi.rate_limit_window", time.Minute)
	v.SetDefault("masumi.watch_interval", 10*time.Second)

	v.SetDefault("scheduler.interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.batch_delay", 2*time.Second)
	v.SetDefault("scheduler.poll_rate", 1.0)

	v.SetDefault("telemetry.service_name", "kodosumi-masumi-bridge")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshaling settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.Kodosumi.BaseURL == "" {
		return fmt.Errorf("kodosumi base_url is required")
	}
	if s.Kodosumi.Username == "" || s.Kodosumi.Password == "" {
		return fmt.Errorf("kodosumi credentials are required")
	}
	if !s.Masumi.TestMode && (s.Masumi.BaseURL == "" || s.Masumi.APIKey == "") {
		return fmt.Errorf("masumi base_url and api_key are required outside test mode")
	}
	return nil
}
