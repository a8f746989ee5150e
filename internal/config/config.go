// Package config handles configuration loading and management for sdlink.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/inercia/sdlink/internal/client"
)

// EnvPrefix is the prefix of the environment variables read by ApplyEnv.
const EnvPrefix = "SDLINK"

// Default connection values.
const (
	DefaultEndpoint = "ws://127.0.0.1:7860/ws"
	DefaultDialect  = "action"
)

// LoggingConfig holds the logging section of the config file.
type LoggingConfig struct {
	Level      string   `yaml:"level,omitempty"`
	File       string   `yaml:"file,omitempty"`
	FileLevel  string   `yaml:"file_level,omitempty"`
	JSON       bool     `yaml:"json,omitempty"`
	Components []string `yaml:"components,omitempty"`
}

// Config represents the complete sdlink configuration.
type Config struct {
	// Endpoint is the WebSocket URL of the generation server.
	Endpoint string `yaml:"endpoint"`
	// Password is sent as the first frame after the upgrade. Prefer the
	// secret store or SDLINK_PASSWORD over keeping it in the file.
	Password string `yaml:"password,omitempty"`
	// Dialect is "action" or "typed".
	Dialect string `yaml:"dialect"`

	SettlePeriod   time.Duration `yaml:"settle_period,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	PingInterval   time.Duration `yaml:"ping_interval,omitempty"`
	// StrictPreviews rejects binary frames that are not images.
	StrictPreviews bool `yaml:"strict_previews,omitempty"`

	// OutputDir is where result images are saved. Empty means the images
	// directory under the sdlink data dir.
	OutputDir string `yaml:"output_dir,omitempty"`

	CivitaiToken string `yaml:"civitai_token,omitempty"`
	HFToken      string `yaml:"hf_token,omitempty"`

	// Defaults are generation parameters applied before any params file
	// or flag.
	Defaults map[string]any `yaml:"defaults,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty"`

	// MetricsAddr enables the Prometheus endpoint when set (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// env mirrors the settings that can be overridden from the environment.
type env struct {
	Endpoint     string `envconfig:"ENDPOINT"`
	Password     string `envconfig:"PASSWORD"`
	Dialect      string `envconfig:"DIALECT"`
	CivitaiToken string `envconfig:"CIVITAI_TOKEN"`
	HFToken      string `envconfig:"HF_TOKEN"`
	OutputDir    string `envconfig:"OUTPUT_DIR"`
	MetricsAddr  string `envconfig:"METRICS_ADDR"`
	LogLevel     string `envconfig:"LOG_LEVEL"`

	SettlePeriod   time.Duration `envconfig:"SETTLE_PERIOD"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Endpoint:       DefaultEndpoint,
		Dialect:        DefaultDialect,
		SettlePeriod:   client.DefaultSettlePeriod,
		ConnectTimeout: client.DefaultConnectTimeout,
		PingInterval:   client.DefaultPingInterval,
		Logging:        LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// LoadOrDefault behaves like Load but returns Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse parses YAML configuration data. Missing fields keep their
// default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with SDLINK_* environment variables.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.Endpoint, e.Endpoint)
	setString(&c.Password, e.Password)
	setString(&c.Dialect, e.Dialect)
	setString(&c.CivitaiToken, e.CivitaiToken)
	setString(&c.HFToken, e.HFToken)
	setString(&c.OutputDir, e.OutputDir)
	setString(&c.MetricsAddr, e.MetricsAddr)
	setString(&c.Logging.Level, e.LogLevel)
	if e.SettlePeriod > 0 {
		c.SettlePeriod = e.SettlePeriod
	}
	if e.ConnectTimeout > 0 {
		c.ConnectTimeout = e.ConnectTimeout
	}
	return c.Validate()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks values that would otherwise fail later at connect time.
func (c *Config) Validate() error {
	if _, err := client.ParseDialect(c.Dialect); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SettlePeriod < 0 || c.ConnectTimeout < 0 || c.PingInterval < 0 {
		return fmt.Errorf("invalid config: durations must not be negative")
	}
	return nil
}

// ClientOptions translates the connection settings into session options.
func (c *Config) ClientOptions() ([]client.Option, error) {
	dialect, err := client.ParseDialect(c.Dialect)
	if err != nil {
		return nil, err
	}
	return []client.Option{
		client.WithDialect(dialect),
		client.WithSettlePeriod(c.SettlePeriod),
		client.WithConnectTimeout(c.ConnectTimeout),
		client.WithPingInterval(c.PingInterval),
		client.WithStrictPreviews(c.StrictPreviews),
	}, nil
}

// Marshal renders the configuration as YAML. The password and tokens are
// masked unless reveal is set.
func (c *Config) Marshal(reveal bool) ([]byte, error) {
	out := *c
	if !reveal {
		out.Password = mask(out.Password)
		out.CivitaiToken = mask(out.CivitaiToken)
		out.HFToken = mask(out.HFToken)
	}
	return yaml.Marshal(&out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
