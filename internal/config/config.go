// Package config handles application configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Backing database
	Backend BackendConfig `mapstructure:"backend"`

	// Gateway listener settings
	Gateway GatewayConfig `mapstructure:"gateway"`

	// Logging
	Log LogConfig `mapstructure:"log"`
}

type BackendConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

type GatewayConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`

	// TLS for client connections. Empty cert/key means SSLRequests are
	// declined; RequireTLS refuses plaintext sessions outright.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	RequireTLS  bool   `mapstructure:"require_tls"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			MaxConnections: 10,
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Gateway: GatewayConfig{
			ListenAddr:     ":6432",
			MaxConnections: 100,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bridge"
	}
	return filepath.Join(home, ".bridge")
}

// Load loads configuration from file, env vars, and flags
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("backend.max_connections", defaults.Backend.MaxConnections)
	v.SetDefault("backend.connect_timeout", defaults.Backend.ConnectTimeout)
	v.SetDefault("backend.idle_timeout", defaults.Backend.IdleTimeout)
	v.SetDefault("gateway.listen_addr", defaults.Gateway.ListenAddr)
	v.SetDefault("gateway.max_connections", defaults.Gateway.MaxConnections)
	v.SetDefault("gateway.read_timeout", defaults.Gateway.ReadTimeout)
	v.SetDefault("gateway.write_timeout", defaults.Gateway.WriteTimeout)
	v.SetDefault("gateway.idle_timeout", defaults.Gateway.IdleTimeout)
	v.SetDefault("gateway.require_tls", false)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath("/etc/bridge")
	}

	// Environment variables
	v.SetEnvPrefix("bridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to a file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.Set("backend", c.Backend)
	v.Set("gateway", c.Gateway)
	v.Set("log", c.Log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr is required")
	}
	if c.Gateway.RequireTLS && (c.Gateway.TLSCertFile == "" || c.Gateway.TLSKeyFile == "") {
		return fmt.Errorf("gateway.require_tls needs tls_cert_file and tls_key_file")
	}
	if (c.Gateway.TLSCertFile == "") != (c.Gateway.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}
