package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultVersion     = "cache-v1"
	DefaultOfflinePage = "/offline.html"
)

// DefaultAssets are pre-cached by every install
var DefaultAssets = []string{"/", DefaultOfflinePage}

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	App     AppConfig     `yaml:"app"`
	Cache   CacheConfig   `yaml:"cache"`
	Network NetworkConfig `yaml:"network"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `yaml:"port" env:"OFFLINE_PROXY_PORT"`
	HTTPS HTTPSConfig `yaml:"https"`
}

// HTTPSConfig controls TLS interception of the application origin
type HTTPSConfig struct {
	Enabled    bool   `yaml:"enabled" env:"OFFLINE_PROXY_HTTPS_ENABLED"`
	CACertFile string `yaml:"ca_cert_file" env:"OFFLINE_PROXY_CA_CERT_FILE"`
	CAKeyFile  string `yaml:"ca_key_file" env:"OFFLINE_PROXY_CA_KEY_FILE"`
	// Address of the optional transparent HTTPS listener, e.g. ":8443"
	TransparentAddr string `yaml:"transparent_addr" env:"OFFLINE_PROXY_TRANSPARENT_ADDR"`
}

// AppConfig describes the cached web application
type AppConfig struct {
	Origin      string   `yaml:"origin" env:"OFFLINE_PROXY_ORIGIN"`
	Version     string   `yaml:"version" env:"OFFLINE_PROXY_VERSION"`
	Assets      []string `yaml:"assets" env:"OFFLINE_PROXY_ASSETS" envSeparator:","`
	OfflinePage string   `yaml:"offline_page" env:"OFFLINE_PROXY_OFFLINE_PAGE"`
}

// CacheConfig contains cache storage configuration
type CacheConfig struct {
	Backend  string `yaml:"backend" env:"OFFLINE_PROXY_CACHE_BACKEND"` // "disk", "sqlite" or "memory"
	Folder   string `yaml:"folder" env:"OFFLINE_PROXY_CACHE_FOLDER"`
	Database string `yaml:"database" env:"OFFLINE_PROXY_CACHE_DATABASE"`
}

// NetworkConfig contains upstream fetch configuration
type NetworkConfig struct {
	Timeout string `yaml:"timeout" env:"OFFLINE_PROXY_NETWORK_TIMEOUT"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"OFFLINE_PROXY_LOG_LEVEL"`
}

// Load loads configuration from a YAML file, then applies environment overrides
func Load(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	config.SetDefaults()
	return &config, nil
}

// SetDefaults fills every unset field with its default value
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.App.Version == "" {
		c.App.Version = DefaultVersion
	}
	if len(c.App.Assets) == 0 {
		c.App.Assets = slices.Clone(DefaultAssets)
	}
	if c.App.OfflinePage == "" {
		c.App.OfflinePage = DefaultOfflinePage
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "disk"
	}
	if c.Cache.Folder == "" {
		c.Cache.Folder = "./cache"
	}
	if c.Cache.Database == "" {
		c.Cache.Database = "./cache.db"
	}
	if c.Network.Timeout == "" {
		c.Network.Timeout = "30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// GetOrigin parses the application origin
func (c *Config) GetOrigin() (*url.URL, error) {
	u, err := url.Parse(c.App.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin has no host")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origin must not have a path, got: %q", u.Path)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// GetNetworkTimeout parses and returns the upstream fetch timeout
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetLogLevel parses and returns the log level
func (c *Config) GetLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.App.Origin == "" {
		return fmt.Errorf("app origin is required")
	}
	if _, err := c.GetOrigin(); err != nil {
		return fmt.Errorf("invalid app origin: %w", err)
	}

	if c.App.Version == "" {
		return fmt.Errorf("app version is required")
	}
	if strings.ContainsAny(c.App.Version, `/\`) {
		return fmt.Errorf("app version must not contain path separators, got: %s", c.App.Version)
	}

	for _, asset := range c.App.Assets {
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("asset path must start with '/', got: %s", asset)
		}
		ref, err := url.Parse(asset)
		if err != nil {
			return fmt.Errorf("invalid asset %s: %w", asset, err)
		}
		if ref.Host != "" {
			return fmt.Errorf("asset must stay on the origin, got: %s", asset)
		}
	}
	if !slices.Contains(c.App.Assets, c.App.OfflinePage) {
		return fmt.Errorf("offline page %s must be listed in app assets", c.App.OfflinePage)
	}

	switch c.Cache.Backend {
	case "disk":
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required")
		}
	case "sqlite":
		if c.Cache.Database == "" {
			return fmt.Errorf("cache database is required")
		}
	case "memory":
	default:
		return fmt.Errorf("cache backend must be 'disk', 'sqlite' or 'memory', got: %s", c.Cache.Backend)
	}

	if _, err := c.GetNetworkTimeout(); err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}

	if _, err := c.GetLogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}
