package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBaseURL        = "https://api.vk.com/method/"
	DefaultAPIVersion     = "5.101"
	DefaultTimeout        = "15s"
	DefaultInterval       = "30s"
	DefaultGraceThreshold = "5m"
	DefaultMinSession     = "5s"
	DefaultBufSize        = 100
	DefaultMaintenance    = "0 0 4 * * *"
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 18800
	DefaultTLSPort        = 18843
)

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Watcher  WatcherConfig  `json:"watcher"`
	Store    StoreConfig    `json:"store"`
	Server   ServerConfig   `json:"server"`
}

type ProviderConfig struct {
	Token      string `json:"token"`
	BaseURL    string `json:"baseUrl,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type WatcherConfig struct {
	Interval       string `json:"interval"`
	GraceThreshold string `json:"graceThreshold"`
	MinSession     string `json:"minSession"`
	BufSize        int    `json:"bufSize"`
}

type StoreConfig struct {
	DBPath      string `json:"dbPath"`
	Maintenance string `json:"maintenance,omitempty"`
}

type ServerConfig struct {
	Enabled   bool   `json:"enabled"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	StaticDir string `json:"staticDir,omitempty"`
	TLSPort   int    `json:"tlsPort,omitempty"`
	CertFile  string `json:"certFile,omitempty"`
	KeyFile   string `json:"keyFile,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:    DefaultBaseURL,
			APIVersion: DefaultAPIVersion,
			Timeout:    DefaultTimeout,
		},
		Watcher: WatcherConfig{
			Interval:       DefaultInterval,
			GraceThreshold: DefaultGraceThreshold,
			MinSession:     DefaultMinSession,
			BufSize:        DefaultBufSize,
		},
		Store: StoreConfig{
			DBPath:      DefaultDBPath(),
			Maintenance: DefaultMaintenance,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    DefaultHost,
			Port:    DefaultPort,
			TLSPort: DefaultTLSPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".presencewatch")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "data", "sessions.db")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("PRESENCEWATCH_TOKEN"); token != "" {
		cfg.Provider.Token = token
	}
	if token := os.Getenv("VK_TOKEN"); token != "" && cfg.Provider.Token == "" {
		cfg.Provider.Token = token
	}
	if url := os.Getenv("PRESENCEWATCH_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if interval := os.Getenv("PRESENCEWATCH_INTERVAL"); interval != "" {
		cfg.Watcher.Interval = interval
	}
	if dbPath := os.Getenv("PRESENCEWATCH_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if port := os.Getenv("PRESENCEWATCH_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if dir := os.Getenv("PRESENCEWATCH_STATIC_DIR"); dir != "" {
		cfg.Server.StaticDir = dir
	}

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Provider.APIVersion == "" {
		cfg.Provider.APIVersion = DefaultAPIVersion
	}
	if cfg.Watcher.BufSize <= 0 {
		cfg.Watcher.BufSize = DefaultBufSize
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultDBPath()
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.TLSPort <= 0 {
		cfg.Server.TLSPort = DefaultTLSPort
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// Validate reports settings that would stop the watcher from starting.
func (c *Config) Validate() error {
	if c.Provider.Token == "" {
		return fmt.Errorf("provider token is required (set PRESENCEWATCH_TOKEN or provider.token in %s)", ConfigPath())
	}
	if d := c.Watcher.IntervalDuration(); d < time.Second {
		return fmt.Errorf("watcher interval %v is below one second", d)
	}
	if c.Watcher.GraceThresholdDuration() <= 0 {
		return fmt.Errorf("watcher grace threshold must be positive")
	}
	if c.Watcher.MinSessionDuration() <= 0 {
		return fmt.Errorf("watcher min session must be positive")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("server certFile and keyFile must be set together")
	}
	return nil
}

func (p ProviderConfig) TimeoutDuration() time.Duration {
	return parseDuration(p.Timeout, DefaultTimeout)
}

func (w WatcherConfig) IntervalDuration() time.Duration {
	return parseDuration(w.Interval, DefaultInterval)
}

func (w WatcherConfig) GraceThresholdDuration() time.Duration {
	return parseDuration(w.GraceThreshold, DefaultGraceThreshold)
}

func (w WatcherConfig) MinSessionDuration() time.Duration {
	return parseDuration(w.MinSession, DefaultMinSession)
}

// parseDuration falls back to def for empty or unparsable values. A bare
// integer is read as seconds.
func parseDuration(s, def string) time.Duration {
	if s == "" {
		s = def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
