// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → mitm-config.json → environment variables (env vars win).
// The CA certificate and private key live under DataDir as mitm.pem / mitm.key.
package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// CA file names under DataDir. Clients import CACertName into their trust
// store out of band (or fetch it from the management API).
const (
	CACertName = "mitm.pem"
	CAKeyName  = "mitm.key"
)

// Config holds the full proxy configuration.
type Config struct {
	BindAddress    string `json:"bindAddress"`
	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`

	// ManagementToken enables bearer auth on the management API; empty = no auth.
	ManagementToken string `json:"managementToken"`

	// DataDir is where the CA pair is stored. Defaults to the OS user config
	// dir + /mitm (mitm-data in the working directory when there is none).
	DataDir string `json:"dataDir"`

	BufferSize int `json:"bufferSize"` // relay read chunk size
	PeekWindow int `json:"peekWindow"` // max bytes sniffed during protocol detection

	ReadTimeoutSecs    int `json:"readTimeoutSecs"`    // per-read idle timeout in the relay; non-fatal
	DialTimeoutSecs    int `json:"dialTimeoutSecs"`    // origin connect timeout; fatal to the session
	SessionTimeoutSecs int `json:"sessionTimeoutSecs"` // total session deadline; 0 = disabled
	ShutdownGraceSecs  int `json:"shutdownGraceSecs"`  // time in-flight sessions get on shutdown

	KeepAlive      bool `json:"keepAlive"`      // rerun relay rounds until either side reports EOF
	LeafCacheSize  int  `json:"leafCacheSize"`  // LRU capacity for minted leaf configs
	MaxConnections int  `json:"maxConnections"` // cap on concurrently accepted connections

	LogLevel string `json:"logLevel"`
}

// Load returns config with defaults overridden by mitm-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "mitm-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:        "127.0.0.1",
		ProxyPort:          8888,
		ManagementPort:     8889,
		DataDir:            defaultDataDir(),
		BufferSize:         8192,
		PeekWindow:         8192,
		ReadTimeoutSecs:    15,
		DialTimeoutSecs:    15,
		SessionTimeoutSecs: 0,
		ShutdownGraceSecs:  10,
		KeepAlive:          true,
		LeafCacheSize:      1024,
		MaxConnections:     1024,
		LogLevel:           "info",
	}
}

// defaultDataDir resolves the OS user config directory, falling back to the
// working directory when the environment provides none (e.g. minimal containers).
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "mitm-data"
	}
	return filepath.Join(base, "mitm")
}

// CACertPath returns the path of the CA certificate PEM under DataDir.
func (c *Config) CACertPath() string { return filepath.Join(c.DataDir, CACertName) }

// CAKeyPath returns the path of the CA private key PEM under DataDir.
func (c *Config) CAKeyPath() string { return filepath.Join(c.DataDir, CAKeyName) }

// ReadTimeout returns the relay idle timeout as a duration.
func (c *Config) ReadTimeout() time.Duration { return time.Duration(c.ReadTimeoutSecs) * time.Second }

// DialTimeout returns the origin connect timeout as a duration.
func (c *Config) DialTimeout() time.Duration { return time.Duration(c.DialTimeoutSecs) * time.Second }

// SessionTimeout returns the total session deadline; zero means no deadline.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSecs) * time.Second
}

// ShutdownGrace returns how long in-flight sessions may run after shutdown starts.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MITM_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MITM_PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MITM_MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("MITM_MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("MITM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MITM_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BufferSize = n
		}
	}
	if v := os.Getenv("MITM_PEEK_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PeekWindow = n
		}
	}
	if v := os.Getenv("MITM_READ_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReadTimeoutSecs = n
		}
	}
	if v := os.Getenv("MITM_DIAL_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DialTimeoutSecs = n
		}
	}
	if v := os.Getenv("MITM_SESSION_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SessionTimeoutSecs = n
		}
	}
	if v := os.Getenv("MITM_SHUTDOWN_GRACE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ShutdownGraceSecs = n
		}
	}
	if v := os.Getenv("MITM_KEEP_ALIVE"); v == "false" {
		cfg.KeepAlive = false
	}
	if v := os.Getenv("MITM_LEAF_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeafCacheSize = n
		}
	}
	if v := os.Getenv("MITM_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("MITM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
