// Package appconfig loads and hot-reloads the gateway's process-wide
// configuration, following the teacher's SDKConfig convention of
// nil-pointer-means-default fields tagged for both YAML and JSON.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig mirrors ratelimiter.Limits, kept as a separate type so
// this package does not import internal/ratelimiter for one struct shape.
type RateLimitConfig struct {
	GlobalPerMinute int `yaml:"global-per-minute,omitempty" json:"global-per-minute,omitempty"`
	GlobalPerHour   int `yaml:"global-per-hour,omitempty" json:"global-per-hour,omitempty"`
	PerKeyPerMinute int `yaml:"per-key-per-minute,omitempty" json:"per-key-per-minute,omitempty"`
	PerKeyPerHour   int `yaml:"per-key-per-hour,omitempty" json:"per-key-per-hour,omitempty"`
}

// HistoryConfig holds history-trimming knobs. They are loaded and
// returned by the admin config API, but nothing on the request path reads
// them: requests are not trimmed, and requestconverter's
// ApplyHistoryManagement (with its own HistoryOptions defaults) is not
// called by the server.
type HistoryConfig struct {
	// MaxMessages caps the number of history messages kept. nil means
	// default (40).
	MaxMessages *int `yaml:"max-messages,omitempty" json:"max-messages,omitempty"`
	// StripImagesAfter drops inline image content from history entries
	// older than this many turns. nil means default (2).
	StripImagesAfter *int `yaml:"strip-images-after,omitempty" json:"strip-images-after,omitempty"`
}

// GetMaxMessages returns the configured history cap, defaulting to 40.
func (h *HistoryConfig) GetMaxMessages() int {
	if h == nil || h.MaxMessages == nil {
		return 40
	}
	return *h.MaxMessages
}

// GetStripImagesAfter returns the configured image-retention window,
// defaulting to 2.
func (h *HistoryConfig) GetStripImagesAfter() int {
	if h == nil || h.StripImagesAfter == nil {
		return 2
	}
	return *h.StripImagesAfter
}

// SessionCacheConfig describes the sticky-session LRU size. The values
// are not passed to the credential managers: each manager builds its own
// LRU with a fixed capacity of 10000 and a one-hour TTL.
type SessionCacheConfig struct {
	// Capacity is the LRU's maximum entry count. nil means default
	// (10000).
	Capacity *int `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	// TTLSeconds is the LRU entry lifetime. nil means default (3600).
	TTLSeconds *int `yaml:"ttl-seconds,omitempty" json:"ttl-seconds,omitempty"`
}

// GetCapacity returns the configured LRU capacity, defaulting to 10000.
func (s *SessionCacheConfig) GetCapacity() int {
	if s == nil || s.Capacity == nil {
		return 10000
	}
	return *s.Capacity
}

// GetTTL returns the configured LRU entry lifetime, defaulting to one
// hour.
func (s *SessionCacheConfig) GetTTL() time.Duration {
	if s == nil || s.TTLSeconds == nil {
		return time.Hour
	}
	return time.Duration(*s.TTLSeconds) * time.Second
}

// StreamingConfig controls SSE keep-alive cadence, grounded on the
// teacher's own StreamingConfig field name and semantics.
type StreamingConfig struct {
	// KeepAliveSeconds controls the ping-event interval. <= 0 disables
	// it. nil means default (25).
	KeepAliveSeconds *int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}

// GetKeepAlive returns the configured ping interval, defaulting to 25s.
func (s *StreamingConfig) GetKeepAlive() time.Duration {
	if s == nil || s.KeepAliveSeconds == nil {
		return 25 * time.Second
	}
	return time.Duration(*s.KeepAliveSeconds) * time.Second
}

// ProxyConfig is the global outbound proxy triple (url, user, password).
// It is handed to the pool manager at startup but applied to no outbound
// call; only credential-level proxies are.
type ProxyConfig struct {
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config is the gateway's process-wide configuration, persisted as
// config/config.json (or .yaml). A reload swaps in every field except
// Host/Port, but the rate limits, streaming keep-alive, admin key and
// proxy are read once at startup, so changes to them take effect only
// after a restart.
type Config struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	AdminKey string `yaml:"admin-key,omitempty" json:"admin-key,omitempty"`

	Proxy        *ProxyConfig       `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	RateLimit    RateLimitConfig    `yaml:"rate-limit,omitempty" json:"rate-limit,omitempty"`
	History      HistoryConfig      `yaml:"history,omitempty" json:"history,omitempty"`
	SessionCache SessionCacheConfig `yaml:"session-cache,omitempty" json:"session-cache,omitempty"`
	Streaming    StreamingConfig    `yaml:"streaming,omitempty" json:"streaming,omitempty"`
}

// defaults fills in the handful of non-pointer fields that have no
// natural zero value.
func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
}

// Load reads path as YAML or JSON (by extension, defaulting to YAML),
// applying defaults for any unset field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.defaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("appconfig: read %s: %w", path, err)
	}

	cfg := &Config{}
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("appconfig: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// Save writes cfg to path as indented JSON, matching the gateway's other
// config/*.json artifacts (credentials, pools, api keys) regardless of
// the format it was originally loaded from. It also refreshes a
// zstd-compressed rollback snapshot alongside it.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return backupSnapshot(path, data)
}

// backupSnapshot writes a zstd-compressed copy of the just-saved config
// next to it, so an operator can diff or restore a prior revision. A
// failure here never fails the save itself, it's a best-effort
// rollback aid and not part of the config contract.
func backupSnapshot(path string, data []byte) error {
	f, err := os.OpenFile(path+".bak.zst", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil
	}
	_ = zw.Close()
	return nil
}

// Store holds the process-wide Config behind an atomic.Value so readers
// never observe a torn struct mid-reload. The fsnotify watcher swaps in a
// Config freshly loaded from the file. Swap itself writes nothing to
// disk, so a Config swapped in by the admin API is not persisted.
type Store struct {
	path string
	val  atomic.Value
}

// NewStore loads path once and wraps it in a Store.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.val.Store(cfg)
	return s, nil
}

// Get returns the current Config. The returned pointer is immutable;
// callers must not mutate it in place.
func (s *Store) Get() *Config {
	return s.val.Load().(*Config)
}

// Swap installs a new Config, used after an admin mutation or a detected
// file change.
func (s *Store) Swap(cfg *Config) {
	s.val.Store(cfg)
}

// Reload re-reads the backing file and swaps it in, preserving Host/Port
// from the previous in-memory config since those require a process
// restart to take effect.
func (s *Store) Reload() error {
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	prev := s.Get()
	next.Host = prev.Host
	next.Port = prev.Port
	s.Swap(next)
	return nil
}
