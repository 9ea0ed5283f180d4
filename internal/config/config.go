package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// AutoDownload controls which peer kinds get automatic media downloads.
type AutoDownload struct {
	Users    bool `toml:"users"`
	Groups   bool `toml:"groups"`
	Channels bool `toml:"channels"`
}

// Telegram holds the MTProto API credentials.
type Telegram struct {
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`
}

// Downloads configures the attachment download queue.
type Downloads struct {
	Concurrency  int          `toml:"concurrency"`
	PersistMedia bool         `toml:"persist_media"`
	Auto         AutoDownload `toml:"auto"`
}

// Sync configures pagination, throttling and prefetch behaviour.
type Sync struct {
	PageSize            int `toml:"page_size"`
	FlushChunk          int `toml:"flush_chunk"`
	InitialRecent       int `toml:"initial_recent"`
	MinPageIntervalMs   int `toml:"min_page_interval_ms"`
	PeerThrottleMs      int `toml:"peer_throttle_ms"`
	HistoryTTLMs        int `toml:"history_ttl_ms"`
	PrefetchConcurrency int `toml:"prefetch_concurrency"`
	PrefetchLimit       int `toml:"prefetch_limit"`
}

// Config represents the global ~/.tgmirror/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	Telegram       Telegram  `toml:"telegram"`
	Downloads      Downloads `toml:"downloads"`
	Sync           Sync      `toml:"sync"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Downloads: Downloads{
			Concurrency:  3,
			PersistMedia: true,
			Auto:         AutoDownload{Users: true, Groups: true, Channels: true},
		},
		Sync: Sync{
			PageSize:            50,
			FlushChunk:          30,
			InitialRecent:       10,
			MinPageIntervalMs:   1200,
			PeerThrottleMs:      1200,
			HistoryTTLMs:        5000,
			PrefetchConcurrency: 4,
			PrefetchLimit:       25,
		},
	}
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when absent.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// MinPageInterval returns the dialog page fetch spacing as a duration.
func (s Sync) MinPageInterval() time.Duration {
	return time.Duration(s.MinPageIntervalMs) * time.Millisecond
}

// PeerThrottle returns the per-peer call spacing as a duration.
func (s Sync) PeerThrottle() time.Duration {
	return time.Duration(s.PeerThrottleMs) * time.Millisecond
}

// HistoryTTL returns the history response cache lifetime.
func (s Sync) HistoryTTL() time.Duration {
	return time.Duration(s.HistoryTTLMs) * time.Millisecond
}

// Allows reports whether media auto-download is enabled for a peer kind.
func (a AutoDownload) Allows(kind string) bool {
	switch kind {
	case "user":
		return a.Users
	case "group":
		return a.Groups
	case "channel":
		return a.Channels
	default:
		return false
	}
}
