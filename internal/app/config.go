package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds runtime wiring options for building the client.
type Config struct {
	Home       string // config directory, e.g. $HOME/.entropy
	RelayURL   string // relay websocket URL, e.g. ws://127.0.0.1:8080/ws
	Passphrase string // unlocks the identity and the vault

	LogLevel  string
	LogFormat string // "text" or "json"

	BaseDelay      time.Duration
	MaxRetries     uint64
	StabilizeAfter time.Duration
	OutboxSize     int

	RequestTimeout time.Duration
	FragmentStale  time.Duration
	MaxChunks      int
	ChunkSize      int

	TypingTimeout time.Duration
	OnlineTimeout time.Duration
	RingTimeout   time.Duration

	ReadReceipts bool
	ICEServers   []string
	OneTimeKeys  int
	VaultCache   time.Duration
}

// DefaultConfig returns the settings used when no file overrides them.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Home:           filepath.Join(home, ".entropy"),
		RelayURL:       "ws://127.0.0.1:8080/ws",
		LogLevel:       "info",
		LogFormat:      "text",
		BaseDelay:      2 * time.Second,
		MaxRetries:     5,
		StabilizeAfter: 5 * time.Second,
		OutboxSize:     512,
		RequestTimeout: 10 * time.Second,
		FragmentStale:  2 * time.Minute,
		MaxChunks:      4096,
		ChunkSize:      100 * 1024,
		TypingTimeout:  6 * time.Second,
		OnlineTimeout:  25 * time.Second,
		RingTimeout:    45 * time.Second,
		ReadReceipts:   true,
		ICEServers:     []string{"stun:stun.l.google.com:19302"},
		OneTimeKeys:    20,
		VaultCache:     5 * time.Minute,
	}
}

type fileConfig struct {
	Home           string   `toml:"home"`
	RelayURL       string   `toml:"relay_url"`
	Passphrase     string   `toml:"passphrase"`
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"`
	BaseDelay      string   `toml:"backoff_base"`
	MaxRetries     uint64   `toml:"max_retries"`
	StabilizeAfter string   `toml:"stabilize_after"`
	OutboxSize     int      `toml:"outbox_size"`
	RequestTimeout string   `toml:"request_timeout"`
	FragmentStale  string   `toml:"fragment_stale_after"`
	MaxChunks      int      `toml:"fragment_max_chunks"`
	ChunkSize      int      `toml:"chunk_size"`
	TypingTimeout  string   `toml:"typing_timeout"`
	OnlineTimeout  string   `toml:"presence_timeout"`
	RingTimeout    string   `toml:"ring_timeout"`
	ReadReceipts   bool     `toml:"read_receipts"`
	ICEServers     []string `toml:"ice_servers"`
	OneTimeKeys    int      `toml:"one_time_keys"`
	VaultCache     string   `toml:"vault_cache_ttl"`
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	setString := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			if v = strings.TrimSpace(v); v != "" {
				*dst = v
			}
		}
	}
	setString("home", raw.Home, &cfg.Home)
	setString("relay_url", raw.RelayURL, &cfg.RelayURL)
	setString("passphrase", raw.Passphrase, &cfg.Passphrase)
	setString("log_level", raw.LogLevel, &cfg.LogLevel)
	setString("log_format", raw.LogFormat, &cfg.LogFormat)

	durations := []struct {
		key string
		v   string
		dst *time.Duration
	}{
		{"backoff_base", raw.BaseDelay, &cfg.BaseDelay},
		{"stabilize_after", raw.StabilizeAfter, &cfg.StabilizeAfter},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"fragment_stale_after", raw.FragmentStale, &cfg.FragmentStale},
		{"typing_timeout", raw.TypingTimeout, &cfg.TypingTimeout},
		{"presence_timeout", raw.OnlineTimeout, &cfg.OnlineTimeout},
		{"ring_timeout", raw.RingTimeout, &cfg.RingTimeout},
		{"vault_cache_ttl", raw.VaultCache, &cfg.VaultCache},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.v))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("outbox_size") {
		cfg.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("fragment_max_chunks") {
		cfg.MaxChunks = raw.MaxChunks
	}
	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("read_receipts") {
		cfg.ReadReceipts = raw.ReadReceipts
	}
	if meta.IsDefined("ice_servers") {
		cfg.ICEServers = raw.ICEServers
	}
	if meta.IsDefined("one_time_keys") {
		cfg.OneTimeKeys = raw.OneTimeKeys
	}
	return cfg, nil
}
