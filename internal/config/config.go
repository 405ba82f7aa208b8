package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-session ~/.runnerlink/config.toml.
type Config struct {
	GatewayURL  string `toml:"gateway_url"`
	AppID       string `toml:"app_id"`
	AccessToken string `toml:"access_token"`
	ServiceType string `toml:"service_type"`

	Reconnect ReconnectConfig `toml:"reconnect"`
	Chat      ChatConfig      `toml:"chat"`
	Uploads   UploadConfig    `toml:"uploads"`
	Calls     CallConfig      `toml:"calls"`
	Presence  PresenceConfig  `toml:"presence"`
}

// ReconnectConfig bounds the transport's redial backoff.
type ReconnectConfig struct {
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`
	MaxAttempts      int `toml:"max_attempts"`
}

// ChatConfig holds per-conversation policy.
type ChatConfig struct {
	EditWindowMin int `toml:"edit_window_min"`
	AckTimeoutSec int `toml:"ack_timeout_sec"`
}

// UploadConfig bounds concurrent upload tasks per room.
type UploadConfig struct {
	MaxInFlight int `toml:"max_in_flight"`
}

// CallConfig bounds call setup.
type CallConfig struct {
	SetupTimeoutSec int `toml:"setup_timeout_sec"`
}

// PresenceConfig tunes the typing/recording broadcast throttle.
type PresenceConfig struct {
	DebounceMS int `toml:"debounce_ms"`
	QuietMS    int `toml:"quiet_ms"`
}

// Default returns the baked-in defaults.
func Default() *Config {
	return &Config{
		GatewayURL:  "wss://gateway.runnerlink.app/ws",
		ServiceType: "errand",
		Reconnect: ReconnectConfig{
			InitialBackoffMS: 500,
			MaxBackoffMS:     30000,
			MaxAttempts:      0,
		},
		Chat: ChatConfig{
			EditWindowMin: 15,
			AckTimeoutSec: 20,
		},
		Uploads: UploadConfig{
			MaxInFlight: 8,
		},
		Calls: CallConfig{
			SetupTimeoutSec: 45,
		},
		Presence: PresenceConfig{
			DebounceMS: 2000,
			QuietMS:    3000,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
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

// InitialBackoff returns the redial starting delay.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Reconnect.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the redial delay ceiling.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Reconnect.MaxBackoffMS) * time.Millisecond
}

// EditWindow returns the chat edit window.
func (c *Config) EditWindow() time.Duration {
	return time.Duration(c.Chat.EditWindowMin) * time.Minute
}

// AckTimeout returns the optimistic-send acknowledgement bound.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Chat.AckTimeoutSec) * time.Second
}

// CallSetupTimeout returns the call setup bound.
func (c *Config) CallSetupTimeout() time.Duration {
	return time.Duration(c.Calls.SetupTimeoutSec) * time.Second
}

// PresenceDebounce returns the minimum gap between active presence broadcasts.
func (c *Config) PresenceDebounce() time.Duration {
	return time.Duration(c.Presence.DebounceMS) * time.Millisecond
}

// PresenceQuiet returns the inactivity window before the stop broadcast.
func (c *Config) PresenceQuiet() time.Duration {
	return time.Duration(c.Presence.QuietMS) * time.Millisecond
}
