package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
	if !cfg.Transfer.AckMode {
		t.Error("expected ack mode enabled by default")
	}
	if cfg.Transfer.AckTimeout <= 0 {
		t.Error("expected a bounded ack wait by default")
	}
	if cfg.Transfer.HandshakeTimeout != 0 {
		t.Error("expected handshake timeout disabled by default")
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad device kind", func(c *Config) { c.Node.DeviceKind = "Linux" }},
		{"empty share base url", func(c *Config) { c.Node.ShareBaseURL = "" }},
		{"id too short", func(c *Config) { c.Node.IDLength = 2 }},
		{"empty api address", func(c *Config) { c.API.Address = "" }},
		{"empty signal url", func(c *Config) { c.Signal.URL = "" }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"presence ttl below pong timeout", func(c *Config) { c.Signal.PresenceTTL = time.Second }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 5000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 6000
			c.WebRTC.PortRange.Max = 5000
		}},
		{"frame too large", func(c *Config) { c.WebRTC.MaxFrameSize = 1 << 20 }},
		{"delay mode without delay", func(c *Config) {
			c.Transfer.AckMode = false
			c.Transfer.CompletionDelay = 0
		}},
		{"ack mode without ack timeout", func(c *Config) { c.Transfer.AckTimeout = 0 }},
		{"negative handshake timeout", func(c *Config) { c.Transfer.HandshakeTimeout = -time.Second }},
		{"analysis without timeout", func(c *Config) { c.Analysis.Timeout = 0 }},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"auth without secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = ""
		}},
		{"ws rps must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.MessagesPerSecond = 0
		}},
		{"sample rate above one", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Address != DefaultConfig().API.Address {
		t.Errorf("expected default api address, got %q", cfg.API.Address)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
node:
  display_name: "Kitchen iPad"
  device_kind: "iOS"
transfer:
  ack_mode: false
  completion_delay: 2s
signal:
  url: "ws://broker:8081/ws"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BEAMDROP_SIGNAL_URL", "wss://signal.example.com/ws")
	t.Setenv("BEAMDROP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.DisplayName != "Kitchen iPad" || cfg.Node.DeviceKind != "iOS" {
		t.Errorf("node section not loaded: %+v", cfg.Node)
	}
	if cfg.Transfer.AckMode || cfg.Transfer.CompletionDelay != 2*time.Second {
		t.Errorf("transfer section not loaded: %+v", cfg.Transfer)
	}
	if cfg.Signal.URL != "wss://signal.example.com/ws" {
		t.Errorf("env override not applied, got %q", cfg.Signal.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
	if cfg.API.Address != DefaultConfig().API.Address {
		t.Errorf("unset values must keep defaults")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("node: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
