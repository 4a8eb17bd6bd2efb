package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "send queue size must be > 0",
			mutate: func(c *Config) { c.Signal.SendQueueSize = 0 },
		},
		{
			name:   "negotiation timeout must be > 0",
			mutate: func(c *Config) { c.Call.NegotiationTimeout = 0 },
		},
		{
			name:   "unknown quality",
			mutate: func(c *Config) { c.Call.Quality = "ultra" },
		},
		{
			name: "port range inverted",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 6000
				c.WebRTC.PortRange.Max = 5000
			},
		},
		{
			name:   "ice server without urls",
			mutate: func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} },
		},
		{
			name: "turn without users",
			mutate: func(c *Config) {
				c.TURN.Enabled = true
				c.TURN.PublicIP = "203.0.113.10"
			},
		},
		{
			name: "ws burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.Burst = 0
			},
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
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

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Call.NegotiationTimeout != 30*time.Second {
		t.Errorf("expected default negotiation timeout, got %v", cfg.Call.NegotiationTimeout)
	}
	if cfg.Call.JoinWindow != 5*time.Minute {
		t.Errorf("expected default join window, got %v", cfg.Call.JoinWindow)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  address: ":9000"
call:
  negotiation_timeout: 10s
  quality: high
  allow_video_only_fallback: false
  signaling_retry:
    enabled: true
    max_attempts: 5
    initial_delay: 50ms
    max_delay: 1s
    multiplier: 2
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLMESH_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("expected :9000, got %s", cfg.Server.Address)
	}
	if cfg.Call.NegotiationTimeout != 10*time.Second {
		t.Errorf("expected 10s, got %v", cfg.Call.NegotiationTimeout)
	}
	if cfg.Call.Quality != "high" || cfg.Call.AllowVideoOnlyFallback {
		t.Errorf("call section not applied: %+v", cfg.Call)
	}
	if cfg.Call.SignalingRetry.MaxAttempts != 5 || cfg.Call.SignalingRetry.InitialDelay != 50*time.Millisecond {
		t.Errorf("retry section not applied: %+v", cfg.Call.SignalingRetry)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override debug, got %s", cfg.Logging.Level)
	}
	if cfg.Signal.SendQueueSize != 256 {
		t.Errorf("expected untouched default send queue size, got %d", cfg.Signal.SendQueueSize)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
