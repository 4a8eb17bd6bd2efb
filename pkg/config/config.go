package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"callmesh/pkg/circuitbreaker"
	"callmesh/pkg/retry"
	"callmesh/pkg/tracing"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type TURNUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Signal struct {
		InstanceID     string        `yaml:"instance_id"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendQueueSize  int           `yaml:"send_queue_size"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		PresenceTTL    time.Duration `yaml:"presence_ttl"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	TURN struct {
		Enabled  bool       `yaml:"enabled"`
		Address  string     `yaml:"address"`
		PublicIP string     `yaml:"public_ip"`
		Realm    string     `yaml:"realm"`
		MinPort  uint16     `yaml:"min_port"`
		MaxPort  uint16     `yaml:"max_port"`
		Users    []TURNUser `yaml:"users"`
	} `yaml:"turn"`

	Call struct {
		NegotiationTimeout     time.Duration         `yaml:"negotiation_timeout"`
		JoinWindow             time.Duration         `yaml:"join_window"`
		DurationTick           time.Duration         `yaml:"duration_tick"`
		Quality                string                `yaml:"quality"`
		AllowVideoOnlyFallback bool                  `yaml:"allow_video_only_fallback"`
		SignalingRetry         retry.Config          `yaml:"signaling_retry"`
		SignalingBreaker       circuitbreaker.Config `yaml:"signaling_breaker"`
	} `yaml:"call"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing tracing.Config `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// TURN
	if c.TURN.Enabled {
		if c.TURN.Address == "" {
			return fmt.Errorf("turn.address must not be empty when turn.enabled=true")
		}
		if c.TURN.PublicIP == "" {
			return fmt.Errorf("turn.public_ip must not be empty when turn.enabled=true")
		}
		if c.TURN.Realm == "" {
			return fmt.Errorf("turn.realm must not be empty when turn.enabled=true")
		}
		if len(c.TURN.Users) == 0 {
			return fmt.Errorf("turn.users must not be empty when turn.enabled=true")
		}
		if c.TURN.MinPort == 0 || c.TURN.MaxPort == 0 || c.TURN.MinPort >= c.TURN.MaxPort {
			return fmt.Errorf("turn.min_port must be < turn.max_port")
		}
	}

	// Call
	if c.Call.NegotiationTimeout <= 0 {
		return fmt.Errorf("call.negotiation_timeout must be > 0")
	}
	if c.Call.JoinWindow < 0 {
		return fmt.Errorf("call.join_window must be >= 0")
	}
	if c.Call.DurationTick <= 0 {
		return fmt.Errorf("call.duration_tick must be > 0")
	}
	switch c.Call.Quality {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("call.quality must be one of low, medium, high")
	}
	if c.Call.SignalingRetry.MaxAttempts < 0 {
		return fmt.Errorf("call.signaling_retry.max_attempts must be >= 0")
	}
	if c.Call.SignalingBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("call.signaling_breaker.failure_threshold must be > 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8081"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.PresenceTTL = 5 * time.Minute

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.TURN.Enabled = false
	cfg.TURN.Address = "0.0.0.0:3478"
	cfg.TURN.Realm = "callmesh"
	cfg.TURN.MinPort = 50000
	cfg.TURN.MaxPort = 55000

	cfg.Call.NegotiationTimeout = 30 * time.Second
	cfg.Call.JoinWindow = 5 * time.Minute
	cfg.Call.DurationTick = time.Second
	cfg.Call.Quality = "medium"
	cfg.Call.AllowVideoOnlyFallback = true
	cfg.Call.SignalingRetry = retry.DefaultConfig()
	cfg.Call.SignalingBreaker = circuitbreaker.DefaultConfig()

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 10 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	cfg.Tracing = tracing.DefaultConfig()

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if id := os.Getenv("CALLMESH_INSTANCE_ID"); id != "" {
		c.Signal.InstanceID = id
	}
	if level := os.Getenv("CALLMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if ip := os.Getenv("CALLMESH_TURN_PUBLIC_IP"); ip != "" {
		c.TURN.PublicIP = ip
	}
	if v := os.Getenv("CALLMESH_NEGOTIATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Call.NegotiationTimeout = d
		}
	}
	if v := os.Getenv("CALLMESH_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}
