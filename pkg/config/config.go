package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Node struct {
		DisplayName  string `yaml:"display_name"`
		DeviceKind   string `yaml:"device_kind"`
		ShareBaseURL string `yaml:"share_base_url"`
		// Locator joins an existing session; empty starts a new one.
		Locator  string `yaml:"locator"`
		IDLength int    `yaml:"id_length"`
	} `yaml:"node"`

	API struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"api"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"`
		InstanceID      string        `yaml:"instance_id"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		PresenceTTL     time.Duration `yaml:"presence_ttl"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		DialAttempts    int           `yaml:"dial_attempts"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ChannelLabel   string        `yaml:"channel_label"`
		MaxFrameSize   int           `yaml:"max_frame_size"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"webrtc"`

	Transfer struct {
		AckMode          bool          `yaml:"ack_mode"`
		AckTimeout       time.Duration `yaml:"ack_timeout"`
		CompletionDelay  time.Duration `yaml:"completion_delay"`
		MaxFileSize      int64         `yaml:"max_file_size"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"transfer"`

	Analysis struct {
		Enabled      bool          `yaml:"enabled"`
		Endpoint     string        `yaml:"endpoint"`
		APIKey       string        `yaml:"api_key"`
		Model        string        `yaml:"model"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxTextBytes int           `yaml:"max_text_bytes"`
		Breaker      struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			SuccessThreshold int           `yaml:"success_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"analysis"`

	Discovery struct {
		Enabled       bool          `yaml:"enabled"`
		Service       string        `yaml:"service"`
		Domain        string        `yaml:"domain"`
		BrowseTimeout time.Duration `yaml:"browse_timeout"`
	} `yaml:"discovery"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
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

	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if c.Node.DeviceKind != "" {
		switch strings.ToLower(c.Node.DeviceKind) {
		case "android", "ios", "windows", "mac":
		default:
			return fmt.Errorf("node.device_kind must be one of Android, iOS, Windows, Mac")
		}
	}
	if c.Node.ShareBaseURL == "" {
		return fmt.Errorf("node.share_base_url must not be empty")
	}
	if c.Node.IDLength < 4 || c.Node.IDLength > 32 {
		return fmt.Errorf("node.id_length must be between 4 and 32")
	}

	// API
	if c.API.Address == "" {
		return fmt.Errorf("api.address must not be empty")
	}
	if c.API.ReadTimeout <= 0 || c.API.WriteTimeout <= 0 || c.API.ShutdownTimeout <= 0 {
		return fmt.Errorf("api timeouts must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.PresenceTTL < c.Signal.PongTimeout {
		return fmt.Errorf("signal.presence_ttl must be >= signal.pong_timeout")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.DialAttempts < 0 {
		return fmt.Errorf("signal.dial_attempts must be >= 0")
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
	if c.WebRTC.ChannelLabel == "" {
		return fmt.Errorf("webrtc.channel_label must not be empty")
	}
	if c.WebRTC.MaxFrameSize < 1024 || c.WebRTC.MaxFrameSize > 65535 {
		return fmt.Errorf("webrtc.max_frame_size must be between 1024 and 65535")
	}
	if c.WebRTC.ConnectTimeout <= 0 {
		return fmt.Errorf("webrtc.connect_timeout must be > 0")
	}

	// Transfer
	if !c.Transfer.AckMode && c.Transfer.CompletionDelay <= 0 {
		return fmt.Errorf("transfer.completion_delay must be > 0 when ack_mode=false")
	}
	if c.Transfer.AckMode && c.Transfer.AckTimeout <= 0 {
		return fmt.Errorf("transfer.ack_timeout must be > 0 when ack_mode=true")
	}
	if c.Transfer.MaxFileSize <= 0 {
		return fmt.Errorf("transfer.max_file_size must be > 0")
	}
	if c.Transfer.HandshakeTimeout < 0 {
		return fmt.Errorf("transfer.handshake_timeout must be >= 0")
	}

	// Analysis
	if c.Analysis.Enabled {
		if c.Analysis.Timeout <= 0 {
			return fmt.Errorf("analysis.timeout must be > 0 when analysis.enabled=true")
		}
		if c.Analysis.MaxTextBytes <= 0 {
			return fmt.Errorf("analysis.max_text_bytes must be > 0 when analysis.enabled=true")
		}
		if c.Analysis.Breaker.FailureThreshold <= 0 || c.Analysis.Breaker.SuccessThreshold <= 0 {
			return fmt.Errorf("analysis.circuit_breaker thresholds must be > 0")
		}
	}

	// Discovery
	if c.Discovery.Enabled && c.Discovery.Service == "" {
		return fmt.Errorf("discovery.service must not be empty when discovery.enabled=true")
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

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
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

	cfg.Node.ShareBaseURL = "https://beamdrop.local/"
	cfg.Node.IDLength = 6

	cfg.API.Address = "127.0.0.1:8090"
	cfg.API.ReadTimeout = 30 * time.Second
	cfg.API.WriteTimeout = 5 * time.Minute
	cfg.API.ShutdownTimeout = 10 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.PresenceTTL = 90 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.DialAttempts = 3

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.ChannelLabel = "beamdrop"
	cfg.WebRTC.MaxFrameSize = 16 * 1024
	cfg.WebRTC.ConnectTimeout = 30 * time.Second

	cfg.Transfer.AckMode = true
	cfg.Transfer.AckTimeout = 30 * time.Second
	cfg.Transfer.CompletionDelay = time.Second
	cfg.Transfer.MaxFileSize = 100 << 20
	cfg.Transfer.HandshakeTimeout = 0

	cfg.Analysis.Enabled = true
	cfg.Analysis.Model = "gpt-4o-mini"
	cfg.Analysis.Timeout = 60 * time.Second
	cfg.Analysis.MaxTextBytes = 64 * 1024
	cfg.Analysis.Breaker.FailureThreshold = 5
	cfg.Analysis.Breaker.SuccessThreshold = 1
	cfg.Analysis.Breaker.OpenTimeout = 30 * time.Second

	cfg.Discovery.Enabled = false
	cfg.Discovery.Service = "_beamdrop._tcp"
	cfg.Discovery.Domain = "local."
	cfg.Discovery.BrowseTimeout = 3 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "beamdrop"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BEAMDROP_DISPLAY_NAME"); v != "" {
		c.Node.DisplayName = v
	}
	if v := os.Getenv("BEAMDROP_DEVICE_KIND"); v != "" {
		c.Node.DeviceKind = v
	}
	if v := os.Getenv("BEAMDROP_LOCATOR"); v != "" {
		c.Node.Locator = v
	}
	if v := os.Getenv("BEAMDROP_API_ADDRESS"); v != "" {
		c.API.Address = v
	}
	if v := os.Getenv("BEAMDROP_SIGNAL_ADDRESS"); v != "" {
		c.Signal.Address = v
	}
	if v := os.Getenv("BEAMDROP_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("BEAMDROP_ANALYSIS_ENDPOINT"); v != "" {
		c.Analysis.Endpoint = v
	}
	if v := os.Getenv("BEAMDROP_ANALYSIS_API_KEY"); v != "" {
		c.Analysis.APIKey = v
	}
	if v := os.Getenv("BEAMDROP_ACK_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Transfer.AckMode = b
		}
	}
	if v := os.Getenv("BEAMDROP_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("BEAMDROP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BEAMDROP_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}
