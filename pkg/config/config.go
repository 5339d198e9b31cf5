package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"peerlink/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server is the HTTP listener: the control API for the peer daemon,
	// the WebSocket endpoint for the relay.
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Session struct {
		RoomID         string  `yaml:"room_id"`
		PeerID         string  `yaml:"peer_id"` // generated when empty
		AgentName      string  `yaml:"agent_name"`
		AgentVersion   string  `yaml:"agent_version"`
		PriorityWeight float64 `yaml:"priority_weight"`
		ReceiveOnly    bool    `yaml:"receive_only"`
		DataChannel    bool    `yaml:"data_channel"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		TrickleICE bool        `yaml:"trickle_ice"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NAT1To1IPs          []string      `yaml:"nat_1to1_ips"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		FailedTimeout       time.Duration `yaml:"failed_timeout"`
		KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`

		// Local RTP sources, e.g. an ffmpeg or gstreamer pipeline sending to
		// these UDP addresses. Empty disables the source.
		AudioRTPAddress string `yaml:"audio_rtp_address"`
		VideoRTPAddress string `yaml:"video_rtp_address"`
	} `yaml:"webrtc"`

	Connection struct {
		RecreateDelay       time.Duration `yaml:"recreate_delay"`
		RestartCooldown     time.Duration `yaml:"restart_cooldown"`
		RefreshThrottle     time.Duration `yaml:"refresh_throttle"`
		ICEFailureThreshold int           `yaml:"ice_failure_threshold"`
		Health              struct {
			Offerer   time.Duration `yaml:"offerer"`
			Answerer  time.Duration `yaml:"answerer"`
			NoTrickle time.Duration `yaml:"no_trickle"`
			MCU       time.Duration `yaml:"mcu"`
		} `yaml:"health"`
	} `yaml:"connection"`

	Signal struct {
		// Transport is "websocket" (through the relay) or "redis".
		Transport    string        `yaml:"transport"`
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		Reconnect    struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"signal"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Session.RoomID = "default"
	cfg.Session.AgentName = "peerlink"
	cfg.Session.AgentVersion = "dev"
	cfg.Session.PriorityWeight = 1
	cfg.Session.DataChannel = true

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.TrickleICE = true
	cfg.WebRTC.DisconnectedTimeout = 5 * time.Second
	cfg.WebRTC.FailedTimeout = 25 * time.Second
	cfg.WebRTC.KeepAliveInterval = 2 * time.Second

	cfg.Connection.RecreateDelay = time.Second
	cfg.Connection.RestartCooldown = 3 * time.Second
	cfg.Connection.RefreshThrottle = 5 * time.Second
	cfg.Connection.ICEFailureThreshold = 3
	cfg.Connection.Health.Offerer = 12500 * time.Millisecond
	cfg.Connection.Health.Answerer = 10 * time.Second
	cfg.Connection.Health.NoTrickle = 50 * time.Second
	cfg.Connection.Health.MCU = 105 * time.Second

	cfg.Signal.Transport = TransportWebSocket
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.Reconnect.MaxAttempts = 0
	cfg.Signal.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Signal.Reconnect.MaxDelay = 30 * time.Second
	cfg.Signal.ChannelPrefix = "peerlink"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

// Load reads the YAML file at configPath over the defaults and applies
// PEERLINK_* environment overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.read_timeout and server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Session.RoomID == "" {
		return fmt.Errorf("session.room_id must not be empty")
	}
	if err := validation.ValidateRoomID(c.Session.RoomID); err != nil {
		return fmt.Errorf("session.room_id: %w", err)
	}
	if c.Session.PeerID != "" {
		if err := validation.ValidatePeerID(c.Session.PeerID); err != nil {
			return fmt.Errorf("session.peer_id: %w", err)
		}
	}
	if c.Session.PriorityWeight < 0 {
		return fmt.Errorf("session.priority_weight must be >= 0")
	}

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

	if c.Connection.RecreateDelay < 0 {
		return fmt.Errorf("connection.recreate_delay must be >= 0")
	}
	if c.Connection.RestartCooldown < 0 || c.Connection.RefreshThrottle < 0 {
		return fmt.Errorf("connection.restart_cooldown and connection.refresh_throttle must be >= 0")
	}
	if c.Connection.ICEFailureThreshold <= 0 {
		return fmt.Errorf("connection.ice_failure_threshold must be > 0")
	}
	h := c.Connection.Health
	if h.Offerer <= 0 || h.Answerer <= 0 || h.NoTrickle <= 0 || h.MCU <= 0 {
		return fmt.Errorf("connection.health timeouts must be > 0")
	}

	switch c.Signal.Transport {
	case TransportWebSocket:
		if c.Signal.URL == "" {
			return fmt.Errorf("signal.url must not be empty for the websocket transport")
		}
		if err := validation.ValidateSignalURL(c.Signal.URL); err != nil {
			return fmt.Errorf("signal.url: %w", err)
		}
	case TransportRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty for the redis transport")
		}
	default:
		return fmt.Errorf("signal.transport must be %q or %q, got %q", TransportWebSocket, TransportRedis, c.Signal.Transport)
	}
	if c.Signal.PingInterval <= 0 || c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval > 0")
	}
	if c.Signal.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("signal.reconnect.max_attempts must be >= 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	if c.Auth.Enabled {
		if len(c.Auth.JWTSecret) < 16 {
			return fmt.Errorf("auth.jwt_secret must be at least 16 characters when auth is enabled")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"PEERLINK_SERVER_ADDRESS":   &c.Server.Address,
		"PEERLINK_ROOM_ID":          &c.Session.RoomID,
		"PEERLINK_PEER_ID":          &c.Session.PeerID,
		"PEERLINK_SIGNAL_TRANSPORT": &c.Signal.Transport,
		"PEERLINK_SIGNAL_URL":       &c.Signal.URL,
		"PEERLINK_SIGNAL_TOKEN":     &c.Signal.Token,
		"PEERLINK_REDIS_ADDRESS":    &c.Redis.Address,
		"PEERLINK_REDIS_PASSWORD":   &c.Redis.Password,
		"PEERLINK_LOG_LEVEL":        &c.Logging.Level,
		"PEERLINK_JWT_SECRET":       &c.Auth.JWTSecret,
		"PEERLINK_JAEGER_ENDPOINT":  &c.Tracing.JaegerEndpoint,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"PEERLINK_RECEIVE_ONLY":    &c.Session.ReceiveOnly,
		"PEERLINK_TRICKLE_ICE":     &c.WebRTC.TrickleICE,
		"PEERLINK_AUTH_ENABLED":    &c.Auth.Enabled,
		"PEERLINK_TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for name, dst := range bools {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = b
	}

	if v := os.Getenv("PEERLINK_NAT_1TO1_IPS"); v != "" {
		c.WebRTC.NAT1To1IPs = strings.Split(v, ",")
	}
	return nil
}
