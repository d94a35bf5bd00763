package config

import "time"

// Config holds settings for both duoview binaries. The relay server
// reads the server-side fields; the peer daemon reads the peer-side
// fields. Keeping one flat struct matches how the config file is laid
// out on disk.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Relay server.
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	JWTSecret         string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer         string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience       string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	// MessageRateLimit caps envelopes per connection per minute;
	// zero disables the limiter.
	MessageRateLimit int `mapstructure:"message_rate_limit" yaml:"message_rate_limit"`

	// Peer daemon.
	RelayURL     string `mapstructure:"relay_url" yaml:"relay_url"`
	RoomToken    string `mapstructure:"room_token" yaml:"room_token"`
	PlayerSocket string `mapstructure:"player_socket" yaml:"player_socket"`

	// Sync tuning. DriftThreshold is clamped to [0.1, 1.0] seconds;
	// correcting below ~0.1s would fight normal jitter, above 1.0s the
	// two players are visibly apart.
	DriftThreshold    float64       `mapstructure:"drift_threshold" yaml:"drift_threshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// Call tuning.
	RingTimeout   time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
	ICEServers    []string      `mapstructure:"ice_servers" yaml:"ice_servers"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel:          "info",
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		DatabasePath:      "duoview.db",
		JWTIssuer:         "duoview",
		JWTAudience:       "duoview-room",
		MessageRateLimit:  600,
		RelayURL:          "ws://localhost:8080/ws",
		PlayerSocket:      "/tmp/duoview-player.sock",
		DriftThreshold:    0.7,
		HeartbeatInterval: 500 * time.Millisecond,
		RingTimeout:       30 * time.Second,
		StatsInterval:     2 * time.Second,
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
	}
}

// Normalize clamps tunables into their supported ranges.
func (c *Config) Normalize() {
	if c.DriftThreshold < 0.1 {
		c.DriftThreshold = 0.1
	}
	if c.DriftThreshold > 1.0 {
		c.DriftThreshold = 1.0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 500 * time.Millisecond
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 2 * time.Second
	}
}
