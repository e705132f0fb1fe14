package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type TunnelConfig struct {
	DNSTimeout        time.Duration `mapstructure:"dns_timeout"`
	PreflightTimeout  time.Duration `mapstructure:"preflight_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HandshakeAttempts int           `mapstructure:"handshake_attempts"`
	HandshakeDelay    time.Duration `mapstructure:"handshake_delay"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	PoolMaxConns      int           `mapstructure:"pool_max_conns"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	SuccessWindow    time.Duration `mapstructure:"success_window"`
}

type SyncConfig struct {
	PageSize       int           `mapstructure:"page_size"`
	TenantBudget   time.Duration `mapstructure:"tenant_budget"`
	BufferMaxBytes int64         `mapstructure:"buffer_max_bytes"`
	StreamMaxBytes int64         `mapstructure:"stream_max_bytes"`
}

type SchedulerConfig struct {
	ChatInterval      time.Duration `mapstructure:"chat_interval"`
	MediaInterval     time.Duration `mapstructure:"media_interval"`
	DirectoryInterval time.Duration `mapstructure:"directory_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	InactiveAfter     time.Duration `mapstructure:"inactive_after"`
}

type S3Config struct {
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	BaseEndpoint string `mapstructure:"base_endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
}

type Config struct {
	DatabaseURL string          `mapstructure:"database_url"`
	ServerPort  string          `mapstructure:"server_port"`
	JWTSecret   string          `mapstructure:"jwt_secret"`
	Tunnel      TunnelConfig    `mapstructure:"tunnel"`
	Breaker     BreakerConfig   `mapstructure:"breaker"`
	Sync        SyncConfig      `mapstructure:"sync"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	S3          S3Config        `mapstructure:"s3"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set in the config file")
	}

	ApplyDefaults(&config)

	return &config
}

// ApplyDefaults fills every zero-valued knob with its production default.
func ApplyDefaults(c *Config) {
	if c.Tunnel.DNSTimeout == 0 {
		c.Tunnel.DNSTimeout = 10 * time.Second
	}
	if c.Tunnel.PreflightTimeout == 0 {
		c.Tunnel.PreflightTimeout = 15 * time.Second
	}
	if c.Tunnel.HandshakeTimeout == 0 {
		c.Tunnel.HandshakeTimeout = 60 * time.Second
	}
	if c.Tunnel.HandshakeAttempts == 0 {
		c.Tunnel.HandshakeAttempts = 3
	}
	if c.Tunnel.HandshakeDelay == 0 {
		c.Tunnel.HandshakeDelay = 5 * time.Second
	}
	if c.Tunnel.KeepaliveInterval == 0 {
		c.Tunnel.KeepaliveInterval = 30 * time.Second
	}
	if c.Tunnel.PoolMaxConns == 0 {
		c.Tunnel.PoolMaxConns = 4
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 3
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 5 * time.Minute
	}
	if c.Breaker.SuccessWindow == 0 {
		c.Breaker.SuccessWindow = 10 * time.Minute
	}

	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 100
	}
	if c.Sync.TenantBudget == 0 {
		c.Sync.TenantBudget = 10 * time.Minute
	}
	if c.Sync.BufferMaxBytes == 0 {
		c.Sync.BufferMaxBytes = 8 << 20 // buffer and transcode below this
	}
	if c.Sync.StreamMaxBytes == 0 {
		c.Sync.StreamMaxBytes = 256 << 20 // skip as too-large above this
	}

	if c.Scheduler.ChatInterval == 0 {
		c.Scheduler.ChatInterval = 30 * time.Second
	}
	if c.Scheduler.MediaInterval == 0 {
		c.Scheduler.MediaInterval = 5 * time.Minute
	}
	if c.Scheduler.DirectoryInterval == 0 {
		c.Scheduler.DirectoryInterval = time.Hour
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = 6 * time.Hour
	}
	if c.Scheduler.InactiveAfter == 0 {
		c.Scheduler.InactiveAfter = 24 * time.Hour
	}
}
