package config

import "time"

// Config is the daemon configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`  // zerolog level name
	LogFormat string `mapstructure:"log_format"` // "json" or "console"
	LogSample bool   `mapstructure:"log_sample"` // keep one event in five

	Database    DatabaseConfig    `mapstructure:"database"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Keys        []KeyConfig       `mapstructure:"keys"`
}

type DatabaseConfig struct {
	Dir      string `mapstructure:"dir"`
	File     string `mapstructure:"file"`
	InMemory bool   `mapstructure:"in_memory"`
}

type CoordinatorConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	MaxTTL          time.Duration `mapstructure:"max_ttl"`
	QuorumPolicy    string        `mapstructure:"quorum_policy"` // "threshold" or "all"
	MaxWriteRetries int           `mapstructure:"max_write_retries"`
	Hasher          string        `mapstructure:"hasher"` // "sha256" or "blake2b"
}

type SweeperConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
	NonceRetention   time.Duration `mapstructure:"nonce_retention"` // at least SessionRetention
}

// RedisConfig configures the signature publisher. An empty Addr falls
// back to logging completed signatures.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// KeyConfig is the public material of one threshold key, hex encoded.
type KeyConfig struct {
	KeyID    string        `mapstructure:"key_id"`
	GroupKey string        `mapstructure:"group_key"`
	Shares   []ShareConfig `mapstructure:"shares"`
}

type ShareConfig struct {
	Participant string `mapstructure:"participant"`
	// Index is the FROST signer identifier. Zero means the position in
	// the list, starting at 1.
	Index             uint64 `mapstructure:"index"`
	VerificationShare string `mapstructure:"verification_share"`
}
