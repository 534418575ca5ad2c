// Package config loads the daemon configuration from an optional file,
// FROSTD_* environment variables and defaults.
package config

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/f3rmion/frostd/custody"
	"github.com/f3rmion/frostd/frost"
	"github.com/f3rmion/frostd/session"
)

const envPrefix = "FROSTD"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("log_sample", false)

	v.SetDefault("database.dir", "./data")
	v.SetDefault("database.file", "frostd.db")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("coordinator.default_ttl", "10m")
	v.SetDefault("coordinator.max_ttl", "24h")
	v.SetDefault("coordinator.quorum_policy", string(session.QuorumThreshold))
	v.SetDefault("coordinator.max_write_retries", 8)
	v.SetDefault("coordinator.hasher", "sha256")

	v.SetDefault("sweeper.interval", "30s")
	v.SetDefault("sweeper.session_retention", "168h")
	v.SetDefault("sweeper.nonce_retention", "720h")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "frostd:signatures")

	v.SetDefault("metrics.listen", ":9464")
}

// Load reads the configuration. path may be empty, in which case only
// environment variables and defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return errors.New("log format must be 'json' or 'console'")
	}

	if !cfg.Database.InMemory && (cfg.Database.Dir == "" || cfg.Database.File == "") {
		return errors.New("database dir and file are required unless in_memory is set")
	}

	c := cfg.Coordinator
	if c.DefaultTTL <= 0 || c.MaxTTL <= 0 {
		return errors.New("coordinator ttls must be positive")
	}
	if c.DefaultTTL > c.MaxTTL {
		return errors.Errorf("coordinator default_ttl %s exceeds max_ttl %s", c.DefaultTTL, c.MaxTTL)
	}
	if _, err := session.ParseQuorumPolicy(c.QuorumPolicy); err != nil {
		return err
	}
	if c.MaxWriteRetries < 1 {
		return errors.New("coordinator max_write_retries must be at least 1")
	}
	if _, err := frost.HasherByName(c.Hasher); err != nil {
		return err
	}

	s := cfg.Sweeper
	if s.Interval <= 0 || s.SessionRetention <= 0 {
		return errors.New("sweeper interval and session_retention must be positive")
	}
	if s.NonceRetention < s.SessionRetention {
		return errors.Errorf("sweeper nonce_retention %s is shorter than session_retention %s",
			s.NonceRetention, s.SessionRetention)
	}

	if cfg.Redis.Addr != "" && cfg.Redis.Channel == "" {
		return errors.New("redis channel is required when redis addr is set")
	}

	seen := make(map[string]bool, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if seen[k.KeyID] {
			return errors.Errorf("duplicate key %s", k.KeyID)
		}
		seen[k.KeyID] = true
		if _, err := k.Custody(); err != nil {
			return err
		}
	}
	return nil
}

// Custody decodes the key into its directory form.
func (k KeyConfig) Custody() (custody.Key, error) {
	if k.KeyID == "" {
		return custody.Key{}, errors.New("key_id is required")
	}
	groupKey, err := hex.DecodeString(k.GroupKey)
	if err != nil || len(groupKey) == 0 {
		return custody.Key{}, errors.Errorf("key %s: group_key must be non-empty hex", k.KeyID)
	}
	if len(k.Shares) == 0 {
		return custody.Key{}, errors.Errorf("key %s: shares must not be empty", k.KeyID)
	}

	key := custody.Key{KeyID: k.KeyID, GroupKey: groupKey}
	for i, sh := range k.Shares {
		if sh.Participant == "" {
			return custody.Key{}, errors.Errorf("key %s: share %d has no participant", k.KeyID, i)
		}
		var share []byte
		if sh.VerificationShare != "" {
			if share, err = hex.DecodeString(sh.VerificationShare); err != nil {
				return custody.Key{}, errors.Errorf("key %s: verification_share for %s must be hex", k.KeyID, sh.Participant)
			}
		}
		index := sh.Index
		if index == 0 {
			index = uint64(i + 1)
		}
		key.Members = append(key.Members, custody.Member{
			ParticipantID:     sh.Participant,
			Index:             index,
			VerificationShare: share,
		})
	}
	return key, nil
}

// Directory builds a key directory from the configured keys.
func (c Config) Directory() (*custody.Memory, error) {
	dir := custody.NewMemory()
	for _, k := range c.Keys {
		key, err := k.Custody()
		if err != nil {
			return nil, err
		}
		if err := dir.Register(key); err != nil {
			return nil, errors.Wrapf(err, "register key %s", k.KeyID)
		}
	}
	return dir, nil
}
