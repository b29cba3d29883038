// Package config loads daemon configuration from a yaml file with environment
// variable overrides (prefix VOORLEES, dots become underscores).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Listen  ListenParams
	State   StateParams
	Remote  RemoteParams
	Audio   AudioParams
	Backup  BackupParams
	Sync    SyncParams
	LogLvl  string
}

type ListenParams struct {
	Address string
	Token   string
}

type StateParams struct {
	Dir        string
	StateDSN   string
	QueueFile  string
	QuotaBytes int64
}

type RemoteParams struct {
	DSN   string
	Token string
}

type AudioParams struct {
	DSN       string
	AccessKey string
	SecretKey string
	Bucket    string
	PublicURL string
}

type BackupParams struct {
	Dir string
}

type SyncParams struct {
	Interval   time.Duration
	MaxRetries int
	MaxOpAge   time.Duration
}

// Load reads configPath when given, otherwise relies on defaults and the
// environment. A missing default config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("VOORLEES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Listen: ListenParams{
			Address: v.GetString("listen.address"),
			Token:   v.GetString("listen.token"),
		},
		State: StateParams{
			Dir:        v.GetString("state.dir"),
			StateDSN:   v.GetString("state.dsn"),
			QueueFile:  v.GetString("state.queue_file"),
			QuotaBytes: v.GetInt64("state.quota_bytes"),
		},
		Remote: RemoteParams{
			DSN:   v.GetString("remote.dsn"),
			Token: v.GetString("remote.token"),
		},
		Audio: AudioParams{
			DSN:       v.GetString("audio.dsn"),
			AccessKey: v.GetString("audio.access_key"),
			SecretKey: v.GetString("audio.secret_key"),
			Bucket:    v.GetString("audio.bucket"),
			PublicURL: v.GetString("audio.public_url"),
		},
		Backup: BackupParams{
			Dir: v.GetString("backup.dir"),
		},
		Sync: SyncParams{
			Interval:   v.GetDuration("sync.interval"),
			MaxRetries: v.GetInt("sync.max_retries"),
			MaxOpAge:   v.GetDuration("sync.max_op_age"),
		},
		LogLvl: v.GetString("log.level"),
	}
	cfg.applyDir()
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.address", "127.0.0.1:7777")
	v.SetDefault("state.dir", defaultStateDir())
	v.SetDefault("state.quota_bytes", int64(5<<20))
	v.SetDefault("sync.interval", "60s")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.max_op_age", "24h")
	v.SetDefault("log.level", "info")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voorlees"
	}
	return filepath.Join(home, ".voorlees")
}

// applyDir fills path-like settings that were left unset relative to the
// state directory.
func (c *Config) applyDir() {
	if c.State.StateDSN == "" {
		c.State.StateDSN = "file://" + filepath.Join(c.State.Dir, "library.json")
	}
	if c.State.QueueFile == "" {
		c.State.QueueFile = filepath.Join(c.State.Dir, "pending.json")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.State.Dir, "recording-backup")
	}
}

func (c *Config) Validate() error {
	if c.Listen.Address == "" {
		return errors.New("listen.address is required")
	}
	if c.State.QuotaBytes <= 0 {
		return errors.New("state.quota_bytes must be positive")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}
	if c.Sync.MaxOpAge <= 0 {
		return errors.New("sync.max_op_age must be positive")
	}
	if dsn := strings.TrimSpace(c.Audio.DSN); dsn != "" {
		scheme, _, found := strings.Cut(dsn, "://")
		if !found {
			return fmt.Errorf("audio.dsn is not a valid dsn: %s", dsn)
		}
		switch scheme {
		case "s3", "minio", "minios":
			if c.Audio.AccessKey == "" || c.Audio.SecretKey == "" {
				return errors.New("audio.access_key and audio.secret_key are required for s3 backends")
			}
		}
	}
	switch c.LogLvl {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level is invalid: %s", c.LogLvl)
	}
	return nil
}
