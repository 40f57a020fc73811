// Package config loads the fabric daemons' configuration from a YAML or
// JSON file with FABRIC_* environment overrides.
package config

import (
	"strings"
	"time"

	"fabric/internal/bus"
	"fabric/internal/pack"
	"fabric/pkg/exception"

	"github.com/spf13/viper"
	"github.com/yanun0323/errors"
)

const EnvPrefix = "FABRIC"

type Config struct {
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Tape      TapeConfig      `mapstructure:"tape"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
}

type IngestConfig struct {
	Network        string            `mapstructure:"network"`
	Address        string            `mapstructure:"address"`
	Port           int               `mapstructure:"port"`
	App            string            `mapstructure:"app"`
	MaxMessageSize int               `mapstructure:"max_message_size"`
	WriteTimeout   time.Duration     `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration     `mapstructure:"idle_timeout"`
	Credentials    map[string]string `mapstructure:"credentials"`
}

type QueueConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Overflow string `mapstructure:"overflow"`
}

// Policy returns the parsed overflow policy. Validate has already rejected
// unknown names.
func (c QueueConfig) Policy() bus.OverflowPolicy {
	p, _ := bus.ParseOverflowPolicy(c.Overflow)
	return p
}

type JournalConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type TapeConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Dir                string        `mapstructure:"dir"`
	FilePrefix         string        `mapstructure:"file_prefix"`
	SegmentMaxBytes    int64         `mapstructure:"segment_max_bytes"`
	SegmentMaxDuration time.Duration `mapstructure:"segment_max_duration"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// FeedConfig serves the websocket event feed on the metrics address.
type FeedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`
	ClientBuffer int           `mapstructure:"client_buffer"`
	Replay       int           `mapstructure:"replay"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
	AppName       string `mapstructure:"app_name"`
}

type SnapshotConfig struct {
	Dir        string `mapstructure:"dir"`
	Key        uint32 `mapstructure:"key"`
	Capacity   int    `mapstructure:"capacity"`
	LockMemory bool   `mapstructure:"lock_memory"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest.network", "tcp")
	v.SetDefault("ingest.address", "0.0.0.0")
	v.SetDefault("ingest.port", 7100)
	v.SetDefault("ingest.app", "ingestd")
	v.SetDefault("ingest.max_message_size", pack.DefaultMaxPayload)
	v.SetDefault("ingest.write_timeout", 2*time.Second)
	v.SetDefault("ingest.idle_timeout", time.Duration(0))

	v.SetDefault("queue.capacity", 65536)
	v.SetDefault("queue.overflow", bus.OverflowDropOldest.String())

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.host", "localhost")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.user", "")
	v.SetDefault("journal.password", "")
	v.SetDefault("journal.database", "fabric")
	v.SetDefault("journal.sslmode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "fabric.events")

	v.SetDefault("tape.enabled", false)
	v.SetDefault("tape.dir", "./tape")
	v.SetDefault("tape.file_prefix", "events")
	v.SetDefault("tape.segment_max_bytes", int64(256<<20))
	v.SetDefault("tape.segment_max_duration", time.Hour)
	v.SetDefault("tape.flush_interval", time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9100")

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.path", "/events")
	v.SetDefault("feed.client_buffer", 256)
	v.SetDefault("feed.replay", 1024)
	v.SetDefault("feed.write_timeout", 2*time.Second)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.server_address", "http://localhost:4040")
	v.SetDefault("profiling.app_name", "fabric.ingestd")

	v.SetDefault("snapshot.dir", "")
	v.SetDefault("snapshot.key", 0x4d440001)
	v.SetDefault("snapshot.capacity", 1024)
	v.SetDefault("snapshot.lock_memory", false)
}

// Default returns the configuration with no file and no environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads path, when given, applies FABRIC_* overrides such as
// FABRIC_QUEUE_CAPACITY and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "read config").With("path", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func invalid(field string) error {
	return errors.Wrap(exception.ErrConfigInvalid, field)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch strings.ToLower(c.Ingest.Network) {
	case "tcp", "tcp4", "tcp6":
		if c.Ingest.Port < 0 || c.Ingest.Port > 65535 {
			return invalid("ingest.port must be within [0, 65535]")
		}
	case "unix":
		if c.Ingest.Address == "" {
			return invalid("ingest.address must be a socket path for unix")
		}
	default:
		return invalid("ingest.network must be tcp or unix")
	}
	if _, err := pack.NormalizeMaxPayload(c.Ingest.MaxMessageSize); err != nil {
		return invalid("ingest.max_message_size must be within [4, 65535]")
	}
	if c.Ingest.WriteTimeout < 0 || c.Ingest.IdleTimeout < 0 {
		return invalid("ingest timeouts must be >= 0")
	}

	if c.Queue.Capacity <= 0 {
		return invalid("queue.capacity must be > 0")
	}
	if _, ok := bus.ParseOverflowPolicy(c.Queue.Overflow); !ok {
		return invalid("queue.overflow must be drop_oldest, drop_newest or block")
	}

	if c.Journal.Enabled && c.Journal.DSN == "" && c.Journal.Host == "" {
		return invalid("journal needs dsn or host")
	}
	if c.Redis.Enabled && (c.Redis.URL == "" || c.Redis.Channel == "") {
		return invalid("redis needs url and channel")
	}
	if c.Tape.Enabled && c.Tape.Dir == "" {
		return invalid("tape.dir is empty")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("metrics.address is empty")
	}
	if c.Feed.Enabled {
		if c.Metrics.Address == "" {
			return invalid("feed needs metrics.address to listen on")
		}
		if !strings.HasPrefix(c.Feed.Path, "/") || c.Feed.Path == "/metrics" {
			return invalid("feed.path must start with / and differ from /metrics")
		}
	}
	if c.Snapshot.Capacity <= 0 {
		return invalid("snapshot.capacity must be > 0")
	}
	return nil
}
