// Package config loads floorlog settings from TOML, YAML or JSON files with
// FLOORLOG_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/floorlog/internal/syncqueue"
)

// Remote kinds. RemoteNone keeps the device offline: events queue locally
// and `floorlog sync` refuses to run. RemoteMemory forgets everything when
// the process exits and only makes sense behind `floorlog serve`.
const (
	RemoteNone   = ""
	RemoteMemory = "memory"
	RemoteHTTP   = "http"
	RemoteDynamo = "dynamo"
)

// Config is the full device configuration.
type Config struct {
	Device  DeviceConfig  `toml:"device" yaml:"device" json:"device"`
	Storage StorageConfig `toml:"storage" yaml:"storage" json:"storage"`
	Policy  PolicyConfig  `toml:"policy" yaml:"policy" json:"policy"`
	Sync    SyncConfig    `toml:"sync" yaml:"sync" json:"sync"`
	Remote  RemoteConfig  `toml:"remote" yaml:"remote" json:"remote"`
	Kafka   KafkaConfig   `toml:"kafka" yaml:"kafka" json:"kafka"`
	SES     SESConfig     `toml:"ses" yaml:"ses" json:"ses"`
	Server  ServerConfig  `toml:"server" yaml:"server" json:"server"`
	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
}

// DeviceConfig identifies this tablet.
type DeviceConfig struct {
	ID string `toml:"id" yaml:"id" json:"id"`
}

// StorageConfig locates the local database and evidence blobs.
type StorageConfig struct {
	DBPath  string `toml:"db_path" yaml:"db_path" json:"db_path"`
	BlobDir string `toml:"blob_dir" yaml:"blob_dir" json:"blob_dir"`
}

// PolicyConfig points at a CUE policy document. Empty File uses the
// built-in policy.
type PolicyConfig struct {
	File  string `toml:"file" yaml:"file" json:"file"`
	Watch bool   `toml:"watch" yaml:"watch" json:"watch"`
}

// SyncConfig tunes the drainer. Durations are milliseconds.
type SyncConfig struct {
	BatchSize        int     `toml:"batch_size" yaml:"batch_size" json:"batch_size"`
	MaxAttempts      int     `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	AttemptTimeoutMs int     `toml:"attempt_timeout_ms" yaml:"attempt_timeout_ms" json:"attempt_timeout_ms"`
	PollIntervalMs   int     `toml:"poll_interval_ms" yaml:"poll_interval_ms" json:"poll_interval_ms"`
	BackoffBaseMs    int     `toml:"backoff_base_ms" yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMs     int     `toml:"backoff_max_ms" yaml:"backoff_max_ms" json:"backoff_max_ms"`
	BackoffJitter    float64 `toml:"backoff_jitter" yaml:"backoff_jitter" json:"backoff_jitter"`
}

// Drainer converts the settings to a drainer configuration.
func (s SyncConfig) Drainer() syncqueue.Config {
	return syncqueue.Config{
		BatchSize:      s.BatchSize,
		MaxAttempts:    s.MaxAttempts,
		AttemptTimeout: ms(s.AttemptTimeoutMs),
		PollInterval:   ms(s.PollIntervalMs),
		Backoff: syncqueue.Backoff{
			Base:   ms(s.BackoffBaseMs),
			Max:    ms(s.BackoffMaxMs),
			Jitter: s.BackoffJitter,
		},
	}
}

// RemoteConfig selects the authority events are pushed to.
type RemoteConfig struct {
	Kind     string `toml:"kind" yaml:"kind" json:"kind"`
	URL      string `toml:"url" yaml:"url" json:"url"`
	Table    string `toml:"table" yaml:"table" json:"table"`
	Region   string `toml:"region" yaml:"region" json:"region"`
	Endpoint string `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
}

// Durable reports whether the remote keeps its history across processes,
// which a device needs before it can sync.
func (r RemoteConfig) Durable() bool {
	return r.Kind == RemoteHTTP || r.Kind == RemoteDynamo
}

// KafkaConfig enables the queue status feed when Brokers is set.
type KafkaConfig struct {
	Brokers string `toml:"brokers" yaml:"brokers" json:"brokers"`
	Topic   string `toml:"topic" yaml:"topic" json:"topic"`
}

// SESConfig enables failure alerts when From and To are set.
type SESConfig struct {
	From   string `toml:"from" yaml:"from" json:"from"`
	To     string `toml:"to" yaml:"to" json:"to"`
	Region string `toml:"region" yaml:"region" json:"region"`
}

// ServerConfig is used by `floorlog serve`.
type ServerConfig struct {
	Addr           string   `toml:"addr" yaml:"addr" json:"addr"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := syncqueue.DefaultConfig()
	return &Config{
		Device: DeviceConfig{ID: "unknown-device"},
		Storage: StorageConfig{
			DBPath:  "floorlog.db",
			BlobDir: "evidence",
		},
		Sync: SyncConfig{
			BatchSize:        def.BatchSize,
			MaxAttempts:      def.MaxAttempts,
			AttemptTimeoutMs: int(def.AttemptTimeout / time.Millisecond),
			PollIntervalMs:   int(def.PollInterval / time.Millisecond),
			BackoffBaseMs:    int(def.Backoff.Base / time.Millisecond),
			BackoffMaxMs:     int(def.Backoff.Max / time.Millisecond),
			BackoffJitter:    def.Backoff.Jitter,
		},
		Kafka:   KafkaConfig{Topic: "floorlog.queue"},
		Server:  ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ApplyEnvOverrides applies FLOORLOG_* environment variables. Malformed
// numbers are ignored.
func (c *Config) ApplyEnvOverrides() {
	setString(&c.Device.ID, "FLOORLOG_DEVICE_ID")
	setString(&c.Storage.DBPath, "FLOORLOG_DB_PATH")
	setString(&c.Storage.BlobDir, "FLOORLOG_BLOB_DIR")
	setString(&c.Policy.File, "FLOORLOG_POLICY_FILE")
	setInt(&c.Sync.BatchSize, "FLOORLOG_SYNC_BATCH_SIZE")
	setInt(&c.Sync.MaxAttempts, "FLOORLOG_SYNC_MAX_ATTEMPTS")
	setInt(&c.Sync.AttemptTimeoutMs, "FLOORLOG_SYNC_ATTEMPT_TIMEOUT_MS")
	setInt(&c.Sync.PollIntervalMs, "FLOORLOG_SYNC_POLL_INTERVAL_MS")
	setString(&c.Remote.Kind, "FLOORLOG_REMOTE_KIND")
	setString(&c.Remote.URL, "FLOORLOG_REMOTE_URL")
	setString(&c.Remote.Table, "FLOORLOG_DYNAMO_TABLE")
	setString(&c.Remote.Region, "FLOORLOG_AWS_REGION")
	setString(&c.Remote.Endpoint, "FLOORLOG_DYNAMO_ENDPOINT")
	setString(&c.Kafka.Brokers, "FLOORLOG_KAFKA_BROKERS")
	setString(&c.Kafka.Topic, "FLOORLOG_KAFKA_TOPIC")
	setString(&c.SES.From, "FLOORLOG_SES_FROM")
	setString(&c.SES.To, "FLOORLOG_SES_TO")
	setString(&c.SES.Region, "FLOORLOG_SES_REGION")
	setString(&c.Server.Addr, "FLOORLOG_SERVER_ADDR")
	setString(&c.Logging.Level, "FLOORLOG_LOG_LEVEL")
	setString(&c.Logging.Format, "FLOORLOG_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
