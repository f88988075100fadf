// Package config loads the fieldsync configuration from a YAML file with
// FIELDSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/illmade-knight/go-fieldsync/pkg/syncengine"
	"github.com/illmade-knight/go-fieldsync/pkg/syncservice"
	"github.com/illmade-knight/go-fieldsync/pkg/transport"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration reads "90s" style values from both YAML and the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalEnvironmentValue(value.Value)
}

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", data, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// AccountConfig is the signed-in account. Password is the hashed password
// the server issued at login.
type AccountConfig struct {
	Username string `yaml:"username" env:"FIELDSYNC_ACCOUNT_USERNAME"`
	Password string `yaml:"password" env:"FIELDSYNC_ACCOUNT_PASSWORD"`
}

// ServerConfig is the ohmage endpoint.
type ServerConfig struct {
	URL        string   `yaml:"url" env:"FIELDSYNC_SERVER_URL"`
	ClientName string   `yaml:"client_name" env:"FIELDSYNC_SERVER_CLIENT_NAME"`
	Timeout    Duration `yaml:"timeout" env:"FIELDSYNC_SERVER_TIMEOUT"`
}

type SyncConfig struct {
	QuotaBytes               int      `yaml:"quota_bytes" env:"FIELDSYNC_SYNC_QUOTA_BYTES"`
	FetchLimit               int      `yaml:"fetch_limit" env:"FIELDSYNC_SYNC_FETCH_LIMIT"`
	MaxIDsPerDelete          int      `yaml:"max_ids_per_delete" env:"FIELDSYNC_SYNC_MAX_IDS_PER_DELETE"`
	OversizePolicy           string   `yaml:"oversize_policy" env:"FIELDSYNC_SYNC_OVERSIZE_POLICY"`
	Interval                 Duration `yaml:"interval" env:"FIELDSYNC_SYNC_INTERVAL"`
	MinBatteryPercent        float64  `yaml:"min_battery_percent" env:"FIELDSYNC_SYNC_MIN_BATTERY_PERCENT"`
	MinPluggedBatteryPercent float64  `yaml:"min_plugged_battery_percent" env:"FIELDSYNC_SYNC_MIN_PLUGGED_BATTERY_PERCENT"`
}

// StoreConfig selects the pending-record store.
type StoreConfig struct {
	// Driver is sqlite, postgres or memory.
	Driver string `yaml:"driver" env:"FIELDSYNC_STORE_DRIVER"`
	// Path is the SQLite file.
	Path string `yaml:"path" env:"FIELDSYNC_STORE_PATH"`
	// DSN is the Postgres connection URL.
	DSN string `yaml:"dsn" env:"FIELDSYNC_STORE_DSN"`
}

type RedisConfig struct {
	Addr      string   `yaml:"addr" env:"FIELDSYNC_REDIS_ADDR"`
	Password  string   `yaml:"password" env:"FIELDSYNC_REDIS_PASSWORD"`
	DB        int      `yaml:"db" env:"FIELDSYNC_REDIS_DB"`
	KeyPrefix string   `yaml:"key_prefix" env:"FIELDSYNC_REDIS_KEY_PREFIX"`
	TTL       Duration `yaml:"ttl" env:"FIELDSYNC_REDIS_TTL"`
}

// WatermarkConfig selects where the last successful sync time is kept.
type WatermarkConfig struct {
	// Backend is store, redis or memory.
	Backend string      `yaml:"backend" env:"FIELDSYNC_WATERMARK_BACKEND"`
	Redis   RedisConfig `yaml:"redis"`
}

type GCSConfig struct {
	Bucket string `yaml:"bucket" env:"FIELDSYNC_GCS_BUCKET"`
	Prefix string `yaml:"prefix" env:"FIELDSYNC_GCS_PREFIX"`
}

type PubSubConfig struct {
	// TopicPrefix is joined with the domain, one topic per domain.
	TopicPrefix string `yaml:"topic_prefix" env:"FIELDSYNC_PUBSUB_TOPIC_PREFIX"`
	Ordered     bool   `yaml:"ordered" env:"FIELDSYNC_PUBSUB_ORDERED"`
}

type BigQueryConfig struct {
	Dataset string `yaml:"dataset" env:"FIELDSYNC_BIGQUERY_DATASET"`
	// TablePrefix is joined with the domain, one table per domain.
	TablePrefix string `yaml:"table_prefix" env:"FIELDSYNC_BIGQUERY_TABLE_PREFIX"`
}

// TransportConfig selects where batches are uploaded.
type TransportConfig struct {
	// Kind is ohmage, gcs, pubsub or bigquery.
	Kind            string         `yaml:"kind" env:"FIELDSYNC_TRANSPORT_KIND"`
	ProjectID       string         `yaml:"project_id" env:"FIELDSYNC_GCP_PROJECT_ID"`
	CredentialsFile string         `yaml:"credentials_file" env:"FIELDSYNC_GCP_CREDENTIALS_FILE"`
	// Location and Labels are applied to provisioned buckets, topics and
	// datasets.
	Location string            `yaml:"location" env:"FIELDSYNC_GCP_LOCATION"`
	Labels   map[string]string `yaml:"labels"`
	// TeardownProtection makes provision --teardown refuse to run.
	TeardownProtection bool `yaml:"teardown_protection" env:"FIELDSYNC_GCP_TEARDOWN_PROTECTION"`
	GCS             GCSConfig      `yaml:"gcs"`
	PubSub          PubSubConfig   `yaml:"pubsub"`
	BigQuery        BigQueryConfig `yaml:"bigquery"`
}

// TopicID is the Pub/Sub topic batches of domain are published to.
func (t TransportConfig) TopicID(domain types.Domain) string {
	return t.PubSub.TopicPrefix + string(domain)
}

// TableID is the BigQuery table records of domain are streamed into.
func (t TransportConfig) TableID(domain types.Domain) string {
	return t.BigQuery.TablePrefix + string(domain)
}

// MQTTConfig enables the device reading ingester.
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled" env:"FIELDSYNC_MQTT_ENABLED"`
	BrokerURL      string   `yaml:"broker_url" env:"FIELDSYNC_MQTT_BROKER_URL"`
	Topic          string   `yaml:"topic" env:"FIELDSYNC_MQTT_TOPIC"`
	ClientIDPrefix string   `yaml:"client_id_prefix" env:"FIELDSYNC_MQTT_CLIENT_ID_PREFIX"`
	Username       string   `yaml:"username" env:"FIELDSYNC_MQTT_USERNAME"`
	Password       string   `yaml:"password" env:"FIELDSYNC_MQTT_PASSWORD"`
	KeepAlive      Duration `yaml:"keep_alive" env:"FIELDSYNC_MQTT_KEEP_ALIVE"`
	ConnectTimeout Duration `yaml:"connect_timeout" env:"FIELDSYNC_MQTT_CONNECT_TIMEOUT"`
	ObserverID     string   `yaml:"observer_id" env:"FIELDSYNC_MQTT_OBSERVER_ID"`
	Workers        int      `yaml:"workers" env:"FIELDSYNC_MQTT_WORKERS"`
}

type MetricsConfig struct {
	// Listen is the address of the HTTP server exposing /metrics, /healthz
	// and /sync. Empty disables it.
	Listen string `yaml:"listen" env:"FIELDSYNC_METRICS_LISTEN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"FIELDSYNC_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"FIELDSYNC_LOG_PRETTY"`
}

// Config is the complete fieldsync configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Server    ServerConfig    `yaml:"server"`
	Sync      SyncConfig      `yaml:"sync"`
	Store     StoreConfig     `yaml:"store"`
	Watermark WatermarkConfig `yaml:"watermark"`
	Transport TransportConfig `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns a configuration that drains a local SQLite store to an
// ohmage server once the server URL and account are filled in.
func Default() Config {
	engine := syncengine.DefaultConfig()
	sched := syncservice.DefaultSchedulerConfig()
	return Config{
		Server: ServerConfig{
			ClientName: transport.DefaultClientName,
			Timeout:    Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			QuotaBytes:               engine.QuotaBytes,
			FetchLimit:               engine.FetchLimit,
			MaxIDsPerDelete:          engine.MaxIDsPerDelete,
			OversizePolicy:           string(engine.OversizePolicy),
			Interval:                 Duration(sched.Interval),
			MinBatteryPercent:        sched.MinBatteryPercent,
			MinPluggedBatteryPercent: sched.MinPluggedBatteryPercent,
		},
		Store:     StoreConfig{Driver: "sqlite", Path: "fieldsync.db"},
		Watermark: WatermarkConfig{Backend: "store"},
		Transport: TransportConfig{
			Kind:     "ohmage",
			PubSub:   PubSubConfig{TopicPrefix: "fieldsync-"},
			BigQuery: BigQueryConfig{TablePrefix: "fieldsync_"},
		},
		MQTT: MQTTConfig{
			Topic:          "devices/+/data",
			ClientIDPrefix: "fieldsync-",
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config from the defaults, then the YAML file at path (if
// path is not empty), then the environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Sync.QuotaBytes <= 0 {
		add("sync.quota_bytes must be positive")
	}
	if c.Sync.FetchLimit <= 0 {
		add("sync.fetch_limit must be positive")
	}
	if c.Sync.MaxIDsPerDelete <= 0 {
		add("sync.max_ids_per_delete must be positive")
	}
	switch syncengine.OversizePolicy(c.Sync.OversizePolicy) {
	case syncengine.OversizeReport, syncengine.OversizeSkip:
	default:
		add("sync.oversize_policy %q is not report or skip", c.Sync.OversizePolicy)
	}
	if c.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			add("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	case "memory":
	default:
		add("store.driver %q is not sqlite, postgres or memory", c.Store.Driver)
	}

	switch c.Watermark.Backend {
	case "store", "memory":
	case "redis":
		if c.Watermark.Redis.Addr == "" {
			add("watermark.redis.addr is required for redis")
		}
	default:
		add("watermark.backend %q is not store, redis or memory", c.Watermark.Backend)
	}

	switch c.Transport.Kind {
	case "ohmage":
		if c.Server.URL == "" {
			add("server.url is required for the ohmage transport")
		}
	case "gcs":
		if c.Transport.GCS.Bucket == "" {
			add("transport.gcs.bucket is required")
		}
	case "pubsub":
		if c.Transport.ProjectID == "" {
			add("transport.project_id is required for pubsub")
		}
	case "bigquery":
		if c.Transport.ProjectID == "" || c.Transport.BigQuery.Dataset == "" {
			add("transport.project_id and transport.bigquery.dataset are required for bigquery")
		}
	default:
		add("transport.kind %q is not ohmage, gcs, pubsub or bigquery", c.Transport.Kind)
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" || c.MQTT.Topic == "" {
			add("mqtt.broker_url and mqtt.topic are required when mqtt is enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// EngineConfig maps the sync section onto the engine settings.
func (c *Config) EngineConfig() syncengine.Config {
	return syncengine.Config{
		QuotaBytes:      c.Sync.QuotaBytes,
		FetchLimit:      c.Sync.FetchLimit,
		MaxIDsPerDelete: c.Sync.MaxIDsPerDelete,
		OversizePolicy:  syncengine.OversizePolicy(c.Sync.OversizePolicy),
	}
}

// SchedulerConfig maps the sync section onto the scheduler settings.
func (c *Config) SchedulerConfig() syncservice.SchedulerConfig {
	return syncservice.SchedulerConfig{
		Interval:                 c.Sync.Interval.Std(),
		MinBatteryPercent:        c.Sync.MinBatteryPercent,
		MinPluggedBatteryPercent: c.Sync.MinPluggedBatteryPercent,
	}
}
