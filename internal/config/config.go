package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Download  DownloadConfig  `yaml:"download"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig with no APIKeys leaves the admin API unauthenticated.
type ServerConfig struct {
	GRPCAddr    string   `yaml:"grpc_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	APIKeys     []string `yaml:"api_keys"`
}

type LogConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DatabaseConfig struct {
	Driver          string   `yaml:"driver"`
	URL             string   `yaml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

type StorageConfig struct {
	Backend       string   `yaml:"backend"`
	DefaultBucket string   `yaml:"default_bucket"`
	BasePath      string   `yaml:"base_path"`
	BaseURL       string   `yaml:"base_url"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

// RedisConfig with an empty Addr selects the in-process lock.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KafkaConfig with no brokers publishes events to the log.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SessionConfig struct {
	UploadTTL         Duration `yaml:"upload_ttl"`
	MultipartTTL      Duration `yaml:"multipart_ttl"`
	DownloadTTL       Duration `yaml:"download_ttl"`
	DownloadKeyPrefix string   `yaml:"download_key_prefix"`
}

type SchedulerConfig struct {
	DispatchInterval Duration `yaml:"dispatch_interval"`
	RetryInterval    Duration `yaml:"retry_interval"`
	ExpiryInterval   Duration `yaml:"expiry_interval"`
	BatchSize        int      `yaml:"batch_size"`
	MaxInFlight      int      `yaml:"max_in_flight"`
	StaleAfter       Duration `yaml:"stale_after"`
	HandlerTimeout   Duration `yaml:"handler_timeout"`
	LockWait         Duration `yaml:"lock_wait"`
	LockLease        Duration `yaml:"lock_lease"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`
}

type DownloadConfig struct {
	MaxRetries            int      `yaml:"max_retries"`
	ConnectTimeout        Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout Duration `yaml:"response_header_timeout"`
	UserAgent             string   `yaml:"user_agent"`
}

type WebhookConfig struct {
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
}

// PipelineConfig with an empty WorkflowURL skips the external workflow stages.
type PipelineConfig struct {
	WorkflowURL     string   `yaml:"workflow_url"`
	WorkflowTimeout Duration `yaml:"workflow_timeout"`
	ThumbnailBucket string   `yaml:"thumbnail_bucket"`
	MaxRetries      int      `yaml:"max_retries"`
}

// envOverrides are deployment secrets and endpoints read from the environment.
type envOverrides struct {
	DatabaseURL   string `env:"FILEFLOW_DATABASE_URL"`
	RedisAddr     string `env:"FILEFLOW_REDIS_ADDR"`
	RedisPassword string `env:"FILEFLOW_REDIS_PASSWORD"`
	S3Endpoint    string `env:"FILEFLOW_S3_ENDPOINT"`
	S3AccessKey   string `env:"FILEFLOW_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"FILEFLOW_S3_SECRET_KEY"`
	KafkaBrokers  string `env:"FILEFLOW_KAFKA_BROKERS"`
	LogLevel      string `env:"FILEFLOW_LOG_LEVEL"`
	WorkflowURL   string `env:"FILEFLOW_WORKFLOW_URL"`
	GRPCAddr      string `env:"FILEFLOW_GRPC_ADDR"`
	MetricsAddr   string `env:"FILEFLOW_METRICS_ADDR"`
	APIKeys       string `env:"FILEFLOW_API_KEYS"`
}

// Load reads .env (if present), the YAML file at path (if non-empty), applies defaults
// and environment overrides, then validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.URL, o.DatabaseURL)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Redis.Password, o.RedisPassword)
	set(&cfg.Storage.S3.Endpoint, o.S3Endpoint)
	set(&cfg.Storage.S3.AccessKey, o.S3AccessKey)
	set(&cfg.Storage.S3.SecretKey, o.S3SecretKey)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Pipeline.WorkflowURL, o.WorkflowURL)
	set(&cfg.Server.GRPCAddr, o.GRPCAddr)
	set(&cfg.Server.MetricsAddr, o.MetricsAddr)
	if o.KafkaBrokers != "" {
		cfg.Kafka.Brokers = splitList(o.KafkaBrokers)
	}
	if o.APIKeys != "" {
		cfg.Server.APIKeys = splitList(o.APIKeys)
	}
	if o.DatabaseURL != "" && cfg.Database.Driver == "memory" {
		cfg.Database.Driver = "postgres"
	}
	return nil
}

func defaultDuration(d *Duration, v time.Duration) {
	if *d == 0 {
		*d = Duration(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":50051"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
		if cfg.Database.URL != "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	defaultDuration(&cfg.Database.ConnMaxLifetime, 30*time.Minute)

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "filesystem"
	}
	if cfg.Storage.DefaultBucket == "" {
		cfg.Storage.DefaultBucket = "fileflow"
	}
	if cfg.Storage.BasePath == "" {
		cfg.Storage.BasePath = "./data/objects"
	}
	if cfg.Storage.BaseURL == "" {
		cfg.Storage.BaseURL = "http://localhost:8080/objects"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "fileflow:lock:"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "fileflow.events"
	}

	defaultDuration(&cfg.Sessions.UploadTTL, 15*time.Minute)
	defaultDuration(&cfg.Sessions.MultipartTTL, 24*time.Hour)
	defaultDuration(&cfg.Sessions.DownloadTTL, 24*time.Hour)

	s := &cfg.Scheduler
	defaultDuration(&s.DispatchInterval, 30*time.Second)
	defaultDuration(&s.RetryInterval, 5*time.Minute)
	defaultDuration(&s.ExpiryInterval, time.Minute)
	if s.BatchSize == 0 {
		s.BatchSize = 50
	}
	if s.MaxInFlight == 0 {
		s.MaxInFlight = 16
	}
	defaultDuration(&s.StaleAfter, 10*time.Minute)
	defaultDuration(&s.HandlerTimeout, 5*time.Minute)
	defaultDuration(&s.LockLease, time.Minute)
	defaultDuration(&s.ShutdownTimeout, 10*time.Second)

	if cfg.Download.MaxRetries == 0 {
		cfg.Download.MaxRetries = 3
	}
	defaultDuration(&cfg.Download.ConnectTimeout, 10*time.Second)
	defaultDuration(&cfg.Download.ResponseHeaderTimeout, 30*time.Second)
	if cfg.Download.UserAgent == "" {
		cfg.Download.UserAgent = "FileFlow/1.0"
	}

	defaultDuration(&cfg.Webhook.Timeout, 10*time.Second)
	if cfg.Webhook.MaxRetries == 0 {
		cfg.Webhook.MaxRetries = 5
	}

	defaultDuration(&cfg.Pipeline.WorkflowTimeout, 30*time.Second)
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
}

// Validate rejects settings the scheduler and stores cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want memory or postgres", c.Database.Driver))
	}
	switch c.Storage.Backend {
	case "filesystem", "s3":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want filesystem or s3", c.Storage.Backend))
	}

	s := c.Scheduler
	if s.BatchSize < 1 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}
	if s.MaxInFlight < 1 {
		errs = append(errs, errors.New("scheduler.max_in_flight must be positive"))
	}
	if s.StaleAfter.Std() <= s.HandlerTimeout.Std() {
		errs = append(errs, errors.New("scheduler.stale_after must exceed scheduler.handler_timeout"))
	}
	if s.LockLease.Std() <= 0 {
		errs = append(errs, errors.New("scheduler.lock_lease must be positive"))
	}
	if c.Download.MaxRetries < 1 || c.Webhook.MaxRetries < 1 || c.Pipeline.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries settings must be positive"))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
