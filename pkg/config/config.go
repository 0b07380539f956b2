// Package config defines the broker's typed configuration surface, loaded
// with the same flag-then-env-override pattern the CLI entrypoint already
// uses for every other subsystem.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the configuration defaults table.
// All durations are stored as their natural Go type; handlers and loops
// convert to seconds only where the wire format requires it.
type Config struct {
	// Store
	DataDir string `yaml:"data_dir"`

	// Allocation
	LabDurationHours int `yaml:"lab_duration_hours"`
	GracePeriodMins  int `yaml:"grace_period_minutes"`
	KCandidates      int `yaml:"k_candidates"`
	BackoffBaseMs    int `yaml:"backoff_base_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`

	// Loops
	SyncInterval        time.Duration `yaml:"sync_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	CleanupBatchSize    int           `yaml:"cleanup_batch_size"`
	CleanupBatchDelay   time.Duration `yaml:"cleanup_batch_delay"`
	ExpiryInterval      time.Duration `yaml:"expiry_interval"`
	DeletionMaxAttempts int           `yaml:"deletion_max_attempts"`

	// Breaker
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`

	// Upstream
	UpstreamConnectTimeout time.Duration `yaml:"upstream_connect_timeout"`
	UpstreamReadTimeout    time.Duration `yaml:"upstream_read_timeout"`
	UpstreamKind           string        `yaml:"upstream"` // "mock" | "awsorg"
	AWSRegion              string        `yaml:"aws_region"`
	AWSOrgPrefix           string        `yaml:"aws_org_name_prefix"`
	AWSAccessKeyID         string        `yaml:"-"`
	AWSSecretAccessKey     string        `yaml:"-"`

	// HTTP
	ListenAddr  string   `yaml:"listen_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	ClientToken string   `yaml:"client_token"`
	AdminToken  string   `yaml:"admin_token"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Rate limiting
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the broker's stock configuration.
func Default() Config {
	return Config{
		DataDir: "./data/broker.db",

		LabDurationHours: 4,
		GracePeriodMins:  30,
		KCandidates:      15,
		BackoffBaseMs:    100,
		BackoffMaxMs:     5000,

		SyncInterval:        600 * time.Second,
		CleanupInterval:     300 * time.Second,
		CleanupBatchSize:    10,
		CleanupBatchDelay:   2 * time.Second,
		ExpiryInterval:      300 * time.Second,
		DeletionMaxAttempts: 3,

		BreakerThreshold: 5,
		BreakerTimeout:   60 * time.Second,

		UpstreamConnectTimeout: 5 * time.Second,
		UpstreamReadTimeout:    15 * time.Second,
		UpstreamKind:           "mock",
		AWSRegion:              "us-east-1",

		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		CORSOrigins: []string{"*"},

		RateLimitPerSecond: 10,
		RateLimitBurst:     20,

		LogLevel: "info",
		LogJSON:  true,
	}
}

// LoadFile layers a YAML config file on top of the values already set on
// c (normally Default()'s), below CLI flags and BROKER_* env vars in
// precedence. Only keys present in the document overwrite c's fields;
// everything else is left untouched.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// BindFlags registers every config field on fs, pre-populated with its
// default. Call LoadEnvOverrides after fs.Parse to layer environment
// overrides on top.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "path to the bbolt database file")

	fs.IntVar(&c.LabDurationHours, "lab-duration-hours", c.LabDurationHours, "default lab duration in hours")
	fs.IntVar(&c.GracePeriodMins, "grace-period-minutes", c.GracePeriodMins, "grace period past lab duration before expiry")
	fs.IntVar(&c.KCandidates, "k-candidates", c.KCandidates, "number of available candidates fetched per allocation attempt")
	fs.IntVar(&c.BackoffBaseMs, "backoff-base-ms", c.BackoffBaseMs, "base backoff between claim attempts, in milliseconds")
	fs.IntVar(&c.BackoffMaxMs, "backoff-max-ms", c.BackoffMaxMs, "max backoff between claim attempts, in milliseconds")

	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "upstream sync loop interval")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "deletion cleanup loop interval")
	fs.IntVar(&c.CleanupBatchSize, "cleanup-batch-size", c.CleanupBatchSize, "cleanup batch size")
	fs.DurationVar(&c.CleanupBatchDelay, "cleanup-batch-delay", c.CleanupBatchDelay, "delay between cleanup batches")
	fs.DurationVar(&c.ExpiryInterval, "expiry-interval", c.ExpiryInterval, "auto-expiry loop interval")
	fs.IntVar(&c.DeletionMaxAttempts, "deletion-max-attempts", c.DeletionMaxAttempts, "max deletion_failed retry attempts before cleanup gives up")

	fs.IntVar(&c.BreakerThreshold, "breaker-threshold", c.BreakerThreshold, "consecutive upstream failures before the breaker opens")
	fs.DurationVar(&c.BreakerTimeout, "breaker-timeout", c.BreakerTimeout, "time the breaker stays open before probing again")

	fs.DurationVar(&c.UpstreamConnectTimeout, "upstream-connect-timeout", c.UpstreamConnectTimeout, "upstream connect timeout")
	fs.DurationVar(&c.UpstreamReadTimeout, "upstream-read-timeout", c.UpstreamReadTimeout, "upstream read timeout")
	fs.StringVar(&c.UpstreamKind, "upstream", c.UpstreamKind, "upstream adapter: mock or awsorg")
	fs.StringVar(&c.AWSRegion, "aws-region", c.AWSRegion, "AWS region for the awsorg upstream adapter")
	fs.StringVar(&c.AWSOrgPrefix, "aws-org-name-prefix", c.AWSOrgPrefix, "optional account name prefix filter for the awsorg adapter")
	// AWSAccessKeyID/AWSSecretAccessKey are deliberately BROKER_*-env-only
	// (see LoadEnvOverrides), never flags or YAML fields, so static
	// credentials never land in shell history or a config file on disk.

	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "client+admin HTTP API listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "metrics/healthz listen address")
	fs.StringVar(&c.ClientToken, "client-token", c.ClientToken, "bearer token required on the client surface")
	fs.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "bearer token required on the admin surface")
	fs.StringSliceVar(&c.CORSOrigins, "cors-origins", c.CORSOrigins, "allowed CORS origins")

	fs.Float64Var(&c.RateLimitPerSecond, "rate-limit-per-second", c.RateLimitPerSecond, "per-client token bucket refill rate")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", c.RateLimitBurst, "per-client token bucket burst size")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "emit structured JSON logs")
}

// LoadEnvOverrides layers BROKER_* environment variables on top of values
// already populated by flags and the config file, so a containerized
// deployment can override any tunable without editing either.
func (c *Config) LoadEnvOverrides() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	i := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("BROKER_DATA_DIR", &c.DataDir)
	str("BROKER_API_TOKEN", &c.ClientToken)
	str("BROKER_ADMIN_TOKEN", &c.AdminToken)
	str("BROKER_UPSTREAM", &c.UpstreamKind)
	str("BROKER_AWS_REGION", &c.AWSRegion)
	str("BROKER_AWS_ACCESS_KEY_ID", &c.AWSAccessKeyID)
	str("BROKER_AWS_SECRET_ACCESS_KEY", &c.AWSSecretAccessKey)
	str("BROKER_LISTEN_ADDR", &c.ListenAddr)
	str("BROKER_METRICS_ADDR", &c.MetricsAddr)
	str("BROKER_LOG_LEVEL", &c.LogLevel)

	for key, dst := range map[string]*int{
		"BROKER_LAB_DURATION_HOURS": &c.LabDurationHours,
		"BROKER_GRACE_PERIOD_MIN":   &c.GracePeriodMins,
		"BROKER_K_CANDIDATES":       &c.KCandidates,
		"BROKER_BACKOFF_BASE_MS":    &c.BackoffBaseMs,
		"BROKER_BACKOFF_MAX_MS":     &c.BackoffMaxMs,
		"BROKER_CLEANUP_BATCH_SIZE": &c.CleanupBatchSize,
		"BROKER_BREAKER_THRESHOLD":  &c.BreakerThreshold,
	} {
		if err := i(key, dst); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*time.Duration{
		"BROKER_SYNC_INTERVAL":    &c.SyncInterval,
		"BROKER_CLEANUP_INTERVAL": &c.CleanupInterval,
		"BROKER_EXPIRY_INTERVAL":  &c.ExpiryInterval,
		"BROKER_BREAKER_TIMEOUT":  &c.BreakerTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	return nil
}

// LabDurationSeconds returns the configured default lab duration in seconds.
func (c Config) LabDurationSeconds() int64 {
	return int64(c.LabDurationHours) * 3600
}

// GraceSeconds returns the configured grace period in seconds.
func (c Config) GraceSeconds() int64 {
	return int64(c.GracePeriodMins) * 60
}

// Validate rejects obviously-broken configuration before the broker starts.
func (c Config) Validate() error {
	if c.KCandidates <= 0 {
		return fmt.Errorf("k-candidates must be > 0")
	}
	if c.CleanupBatchSize <= 0 {
		return fmt.Errorf("cleanup-batch-size must be > 0")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker-threshold must be > 0")
	}
	if c.UpstreamKind != "mock" && c.UpstreamKind != "awsorg" {
		return fmt.Errorf("unknown upstream kind %q", c.UpstreamKind)
	}
	return nil
}
