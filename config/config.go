// Package config holds the site and partition-executor configuration knobs
// enumerated in the specification (pool idle caps, profiling, GC interval,
// procedure-pool sizing, partition count, backend target).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendTarget selects the storage-engine implementation a partition binds
// to. Only InMemoryMock is implemented; the others are recognized values
// kept for configuration-format compatibility with a real deployment.
type BackendTarget string

const (
	BackendInMemoryMock BackendTarget = "in_memory_mock"
	BackendNativeJNI    BackendTarget = "native_jni"
	BackendNativeIPC    BackendTarget = "native_ipc"
	BackendPureSQL      BackendTarget = "pure_sql"
)

// PoolConfig configures one object-pool class.
type PoolConfig struct {
	IdleCap   int  `yaml:"idle_cap" env:"MANTIS_POOL_IDLE_CAP"`
	Profiling bool `yaml:"profiling" env:"MANTIS_POOL_PROFILING"`
}

// Config is the top-level site configuration.
type Config struct {
	SiteID             string        `yaml:"site_id" env:"MANTIS_SITE_ID"`
	PartitionsPerSite  int           `yaml:"partitions_per_site" env:"MANTIS_PARTITIONS_PER_SITE"`
	Backend            BackendTarget `yaml:"backend" env:"MANTIS_BACKEND"`
	ProcedurePoolSize  int           `yaml:"procedure_pool_size" env:"MANTIS_PROCEDURE_POOL_SIZE"`
	GCInterval         time.Duration `yaml:"gc_interval" env:"MANTIS_GC_INTERVAL"`
	MaxTxnsPerGCPass   int           `yaml:"max_txns_per_gc_pass" env:"MANTIS_MAX_TXNS_PER_GC_PASS"`
	WorkQueuePollEvery time.Duration `yaml:"work_queue_poll_every" env:"MANTIS_WORK_QUEUE_POLL_EVERY"`
	TickEvery          time.Duration `yaml:"tick_every" env:"MANTIS_TICK_EVERY"`
	Pools              PoolConfig    `yaml:"pools"`
	Logging            LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"MANTIS_LOG_LEVEL"`
	Format string `yaml:"format" env:"MANTIS_LOG_FORMAT"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		SiteID:             "site-0",
		PartitionsPerSite:  1,
		Backend:            BackendInMemoryMock,
		ProcedurePoolSize:  5,
		GCInterval:         2 * time.Second,
		MaxTxnsPerGCPass:   10,
		WorkQueuePollEvery: 500 * time.Millisecond,
		TickEvery:          1 * time.Second,
		Pools: PoolConfig{
			IdleCap:   256,
			Profiling: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads YAML configuration from path on top of Default(), so any key
// absent from the file keeps its default, then applies environment
// overrides for site id, partition count, backend, procedure-pool size, GC
// interval, max transactions per GC pass and log level. The `env` tags on
// the pool, poll-interval, tick-interval and log-format fields are not read.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("MANTIS_SITE_ID"); ok {
		cfg.SiteID = v
	}
	if v, ok := os.LookupEnv("MANTIS_PARTITIONS_PER_SITE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PartitionsPerSite = n
		}
	}
	if v, ok := os.LookupEnv("MANTIS_BACKEND"); ok {
		cfg.Backend = BackendTarget(v)
	}
	if v, ok := os.LookupEnv("MANTIS_PROCEDURE_POOL_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProcedurePoolSize = n
		}
	}
	if v, ok := os.LookupEnv("MANTIS_GC_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GCInterval = d
		}
	}
	if v, ok := os.LookupEnv("MANTIS_MAX_TXNS_PER_GC_PASS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTxnsPerGCPass = n
		}
	}
	if v, ok := os.LookupEnv("MANTIS_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
}
