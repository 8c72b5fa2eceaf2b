package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/stephnangue/sessiongate/core"
	"github.com/stephnangue/sessiongate/logger"
)

// Config is the configuration for sessiongate.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`
	LogRotateMaxAge    int    `hcl:"log_rotate_max_age,optional"` // days

	Storage           *StorageBlock `hcl:"storage,block"`
	RevocationStorage *StorageBlock `hcl:"revocation_storage,block"`

	Admission       *AdmissionBlock       `hcl:"admission,block"`
	History         *HistoryBlock         `hcl:"history,block"`
	RevocationCache *RevocationCacheBlock `hcl:"revocation_cache,block"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "redis"

	// Shared
	MaxParallel  int `hcl:"max_parallel,optional"` // Concurrent operations before callers wait
	MaxValueSize int `hcl:"max_value_size,optional"`

	// In-memory storage specific config
	LogOps bool `hcl:"log_ops,optional"`

	// Redis storage specific config
	Address      string `hcl:"address,optional"`
	Username     string `hcl:"username,optional"`
	Password     string `hcl:"password,optional"`
	DB           int    `hcl:"db,optional"`
	PoolSize     int    `hcl:"pool_size,optional"`
	Prefix       string `hcl:"prefix,optional"`      // Key prefix, default "sessiongate/"
	MaxRetries   int    `hcl:"max_retries,optional"` // Optimistic transaction attempts per update
	DialTimeout  string `hcl:"dial_timeout,optional"`
	ReadTimeout  string `hcl:"read_timeout,optional"`
	WriteTimeout string `hcl:"write_timeout,optional"`
}

// Config returns the storage configuration as a map
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)

	// Add type (always present)
	config["type"] = s.Type

	if s.MaxParallel != 0 {
		config["max_parallel"] = strconv.Itoa(s.MaxParallel)
	}
	if s.MaxValueSize != 0 {
		config["max_value_size"] = strconv.Itoa(s.MaxValueSize)
	}
	if s.LogOps {
		config["log_ops"] = "true"
	}

	// Add Redis config if present
	if s.Address != "" {
		config["address"] = s.Address
	}
	if s.Username != "" {
		config["username"] = s.Username
	}
	if s.Password != "" {
		config["password"] = s.Password
	}
	if s.DB != 0 {
		config["db"] = strconv.Itoa(s.DB)
	}
	if s.PoolSize != 0 {
		config["pool_size"] = strconv.Itoa(s.PoolSize)
	}
	if s.Prefix != "" {
		config["prefix"] = s.Prefix
	}
	if s.MaxRetries != 0 {
		config["max_retries"] = strconv.Itoa(s.MaxRetries)
	}
	if s.DialTimeout != "" {
		config["dial_timeout"] = s.DialTimeout
	}
	if s.ReadTimeout != "" {
		config["read_timeout"] = s.ReadTimeout
	}
	if s.WriteTimeout != "" {
		config["write_timeout"] = s.WriteTimeout
	}

	return config
}

// AdmissionBlock holds the default admission policy. Durations accept Go
// duration strings, plain seconds, or a day suffix such as "30d".
type AdmissionBlock struct {
	MaxActiveOrigins     *int   `hcl:"max_active_origins,optional"`
	EvictionPolicy       string `hcl:"eviction_policy,optional"`
	SessionTTL           string `hcl:"session_ttl,optional"`
	HistoryWindow        string `hcl:"history_window,optional"`
	BanThreshold         *int   `hcl:"ban_threshold,optional"`
	BanTTL               string `hcl:"ban_ttl,optional"`
	TouchInterval        string `hcl:"touch_interval,optional"`
	IgnoreDeniedAttempts bool   `hcl:"ignore_denied_attempts,optional"`
}

type HistoryBlock struct {
	Retention string `hcl:"retention,optional"`
}

type RevocationCacheBlock struct {
	NumCounters int64 `hcl:"num_counters,optional"`
	MaxCost     int64 `hcl:"max_cost,optional"`
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Parse decodes an HCL document held in memory. filename is only used in
// diagnostics and must end in ".hcl".
func Parse(filename string, src []byte) (*Config, error) {
	var config Config
	if err := hclsimple.Decode(filename, src, nil, &config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Storage == nil {
		return errors.New("a storage block is required")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.HistoryConfig(); err != nil {
		return err
	}
	return nil
}

// Policy returns the default admission policy, starting from
// core.DefaultPolicy and overriding what the admission block sets.
func (c *Config) Policy() (*core.Policy, error) {
	p := core.DefaultPolicy()
	a := c.Admission
	if a == nil {
		return p, nil
	}

	if a.MaxActiveOrigins != nil {
		p.MaxActiveOrigins = *a.MaxActiveOrigins
	}
	if a.EvictionPolicy != "" {
		eviction, err := core.ParseEvictionPolicy(a.EvictionPolicy)
		if err != nil {
			return nil, err
		}
		p.Eviction = eviction
	}
	if a.BanThreshold != nil {
		p.BanThreshold = *a.BanThreshold
	}
	p.IgnoreDeniedAttempts = a.IgnoreDeniedAttempts

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"session_ttl", a.SessionTTL, &p.SessionTTL},
		{"history_window", a.HistoryWindow, &p.HistoryWindow},
		{"ban_ttl", a.BanTTL, &p.BanTTL},
		{"touch_interval", a.TouchInterval, &p.TouchInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := parseutil.ParseDurationSecond(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid admission %s %q: %w", d.name, d.value, err)
		}
		*d.dst = v
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// HistoryConfig returns the abuse history configuration
func (c *Config) HistoryConfig() (*core.AbuseHistoryConfig, error) {
	h := core.DefaultAbuseHistoryConfig()
	if c.History == nil {
		return h, nil
	}
	if c.History.Retention != "" {
		v, err := parseutil.ParseDurationSecond(c.History.Retention)
		if err != nil {
			return nil, fmt.Errorf("invalid history retention %q: %w", c.History.Retention, err)
		}
		h.Retention = v
	}
	return h, nil
}

// RevocationCacheConfig returns the revocation cache sizing
func (c *Config) RevocationCacheConfig() *core.RevocationCacheConfig {
	r := core.DefaultRevocationCacheConfig()
	if c.RevocationCache == nil {
		return r
	}
	if c.RevocationCache.NumCounters > 0 {
		r.NumCounters = c.RevocationCache.NumCounters
	}
	if c.RevocationCache.MaxCost > 0 {
		r.MaxCost = c.RevocationCache.MaxCost
	}
	return r
}

// LoggerConfig builds the logger configuration from the log_* attributes
func (c *Config) LoggerConfig() *logger.Config {
	var cfg *logger.Config
	if c.LogFile != "" {
		cfg = logger.ProductionConfig(c.LogFile)
		if c.LogRotateMegabytes > 0 {
			cfg.Rotation.MaxSizeMB = c.LogRotateMegabytes
		}
		if c.LogRotateMaxFiles > 0 {
			cfg.Rotation.MaxBackups = c.LogRotateMaxFiles
		}
		if c.LogRotateMaxAge > 0 {
			cfg.Rotation.MaxAgeDays = c.LogRotateMaxAge
		}
	} else {
		cfg = logger.DefaultConfig()
	}
	if c.LogLevel != "" {
		cfg.Level = logger.ParseLogLevel(c.LogLevel)
	}
	if c.LogFormat != "" {
		cfg.Format = logger.ParseOutputFormat(c.LogFormat)
	}
	return cfg
}
