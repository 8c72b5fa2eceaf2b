package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stephnangue/sessiongate/core"
	"github.com/stephnangue/sessiongate/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
log_level  = "debug"
log_format = "json"
log_file   = "/tmp/sessiongate/sessiongate.log"
log_rotate_max_files = 3

storage "redis" {
  address     = "127.0.0.1:6379"
  prefix      = "sg/"
  db          = 2
  max_retries = 4
  dial_timeout = "2s"
}

revocation_storage "inmem" {
  max_parallel = 64
}

admission {
  max_active_origins     = 2
  eviction_policy        = "deny_new"
  session_ttl            = "12h"
  history_window         = "30d"
  ban_threshold          = 5
  ban_ttl                = "7d"
  touch_interval         = "300"
  ignore_denied_attempts = true
}

history {
  retention = "60d"
}

revocation_cache {
  num_counters = 1000
  max_cost     = 100
}
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse("sessiongate.hcl", []byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, map[string]string{
		"type":         "redis",
		"address":      "127.0.0.1:6379",
		"prefix":       "sg/",
		"db":           "2",
		"max_retries":  "4",
		"dial_timeout": "2s",
	}, cfg.Storage.Config())

	require.NotNil(t, cfg.RevocationStorage)
	assert.Equal(t, map[string]string{"type": "inmem", "max_parallel": "64"}, cfg.RevocationStorage.Config())

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxActiveOrigins)
	assert.Equal(t, core.DenyNew, p.Eviction)
	assert.Equal(t, 12*time.Hour, p.SessionTTL)
	assert.Equal(t, 30*24*time.Hour, p.HistoryWindow)
	assert.Equal(t, 5, p.BanThreshold)
	assert.Equal(t, 7*24*time.Hour, p.BanTTL)
	assert.Equal(t, 5*time.Minute, p.TouchInterval)
	assert.True(t, p.IgnoreDeniedAttempts)

	h, err := cfg.HistoryConfig()
	require.NoError(t, err)
	assert.Equal(t, 60*24*time.Hour, h.Retention)

	rc := cfg.RevocationCacheConfig()
	assert.Equal(t, int64(1000), rc.NumCounters)
	assert.Equal(t, int64(100), rc.MaxCost)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logger.DebugLevel, lc.Level)
	assert.Equal(t, logger.JSONFormat, lc.Format)
	require.NotNil(t, lc.Rotation)
	assert.Equal(t, 3, lc.Rotation.MaxBackups)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("sessiongate.hcl", []byte(`storage "inmem" {}`))
	require.NoError(t, err)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultPolicy(), p)

	h, err := cfg.HistoryConfig()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultAbuseHistoryConfig(), h)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logger.InfoLevel, lc.Level)
	assert.Nil(t, lc.Rotation)
}

func TestParse_PermanentBanAndDisabledThreshold(t *testing.T) {
	cfg, err := Parse("sessiongate.hcl", []byte(`
storage "inmem" {}
admission {
  ban_threshold = 0
  ban_ttl       = "0"
}
`))
	require.NoError(t, err)
	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Zero(t, p.BanThreshold)
	assert.Zero(t, p.BanTTL)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing storage":  `log_level = "info"`,
		"bad eviction":     "storage \"inmem\" {}\nadmission {\n  eviction_policy = \"lru\"\n}\n",
		"too many origins": "storage \"inmem\" {}\nadmission {\n  max_active_origins = 11\n}\n",
		"bad duration":     "storage \"inmem\" {}\nadmission {\n  session_ttl = \"soon\"\n}\n",
		"bad retention":    "storage \"inmem\" {}\nhistory {\n  retention = \"x\"\n}\n",
		"unknown attr":     "storage \"inmem\" {}\nbogus = 1\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("sessiongate.hcl", []byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiongate.hcl")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}
