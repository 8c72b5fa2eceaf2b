package helpers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/config"
	"github.com/stephnangue/sessiongate/core"
	log "github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
	inmemStorage "github.com/stephnangue/sessiongate/physical/inmem"
	redisStorage "github.com/stephnangue/sessiongate/physical/redis"
)

// ConfigPath is bound to the global -c/--config flag
var ConfigPath string

// ConfigEnvVar names the environment variable used when no flag is given
const ConfigEnvVar = "SESSIONGATE_CONFIG"

// devConfig is used when no configuration file is given. State lives only
// for the duration of the command.
const devConfig = `storage "inmem" {}`

var storageBackends = map[string]physical.Factory{
	"inmem": inmemStorage.NewInmem,
	"redis": redisStorage.NewRedis,
}

// Runtime is everything a command needs to talk to the gate
type Runtime struct {
	Config *config.Config
	Gate   *core.SessionGate
	Logger log.Logger

	backends []physical.Backend
}

// LoadConfig loads the file named by --config or SESSIONGATE_CONFIG, falling
// back to an in-memory development configuration.
func LoadConfig() (*config.Config, error) {
	path := ConfigPath
	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path == "" {
		return config.Parse("dev.hcl", []byte(devConfig))
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// NewRuntime loads the configuration and builds the gate over the
// configured storage backends
func NewRuntime() (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewRuntimeFromConfig(cfg)
}

// NewRuntimeFromConfig builds the gate from an already loaded configuration
func NewRuntimeFromConfig(cfg *config.Config) (*Runtime, error) {
	logger := log.NewZerologLogger(cfg.LoggerConfig())
	r := &Runtime{Config: cfg, Logger: logger}

	storage, err := buildStorage(cfg.Storage, logger)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to construct the storage: %w", err)
	}
	r.backends = append(r.backends, storage)

	var revocationStorage physical.Backend
	if cfg.RevocationStorage != nil {
		revocationStorage, err = buildStorage(cfg.RevocationStorage, logger)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to construct the revocation storage: %w", err)
		}
		r.backends = append(r.backends, revocationStorage)
	}

	policy, err := cfg.Policy()
	if err != nil {
		r.Close()
		return nil, err
	}
	history, err := cfg.HistoryConfig()
	if err != nil {
		r.Close()
		return nil, err
	}

	gate, err := core.NewSessionGate(&core.GateConfig{
		Storage:           storage,
		RevocationStorage: revocationStorage,
		Logger:            logger,
		History:           history,
		RevocationCache:   cfg.RevocationCacheConfig(),
		Policy:            policy,
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to build session gate: %w", err)
	}
	r.Gate = gate

	logger.Debug("session gate ready",
		log.String("storage", cfg.Storage.Type),
		log.Int("max_active_origins", policy.MaxActiveOrigins),
		log.String("eviction_policy", policy.Eviction.String()))
	return r, nil
}

func buildStorage(block *config.StorageBlock, logger log.Logger) (physical.Backend, error) {
	// Ensure that a storage is provided
	if block == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	factory, exists := storageBackends[block.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", block.Type)
	}

	storage, err := factory(block.Config(), logger.WithSubsystem("storage."+block.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", block.Type, err)
	}
	return storage, nil
}

// Close releases the gate, the backends and the logger
func (r *Runtime) Close() error {
	var result *multierror.Error
	if r.Gate != nil {
		if err := r.Gate.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// RunWithGate builds a runtime, hands its gate to fn and closes it afterwards
func RunWithGate(cmd *cobra.Command, fn func(ctx context.Context, gate *core.SessionGate) error) error {
	r, err := NewRuntime()
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			r.Logger.Warn("failed to close runtime", log.Err(err))
		}
	}()
	return fn(cmd.Context(), r.Gate)
}

// FormatTime renders t for table output; the zero time prints as "-"
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
