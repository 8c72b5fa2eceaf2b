package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

var _ physical.Backend = (*RedisBackend)(nil)

const (
	defaultPrefix     = "sessiongate/"
	defaultMaxRetries = 8
	defaultScanCount  = 256
)

// Config holds the options accepted in the storage block.
type Config struct {
	Address      string        `mapstructure:"address"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	Prefix       string        `mapstructure:"prefix"`
	MaxRetries   int           `mapstructure:"max_retries"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisBackend stores entries as plain Redis strings. Expiry is delegated
// to Redis (PX), and Update is an optimistic WATCH/MULTI transaction.
type RedisBackend struct {
	client     goredis.UniversalClient
	prefix     string
	maxRetries int
	permitPool *physical.PermitPool
	logger     log.Logger
	owned      bool
}

// NewRedis builds a backend from a storage block config map.
func NewRedis(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	cfg, err := parseConfig(conf)
	if err != nil {
		return nil, err
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	b := NewWithClient(client, cfg, logger)
	b.owned = true

	logger.Info("redis storage initialized",
		log.String("address", cfg.Address),
		log.String("prefix", b.prefix),
		log.Int("db", cfg.DB))

	return b, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client; Close on the backend does not close it.
func NewWithClient(client goredis.UniversalClient, cfg Config, logger log.Logger) *RedisBackend {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &RedisBackend{
		client:     client,
		prefix:     cfg.Prefix,
		maxRetries: cfg.MaxRetries,
		permitPool: physical.NewPermitPool(cfg.MaxParallel),
		logger:     logger,
	}
}

func parseConfig(conf map[string]string) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(conf); err != nil {
		return cfg, fmt.Errorf("invalid redis storage config: %w", err)
	}
	if cfg.Address == "" {
		return cfg, errors.New("redis storage requires an address")
	}
	return cfg, nil
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

// ttlFor converts an absolute expiry to the relative TTL Redis expects.
// ok is false when the entry is already expired.
func ttlFor(expiresAt time.Time) (ttl time.Duration, ok bool) {
	if expiresAt.IsZero() {
		return 0, true
	}
	ttl = time.Until(expiresAt)
	if ttl <= 0 {
		return 0, false
	}
	// Redis PX has millisecond resolution; never round down to "no expiry".
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl, true
}

// pipeliner is satisfied by both the client and a WATCH transaction.
type pipeliner interface {
	Pipeline() goredis.Pipeliner
}

func (r *RedisBackend) read(ctx context.Context, c pipeliner, key string) (*physical.Entry, error) {
	full := r.key(key)
	pipe := c.Pipeline()
	getCmd := pipe.Get(ctx, full)
	ttlCmd := pipe.PTTL(ctx, full)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	value, err := getCmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &physical.Entry{Key: key, Value: value}
	if ttl := ttlCmd.Val(); ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	return entry, nil
}

// Get is used to fetch an entry
func (r *RedisBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	if err := r.permitPool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.permitPool.Release()

	return r.read(ctx, r.client, key)
}

// Put is used to insert or update an entry
func (r *RedisBackend) Put(ctx context.Context, entry *physical.Entry) error {
	if entry == nil {
		return errors.New("cannot write nil entry")
	}
	if err := r.permitPool.Acquire(ctx); err != nil {
		return err
	}
	defer r.permitPool.Release()

	ttl, ok := ttlFor(entry.ExpiresAt)
	if !ok {
		return r.client.Del(ctx, r.key(entry.Key)).Err()
	}
	return r.client.Set(ctx, r.key(entry.Key), entry.Value, ttl).Err()
}

// Delete is used to permanently delete an entry
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.permitPool.Acquire(ctx); err != nil {
		return err
	}
	defer r.permitPool.Release()

	return r.client.Del(ctx, r.key(key)).Err()
}

// List walks the keyspace with SCAN. It is meant for operator tooling, not
// for request paths.
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := r.permitPool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.permitPool.Release()

	full := r.key(prefix)
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, escapeGlob(full)+"*", defaultScanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, full)] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Update runs fn inside a WATCH/MULTI transaction. When another client
// modifies the key between the read and the commit the transaction is
// replayed, up to max_retries times.
func (r *RedisBackend) Update(ctx context.Context, key string, fn physical.UpdateFunc) error {
	if err := r.permitPool.Acquire(ctx); err != nil {
		return err
	}
	defer r.permitPool.Release()

	full := r.key(key)
	txf := func(tx *goredis.Tx) error {
		current, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, full)
				return nil
			}
			ttl, ok := ttlFor(next.ExpiresAt)
			if !ok {
				pipe.Del(ctx, full)
				return nil
			}
			pipe.Set(ctx, full, next.Value, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, full)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, physical.ErrNoChange):
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			r.logger.Debug("redis update conflict, retrying",
				log.String("key", key),
				log.Int("attempt", attempt+1))
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("%w: key %q after %d attempts", physical.ErrConflict, key, r.maxRetries)
}

// Close closes the client when the backend created it.
func (r *RedisBackend) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(s)
}
