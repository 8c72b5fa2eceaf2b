package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/armon/go-radix"
	"github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/copystructure"
	log "github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

var _ physical.Backend = (*InmemBackend)(nil)

var (
	ErrPutDisabled    = errors.New("put operations disabled in inmem storage")
	ErrGetDisabled    = errors.New("get operations disabled in inmem storage")
	ErrDeleteDisabled = errors.New("delete operations disabled in inmem storage")
	ErrListDisabled   = errors.New("list operations disabled in inmem storage")
)

// Config holds the options accepted in the storage block.
type Config struct {
	MaxValueSize int  `mapstructure:"max_value_size"`
	MaxParallel  int  `mapstructure:"max_parallel"`
	LogOps       bool `mapstructure:"log_ops"`
}

// shard is one stripe of the keyspace. Keys are assigned to shards by the
// same BLAKE2b-derived index used for lock striping, so two keys only
// contend when they hash to the same stripe.
type shard struct {
	physical.LockEntry
	root *radix.Tree
}

type inmemEntry struct {
	Value     []byte
	ExpiresAt time.Time
}

// InmemBackend is an in-memory only Backend. It is useful for testing,
// development and single-node deployments where the data is not expected to
// be durable.
type InmemBackend struct {
	shards       []*shard
	permitPool   *physical.PermitPool
	logger       log.Logger
	now          func() time.Time
	failGet      *uint32
	failPut      *uint32
	failDelete   *uint32
	failList     *uint32
	closed       *uint32
	logOps       bool
	maxValueSize int
}

// NewInmem constructs a new in-memory backend.
func NewInmem(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	var cfg Config
	if len(conf) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(conf); err != nil {
			return nil, fmt.Errorf("invalid inmem storage config: %w", err)
		}
	}

	shards := make([]*shard, physical.LockCount)
	for i := range shards {
		shards[i] = &shard{root: radix.New()}
	}

	return &InmemBackend{
		shards:       shards,
		permitPool:   physical.NewPermitPool(cfg.MaxParallel),
		logger:       logger,
		now:          time.Now,
		failGet:      new(uint32),
		failPut:      new(uint32),
		failDelete:   new(uint32),
		failList:     new(uint32),
		closed:       new(uint32),
		logOps:       cfg.LogOps,
		maxValueSize: cfg.MaxValueSize,
	}, nil
}

// SetClock replaces the clock used for expiry decisions.
func (i *InmemBackend) SetClock(now func() time.Time) {
	i.now = now
}

func (i *InmemBackend) shardFor(key string) *shard {
	return i.shards[physical.LockIndexForKey(key)]
}

func (i *InmemBackend) begin(ctx context.Context, op, key string, fail *uint32, failErr error) error {
	if atomic.LoadUint32(i.closed) != 0 {
		return physical.ErrBackendClosed
	}
	if i.logOps && i.logger != nil {
		i.logger.Trace(op, log.String("key", key))
	}
	if fail != nil && atomic.LoadUint32(fail) != 0 {
		return failErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return i.permitPool.Acquire(ctx)
}

// Get is used to fetch an entry
func (i *InmemBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	if err := i.begin(ctx, "get", key, i.failGet, ErrGetDisabled); err != nil {
		return nil, err
	}
	defer i.permitPool.Release()

	s := i.shardFor(key)
	s.RLock()
	defer s.RUnlock()

	return i.getLocked(s, key)
}

func (i *InmemBackend) getLocked(s *shard, key string) (*physical.Entry, error) {
	raw, ok := s.root.Get(key)
	if !ok {
		return nil, nil
	}
	stored := raw.(*inmemEntry)
	if !stored.ExpiresAt.IsZero() && !i.now().Before(stored.ExpiresAt) {
		// Expired entries are purged by the next write to the stripe.
		return nil, nil
	}
	cp, err := copystructure.Copy(stored)
	if err != nil {
		return nil, err
	}
	c := cp.(*inmemEntry)
	return &physical.Entry{Key: key, Value: c.Value, ExpiresAt: c.ExpiresAt}, nil
}

// Put is used to insert or update an entry
func (i *InmemBackend) Put(ctx context.Context, entry *physical.Entry) error {
	if entry == nil {
		return errors.New("cannot write nil entry")
	}
	if err := i.begin(ctx, "put", entry.Key, i.failPut, ErrPutDisabled); err != nil {
		return err
	}
	defer i.permitPool.Release()

	s := i.shardFor(entry.Key)
	s.Lock()
	defer s.Unlock()

	return i.putLocked(s, entry)
}

func (i *InmemBackend) putLocked(s *shard, entry *physical.Entry) error {
	if i.maxValueSize > 0 && len(entry.Value) > i.maxValueSize {
		return fmt.Errorf("%s", physical.ErrValueTooLarge)
	}
	if entry.Expired(i.now()) {
		s.root.Delete(entry.Key)
		return nil
	}
	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)
	s.root.Insert(entry.Key, &inmemEntry{Value: value, ExpiresAt: entry.ExpiresAt})
	return nil
}

// Delete is used to permanently delete an entry
func (i *InmemBackend) Delete(ctx context.Context, key string) error {
	if err := i.begin(ctx, "delete", key, i.failDelete, ErrDeleteDisabled); err != nil {
		return err
	}
	defer i.permitPool.Release()

	s := i.shardFor(key)
	s.Lock()
	defer s.Unlock()

	s.root.Delete(key)
	return nil
}

// List returns every live key beneath prefix, prefix stripped, sorted.
func (i *InmemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := i.begin(ctx, "list", prefix, i.failList, ErrListDisabled); err != nil {
		return nil, err
	}
	defer i.permitPool.Release()

	now := i.now()
	var out []string
	for _, s := range i.shards {
		s.RLock()
		s.root.WalkPrefix(prefix, func(k string, v interface{}) bool {
			e := v.(*inmemEntry)
			if e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt) {
				out = append(out, k[len(prefix):])
			}
			return false
		})
		s.RUnlock()
	}
	sort.Strings(out)
	return out, nil
}

// Update applies fn while holding the key's stripe lock, so concurrent
// updates of the same key are serialized and never observe a torn state.
func (i *InmemBackend) Update(ctx context.Context, key string, fn physical.UpdateFunc) error {
	if err := i.begin(ctx, "update", key, i.failPut, ErrPutDisabled); err != nil {
		return err
	}
	defer i.permitPool.Release()

	s := i.shardFor(key)
	s.Lock()
	defer s.Unlock()

	if atomic.LoadUint32(i.failGet) != 0 {
		return ErrGetDisabled
	}
	current, err := i.getLocked(s, key)
	if err != nil {
		return err
	}
	if current == nil {
		// Drop an expired leftover so the stripe does not accumulate garbage.
		s.root.Delete(key)
	}

	next, err := fn(current)
	switch {
	case errors.Is(err, physical.ErrNoChange):
		return nil
	case err != nil:
		return err
	case next == nil:
		s.root.Delete(key)
		return nil
	}
	next.Key = key
	return i.putLocked(s, next)
}

// Purge drops every expired entry. The backend never needs it for
// correctness; long-running processes call it to bound memory.
func (i *InmemBackend) Purge(ctx context.Context) int {
	now := i.now()
	purged := 0
	for _, s := range i.shards {
		if ctx.Err() != nil {
			break
		}
		s.Lock()
		var expired []string
		s.root.Walk(func(k string, v interface{}) bool {
			e := v.(*inmemEntry)
			if !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
				expired = append(expired, k)
			}
			return false
		})
		for _, k := range expired {
			s.root.Delete(k)
		}
		s.Unlock()
		purged += len(expired)
	}
	return purged
}

// Close marks the backend closed; subsequent operations fail.
func (i *InmemBackend) Close() error {
	atomic.StoreUint32(i.closed, 1)
	return nil
}

func setFlag(flag *uint32, fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(flag, val)
}

func (i *InmemBackend) FailGet(fail bool)    { setFlag(i.failGet, fail) }
func (i *InmemBackend) FailPut(fail bool)    { setFlag(i.failPut, fail) }
func (i *InmemBackend) FailDelete(fail bool) { setFlag(i.failDelete, fail) }
func (i *InmemBackend) FailList(fail bool)   { setFlag(i.failList, fail) }
