package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
	"golang.org/x/sync/singleflight"
)

const revokedStorePath = "revoked/"

// RevocationCacheConfig sizes the in-process cache of revoked tokens
type RevocationCacheConfig struct {
	NumCounters int64 // Number of keys to track frequency
	MaxCost     int64 // Maximum number of cached revocations
}

// DefaultRevocationCacheConfig returns the default configuration
func DefaultRevocationCacheConfig() *RevocationCacheConfig {
	return &RevocationCacheConfig{
		NumCounters: 1e5,
		MaxCost:     1e4,
	}
}

// RevokedToken is kept until the token would have expired on its own.
type RevokedToken struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RevocationList is the set of explicitly revoked tokens. IsRevoked sits on
// the request path: positive answers are cached until the token expires and
// concurrent misses for the same token share one backend read.
type RevocationList struct {
	storage physical.Backend
	binder  *TokenBinder
	cache   *ristretto.Cache[string, time.Time] // token id -> expires at
	group   singleflight.Group
	logger  logger.Logger
	now     func() time.Time
}

// NewRevocationList creates a revocation list. backend may differ from the
// one the binder uses.
func NewRevocationList(backend physical.Backend, binder *TokenBinder, config *RevocationCacheConfig, log logger.Logger, now func() time.Time) (*RevocationList, error) {
	if config == nil {
		config = DefaultRevocationCacheConfig()
	}
	if now == nil {
		now = time.Now
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
		NumCounters: config.NumCounters,
		MaxCost:     config.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation cache: %w", err)
	}

	return &RevocationList{
		storage: physical.NewView(backend, revokedStorePath),
		binder:  binder,
		cache:   cache,
		logger:  log.WithSubsystem("revocation"),
		now:     now,
	}, nil
}

// Revoke revokes a bound token until its natural expiry. Unknown or already
// expired tokens are left alone and Revoke returns false.
func (r *RevocationList) Revoke(ctx context.Context, token string) (bool, error) {
	binding, err := r.binder.Lookup(ctx, token)
	if err != nil {
		return false, err
	}
	if binding == nil {
		return false, nil
	}
	if err := r.revokeBinding(ctx, binding); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeUntil revokes a token whose binding is unknown, for example one
// issued before bindings were recorded. expiresAt must be the token's
// natural expiry.
func (r *RevocationList) RevokeUntil(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidArgument)
	}
	return r.put(ctx, &RevokedToken{
		TokenID:   physical.HashKey(token),
		ExpiresAt: expiresAt,
	})
}

func (r *RevocationList) revokeBinding(ctx context.Context, b *TokenBinding) error {
	return r.put(ctx, &RevokedToken{
		TokenID:   b.TokenID,
		UserID:    b.UserID,
		Origin:    b.Origin,
		ExpiresAt: b.ExpiresAt,
	})
}

func (r *RevocationList) put(ctx context.Context, rt *RevokedToken) error {
	now := r.now()
	if !now.Before(rt.ExpiresAt) {
		return nil
	}
	rt.RevokedAt = now

	value, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("failed to encode revoked token: %w", err)
	}
	if err := r.storage.Put(ctx, &physical.Entry{
		Key:       rt.TokenID,
		Value:     value,
		ExpiresAt: rt.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("failed to store revoked token: %w", err)
	}
	r.cache.SetWithTTL(rt.TokenID, rt.ExpiresAt, 1, rt.ExpiresAt.Sub(now))

	r.logger.Debug("token revoked",
		logger.String("user_id", rt.UserID),
		logger.String("origin", rt.Origin),
		logger.Time("expires_at", rt.ExpiresAt))
	return nil
}

// IsRevoked reports whether token has been revoked and has not yet reached
// its natural expiry. When the backend cannot be read it returns true
// together with the error.
func (r *RevocationList) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("%w: token is required", ErrInvalidArgument)
	}
	id := physical.HashKey(token)
	now := r.now()

	if expiresAt, ok := r.cache.Get(id); ok && now.Before(expiresAt) {
		return true, nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		entry, err := r.storage.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		rt := &RevokedToken{}
		if err := json.Unmarshal(entry.Value, rt); err != nil {
			return nil, fmt.Errorf("failed to decode revoked token: %w", err)
		}
		return rt, nil
	})
	if err != nil {
		return true, fmt.Errorf("failed to read revocation list: %w", err)
	}

	rt, _ := v.(*RevokedToken)
	if rt == nil || !now.Before(rt.ExpiresAt) {
		return false, nil
	}
	r.cache.SetWithTTL(id, rt.ExpiresAt, 1, rt.ExpiresAt.Sub(now))
	return true, nil
}

// Close releases the cache
func (r *RevocationList) Close() {
	r.cache.Close()
}
