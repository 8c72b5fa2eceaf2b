package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

// Storage path constants for token bindings
const (
	tokenStorePath   = "token/"   // token id -> binding
	bindingStorePath = "binding/" // user -> bindings index
)

// TokenBinding records the origin a token was issued to. TokenID is the
// hash of the token; raw tokens are never stored.
type TokenBinding struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	Origin    string    `json:"origin"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token has reached its natural expiry
func (b *TokenBinding) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

type bindingIndex struct {
	Tokens []*TokenBinding `json:"tokens"`
}

// TokenBinder keeps the token to origin association needed for targeted
// revocation. Each binding lives exactly as long as its token.
type TokenBinder struct {
	tokens   physical.Backend
	bindings physical.Backend
	logger   logger.Logger
	now      func() time.Time
}

// NewTokenBinder creates a token binder over the given backend
func NewTokenBinder(backend physical.Backend, log logger.Logger, now func() time.Time) *TokenBinder {
	if now == nil {
		now = time.Now
	}
	return &TokenBinder{
		tokens:   physical.NewView(backend, tokenStorePath),
		bindings: physical.NewView(backend, bindingStorePath),
		logger:   log.WithSubsystem("binder"),
		now:      now,
	}
}

func decodeBindingIndex(entry *physical.Entry) (*bindingIndex, error) {
	idx := &bindingIndex{}
	if entry == nil {
		return idx, nil
	}
	if err := json.Unmarshal(entry.Value, idx); err != nil {
		return nil, fmt.Errorf("failed to decode binding index: %w", err)
	}
	return idx, nil
}

func encodeBindingIndex(userID string, idx *bindingIndex) (*physical.Entry, error) {
	if len(idx.Tokens) == 0 {
		return nil, nil
	}
	value, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode binding index: %w", err)
	}
	var latest time.Time
	for _, b := range idx.Tokens {
		if b.ExpiresAt.After(latest) {
			latest = b.ExpiresAt
		}
	}
	return &physical.Entry{Key: userID, Value: value, ExpiresAt: latest}, nil
}

// Bind records that token was issued to (userID, origin) and expires after
// ttl, which must be the token's own remaining lifetime.
func (t *TokenBinder) Bind(ctx context.Context, userID, origin, token string, ttl time.Duration) (*TokenBinding, error) {
	if userID == "" || origin == "" || token == "" {
		return nil, fmt.Errorf("%w: user, origin and token are required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: token ttl must be positive", ErrInvalidArgument)
	}

	now := t.now()
	binding := &TokenBinding{
		TokenID:   physical.HashKey(token),
		UserID:    userID,
		Origin:    origin,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	value, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token binding: %w", err)
	}
	if err := t.tokens.Put(ctx, &physical.Entry{
		Key:       binding.TokenID,
		Value:     value,
		ExpiresAt: binding.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to store token binding: %w", err)
	}

	err = t.bindings.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		idx, err := decodeBindingIndex(current)
		if err != nil {
			return nil, err
		}
		now := t.now()
		kept := idx.Tokens[:0]
		for _, b := range idx.Tokens {
			if b.TokenID != binding.TokenID && !b.Expired(now) {
				kept = append(kept, b)
			}
		}
		idx.Tokens = append(kept, binding)
		return encodeBindingIndex(userID, idx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index token binding: %w", err)
	}
	return binding, nil
}

// Lookup returns the binding of token, or nil if it is unknown or expired
func (t *TokenBinder) Lookup(ctx context.Context, token string) (*TokenBinding, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidArgument)
	}
	entry, err := t.tokens.Get(ctx, physical.HashKey(token))
	if err != nil {
		return nil, fmt.Errorf("failed to read token binding: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	binding := &TokenBinding{}
	if err := json.Unmarshal(entry.Value, binding); err != nil {
		return nil, fmt.Errorf("failed to decode token binding: %w", err)
	}
	if binding.Expired(t.now()) {
		return nil, nil
	}
	return binding, nil
}

// TokensForUser returns every live binding of the user
func (t *TokenBinder) TokensForUser(ctx context.Context, userID string) ([]*TokenBinding, error) {
	entry, err := t.bindings.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read binding index: %w", err)
	}
	idx, err := decodeBindingIndex(entry)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := make([]*TokenBinding, 0, len(idx.Tokens))
	for _, b := range idx.Tokens {
		if !b.Expired(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

// TokensForOrigin returns every live binding of the user issued to origin.
// A user may hold several tokens from the same origin.
func (t *TokenBinder) TokensForOrigin(ctx context.Context, userID, origin string) ([]*TokenBinding, error) {
	all, err := t.TokensForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.Origin == origin {
			out = append(out, b)
		}
	}
	return out, nil
}

// Unbind removes the bindings with the given token ids
func (t *TokenBinder) Unbind(ctx context.Context, userID string, tokenIDs ...string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		drop[id] = struct{}{}
	}

	err := t.bindings.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		if current == nil {
			return nil, physical.ErrNoChange
		}
		idx, err := decodeBindingIndex(current)
		if err != nil {
			return nil, err
		}
		kept := idx.Tokens[:0]
		for _, b := range idx.Tokens {
			if _, ok := drop[b.TokenID]; !ok {
				kept = append(kept, b)
			}
		}
		if len(kept) == len(idx.Tokens) {
			return nil, physical.ErrNoChange
		}
		idx.Tokens = kept
		return encodeBindingIndex(userID, idx)
	})
	if err != nil {
		return fmt.Errorf("failed to unbind tokens: %w", err)
	}

	for id := range drop {
		if err := t.tokens.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete token binding: %w", err)
		}
	}
	return nil
}
