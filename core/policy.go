package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPolicy is returned when an admission policy is out of range
	ErrInvalidPolicy = errors.New("invalid admission policy")

	// ErrInvalidArgument is returned for empty identifiers or non-positive lifetimes
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTokenNotBound is returned when a token has no recorded binding
	ErrTokenNotBound = errors.New("token is not bound to an origin")
)

// Bounds on Policy.MaxActiveOrigins
const (
	MinActiveOriginsLimit = 1
	MaxActiveOriginsLimit = 10
)

// EvictionPolicy decides what happens when a new origin arrives at capacity.
type EvictionPolicy int

const (
	// DenyNew rejects the new origin and leaves the active set unchanged
	DenyNew EvictionPolicy = iota
	// EvictOldest drops the least recently seen origin to make room
	EvictOldest
)

// String returns the configuration name of the policy
func (p EvictionPolicy) String() string {
	switch p {
	case DenyNew:
		return "deny_new"
	case EvictOldest:
		return "evict_oldest"
	default:
		return fmt.Sprintf("eviction_policy(%d)", int(p))
	}
}

// ParseEvictionPolicy parses "deny_new" or "evict_oldest".
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deny_new", "deny-new":
		return DenyNew, nil
	case "evict_oldest", "evict-oldest":
		return EvictOldest, nil
	default:
		return DenyNew, fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidPolicy, s)
	}
}

// Policy is the per-invocation admission configuration.
type Policy struct {
	// MaxActiveOrigins caps concurrently active origins per user, in [1,10]
	MaxActiveOrigins int

	Eviction EvictionPolicy

	// SessionTTL is how long a session stays active without being seen
	SessionTTL time.Duration

	// HistoryWindow is the trailing window for distinct origin counting
	HistoryWindow time.Duration

	// BanThreshold bans the user once distinct origins in the window exceed
	// it. Zero or negative disables abuse bans.
	BanThreshold int

	// BanTTL is the duration of an abuse ban. Zero means permanent.
	BanTTL time.Duration

	// TouchInterval is the minimum time between two LastSeenAt writes for
	// the same session
	TouchInterval time.Duration

	// IgnoreDeniedAttempts keeps denied logins out of the abuse history
	IgnoreDeniedAttempts bool
}

// DefaultPolicy returns the policy used when the caller provides none
func DefaultPolicy() *Policy {
	return &Policy{
		MaxActiveOrigins: 3,
		Eviction:         EvictOldest,
		SessionTTL:       24 * time.Hour,
		HistoryWindow:    30 * 24 * time.Hour,
		BanThreshold:     10,
		BanTTL:           0,
		TouchInterval:    5 * time.Minute,
	}
}

// Validate checks the policy ranges
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: policy is nil", ErrInvalidPolicy)
	}
	if p.MaxActiveOrigins < MinActiveOriginsLimit || p.MaxActiveOrigins > MaxActiveOriginsLimit {
		return fmt.Errorf("%w: max_active_origins must be between %d and %d, got %d",
			ErrInvalidPolicy, MinActiveOriginsLimit, MaxActiveOriginsLimit, p.MaxActiveOrigins)
	}
	if p.Eviction != DenyNew && p.Eviction != EvictOldest {
		return fmt.Errorf("%w: unknown eviction policy %s", ErrInvalidPolicy, p.Eviction)
	}
	if p.SessionTTL <= 0 {
		return fmt.Errorf("%w: session_ttl must be positive", ErrInvalidPolicy)
	}
	if p.HistoryWindow <= 0 {
		return fmt.Errorf("%w: history_window must be positive", ErrInvalidPolicy)
	}
	if p.BanTTL < 0 {
		return fmt.Errorf("%w: ban_ttl must not be negative", ErrInvalidPolicy)
	}
	if p.TouchInterval < 0 {
		return fmt.Errorf("%w: touch_interval must not be negative", ErrInvalidPolicy)
	}
	return nil
}

func (p *Policy) admitOptions() AdmitOptions {
	return AdmitOptions{
		MaxActive:     p.MaxActiveOrigins,
		Eviction:      p.Eviction,
		TTL:           p.SessionTTL,
		TouchInterval: p.TouchInterval,
	}
}
