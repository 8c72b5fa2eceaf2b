package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

// Storage path constants for the session store
const (
	sessionStorePath = "session/" // one document per user
)

// Session is one active (user, origin) pair.
type Session struct {
	Origin     string    `json:"origin"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Active reports whether the session has been seen within ttl. A session is
// still active at exactly ttl.
func (s *Session) Active(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastSeenAt) <= ttl
}

// sessionSet is the per-user document. Capacity checks and inserts operate on
// the whole set inside one backend Update.
type sessionSet struct {
	Sessions []*Session `json:"sessions"`
}

// AdmitOptions are the policy knobs the session store needs for one admission.
type AdmitOptions struct {
	// MaxActive caps the number of active origins. Zero means unbounded.
	MaxActive     int
	Eviction      EvictionPolicy
	TTL           time.Duration
	TouchInterval time.Duration
}

// AdmitResult describes what Admit did to the user's session set.
type AdmitResult struct {
	Admitted  bool
	Inserted  bool   // a new origin was added
	Refreshed bool   // origin was already active
	Touched   bool   // LastSeenAt was written
	Evicted   []*Session // sessions evicted to make room, oldest first
	Active    int        // active sessions after the operation
}

// EvictedOrigins returns the origins of the evicted sessions
func (r *AdmitResult) EvictedOrigins() []string {
	if len(r.Evicted) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.Evicted))
	for _, s := range r.Evicted {
		out = append(out, s.Origin)
	}
	return out
}

// SessionStore is the bounded per-user set of active origins.
type SessionStore struct {
	storage physical.Backend
	logger  logger.Logger
	now     func() time.Time
}

// NewSessionStore creates a session store over the given backend
func NewSessionStore(backend physical.Backend, log logger.Logger, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		storage: physical.NewView(backend, sessionStorePath),
		logger:  log.WithSubsystem("session"),
		now:     now,
	}
}

func decodeSessionSet(entry *physical.Entry) (*sessionSet, error) {
	set := &sessionSet{}
	if entry == nil {
		return set, nil
	}
	if err := json.Unmarshal(entry.Value, set); err != nil {
		return nil, fmt.Errorf("failed to decode session set: %w", err)
	}
	return set, nil
}

func encodeSessionSet(userID string, set *sessionSet, ttl time.Duration) (*physical.Entry, error) {
	if len(set.Sessions) == 0 {
		return nil, nil
	}
	value, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session set: %w", err)
	}
	var latest time.Time
	for _, s := range set.Sessions {
		if s.LastSeenAt.After(latest) {
			latest = s.LastSeenAt
		}
	}
	// The backend entry must outlive the last session, which is still
	// active at exactly LastSeenAt + ttl.
	return &physical.Entry{
		Key:       userID,
		Value:     value,
		ExpiresAt: latest.Add(ttl + time.Millisecond),
	}, nil
}

// prune drops sessions idle for longer than ttl and reports whether it
// removed anything.
func (set *sessionSet) prune(now time.Time, ttl time.Duration) bool {
	kept := set.Sessions[:0]
	for _, s := range set.Sessions {
		if s.Active(now, ttl) {
			kept = append(kept, s)
		}
	}
	pruned := len(kept) != len(set.Sessions)
	set.Sessions = kept
	return pruned
}

func (set *sessionSet) find(origin string) int {
	for i, s := range set.Sessions {
		if s.Origin == origin {
			return i
		}
	}
	return -1
}

// oldest returns the index of the least recently seen session. Ties go to
// the earliest created, then to the smallest origin.
func (set *sessionSet) oldest() int {
	idx := -1
	for i, s := range set.Sessions {
		if idx < 0 {
			idx = i
			continue
		}
		o := set.Sessions[idx]
		switch {
		case s.LastSeenAt.Before(o.LastSeenAt):
			idx = i
		case s.LastSeenAt.Equal(o.LastSeenAt) && s.CreatedAt.Before(o.CreatedAt):
			idx = i
		case s.LastSeenAt.Equal(o.LastSeenAt) && s.CreatedAt.Equal(o.CreatedAt) && s.Origin < o.Origin:
			idx = i
		}
	}
	return idx
}

// Admit decides, in one atomic read-modify-write of the user's session set,
// whether origin may hold an active session. Expired sessions are pruned
// first. An active origin is refreshed, a new one is inserted while below
// capacity, and at capacity the eviction policy applies. EvictOldest evicts
// as many sessions as needed to bring the set under MaxActive, which matters
// when the cap was lowered since the sessions were admitted.
func (s *SessionStore) Admit(ctx context.Context, userID, origin string, opts AdmitOptions) (*AdmitResult, error) {
	if userID == "" || origin == "" {
		return nil, fmt.Errorf("%w: user and origin are required", ErrInvalidArgument)
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("%w: session ttl must be positive", ErrInvalidArgument)
	}

	var result *AdmitResult
	err := s.storage.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		// Update may replay fn on conflict, so every run starts fresh.
		result = &AdmitResult{}
		now := s.now()

		set, err := decodeSessionSet(current)
		if err != nil {
			return nil, err
		}
		dirty := set.prune(now, opts.TTL)

		if i := set.find(origin); i >= 0 {
			result.Admitted = true
			result.Refreshed = true
			sess := set.Sessions[i]
			if now.Sub(sess.LastSeenAt) >= opts.TouchInterval {
				sess.LastSeenAt = now
				result.Touched = true
				dirty = true
			}
		} else {
			if opts.MaxActive > 0 && len(set.Sessions) >= opts.MaxActive {
				if opts.Eviction != EvictOldest {
					result.Active = len(set.Sessions)
					if !dirty {
						return nil, physical.ErrNoChange
					}
					return encodeSessionSet(userID, set, opts.TTL)
				}
				for len(set.Sessions) >= opts.MaxActive {
					i := set.oldest()
					result.Evicted = append(result.Evicted, set.Sessions[i])
					set.Sessions = append(set.Sessions[:i], set.Sessions[i+1:]...)
				}
			}
			set.Sessions = append(set.Sessions, &Session{
				Origin:     origin,
				CreatedAt:  now,
				LastSeenAt: now,
			})
			result.Admitted = true
			result.Inserted = true
			dirty = true
		}

		result.Active = len(set.Sessions)
		if !dirty {
			return nil, physical.ErrNoChange
		}
		return encodeSessionSet(userID, set, opts.TTL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to admit session: %w", err)
	}

	for _, evicted := range result.Evicted {
		s.logger.Debug("evicted oldest session",
			logger.String("user_id", userID),
			logger.String("evicted_origin", evicted.Origin),
			logger.String("origin", origin))
	}
	return result, nil
}

// Revert undoes an admission that inserted origin: the session is removed
// and the sessions it evicted are put back, most recently seen first. A
// session is not restored if its origin is active again, if it expired in
// the meantime, or if a concurrent admission took its slot. It returns the
// number of active sessions after the revert.
func (s *SessionStore) Revert(ctx context.Context, userID, origin string, evicted []*Session, opts AdmitOptions) (int, error) {
	var active int
	err := s.storage.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		now := s.now()
		set, err := decodeSessionSet(current)
		if err != nil {
			return nil, err
		}
		set.prune(now, opts.TTL)
		if i := set.find(origin); i >= 0 {
			set.Sessions = append(set.Sessions[:i], set.Sessions[i+1:]...)
		}
		for i := len(evicted) - 1; i >= 0; i-- {
			e := evicted[i]
			if opts.MaxActive > 0 && len(set.Sessions) >= opts.MaxActive {
				break
			}
			if !e.Active(now, opts.TTL) || set.find(e.Origin) >= 0 {
				continue
			}
			restored := *e
			set.Sessions = append(set.Sessions, &restored)
		}
		active = len(set.Sessions)
		return encodeSessionSet(userID, set, opts.TTL)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revert session: %w", err)
	}
	return active, nil
}

// Upsert inserts origin or refreshes it, without any capacity check. The
// refresh write is skipped when the session was touched within touch.
func (s *SessionStore) Upsert(ctx context.Context, userID, origin string, ttl, touch time.Duration) error {
	_, err := s.Admit(ctx, userID, origin, AdmitOptions{
		TTL:           ttl,
		TouchInterval: touch,
	})
	return err
}

// Remove deletes the session for origin. It reports whether a session was
// stored for origin; removing an absent session is not an error.
func (s *SessionStore) Remove(ctx context.Context, userID, origin string) (bool, error) {
	var removed bool
	err := s.storage.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		removed = false
		if current == nil {
			return nil, physical.ErrNoChange
		}
		set, err := decodeSessionSet(current)
		if err != nil {
			return nil, err
		}
		i := set.find(origin)
		if i < 0 {
			return nil, physical.ErrNoChange
		}
		removed = true
		set.Sessions = append(set.Sessions[:i], set.Sessions[i+1:]...)
		if len(set.Sessions) == 0 {
			return nil, nil
		}
		value, err := json.Marshal(set)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session set: %w", err)
		}
		// Removing a session never extends the life of the others.
		return &physical.Entry{Key: userID, Value: value, ExpiresAt: current.ExpiresAt}, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to remove session: %w", err)
	}
	return removed, nil
}

// Clear removes every session of the user and returns the origins that were
// stored.
func (s *SessionStore) Clear(ctx context.Context, userID string) ([]string, error) {
	var origins []string
	err := s.storage.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		origins = nil
		if current == nil {
			return nil, physical.ErrNoChange
		}
		set, err := decodeSessionSet(current)
		if err != nil {
			// A corrupt document is dropped rather than kept forever.
			s.logger.Warn("discarding unreadable session set",
				logger.String("user_id", userID),
				logger.Err(err))
			return nil, nil
		}
		for _, sess := range set.Sessions {
			origins = append(origins, sess.Origin)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clear sessions: %w", err)
	}
	return origins, nil
}

// List returns the user's sessions seen within ttl, most recently seen
// first. ttl must be the one admissions use so that both agree on which
// sessions are active.
func (s *SessionStore) List(ctx context.Context, userID string, ttl time.Duration) ([]*Session, error) {
	entry, err := s.storage.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	set, err := decodeSessionSet(entry)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]*Session, 0, len(set.Sessions))
	for _, sess := range set.Sessions {
		if sess.Active(now, ttl) {
			out = append(out, sess)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

// Count returns the number of sessions of the user seen within ttl.
func (s *SessionStore) Count(ctx context.Context, userID string, ttl time.Duration) (int, error) {
	sessions, err := s.List(ctx, userID, ttl)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}
