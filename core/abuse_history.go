package core

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid"
	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

const (
	historyStorePath = "history/"

	defaultHistoryRetention = 90 * 24 * time.Hour
)

// AbuseHistoryConfig bounds the per-user origin history
type AbuseHistoryConfig struct {
	// Retention is how long an origin is remembered after it was last seen.
	// Windows longer than this cannot be answered exactly and are rejected.
	Retention time.Duration
}

// DefaultAbuseHistoryConfig returns the default configuration
func DefaultAbuseHistoryConfig() *AbuseHistoryConfig {
	return &AbuseHistoryConfig{
		Retention: defaultHistoryRetention,
	}
}

// Observation is the latest login attempt from one origin. The ULID carries
// the attempt time with millisecond precision.
type Observation struct {
	ID       ulid.ULID `json:"id"`
	Origin   string    `json:"origin"`
	Attempts int       `json:"attempts"` // attempts since the origin entered the history
}

// Time returns the time the origin was last seen
func (o Observation) Time() time.Time {
	return ulid.Time(o.ID.Time())
}

// observationLog keeps one observation per origin, so its size is bounded
// by the number of distinct origins seen within the retention and a distinct
// count never depends on how often each origin was seen.
type observationLog struct {
	Origins map[string]*Observation `json:"origins"`
}

// AbuseHistory is the per-user history of login origins.
type AbuseHistory struct {
	storage physical.Backend
	config  *AbuseHistoryConfig
	logger  logger.Logger
	now     func() time.Time
}

// NewAbuseHistory creates an abuse history tracker over the given backend
func NewAbuseHistory(backend physical.Backend, config *AbuseHistoryConfig, log logger.Logger, now func() time.Time) *AbuseHistory {
	if config == nil {
		config = DefaultAbuseHistoryConfig()
	}
	if config.Retention <= 0 {
		config.Retention = defaultHistoryRetention
	}
	if now == nil {
		now = time.Now
	}
	return &AbuseHistory{
		storage: physical.NewView(backend, historyStorePath),
		config:  config,
		logger:  log.WithSubsystem("history"),
		now:     now,
	}
}

// Retention returns the configured retention
func (h *AbuseHistory) Retention() time.Duration {
	return h.config.Retention
}

func decodeObservationLog(entry *physical.Entry) (*observationLog, error) {
	log := &observationLog{}
	if entry != nil {
		if err := json.Unmarshal(entry.Value, log); err != nil {
			return nil, fmt.Errorf("failed to decode abuse history: %w", err)
		}
	}
	if log.Origins == nil {
		log.Origins = make(map[string]*Observation)
	}
	return log, nil
}

// Record notes a login attempt from origin. Origins not seen within the
// retention are dropped in the same write; nothing seen within the retention
// is ever dropped.
func (h *AbuseHistory) Record(ctx context.Context, userID, origin string) error {
	if userID == "" || origin == "" {
		return fmt.Errorf("%w: user and origin are required", ErrInvalidArgument)
	}

	err := h.storage.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		now := h.now()
		log, err := decodeObservationLog(current)
		if err != nil {
			return nil, err
		}

		cutoff := now.Add(-h.config.Retention)
		for key, o := range log.Origins {
			if o.Time().Before(cutoff) {
				delete(log.Origins, key)
			}
		}

		obs, ok := log.Origins[origin]
		if !ok {
			obs = &Observation{Origin: origin}
			log.Origins[origin] = obs
		}
		obs.ID = ulid.MustNew(ulid.Timestamp(now), rand.Reader)
		obs.Attempts++

		value, err := json.Marshal(log)
		if err != nil {
			return nil, fmt.Errorf("failed to encode abuse history: %w", err)
		}
		return &physical.Entry{
			Key:       userID,
			Value:     value,
			ExpiresAt: now.Add(h.config.Retention),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}
	return nil
}

// DistinctOrigins returns the number of unique origins observed for the user
// at or after now - window.
func (h *AbuseHistory) DistinctOrigins(ctx context.Context, userID string, window time.Duration) (int, error) {
	observations, err := h.Observations(ctx, userID, window)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(observations))
	for _, o := range observations {
		seen[o.Origin] = struct{}{}
	}
	return len(seen), nil
}

// Observations returns, for every origin seen within the trailing window,
// its latest observation, least recently seen first.
func (h *AbuseHistory) Observations(ctx context.Context, userID string, window time.Duration) ([]Observation, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidArgument)
	}
	entry, err := h.storage.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read abuse history: %w", err)
	}
	log, err := decodeObservationLog(entry)
	if err != nil {
		return nil, err
	}

	cutoff := h.now().Add(-window)
	out := make([]Observation, 0, len(log.Origins))
	for _, o := range log.Origins {
		if !o.Time().Before(cutoff) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Compare(out[j].ID) < 0
	})
	return out, nil
}

// Clear forgets every observation of the user
func (h *AbuseHistory) Clear(ctx context.Context, userID string) error {
	if err := h.storage.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear abuse history: %w", err)
	}
	return nil
}
