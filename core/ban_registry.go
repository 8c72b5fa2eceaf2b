package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

const banStorePath = "ban/"

// BanRecord is a user-level ban. A permanent ban has no expiry.
type BanRecord struct {
	UserID          string    `json:"user_id"`
	BannedAt        time.Time `json:"banned_at"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Permanent       bool      `json:"permanent"`
	Reason          string    `json:"reason,omitempty"`
	DistinctOrigins int       `json:"distinct_origins,omitempty"`
}

// Active reports whether the ban is in force at now
func (r *BanRecord) Active(now time.Time) bool {
	return r != nil && (r.Permanent || now.Before(r.ExpiresAt))
}

// outlasts reports whether r ends no earlier than other
func (r *BanRecord) outlasts(other *BanRecord) bool {
	if r.Permanent {
		return true
	}
	return !other.Permanent && !r.ExpiresAt.Before(other.ExpiresAt)
}

// BanRegistry holds per-user bans. Reads always go to the backend so a ban
// is visible to every concurrent login as soon as it is written.
type BanRegistry struct {
	storage physical.Backend
	logger  logger.Logger
	now     func() time.Time
}

// NewBanRegistry creates a ban registry over the given backend
func NewBanRegistry(backend physical.Backend, log logger.Logger, now func() time.Time) *BanRegistry {
	if now == nil {
		now = time.Now
	}
	return &BanRegistry{
		storage: physical.NewView(backend, banStorePath),
		logger:  log.WithSubsystem("ban"),
		now:     now,
	}
}

// Ban bans the user for ttl, or permanently when ttl is zero. An existing
// ban that lasts longer is kept.
func (b *BanRegistry) Ban(ctx context.Context, userID string, ttl time.Duration, reason string) (*BanRecord, error) {
	return b.ban(ctx, userID, ttl, reason, 0)
}

func (b *BanRegistry) ban(ctx context.Context, userID string, ttl time.Duration, reason string, distinct int) (*BanRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ban ttl must not be negative", ErrInvalidArgument)
	}

	var record *BanRecord
	err := b.storage.Update(ctx, userID, func(current *physical.Entry) (*physical.Entry, error) {
		now := b.now()
		next := &BanRecord{
			UserID:          userID,
			BannedAt:        now,
			Permanent:       ttl == 0,
			Reason:          reason,
			DistinctOrigins: distinct,
		}
		if ttl > 0 {
			next.ExpiresAt = now.Add(ttl)
		}

		if existing, err := decodeBanRecord(current); err == nil && existing.Active(now) && !next.outlasts(existing) {
			record = existing
			return nil, physical.ErrNoChange
		}

		value, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ban record: %w", err)
		}
		record = next
		return &physical.Entry{Key: userID, Value: value, ExpiresAt: next.ExpiresAt}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ban user: %w", err)
	}

	fields := []logger.TypedField{
		logger.String("user_id", userID),
		logger.Bool("permanent", record.Permanent),
		logger.String("reason", record.Reason),
	}
	if !record.Permanent {
		fields = append(fields, logger.Time("expires_at", record.ExpiresAt))
	}
	b.logger.Info("user banned", fields...)
	return record, nil
}

func decodeBanRecord(entry *physical.Entry) (*BanRecord, error) {
	if entry == nil {
		return nil, nil
	}
	record := &BanRecord{}
	if err := json.Unmarshal(entry.Value, record); err != nil {
		return nil, fmt.Errorf("failed to decode ban record: %w", err)
	}
	return record, nil
}

// IsBanned reports whether the user is banned. When the backend cannot be
// read it returns true together with the error.
func (b *BanRegistry) IsBanned(ctx context.Context, userID string) (bool, error) {
	entry, err := b.storage.Get(ctx, userID)
	if err != nil {
		return true, fmt.Errorf("failed to read ban record: %w", err)
	}
	record, err := decodeBanRecord(entry)
	if err != nil {
		return true, err
	}
	return record.Active(b.now()), nil
}

// Get returns the user's ban, or nil if none is in force
func (b *BanRegistry) Get(ctx context.Context, userID string) (*BanRecord, error) {
	entry, err := b.storage.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ban record: %w", err)
	}
	record, err := decodeBanRecord(entry)
	if err != nil {
		return nil, err
	}
	if !record.Active(b.now()) {
		return nil, nil
	}
	return record, nil
}

// Unban clears the user's ban. Unbanning a user who is not banned is a no-op.
func (b *BanRegistry) Unban(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	if err := b.storage.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to unban user: %w", err)
	}
	b.logger.Info("user unbanned", logger.String("user_id", userID))
	return nil
}

// List returns every ban currently in force
func (b *BanRegistry) List(ctx context.Context) ([]*BanRecord, error) {
	keys, err := b.storage.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	out := make([]*BanRecord, 0, len(keys))
	for _, key := range keys {
		record, err := b.Get(ctx, key)
		if err != nil {
			b.logger.Warn("skipping unreadable ban record",
				logger.String("user_id", key),
				logger.Err(err))
			continue
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}
