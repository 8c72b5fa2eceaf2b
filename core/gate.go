package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"
	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
)

// Reason explains a login decision
type Reason string

const (
	ReasonNewSession      Reason = "new_session"
	ReasonRefreshed       Reason = "refreshed"
	ReasonEvictedOldest   Reason = "evicted_oldest"
	ReasonCapacity        Reason = "capacity_reached"
	ReasonBanned          Reason = "banned"
	ReasonAbuseBan        Reason = "abuse_ban"
	ReasonBanCheckFailed  Reason = "ban_check_failed"
	ReasonInvalidArgument Reason = "invalid_argument"
)

// Decision is the outcome of one login evaluation
type Decision struct {
	Admitted        bool
	Reason          Reason
	Refreshed       bool
	Evicted         []string // origins evicted to make room
	ActiveCount     int
	DistinctOrigins int
	Banned          bool
}

// SessionView is one entry of ListActiveSessions
type SessionView struct {
	Origin     string
	CreatedAt  time.Time
	LastSeenAt time.Time
	IsCurrent  bool
}

// GateConfig wires the stores of a SessionGate
type GateConfig struct {
	// Storage backs sessions, history, bans and token bindings
	Storage physical.Backend

	// RevocationStorage backs the revocation list. Defaults to Storage.
	RevocationStorage physical.Backend

	Logger logger.Logger

	// MetricSink receives gate metrics. Defaults to a blackhole sink.
	MetricSink metrics.MetricSink

	History         *AbuseHistoryConfig
	RevocationCache *RevocationCacheConfig

	// Policy is used by Evaluate when the caller passes nil
	Policy *Policy

	// Now overrides the clock, for tests
	Now func() time.Time
}

// SessionGate decides whether a user may open a session from an origin and
// runs the forced logout flow.
type SessionGate struct {
	sessions    *SessionStore
	history     *AbuseHistory
	bans        *BanRegistry
	binder      *TokenBinder
	revocations *RevocationList

	policy  *Policy
	metrics *metrics.Metrics
	logger  logger.Logger
}

// NewSessionGate creates a gate from its configuration
func NewSessionGate(config *GateConfig) (*SessionGate, error) {
	if config == nil || config.Storage == nil {
		return nil, errors.New("session gate requires a storage backend")
	}
	log := config.Logger
	if log == nil {
		log = logger.NewZerologLogger(logger.DefaultConfig())
	}
	log = log.WithSubsystem("gate")

	policy := config.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	sink := config.MetricSink
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	metricsConf := metrics.DefaultConfig("sessiongate")
	metricsConf.EnableHostname = false
	metricsConf.EnableRuntimeMetrics = false
	m, err := metrics.New(metricsConf, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	revocationStorage := config.RevocationStorage
	if revocationStorage == nil {
		revocationStorage = config.Storage
	}

	history := NewAbuseHistory(config.Storage, config.History, log, config.Now)
	if policy.HistoryWindow > history.Retention() {
		return nil, fmt.Errorf("%w: history_window %s exceeds history retention %s",
			ErrInvalidPolicy, policy.HistoryWindow, history.Retention())
	}

	binder := NewTokenBinder(config.Storage, log, config.Now)
	revocations, err := NewRevocationList(revocationStorage, binder, config.RevocationCache, log, config.Now)
	if err != nil {
		return nil, err
	}

	return &SessionGate{
		sessions:    NewSessionStore(config.Storage, log, config.Now),
		history:     history,
		bans:        NewBanRegistry(config.Storage, log, config.Now),
		binder:      binder,
		revocations: revocations,
		policy:      policy,
		metrics:     m,
		logger:      log,
	}, nil
}

// Close releases in-process resources. Backends are owned by the caller.
func (g *SessionGate) Close() error {
	g.revocations.Close()
	g.metrics.Shutdown()
	return nil
}

// Policy returns the default policy of the gate
func (g *SessionGate) Policy() *Policy {
	return g.policy
}

func (g *SessionGate) resolvePolicy(policy *Policy) (*Policy, error) {
	if policy == nil {
		return g.policy, nil
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.HistoryWindow > g.history.Retention() {
		return nil, fmt.Errorf("%w: history_window %s exceeds history retention %s",
			ErrInvalidPolicy, policy.HistoryWindow, g.history.Retention())
	}
	return policy, nil
}

// EvaluateLogin reports whether userID may log in from origin
func (g *SessionGate) EvaluateLogin(ctx context.Context, userID, origin string, policy *Policy) (bool, error) {
	d, err := g.Evaluate(ctx, userID, origin, policy)
	if err != nil {
		return false, err
	}
	return d.Admitted, nil
}

// Evaluate runs the admission decision for one login attempt. Denials are
// returned as decisions; errors are reserved for invalid input and backend
// failures. A failed ban check returns a deny decision along with the error.
func (g *SessionGate) Evaluate(ctx context.Context, userID, origin string, policy *Policy) (*Decision, error) {
	defer g.metrics.MeasureSince([]string{"login", "evaluate"}, time.Now())

	if userID == "" || origin == "" {
		return &Decision{Reason: ReasonInvalidArgument},
			fmt.Errorf("%w: user and origin are required", ErrInvalidArgument)
	}
	policy, err := g.resolvePolicy(policy)
	if err != nil {
		return &Decision{Reason: ReasonInvalidArgument}, err
	}

	requestID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}
	log := g.logger.WithFields(
		logger.String("request_id", requestID),
		logger.String("user_id", userID),
		logger.String("origin", origin),
	)

	banned, err := g.bans.IsBanned(ctx, userID)
	if err != nil {
		log.Error("ban check failed, denying login", logger.Err(err))
		return g.deny(&Decision{Reason: ReasonBanCheckFailed, Banned: banned}), err
	}
	if banned {
		log.Debug("login denied, user is banned")
		return g.deny(&Decision{Reason: ReasonBanned, Banned: true}), nil
	}

	res, err := g.sessions.Admit(ctx, userID, origin, policy.admitOptions())
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Admitted:    res.Admitted,
		Refreshed:   res.Refreshed,
		Evicted:     res.EvictedOrigins(),
		ActiveCount: res.Active,
	}
	switch {
	case !res.Admitted:
		decision.Reason = ReasonCapacity
	case len(res.Evicted) > 0:
		decision.Reason = ReasonEvictedOldest
		g.metrics.IncrCounter([]string{"session", "evicted"}, float32(len(res.Evicted)))
	case res.Refreshed:
		decision.Reason = ReasonRefreshed
	default:
		decision.Reason = ReasonNewSession
	}

	if res.Admitted || !policy.IgnoreDeniedAttempts {
		if err := g.history.Record(ctx, userID, origin); err != nil {
			return nil, err
		}
	}

	if policy.BanThreshold > 0 {
		distinct, err := g.history.DistinctOrigins(ctx, userID, policy.HistoryWindow)
		if err != nil {
			return nil, err
		}
		decision.DistinctOrigins = distinct

		if distinct > policy.BanThreshold {
			reason := fmt.Sprintf("%d distinct origins within %s exceeds threshold %d",
				distinct, policy.HistoryWindow, policy.BanThreshold)
			if _, err := g.bans.ban(ctx, userID, policy.BanTTL, reason, distinct); err != nil {
				return nil, err
			}
			g.metrics.IncrCounter([]string{"ban", "issued"}, 1)
			log.Warn("user banned for origin abuse",
				logger.Int("distinct_origins", distinct),
				logger.Int("threshold", policy.BanThreshold))

			if res.Inserted {
				active, err := g.sessions.Revert(ctx, userID, origin, res.Evicted, policy.admitOptions())
				if err != nil {
					log.Warn("failed to roll back session of banned user", logger.Err(err))
				} else {
					decision.ActiveCount = active
					decision.Evicted = nil
				}
			}
			decision.Admitted = false
			decision.Banned = true
			decision.Reason = ReasonAbuseBan
		}
	}

	if !decision.Admitted {
		log.Debug("login denied",
			logger.String("reason", string(decision.Reason)),
			logger.Int("active", decision.ActiveCount))
		return g.deny(decision), nil
	}

	g.metrics.IncrCounterWithLabels([]string{"login", "admitted"}, 1,
		[]metrics.Label{{Name: "reason", Value: string(decision.Reason)}})
	log.Debug("login admitted",
		logger.String("reason", string(decision.Reason)),
		logger.Int("active", decision.ActiveCount))
	return decision, nil
}

func (g *SessionGate) deny(d *Decision) *Decision {
	d.Admitted = false
	g.metrics.IncrCounterWithLabels([]string{"login", "denied"}, 1,
		[]metrics.Label{{Name: "reason", Value: string(d.Reason)}})
	return d
}

// RemoveSession ends the session of userID at origin and revokes every live
// token bound to that origin. Tokens are revoked even when the session has
// already expired or never existed.
func (g *SessionGate) RemoveSession(ctx context.Context, userID, origin string) error {
	if userID == "" || origin == "" {
		return fmt.Errorf("%w: user and origin are required", ErrInvalidArgument)
	}
	if _, err := g.sessions.Remove(ctx, userID, origin); err != nil {
		return err
	}
	bindings, err := g.binder.TokensForOrigin(ctx, userID, origin)
	if err != nil {
		return err
	}
	return g.revokeBindings(ctx, userID, bindings)
}

// RemoveAllSessions ends every session of userID and revokes all of the
// user's live tokens.
func (g *SessionGate) RemoveAllSessions(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	if _, err := g.sessions.Clear(ctx, userID); err != nil {
		return err
	}
	bindings, err := g.binder.TokensForUser(ctx, userID)
	if err != nil {
		return err
	}
	return g.revokeBindings(ctx, userID, bindings)
}

func (g *SessionGate) revokeBindings(ctx context.Context, userID string, bindings []*TokenBinding) error {
	var result *multierror.Error
	revoked := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if err := g.revocations.revokeBinding(ctx, b); err != nil {
			result = multierror.Append(result, fmt.Errorf("token %s: %w", b.TokenID[:8], err))
			continue
		}
		revoked = append(revoked, b.TokenID)
	}
	if len(revoked) > 0 {
		g.metrics.IncrCounter([]string{"token", "revoked"}, float32(len(revoked)))
		if err := g.binder.Unbind(ctx, userID, revoked...); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ListActiveSessions returns the user's active sessions, most recently seen
// first, judged by the session ttl of the gate's policy. Storage errors are
// logged and yield an empty list.
func (g *SessionGate) ListActiveSessions(ctx context.Context, userID, currentOrigin string) []SessionView {
	sessions, err := g.sessions.List(ctx, userID, g.policy.SessionTTL)
	if err != nil {
		g.logger.Warn("failed to list sessions",
			logger.String("user_id", userID),
			logger.Err(err))
		return []SessionView{}
	}
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionView{
			Origin:     s.Origin,
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			IsCurrent:  currentOrigin != "" && s.Origin == currentOrigin,
		})
	}
	return out
}

// IsBanned reports whether the user is banned. On storage failure it
// returns true and the error.
func (g *SessionGate) IsBanned(ctx context.Context, userID string) (bool, error) {
	return g.bans.IsBanned(ctx, userID)
}

// Ban bans the user for ttl, or permanently when ttl is zero
func (g *SessionGate) Ban(ctx context.Context, userID string, ttl time.Duration, reason string) (*BanRecord, error) {
	record, err := g.bans.Ban(ctx, userID, ttl, reason)
	if err != nil {
		return nil, err
	}
	g.metrics.IncrCounter([]string{"ban", "issued"}, 1)
	return record, nil
}

// GetBan returns the user's ban, or nil when none is in force
func (g *SessionGate) GetBan(ctx context.Context, userID string) (*BanRecord, error) {
	return g.bans.Get(ctx, userID)
}

// Unban clears the user's ban and the abuse history that led to it, so the
// next login is not banned again by the same observations.
func (g *SessionGate) Unban(ctx context.Context, userID string) error {
	if err := g.bans.Unban(ctx, userID); err != nil {
		return err
	}
	return g.history.Clear(ctx, userID)
}

// ListBans returns every ban in force
func (g *SessionGate) ListBans(ctx context.Context) ([]*BanRecord, error) {
	return g.bans.List(ctx)
}

// BindToken records that token was issued to (userID, origin) and lives for
// ttl, the token's own lifetime.
func (g *SessionGate) BindToken(ctx context.Context, userID, origin, token string, ttl time.Duration) (*TokenBinding, error) {
	b, err := g.binder.Bind(ctx, userID, origin, token, ttl)
	if err != nil {
		return nil, err
	}
	g.metrics.IncrCounter([]string{"token", "bound"}, 1)
	return b, nil
}

// IsTokenRevoked reports whether token was revoked. On storage failure it
// returns true and the error.
func (g *SessionGate) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	return g.revocations.IsRevoked(ctx, token)
}

// RevokeToken revokes a single bound token. It returns ErrTokenNotBound when
// the token is unknown or already expired.
func (g *SessionGate) RevokeToken(ctx context.Context, token string) error {
	binding, err := g.binder.Lookup(ctx, token)
	if err != nil {
		return err
	}
	if binding == nil {
		return ErrTokenNotBound
	}
	return g.revokeBindings(ctx, binding.UserID, []*TokenBinding{binding})
}
