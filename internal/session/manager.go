// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

// Pub/sub channels for session lifecycle events.
const (
	ChannelSessionUpdates = "session:updates"
	ChannelSessionCreated = "session:created"
	ChannelSessionDeleted = "session:deleted"
	ChannelSessionExpired = "session:expired"
)

// TokenValidator validates an access token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) *models.AuthResult
}

// TokenRefresher exchanges a refresh token for a new bundle.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, oldAccessToken string) (*idp.TokenResult, error)
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// TTL caps session lifetime. Default: 24h.
	TTL time.Duration

	// RotationInterval is the session age after which validation flags
	// requiresRotation. Default: 1h.
	RotationInterval time.Duration

	// MaxConcurrentSessions per user; 0 disables the cap.
	MaxConcurrentSessions int

	// EnforceIPConsistency destroys sessions whose caller IP changed.
	EnforceIPConsistency bool

	// EnforceUserAgentConsistency logs UA changes (never destroys).
	EnforceUserAgentConsistency bool

	// ValidationCacheTTL bounds cached validation outcomes. Default: 60s.
	ValidationCacheTTL time.Duration

	// WriteThrottle is the minimum interval between last_accessed_at
	// writes. Default: 60s.
	WriteThrottle time.Duration

	// RefreshWindow flags requiresTokenRefresh when the access token
	// expires within it. Default: 5m.
	RefreshWindow time.Duration
}

// CreateOptions carries everything needed to mint a session.
type CreateOptions struct {
	UserID       string
	Principal    *models.Principal
	Tokens       *models.TokenBundle
	IdPSessionID string
	IPAddress    string
	UserAgent    string
	MaxAge       time.Duration
	Metadata     map[string]string
}

// Context is the caller context evaluated during validation.
type Context struct {
	IPAddress string
	UserAgent string
}

// Manager owns the session lifecycle: creation with concurrent-limit
// enforcement, validation with security checks and token refresh,
// rotation and destruction. Lifecycle events are published to the cache
// pub/sub tier for cross-protocol propagation.
type Manager struct {
	cfg       ManagerConfig
	store     Store
	validator TokenValidator
	refresher TokenRefresher
	cache     *cache.Facade
	security  *logging.SecurityLogger
	logger    zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, store Store, validator TokenValidator, refresher TokenRefresher, c *cache.Facade) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = time.Hour
	}
	if cfg.ValidationCacheTTL == 0 {
		cfg.ValidationCacheTTL = 60 * time.Second
	}
	if cfg.WriteThrottle == 0 {
		cfg.WriteThrottle = 60 * time.Second
	}
	if cfg.RefreshWindow == 0 {
		cfg.RefreshWindow = 5 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		validator: validator,
		refresher: refresher,
		cache:     c,
		security:  logging.NewSecurityLogger(),
		logger:    logging.With().Str("component", "session_manager").Logger(),
	}
}

// CreateSession mints a new session for the user and persists it. The
// concurrent-session cap is enforced atomically before the write.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*models.Session, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("create session: user id required")
	}

	now := time.Now()
	millis := now.UnixMilli()
	sid := mintSessionID(millis)

	if m.cfg.MaxConcurrentSessions > 0 {
		destroyed, err := m.store.EnforceConcurrentLimit(ctx, opts.UserID, m.cfg.MaxConcurrentSessions)
		if err != nil {
			return nil, err
		}
		for _, oldSid := range destroyed {
			m.publishEvent(ctx, ChannelSessionDeleted, &Event{
				Type:      "session:deleted",
				SessionID: oldSid,
				UserID:    opts.UserID,
				Reason:    models.DestroyReasonConcurrent,
				Timestamp: now,
			})
		}
	}

	ttl := m.cfg.TTL
	if opts.MaxAge > 0 && opts.MaxAge < ttl {
		ttl = opts.MaxAge
	}

	sess := &models.Session{
		ID:             uuid.New().String(),
		SessionID:      sid,
		UserID:         opts.UserID,
		Principal:      opts.Principal,
		IdPSessionID:   opts.IdPSessionID,
		Fingerprint:    fingerprint(opts.IPAddress, opts.UserAgent, millis),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		IPAddress:      opts.IPAddress,
		UserAgent:      opts.UserAgent,
		IsActive:       true,
		Metadata:       opts.Metadata,
	}
	if opts.Tokens != nil {
		sess.AccessToken = opts.Tokens.AccessToken
		sess.RefreshToken = opts.Tokens.RefreshToken
		sess.IDToken = opts.Tokens.IDToken
		sess.TokenExpiresAt = opts.Tokens.ExpiresAt
		sess.RefreshExpiresAt = opts.Tokens.RefreshExpiresAt
	}

	if err := m.store.Store(ctx, sess); err != nil {
		// Best-effort rollback of a partial write.
		_ = m.store.Destroy(ctx, sid, models.DestroyReasonCreationFailed)
		metrics.SessionOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionOperations.WithLabelValues("create", "ok").Inc()
	metrics.ActiveSessions.Inc()

	m.publishEvent(ctx, ChannelSessionCreated, &Event{
		Type:      "session:created",
		SessionID: sid,
		UserID:    opts.UserID,
		Timestamp: now,
	})
	m.security.LogEvent(&logging.SecurityEvent{
		Event:     "session_created",
		UserID:    opts.UserID,
		SessionID: sid,
		IPAddress: opts.IPAddress,
		Success:   true,
	})
	return sess.Clone(), nil
}

// ValidateSession checks a session id against the store, the caller
// context and the embedded tokens. Outcomes are cached briefly.
func (m *Manager) ValidateSession(ctx context.Context, sid string, callerCtx Context) *models.SessionValidation {
	if !ValidSessionIDFormat(sid) {
		return &models.SessionValidation{Valid: false, ErrorCode: models.ErrCodeInvalidRequest}
	}
	if callerCtx.IPAddress == "" && callerCtx.UserAgent == "" {
		return &models.SessionValidation{Valid: false, ErrorCode: models.ErrCodeInvalidRequest}
	}

	cacheKey := validationKeyPrefix + sid
	var cached models.SessionValidation
	if found, err := m.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		metrics.SessionOperations.WithLabelValues("validate", "cached").Inc()
		return &cached
	}

	result := m.validate(ctx, sid, callerCtx)

	ttl := m.cfg.ValidationCacheTTL
	if result.RequiresTokenRefresh {
		// Near-expiry outcomes go stale faster.
		ttl /= 2
	}
	if ttl > 0 {
		if err := m.cache.Set(ctx, cacheKey, result, ttl); err != nil {
			m.logger.Debug().Err(err).Msg("validation cache write failed")
		}
	}
	if result.Valid {
		metrics.SessionOperations.WithLabelValues("validate", "ok").Inc()
	} else {
		metrics.SessionOperations.WithLabelValues("validate", "rejected").Inc()
	}
	return result
}

func (m *Manager) validate(ctx context.Context, sid string, callerCtx Context) *models.SessionValidation {
	sess, err := m.store.Retrieve(ctx, sid)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return &models.SessionValidation{Valid: false, ErrorCode: models.ErrCodeSessionNotFound}
		}
		m.logger.Error().Err(err).Msg("session retrieval failed")
		return &models.SessionValidation{Valid: false, ErrorCode: models.ErrCodeDBUnavailable}
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) {
		_ = m.DestroySession(ctx, sid, models.DestroyReasonExpired)
		m.publishEvent(ctx, ChannelSessionExpired, &Event{
			Type:      "session:expired",
			SessionID: sid,
			UserID:    sess.UserID,
			Timestamp: now,
		})
		return &models.SessionValidation{Valid: false, ErrorCode: models.ErrCodeSessionExpired}
	}

	// Security checks. IP consistency is strict when enabled; UA drift is
	// informational because browsers legitimately change theirs.
	if m.cfg.EnforceIPConsistency && sess.IPAddress != "" && callerCtx.IPAddress != sess.IPAddress {
		m.security.LogEvent(&logging.SecurityEvent{
			Event:     "session_security_violation",
			UserID:    sess.UserID,
			SessionID: sid,
			IPAddress: callerCtx.IPAddress,
			Details:   map[string]string{"check": "ip_mismatch"},
		})
		_ = m.DestroySession(ctx, sid, models.DestroyReasonSecurity)
		return &models.SessionValidation{
			Valid:      false,
			Suspicious: true,
			ErrorCode:  models.ErrCodeSessionSecurity,
		}
	}
	if m.cfg.EnforceUserAgentConsistency && sess.UserAgent != "" && callerCtx.UserAgent != sess.UserAgent {
		m.logger.Warn().
			Str("session_id", logging.SanitizeSessionID(sid)).
			Msg("user agent changed for session")
	}

	result := &models.SessionValidation{Valid: true}

	if sess.AccessToken != "" && m.validator != nil {
		auth := m.validator.ValidateToken(ctx, sess.AccessToken)
		switch {
		case auth.Valid:
			if time.Until(sess.TokenExpiresAt) < m.cfg.RefreshWindow {
				result.RequiresTokenRefresh = true
			}
		case sess.RefreshToken != "" && m.refresher != nil:
			if ok := m.refreshSessionTokens(ctx, sess); !ok {
				return &models.SessionValidation{Valid: false, ErrorCode: models.ErrCodeTokenExpired}
			}
			// Store invalidated the validation cache; re-check the new token.
			if recheck := m.validator.ValidateToken(ctx, sess.AccessToken); !recheck.Valid {
				return &models.SessionValidation{Valid: false, ErrorCode: recheck.ErrorCode}
			}
		default:
			return &models.SessionValidation{Valid: false, ErrorCode: auth.ErrorCode}
		}
	}

	// Throttled last-access bump.
	if now.Sub(sess.LastAccessedAt) > m.cfg.WriteThrottle {
		sess.LastAccessedAt = now
		if err := m.store.Store(ctx, sess); err != nil {
			m.logger.Debug().Err(err).Msg("last access update failed")
		}
	}

	result.RequiresRotation = now.Sub(sess.CreatedAt) > m.cfg.RotationInterval
	result.Session = sess.Clone()
	return result
}

// refreshSessionTokens exchanges the session's refresh token and persists
// the rotated bundle. Returns false when the grant was rejected.
func (m *Manager) refreshSessionTokens(ctx context.Context, sess *models.Session) bool {
	refreshed, err := m.refresher.Refresh(ctx, sess.RefreshToken, sess.AccessToken)
	if err != nil {
		m.logger.Warn().
			Str("session_id", logging.SanitizeSessionID(sess.SessionID)).
			Err(err).
			Msg("session token refresh failed")
		return false
	}

	sess.AccessToken = refreshed.AccessToken
	sess.RefreshToken = refreshed.RefreshToken
	sess.IDToken = refreshed.IDToken
	sess.TokenExpiresAt = refreshed.ExpiresAt
	sess.RefreshExpiresAt = refreshed.RefreshExpiresAt

	if err := m.store.Store(ctx, sess); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist refreshed tokens")
		return false
	}
	return true
}

// RotateSession mints a replacement sid for the session and retires the
// old one. User identity, the IdP binding and the token bundle carry
// over; sid and fingerprint do not.
func (m *Manager) RotateSession(ctx context.Context, sid string, callerCtx Context) (*models.Session, error) {
	sess, err := m.store.Retrieve(ctx, sid)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	millis := now.UnixMilli()

	rotated := sess.Clone()
	rotated.ID = uuid.New().String()
	rotated.SessionID = mintSessionID(millis)
	rotated.Fingerprint = fingerprint(callerCtx.IPAddress, callerCtx.UserAgent, millis)
	rotated.IPAddress = callerCtx.IPAddress
	rotated.UserAgent = callerCtx.UserAgent
	rotated.CreatedAt = now
	rotated.LastAccessedAt = now

	if err := m.store.Store(ctx, rotated); err != nil {
		return nil, err
	}
	if err := m.store.Destroy(ctx, sid, models.DestroyReasonRotated); err != nil {
		m.logger.Warn().Err(err).Msg("failed to retire rotated session")
	}
	metrics.SessionOperations.WithLabelValues("rotate", "ok").Inc()

	m.publishEvent(ctx, ChannelSessionDeleted, &Event{
		Type:      "session:deleted",
		SessionID: sid,
		UserID:    sess.UserID,
		Reason:    models.DestroyReasonRotated,
		Timestamp: now,
	})
	return rotated.Clone(), nil
}

// DestroySession retires a session and broadcasts the deletion.
func (m *Manager) DestroySession(ctx context.Context, sid, reason string) error {
	if err := m.store.Destroy(ctx, sid, reason); err != nil {
		return err
	}
	channel := ChannelSessionDeleted
	eventType := "session:deleted"
	if reason == models.DestroyReasonExpired {
		channel = ChannelSessionExpired
		eventType = "session:expired"
	}
	m.publishEvent(ctx, channel, &Event{
		Type:      eventType,
		SessionID: sid,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	return nil
}

// DestroyAllUserSessions retires every active session of the user.
func (m *Manager) DestroyAllUserSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.GetUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	destroyed := 0
	for _, sess := range sessions {
		if err := m.DestroySession(ctx, sess.SessionID, models.DestroyReasonAllDestroyed); err != nil {
			m.logger.Warn().Err(err).Msg("destroy-all failed for one session")
			continue
		}
		destroyed++
	}
	return destroyed, nil
}

// GetSession loads the full session, tokens included, straight from the
// store. Validation results round-trip through the cache without token
// material, so callers that need the tokens (IdP logout, admin views)
// must come here rather than read SessionValidation.Session.
func (m *Manager) GetSession(ctx context.Context, sid string) (*models.Session, error) {
	return m.store.Retrieve(ctx, sid)
}

// GetUserSessions lists the user's active sessions.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return m.store.GetUserSessions(ctx, userID)
}

// CleanupExpired sweeps expired sessions. Intended to run on a timer.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.CleanupExpired(ctx)
}

func (m *Manager) publishEvent(ctx context.Context, channel string, event *Event) {
	if err := m.cache.Publish(ctx, channel, event); err != nil {
		m.logger.Debug().Str("channel", channel).Err(err).Msg("session event publish failed")
		return
	}
	metrics.SessionSyncEvents.WithLabelValues(channel).Inc()
}

// mintSessionID produces "<uuid>.<base36 millis>". The uuid carries the
// entropy; the suffix makes ids roughly sortable in logs.
func mintSessionID(millis int64) string {
	return uuid.New().String() + "." + strconv.FormatInt(millis, 36)
}

// ValidSessionIDFormat checks the "<uuid>.<base36>" shape without
// touching storage.
func ValidSessionIDFormat(sid string) bool {
	idPart, suffix, ok := strings.Cut(sid, ".")
	if !ok || suffix == "" || len(suffix) > 16 {
		return false
	}
	if _, err := uuid.Parse(idPart); err != nil {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		c := suffix[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// fingerprint hashes the connection context with the creation time.
func fingerprint(ip, ua string, millis int64) string {
	sum := sha256.Sum256([]byte(ip + ":" + ua + ":" + strconv.FormatInt(millis, 10)))
	return hex.EncodeToString(sum[:])
}
