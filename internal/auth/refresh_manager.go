// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/crypto"
	"github.com/tomtom215/gatewarden/internal/idp"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	refreshKeyPrefix = "refresh:"

	// RefreshEventsChannel carries refresh lifecycle events across nodes.
	RefreshEventsChannel = "refresh:events"
)

// RefreshEvent is published on RefreshEventsChannel.
type RefreshEvent struct {
	Type      string    `json:"type"` // tokens_refreshed|refresh_failed|refresh_expired|tokens_removed
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// refreshRecord is the cached shape; token fields hold ciphertext.
type refreshRecord struct {
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	RefreshToken     string    `json:"refresh_token"`
	AccessToken      string    `json:"access_token,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`
	StoredAt         time.Time `json:"stored_at"`
}

// RefreshConfig configures the refresh manager.
type RefreshConfig struct {
	// ProactiveWindow is how long before access-token expiry a tracked
	// entry becomes eligible for proactive refresh. Default: 5m.
	ProactiveWindow time.Duration

	// SweepInterval is the scheduler tick. Default: 1m.
	SweepInterval time.Duration

	// RecordTTL bounds cached refresh records. Default: 30 days.
	RecordTTL time.Duration
}

// RefreshTokenManager stores refresh tokens encrypted in the cache tier,
// exchanges them on demand and proactively refreshes tracked entries
// before the paired access token expires. Run drives the scheduler and is
// supervision-friendly: it returns when its context is cancelled.
type RefreshTokenManager struct {
	cfg       RefreshConfig
	idp       *idp.Client
	cache     *cache.Facade
	encryptor *crypto.Manager
	logger    zerolog.Logger

	mu      sync.Mutex
	tracked map[string]time.Time // cache key -> access-token expiry
}

// NewRefreshTokenManager creates a refresh manager.
func NewRefreshTokenManager(cfg RefreshConfig, idpClient *idp.Client, c *cache.Facade, enc *crypto.Manager) *RefreshTokenManager {
	if cfg.ProactiveWindow == 0 {
		cfg.ProactiveWindow = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RecordTTL == 0 {
		cfg.RecordTTL = 30 * 24 * time.Hour
	}
	return &RefreshTokenManager{
		cfg:       cfg,
		idp:       idpClient,
		cache:     c,
		encryptor: enc,
		logger:    logging.With().Str("component", "refresh_manager").Logger(),
		tracked:   make(map[string]time.Time),
	}
}

func refreshKey(userID, sessionID string) string {
	return refreshKeyPrefix + userID + ":" + sessionID
}

// Store encrypts and caches the bundle's tokens for later refresh, and
// registers the entry for proactive refresh.
func (m *RefreshTokenManager) Store(ctx context.Context, userID, sessionID string, bundle *models.TokenBundle) error {
	if bundle.RefreshToken == "" {
		return errors.New("token bundle has no refresh token")
	}

	encRefresh, err := m.encryptor.EncryptString(bundle.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	record := &refreshRecord{
		UserID:           userID,
		SessionID:        sessionID,
		RefreshToken:     encRefresh,
		ExpiresAt:        bundle.ExpiresAt,
		RefreshExpiresAt: bundle.RefreshExpiresAt,
		StoredAt:         time.Now(),
	}
	if bundle.AccessToken != "" {
		record.AccessToken, err = m.encryptor.EncryptString(bundle.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}

	ttl := m.cfg.RecordTTL
	if !bundle.RefreshExpiresAt.IsZero() {
		if remaining := time.Until(bundle.RefreshExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return errors.New("refresh token already expired")
	}

	key := refreshKey(userID, sessionID)
	if err := m.cache.Set(ctx, key, record, ttl); err != nil {
		return err
	}

	m.mu.Lock()
	m.tracked[key] = bundle.ExpiresAt
	m.mu.Unlock()
	return nil
}

// Refresh exchanges the stored refresh token for the given user/session
// and re-stores the rotated tokens. The new bundle is returned decrypted.
func (m *RefreshTokenManager) Refresh(ctx context.Context, userID, sessionID string) (*models.TokenBundle, error) {
	key := refreshKey(userID, sessionID)

	var record refreshRecord
	found, err := m.cache.Get(ctx, key, &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no refresh token for session")
	}
	if !record.RefreshExpiresAt.IsZero() && time.Now().After(record.RefreshExpiresAt) {
		m.forget(ctx, key)
		m.publish(ctx, "refresh_expired", userID, sessionID, time.Time{})
		metrics.TokenRefreshes.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("refresh token expired")
	}

	refreshToken, err := m.encryptor.DecryptString(record.RefreshToken)
	if err != nil {
		// Undecryptable record (rotated master key): drop it, the caller
		// must re-authenticate.
		m.forget(ctx, key)
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	result, err := m.idp.RefreshGrant(ctx, refreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		if errors.Is(err, idp.ErrInvalidGrant) {
			// The IdP revoked or rotated away this refresh token.
			m.forget(ctx, key)
		}
		m.publish(ctx, "refresh_failed", userID, sessionID, time.Time{})
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues("refreshed").Inc()

	bundle := result.TokenBundle
	if err := m.Store(ctx, userID, sessionID, &bundle); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist rotated tokens")
	}
	m.publish(ctx, "tokens_refreshed", userID, sessionID, bundle.ExpiresAt)
	return &bundle, nil
}

// Revoke removes the stored tokens for a session.
func (m *RefreshTokenManager) Revoke(ctx context.Context, userID, sessionID string) error {
	key := refreshKey(userID, sessionID)
	m.forget(ctx, key)
	m.publish(ctx, "tokens_removed", userID, sessionID, time.Time{})
	return nil
}

// Run drives the proactive refresh scheduler until ctx is cancelled.
// It satisfies suture's Service interface.
func (m *RefreshTokenManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.SweepInterval).Msg("proactive refresh scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Serve implements suture.Service.
func (m *RefreshTokenManager) Serve(ctx context.Context) error {
	return m.Run(ctx)
}

func (m *RefreshTokenManager) String() string { return "refresh-scheduler" }

// sweep refreshes every tracked entry whose access token expires within
// the proactive window.
func (m *RefreshTokenManager) sweep(ctx context.Context) {
	deadline := time.Now().Add(m.cfg.ProactiveWindow)

	m.mu.Lock()
	due := make([]string, 0)
	for key, exp := range m.tracked {
		if exp.Before(deadline) {
			due = append(due, key)
		}
	}
	m.mu.Unlock()

	for _, key := range due {
		userID, sessionID, ok := splitRefreshKey(key)
		if !ok {
			m.mu.Lock()
			delete(m.tracked, key)
			m.mu.Unlock()
			continue
		}
		if _, err := m.Refresh(ctx, userID, sessionID); err != nil {
			m.logger.Warn().
				Str("user_id", logging.SanitizeUserID(userID)).
				Str("session_id", logging.SanitizeSessionID(sessionID)).
				Err(err).
				Msg("proactive refresh failed")
			m.mu.Lock()
			delete(m.tracked, key)
			m.mu.Unlock()
		}
	}
}

func (m *RefreshTokenManager) forget(ctx context.Context, key string) {
	_ = m.cache.Invalidate(ctx, key)
	m.mu.Lock()
	delete(m.tracked, key)
	m.mu.Unlock()
}

func (m *RefreshTokenManager) publish(ctx context.Context, eventType, userID, sessionID string, expiresAt time.Time) {
	event := &RefreshEvent{
		Type:      eventType,
		UserID:    userID,
		SessionID: sessionID,
		ExpiresAt: expiresAt,
		Timestamp: time.Now(),
	}
	if err := m.cache.Publish(ctx, RefreshEventsChannel, event); err != nil {
		m.logger.Debug().Err(err).Msg("refresh event publish failed")
	}
}

// splitRefreshKey parses "refresh:<userId>:<sessionId>". User ids are IdP
// UUIDs and never contain ':'.
func splitRefreshKey(key string) (userID, sessionID string, ok bool) {
	rest, ok := strings.CutPrefix(key, refreshKeyPrefix)
	if !ok {
		return "", "", false
	}
	userID, sessionID, ok = strings.Cut(rest, ":")
	if !ok || userID == "" || sessionID == "" {
		return "", "", false
	}
	return userID, sessionID, true
}
