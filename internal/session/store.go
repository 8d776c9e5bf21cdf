// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package session implements the session tier: the Postgres-backed store
// with a cache-through layer, the lifecycle manager and the cross-protocol
// synchronizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/crypto"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	sessionKeyPrefix    = "session:"
	validationKeyPrefix = "session:validation:"
)

// Store errors.
var (
	// ErrSessionNotFound indicates no active session exists for the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDBUnavailable wraps database connectivity failures.
	ErrDBUnavailable = errors.New("database unavailable")
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the session persistence contract the manager depends on.
type Store interface {
	Store(ctx context.Context, s *models.Session) error
	Retrieve(ctx context.Context, sessionID string) (*models.Session, error)
	Destroy(ctx context.Context, sessionID, reason string) error
	CleanupExpired(ctx context.Context) (int, error)
	EnforceConcurrentLimit(ctx context.Context, userID string, max int) ([]string, error)
	GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error)
}

// StoreConfig configures the SQL store.
type StoreConfig struct {
	// AllowLegacyPlaintext tolerates pre-encryption token blobs on read
	// during migration. New writes always encrypt. Deprecated; remove once
	// all rows have been rewritten.
	AllowLegacyPlaintext bool
}

// SQLStore persists sessions in the user_sessions table with a
// cache-through read path. Tokens are encrypted before they reach the
// database or the cache; Retrieve returns plaintext.
type SQLStore struct {
	cfg       StoreConfig
	db        DB
	cache     *cache.Facade
	encryptor *crypto.Manager
	logger    zerolog.Logger
}

// NewSQLStore creates a session store.
func NewSQLStore(cfg StoreConfig, db DB, c *cache.Facade, enc *crypto.Manager) *SQLStore {
	return &SQLStore{
		cfg:       cfg,
		db:        db,
		cache:     c,
		encryptor: enc,
		logger:    logging.With().Str("component", "session_store").Logger(),
	}
}

// cachedSession is the cache snapshot shape. models.Session keeps its
// token fields out of JSON so plaintext never serializes by accident;
// the snapshot carries the ciphertext under dedicated tags instead.
type cachedSession struct {
	models.Session
	EncAccessToken  string `json:"enc_access_token,omitempty"`
	EncRefreshToken string `json:"enc_refresh_token,omitempty"`
	EncIDToken      string `json:"enc_id_token,omitempty"`
}

// newCachedSession snapshots an already-encrypted session for the cache.
func newCachedSession(encrypted *models.Session) *cachedSession {
	c := &cachedSession{Session: *encrypted}
	c.EncAccessToken = encrypted.AccessToken
	c.EncRefreshToken = encrypted.RefreshToken
	c.EncIDToken = encrypted.IDToken
	c.AccessToken, c.RefreshToken, c.IDToken = "", "", ""
	return c
}

// session rebuilds the encrypted session from a snapshot.
func (c *cachedSession) session() *models.Session {
	sess := c.Session
	sess.AccessToken = c.EncAccessToken
	sess.RefreshToken = c.EncRefreshToken
	sess.IDToken = c.EncIDToken
	return &sess
}

const upsertSessionSQL = `
INSERT INTO user_sessions (
	id, user_id, session_id, keycloak_session_id,
	access_token, refresh_token, id_token,
	token_expires_at, refresh_expires_at, fingerprint,
	last_accessed_at, created_at, updated_at, expires_at,
	ip_address, user_agent, metadata, is_active
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	$11, $12, now(), $13, $14, $15, $16, $17
)
ON CONFLICT (session_id) DO UPDATE SET
	access_token       = EXCLUDED.access_token,
	refresh_token      = EXCLUDED.refresh_token,
	id_token           = EXCLUDED.id_token,
	token_expires_at   = EXCLUDED.token_expires_at,
	refresh_expires_at = EXCLUDED.refresh_expires_at,
	last_accessed_at   = EXCLUDED.last_accessed_at,
	metadata           = EXCLUDED.metadata,
	is_active          = EXCLUDED.is_active,
	updated_at         = now()`

// Store upserts the session keyed by session_id, refreshes the value
// cache and invalidates the validation cache for the same sid.
func (s *SQLStore) Store(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}

	encrypted, err := s.encryptTokens(sess)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, upsertSessionSQL,
		sess.ID, sess.UserID, sess.SessionID, sess.IdPSessionID,
		encrypted.AccessToken, encrypted.RefreshToken, encrypted.IDToken,
		nullableTime(sess.TokenExpiresAt), nullableTime(sess.RefreshExpiresAt), sess.Fingerprint,
		sess.LastAccessedAt, sess.CreatedAt, sess.ExpiresAt,
		sess.IPAddress, sess.UserAgent, sess.Metadata, sess.IsActive,
	)
	if err != nil {
		metrics.SessionOperations.WithLabelValues("store", "error").Inc()
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	metrics.SessionOperations.WithLabelValues("store", "ok").Inc()

	// Cache the encrypted snapshot so a cache leak never exposes tokens.
	if ttl := time.Until(sess.ExpiresAt); ttl > 0 {
		if err := s.cache.Set(ctx, sessionKeyPrefix+sess.SessionID, newCachedSession(encrypted), ttl); err != nil {
			s.logger.Debug().Err(err).Msg("session cache write failed")
		}
	}
	if err := s.cache.Invalidate(ctx, validationKeyPrefix+sess.SessionID); err != nil {
		s.logger.Debug().Err(err).Msg("validation cache invalidation failed")
	}
	return nil
}

const selectSessionSQL = `
SELECT id, user_id, session_id, keycloak_session_id,
	access_token, refresh_token, id_token,
	token_expires_at, refresh_expires_at, fingerprint,
	last_accessed_at, created_at, updated_at, expires_at,
	ip_address, user_agent, metadata, is_active
FROM user_sessions
WHERE session_id = $1 AND is_active = true`

// Retrieve loads a session, first from the cache, then from SQL, and
// returns it with decrypted tokens.
func (s *SQLStore) Retrieve(ctx context.Context, sessionID string) (*models.Session, error) {
	var cached cachedSession
	if found, err := s.cache.Get(ctx, sessionKeyPrefix+sessionID, &cached); err == nil && found {
		if cached.IsActive {
			sess := cached.session()
			if err := s.decryptTokens(sess); err != nil {
				return nil, err
			}
			return sess, nil
		}
	}

	sess, err := s.scanSession(s.db.QueryRow(ctx, selectSessionSQL, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	// Re-populate the cache with the still-encrypted row.
	if ttl := time.Until(sess.ExpiresAt); ttl > 0 {
		if err := s.cache.Set(ctx, sessionKeyPrefix+sessionID, newCachedSession(sess), ttl); err != nil {
			s.logger.Debug().Err(err).Msg("session cache write failed")
		}
	}

	if err := s.decryptTokens(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Destroy deactivates the session and drops both cache entries.
func (s *SQLStore) Destroy(ctx context.Context, sessionID, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE user_sessions SET is_active = false, updated_at = now() WHERE session_id = $1`,
		sessionID)
	if err != nil {
		metrics.SessionOperations.WithLabelValues("destroy", "error").Inc()
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	if tag.RowsAffected() > 0 {
		metrics.ActiveSessions.Dec()
	}
	metrics.SessionOperations.WithLabelValues("destroy", "ok").Inc()

	s.logger.Info().
		Str("session_id", logging.SanitizeSessionID(sessionID)).
		Str("reason", reason).
		Msg("session destroyed")

	return s.cache.Invalidate(ctx,
		sessionKeyPrefix+sessionID,
		validationKeyPrefix+sessionID,
	)
}

// CleanupExpired deactivates expired sessions and returns how many.
func (s *SQLStore) CleanupExpired(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `
UPDATE user_sessions
SET is_active = false, updated_at = now()
WHERE is_active = true AND expires_at < now()
RETURNING session_id`)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer rows.Close()

	var sids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return len(sids), err
		}
		sids = append(sids, sid)
	}
	if err := rows.Err(); err != nil {
		return len(sids), fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	for _, sid := range sids {
		_ = s.cache.Invalidate(ctx, sessionKeyPrefix+sid, validationKeyPrefix+sid)
	}
	if len(sids) > 0 {
		s.logger.Info().Int("count", len(sids)).Msg("expired sessions cleaned up")
	}
	return len(sids), nil
}

// enforceLimitSQL deactivates the oldest active sessions so that at most
// max-1 remain, making room for one new session. Count and update happen
// in a single statement so concurrent logins cannot over-admit.
const enforceLimitSQL = `
WITH ranked AS (
	SELECT session_id,
	       row_number() OVER (ORDER BY created_at DESC) AS rn
	FROM user_sessions
	WHERE user_id = $1 AND is_active = true AND expires_at > now()
)
UPDATE user_sessions s
SET is_active = false, updated_at = now()
FROM ranked r
WHERE s.session_id = r.session_id AND r.rn >= $2
RETURNING s.session_id`

// EnforceConcurrentLimit atomically deactivates the user's oldest
// sessions so a new one can be admitted without exceeding max. Returns
// the destroyed session ids.
func (s *SQLStore) EnforceConcurrentLimit(ctx context.Context, userID string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, enforceLimitSQL, userID, max)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer rows.Close()

	var destroyed []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return destroyed, err
		}
		destroyed = append(destroyed, sid)
	}
	if err := rows.Err(); err != nil {
		return destroyed, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	// Cache invalidation happens after the statement commits.
	for _, sid := range destroyed {
		_ = s.cache.Invalidate(ctx, sessionKeyPrefix+sid, validationKeyPrefix+sid)
		s.logger.Info().
			Str("session_id", logging.SanitizeSessionID(sid)).
			Str("reason", models.DestroyReasonConcurrent).
			Msg("session destroyed")
	}
	return destroyed, nil
}

const selectUserSessionsSQL = `
SELECT id, user_id, session_id, keycloak_session_id,
	access_token, refresh_token, id_token,
	token_expires_at, refresh_expires_at, fingerprint,
	last_accessed_at, created_at, updated_at, expires_at,
	ip_address, user_agent, metadata, is_active
FROM user_sessions
WHERE user_id = $1 AND is_active = true AND expires_at > now()
ORDER BY last_accessed_at DESC`

// GetUserSessions lists the user's active, unexpired sessions, most
// recently used first. Tokens are decrypted.
func (s *SQLStore) GetUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.db.Query(ctx, selectUserSessionsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return sessions, err
		}
		if err := s.decryptTokens(sess); err != nil {
			return sessions, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	return nil
}

// ActiveCount returns the number of live sessions across all users.
func (s *SQLStore) ActiveCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM user_sessions
		WHERE is_active = true AND expires_at > now()`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	return count, nil
}

func (s *SQLStore) scanSession(row pgx.Row) (*models.Session, error) {
	var (
		sess                 models.Session
		tokenExp, refreshExp *time.Time
		updatedAt            *time.Time
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.SessionID, &sess.IdPSessionID,
		&sess.AccessToken, &sess.RefreshToken, &sess.IDToken,
		&tokenExp, &refreshExp, &sess.Fingerprint,
		&sess.LastAccessedAt, &sess.CreatedAt, &updatedAt, &sess.ExpiresAt,
		&sess.IPAddress, &sess.UserAgent, &sess.Metadata, &sess.IsActive,
	)
	if err != nil {
		return nil, err
	}
	if tokenExp != nil {
		sess.TokenExpiresAt = *tokenExp
	}
	if refreshExp != nil {
		sess.RefreshExpiresAt = *refreshExp
	}
	if updatedAt != nil {
		sess.UpdatedAt = *updatedAt
	}
	return &sess, nil
}

// encryptTokens returns a copy of the session with token fields replaced
// by ciphertext. The input session is not modified.
func (s *SQLStore) encryptTokens(sess *models.Session) (*models.Session, error) {
	encrypted := sess.Clone()
	var err error
	if sess.AccessToken != "" {
		if encrypted.AccessToken, err = s.encryptor.EncryptString(sess.AccessToken); err != nil {
			return nil, fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if sess.RefreshToken != "" {
		if encrypted.RefreshToken, err = s.encryptor.EncryptString(sess.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if sess.IDToken != "" {
		if encrypted.IDToken, err = s.encryptor.EncryptString(sess.IDToken); err != nil {
			return nil, fmt.Errorf("encrypt id token: %w", err)
		}
	}
	return encrypted, nil
}

func (s *SQLStore) decryptTokens(sess *models.Session) error {
	var err error
	if sess.AccessToken, err = s.decryptToken(sess.AccessToken); err != nil {
		return err
	}
	if sess.RefreshToken, err = s.decryptToken(sess.RefreshToken); err != nil {
		return err
	}
	sess.IDToken, err = s.decryptToken(sess.IDToken)
	return err
}

// decryptToken decrypts a stored blob. When legacy tolerance is enabled,
// blobs that look like pre-encryption values (a compact JWS, or a short
// dot-free opaque token) pass through as-is with a warning.
func (s *SQLStore) decryptToken(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}
	plaintext, err := s.encryptor.DecryptString(blob)
	if err == nil {
		return plaintext, nil
	}
	if s.cfg.AllowLegacyPlaintext && looksLikePlaintextToken(blob) {
		s.logger.Warn().Msg("legacy plaintext token encountered, rewrite pending")
		return blob, nil
	}
	return "", err
}

func looksLikePlaintextToken(blob string) bool {
	if strings.Count(blob, ".") == 2 {
		return true
	}
	return len(blob) < 64 && !strings.Contains(blob, ".")
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
