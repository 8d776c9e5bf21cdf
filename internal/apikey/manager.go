// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package apikey issues and validates long-lived API keys. Plaintext keys
// are returned exactly once at generation; only a bcrypt hash and a short
// preview are stored.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	validationKeyPrefix  = "api_key_validation:"
	defaultValidationTTL = 300 * time.Second

	// DefaultKeyPrefix marks keys issued without an explicit prefix.
	DefaultKeyPrefix = "ak"

	defaultHashCost = 12
	keyRandomBytes  = 32
)

// Manager errors.
var (
	// ErrKeyNotFound indicates no key row matches the id.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrDBUnavailable wraps database connectivity failures.
	ErrDBUnavailable = errors.New("database unavailable")
)

// DB is the subset of pgxpool.Pool the manager uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ManagerConfig configures key issuance and validation.
type ManagerConfig struct {
	// Prefix is prepended to generated keys. Default: "ak".
	Prefix string

	// HashCost is the bcrypt cost for key hashes. Default: 12.
	HashCost int

	// ValidationCacheTTL bounds cached positive validations. Default: 300s.
	// Revocation cannot target these entries (they are keyed by a hash of
	// the plaintext), so it takes effect within this TTL at the latest.
	ValidationCacheTTL time.Duration
}

// GenerateOptions describes the key to mint.
type GenerateOptions struct {
	Name        string
	UserID      string
	StoreID     string
	Permissions []string
	Scopes      []string
	ExpiresAt   *time.Time
	Metadata    map[string]string
}

// ValidationResult is the outcome of validating a plaintext key.
type ValidationResult struct {
	Valid     bool
	Key       *models.APIKey
	Principal *models.Principal
	ErrorCode models.ErrorCode
}

// Manager owns the API key lifecycle.
type Manager struct {
	cfg    ManagerConfig
	db     DB
	cache  *cache.Facade
	logger zerolog.Logger
}

// NewManager creates an API key manager.
func NewManager(cfg ManagerConfig, db DB, c *cache.Facade) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultKeyPrefix
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = defaultHashCost
	}
	if cfg.ValidationCacheTTL == 0 {
		cfg.ValidationCacheTTL = defaultValidationTTL
	}
	return &Manager{
		cfg:    cfg,
		db:     db,
		cache:  c,
		logger: logging.With().Str("component", "apikey_manager").Logger(),
	}
}

const insertKeySQL = `
INSERT INTO api_keys (
	id, name, key_hash, key_preview, user_id, store_id,
	permissions, scopes, usage_count, is_active,
	expires_at, created_at, updated_at, metadata
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, 0, true, $9, now(), now(), $10
)`

// Generate mints a new key. The returned plaintext is the only copy that
// will ever exist; the row stores the bcrypt hash and a preview.
func (m *Manager) Generate(ctx context.Context, opts GenerateOptions) (string, *models.APIKey, error) {
	if opts.UserID == "" {
		return "", nil, fmt.Errorf("generate api key: user id required")
	}

	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext := m.cfg.Prefix + "_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), m.cfg.HashCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read"}
	}

	now := time.Now()
	key := &models.APIKey{
		ID:          uuid.New().String(),
		Name:        opts.Name,
		KeyHash:     string(hash),
		KeyPreview:  plaintext[:8] + "..." + plaintext[len(plaintext)-4:],
		UserID:      opts.UserID,
		StoreID:     opts.StoreID,
		Permissions: opts.Permissions,
		Scopes:      scopes,
		IsActive:    true,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    opts.Metadata,
	}

	_, err = m.db.Exec(ctx, insertKeySQL,
		key.ID, key.Name, key.KeyHash, key.KeyPreview, key.UserID, key.StoreID,
		key.Permissions, key.Scopes, key.ExpiresAt, key.Metadata,
	)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	m.logger.Info().
		Str("key_id", key.ID).
		Str("user_id", logging.SanitizeUserID(key.UserID)).
		Str("preview", key.KeyPreview).
		Msg("api key generated")
	return plaintext, key.Scrub(), nil
}

const selectCandidatesSQL = `
SELECT id, name, key_hash, key_preview, user_id, store_id,
	permissions, scopes, usage_count, last_used_at, is_active,
	expires_at, created_at, updated_at, revoked_at, revoked_by, metadata
FROM api_keys
WHERE is_active = true
  AND (expires_at IS NULL OR expires_at > now())
  AND revoked_at IS NULL`

// Validate checks a plaintext key. Successful validations are cached
// under a hash of the plaintext so repeated calls skip the bcrypt scan.
func (m *Manager) Validate(ctx context.Context, plaintext string) *ValidationResult {
	if !ValidKeyFormat(plaintext, m.cfg.Prefix) {
		metrics.APIKeyValidations.WithLabelValues("invalid").Inc()
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeInvalidRequest}
	}

	cacheKey := validationKeyPrefix + keyHash(plaintext)
	var cached models.APIKey
	if found, err := m.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		metrics.APIKeyValidations.WithLabelValues("valid").Inc()
		m.bumpUsage(ctx, cached.ID)
		return &ValidationResult{Valid: true, Key: &cached, Principal: principalFor(&cached)}
	}

	rows, err := m.db.Query(ctx, selectCandidatesSQL)
	if err != nil {
		m.logger.Error().Err(err).Msg("api key candidate query failed")
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeDBUnavailable}
	}
	defer rows.Close()

	var match *models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeDBUnavailable}
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) == nil {
			match = key
			break
		}
	}
	if err := rows.Err(); err != nil {
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeDBUnavailable}
	}

	if match == nil {
		metrics.APIKeyValidations.WithLabelValues("invalid").Inc()
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeUnauthorized}
	}

	m.bumpUsage(ctx, match.ID)
	scrubbed := match.Scrub()
	if err := m.cache.Set(ctx, cacheKey, scrubbed, m.cfg.ValidationCacheTTL); err != nil {
		m.logger.Debug().Err(err).Msg("api key validation cache write failed")
	}
	metrics.APIKeyValidations.WithLabelValues("valid").Inc()
	return &ValidationResult{Valid: true, Key: scrubbed, Principal: principalFor(scrubbed)}
}

// bumpUsage records one use. Best-effort; validation does not fail on a
// lost usage increment.
func (m *Manager) bumpUsage(ctx context.Context, id string) {
	_, err := m.db.Exec(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		m.logger.Debug().Err(err).Msg("api key usage update failed")
	}
}

const revokeKeySQL = `
UPDATE api_keys
SET is_active = false,
    revoked_at = now(),
    revoked_by = $2,
    updated_at = now(),
    metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
WHERE id = $1 AND revoked_at IS NULL`

// Revoke deactivates a key and records who revoked it and why in the
// metadata column.
func (m *Manager) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	extra := map[string]string{}
	if reason != "" {
		extra["revocationReason"] = reason
	}
	tag, err := m.db.Exec(ctx, revokeKeySQL, id, revokedBy, extra)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	metrics.APIKeyValidations.WithLabelValues("revoked").Inc()
	m.logger.Info().
		Str("key_id", id).
		Str("revoked_by", logging.SanitizeUserID(revokedBy)).
		Msg("api key revoked")
	return nil
}

const listKeysSQL = selectCandidatesSQL + ` AND user_id = $1 ORDER BY created_at DESC`

// List returns the user's active keys, scrubbed of their hashes.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := m.db.Query(ctx, listKeysSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key.Scrub())
	}
	return keys, rows.Err()
}

// Stats summarizes the key population.
type Stats struct {
	ActiveKeys int64 `json:"active_keys"`
	TotalKeys  int64 `json:"total_keys"`
}

// HealthCheck verifies database reachability and returns key counts.
func (m *Manager) HealthCheck(ctx context.Context) (*Stats, error) {
	var one int
	if err := m.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	var stats Stats
	err := m.db.QueryRow(ctx, `
SELECT count(*) FILTER (WHERE is_active AND revoked_at IS NULL), count(*)
FROM api_keys`).Scan(&stats.ActiveKeys, &stats.TotalKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	return &stats, nil
}

// ValidKeyFormat checks the plaintext shape without touching storage:
// the recognized prefix, an underscore separator and the token charset.
func ValidKeyFormat(plaintext, prefix string) bool {
	rest, ok := strings.CutPrefix(plaintext, prefix+"_")
	if !ok || rest == "" {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// principalFor builds the principal a validated key authenticates as.
func principalFor(key *models.APIKey) *models.Principal {
	attrs := map[string]string{
		"auth_method": string(models.AuthMethodAPIKey),
		"api_key_id":  key.ID,
	}
	if key.StoreID != "" {
		attrs["store_id"] = key.StoreID
	}
	return &models.Principal{
		ID:          key.UserID,
		Username:    key.Name,
		Permissions: append([]string(nil), key.Permissions...),
		Attributes:  attrs,
	}
}

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var key models.APIKey
	err := row.Scan(
		&key.ID, &key.Name, &key.KeyHash, &key.KeyPreview, &key.UserID, &key.StoreID,
		&key.Permissions, &key.Scopes, &key.UsageCount, &key.LastUsedAt, &key.IsActive,
		&key.ExpiresAt, &key.CreatedAt, &key.UpdatedAt, &key.RevokedAt, &key.RevokedBy, &key.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// keyHash derives the cache key component from the plaintext.
func keyHash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])[:16]
}
