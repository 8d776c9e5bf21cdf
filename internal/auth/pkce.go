// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/cache"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
)

const (
	// pkceKeyPrefix namespaces PKCE entries in the cache.
	pkceKeyPrefix = "pkce:"

	// verifier length bounds per RFC 7636.
	pkceVerifierMinLen = 43
	pkceVerifierMaxLen = 128

	// verifierAlphabet is the unreserved URI character set of RFC 7636.
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	// softThrottlePerUser is the logged (not enforced) concurrent-pair cap.
	softThrottlePerUser = 10
)

// PKCEConfig configures the PKCE manager.
type PKCEConfig struct {
	// VerifierLength is the generated verifier length. Default: 128.
	VerifierLength int

	// TTL bounds how long a pair stays valid. Default: 600s.
	TTL time.Duration
}

// PKCEManager mints code verifier / challenge / state triples, binds them
// in the cache and validates them single-use (RFC 7636).
type PKCEManager struct {
	cfg    PKCEConfig
	cache  *cache.Facade
	logger zerolog.Logger
}

// NewPKCEManager creates a PKCE manager.
func NewPKCEManager(cfg PKCEConfig, c *cache.Facade) *PKCEManager {
	if cfg.VerifierLength < pkceVerifierMinLen || cfg.VerifierLength > pkceVerifierMaxLen {
		cfg.VerifierLength = pkceVerifierMaxLen
	}
	if cfg.TTL == 0 {
		cfg.TTL = 600 * time.Second
	}
	return &PKCEManager{
		cfg:    cfg,
		cache:  c,
		logger: logging.With().Str("component", "pkce").Logger(),
	}
}

// GenerateOptions carries optional bindings for a new pair.
type GenerateOptions struct {
	UserID   string
	ClientID string
}

// GeneratePair mints a verifier/challenge/state triple, binds it in the
// cache under the hashed state and returns it.
func (m *PKCEManager) GeneratePair(ctx context.Context, opts GenerateOptions) (*models.PKCEPair, error) {
	verifier, err := generateVerifier(m.cfg.VerifierLength)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	now := time.Now()
	pair := &models.PKCEPair{
		CodeVerifier:  verifier,
		CodeChallenge: ComputeChallenge(verifier),
		Method:        "S256",
		State:         state,
		UserID:        opts.UserID,
		ClientID:      opts.ClientID,
		SessionID:     uuid.New().String(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.TTL),
	}

	if err := m.cache.Set(ctx, stateKey(state), pair, m.cfg.TTL); err != nil {
		return nil, fmt.Errorf("bind pkce pair: %w", err)
	}

	if opts.UserID != "" {
		m.trackUser(ctx, opts.UserID)
	}
	return pair, nil
}

// ValidationResult is the outcome of a PKCE validation.
type ValidationResult struct {
	Valid     bool
	Pair      *models.PKCEPair
	ErrorCode models.ErrorCode
}

// Validate checks the verifier against the stored pair for state. On
// success the cache entry is invalidated: a pair is single-use.
func (m *PKCEManager) Validate(ctx context.Context, state, verifier string) (*ValidationResult, error) {
	if !ValidVerifierFormat(verifier) {
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeInvalidRequest}, nil
	}

	key := stateKey(state)
	var pair models.PKCEPair
	found, err := m.cache.Get(ctx, key, &pair)
	if err != nil {
		return nil, err
	}
	if !found || pair.IsExpired() {
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeInvalidGrant}, nil
	}

	computed := ComputeChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(pair.CodeChallenge)) != 1 {
		m.logger.Warn().Str("user_id", logging.SanitizeUserID(pair.UserID)).Msg("PKCE challenge mismatch")
		return &ValidationResult{Valid: false, ErrorCode: models.ErrCodeInvalidGrant}, nil
	}

	// Single-use: remove before returning success so a replay of the same
	// state observes invalid_grant.
	if err := m.cache.Invalidate(ctx, key); err != nil {
		return nil, err
	}
	return &ValidationResult{Valid: true, Pair: &pair}, nil
}

// AuthorizationURL appends PKCE parameters, state and caller extras to the
// IdP authorization endpoint.
func (m *PKCEManager) AuthorizationURL(endpoint string, pair *models.PKCEPair, extras url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("code_challenge", pair.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pair.State)
	for k, vs := range extras {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// trackUser keeps a soft per-user counter of outstanding pairs; exceeding
// the threshold is logged, never blocked.
func (m *PKCEManager) trackUser(ctx context.Context, userID string) {
	key := pkceKeyPrefix + "user:" + userID
	count, _, err := m.cache.GetString(ctx, key)
	if err != nil {
		return
	}
	n := 1
	if count != "" {
		_, _ = fmt.Sscanf(count, "%d", &n)
		n++
	}
	_ = m.cache.SetString(ctx, key, fmt.Sprintf("%d", n), m.cfg.TTL)
	if n > softThrottlePerUser {
		m.logger.Warn().
			Str("user_id", logging.SanitizeUserID(userID)).
			Int("outstanding", n).
			Msg("high number of concurrent PKCE pairs for user")
	}
}

// ValidVerifierFormat reports whether the verifier satisfies
// ^[A-Za-z0-9\-._~]{43,128}$ without using a regex.
func ValidVerifierFormat(verifier string) bool {
	if len(verifier) < pkceVerifierMinLen || len(verifier) > pkceVerifierMaxLen {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
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

// ComputeChallenge derives the S256 code challenge from a verifier.
func ComputeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// stateKey hashes the state so raw states never appear as cache keys.
func stateKey(state string) string {
	sum := sha256.Sum256([]byte(state))
	return pkceKeyPrefix + hex.EncodeToString(sum[:])[:32]
}

func generateVerifier(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		raw[i] = verifierAlphabet[int(b)%len(verifierAlphabet)]
	}
	return string(raw), nil
}

func generateState() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
