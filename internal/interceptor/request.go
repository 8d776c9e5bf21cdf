// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package interceptor guards the protocol boundaries: credential
// extraction and principal resolution for requests, and per-message
// authorization for streams. Extraction order is fixed: bearer token,
// API key, session, PKCE handshake, then anonymous when allowed.
package interceptor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/apikey"
	"github.com/tomtom215/gatewarden/internal/auth"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/ratelimit"
	"github.com/tomtom215/gatewarden/internal/session"
)

// Defaults for credential carriers.
const (
	DefaultAPIKeyHeader  = "x-api-key"
	DefaultAPIKeyQuery   = "api_key"
	DefaultSessionCookie = "gatewarden_session"
	DefaultSessionQuery  = "session_id"
	DefaultRealm         = "gatewarden"
)

type contextKey int

const principalContextKey contextKey = iota

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) *models.AuthResult
}

// APIKeyValidator validates plaintext API keys.
type APIKeyValidator interface {
	Validate(ctx context.Context, plaintext string) *apikey.ValidationResult
}

// SessionValidator validates session ids against caller context.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sid string, callerCtx session.Context) *models.SessionValidation
}

// Config configures the request interceptor.
type Config struct {
	APIKeyHeader  string
	APIKeyQuery   string
	SessionCookie string
	SessionQuery  string

	// AllowAnonymous synthesizes a restricted anonymous principal when no
	// credentials are presented. Presented-but-invalid credentials still
	// fail.
	AllowAnonymous bool

	// Realm is reported in WWW-Authenticate.
	Realm string
}

// Result is the outcome of credential extraction.
type Result struct {
	Authenticated bool
	Method        models.AuthMethod
	Principal     *models.Principal
	Session       *models.Session
	ErrorCode     models.ErrorCode
}

// AuthInterceptor authenticates HTTP requests.
type AuthInterceptor struct {
	cfg      Config
	tokens   TokenValidator
	keys     APIKeyValidator
	sessions SessionValidator
	logger   zerolog.Logger
}

// NewAuthInterceptor creates a request interceptor. Nil validators
// disable their extraction step.
func NewAuthInterceptor(cfg Config, tokens TokenValidator, keys APIKeyValidator, sessions SessionValidator) *AuthInterceptor {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.APIKeyQuery == "" {
		cfg.APIKeyQuery = DefaultAPIKeyQuery
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	if cfg.SessionQuery == "" {
		cfg.SessionQuery = DefaultSessionQuery
	}
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	return &AuthInterceptor{
		cfg:      cfg,
		tokens:   tokens,
		keys:     keys,
		sessions: sessions,
		logger:   logging.With().Str("component", "auth_interceptor").Logger(),
	}
}

// Authenticate walks the extraction order and resolves a principal. A
// presented credential that fails validation terminates the walk; later
// extractors are only consulted when earlier carriers are absent.
func (i *AuthInterceptor) Authenticate(r *http.Request) *Result {
	ctx := r.Context()

	if token, ok := auth.ExtractBearer(r.Header.Get("Authorization")); ok && i.tokens != nil {
		res := i.tokens.ValidateToken(ctx, token)
		if !res.Valid {
			return &Result{Authenticated: false, Method: models.AuthMethodJWT, ErrorCode: res.ErrorCode}
		}
		return &Result{Authenticated: true, Method: models.AuthMethodJWT, Principal: res.Principal}
	}

	if key := i.apiKeyFrom(r); key != "" && i.keys != nil {
		res := i.keys.Validate(ctx, key)
		if !res.Valid {
			return &Result{Authenticated: false, Method: models.AuthMethodAPIKey, ErrorCode: res.ErrorCode}
		}
		return &Result{Authenticated: true, Method: models.AuthMethodAPIKey, Principal: res.Principal}
	}

	if sid := i.sessionFrom(r); sid != "" && i.sessions != nil {
		res := i.sessions.ValidateSession(ctx, sid, session.Context{
			IPAddress: ratelimit.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		if !res.Valid {
			return &Result{Authenticated: false, Method: models.AuthMethodSession, ErrorCode: res.ErrorCode}
		}
		return &Result{
			Authenticated: true,
			Method:        models.AuthMethodSession,
			Principal:     res.Session.Principal,
			Session:       res.Session,
		}
	}

	// A PKCE handshake is not a credential: the provisional principal
	// stays anonymous until the code exchange completes.
	q := r.URL.Query()
	if challenge, state := q.Get("code_challenge"), q.Get("state"); challenge != "" && state != "" {
		return &Result{
			Authenticated: true,
			Method:        models.AuthMethodPKCE,
			Principal: &models.Principal{
				Username:  "pkce-pending",
				Anonymous: true,
				Attributes: map[string]string{
					"auth_method":    string(models.AuthMethodPKCE),
					"pkce_state":     state,
					"code_challenge": challenge,
				},
			},
		}
	}

	if i.cfg.AllowAnonymous {
		return &Result{
			Authenticated: true,
			Method:        models.AuthMethodAnonymous,
			Principal: &models.Principal{
				Username:  "anonymous",
				Anonymous: true,
			},
		}
	}
	return &Result{Authenticated: false, ErrorCode: models.ErrCodeUnauthorized}
}

// Middleware authenticates the request and stores the result in the
// context, responding 401 with a sanitized envelope on failure.
func (i *AuthInterceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := i.Authenticate(r)
		if !result.Authenticated {
			i.writeUnauthorized(w, r, result)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithResult(r.Context(), result)))
	})
}

func (i *AuthInterceptor) apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get(i.cfg.APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get(i.cfg.APIKeyQuery)
}

func (i *AuthInterceptor) sessionFrom(r *http.Request) string {
	if cookie, err := r.Cookie(i.cfg.SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(i.cfg.SessionQuery)
}

// errorEnvelope is the sanitized failure body at the request boundary.
type errorEnvelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	RequestID  string `json:"requestId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (i *AuthInterceptor) writeUnauthorized(w http.ResponseWriter, r *http.Request, result *Result) {
	code := result.ErrorCode
	if code == "" || !code.ClientVisible() {
		code = models.ErrCodeUnauthorized
	}

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, i.cfg.Realm))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	envelope := errorEnvelope{
		Error:     string(code),
		Message:   "authentication required",
		Code:      string(code),
		RequestID: logging.RequestIDFromContext(r.Context()),
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		i.logger.Debug().Err(err).Msg("error envelope write failed")
	}
}

// ContextWithResult stores the authentication result for handlers.
func ContextWithResult(ctx context.Context, result *Result) context.Context {
	return context.WithValue(ctx, principalContextKey, result)
}

// ResultFromContext returns the authentication result, if any.
func ResultFromContext(ctx context.Context) (*Result, bool) {
	result, ok := ctx.Value(principalContextKey).(*Result)
	return result, ok
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	result, ok := ResultFromContext(ctx)
	if !ok || result.Principal == nil {
		return nil, false
	}
	return result.Principal, true
}
