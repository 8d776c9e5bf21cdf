// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/gatewarden/internal/apikey"
	"github.com/tomtom215/gatewarden/internal/auth"
	"github.com/tomtom215/gatewarden/internal/facade"
	"github.com/tomtom215/gatewarden/internal/interceptor"
	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
	"github.com/tomtom215/gatewarden/internal/ratelimit"
	"github.com/tomtom215/gatewarden/internal/session"
)

func (rt *Router) callerContext(r *http.Request) session.Context {
	return session.Context{
		IPAddress: ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (rt *Router) setSessionCookie(w http.ResponseWriter, sess *models.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     rt.cfg.SessionCookie,
		Value:    sess.SessionID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   rt.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (rt *Router) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     rt.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   rt.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

type sessionResponse struct {
	SessionID string            `json:"sessionId"`
	UserID    string            `json:"userId"`
	Username  string            `json:"username"`
	Roles     []string          `json:"roles,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toSessionResponse(sess *models.Session) sessionResponse {
	resp := sessionResponse{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
		CreatedAt: sess.CreatedAt,
		Metadata:  sess.Metadata,
	}
	if sess.Principal != nil {
		resp.Username = sess.Principal.Username
		resp.Roles = sess.Principal.Roles
	}
	return resp
}

// Login handles the resource-owner-password ceremony.
func (rt *Router) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, r, models.ErrCodeInvalidRequest, "username and password are required")
		return
	}

	sess, err := rt.facade.AuthenticateWithPassword(r.Context(), body.Username, body.Password, rt.callerContext(r))
	if err != nil {
		log := logging.Ctx(r.Context())
		log.Warn().
			Str("username", logging.SanitizeUsername(body.Username)).
			Err(err).
			Msg("password authentication failed")
		writeError(w, r, models.ErrCodeInvalidGrant, "invalid credentials")
		return
	}

	rt.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// ExchangeCode handles the authorization-code ceremony, PKCE-bound when a
// state/verifier pair is presented.
func (rt *Router) ExchangeCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code         string `json:"code"`
		RedirectURI  string `json:"redirectUri"`
		State        string `json:"state"`
		CodeVerifier string `json:"codeVerifier"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Code == "" || body.RedirectURI == "" {
		writeError(w, r, models.ErrCodeInvalidRequest, "code and redirectUri are required")
		return
	}

	if body.State != "" && rt.pkce != nil {
		res, err := rt.pkce.Validate(r.Context(), body.State, body.CodeVerifier)
		if err != nil {
			writeError(w, r, models.ErrCodeCacheUnavailable, "")
			return
		}
		if !res.Valid {
			writeError(w, r, res.ErrorCode, "pkce validation failed")
			return
		}
	}

	sess, err := rt.facade.AuthenticateWithCode(r.Context(), body.Code, body.RedirectURI, body.CodeVerifier, rt.callerContext(r))
	if err != nil {
		log := logging.Ctx(r.Context())
		log.Warn().Err(err).Msg("code exchange failed")
		writeError(w, r, models.ErrCodeInvalidGrant, "code exchange rejected")
		return
	}

	rt.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// StartPKCE mints a verifier/challenge/state triple for a public client.
func (rt *Router) StartPKCE(w http.ResponseWriter, r *http.Request) {
	if rt.pkce == nil {
		writeError(w, r, models.ErrCodeInvalidRequest, "pkce is not enabled")
		return
	}
	pair, err := rt.pkce.GeneratePair(r.Context(), auth.GenerateOptions{})
	if err != nil {
		writeError(w, r, models.ErrCodeCacheUnavailable, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":         pair.State,
		"codeVerifier":  pair.CodeVerifier,
		"codeChallenge": pair.CodeChallenge,
		"method":        pair.Method,
		"expiresAt":     pair.ExpiresAt,
	})
}

// Logout destroys the presented session.
func (rt *Router) Logout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FromIdP     bool `json:"fromIdP"`
		AllSessions bool `json:"allSessions"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	sid := ""
	if cookie, err := r.Cookie(rt.cfg.SessionCookie); err == nil {
		sid = cookie.Value
	}
	if sid == "" {
		sid = r.URL.Query().Get(interceptor.DefaultSessionQuery)
	}
	if sid == "" {
		writeError(w, r, models.ErrCodeInvalidRequest, "no session presented")
		return
	}

	destroyed, err := rt.facade.Logout(r.Context(), sid, rt.callerContext(r), facade.LogoutOptions{
		FromIdP:     body.FromIdP,
		AllSessions: body.AllSessions,
	})
	if err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}

	rt.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]int{"destroyed": destroyed})
}

// ListSessions returns the caller's active sessions.
func (rt *Router) ListSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := interceptor.PrincipalFromContext(r.Context())
	if !ok || principal.Anonymous {
		writeError(w, r, models.ErrCodeUnauthorized, "authentication required")
		return
	}

	sessions, err := rt.sessions.GetUserSessions(r.Context(), principal.ID)
	if err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

// RotateSession mints a replacement sid for the presented session.
func (rt *Router) RotateSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(rt.cfg.SessionCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, r, models.ErrCodeInvalidRequest, "no session presented")
		return
	}

	sess, err := rt.sessions.RotateSession(r.Context(), cookie.Value, rt.callerContext(r))
	if err != nil {
		writeError(w, r, models.ErrCodeSessionNotFound, "session not found")
		return
	}

	rt.setSessionCookie(w, sess)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// DestroySession destroys one of the caller's sessions by sid.
func (rt *Router) DestroySession(w http.ResponseWriter, r *http.Request) {
	principal, ok := interceptor.PrincipalFromContext(r.Context())
	if !ok || principal.Anonymous {
		writeError(w, r, models.ErrCodeUnauthorized, "authentication required")
		return
	}
	sid := chi.URLParam(r, "sid")

	// Only the owner may destroy a session.
	owned, err := rt.sessions.GetUserSessions(r.Context(), principal.ID)
	if err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	found := false
	for _, sess := range owned {
		if sess.SessionID == sid {
			found = true
			break
		}
	}
	if !found {
		writeError(w, r, models.ErrCodeSessionNotFound, "session not found")
		return
	}

	if err := rt.sessions.DestroySession(r.Context(), sid, models.DestroyReasonLogout); err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"destroyed": true})
}

type apiKeyRequest struct {
	Name        string            `json:"name"`
	Permissions []string          `json:"permissions"`
	Scopes      []string          `json:"scopes"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CreateAPIKey mints a key for the caller. The plaintext appears exactly
// once, in this response.
func (rt *Router) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := interceptor.PrincipalFromContext(r.Context())
	if !ok || principal.Anonymous {
		writeError(w, r, models.ErrCodeUnauthorized, "authentication required")
		return
	}

	var body apiKeyRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, r, models.ErrCodeInvalidRequest, "name is required")
		return
	}

	plaintext, key, err := rt.keys.Generate(r.Context(), apikey.GenerateOptions{
		Name:        body.Name,
		UserID:      principal.ID,
		Permissions: body.Permissions,
		Scopes:      body.Scopes,
		ExpiresAt:   body.ExpiresAt,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":     plaintext,
		"apiKey":  key,
		"warning": "store this key now; it cannot be retrieved again",
	})
}

// ListAPIKeys returns the caller's keys, scrubbed.
func (rt *Router) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := interceptor.PrincipalFromContext(r.Context())
	if !ok || principal.Anonymous {
		writeError(w, r, models.ErrCodeUnauthorized, "authentication required")
		return
	}

	keys, err := rt.keys.List(r.Context(), principal.ID)
	if err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// RevokeAPIKey revokes one of the caller's keys.
func (rt *Router) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := interceptor.PrincipalFromContext(r.Context())
	if !ok || principal.Anonymous {
		writeError(w, r, models.ErrCodeUnauthorized, "authentication required")
		return
	}
	id := chi.URLParam(r, "id")

	err := rt.keys.Revoke(r.Context(), id, principal.ID, "revoked via api")
	if err != nil {
		if errors.Is(err, apikey.ErrKeyNotFound) {
			writeError(w, r, models.ErrCodeInvalidRequest, "unknown key")
			return
		}
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// GetAbility serves the caller's serialized frontend ability: the rule
// set derived from their expanded roles, for client-side can() checks.
func (rt *Router) GetAbility(w http.ResponseWriter, r *http.Request) {
	result, ok := interceptor.ResultFromContext(r.Context())
	if !ok || result.Principal == nil {
		writeError(w, r, models.ErrCodeUnauthorized, "")
		return
	}
	sid := ""
	if result.Session != nil {
		sid = result.Session.SessionID
	}
	ability, err := rt.abilities.CreateAbility(r.Context(), result.Principal, sid)
	if err != nil {
		writeError(w, r, models.ErrCodeInternal, "")
		return
	}
	writeJSON(w, http.StatusOK, ability)
}

// GetStats serves the facade's operational snapshot.
func (rt *Router) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.facade.GetStats(r.Context())
	if err != nil {
		writeError(w, r, models.ErrCodeDBUnavailable, "")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health aggregates dependency probes; 503 when any is down.
func (rt *Router) Health(w http.ResponseWriter, r *http.Request) {
	h := rt.facade.HealthCheck(r.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// HealthLive reports process liveness only.
func (rt *Router) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness to serve authenticated traffic.
func (rt *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	rt.Health(w, r)
}
