// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package idp

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewarden/internal/metrics"
	"github.com/tomtom215/gatewarden/internal/models"
)

// tokenResponse is the IdP token endpoint payload.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	IDToken          string `json:"id_token"`
	Scope            string `json:"scope"`
	SessionState     string `json:"session_state"`
}

// TokenResult is a token bundle plus the IdP's own session id.
type TokenResult struct {
	models.TokenBundle
	IdPSessionID string
}

// PasswordGrant performs the resource-owner-password flow.
func (c *Client) PasswordGrant(ctx context.Context, username, password string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	if len(c.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}
	return c.tokenGrant(ctx, "password", form)
}

// CodeGrant exchanges an authorization code, PKCE-bound when codeVerifier
// is non-empty.
func (c *Client) CodeGrant(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.tokenGrant(ctx, "code", form)
}

// RefreshGrant exchanges a refresh token for new tokens.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.tokenGrant(ctx, "refresh", form)
}

// ClientCredentialsGrant obtains a service-account token for admin calls.
func (c *Client) ClientCredentialsGrant(ctx context.Context) (*TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	return c.tokenGrant(ctx, "client_credentials", form)
}

func (c *Client) tokenGrant(ctx context.Context, kind string, form url.Values) (*TokenResult, error) {
	start := time.Now()

	discovery, err := c.Discover(ctx)
	if err != nil {
		metrics.ObserveIdPRequest("token", "error", start)
		return nil, err
	}

	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	encoded := form.Encode()

	body, err := retry(ctx, c, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, discovery.TokenEndpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.do(req)
	})
	if err != nil {
		metrics.ObserveIdPRequest("token", "error", start)
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		metrics.ObserveIdPRequest("token", "error", start)
		return nil, err
	}

	now := time.Now()
	result := &TokenResult{
		TokenBundle: models.TokenBundle{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			IDToken:      tr.IDToken,
			TokenType:    tr.TokenType,
			ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		},
		IdPSessionID: tr.SessionState,
	}
	if tr.RefreshExpiresIn > 0 {
		result.RefreshExpiresAt = now.Add(time.Duration(tr.RefreshExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		result.Scopes = strings.Fields(tr.Scope)
	}

	metrics.ObserveIdPRequest("token", "ok", start)
	c.logger.Debug().Str("grant", kind).Msg("token grant succeeded")
	return result, nil
}

// EndSession performs RP-initiated logout at the IdP using the refresh
// token. A missing end_session_endpoint is not an error.
func (c *Client) EndSession(ctx context.Context, refreshToken string) error {
	start := time.Now()

	discovery, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	if discovery.EndSessionEndpoint == "" {
		return nil
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	form.Set("refresh_token", refreshToken)
	encoded := form.Encode()

	_, err = retry(ctx, c, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, discovery.EndSessionEndpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return c.do(req)
	})
	if err != nil {
		metrics.ObserveIdPRequest("end_session", "error", start)
		return err
	}
	metrics.ObserveIdPRequest("end_session", "ok", start)
	return nil
}
