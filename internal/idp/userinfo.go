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

// userinfoResponse is the IdP userinfo payload.
type userinfoResponse struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// Userinfo fetches the authenticated user's profile with the access token.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (*models.Principal, error) {
	start := time.Now()

	discovery, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var ui userinfoResponse
	if err := c.getJSON(ctx, discovery.UserinfoEndpoint, accessToken, &ui); err != nil {
		metrics.ObserveIdPRequest("userinfo", "error", start)
		return nil, err
	}
	metrics.ObserveIdPRequest("userinfo", "ok", start)

	principal := &models.Principal{
		ID:       ui.Sub,
		Username: ui.PreferredUsername,
		Email:    ui.Email,
	}
	for _, r := range ui.RealmAccess.Roles {
		principal.Roles = append(principal.Roles, prefixRole("realm", r))
	}
	for _, access := range ui.ResourceAccess {
		for _, r := range access.Roles {
			principal.Roles = append(principal.Roles, prefixRole("client", r))
		}
	}
	return principal, nil
}

// prefixRole normalizes a role to its "realm:"/"client:" prefixed form.
func prefixRole(scope, role string) string {
	if strings.HasPrefix(role, "realm:") || strings.HasPrefix(role, "client:") {
		return role
	}
	return scope + ":" + role
}

// IntrospectionResult is the introspection endpoint payload.
type IntrospectionResult struct {
	Active      bool     `json:"active"`
	Sub         string   `json:"sub"`
	Username    string   `json:"username"`
	Scope       string   `json:"scope"`
	Exp         int64    `json:"exp"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// Introspect validates an opaque token at the IdP introspection endpoint
// using client credentials. Bounded by the introspection timeout.
func (c *Client) Introspect(ctx context.Context, token string) (*IntrospectionResult, error) {
	start := time.Now()

	discovery, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.IntrospectionTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)
	encoded := form.Encode()

	body, err := retry(ctx, c, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, discovery.IntrospectionEndpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
		return c.do(req)
	})
	if err != nil {
		metrics.ObserveIdPRequest("introspect", "error", start)
		return nil, err
	}

	var result IntrospectionResult
	if err := json.Unmarshal(body, &result); err != nil {
		metrics.ObserveIdPRequest("introspect", "error", start)
		return nil, err
	}
	metrics.ObserveIdPRequest("introspect", "ok", start)
	return &result, nil
}

// Principal converts an active introspection result to a principal.
func (r *IntrospectionResult) Principal() *models.Principal {
	p := &models.Principal{
		ID:       r.Sub,
		Username: r.Username,
	}
	for _, role := range r.RealmAccess.Roles {
		p.Roles = append(p.Roles, prefixRole("realm", role))
	}
	for _, access := range r.ResourceAccess {
		for _, role := range access.Roles {
			p.Roles = append(p.Roles, prefixRole("client", role))
		}
	}
	return p
}
