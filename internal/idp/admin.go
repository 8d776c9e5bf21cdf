// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package idp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewarden/internal/metrics"
)

// AdminUser is the admin-API user representation.
type AdminUser struct {
	ID            string              `json:"id,omitempty"`
	Username      string              `json:"username"`
	Email         string              `json:"email,omitempty"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// AdminCredential sets a user's password via the admin API.
type AdminCredential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// adminURL builds an admin-API path for the configured realm.
func (c *Client) adminURL(parts ...string) string {
	base := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/admin/realms/" + c.cfg.Realm
	if len(parts) == 0 {
		return base
	}
	return base + "/" + strings.Join(parts, "/")
}

// adminToken obtains a service-account bearer for admin calls.
func (c *Client) adminToken(ctx context.Context) (string, error) {
	result, err := c.ClientCredentialsGrant(ctx)
	if err != nil {
		return "", fmt.Errorf("obtain admin token: %w", err)
	}
	return result.AccessToken, nil
}

// CreateUser creates a user via the admin API and returns its id.
func (c *Client) CreateUser(ctx context.Context, user *AdminUser, password string) (string, error) {
	start := time.Now()

	token, err := c.adminToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(user)
	if err != nil {
		return "", err
	}

	var location string
	_, err = retry(ctx, c, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminURL("users"), bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusCreated:
			location = resp.Header.Get("Location")
			return nil, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("create user: status %d", resp.StatusCode))
		}
	})
	if err != nil {
		metrics.ObserveIdPRequest("admin_users", "error", start)
		return "", err
	}
	metrics.ObserveIdPRequest("admin_users", "ok", start)

	// The new user's id is the trailing path segment of the Location header.
	userID := location
	if i := strings.LastIndexByte(location, '/'); i >= 0 {
		userID = location[i+1:]
	}

	if password != "" && userID != "" {
		if err := c.setPassword(ctx, token, userID, password); err != nil {
			return userID, err
		}
	}
	return userID, nil
}

func (c *Client) setPassword(ctx context.Context, token, userID, password string) error {
	cred, err := json.Marshal(&AdminCredential{Type: "password", Value: password})
	if err != nil {
		return err
	}
	_, err = retry(ctx, c, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.adminURL("users", userID, "reset-password"), bytes.NewReader(cred))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return c.do(req)
	})
	return err
}

// GetUser fetches a user by id via the admin API.
func (c *Client) GetUser(ctx context.Context, userID string) (*AdminUser, error) {
	start := time.Now()

	token, err := c.adminToken(ctx)
	if err != nil {
		return nil, err
	}

	var user AdminUser
	if err := c.getJSON(ctx, c.adminURL("users", userID), token, &user); err != nil {
		metrics.ObserveIdPRequest("admin_users", "error", start)
		return nil, err
	}
	metrics.ObserveIdPRequest("admin_users", "ok", start)
	return &user, nil
}

// GetUserRoles fetches a user's realm role mappings via the admin API.
func (c *Client) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	token, err := c.adminToken(ctx)
	if err != nil {
		return nil, err
	}

	var mappings []struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, c.adminURL("users", userID, "role-mappings", "realm"), token, &mappings); err != nil {
		return nil, err
	}

	roles := make([]string, 0, len(mappings))
	for _, m := range mappings {
		roles = append(roles, m.Name)
	}
	return roles, nil
}
