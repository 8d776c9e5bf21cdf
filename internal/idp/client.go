// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package idp is the HTTP client for the external OpenID Connect identity
// provider: discovery, token grants, userinfo, introspection, RP-initiated
// logout and the admin users API.
//
// Transient upstream failures (transport errors, 5xx) are retried with
// exponential backoff; 4xx responses are permanent and surface immediately.
package idp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/metrics"
)

// Client errors.
var (
	// ErrDiscoveryFailed indicates the discovery document could not be fetched.
	ErrDiscoveryFailed = errors.New("OIDC discovery failed")

	// ErrInvalidGrant indicates the IdP rejected the supplied credentials.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUpstream indicates a transport failure or 5xx after retries.
	ErrUpstream = errors.New("identity provider unavailable")

	// ErrUnsupportedAlgorithm indicates the IdP does not sign with RS256.
	ErrUnsupportedAlgorithm = errors.New("identity provider does not support RS256")
)

// Config holds the IdP connection settings.
type Config struct {
	// ServerURL is the IdP base URL (e.g. "https://idp.example.com").
	ServerURL string

	// Realm selects the realm; issuer is <ServerURL>/realms/<Realm>.
	Realm string

	ClientID     string
	ClientSecret string
	Scopes       []string

	// Timeout bounds every IdP call except introspection. Default: 5s.
	Timeout time.Duration

	// IntrospectionTimeout bounds introspection calls. Default: 2s.
	IntrospectionTimeout time.Duration

	// MaxRetries caps retry attempts for transient failures. Default: 3.
	MaxRetries uint

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Discovery is the subset of the OIDC discovery document Gatewarden uses.
type Discovery struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	IntrospectionEndpoint string   `json:"introspection_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint"`
	IDTokenSigningAlgs    []string `json:"id_token_signing_alg_values_supported"`
}

// Client talks to the IdP. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	discovery *Discovery
	sf        singleflight.Group
}

// New creates an IdP client. Discovery is lazy; call Discover during
// startup to fail fast.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IntrospectionTimeout == 0 {
		cfg.IntrospectionTimeout = 2 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		client: httpClient,
		logger: logging.With().Str("component", "idp").Logger(),
	}
}

// IssuerURL returns the expected issuer for this realm.
func (c *Client) IssuerURL() string {
	return strings.TrimSuffix(c.cfg.ServerURL, "/") + "/realms/" + c.cfg.Realm
}

// ClientID returns the configured OAuth client id.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// Scopes returns the configured scopes.
func (c *Client) Scopes() []string {
	return append([]string(nil), c.cfg.Scopes...)
}

// Discover fetches and caches the discovery document. Concurrent callers
// share a single in-flight fetch.
func (c *Client) Discover(ctx context.Context) (*Discovery, error) {
	c.mu.RLock()
	d := c.discovery
	c.mu.RUnlock()
	if d != nil {
		return d, nil
	}

	v, err, _ := c.sf.Do("discovery", func() (interface{}, error) {
		return c.fetchDiscovery(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Discovery), nil
}

func (c *Client) fetchDiscovery(ctx context.Context) (*Discovery, error) {
	start := time.Now()
	url := c.IssuerURL() + "/.well-known/openid-configuration"

	var discovery Discovery
	err := c.getJSON(ctx, url, "", &discovery)
	if err != nil {
		metrics.ObserveIdPRequest("discovery", "error", start)
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}

	rs256 := false
	for _, alg := range discovery.IDTokenSigningAlgs {
		if alg == "RS256" {
			rs256 = true
			break
		}
	}
	if len(discovery.IDTokenSigningAlgs) > 0 && !rs256 {
		metrics.ObserveIdPRequest("discovery", "error", start)
		return nil, ErrUnsupportedAlgorithm
	}

	c.mu.Lock()
	c.discovery = &discovery
	c.mu.Unlock()

	metrics.ObserveIdPRequest("discovery", "ok", start)
	c.logger.Info().Str("issuer", discovery.Issuer).Msg("OIDC discovery loaded")
	return &discovery, nil
}

// retry runs op with exponential backoff for transient failures.
func retry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.cfg.MaxRetries),
	)
}

// getJSON performs a GET with optional bearer auth, retrying transient
// failures, and decodes the JSON response into dest.
func (c *Client) getJSON(ctx context.Context, url, bearer string, dest interface{}) error {
	body, err := retry(ctx, c, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		return c.do(req)
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}

// do executes the request and classifies the response: 2xx returns the
// body, 5xx is retryable, anything else is permanent.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrInvalidGrant, resp.StatusCode, oauthErrorOf(body)))
	default:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, oauthErrorOf(body)))
	}
}

// oauthErrorOf extracts the "error" field of an OAuth error body, if any.
func oauthErrorOf(body []byte) string {
	var e struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return "unparseable error body"
	}
	if e.Description != "" {
		return e.Error + ": " + e.Description
	}
	return e.Error
}
