// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package auth implements the token lifecycle: JWT validation against the
// IdP JWKS, opaque-token introspection, the caching token manager, PKCE
// ceremonies and refresh-token scheduling.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/gatewarden/internal/metrics"
)

// JWKS errors.
var (
	// ErrJWKSUnavailable indicates the key set could not be fetched.
	ErrJWKSUnavailable = errors.New("JWKS unavailable")

	// ErrKeyNotFound indicates no key matches the requested kid.
	ErrKeyNotFound = errors.New("signing key not found")
)

// minRefreshInterval bounds how often a kid miss may trigger an upstream
// fetch, so an attacker cannot stampede the JWKS endpoint with unknown kids.
const minRefreshInterval = 30 * time.Second

// JWKSCache caches the IdP's RSA public keys by kid with TTL support.
// Refreshes are single-flight: concurrent misses share one fetch.
type JWKSCache struct {
	uri        string
	httpClient *http.Client
	ttl        time.Duration

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetched     time.Time
	lastAttempt time.Time

	sf singleflight.Group
}

// NewJWKSCache creates a JWKS cache for the given endpoint.
func NewJWKSCache(uri string, client *http.Client, ttl time.Duration) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &JWKSCache{
		uri:        uri,
		httpClient: client,
		ttl:        ttl,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// GetKey retrieves the key for kid, refreshing the cache when the entry is
// missing or the TTL has lapsed. A stale key is served when refresh fails.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetched) > c.ttl
	throttled := time.Since(c.lastAttempt) < minRefreshInterval
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}
	if !ok && throttled {
		// Unknown kid inside the throttle window: do not hit upstream again.
		if key != nil {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	v, err, _ := c.sf.Do(c.uri, func() (interface{}, error) {
		return c.refreshKeys(ctx)
	})
	if err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}

	keys := v.(map[string]*rsa.PublicKey)
	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// Warm fetches the key set eagerly (used at startup).
func (c *JWKSCache) Warm(ctx context.Context) error {
	_, err, _ := c.sf.Do(c.uri, func() (interface{}, error) {
		return c.refreshKeys(ctx)
	})
	return err
}

func (c *JWKSCache) refreshKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	c.mu.Lock()
	// Another caller may have refreshed while this one queued on the flight.
	if time.Since(c.fetched) < minRefreshInterval && len(c.keys) > 0 {
		keys := c.keys
		c.mu.Unlock()
		return keys, nil
	}
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.JWKSRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.JWKSRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrJWKSUnavailable, resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		metrics.JWKSRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: decode: %v", ErrJWKSUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		nBytes, err := base64URLDecode(key.N)
		if err != nil {
			continue
		}
		eBytes, err := base64URLDecode(key.E)
		if err != nil {
			continue
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		keys[key.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetched = time.Now()
	c.mu.Unlock()

	metrics.JWKSRefreshes.WithLabelValues("ok").Inc()
	return keys, nil
}

// base64URLDecode decodes base64url with or without padding.
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
