// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv fills the fields without defaults so Load passes
// validation. Individual tests override on top.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GATEWARDEN_IDP__SERVER_URL", "https://idp.example.com")
	t.Setenv("GATEWARDEN_IDP__REALM", "master")
	t.Setenv("GATEWARDEN_IDP__CLIENT_ID", "gatewarden")
	t.Setenv("GATEWARDEN_DATABASE__URL", "postgres://gw:gw@localhost:5432/gw")
	t.Setenv("GATEWARDEN_ENCRYPTION__KEY", "test-master-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8440 {
		t.Errorf("Server.Port = %d, want 8440", cfg.Server.Port)
	}
	if cfg.Session.MaxConcurrentSessions != 5 {
		t.Errorf("MaxConcurrentSessions = %d, want 5", cfg.Session.MaxConcurrentSessions)
	}
	if cfg.Cache.TTL.JWT != 300*time.Second {
		t.Errorf("Cache.TTL.JWT = %v, want 5m", cfg.Cache.TTL.JWT)
	}
	if cfg.Cache.TTL.Introspection != 60*time.Second {
		t.Errorf("Cache.TTL.Introspection = %v, want 1m", cfg.Cache.TTL.Introspection)
	}
	if !cfg.Security.ConstantTimeComparison {
		t.Error("ConstantTimeComparison not defaulted on")
	}
	if cfg.Encryption.KeyDerivationIterations != 600000 {
		t.Errorf("KeyDerivationIterations = %d", cfg.Encryption.KeyDerivationIterations)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
session:
  max_concurrent_sessions: 10
  token_encryption: false
jwt:
  clock_tolerance: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Session.MaxConcurrentSessions != 10 {
		t.Errorf("MaxConcurrentSessions = %d, want 10", cfg.Session.MaxConcurrentSessions)
	}
	if cfg.Session.TokenEncryption {
		t.Error("TokenEncryption not overridden by file")
	}
	if cfg.JWT.ClockTolerance != time.Minute {
		t.Errorf("ClockTolerance = %v, want 1m", cfg.JWT.ClockTolerance)
	}
	// File must not clobber untouched defaults.
	if cfg.Security.APIKeyHashRounds != 12 {
		t.Errorf("APIKeyHashRounds = %d, want 12", cfg.Security.APIKeyHashRounds)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("GATEWARDEN_SERVER__PORT", "9100")
	t.Setenv("GATEWARDEN_SESSION__ENFORCE_IP_CONSISTENCY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env value 9100", cfg.Server.Port)
	}
	if !cfg.Session.EnforceIPConsistency {
		t.Error("EnforceIPConsistency not set from env")
	}
}

func TestLoadRejectsMissingIdP(t *testing.T) {
	t.Setenv("GATEWARDEN_DATABASE__URL", "postgres://gw:gw@localhost:5432/gw")
	t.Setenv("GATEWARDEN_ENCRYPTION__KEY", "test-master-key")

	_, err := Load()
	if err == nil {
		t.Fatal("Load accepted a config without idp settings")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %v, want a required-field message", err)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GATEWARDEN_SERVER__PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted port 70000")
	}
}

func TestLoadRejectsMissingEncryptionKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GATEWARDEN_ENCRYPTION__KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load accepted a config without an encryption key")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %v, want a required-field message", err)
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"GATEWARDEN_SERVER__PORT":                       "server.port",
		"GATEWARDEN_IDP__SERVER_URL":                    "idp.server_url",
		"GATEWARDEN_SESSION__MAX_CONCURRENT_SESSIONS":   "session.max_concurrent_sessions",
		"GATEWARDEN_CACHE__TTL__API_KEY":                "cache.ttl.api_key",
		"GATEWARDEN_SECURITY__CONSTANT_TIME_COMPARISON": "security.constant_time_comparison",
	}
	for in, want := range cases {
		if got := envTransform(in); got != want {
			t.Errorf("envTransform(%q) = %q, want %q", in, got, want)
		}
	}
}
