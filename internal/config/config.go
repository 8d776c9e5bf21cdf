// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package config loads the gateway configuration with koanf v2 in three
// layers: built-in defaults, an optional YAML file, then environment
// variables. Env keys use the GATEWARDEN_ prefix with "__" as the
// nesting separator (GATEWARDEN_IDP__SERVER_URL -> idp.server_url).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/gatewarden/internal/validation"
)

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/gatewarden/config.yaml",
	"/etc/gatewarden/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "GATEWARDEN_CONFIG"

const envPrefix = "GATEWARDEN_"

// Config is the full configuration envelope.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	IdP        IdPConfig        `koanf:"idp"`
	JWT        JWTConfig        `koanf:"jwt"`
	Cache      CacheConfig      `koanf:"cache"`
	Database   DatabaseConfig   `koanf:"database"`
	Session    SessionConfig    `koanf:"session"`
	Security   SecurityConfig   `koanf:"security"`
	Encryption EncryptionConfig `koanf:"encryption"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	SecureCookies   bool          `koanf:"secure_cookies"`
}

// IdPConfig locates the identity provider.
type IdPConfig struct {
	ServerURL    string   `koanf:"server_url" validate:"required,url"`
	Realm        string   `koanf:"realm" validate:"required"`
	ClientID     string   `koanf:"client_id" validate:"required"`
	ClientSecret string   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`

	Timeout              time.Duration `koanf:"timeout"`
	IntrospectionTimeout time.Duration `koanf:"introspection_timeout"`
	MaxRetries           uint          `koanf:"max_retries"`
}

// JWTConfig tunes local token validation.
type JWTConfig struct {
	Issuer         string        `koanf:"issuer"`
	Audience       string        `koanf:"audience"`
	JWKSURL        string        `koanf:"jwks_url"`
	ClockTolerance time.Duration `koanf:"clock_tolerance"`
	JWKSCacheTTL   time.Duration `koanf:"jwks_cache_ttl"`
}

// CacheTTLs are the per-namespace cache lifetimes.
type CacheTTLs struct {
	JWT           time.Duration `koanf:"jwt"`
	APIKey        time.Duration `koanf:"api_key"`
	Session       time.Duration `koanf:"session"`
	UserInfo      time.Duration `koanf:"user_info"`
	Introspection time.Duration `koanf:"introspection"`
}

// CacheConfig locates the redis tier.
type CacheConfig struct {
	Enabled  bool      `koanf:"enabled"`
	Addr     string    `koanf:"addr"`
	Password string    `koanf:"password"`
	DB       int       `koanf:"db"`
	TTL      CacheTTLs `koanf:"ttl"`
}

// DatabaseConfig locates postgres.
type DatabaseConfig struct {
	URL      string `koanf:"url" validate:"required"`
	MaxConns int32  `koanf:"max_conns"`
}

// SessionConfig tunes the session layer.
type SessionConfig struct {
	TTL                         time.Duration `koanf:"ttl"`
	MaxConcurrentSessions       int           `koanf:"max_concurrent_sessions" validate:"min=0"`
	EnforceIPConsistency        bool          `koanf:"enforce_ip_consistency"`
	EnforceUserAgentConsistency bool          `koanf:"enforce_user_agent_consistency"`
	TokenEncryption             bool          `koanf:"token_encryption"`
	AllowLegacyPlaintext        bool          `koanf:"allow_legacy_plaintext"`
	RotationInterval            time.Duration `koanf:"rotation_interval"`
	CleanupInterval             time.Duration `koanf:"cleanup_interval"`
	CookieName                  string        `koanf:"cookie_name"`
}

// SecurityConfig tunes credential handling.
type SecurityConfig struct {
	ConstantTimeComparison bool   `koanf:"constant_time_comparison"`
	APIKeyHashRounds       int    `koanf:"api_key_hash_rounds" validate:"min=4,max=31"`
	APIKeyPrefix           string `koanf:"api_key_prefix"`
	AllowAnonymous         bool   `koanf:"allow_anonymous"`
}

// EncryptionConfig feeds the token encryption manager. The session store
// always encrypts tokens at rest, so the key is mandatory.
type EncryptionConfig struct {
	// Key is the base64url-encoded master key (>=16 bytes decoded).
	Key                     string `koanf:"key" validate:"required"`
	KeyDerivationIterations int    `koanf:"key_derivation_iterations" validate:"min=1000"`
}

// RateLimitConfig tunes the request and stream limiters.
type RateLimitConfig struct {
	Enabled              bool          `koanf:"enabled"`
	RequestsPerWindow    int           `koanf:"requests_per_window"`
	Window               time.Duration `koanf:"window"`
	MaxConnections       int           `koanf:"max_connections"`
	MaxMessagesPerMinute int           `koanf:"max_messages_per_minute"`
	MaxMessagesPerHour   int           `koanf:"max_messages_per_hour"`
}

// LoggingConfig feeds logging.Init.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8440,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			SecureCookies:   true,
		},
		IdP: IdPConfig{
			Scopes:               []string{"openid", "profile", "email"},
			Timeout:              5 * time.Second,
			IntrospectionTimeout: 2 * time.Second,
			MaxRetries:           3,
		},
		JWT: JWTConfig{
			ClockTolerance: 30 * time.Second,
			JWKSCacheTTL:   time.Hour,
		},
		Cache: CacheConfig{
			Enabled: true,
			Addr:    "127.0.0.1:6379",
			TTL: CacheTTLs{
				JWT:           300 * time.Second,
				APIKey:        300 * time.Second,
				Session:       60 * time.Second,
				UserInfo:      300 * time.Second,
				Introspection: 60 * time.Second,
			},
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Session: SessionConfig{
			TTL:                   24 * time.Hour,
			MaxConcurrentSessions: 5,
			TokenEncryption:       true,
			AllowLegacyPlaintext:  true,
			RotationInterval:      time.Hour,
			CleanupInterval:       5 * time.Minute,
			CookieName:            "gatewarden_session",
		},
		Security: SecurityConfig{
			ConstantTimeComparison: true,
			APIKeyHashRounds:       12,
			APIKeyPrefix:           "ak",
		},
		Encryption: EncryptionConfig{
			KeyDerivationIterations: 600000,
		},
		RateLimit: RateLimitConfig{
			Enabled:              true,
			RequestsPerWindow:    300,
			Window:               time.Minute,
			MaxConnections:       20,
			MaxMessagesPerMinute: 120,
			MaxMessagesPerHour:   3000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, optional YAML file, env.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the envelope's invariants.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	return nil
}

// envTransform maps GATEWARDEN_IDP__SERVER_URL to idp.server_url: "__"
// separates nesting levels, single underscores stay inside a key.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
