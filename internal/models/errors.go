// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package models

// ErrorCode classifies failures across the authentication core. Codes in
// this taxonomy are the only values that cross component boundaries; raw
// errors are logged with a correlation id and collapsed to "internal" at
// the transport edge.
type ErrorCode string

const (
	ErrCodeInvalidRequest           ErrorCode = "invalid_request"
	ErrCodeUnauthorized             ErrorCode = "unauthorized"
	ErrCodeTokenExpired             ErrorCode = "token_expired"
	ErrCodeTokenInvalid             ErrorCode = "token_invalid"
	ErrCodeTokenMalformed           ErrorCode = "token_malformed"
	ErrCodeTokenSignatureInvalid    ErrorCode = "token_signature_invalid"
	ErrCodeTokenIssuerInvalid       ErrorCode = "token_issuer_invalid"
	ErrCodeTokenAudienceInvalid     ErrorCode = "token_audience_invalid"
	ErrCodeJWKSUnavailable          ErrorCode = "jwks_unavailable"
	ErrCodeIntrospectionUnavailable ErrorCode = "introspection_unavailable"
	ErrCodeInvalidGrant             ErrorCode = "invalid_grant"
	ErrCodeInsufficientPermissions  ErrorCode = "insufficient_permissions"
	ErrCodeSessionNotFound          ErrorCode = "session_not_found"
	ErrCodeSessionExpired           ErrorCode = "session_expired"
	ErrCodeSessionSecurity          ErrorCode = "session_security_violation"
	ErrCodeConcurrentLimit          ErrorCode = "concurrent_limit"
	ErrCodeRateLimitExceeded        ErrorCode = "rate_limit_exceeded"
	ErrCodeRateLimitDegraded        ErrorCode = "rate_limit_degraded"
	ErrCodeUpstreamUnavailable      ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamTimeout          ErrorCode = "upstream_timeout"
	ErrCodeCacheUnavailable         ErrorCode = "cache_unavailable"
	ErrCodeDBUnavailable            ErrorCode = "db_unavailable"
	ErrCodeInternal                 ErrorCode = "internal"
)

// clientVisible is the allow-list of codes whose messages may be echoed to
// clients. Everything else collapses to a generic internal error envelope.
var clientVisible = map[ErrorCode]bool{
	ErrCodeInvalidRequest:          true,
	ErrCodeUnauthorized:            true,
	ErrCodeTokenExpired:            true,
	ErrCodeTokenInvalid:            true,
	ErrCodeInvalidGrant:            true,
	ErrCodeInsufficientPermissions: true,
	ErrCodeSessionNotFound:         true,
	ErrCodeSessionExpired:          true,
	ErrCodeSessionSecurity:         true,
	ErrCodeConcurrentLimit:         true,
	ErrCodeRateLimitExceeded:       true,
}

// ClientVisible reports whether the code may be surfaced to a client
// verbatim.
func (c ErrorCode) ClientVisible() bool {
	return clientVisible[c]
}

// HTTPStatus maps an error code to the HTTP status used at the request
// boundary.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeInvalidRequest, ErrCodeInvalidGrant:
		return 400
	case ErrCodeUnauthorized, ErrCodeTokenExpired, ErrCodeTokenInvalid,
		ErrCodeTokenMalformed, ErrCodeTokenSignatureInvalid,
		ErrCodeTokenIssuerInvalid, ErrCodeTokenAudienceInvalid,
		ErrCodeSessionNotFound, ErrCodeSessionExpired, ErrCodeSessionSecurity:
		return 401
	case ErrCodeInsufficientPermissions:
		return 403
	case ErrCodeRateLimitExceeded, ErrCodeConcurrentLimit:
		return 429
	default:
		return 500
	}
}
