// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/gatewarden/internal/logging"
	"github.com/tomtom215/gatewarden/internal/models"
)

// errorEnvelope is the sanitized error body at the HTTP boundary. Codes
// outside the client-visible allow-list collapse to "internal".
type errorEnvelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	RequestID  string `json:"requestId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code models.ErrorCode, message string) {
	writeErrorRetry(w, r, code, message, 0)
}

func writeErrorRetry(w http.ResponseWriter, r *http.Request, code models.ErrorCode, message string, retryAfter int) {
	status := code.HTTPStatus()
	if !code.ClientVisible() {
		code = models.ErrCodeInternal
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{
		Error:      string(code),
		Message:    message,
		Code:       string(code),
		RequestID:  logging.RequestIDFromContext(r.Context()),
		RetryAfter: retryAfter,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, r, models.ErrCodeInvalidRequest, "malformed request body")
		return false
	}
	return true
}
