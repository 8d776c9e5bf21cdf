// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/gatewarden/internal/logging"
)

// SessionCleaner removes expired session rows. Satisfied by
// session.Manager.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// MaintenanceService periodically sweeps expired sessions. Errors are
// logged, not fatal: the next tick retries.
type MaintenanceService struct {
	cleaner  SessionCleaner
	interval time.Duration
	logger   zerolog.Logger
}

// NewMaintenanceService creates the sweep loop. Default interval: 5m.
func NewMaintenanceService(cleaner SessionCleaner, interval time.Duration) *MaintenanceService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &MaintenanceService{
		cleaner:  cleaner,
		interval: interval,
		logger:   logging.With().Str("component", "maintenance").Logger(),
	}
}

// Serve implements suture.Service.
func (s *MaintenanceService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.cleaner.CleanupExpired(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("expired session sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int("removed", n).Msg("expired sessions swept")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *MaintenanceService) String() string { return "session-maintenance" }
