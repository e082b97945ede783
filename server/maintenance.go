package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halcyon-labs/chatrelay/session"
)

// DefaultMaintenanceCron prunes expired api history and sweeps finished
// sessions every five minutes.
const DefaultMaintenanceCron = "*/5 * * * *"

var maintenanceCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// parseCronExpressionUTC parses a standard five-field cron expression.
// Expressions are UTC-only; timezone prefixes are rejected.
func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := maintenanceCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// MaintenanceConfig configures the background maintenance loop.
type MaintenanceConfig struct {
	Store    ThreadStore
	Sessions *session.Manager
	Cron     string // default DefaultMaintenanceCron
	Logger   *slog.Logger
}

// Maintenance periodically reclaims expired state: api history entries past
// their expiry and finished sessions past the retain window. Both are
// idempotent, so a missed or doubled tick is harmless.
type Maintenance struct {
	store    ThreadStore
	sessions *session.Manager
	schedule cron.Schedule
	logger   *slog.Logger
}

// NewMaintenance creates the maintenance loop with the given configuration.
func NewMaintenance(cfg MaintenanceConfig) (*Maintenance, error) {
	expr := cfg.Cron
	if expr == "" {
		expr = DefaultMaintenanceCron
	}
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return nil, fmt.Errorf("maintenance: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Run blocks, firing maintenance on the schedule until the context is
// cancelled.
func (m *Maintenance) Run(ctx context.Context) {
	for {
		next := m.schedule.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	if m.store != nil {
		pruned, err := m.store.PruneExpiredAPIHistory(ctx, now)
		if err != nil {
			m.logger.Error("pruning expired api history failed", "error", err)
		} else if pruned > 0 {
			m.logger.Info("pruned expired api history", "entries", pruned)
		}
	}

	if m.sessions != nil {
		if swept := m.sessions.Sweep(now); swept > 0 {
			m.logger.Info("swept finished sessions", "sessions", swept)
		}
	}
}
