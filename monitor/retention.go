package monitor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultCleanupSchedule runs retention once a day at midnight.
const DefaultCleanupSchedule = "@daily"

// Retention periodically purges old monitor records.
type Retention struct {
	cron *cron.Cron
}

// NewRetention schedules CleanupOldMetrics(days) on a cron spec such as
// "@daily" or "0 3 * * *".
func NewRetention(m *Monitor, schedule string, days int, logger zerolog.Logger) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		m.CleanupOldMetrics(days)
	}); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}
	logger.Debug().Str("schedule", schedule).Int("days", days).Msg("retention scheduled")
	return &Retention{cron: c}, nil
}

// Start begins running the job in the background.
func (r *Retention) Start() { r.cron.Start() }

// Stop halts the scheduler and waits for a running cleanup to return or
// ctx to end.
func (r *Retention) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
