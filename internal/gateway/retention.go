package gateway

import (
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/storage"
	"courier/pkg/logger"
)

// retention deletes events older than the configured maximum age. It sweeps
// once at startup and then nightly; per-run pruning after the grace window
// is handled by the orchestrator.
type retention struct {
	db     *storage.DB
	maxAge time.Duration
	cron   *cron.Cron
}

func newRetention(db *storage.DB, maxAge time.Duration) *retention {
	return &retention{db: db, maxAge: maxAge, cron: cron.New()}
}

// Start runs an immediate sweep and schedules the nightly one.
func (r *retention) Start() {
	if r.maxAge <= 0 {
		return
	}

	go r.sweep()

	if _, err := r.cron.AddFunc("30 3 * * *", r.sweep); err != nil {
		logger.Error().Err(err).Msg("Failed to schedule retention sweep")
		return
	}
	r.cron.Start()
}

// Stop halts the nightly schedule.
func (r *retention) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

func (r *retention) sweep() {
	cutoff := time.Now().Add(-r.maxAge)

	n, err := r.db.CleanupEventsBefore(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if n > 0 {
		logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Retention sweep removed old events")
	}
}
