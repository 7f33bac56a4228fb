package syncrun

import (
	"context"

	"github.com/robfig/cron/v3"

	. "github.com/ynishimura/guildrag/internal/logging"
)

// startReaper resets operations stuck in running back to queued: once at
// startup (crash recovery) and then on a schedule. Resumed jobs restart
// from the beginning; every phase is idempotent.
func (r *Runner) startReaper() {
	r.reapStale()

	r.cron = cron.New()
	if _, err := r.cron.AddFunc("@every 5m", r.reapStale); err != nil {
		L_error("runner: reaper schedule failed", "error", err)
		return
	}
	r.cron.Start()
}

func (r *Runner) stopReaper() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Runner) reapStale() {
	n, err := r.store.ResetStaleRunning(context.Background(), r.opts.StaleAfter)
	if err != nil {
		L_warn("runner: stale job sweep failed", "error", err)
		return
	}
	if n > 0 {
		L_info("runner: requeued stale jobs", "count", n, "staleAfter", r.opts.StaleAfter.String())
	}
}
