package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/weavr-dev/weavr/pkg/store"
)

// catchUp enqueues runs for cron ticks missed while the process was down:
// all fire times in (last_run_at, now], clamped to the catch-up window
// and capped at MaxCatchUpRuns, earliest first. The last-run marker is
// advanced to the newest caught-up tick so a crash mid-catch-up never
// replays runs already enqueued.
func (s *Scheduler) catchUp(ctx context.Context, entry *scheduleEntry) {
	if entry.cronSchedule == nil {
		return
	}

	lastRun, err := s.store.GetScheduleLastRun(ctx, entry.schedule.ID)
	if err != nil {
		if !errors.Is(err, store.ErrScheduleNotFound) {
			s.logger.ErrorContext(ctx, "Failed to read schedule last run",
				"schedule_id", entry.schedule.ID, "error", err)
		}

		return
	}

	if lastRun == nil {
		// Never fired: nothing to catch up.
		return
	}

	now := time.Now().UTC()

	from := *lastRun
	if windowStart := now.Add(-s.cfg.CatchUpWindow); from.Before(windowStart) {
		from = windowStart
	}

	missed := missedTicks(entry.cronSchedule, from, now, s.cfg.MaxCatchUpRuns)
	if len(missed) == 0 {
		return
	}

	s.logger.InfoContext(ctx, "Catching up missed cron ticks",
		"schedule_id", entry.schedule.ID,
		"count", len(missed),
		"last_run_at", lastRun)

	for _, tick := range missed {
		s.fireCronRun(ctx, entry, tick)
	}

	newest := missed[len(missed)-1]
	if err := s.store.SetScheduleLastRun(ctx, entry.schedule.ID, newest); err != nil {
		s.logger.ErrorContext(ctx, "Failed to advance schedule last run",
			"schedule_id", entry.schedule.ID, "error", err)
	}
}

// missedTicks walks the cron schedule forward from after (exclusive) to
// now (inclusive), capped at limit.
func missedTicks(schedule interface{ Next(time.Time) time.Time }, after, now time.Time, limit int) []time.Time {
	var ticks []time.Time

	t := after

	for len(ticks) < limit {
		t = schedule.Next(t)
		if t.IsZero() || t.After(now) {
			break
		}

		ticks = append(ticks, t.UTC())
	}

	return ticks
}
