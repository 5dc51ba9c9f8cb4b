// Package sweep runs the scheduled maintenance passes: idle session
// close, stale listener cleanup, expired voice assignments, and durable
// queue garbage collection. Schedules are cron expressions checked once a
// minute; a failing pass logs and waits for its next slot.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/store"
)

// Default schedules, used when the config leaves one empty or invalid.
const (
	defaultIdleClose = "*/30 * * * *"
	defaultListeners = "15 * * * *"
	defaultVoice     = "0 3 * * *"
	defaultQueueGC   = "30 3 * * *"
)

type job struct {
	name     string
	schedule string
	run      func(context.Context) error
}

// Runner owns the sweep schedule table.
type Runner struct {
	gron *gronx.Gronx
	jobs []job
}

// New builds the runner over the engine and stores. Invalid cron
// expressions fall back to the defaults with a warning.
func New(cfg *config.Config, eng *engine.Engine, stores *store.Stores) *Runner {
	r := &Runner{gron: gronx.New()}

	r.add("idle-close", cfg.Sweep.IdleCloseSchedule, defaultIdleClose, func(ctx context.Context) error {
		closed, err := eng.IdleCutoffSweep(ctx)
		if closed > 0 {
			slog.Info("idle sessions closed", "count", closed)
		}
		return err
	})

	r.add("listeners", cfg.Sweep.ListenerSchedule, defaultListeners, func(ctx context.Context) error {
		swept, err := eng.Listeners().SweepStale(ctx)
		if swept > 0 {
			slog.Info("stale listeners swept", "count", swept)
		}
		return err
	})

	r.add("voice-ttl", cfg.Sweep.VoiceSchedule, defaultVoice, func(ctx context.Context) error {
		purged, err := eng.Voices().PurgeExpired(ctx)
		if purged > 0 {
			slog.Info("expired voice assignments purged", "count", purged)
		}
		return err
	})

	r.add("queue-gc", cfg.Sweep.QueueGCSchedule, defaultQueueGC, func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-cfg.Sweep.QueueRetentionWindow())
		var total int64
		var errs []error
		for name, purge := range map[string]func(context.Context, time.Time) (int64, error){
			"inbound":       stores.Inbound.PurgeDelivered,
			"hooks":         stores.HookOutbox.PurgeDelivered,
			"notifications": stores.Notifications.PurgeDelivered,
			"webhooks":      stores.Webhooks.PurgeDelivered,
		} {
			n, err := purge(ctx, cutoff)
			if err != nil {
				errs = append(errs, err)
				slog.Error("queue gc failed", "queue", name, "error", err)
				continue
			}
			total += n
		}
		if total > 0 {
			slog.Info("delivered envelopes purged", "count", total)
		}
		return errors.Join(errs...)
	})

	return r
}

func (r *Runner) add(name, schedule, fallback string, run func(context.Context) error) {
	if schedule == "" {
		schedule = fallback
	} else if !r.gron.IsValid(schedule) {
		slog.Warn("invalid sweep schedule, using default", "job", name, "schedule", schedule, "default", fallback)
		schedule = fallback
	}
	r.jobs = append(r.jobs, job{name: name, schedule: schedule, run: run})
}

// Run blocks until ctx is cancelled, checking due jobs once a minute.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	slog.Info("sweep runner started", "jobs", len(r.jobs))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.pass(ctx, now)
		}
	}
}

// pass runs every job due at now. Exposed for tests.
func (r *Runner) pass(ctx context.Context, now time.Time) {
	for _, j := range r.jobs {
		due, err := r.gron.IsDue(j.schedule, now)
		if err != nil {
			slog.Warn("sweep schedule check failed", "job", j.name, "error", err)
			continue
		}
		if !due {
			continue
		}
		r.runJob(ctx, j)
	}
}

// runJob isolates one pass: a panic or error is logged and the job waits
// for its next slot.
func (r *Runner) runJob(ctx context.Context, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("sweep panicked", "job", j.name, "panic", rec)
		}
	}()

	start := time.Now()
	if err := j.run(ctx); err != nil {
		slog.Error("sweep failed", "job", j.name, "error", err)
		return
	}
	slog.Debug("sweep completed", "job", j.name, "took", time.Since(start))
}
