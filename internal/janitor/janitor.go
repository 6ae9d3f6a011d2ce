// SPDX-License-Identifier: MIT

// Package janitor keeps the job store consistent over time: a heartbeat
// watchdog errors out stalled jobs and a retention reaper purges artifacts
// of terminal jobs after their retention windows.
package janitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zimustudio/zimu/internal/config"
	"github.com/zimustudio/zimu/internal/job"
	"github.com/zimustudio/zimu/internal/log"
	"github.com/zimustudio/zimu/internal/store"
)

var (
	orphanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zimu_janitor_orphaned_total",
		Help: "Jobs errored by the heartbeat watchdog",
	})
	purgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zimu_janitor_purged_total",
		Help: "Jobs purged by the retention reaper, by reason",
	}, []string{"reason"})
)

// disabledPoll is how often the loop re-checks AUTO_CLEANUP_ENABLED when
// cleanup is switched off.
const disabledPoll = 30 * time.Second

// Janitor runs the watchdog and reaper on a single loop.
type Janitor struct {
	Registry *job.Registry
	Layout   store.Layout
	Cfg      config.Config
	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (j *Janitor) now() time.Time {
	if j.Clock != nil {
		return j.Clock()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	logger := log.WithComponent("janitor")
	logger.Info().
		Dur("interval", j.Cfg.CleanupInterval).
		Bool("enabled", j.Cfg.AutoCleanupEnabled).
		Msg("janitor started")

	for {
		interval := j.Cfg.CleanupInterval
		if !j.Cfg.AutoCleanupEnabled {
			interval = disabledPoll
		} else {
			j.Sweep()
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("janitor stopped")
			return
		case <-time.After(interval):
		}
	}
}

// Sweep performs one watchdog pass followed by one reaper pass.
func (j *Janitor) Sweep() {
	now := float64(j.now().UnixNano()) / float64(time.Second)
	for _, id := range j.Registry.IDs() {
		rec := j.Registry.Get(id)
		if rec == nil {
			continue
		}
		switch {
		case !rec.Status.IsTerminal():
			j.watchdog(id, rec, now)
		default:
			j.reap(id, rec, now)
		}
	}
}

// watchdog errors out queued/running jobs whose owner stopped heartbeating,
// reclaiming a stale lease if one is left behind.
func (j *Janitor) watchdog(id string, rec *job.Record, now float64) {
	hb := rec.LastHeartbeat
	if hb == 0 {
		hb = rec.UpdatedAt
	}
	age := now - hb
	if age <= j.Cfg.OrphanRetention.Seconds() {
		return
	}
	logger := log.WithJob("janitor", id)
	logger.Warn().
		Float64("heartbeat_age_seconds", age).
		Str(log.FieldOldStatus, string(rec.Status)).
		Msg("stale job, marking errored")
	j.Registry.AppendLog(id, "job failed: heartbeat timeout")
	j.Registry.SetError(id, "heartbeat timeout")
	j.Layout.ReleaseLease(id)
	orphanedTotal.Inc()
}

// reap purges terminal jobs past their retention window.
func (j *Janitor) reap(id string, rec *job.Record, now float64) {
	var reason string
	switch rec.Status {
	case job.StatusDone:
		if j.Cfg.AutoCleanupAfterDownload && rec.DownloadedAt > 0 &&
			now-rec.DownloadedAt >= j.Cfg.DownloadGrace.Seconds() {
			reason = "downloaded"
		} else if now-rec.UpdatedAt >= j.Cfg.DoneRetention.Seconds() {
			reason = "done_retention"
		}
	case job.StatusError, job.StatusCancelled:
		if now-rec.UpdatedAt >= j.Cfg.ErrorRetention.Seconds() {
			reason = "error_retention"
		}
	}
	if reason == "" {
		return
	}
	logger := log.WithJob("janitor", id)
	logger.Info().
		Str("reason", reason).
		Str(log.FieldOldStatus, string(rec.Status)).
		Msg("purging job artifacts")
	j.Layout.Purge(id, j.Cfg.SecureDeletePasses)
	j.Registry.Remove(id)
	purgedTotal.WithLabelValues(reason).Inc()
}
