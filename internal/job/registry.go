// SPDX-License-Identifier: MIT

package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zimustudio/zimu/internal/fsutil"
	"github.com/zimustudio/zimu/internal/log"
	"github.com/zimustudio/zimu/internal/store"
)

var (
	metaFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zimu_meta_flush_total",
		Help: "Meta snapshots written, by result",
	}, []string{"result"})
	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zimu_job_status_transitions_total",
		Help: "Job status transitions",
	}, []string{"old_status", "new_status"})
)

// Limits bounds the in-memory and persisted log rings.
type Limits struct {
	LogMaxLines     int
	MetaLogMaxLines int
}

// Registry is the process-wide job map. One coarse mutex serializes all
// record mutations; critical sections are O(1) and never perform I/O. The
// dirty set (separate lock) tracks records newer than their meta/ snapshot.
type Registry struct {
	layout store.Layout
	limits Limits

	// Clock is swappable for tests.
	Clock func() time.Time

	mu   sync.Mutex
	jobs map[string]*Record

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// NewRegistry creates an empty registry over the given layout.
func NewRegistry(layout store.Layout, limits Limits) *Registry {
	if limits.LogMaxLines <= 0 {
		limits.LogMaxLines = 1000
	}
	if limits.MetaLogMaxLines <= 0 {
		limits.MetaLogMaxLines = 500
	}
	return &Registry{
		layout: layout,
		limits: limits,
		Clock:  time.Now,
		jobs:   make(map[string]*Record),
		dirty:  make(map[string]struct{}),
	}
}

// Layout exposes the artifact layout backing this registry.
func (g *Registry) Layout() store.Layout { return g.layout }

func (g *Registry) now() float64 {
	return float64(g.Clock().UnixNano()) / float64(time.Second)
}

// Init creates a fresh queued record and marks it dirty.
func (g *Registry) Init(id string, payload Payload) *Record {
	now := g.now()
	rec := &Record{
		ID:            id,
		Status:        StatusQueued,
		Progress:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastHeartbeat: now,
		Payload:       payload,
		Logs:          []LogLine{},
	}
	g.mu.Lock()
	g.jobs[id] = rec
	g.mu.Unlock()
	g.MarkDirty(id)
	return rec.clone()
}

// Get resolves a record, first from memory, then by rehydrating the meta/
// snapshot. Returns nil when the job is unknown. The returned record is a
// copy; mutations go through the registry.
func (g *Registry) Get(id string) *Record {
	g.mu.Lock()
	if rec, ok := g.jobs[id]; ok {
		cp := rec.clone()
		g.mu.Unlock()
		return cp
	}
	g.mu.Unlock()

	if !store.IsSafeJobID(id) {
		return nil
	}
	data, err := os.ReadFile(g.layout.MetaPath(id))
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Another goroutine may have rehydrated meanwhile; memory wins because it
	// is always newer-or-equal than the snapshot.
	if existing, ok := g.jobs[id]; ok {
		return existing.clone()
	}
	g.jobs[id] = &rec
	return rec.clone()
}

// mutate applies fn under the registry lock, refreshes updated_at and
// last_heartbeat, and marks the id dirty. Terminal records accept no
// mutation; fn is not invoked for them unless allowTerminal is set.
func (g *Registry) mutate(id string, allowTerminal bool, fn func(*Record)) bool {
	g.mu.Lock()
	rec, ok := g.jobs[id]
	if !ok || (rec.Status.IsTerminal() && !allowTerminal) {
		g.mu.Unlock()
		return false
	}
	fn(rec)
	now := g.now()
	rec.UpdatedAt = now
	rec.LastHeartbeat = now
	g.mu.Unlock()
	g.MarkDirty(id)
	return true
}

// AppendLog appends a message to the job log ring. Newlines are stripped so
// one entry is always one line.
func (g *Registry) AppendLog(id, msg string) {
	msg = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(msg))
	if msg == "" {
		return
	}
	ts := g.Clock().Format("15:04:05")
	g.mutate(id, false, func(rec *Record) {
		rec.LogSeq++
		rec.Logs = append(rec.Logs, LogLine{Seq: rec.LogSeq, TS: ts, Msg: msg})
		if len(rec.Logs) > g.limits.LogMaxLines {
			rec.Logs = rec.Logs[len(rec.Logs)-g.limits.LogMaxLines:]
		}
	})
}

// TouchHeartbeat refreshes liveness without any other change.
func (g *Registry) TouchHeartbeat(id string) {
	g.mutate(id, false, func(*Record) {})
}

// SetStatus transitions the job. Transitions out of a terminal state are
// silently ignored.
func (g *Registry) SetStatus(id string, status Status) {
	g.mutate(id, false, func(rec *Record) {
		statusTransitions.WithLabelValues(string(rec.Status), string(status)).Inc()
		rec.Status = status
		now := g.now()
		if status == StatusRunning {
			rec.StartedAt = now
		}
		if status.IsTerminal() {
			rec.FinishedAt = now
		}
	})
}

// Begin marks the job running and resets progress for a fresh execution.
// A restarted crashed-mid-flight job passes through here again.
func (g *Registry) Begin(id string) {
	g.mutate(id, false, func(rec *Record) {
		statusTransitions.WithLabelValues(string(rec.Status), string(StatusRunning)).Inc()
		rec.Status = StatusRunning
		rec.StartedAt = g.now()
		rec.Progress = 1
	})
}

// SetProgress raises progress, clamped to [0,100]. Progress is monotone
// within one execution, so decreases are dropped.
func (g *Registry) SetProgress(id string, p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	g.mutate(id, false, func(rec *Record) {
		if p > rec.Progress {
			rec.Progress = p
		}
	})
}

const maxErrorLen = 4000

// clip caps s at n bytes without splitting a multi-byte rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// SetError transitions the job to error with a truncated message.
func (g *Registry) SetError(id, msg string) {
	msg = clip(msg, maxErrorLen)
	g.mutate(id, false, func(rec *Record) {
		statusTransitions.WithLabelValues(string(rec.Status), string(StatusError)).Inc()
		rec.Status = StatusError
		rec.Error = msg
		rec.FinishedAt = g.now()
	})
}

// SetResult transitions the job to done with its artifact.
func (g *Registry) SetResult(id, resultPath, downloadName string) {
	g.mutate(id, false, func(rec *Record) {
		statusTransitions.WithLabelValues(string(rec.Status), string(StatusDone)).Inc()
		rec.Status = StatusDone
		rec.Progress = 100
		rec.ResultPath = resultPath
		rec.DownloadName = downloadName
		rec.Error = ""
		rec.FinishedAt = g.now()
	})
}

// MarkDownloaded stamps downloaded_at. This is the single field allowed to
// change after a job is terminal.
func (g *Registry) MarkDownloaded(id string) {
	g.mutate(id, true, func(rec *Record) {
		rec.DownloadedAt = g.now()
	})
}

// RequestCancel sets the sticky cancel flag. Already-terminal jobs are left
// untouched.
func (g *Registry) RequestCancel(id string) bool {
	return g.mutate(id, false, func(rec *Record) {
		rec.CancelRequested = true
	})
}

// CancelRequested reads the cancel flag.
func (g *Registry) CancelRequested(id string) bool {
	rec := g.Get(id)
	return rec != nil && rec.CancelRequested
}

// Remove drops the record from memory after purge.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	delete(g.jobs, id)
	g.mu.Unlock()
	g.dirtyMu.Lock()
	delete(g.dirty, id)
	g.dirtyMu.Unlock()
}

// IDs returns a snapshot of all known job ids.
func (g *Registry) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.jobs))
	for id := range g.jobs {
		ids = append(ids, id)
	}
	return ids
}

// CountByStatus tallies records per status for the health endpoint.
func (g *Registry) CountByStatus() map[Status]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Status]int)
	for _, rec := range g.jobs {
		out[rec.Status]++
	}
	return out
}

// MarkDirty records that id needs a meta flush.
func (g *Registry) MarkDirty(id string) {
	g.dirtyMu.Lock()
	g.dirty[id] = struct{}{}
	g.dirtyMu.Unlock()
}

// swapDirty atomically takes the current dirty set.
func (g *Registry) swapDirty() []string {
	g.dirtyMu.Lock()
	defer g.dirtyMu.Unlock()
	if len(g.dirty) == 0 {
		return nil
	}
	ids := make([]string, 0, len(g.dirty))
	for id := range g.dirty {
		ids = append(ids, id)
	}
	g.dirty = make(map[string]struct{})
	return ids
}

// snapshotForMeta clones a record with its log ring truncated to the
// persisted bound.
func (g *Registry) snapshotForMeta(id string) *Record {
	g.mu.Lock()
	rec, ok := g.jobs[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	snap := rec.clone()
	g.mu.Unlock()
	if len(snap.Logs) > g.limits.MetaLogMaxLines {
		snap.Logs = snap.Logs[len(snap.Logs)-g.limits.MetaLogMaxLines:]
	}
	return snap
}

// FlushOne writes the meta snapshot for a single id.
func (g *Registry) FlushOne(id string) error {
	snap := g.snapshotForMeta(id)
	if snap == nil {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", id, err)
	}
	if err := fsutil.WriteFileAtomic(g.layout.MetaPath(id), data, 0o640); err != nil {
		metaFlushTotal.WithLabelValues("error").Inc()
		return err
	}
	metaFlushTotal.WithLabelValues("ok").Inc()
	return nil
}

// FlushDirty swaps the dirty set and persists each record in it. Returns
// the number of snapshots written.
func (g *Registry) FlushDirty() int {
	ids := g.swapDirty()
	return g.flushIDs(ids)
}

// FlushAll persists every known record regardless of dirtiness.
func (g *Registry) FlushAll() int {
	return g.flushIDs(g.IDs())
}

func (g *Registry) flushIDs(ids []string) int {
	logger := log.WithComponent("meta")
	flushed := 0
	for _, id := range ids {
		if err := g.FlushOne(id); err != nil {
			logger.Error().Err(err).Str(log.FieldJobID, id).Msg("meta flush failed")
			continue
		}
		flushed++
	}
	return flushed
}

// Rehydrate loads every meta/*.json snapshot into memory and returns the ids
// that should be re-enqueued: queued or running without a cancel request. A
// running record here means the previous process died mid-flight; the job is
// restarted from the beginning.
func (g *Registry) Rehydrate() (loaded int, requeue []string) {
	entries, err := filepath.Glob(filepath.Join(g.layout.MetaRoot(), "*.json"))
	if err != nil {
		return 0, nil
	}
	logger := log.WithComponent("meta")
	for _, path := range entries {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
			logger.Warn().Str(log.FieldPath, path).Msg("skipping unreadable meta snapshot")
			continue
		}
		g.mu.Lock()
		g.jobs[rec.ID] = &rec
		g.mu.Unlock()
		loaded++
		if (rec.Status == StatusQueued || rec.Status == StatusRunning) && !rec.CancelRequested {
			requeue = append(requeue, rec.ID)
		}
	}
	return loaded, requeue
}
