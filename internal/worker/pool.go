// SPDX-License-Identifier: MIT

// Package worker runs the job pipeline: workers pop ids from the queue,
// take the cross-process lease, and drive normalize → segment → fan-out →
// assemble under the job record's heartbeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/zimustudio/zimu/internal/config"
	"github.com/zimustudio/zimu/internal/fsutil"
	"github.com/zimustudio/zimu/internal/job"
	"github.com/zimustudio/zimu/internal/log"
	"github.com/zimustudio/zimu/internal/media"
	"github.com/zimustudio/zimu/internal/queue"
	"github.com/zimustudio/zimu/internal/store"
	"github.com/zimustudio/zimu/internal/subtitle"
	"github.com/zimustudio/zimu/internal/transcribe"
	"github.com/zimustudio/zimu/internal/vad"
)

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zimu_worker_jobs_total",
	Help: "Worker jobs processed, by result",
}, []string{"result"})

// Normalizer converts an arbitrary upload into the pipeline's mono/16k WAV.
// media.Transcoder is the production implementation.
type Normalizer interface {
	NormalizeToWAV(ctx context.Context, src, dst string) error
}

var _ Normalizer = (*media.Transcoder)(nil)

// Pool is the set of parallel job workers.
type Pool struct {
	Registry   *job.Registry
	Queue      *queue.Queue
	Layout     store.Layout
	Transcoder Normalizer
	Segmenter  *vad.Segmenter
	FanOut     *transcribe.FanOut
	Cfg        config.Config
}

const popInterval = time.Second

// Run blocks until ctx is cancelled, running Cfg.JobWorkers worker loops.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Cfg.JobWorkers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.workerLoop(ctx, idx)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, idx int) {
	logger := log.WithComponent("worker").With().Int(log.FieldWorker, idx).Logger()
	logger.Info().Msg("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("worker stopped")
			return
		}
		id, ok := p.Queue.Pop(ctx, popInterval)
		if !ok {
			continue
		}

		rec := p.Registry.Get(id)
		if rec == nil || rec.Status.IsTerminal() {
			continue
		}
		if rec.CancelRequested && rec.Status == job.StatusQueued {
			p.Registry.AppendLog(id, "cancelled while queued")
			p.Registry.SetStatus(id, job.StatusCancelled)
			jobsTotal.WithLabelValues("cancelled").Inc()
			continue
		}

		p.runOne(ctx, logger, id)
	}
}

// runOne wraps processJob so a panic in one job cannot take down the worker.
func (p *Pool) runOne(ctx context.Context, logger zerolog.Logger, id string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str(log.FieldJobID, id).Any("panic", r).Msg("worker panic while processing job")
			p.Registry.AppendLog(id, "job failed: worker terminated abnormally")
			p.Registry.SetError(id, fmt.Sprintf("worker panic: %v", r))
			jobsTotal.WithLabelValues("panic").Inc()
		}
	}()
	p.processJob(ctx, logger.With().Str(log.FieldJobID, id).Logger(), id)
}

func (p *Pool) processJob(ctx context.Context, logger zerolog.Logger, id string) {
	rec := p.Registry.Get(id)
	if rec == nil {
		return
	}

	acquired, err := p.Layout.AcquireLease(id)
	if err != nil {
		logger.Error().Err(err).Msg("lease acquire failed")
		p.Registry.SetError(id, "lease acquire failed: "+err.Error())
		jobsTotal.WithLabelValues("error").Inc()
		return
	}
	if !acquired {
		p.Registry.AppendLog(id, "another worker holds this job, skipping on this instance")
		jobsTotal.WithLabelValues("lease_conflict").Inc()
		return
	}
	defer func() {
		fsutil.SecureRemoveTree(p.Layout.TmpDir(id), p.Cfg.SecureDeletePasses)
		p.Layout.ReleaseLease(id)
		p.Registry.MarkDirty(id)
	}()

	payload := rec.Payload
	model := payload.Model
	if model == "" {
		model = p.Cfg.DefaultModel
	}
	language := payload.Language
	if language == "" {
		language = "auto"
	}
	options := payload.Options
	if options == nil {
		options = map[string]any{}
	}

	if _, err := os.Stat(payload.FilePath); err != nil {
		p.Registry.AppendLog(id, "upload file missing")
		p.Registry.SetError(id, "upload file missing or already cleaned up")
		jobsTotal.WithLabelValues("error").Inc()
		return
	}

	if p.Registry.CancelRequested(id) {
		p.Registry.AppendLog(id, "job cancelled")
		p.Registry.SetStatus(id, job.StatusCancelled)
		jobsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	p.Registry.Begin(id)
	p.Registry.AppendLog(id, fmt.Sprintf("job started | model: %s | language: %s", model, language))

	wav := p.Layout.NormalizedWAV(id)
	if err := p.Transcoder.NormalizeToWAV(ctx, payload.FilePath, wav); err != nil {
		p.fail(ctx, logger, id, fmt.Errorf("audio normalize failed: %w", err))
		return
	}
	p.Registry.TouchHeartbeat(id)
	p.Registry.SetProgress(id, 8)
	p.Registry.AppendLog(id, "audio normalized (16k/mono/wav)")

	presetName, tunables := vad.ResolveOptions(options, p.Cfg.VADPresetDefault)
	detected, err := p.Segmenter.Detect(ctx, wav, tunables)
	p.Registry.TouchHeartbeat(id)
	if err != nil {
		if errors.Is(err, vad.ErrNoSpeech) {
			p.fail(ctx, logger, id, errors.New("no usable speech segments detected"))
		} else {
			p.fail(ctx, logger, id, err)
		}
		return
	}
	if len(detected.Segments) == 0 {
		p.fail(ctx, logger, id, errors.New("no usable speech segments detected"))
		return
	}

	minTranscribe := p.Cfg.MinTranscribeSegmentSeconds
	if f, ok := floatOption(options, "min_transcribe_segment_seconds"); ok {
		minTranscribe = f
	}
	mergeGap := p.Cfg.ShortSegmentMergeGapSeconds
	if f, ok := floatOption(options, "short_segment_merge_gap_seconds"); ok {
		mergeGap = f
	}

	segments, mergedShort, droppedShort := vad.MergeShort(
		detected.Segments, minTranscribe, mergeGap, p.Cfg.MaxSegmentSeconds)

	var speechSum float64
	for _, s := range segments {
		speechSum += s.Dur()
	}
	ratio := 0.0
	if detected.TotalDuration > 0 {
		ratio = speechSum / detected.TotalDuration * 100.0
	}
	p.Registry.AppendLog(id, fmt.Sprintf(
		"VAD done: %d segments | %d forced splits | %.1f%% voiced | preset=%s threshold=%.2f min_silence=%dms min_speech=%dms pad=%dms | merged %d short | dropped %d tiny",
		len(segments), detected.SplitCount, ratio, presetName,
		tunables.Threshold, tunables.MinSilenceMS, tunables.MinSpeechMS, tunables.SpeechPadMS,
		mergedShort, droppedShort))
	p.Registry.SetProgress(id, 14)

	if p.Registry.CancelRequested(id) {
		p.Registry.AppendLog(id, "job cancelled")
		p.Registry.SetStatus(id, job.StatusCancelled)
		jobsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	var (
		okResults  []transcribe.SegmentResult
		failCount  int
		emptyCount int
	)
	_, cancelled := p.FanOut.Run(ctx, id, segments, wav, model, language, options, transcribe.Hooks{
		CancelRequested: func() bool { return p.Registry.CancelRequested(id) },
		OnResult: func(r transcribe.SegmentResult) {
			switch {
			case r.OK:
				okResults = append(okResults, r)
			case transcribe.IsSoftEmpty(r.ErrCode):
				emptyCount++
			case r.ErrCode == "CANCELLED":
			default:
				failCount++
				p.Registry.AppendLog(id, fmt.Sprintf("segment #%d failed: %s", r.Idx, r.ErrCode))
			}
		},
		OnComplete: func(done, totalSegs int) {
			p.Registry.TouchHeartbeat(id)
			p.Registry.SetProgress(id, 14+80*float64(done)/float64(totalSegs))
		},
	})

	if ctx.Err() != nil && !cancelled && !p.Registry.CancelRequested(id) {
		// Process shutdown, not a user cancel: drop partial results and let
		// the restarted daemon pick the job up from its durable record.
		p.interrupted(logger, id)
		return
	}

	if cancelled || p.Registry.CancelRequested(id) {
		p.Registry.AppendLog(id, "cancellation observed, wrapping up")
		p.Registry.AppendLog(id, "job cancelled")
		p.Registry.SetStatus(id, job.StatusCancelled)
		jobsTotal.WithLabelValues("cancelled").Inc()
		return
	}

	if len(okResults) == 0 {
		p.fail(ctx, logger, id, fmt.Errorf("transcription failed for every segment (failed: %d)", failCount+emptyCount))
		return
	}
	if emptyCount > 0 {
		p.Registry.AppendLog(id, fmt.Sprintf("empty transcripts: %d segments (silence/breath/noise), skipped", emptyCount))
	}
	if failCount > 0 {
		p.Registry.AppendLog(id, fmt.Sprintf("failed segments: %d, skipped", failCount))
	}

	subResults := make([]subtitle.Result, 0, len(okResults))
	for _, r := range okResults {
		subResults = append(subResults, subtitle.Result{
			OK: true, Idx: r.Idx, Start: r.Start, End: r.End, Text: r.Text,
		})
	}
	cues := subtitle.BuildCues(subResults, language, model)
	srt := subtitle.RenderSRT(cues)

	outPath := p.Layout.OutputSRT(id)
	if err := fsutil.WriteFileAtomic(outPath, []byte(srt), 0o640); err != nil {
		p.fail(ctx, logger, id, fmt.Errorf("write SRT: %w", err))
		return
	}

	downloadName := deriveDownloadName(payload.OriginalName)
	p.Registry.AppendLog(id, fmt.Sprintf("job complete, SRT generated (%d cues)", len(cues)))
	p.Registry.SetResult(id, outPath, downloadName)
	jobsTotal.WithLabelValues("done").Inc()
}

// fail finalizes a job as errored, unless the failure was caused by process
// shutdown: then the record stays running so the next boot requeues it.
func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, id string, err error) {
	if ctx.Err() != nil && !p.Registry.CancelRequested(id) {
		p.interrupted(logger, id)
		return
	}
	logger.Error().Err(err).Msg("job failed")
	p.Registry.AppendLog(id, "job failed: "+clipRunes(err.Error(), 180))
	p.Registry.SetError(id, err.Error())
	jobsTotal.WithLabelValues("error").Inc()
}

// interrupted records a shutdown mid-job without touching the status; the
// durable running record is requeued on the next boot.
func (p *Pool) interrupted(logger zerolog.Logger, id string) {
	logger.Info().Msg("shutdown interrupted job, leaving it restartable")
	p.Registry.AppendLog(id, "interrupted by shutdown, will resume after restart")
	jobsTotal.WithLabelValues("interrupted").Inc()
}

// clipRunes caps s at max bytes, backing off to a rune boundary.
func clipRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// deriveDownloadName turns the original upload name into the suggested SRT
// filename.
func deriveDownloadName(originalName string) string {
	name := strings.TrimSpace(originalName)
	if name == "" {
		return "subtitle.srt"
	}
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if stem == "" {
		return "subtitle.srt"
	}
	return stem + ".srt"
}

func floatOption(options map[string]any, key string) (float64, bool) {
	v, ok := options[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(x), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
