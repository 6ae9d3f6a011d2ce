// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/zimustudio/zimu/internal/fsutil"
	"github.com/zimustudio/zimu/internal/store"
	"github.com/zimustudio/zimu/internal/subtitle"
	"github.com/zimustudio/zimu/internal/vad"
)

var segmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zimu_segment_outcomes_total",
	Help: "Transcribed segment outcomes",
}, []string{"outcome"})

// SegmentResult is the classified result of one fan-out unit.
type SegmentResult struct {
	OK      bool
	Idx     int
	Start   float64
	End     float64
	Text    string
	ErrCode string
	Status  int
}

// IsSoftEmpty reports whether a failure code is an expected empty-transcript
// outcome (silence, breath, noise) rather than a real error. Soft empties
// are counted in aggregate, not logged per segment.
func IsSoftEmpty(code string) bool {
	switch code {
	case "EMPTY_TRANSCRIPT", "EMPTY_AFTER_NORMALIZE", "HF_EMPTY_TRANSCRIPT":
		return true
	}
	return false
}

// Extractor cuts one segment out of the normalized WAV.
type Extractor interface {
	ExtractSegment(ctx context.Context, fullWAV, outWAV string, start, end float64) error
}

// Hooks let the job owner observe fan-out progress without the pool knowing
// about registries.
type Hooks struct {
	// CancelRequested is polled before each dispatch and on each completion.
	CancelRequested func() bool
	// OnResult fires for each finished segment before OnComplete.
	OnResult func(SegmentResult)
	// OnComplete fires after each segment finishes, with completion counts.
	OnComplete func(done, total int)
}

// FanOut is the bounded parallel pool transcribing a job's segments.
type FanOut struct {
	Concurrency int
	Providers   *Providers
	Extractor   Extractor
	Layout      store.Layout
}

// Run transcribes all segments with at most Concurrency in flight. It
// returns the collected results and whether cancellation was observed.
// On cancellation the pool stops scheduling and stops consuming; in-flight
// requests run to completion and their results are discarded.
func (f *FanOut) Run(ctx context.Context, jobID string, segments []vad.Segment, fullWAV, model, language string, options map[string]any, hooks Hooks) ([]SegmentResult, bool) {
	total := len(segments)
	if total == 0 {
		return nil, false
	}
	if hooks.CancelRequested == nil {
		hooks.CancelRequested = func() bool { return false }
	}
	if hooks.OnComplete == nil {
		hooks.OnComplete = func(int, int) {}
	}

	conc := int64(f.Concurrency)
	if conc < 1 {
		conc = 1
	}
	sem := semaphore.NewWeighted(conc)
	// Buffered to total so no sender can block after the consumer stops.
	resultCh := make(chan SegmentResult, total)

	dispatched := 0
	go func() {
		for idx, seg := range segments {
			if hooks.CancelRequested() {
				resultCh <- SegmentResult{Idx: idx, Start: seg.Start, End: seg.End, ErrCode: "CANCELLED"}
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				resultCh <- SegmentResult{Idx: idx, Start: seg.Start, End: seg.End, ErrCode: "CANCELLED"}
				continue
			}
			go func(idx int, seg vad.Segment) {
				defer sem.Release(1)
				resultCh <- f.transcribeOne(ctx, jobID, idx, seg, fullWAV, model, language, options, hooks.CancelRequested)
			}(idx, seg)
		}
	}()
	dispatched = total

	results := make([]SegmentResult, 0, total)
	cancelled := false
	for done := 0; done < dispatched; done++ {
		r := <-resultCh
		segmentOutcomes.WithLabelValues(outcomeLabel(r)).Inc()
		results = append(results, r)
		if hooks.OnResult != nil {
			hooks.OnResult(r)
		}
		hooks.OnComplete(done+1, total)
		if hooks.CancelRequested() {
			cancelled = true
			break
		}
	}
	return results, cancelled
}

func outcomeLabel(r SegmentResult) string {
	switch {
	case r.OK:
		return "ok"
	case IsSoftEmpty(r.ErrCode):
		return "soft_empty"
	case r.ErrCode == "CANCELLED":
		return "cancelled"
	default:
		return "failed"
	}
}

// emptyRetryPad widens the cut symmetrically before the single empty-result
// retry. Short segments get a small pad; longer ones may simply have speech
// right at the boundary.
func emptyRetryPad(dur float64) float64 {
	switch {
	case dur < 1.2:
		return 0.22
	case dur < 3.0:
		return 0.35
	default:
		return 0.50
	}
}

func emptyRetryWindow(seg vad.Segment) (float64, float64) {
	pad := emptyRetryPad(seg.Dur())
	start := seg.Start - pad
	if start < 0 {
		start = 0
	}
	end := seg.End + pad
	if end < start+0.02 {
		end = start + 0.02
	}
	return start, end
}

func (f *FanOut) transcribeOne(ctx context.Context, jobID string, idx int, seg vad.Segment, fullWAV, model, language string, options map[string]any, cancelRequested func() bool) SegmentResult {
	res := SegmentResult{Idx: idx, Start: seg.Start, End: seg.End}

	if cancelRequested() {
		res.ErrCode = "CANCELLED"
		return res
	}
	if seg.Dur() < 0.01 {
		res.ErrCode = "INVALID_SEGMENT_DURATION"
		return res
	}

	segPath := f.Layout.SegmentWAV(jobID, idx)
	defer fsutil.SafeUnlink(segPath)

	if err := f.Extractor.ExtractSegment(ctx, fullWAV, segPath, seg.Start, seg.End); err != nil {
		res.ErrCode = "FFMPEG_ERR: " + truncate(err.Error(), 180)
		return res
	}

	var out Outcome
	if strings.Contains(model, "kotoba") {
		out = f.Providers.HF(ctx, segPath)
	} else {
		out = f.Providers.Deepgram(ctx, segPath, model, language, options)
		if !out.OK && out.ErrCode == "EMPTY_TRANSCRIPT" {
			// One retry with a widened window; a language-pinned call also
			// falls back to auto detection.
			retryStart, retryEnd := emptyRetryWindow(seg)
			if err := f.Extractor.ExtractSegment(ctx, fullWAV, segPath, retryStart, retryEnd); err != nil {
				res.ErrCode = "FFMPEG_ERR: " + truncate(err.Error(), 180)
				return res
			}
			out = f.Providers.Deepgram(ctx, segPath, model, "auto", options)
		}
	}

	res.Status = out.Status
	if !out.OK {
		res.ErrCode = out.ErrCode
		if res.ErrCode == "" {
			res.ErrCode = "TRANSCRIBE_FAIL"
		}
		return res
	}

	text := subtitle.Normalize(out.Text, language, model)
	if text == "" {
		res.ErrCode = "EMPTY_AFTER_NORMALIZE"
		return res
	}
	res.OK = true
	res.Text = text
	return res
}
