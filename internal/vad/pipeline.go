// SPDX-License-Identifier: MIT

package vad

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoSpeech is returned when the input is too short to carry any speech.
var ErrNoSpeech = errors.New("no usable speech detected")

// Limits are the segment shaping bounds from configuration.
type Limits struct {
	MinSegmentSeconds float64
	MaxSegmentSeconds float64
}

// DetectResult carries the segmentation outcome plus its statistics.
type DetectResult struct {
	Segments      []Segment
	TotalDuration float64
	SplitCount    int
}

// DurationProber reports the total duration of an audio file.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Segmenter runs the three-stage segmentation: detect, filter and split,
// with the merge-short quality pass applied separately by the caller (its
// tunables are per-job options, not instance state).
type Segmenter struct {
	Prober DurationProber
	Model  Model
	Limits Limits
}

// Detect runs stage 1 (model detection with full-duration fallback) and
// stage 2 (min filter, forced split of over-long segments) on the given
// normalized WAV.
func (sg *Segmenter) Detect(ctx context.Context, wavPath string, t Tunables) (DetectResult, error) {
	totalDur, err := sg.Prober.ProbeDuration(ctx, wavPath)
	if err != nil {
		return DetectResult{}, fmt.Errorf("probe duration: %w", err)
	}
	if totalDur <= 0.05 {
		return DetectResult{}, ErrNoSpeech
	}

	pcm, err := LoadWAV16kMono(wavPath)
	if err != nil {
		return DetectResult{}, fmt.Errorf("load wav: %w", err)
	}

	spans, err := sg.Model.Detect(ctx, pcm, t)
	if err != nil {
		return DetectResult{}, fmt.Errorf("vad detect: %w", err)
	}

	pairs := make([]Segment, 0, len(spans))
	for _, s := range spans {
		start := math0(s.Start)
		end := s.End
		if end > totalDur {
			end = totalDur
		}
		if end > start {
			pairs = append(pairs, Segment{Start: start, End: end})
		}
	}

	// The model finding nothing means silence or an unusual recording; fall
	// back to one segment covering the whole file rather than failing the job.
	if len(pairs) == 0 {
		pairs = []Segment{{Start: 0, End: totalDur}}
	}

	filtered := pairs[:0]
	for _, s := range pairs {
		if s.Dur() >= sg.Limits.MinSegmentSeconds {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		filtered = []Segment{{Start: 0, End: totalDur}}
	}

	out := make([]Segment, 0, len(filtered))
	splitCount := 0
	for _, seg := range filtered {
		if seg.Dur() <= sg.Limits.MaxSegmentSeconds {
			out = append(out, seg)
			continue
		}
		cur := seg.Start
		for cur < seg.End-0.05 {
			nxt := cur + sg.Limits.MaxSegmentSeconds
			if nxt > seg.End {
				nxt = seg.End
			}
			out = append(out, Segment{Start: cur, End: nxt})
			if nxt < seg.End {
				splitCount++
			}
			cur = nxt
		}
	}

	return DetectResult{Segments: out, TotalDuration: totalDur, SplitCount: splitCount}, nil
}

func math0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// MergeShort is stage 3: short segments are empirical empty-transcript
// hazards, so each one is folded into its predecessor when the gap allows
// and the merged span stays under the max, kept when still long enough to
// survive transcription, and dropped otherwise. Returns the optimized list
// plus merge and drop counts.
func MergeShort(segments []Segment, minTranscribeSeconds, mergeGapSeconds, maxSegmentSeconds float64) ([]Segment, int, int) {
	if len(segments) == 0 {
		return nil, 0, 0
	}

	minDur := clampF(minTranscribeSeconds, 0.2, 2.0)
	mergeGap := clampF(mergeGapSeconds, 0.0, 1.0)
	maxDur := maxSegmentSeconds
	if maxDur < 2.0 {
		maxDur = 2.0
	}

	src := append([]Segment(nil), segments...)
	sort.Slice(src, func(i, j int) bool {
		if src[i].Start != src[j].Start {
			return src[i].Start < src[j].Start
		}
		return src[i].End < src[j].End
	})

	keepFloor := minDur * 0.6
	if keepFloor < 0.22 {
		keepFloor = 0.22
	}

	var out []Segment
	merged, dropped := 0, 0
	for _, seg := range src {
		if seg.Dur() >= minDur {
			out = append(out, seg)
			continue
		}

		if len(out) > 0 {
			prev := out[len(out)-1]
			gap := seg.Start - prev.End
			if gap < 0 {
				gap = 0
			}
			if gap <= mergeGap && seg.End-prev.Start <= maxDur {
				if seg.End > prev.End {
					out[len(out)-1].End = seg.End
				}
				merged++
				continue
			}
		}

		if seg.Dur() >= keepFloor {
			out = append(out, seg)
		} else {
			dropped++
		}
	}

	// Never return empty for non-empty input; a single bad merge pass must
	// not erase the whole job.
	if len(out) == 0 {
		out = []Segment{src[0]}
	}
	return out, merged, dropped
}
