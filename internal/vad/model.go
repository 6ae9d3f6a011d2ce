// SPDX-License-Identifier: MIT

// Package vad performs voice-activity segmentation: decode the normalized
// WAV, run a detector model, then filter, split, and merge the raw speech
// spans into transcription-sized segments.
package vad

import (
	"context"
	"math"
	"sort"
)

// SampleRate is the fixed pipeline rate. Everything upstream normalizes to
// it and the detector interfaces assume it.
const SampleRate = 16000

// Segment is a contiguous speech interval in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Dur returns the segment duration, never negative.
func (s Segment) Dur() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Model produces raw speech spans from 16 kHz mono PCM. The neural Silero
// runtime is an external collaborator implementing this interface; the
// in-tree default is EnergyModel.
type Model interface {
	Detect(ctx context.Context, pcm []float32, t Tunables) ([]Segment, error)
}

// EnergyModel is an adaptive short-time-energy detector. It maps frame RMS
// onto a [0,1] score against the file's own noise floor and applies the same
// hysteresis tunables the neural model takes, so presets keep their meaning.
type EnergyModel struct {
	// FrameMS is the analysis frame length; 30 ms when zero.
	FrameMS int
}

func (m *EnergyModel) frameLen() int {
	ms := m.FrameMS
	if ms <= 0 {
		ms = 30
	}
	return SampleRate * ms / 1000
}

// Detect implements Model.
func (m *EnergyModel) Detect(ctx context.Context, pcm []float32, t Tunables) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame := m.frameLen()
	if len(pcm) < frame {
		return nil, nil
	}

	nFrames := len(pcm) / frame
	energies := make([]float64, nFrames)
	for i := 0; i < nFrames; i++ {
		var sum float64
		for _, s := range pcm[i*frame : (i+1)*frame] {
			sum += float64(s) * float64(s)
		}
		energies[i] = math.Sqrt(sum / float64(frame))
	}

	scores := normalizeScores(energies)

	frameSec := float64(frame) / SampleRate
	minSpeechFrames := max(1, int(float64(t.MinSpeechMS)/1000.0/frameSec+0.5))
	minSilenceFrames := max(1, int(float64(t.MinSilenceMS)/1000.0/frameSec+0.5))
	pad := float64(t.SpeechPadMS) / 1000.0

	var (
		spans    []Segment
		inSpeech bool
		start    int
		silence  int
	)
	for i, score := range scores {
		if score >= t.Threshold {
			if !inSpeech {
				inSpeech = true
				start = i
			}
			silence = 0
			continue
		}
		if inSpeech {
			silence++
			if silence >= minSilenceFrames {
				end := i - silence + 1
				if end-start >= minSpeechFrames {
					spans = append(spans, Segment{
						Start: float64(start)*frameSec - pad,
						End:   float64(end)*frameSec + pad,
					})
				}
				inSpeech = false
				silence = 0
			}
		}
	}
	if inSpeech {
		end := nFrames
		if end-start >= minSpeechFrames {
			spans = append(spans, Segment{
				Start: float64(start)*frameSec - pad,
				End:   float64(end)*frameSec + pad,
			})
		}
	}

	total := float64(len(pcm)) / SampleRate
	for i := range spans {
		if spans[i].Start < 0 {
			spans[i].Start = 0
		}
		if spans[i].End > total {
			spans[i].End = total
		}
	}
	return mergeOverlaps(spans), nil
}

// normalizeScores maps energies onto [0,1] between the file's noise floor
// (10th percentile) and its loud reference (95th percentile).
func normalizeScores(energies []float64) []float64 {
	sorted := append([]float64(nil), energies...)
	sort.Float64s(sorted)
	floor := sorted[len(sorted)*10/100]
	peak := sorted[min(len(sorted)-1, len(sorted)*95/100)]
	span := peak - floor
	if span < 1e-9 {
		span = 1e-9
	}
	out := make([]float64, len(energies))
	for i, e := range energies {
		s := (e - floor) / span
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		out[i] = s
	}
	return out
}

// mergeOverlaps coalesces spans that the pad expansion made overlap.
func mergeOverlaps(spans []Segment) []Segment {
	if len(spans) <= 1 {
		return spans
	}
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
