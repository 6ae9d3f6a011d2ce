// SPDX-License-Identifier: MIT

package subtitle

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Cue is one subtitle entry.
type Cue struct {
	Start float64
	End   float64
	Text  string
}

// minCueSeconds is the shortest duration a cue may have after overlap
// correction.
const minCueSeconds = 0.18

// FormatTimestamp renders seconds as HH:MM:SS,mmm with millisecond rounding.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	hh := ms / 3600000
	ms %= 3600000
	mm := ms / 60000
	ms %= 60000
	ss := ms / 1000
	ms %= 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hh, mm, ss, ms)
}

// ParseTimestamp converts HH:MM:SS,mmm back to seconds.
func ParseTimestamp(ts string) (float64, error) {
	parts := strings.Split(strings.Replace(ts, ",", ":", 1), ":")
	if len(parts) != 4 {
		return 0, fmt.Errorf("malformed timestamp: %q", ts)
	}
	vals := make([]int64, 4)
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed timestamp %q: %w", ts, err)
		}
		vals[i] = v
	}
	ms := vals[0]*3600000 + vals[1]*60000 + vals[2]*1000 + vals[3]
	return float64(ms) / 1000.0, nil
}

// AllocateLineTimes distributes the segment window [segStart, segEnd] over
// its lines, weighted by line length. Every line gets at least 0.3s of its
// weighted slice and 0.18s after overlap correction; the last line always
// ends at the segment end.
func AllocateLineTimes(segStart, segEnd float64, lines []string) []Cue {
	if len(lines) == 0 {
		return nil
	}
	dur := segEnd - segStart
	if dur < 0.2 {
		dur = 0.2
	}
	if len(lines) == 1 {
		return []Cue{{Start: segStart, End: segEnd, Text: lines[0]}}
	}

	weights := make([]float64, len(lines))
	var totalW float64
	for i, l := range lines {
		w := float64(len([]rune(l)))
		if w < 1 {
			w = 1
		}
		weights[i] = w
		totalW += w
	}

	cues := make([]Cue, 0, len(lines))
	t := segStart
	for i, line := range lines {
		var nxt float64
		if i == len(lines)-1 {
			nxt = segEnd
		} else {
			piece := dur * (weights[i] / totalW)
			if piece < 0.3 {
				piece = 0.3
			}
			nxt = t + piece
			if nxt > segEnd {
				nxt = segEnd
			}
		}
		cues = append(cues, Cue{Start: t, End: nxt, Text: line})
		t = nxt
	}

	// Repair overlaps and inversions the weighting may have produced.
	fixed := make([]Cue, 0, len(cues))
	prevEnd := segStart
	for _, c := range cues {
		if c.Start < prevEnd {
			c.Start = prevEnd
		}
		if c.End < c.Start+minCueSeconds {
			c.End = c.Start + minCueSeconds
		}
		fixed = append(fixed, c)
		prevEnd = c.End
	}

	// Pin the final cue to the segment tail.
	last := &fixed[len(fixed)-1]
	if segEnd > last.Start+minCueSeconds {
		last.End = segEnd
	} else {
		last.End = last.Start + minCueSeconds
	}
	return fixed
}

// Result is one transcribed segment entering assembly.
type Result struct {
	OK    bool
	Idx   int
	Start float64
	End   float64
	Text  string
}

// BuildCues expands successful segment results into timed cues, sweeps out
// overlaps, and compacts identical adjacent cues.
func BuildCues(results []Result, language, model string) []Cue {
	ok := make([]Result, 0, len(results))
	for _, r := range results {
		if r.OK && r.Text != "" {
			ok = append(ok, r)
		}
	}
	sort.Slice(ok, func(i, j int) bool {
		if ok[i].Start != ok[j].Start {
			return ok[i].Start < ok[j].Start
		}
		if ok[i].End != ok[j].End {
			return ok[i].End < ok[j].End
		}
		return ok[i].Idx < ok[j].Idx
	})

	var cues []Cue
	for _, r := range ok {
		lines := SplitLines(r.Text, language, 0, model)
		cues = append(cues, AllocateLineTimes(r.Start, r.End, lines)...)
	}

	// Final non-overlap sweep across segment boundaries.
	var swept []Cue
	prevEnd := 0.0
	for _, c := range cues {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if c.Start < prevEnd {
			c.Start = prevEnd
		}
		if c.End <= c.Start {
			c.End = c.Start + 0.2
		}
		c.Text = text
		swept = append(swept, c)
		prevEnd = c.End
	}

	// Merge consecutive cues with identical text and a negligible gap to
	// avoid flicker-style splits.
	var compact []Cue
	for _, c := range swept {
		if len(compact) > 0 {
			prev := &compact[len(compact)-1]
			if c.Text == prev.Text && c.Start-prev.End <= 0.12 {
				if c.End > prev.End {
					prev.End = c.End
				}
				continue
			}
		}
		compact = append(compact, c)
	}
	return compact
}

// RenderSRT serializes cues as an SRT document: 1-based indices, timing
// line, one text line, blank-line separated, trailing newline.
func RenderSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, FormatTimestamp(c.Start), FormatTimestamp(c.End), c.Text)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "\n"
	}
	return out + "\n"
}
