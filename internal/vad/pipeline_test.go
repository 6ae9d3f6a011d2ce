// SPDX-License-Identifier: MIT
package vad

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a 16-bit mono PCM WAV with a sine tone.
func writeTestWAV(t *testing.T, seconds float64, rate int) string {
	t.Helper()
	n := int(seconds * float64(rate))
	data := make([]byte, 44+2*n)
	copy(data[0:4], "RIFF")
	binary.LittleEndian.PutUint32(data[4:8], uint32(36+2*n))
	copy(data[8:12], "WAVE")
	copy(data[12:16], "fmt ")
	binary.LittleEndian.PutUint32(data[16:20], 16)
	binary.LittleEndian.PutUint16(data[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(data[22:24], 1) // mono
	binary.LittleEndian.PutUint32(data[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(data[28:32], uint32(rate*2))
	binary.LittleEndian.PutUint16(data[32:34], 2)
	binary.LittleEndian.PutUint16(data[34:36], 16)
	copy(data[36:40], "data")
	binary.LittleEndian.PutUint32(data[40:44], uint32(2*n))
	for i := 0; i < n; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(data[44+2*i:], uint16(v))
	}
	path := filepath.Join(t.TempDir(), "test.wav")
	require.NoError(t, os.WriteFile(path, data, 0o640))
	return path
}

type fixedProber struct{ dur float64 }

func (p fixedProber) ProbeDuration(_ context.Context, _ string) (float64, error) {
	return p.dur, nil
}

type fixedModel struct{ spans []Segment }

func (m fixedModel) Detect(_ context.Context, _ []float32, _ Tunables) ([]Segment, error) {
	return m.spans, nil
}

func testSegmenter(dur float64, spans []Segment) *Segmenter {
	return &Segmenter{
		Prober: fixedProber{dur: dur},
		Model:  fixedModel{spans: spans},
		Limits: Limits{MinSegmentSeconds: 0.25, MaxSegmentSeconds: 15},
	}
}

func TestDetectRejectsTooShortInput(t *testing.T) {
	wav := writeTestWAV(t, 0.1, SampleRate)
	sg := testSegmenter(0.04, nil)
	_, err := sg.Detect(context.Background(), wav, Tunables{})
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestDetectMinSegmentBoundary(t *testing.T) {
	wav := writeTestWAV(t, 10, SampleRate)
	sg := testSegmenter(10, []Segment{
		{Start: 0.0, End: 0.25},  // exactly MIN: kept
		{Start: 1.0, End: 1.24},  // MIN - 10ms: dropped
		{Start: 2.0, End: 4.0},   // comfortably long: kept
	})
	res, err := sg.Detect(context.Background(), wav, Tunables{})
	require.NoError(t, err)
	assert.Equal(t, []Segment{{Start: 0.0, End: 0.25}, {Start: 2.0, End: 4.0}}, res.Segments)
	assert.Equal(t, 0, res.SplitCount)
}

func TestDetectFallsBackWhenModelFindsNothing(t *testing.T) {
	wav := writeTestWAV(t, 3, SampleRate)
	sg := testSegmenter(3, nil)
	res, err := sg.Detect(context.Background(), wav, Tunables{})
	require.NoError(t, err)
	assert.Equal(t, []Segment{{Start: 0, End: 3}}, res.Segments)
}

func TestDetectFallsBackWhenFilterDropsAll(t *testing.T) {
	wav := writeTestWAV(t, 3, SampleRate)
	sg := testSegmenter(3, []Segment{{Start: 0.5, End: 0.6}})
	res, err := sg.Detect(context.Background(), wav, Tunables{})
	require.NoError(t, err)
	assert.Equal(t, []Segment{{Start: 0, End: 3}}, res.Segments)
}

func TestDetectForceSplitsLongSegments(t *testing.T) {
	wav := writeTestWAV(t, 1, SampleRate)
	sg := testSegmenter(35, []Segment{{Start: 0, End: 35}})
	res, err := sg.Detect(context.Background(), wav, Tunables{})
	require.NoError(t, err)

	require.Len(t, res.Segments, 3)
	assert.Equal(t, 2, res.SplitCount)
	for _, seg := range res.Segments {
		assert.LessOrEqual(t, seg.Dur(), 15.0+1e-9)
		assert.Greater(t, seg.Dur(), 0.0)
	}
	// Pieces are contiguous, covering the original span.
	assert.Equal(t, 0.0, res.Segments[0].Start)
	assert.Equal(t, res.Segments[0].End, res.Segments[1].Start)
	assert.Equal(t, res.Segments[1].End, res.Segments[2].Start)
	assert.Equal(t, 35.0, res.Segments[2].End)
}

func TestDetectClampsToTotalDuration(t *testing.T) {
	wav := writeTestWAV(t, 1, SampleRate)
	sg := testSegmenter(5, []Segment{{Start: -0.3, End: 6.0}})
	res, err := sg.Detect(context.Background(), wav, Tunables{})
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, Segment{Start: 0, End: 5}, res.Segments[0])
}

func TestMergeShortFoldsIntoPredecessor(t *testing.T) {
	segs := []Segment{
		{Start: 0, End: 2},
		{Start: 2.1, End: 2.4}, // short, gap 0.1 <= 0.2: merged
	}
	out, merged, dropped := MergeShort(segs, 0.45, 0.2, 15)
	assert.Equal(t, []Segment{{Start: 0, End: 2.4}}, out)
	assert.Equal(t, 1, merged)
	assert.Equal(t, 0, dropped)
}

func TestMergeShortRespectsMaxDuration(t *testing.T) {
	segs := []Segment{
		{Start: 0, End: 14.9},
		{Start: 15.0, End: 15.4}, // merging would exceed max: kept standalone (>= keepFloor)
	}
	out, merged, dropped := MergeShort(segs, 0.45, 0.2, 15)
	assert.Len(t, out, 2)
	assert.Equal(t, 0, merged)
	assert.Equal(t, 0, dropped)
}

func TestMergeShortDropsTinyIsolated(t *testing.T) {
	// keepFloor = max(0.22, 0.45*0.6) = 0.27; 0.25 with a wide gap is dropped.
	segs := []Segment{
		{Start: 0, End: 2},
		{Start: 5.0, End: 5.25},
	}
	out, merged, dropped := MergeShort(segs, 0.45, 0.2, 15)
	assert.Equal(t, []Segment{{Start: 0, End: 2}}, out)
	assert.Equal(t, 0, merged)
	assert.Equal(t, 1, dropped)
}

func TestMergeShortNeverReturnsEmpty(t *testing.T) {
	segs := []Segment{{Start: 1.0, End: 1.05}}
	out, _, _ := MergeShort(segs, 0.45, 0.2, 15)
	require.NotEmpty(t, out)
	assert.Equal(t, segs[0], out[0])

	out, merged, dropped := MergeShort(nil, 0.45, 0.2, 15)
	assert.Nil(t, out)
	assert.Zero(t, merged)
	assert.Zero(t, dropped)
}
