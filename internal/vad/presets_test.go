// SPDX-License-Identifier: MIT
package vad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedPresetTable(t *testing.T) {
	assert.Equal(t, []string{"asmr", "general", "mixed"}, PresetNames())

	p := Presets()["asmr"]
	assert.Equal(t, 0.35, p.Threshold)
	assert.Equal(t, 300, p.MinSilenceMS)
	assert.Equal(t, 140, p.MinSpeechMS)
	assert.Equal(t, 180, p.SpeechPadMS)
}

func TestResolveOptionsPresetSelection(t *testing.T) {
	name, tun := ResolveOptions(nil, "general")
	assert.Equal(t, "general", name)
	assert.Equal(t, presets["general"].Tunables, tun)

	name, _ = ResolveOptions(map[string]any{"vad_preset": "  ASMR "}, "general")
	assert.Equal(t, "asmr", name)

	// Unknown preset falls back to general.
	name, _ = ResolveOptions(map[string]any{"vad_preset": "studio"}, "general")
	assert.Equal(t, "general", name)
}

func TestResolveOptionsLegacyProfile(t *testing.T) {
	name, _ := ResolveOptions(map[string]any{"vad_profile": "asmr"}, "general")
	assert.Equal(t, "asmr", name)

	name, _ = ResolveOptions(map[string]any{"vad_profile": "balanced"}, "asmr")
	assert.Equal(t, "general", name)
}

func TestResolveOptionsOverridesAndClamps(t *testing.T) {
	_, tun := ResolveOptions(map[string]any{
		"vad_threshold":      2.5,     // clamped to 0.95
		"vad_min_silence_ms": 10.0,    // clamped to 50
		"vad_min_speech_ms":  "90000", // string accepted, clamped to 3000
		"vad_speech_pad_ms":  -5,      // clamped to 0
	}, "general")
	assert.Equal(t, 0.95, tun.Threshold)
	assert.Equal(t, 50, tun.MinSilenceMS)
	assert.Equal(t, 3000, tun.MinSpeechMS)
	assert.Equal(t, 0, tun.SpeechPadMS)
}

func TestResolveOptionsLegacyUtteranceSplit(t *testing.T) {
	_, tun := ResolveOptions(map[string]any{"utterance_split": 0.8}, "general")
	assert.Equal(t, 800, tun.MinSilenceMS)

	// Seconds value far out of range still lands inside the clamp window.
	_, tun = ResolveOptions(map[string]any{"utterance_split": 60}, "general")
	assert.Equal(t, 3000, tun.MinSilenceMS)
}

func TestEnergyModelDetectsToneAgainstSilence(t *testing.T) {
	// 1s silence, 1s tone, 1s silence at 16 kHz.
	pcm := make([]float32, 3*SampleRate)
	for i := SampleRate; i < 2*SampleRate; i++ {
		pcm[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	m := &EnergyModel{}
	spans, err := m.Detect(t.Context(), pcm, Tunables{
		Threshold: 0.5, MinSilenceMS: 200, MinSpeechMS: 100, SpeechPadMS: 0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, spans)
	assert.InDelta(t, 1.0, spans[0].Start, 0.15)
	assert.InDelta(t, 2.0, spans[len(spans)-1].End, 0.15)
}
