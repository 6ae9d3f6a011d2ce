// SPDX-License-Identifier: MIT

package vad

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tunables are the detector parameters. Presets bundle them; individual
// option keys override the preset.
type Tunables struct {
	Threshold    float64 `yaml:"vad_threshold" json:"vad_threshold"`
	MinSilenceMS int     `yaml:"vad_min_silence_ms" json:"vad_min_silence_ms"`
	MinSpeechMS  int     `yaml:"vad_min_speech_ms" json:"vad_min_speech_ms"`
	SpeechPadMS  int     `yaml:"vad_speech_pad_ms" json:"vad_speech_pad_ms"`
}

// Preset is a named scenario bundle.
type Preset struct {
	Label    string `yaml:"label" json:"label"`
	Desc     string `yaml:"desc" json:"desc"`
	Tunables `yaml:",inline" json:"tunables"`
}

//go:embed presets.yaml
var presetsYAML []byte

var presets map[string]Preset

func init() {
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		panic(fmt.Sprintf("vad: bad embedded presets: %v", err))
	}
}

// Presets returns the preset table keyed by name.
func Presets() map[string]Preset {
	out := make(map[string]Preset, len(presets))
	for k, v := range presets {
		out[k] = v
	}
	return out
}

// PresetNames returns the sorted preset names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for k := range presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// floatOption pulls a numeric option out of a loosely-typed options map.
func floatOption(options map[string]any, key string) (float64, bool) {
	v, ok := options[key]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ResolveOptions selects the preset and applies per-key overrides and legacy
// compatibility mappings. Returns the effective preset name and tunables.
func ResolveOptions(options map[string]any, defaultPreset string) (string, Tunables) {
	name := defaultPreset
	if v, ok := options["vad_preset"].(string); ok && strings.TrimSpace(v) != "" {
		name = strings.ToLower(strings.TrimSpace(v))
	}

	// Legacy vad_profile is honored for compatibility.
	if v, ok := options["vad_profile"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "asmr":
			name = "asmr"
		case "balanced", "general":
			name = "general"
		}
	}

	base, ok := presets[name]
	if !ok {
		name = "general"
		base = presets[name]
	}

	t := base.Tunables
	if f, ok := floatOption(options, "vad_threshold"); ok {
		t.Threshold = f
	}
	if f, ok := floatOption(options, "vad_min_silence_ms"); ok {
		t.MinSilenceMS = int(f)
	}
	if f, ok := floatOption(options, "vad_min_speech_ms"); ok {
		t.MinSpeechMS = int(f)
	}
	if f, ok := floatOption(options, "vad_speech_pad_ms"); ok {
		t.SpeechPadMS = int(f)
	}

	// Legacy utterance_split (seconds) maps onto the silence floor.
	if f, ok := floatOption(options, "utterance_split"); ok {
		t.MinSilenceMS = int(clampF(f*1000.0, 50, 3000))
	}

	t.Threshold = clampF(t.Threshold, 0.1, 0.95)
	t.MinSilenceMS = clampI(t.MinSilenceMS, 50, 3000)
	t.MinSpeechMS = clampI(t.MinSpeechMS, 50, 3000)
	t.SpeechPadMS = clampI(t.SpeechPadMS, 0, 1000)
	return name, t
}
