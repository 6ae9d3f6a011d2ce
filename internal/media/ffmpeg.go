// SPDX-License-Identifier: MIT

// Package media drives the external transcoder and prober. Every invocation
// is bounded by a context timeout; a wedged subprocess can never outlive its
// job's watchdog budget.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transcodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zimu_transcode_total",
	Help: "ffmpeg/ffprobe invocations, by operation and result",
}, []string{"op", "result"})

const (
	normalizeTimeout = 900 * time.Second
	extractTimeout   = 180 * time.Second
	probeTimeout     = 30 * time.Second
)

// Transcoder shells out to ffmpeg/ffprobe class binaries.
type Transcoder struct {
	FFmpegBin  string
	FFprobeBin string
}

// NewTranscoder returns a transcoder using PATH lookup for both binaries.
func NewTranscoder() *Transcoder {
	return &Transcoder{FFmpegBin: "ffmpeg", FFprobeBin: "ffprobe"}
}

var spaceRe = regexp.MustCompile(`\s+`)

// CompactError flattens subprocess stderr into a single bounded line,
// truncating on a rune boundary.
func CompactError(out string) string {
	s := strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
	if len(s) > 180 {
		n := 180
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}

func (t *Transcoder) run(ctx context.Context, op string, timeout time.Duration, bin string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		transcodeTotal.WithLabelValues(op, "error").Inc()
		msg := CompactError(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s %s: %s", filepath.Base(bin), op, msg)
	}
	transcodeTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// ProbeDuration returns the container duration in seconds.
func (t *Transcoder) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		transcodeTotal.WithLabelValues("probe", "error").Inc()
		return 0, fmt.Errorf("ffprobe duration: %s", CompactError(stderr.String()+err.Error()))
	}
	transcodeTotal.WithLabelValues("probe", "ok").Inc()

	dur, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration parse: %w", err)
	}
	return dur, nil
}

// NormalizeToWAV converts an arbitrary audio/video container into a mono,
// 16 kHz, 16-bit PCM WAV. Failure is fatal for the job.
func (t *Transcoder) NormalizeToWAV(ctx context.Context, inputPath, outputWAV string) error {
	if err := os.MkdirAll(filepath.Dir(outputWAV), 0o750); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	return t.run(ctx, "normalize", normalizeTimeout, t.FFmpegBin, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outputWAV,
	})
}

// ExtractSegment cuts [start, end) out of the normalized WAV with a light
// dynamic-range normalization so quiet speech survives the remote model.
func (t *Transcoder) ExtractSegment(ctx context.Context, fullWAV, outWAV string, start, end float64) error {
	duration := end - start
	if duration < 0.01 {
		return fmt.Errorf("segment too short: start=%.6f end=%.6f", start, end)
	}
	if err := os.MkdirAll(filepath.Dir(outWAV), 0o750); err != nil {
		return fmt.Errorf("create segments dir: %w", err)
	}
	return t.run(ctx, "extract", extractTimeout, t.FFmpegBin, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", fullWAV,
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", duration),
		"-af", "dynaudnorm=p=0.9:s=5",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outWAV,
	})
}
