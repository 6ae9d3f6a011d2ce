// SPDX-License-Identifier: MIT
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zimustudio/zimu/internal/config"
	"github.com/zimustudio/zimu/internal/job"
	"github.com/zimustudio/zimu/internal/queue"
	"github.com/zimustudio/zimu/internal/store"
	"github.com/zimustudio/zimu/internal/transcribe"
	"github.com/zimustudio/zimu/internal/vad"
)

const testJobID = "0123456789abcdef0123456789abcdef"

func TestDeriveDownloadName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"interview.mp4", "interview.srt"},
		{"talk.final.m4a", "talk.final.srt"},
		{"noext", "noext.srt"},
		{"", "subtitle.srt"},
		{"   ", "subtitle.srt"},
		{".hidden", "subtitle.srt"},
		{"dir/nested/clip.wav", "clip.srt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, deriveDownloadName(tt.in), "in=%q", tt.in)
	}
}

func TestClipRunes(t *testing.T) {
	assert.Equal(t, "short", clipRunes("short", 180))
	assert.Equal(t, "ab", clipRunes("abcd", 2))
	assert.Equal(t, "声", clipRunes("声音", 4))
}

func TestFloatOption(t *testing.T) {
	opts := map[string]any{"a": 1.5, "b": 2, "c": " 3.25 ", "d": "nope"}
	f, ok := floatOption(opts, "a")
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)
	f, ok = floatOption(opts, "b")
	assert.True(t, ok)
	assert.Equal(t, 2.0, f)
	f, ok = floatOption(opts, "c")
	assert.True(t, ok)
	assert.Equal(t, 3.25, f)
	_, ok = floatOption(opts, "d")
	assert.False(t, ok)
	_, ok = floatOption(opts, "missing")
	assert.False(t, ok)
}

// fakeNormalizer writes a real 16k mono WAV with a tone burst so the VAD
// stage has something to chew on.
type fakeNormalizer struct{ seconds float64 }

func (n fakeNormalizer) NormalizeToWAV(_ context.Context, _, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	rate := vad.SampleRate
	total := int(n.seconds * float64(rate))
	data := make([]byte, 44+2*total)
	copy(data[0:4], "RIFF")
	binary.LittleEndian.PutUint32(data[4:8], uint32(36+2*total))
	copy(data[8:12], "WAVE")
	copy(data[12:16], "fmt ")
	binary.LittleEndian.PutUint32(data[16:20], 16)
	binary.LittleEndian.PutUint16(data[20:22], 1)
	binary.LittleEndian.PutUint16(data[22:24], 1)
	binary.LittleEndian.PutUint32(data[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(data[28:32], uint32(rate*2))
	binary.LittleEndian.PutUint16(data[32:34], 2)
	binary.LittleEndian.PutUint16(data[34:36], 16)
	copy(data[36:40], "data")
	binary.LittleEndian.PutUint32(data[40:44], uint32(2*total))
	for i := 0; i < total; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(data[44+2*i:], uint16(v))
	}
	return os.WriteFile(dst, data, 0o640)
}

type fakeProber struct{ dur float64 }

func (p fakeProber) ProbeDuration(context.Context, string) (float64, error) {
	return p.dur, nil
}

type fakeModel struct{ spans []vad.Segment }

func (m fakeModel) Detect(context.Context, []float32, vad.Tunables) ([]vad.Segment, error) {
	return m.spans, nil
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractSegment(_ context.Context, _, outWAV string, _, _ float64) error {
	if err := os.MkdirAll(filepath.Dir(outWAV), 0o750); err != nil {
		return err
	}
	return os.WriteFile(outWAV, []byte("RIFFstub"), 0o640)
}

func deepgramStub(t *testing.T, transcript string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"results": map[string]any{
				"channels": []any{map[string]any{
					"alternatives": []any{map[string]any{"transcript": transcript}},
				}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
}

func testPool(t *testing.T, srvURL string, spans []vad.Segment, dur float64) (*Pool, *job.Registry, store.Layout) {
	t.Helper()
	layout := store.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	reg := job.NewRegistry(layout, job.Limits{})
	cfg := config.Config{
		Concurrency:                 4,
		JobWorkers:                  1,
		DefaultModel:                "nova-2-general",
		MaxSegmentSeconds:           15,
		MinSegmentSeconds:           0.25,
		MinTranscribeSegmentSeconds: 0.45,
		ShortSegmentMergeGapSeconds: 0.2,
		VADPresetDefault:            "general",
	}
	providers := &transcribe.Providers{
		Client:       transcribe.NewClient(transcribe.ClientConfig{}),
		DeepgramKey:  "test-key",
		DeepgramBase: srvURL,
		Timeout:      5 * time.Second,
	}
	pool := &Pool{
		Registry:   reg,
		Queue:      queue.New(),
		Layout:     layout,
		Transcoder: fakeNormalizer{seconds: dur},
		Segmenter: &vad.Segmenter{
			Prober: fakeProber{dur: dur},
			Model:  fakeModel{spans: spans},
			Limits: vad.Limits{MinSegmentSeconds: 0.25, MaxSegmentSeconds: 15},
		},
		FanOut: &transcribe.FanOut{
			Concurrency: cfg.Concurrency,
			Providers:   providers,
			Extractor:   fakeExtractor{},
			Layout:      layout,
		},
		Cfg: cfg,
	}
	return pool, reg, layout
}

func initUpload(t *testing.T, reg *job.Registry, layout store.Layout, name string) {
	t.Helper()
	dir := layout.UploadDir(testJobID)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("fake media"), 0o640))
	reg.Init(testJobID, job.Payload{
		FilePath:     path,
		Language:     "en",
		Model:        "nova-2-general",
		OriginalName: name,
	})
}

func TestProcessJobHappyPath(t *testing.T) {
	srv := deepgramStub(t, "hello from the stub")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}, {Start: 2.5, End: 4}}, 5)
	initUpload(t, reg, layout, "clip.mp4")

	pool.runOne(context.Background(), zerolog.Nop(), testJobID)

	rec := reg.Get(testJobID)
	require.NotNil(t, rec)
	assert.Equal(t, job.StatusDone, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.Equal(t, "clip.srt", rec.DownloadName)
	assert.Equal(t, layout.OutputSRT(testJobID), rec.ResultPath)

	data, err := os.ReadFile(rec.ResultPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "hello from the stub")
	assert.Contains(t, content, " --> ")

	// The lease and the tmp workspace are released.
	_, err = os.Stat(layout.LockPath(testJobID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(layout.TmpDir(testJobID))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessJobMissingUpload(t *testing.T) {
	srv := deepgramStub(t, "unused")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}}, 5)
	reg.Init(testJobID, job.Payload{
		FilePath: filepath.Join(layout.UploadDir(testJobID), "ghost.mp4"),
	})

	pool.runOne(context.Background(), zerolog.Nop(), testJobID)

	rec := reg.Get(testJobID)
	assert.Equal(t, job.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "upload file missing")
}

func TestProcessJobSkipsWhenLeaseHeld(t *testing.T) {
	srv := deepgramStub(t, "unused")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}}, 5)
	initUpload(t, reg, layout, "clip.mp4")

	ok, err := layout.AcquireLease(testJobID)
	require.NoError(t, err)
	require.True(t, ok)

	pool.runOne(context.Background(), zerolog.Nop(), testJobID)

	rec := reg.Get(testJobID)
	assert.Equal(t, job.StatusQueued, rec.Status, "the job is left for the lease holder")
	var sawSkip bool
	for _, l := range rec.Logs {
		if strings.Contains(l.Msg, "another worker") {
			sawSkip = true
		}
	}
	assert.True(t, sawSkip)
}

func TestProcessJobShutdownLeavesJobRestartable(t *testing.T) {
	srv := deepgramStub(t, "unused")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}}, 5)
	initUpload(t, reg, layout, "clip.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.runOne(ctx, zerolog.Nop(), testJobID)

	rec := reg.Get(testJobID)
	require.NotNil(t, rec)
	assert.Equal(t, job.StatusRunning, rec.Status, "a shutdown must not error the job")
	assert.Empty(t, rec.Error)
	var sawInterrupt bool
	for _, l := range rec.Logs {
		if strings.Contains(l.Msg, "interrupted by shutdown") {
			sawInterrupt = true
		}
	}
	assert.True(t, sawInterrupt)

	// The lease is released so the next boot can take the job over.
	_, err := os.Stat(layout.LockPath(testJobID))
	assert.True(t, os.IsNotExist(err))

	// The durable record is requeued by a fresh boot.
	require.NoError(t, reg.FlushOne(testJobID))
	reg2 := job.NewRegistry(layout, job.Limits{})
	_, requeue := reg2.Rehydrate()
	assert.Contains(t, requeue, testJobID)
}

func TestProcessJobShutdownDuringUserCancelStillCancels(t *testing.T) {
	srv := deepgramStub(t, "unused")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}}, 5)
	initUpload(t, reg, layout, "clip.mp4")
	reg.RequestCancel(testJobID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.runOne(ctx, zerolog.Nop(), testJobID)

	// A user cancel observed at shutdown still finalizes as cancelled.
	assert.Equal(t, job.StatusCancelled, reg.Get(testJobID).Status)
}

func TestProcessJobHonorsPreCancel(t *testing.T) {
	srv := deepgramStub(t, "unused")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}}, 5)
	initUpload(t, reg, layout, "clip.mp4")
	reg.RequestCancel(testJobID)

	pool.runOne(context.Background(), zerolog.Nop(), testJobID)

	assert.Equal(t, job.StatusCancelled, reg.Get(testJobID).Status)
}

func TestWorkerLoopDrainsQueue(t *testing.T) {
	srv := deepgramStub(t, "looped transcript")
	defer srv.Close()

	pool, reg, layout := testPool(t, srv.URL, []vad.Segment{{Start: 0, End: 2}}, 5)
	initUpload(t, reg, layout, "clip.mp4")
	pool.Queue.Push(testJobID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		rec := reg.Get(testJobID)
		return rec != nil && rec.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, job.StatusDone, reg.Get(testJobID).Status)
}
