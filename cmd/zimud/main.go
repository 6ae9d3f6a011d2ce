// SPDX-License-Identifier: MIT

// zimud is the subtitle studio daemon: it accepts uploads over HTTP,
// transcribes them segment by segment against remote providers, and serves
// the resulting SRT files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zimustudio/zimu/internal/api"
	"github.com/zimustudio/zimu/internal/config"
	"github.com/zimustudio/zimu/internal/janitor"
	"github.com/zimustudio/zimu/internal/job"
	zlog "github.com/zimustudio/zimu/internal/log"
	"github.com/zimustudio/zimu/internal/media"
	"github.com/zimustudio/zimu/internal/queue"
	"github.com/zimustudio/zimu/internal/store"
	"github.com/zimustudio/zimu/internal/transcribe"
	"github.com/zimustudio/zimu/internal/vad"
	"github.com/zimustudio/zimu/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("zimud %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(); err != nil {
		logger := zlog.Base()
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	zlog.Configure(zlog.Config{
		Level:   config.ParseString("LOG_LEVEL", "info"),
		Service: "zimud",
	})
	logger := zlog.WithComponent("daemon")
	logger.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Int("job_workers", cfg.JobWorkers).
		Int("concurrency", cfg.Concurrency).
		Bool("auth", cfg.AuthEnabled()).
		Str("deepgram_key", zlog.MaskSecret(cfg.DeepgramAPIKey)).
		Str("hf_token", zlog.MaskSecret(cfg.HFToken)).
		Msg("starting")

	layout := store.NewLayout(cfg.DataDir)
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	registry := job.NewRegistry(layout, job.Limits{
		LogMaxLines:     cfg.LogMaxLines,
		MetaLogMaxLines: cfg.MetaLogMaxLines,
	})
	q := queue.New()

	loaded, requeue := registry.Rehydrate()
	for _, id := range requeue {
		registry.AppendLog(id, "resuming after restart")
		registry.SetStatus(id, job.StatusQueued)
		q.Push(id)
	}
	logger.Info().Int("loaded", loaded).Int("requeued", len(requeue)).Msg("meta rehydrated")

	client := transcribe.NewClient(transcribe.ClientConfig{
		Retries:   cfg.RequestRetries,
		RateRPS:   cfg.UpstreamRateRPS,
		RateBurst: cfg.UpstreamRateBurst,
	})
	providers := &transcribe.Providers{
		Client:       client,
		DeepgramKey:  cfg.DeepgramAPIKey,
		DeepgramBase: cfg.DeepgramBaseURL,
		HFToken:      cfg.HFToken,
		HFURL:        cfg.HFKotobaURL,
		Timeout:      cfg.RequestTimeout,
	}
	transcoder := media.NewTranscoder()
	segmenter := &vad.Segmenter{
		Prober: transcoder,
		Model:  &vad.EnergyModel{},
		Limits: vad.Limits{
			MinSegmentSeconds: cfg.MinSegmentSeconds,
			MaxSegmentSeconds: cfg.MaxSegmentSeconds,
		},
	}
	pool := &worker.Pool{
		Registry:   registry,
		Queue:      q,
		Layout:     layout,
		Transcoder: transcoder,
		Segmenter:  segmenter,
		FanOut: &transcribe.FanOut{
			Concurrency: cfg.Concurrency,
			Providers:   providers,
			Extractor:   transcoder,
			Layout:      layout,
		},
		Cfg: cfg,
	}
	flusher := &job.Flusher{Registry: registry, Interval: cfg.MetaFlushInterval}
	jan := &janitor.Janitor{Registry: registry, Layout: layout, Cfg: cfg}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, task := range []func(context.Context){flusher.Run, jan.Run, pool.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(task)
	}

	server := api.New(registry, q, layout, providers, cfg)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	wg.Wait()
	logger.Info().Msg("shutdown complete")
	return nil
}
