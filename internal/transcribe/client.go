// SPDX-License-Identifier: MIT

// Package transcribe drives the remote transcription providers: a shared
// pooled HTTP client, per-provider request shaping, and the bounded segment
// fan-out with its empty-transcript retry.
package transcribe

import (
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// retryStatuses are the upstream statuses worth another GET attempt.
var retryStatuses = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// retryTransport retries idempotent requests with exponential backoff.
// Transcription POSTs are non-idempotent and must never be retried here:
// a duplicate POST is a duplicate bill.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	limiter *rate.Limiter
}

const backoffFactor = 0.6

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	if req.Method != http.MethodGet || t.retries <= 0 {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = t.base.RoundTrip(req)
		if attempt >= t.retries {
			return resp, err
		}
		if err == nil && !retryStatuses[resp.StatusCode] {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		wait := time.Duration(backoffFactor * math.Pow(2, float64(attempt)) * float64(time.Second))
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

// ClientConfig shapes the shared upstream HTTP client.
type ClientConfig struct {
	Retries   int
	RateRPS   float64 // 0 disables pacing
	RateBurst int
}

// NewClient builds the shared pooled client. The transport is wrapped for
// tracing; the retry layer sits above it so retried attempts are visible as
// separate spans.
func NewClient(cfg ClientConfig) *http.Client {
	base := &http.Transport{
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RateRPS > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), burst)
	}

	return &http.Client{
		Transport: &retryTransport{
			base:    otelhttp.NewTransport(base),
			retries: cfg.Retries,
			limiter: limiter,
		},
	}
}
