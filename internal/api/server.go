// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface of the service: upload, status,
// cancel, download, account balance, and operational endpoints.
package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zimustudio/zimu/internal/config"
	"github.com/zimustudio/zimu/internal/job"
	"github.com/zimustudio/zimu/internal/queue"
	"github.com/zimustudio/zimu/internal/store"
	"github.com/zimustudio/zimu/internal/transcribe"
)

// Server wires the HTTP handlers to the engine.
type Server struct {
	Registry  *job.Registry
	Queue     *queue.Queue
	Layout    store.Layout
	Providers *transcribe.Providers
	Cfg       config.Config
}

// New returns a Server over the given engine components.
func New(reg *job.Registry, q *queue.Queue, layout store.Layout, providers *transcribe.Providers, cfg config.Config) *Server {
	return &Server{Registry: reg, Queue: q, Layout: layout, Providers: providers, Cfg: cfg}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/config", s.handleConfig)
		r.Post("/api/start", s.handleStart)
		r.Get("/api/status/{id}", s.handleStatus)
		r.Post("/api/cancel/{id}", s.handleCancel)
		r.Get("/api/download/{id}", s.handleDownload)
		r.Get("/api/balance", s.handleBalance)
	})

	return r
}

// authMiddleware enforces the optional token gate. The token is accepted
// from the X-API-Token header or a token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Token")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Cfg.APIAuthToken)) != 1 {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
