// Anchorlog - Tamper-Evident Log Ingestion with Merkle Anchoring
// Copyright 2026 Anchorlog Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/anchorlog/anchorlog

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anchorlog/anchorlog/internal/logging"
)

// RouterConfig carries the gateway settings the router needs.
type RouterConfig struct {
	// RateLimit caps requests per client IP per minute; 0 disables it.
	RateLimit int
}

// NewRouter assembles the HTTP routes and middleware stack.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	// Unthrottled probes and scrapes.
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
		}

		r.Route("/logs", func(r chi.Router) {
			r.Post("/", h.CreateLog)
			r.Get("/", h.ListLogs)
			r.Get("/{id}", h.GetLog)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.CreateBatch)
			r.Get("/", h.ListBatches)
			r.Get("/{id}", h.GetBatch)
			r.Get("/{id}/verify", h.VerifyBatch)
		})

		r.Get("/stats", h.Stats)
		r.Route("/wal", func(r chi.Router) {
			r.Get("/stats", h.WALStats)
			r.Post("/process", h.ProcessWAL)
		})
	})

	return r
}

// requestID assigns every request an ID, echoes it in X-Request-ID, and
// threads it through the context for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}
