// Package api exposes the scheduling trigger and read endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/ingest"
	"github.com/sells-group/price-oracle/internal/metrics"
	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/queue"
	"github.com/sells-group/price-oracle/internal/store"
)

// PriceGate is the ingestion gate as seen by the API.
type PriceGate interface {
	Ingest(ctx context.Context, assetID string, obs []model.Observation, origin model.Origin) (ingest.WriteResult, error)
	TrustedHistory(ctx context.Context, assetID string, limit int) ([]model.PriceRecord, error)
	CurrentPrice(ctx context.Context, assetID string) (*model.PriceRecord, error)
}

// Jobs is the scheduler as seen by the API.
type Jobs interface {
	Enqueue(ctx context.Context, assetID, keyword string, opts ...queue.EnqueueOption) (model.ScrapeJob, error)
	ScheduleAll(ctx context.Context, opts ...queue.EnqueueOption) (int, error)
	Retry(ctx context.Context, failedJobID string) (model.ScrapeJob, error)
	Pending(ctx context.Context) (int, error)
	Submit(ctx context.Context, name string, fn func(ctx context.Context) error) (*queue.Task, error)
}

// Normalizer converts operator-entered prices to USD.
type Normalizer interface {
	Normalize(ctx context.Context, obs *model.Observation)
}

// Deps wires the handlers to the rest of the oracle.
type Deps struct {
	Store       store.Store
	Gate        PriceGate
	Jobs        Jobs
	Normalizer  Normalizer // optional; prices are taken as USD when nil
	Seed        string
	CORSOrigins []string
}

// Server holds the HTTP handlers.
type Server struct {
	deps    Deps
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:    deps,
		log:     zap.L().With(zap.String("component", "api")),
		nowFunc: time.Now,
	}
}

// Router builds the chi router with CORS, recovery and metrics middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(metrics.InstrumentHandler)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/assets", func(r chi.Router) {
		r.Get("/", s.handleListAssets)
		r.Post("/", s.handleAllocateAssets)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAsset)
			r.Get("/prices", s.handleTrustedHistory)
			r.Post("/prices", s.handleRecordPrice)
			r.Get("/price", s.handleCurrentPrice)
			r.Get("/external", s.handleExternalPrices)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Post("/schedule-all", s.handleScheduleAll)
		r.Get("/failed", s.handleListFailed)
		r.Post("/failed/{id}/retry", s.handleRetryFailed)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["store"] = err.Error()
	}
	if n, err := s.deps.Jobs.Pending(r.Context()); err == nil {
		body["pending_jobs"] = n
	}
	writeJSON(w, status, body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps an internal error to a response, logging anything that is not
// the caller's fault.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "scheduler is shutting down")
	default:
		s.log.Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// intParam reads a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
