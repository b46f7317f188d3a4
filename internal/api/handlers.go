package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/model"
	"github.com/sells-group/price-oracle/internal/resilience"
	"github.com/sells-group/price-oracle/internal/store"
)

const maxAllocate = 1000

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.AssetFilter{
		Limit:    limit,
		Offset:   offset,
		Unpriced: r.URL.Query().Get("unpriced") == "true",
	}

	assets, err := s.deps.Store.ListAssets(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total, err := s.deps.Store.CountAssets(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets, "total": total})
}

func (s *Server) handleAllocateAssets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keywords []string `json:"keywords"`
		Schedule bool     `json:"schedule"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	keywords := make([]string, 0, len(req.Keywords))
	for _, k := range req.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		writeError(w, http.StatusBadRequest, "keywords is required")
		return
	}
	if len(keywords) > maxAllocate {
		writeError(w, http.StatusBadRequest, "too many keywords")
		return
	}

	assets, err := s.deps.Store.AllocateAssets(r.Context(), keywords, s.deps.Seed)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if req.Schedule {
		for _, a := range assets {
			if _, err := s.deps.Jobs.Enqueue(r.Context(), a.ID, a.Keyword); err != nil {
				s.log.Warn("api: allocated asset not scheduled",
					zap.String("asset_id", a.ID),
					zap.Error(err),
				)
			}
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"assets": assets})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTrustedHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.deps.Gate.TrustedHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.PriceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": recs})
}

func (s *Server) handleCurrentPrice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Gate.CurrentPrice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExternalPrices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListExternalPrices(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.ExternalPriceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"external": recs})
}

// handleRecordPrice accepts sale events and operator overrides. Scraped
// batches only arrive through the job processor.
func (s *Server) handleRecordPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price      float64    `json:"price"`
		Currency   string     `json:"currency"`
		Origin     string     `json:"origin"`
		Source     string     `json:"source"`
		ObservedAt *time.Time `json:"observed_at"`
		EventID    string     `json:"event_id"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	origin, err := model.ParseOrigin(req.Origin)
	if err != nil || origin == model.OriginScraped {
		writeError(w, http.StatusBadRequest, "origin must be internal-sale-event or manual")
		return
	}
	if req.Price <= 0 || math.IsInf(req.Price, 0) || math.IsNaN(req.Price) {
		writeError(w, http.StatusBadRequest, "price must be a positive number")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	if req.Source == "" {
		req.Source = string(model.SourceFor(origin))
	}
	observedAt := s.nowFunc().UTC()
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}

	obs := model.Observation{
		AssetID:            chi.URLParam(r, "id"),
		Source:             req.Source,
		RawPrice:           req.Price,
		Currency:           strings.ToUpper(req.Currency),
		NormalizedPriceUSD: req.Price,
		ObservedAt:         observedAt,
		EventID:            strings.TrimSpace(req.EventID),
	}
	if s.deps.Normalizer != nil {
		s.deps.Normalizer.Normalize(r.Context(), &obs)
	}

	res, err := s.deps.Gate.Ingest(r.Context(), obs.AssetID, []model.Observation{obs}, origin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Skipped {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID string `json:"asset_id"`
		Keyword string `json:"keyword"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssetID == "" {
		writeError(w, http.StatusBadRequest, "asset_id is required")
		return
	}
	if req.Keyword == "" {
		a, err := s.deps.Store.GetAsset(r.Context(), req.AssetID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		req.Keyword = a.Keyword
	}

	job, err := s.deps.Jobs.Enqueue(r.Context(), req.AssetID, req.Keyword)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": 1, "job": job})
}

// handleScheduleAll enqueues every asset. With ?async=true the listing runs
// as a task on the worker pool and the response carries the task ID.
func (s *Server) handleScheduleAll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "true" {
		task, err := s.deps.Jobs.Submit(r.Context(), "schedule-all", func(ctx context.Context) error {
			_, err := s.deps.Jobs.ScheduleAll(ctx)
			return err
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID})
		return
	}

	n, err := s.deps.Jobs.ScheduleAll(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		s.log.Error("api: schedule all failed", zap.Int("scheduled", n), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "scheduled": n})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": n})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Store.ListFailedJobs(r.Context(), resilience.FailedJobFilter{
		AssetID: r.URL.Query().Get("asset_id"),
		Limit:   limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []resilience.FailedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": jobs})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}
