// Package handlers provides HTTP handlers for the review inspection API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medikontrol/go-sut/internal/decision"
	"github.com/medikontrol/go-sut/internal/history"
	"github.com/medikontrol/go-sut/internal/report"
	"github.com/medikontrol/go-sut/internal/rules"
	"github.com/medikontrol/go-sut/internal/store"
)

// RunSubmitFunc processes one prescription file on demand and returns the
// run ID and exit code of the finished run.
type RunSubmitFunc func(ctx context.Context, path string) (runID string, exitCode int, err error)

// ReviewHandler exposes stored decisions, run reports, history and trends.
type ReviewHandler struct {
	store   store.DecisionStore
	history *history.Tracker
	reports *report.Writer
	holder  *rules.Holder
	submit  RunSubmitFunc
	logger  *zap.Logger
}

// NewReviewHandler creates the handler. history, reports, holder and submit
// may be nil; the corresponding endpoints then return 404.
func NewReviewHandler(st store.DecisionStore, hist *history.Tracker, rep *report.Writer, holder *rules.Holder, submit RunSubmitFunc, logger *zap.Logger) *ReviewHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewHandler{store: st, history: hist, reports: rep, holder: holder, submit: submit, logger: logger}
}

// Routes returns the handler routes
func (h *ReviewHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/decisions", h.ListDecisions)
	r.Get("/decisions/{runID}/{prescriptionID}", h.GetDecision)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
	r.Post("/runs", h.SubmitRun)
	r.Get("/history", h.GetHistory)
	r.Get("/trends", h.GetTrends)
	r.Get("/stats", h.GetStats)
	r.Post("/rules/reload", h.ReloadRules)
	return r
}

// ListDecisions handles GET /decisions with run_id, decision, since, until
// and limit query filters.
func (h *ReviewHandler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		RunID:    q.Get("run_id"),
		Decision: decision.Final(q.Get("decision")),
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.jsonError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		f.Since = t
	}
	if s := q.Get("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.jsonError(w, "until must be RFC3339", http.StatusBadRequest)
			return
		}
		f.Until = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	records, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list decisions", zap.Error(err))
		h.jsonError(w, "list failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(records),
		"decisions": records,
	})
}

// GetDecision handles GET /decisions/{runID}/{prescriptionID}.
func (h *ReviewHandler) GetDecision(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	prescriptionID := chi.URLParam(r, "prescriptionID")

	rec, err := h.store.Get(r.Context(), runID, prescriptionID)
	if err == store.ErrNotFound {
		h.jsonError(w, "decision not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get decision", zap.Error(err))
		h.jsonError(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ListRuns handles GET /runs.
func (h *ReviewHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.jsonError(w, "reports not configured", http.StatusNotFound)
		return
	}
	ids, err := h.reports.List()
	if err != nil {
		h.logger.Error("list runs", zap.Error(err))
		h.jsonError(w, "list failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
}

// GetRun handles GET /runs/{runID}, returning the full batch report.
func (h *ReviewHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.jsonError(w, "reports not configured", http.StatusNotFound)
		return
	}
	rep, err := h.reports.Load(chi.URLParam(r, "runID"))
	if err != nil {
		h.jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// SubmitRun handles POST /runs with {"path": "..."}, reviewing the file
// immediately and synchronously.
func (h *ReviewHandler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	if h.submit == nil {
		h.jsonError(w, "run submission not configured", http.StatusNotFound)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.jsonError(w, "path is required", http.StatusBadRequest)
		return
	}

	runID, exitCode, err := h.submit(r.Context(), req.Path)
	if err != nil {
		h.logger.Error("submitted run failed", zap.String("path", req.Path), zap.Error(err))
		h.jsonError(w, "run failed: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"exit_code": exitCode,
	})
}

// GetHistory handles GET /history, returning the full run-entry window.
func (h *ReviewHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.jsonError(w, "history not configured", http.StatusNotFound)
		return
	}
	entries := h.history.Entries()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// GetTrends handles GET /trends.
func (h *ReviewHandler) GetTrends(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.jsonError(w, "history not configured", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, h.history.Trends())
}

// GetStats handles GET /stats.
func (h *ReviewHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("store stats", zap.Error(err))
		h.jsonError(w, "stats failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ReloadRules handles POST /rules/reload with {"path": "..."} and swaps the
// active rule snapshot.
func (h *ReviewHandler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.holder == nil {
		h.jsonError(w, "rule reload not configured", http.StatusNotFound)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.jsonError(w, "path is required", http.StatusBadRequest)
		return
	}

	snap, err := rules.LoadFile(req.Path)
	if err != nil {
		h.logger.Error("rule reload failed", zap.String("path", req.Path), zap.Error(err))
		h.jsonError(w, "snapshot load failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.holder.Swap(snap)

	h.logger.Info("rule snapshot reloaded",
		zap.String("path", req.Path),
		zap.String("version", snap.Version))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "reloaded",
		"version": snap.Version,
	})
}

func (h *ReviewHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *ReviewHandler) jsonError(w http.ResponseWriter, msg string, code int) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
