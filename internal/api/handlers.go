package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/monitoring"
	"github.com/sells-group/trainset/internal/store"
	"github.com/sells-group/trainset/internal/surface"
)

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	store     store.Store
	collector *monitoring.Collector
	metrics   *monitoring.Metrics
}

// NewHandler returns a handler over st. metrics may be nil.
func NewHandler(st store.Store, metrics *monitoring.Metrics) *Handler {
	return &Handler{store: st, collector: monitoring.NewCollector(st), metrics: metrics}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ListSnapshots handles GET /api/v1/snapshots.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SnapshotFilter{Version: q.Get("version"), RunID: q.Get("run_id")}

	if s := q.Get("surface"); s != "" {
		surf, err := model.ParseSurface(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Surface = surf
	}
	if s := q.Get("horizon"); s != "" {
		hz, err := model.ParseHorizon(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Horizon = hz
	}
	var ok bool
	if filter.Limit, ok = queryInt(r, "limit"); !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, ok = queryInt(r, "offset"); !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	snaps, err := h.store.ListSnapshots(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list snapshots", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	if snaps == nil {
		snaps = []model.TrainingSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) (*model.TrainingSnapshot, bool) {
	snap, err := h.store.GetSnapshotByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "snapshot not found")
		} else {
			zap.L().Error("api: get snapshot", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to get snapshot")
		}
		return nil, false
	}
	return snap, true
}

// GetSnapshot handles GET /api/v1/snapshots/{id}.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if snap, ok := h.snapshot(w, r); ok {
		writeJSON(w, http.StatusOK, snap)
	}
}

// GetManifest handles GET /api/v1/snapshots/{id}/manifest. The manifest is
// served as written next to the snapshot file.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(surface.ManifestPath(snap.FilePath))
	if err != nil {
		writeError(w, http.StatusNotFound, "manifest not readable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// VerifySnapshot handles GET /api/v1/snapshots/{id}/verify.
func (h *Handler) VerifySnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"id": snap.ID, "content_hash": snap.ContentHash, "ok": true}
	if err := surface.Verify(snap); err != nil {
		resp["ok"] = false
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRuns handles GET /api/v1/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{State: model.RunState(strings.ToUpper(r.URL.Query().Get("state")))}
	var ok bool
	if filter.Limit, ok = queryInt(r, "limit"); !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, ok = queryInt(r, "offset"); !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runResponse struct {
	*model.Run
	Events []store.RunEvent `json:"events"`
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	events, err := h.store.ListRunEvents(r.Context(), id)
	if err != nil {
		zap.L().Error("api: list run events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run events")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Events: events})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	hours, ok := queryInt(r, "lookback_hours")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid lookback_hours")
		return
	}
	if hours == 0 {
		hours = 24
	}
	stats, err := h.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("api: collect stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	if h.metrics != nil {
		h.metrics.SetRegistryStats(stats)
	}
	writeJSON(w, http.StatusOK, stats)
}
