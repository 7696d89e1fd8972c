package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"factorysim/broadcast"
	"factorysim/config"
	"factorysim/database"
	"factorysim/engine"
	"factorysim/jobs"

	"github.com/google/uuid"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	eng     *engine.Engine
	pool    *database.Postgres
	journal *database.Journal
	cfg     *config.Config
	hub     *broadcast.Hub
	workers *jobs.WorkerPool
}

// NewHandler creates a new handler instance.
func NewHandler(eng *engine.Engine, pool *database.Postgres, journal *database.Journal, cfg *config.Config, hub *broadcast.Hub, workers *jobs.WorkerPool) *Handler {
	return &Handler{
		eng:     eng,
		pool:    pool,
		journal: journal,
		cfg:     cfg,
		hub:     hub,
		workers: workers,
	}
}

// HealthCheck returns API health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	db := "absent"
	if h.pool != nil {
		if err := h.pool.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "database health check failed")
			return
		}
		db = "connected"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"database":   db,
		"state":      h.eng.State(),
		"ws_clients": h.hub.ClientCount(),
	})
}

// GetStatus returns the engine state, stats, per-ticker metrics and the
// latest gap-fill snapshot.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":             h.eng.State(),
		"stats":             h.eng.StatsSnapshot(),
		"tickers":           h.eng.TickerMetricsByName(),
		"gap_fill":          h.eng.GapFillProgress(),
		"enabled_scenarios": h.cfg.Simulation.EnabledScenarios,
	})
}

// StartSimulation transitions the engine to RUNNING. The optional body
// carries {"skip_gap_fill": bool}.
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SkipGapFill bool `json:"skip_gap_fill"`
	}
	if r.Body != nil {
		// An empty body means default options.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res := h.eng.Start(r.Context(), req.SkipGapFill)
	respondOp(w, res, http.StatusConflict)
}

// StopSimulation transitions the engine to STOPPED.
func (h *Handler) StopSimulation(w http.ResponseWriter, r *http.Request) {
	respondOp(w, h.eng.Stop(), http.StatusConflict)
}

// PauseSimulation suspends all tickers.
func (h *Handler) PauseSimulation(w http.ResponseWriter, r *http.Request) {
	respondOp(w, h.eng.Pause(), http.StatusConflict)
}

// ResumeSimulation continues a paused simulation.
func (h *Handler) ResumeSimulation(w http.ResponseWriter, r *http.Request) {
	respondOp(w, h.eng.Resume(), http.StatusConflict)
}

// ResetSimulation stops the engine if needed and zeroes the stats.
func (h *Handler) ResetSimulation(w http.ResponseWriter, r *http.Request) {
	respondOp(w, h.eng.Reset(), http.StatusConflict)
}

// GetConfig returns the simulation configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.cfg.Simulation)
}

// UpdateConfig applies a partial configuration change. While running,
// only the runtime-mutable fields are accepted.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res := h.eng.UpdateConfig(fields)
	if !res.OK {
		respondOp(w, res, http.StatusUnprocessableEntity)
		return
	}

	sim := h.cfg.Simulation
	if err := h.cfg.SaveRuntimeSettings(sim.BaseDefectRate, sim.ProductionVariance, sim.EnabledScenarios); err != nil {
		// The in-memory engine already applied the change.
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "applied",
			"warning": fmt.Sprintf("settings not persisted: %v", err),
		})
		return
	}
	respondOp(w, res, http.StatusUnprocessableEntity)
}

// GetScenarios lists the scenario definitions and which are enabled.
func (h *Handler) GetScenarios(w http.ResponseWriter, r *http.Request) {
	var defs map[string]config.ScenarioDefinition
	if h.cfg.ScenarioManager != nil {
		defs = h.cfg.ScenarioManager.GetAll()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scenarios": defs,
		"enabled":   h.cfg.Simulation.EnabledScenarios,
	})
}

// RequestGapFill submits an asynchronous backfill job. Refused unless
// the simulation is stopped; the engine rechecks when the job runs.
func (h *Handler) RequestGapFill(w http.ResponseWriter, r *http.Request) {
	if h.eng.State() != engine.StateStopped {
		respondError(w, http.StatusConflict, "gap-fill requires a stopped simulation")
		return
	}

	jobID := uuid.New().String()
	err := h.workers.Submit(jobs.Job{
		ID: jobID,
		Execute: func(ctx context.Context) error {
			_, err := h.eng.ManualGapFill(ctx)
			return err
		},
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "submitted",
		"job_id": jobID,
	})
}

// GetGapFillProgress returns the latest gap-fill snapshot.
func (h *Handler) GetGapFillProgress(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.eng.GapFillProgress())
}

// CancelGapFill asks a running gap-fill to stop.
func (h *Handler) CancelGapFill(w http.ResponseWriter, r *http.Request) {
	h.eng.CancelGapFill()
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// GetRunLog returns recent lifecycle entries from the local journal.
func (h *Handler) GetRunLog(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondJSON(w, http.StatusOK, []database.RunLogEntry{})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.journal.RecentRuns(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("journal read failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// ServeWebSocket upgrades the connection and attaches it to the event hub.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWebSocket(w, r)
}

func respondOp(w http.ResponseWriter, res engine.OpResult, failStatus int) {
	status := http.StatusOK
	if !res.OK {
		status = failStatus
	}
	respondJSON(w, status, res)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
