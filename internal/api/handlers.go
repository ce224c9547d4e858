package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/neuralda/internal/logger"
	"github.com/lox/neuralda/internal/store"
)

const defaultCycleLimit = 50

// HealthStatus reports the state of the most recent run.
type HealthStatus struct {
	Status    string     `json:"status"`
	Run       string     `json:"run,omitempty"`
	Mode      string     `json:"mode,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Cycles    int        `json:"cycles"`
	Error     string     `json:"error,omitempty"`
}

// RunView is the JSON form of a store.Run.
type RunView struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Mode       string     `json:"mode"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

// CycleView is the JSON form of a journaled cycle.
type CycleView struct {
	ID           int64     `json:"id"`
	Run          string    `json:"run"`
	ValidTime    time.Time `json:"valid_time"`
	Mode         string    `json:"mode"`
	DurationSec  float64   `json:"duration_s"`
	BgMSE        float64   `json:"bg_mse"`
	AnaMSE       float64   `json:"ana_mse"`
	BgZ500WRMSE  float64   `json:"bg_z500_wrmse"`
	AnaZ500WRMSE float64   `json:"ana_z500_wrmse"`
}

// IterationView is the JSON form of one outer iteration.
type IterationView struct {
	Outer     int     `json:"outer"`
	LossTotal float64 `json:"loss"`
	LossBg    float64 `json:"loss_bg"`
	LossObs   float64 `json:"loss_obs"`
	MSE       float64 `json:"mse"`
	Z500WRMSE float64 `json:"z500_wrmse"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warnf("api: write response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetLatestRun()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, HealthStatus{Status: "error", Error: err.Error()})
		return
	}
	health := HealthStatus{Status: "idle"}
	if run == nil {
		writeJSON(w, http.StatusOK, health)
		return
	}

	health.Run = run.Name
	health.Mode = run.Mode
	health.StartedAt = &run.StartedAt
	if health.Cycles, err = s.store.CountCycles(run.Name); err != nil {
		writeJSON(w, http.StatusInternalServerError, HealthStatus{Status: "error", Error: err.Error()})
		return
	}

	switch {
	case !run.FinishedAt.Valid:
		health.Status = "running"
	case run.Success:
		health.Status = "ok"
	default:
		health.Status = "failed"
		health.Error = run.ErrorMessage.String
	}
	status := http.StatusOK
	if health.Status == "failed" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetLatestRun()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "no runs", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, runView(run))
}

func runView(run *store.Run) RunView {
	view := RunView{
		ID:        run.ID,
		Name:      run.Name,
		Mode:      run.Mode,
		StartedAt: run.StartedAt,
		Success:   run.Success,
		Error:     run.ErrorMessage.String,
	}
	if run.FinishedAt.Valid {
		view.FinishedAt = &run.FinishedAt.Time
	}
	return view
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	cycles, err := s.store.GetCycles(r.URL.Query().Get("run"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]CycleView, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, CycleView{
			ID:           c.ID,
			Run:          c.RunName,
			ValidTime:    c.ValidTime.UTC(),
			Mode:         c.Mode,
			DurationSec:  c.Duration.Seconds(),
			BgMSE:        c.BgMSE,
			AnaMSE:       c.AnaMSE,
			BgZ500WRMSE:  c.BgZ500WRMSE,
			AnaZ500WRMSE: c.AnaZ500WRMSE,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid cycle id", http.StatusBadRequest)
		return
	}
	its, err := s.store.GetIterations(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]IterationView, 0, len(its))
	for _, it := range its {
		out = append(out, IterationView(it))
	}
	writeJSON(w, http.StatusOK, out)
}
