package api_test

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lox/neuralda/internal/api"
	"github.com/lox/neuralda/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

func get(t *testing.T, srv *api.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint_Idle(t *testing.T) {
	t.Parallel()
	srv := api.NewServer(setupTestStore(t), "8080")

	w := get(t, srv, "/health")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health api.HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "idle" {
		t.Errorf("status = %q, want idle", health.Status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		finish     bool
		runErr     error
		wantStatus string
		wantCode   int
	}{
		{"running", false, nil, "running", 200},
		{"completed", true, nil, "ok", 200},
		{"failed", true, errors.New("archive unavailable"), "failed", 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := setupTestStore(t)
			run, err := s.StartRun("exp", "sc4dvar")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := s.RecordCycle(store.Cycle{RunName: "exp", ValidTime: time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), Mode: "sc4dvar"}, nil); err != nil {
				t.Fatal(err)
			}
			if tt.finish {
				if err := s.CompleteRun(run, tt.runErr); err != nil {
					t.Fatal(err)
				}
			}

			w := get(t, api.NewServer(s, "8080"), "/health")
			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var health api.HealthStatus
			if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
				t.Fatal(err)
			}
			if health.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", health.Status, tt.wantStatus)
			}
			if health.Run != "exp" || health.Cycles != 1 {
				t.Errorf("health = %+v", health)
			}
		})
	}
}

func TestLatestRun_None(t *testing.T) {
	t.Parallel()
	w := get(t, api.NewServer(setupTestStore(t), "8080"), "/api/runs/latest")
	if w.Code != 404 {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestLatestRun(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	run, err := s.StartRun("exp", "free_run")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteRun(run, errors.New("disk full")); err != nil {
		t.Fatal(err)
	}

	w := get(t, api.NewServer(s, "8080"), "/api/runs/latest")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view api.RunView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Name != "exp" || view.Mode != "free_run" || view.Success {
		t.Errorf("view = %+v", view)
	}
	if view.FinishedAt == nil {
		t.Error("finished_at missing for a completed run")
	}
	if view.Error != "disk full" {
		t.Errorf("error = %q, want disk full", view.Error)
	}
}

func TestCyclesEndpoint(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	t0 := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	var lastID int64
	for i := range 3 {
		id, err := s.RecordCycle(store.Cycle{
			RunName:   "exp",
			ValidTime: t0.Add(time.Duration(i) * 12 * time.Hour),
			Mode:      "sc4dvar",
			Duration:  2 * time.Second,
			AnaMSE:    float64(i),
		}, []store.Iteration{{Outer: 0, LossTotal: 8}, {Outer: 1, LossTotal: 3}})
		if err != nil {
			t.Fatal(err)
		}
		lastID = id
	}
	srv := api.NewServer(s, "8080")

	w := get(t, srv, "/api/cycles?run=exp&limit=2")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var cycles []api.CycleView
	if err := json.NewDecoder(w.Body).Decode(&cycles); err != nil {
		t.Fatal(err)
	}
	if len(cycles) != 2 {
		t.Fatalf("len(cycles) = %d, want 2", len(cycles))
	}
	if !cycles[0].ValidTime.Equal(t0.Add(24 * time.Hour)) {
		t.Errorf("newest valid time = %s", cycles[0].ValidTime)
	}
	if cycles[0].DurationSec != 2 {
		t.Errorf("duration = %v, want 2", cycles[0].DurationSec)
	}

	w = get(t, srv, "/api/cycles/"+strconv.FormatInt(lastID, 10)+"/iterations")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var its []api.IterationView
	if err := json.NewDecoder(w.Body).Decode(&its); err != nil {
		t.Fatal(err)
	}
	if len(its) != 2 || its[1].LossTotal != 3 {
		t.Errorf("iterations = %+v", its)
	}
}

func TestCyclesEndpoint_BadRequest(t *testing.T) {
	t.Parallel()
	srv := api.NewServer(setupTestStore(t), "8080")
	for _, path := range []string{"/api/cycles?limit=-1", "/api/cycles?limit=x", "/api/cycles/abc/iterations"} {
		if w := get(t, srv, path); w.Code != 400 {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	w := get(t, api.NewServer(setupTestStore(t), "8080"), "/metrics")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected default collectors in /metrics output")
	}
}
