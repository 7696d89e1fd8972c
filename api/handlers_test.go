package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"factorysim/broadcast"
	"factorysim/config"
	"factorysim/engine"
	"factorysim/jobs"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	sim := config.DefaultSimulation()
	sim.AutoGapFill = false
	cfg := &config.Config{Simulation: sim}

	bcast := broadcast.NewBroadcaster()
	hub := broadcast.NewHub(bcast)
	eng := engine.NewEngine(engine.Options{Config: cfg, Broadcaster: bcast, Seed: 1})
	pool := jobs.NewWorkerPool(1)

	h := NewHandler(eng, nil, nil, cfg, hub, pool)
	srv := httptest.NewServer(SetupRouter(h))
	t.Cleanup(func() {
		srv.Close()
		if eng.State() != engine.StateStopped {
			eng.Stop()
		}
		pool.Stop()
	})
	return srv, eng
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]interface{}
	if status := getJSON(t, srv.URL+"/health", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "healthy" || body["database"] != "absent" {
		t.Fatalf("body = %v", body)
	}
	if body["state"] != engine.StateStopped {
		t.Fatalf("state = %v", body["state"])
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, eng := newTestServer(t)

	var op engine.OpResult
	if status := postJSON(t, srv.URL+"/api/simulation/start", `{"skip_gap_fill":true}`, &op); status != http.StatusOK {
		t.Fatalf("start status = %d (%+v)", status, op)
	}
	if !op.OK || op.State != engine.StateRunning {
		t.Fatalf("start = %+v", op)
	}

	// Starting twice conflicts.
	if status := postJSON(t, srv.URL+"/api/simulation/start", `{"skip_gap_fill":true}`, &op); status != http.StatusConflict {
		t.Fatalf("second start status = %d", status)
	}

	if status := postJSON(t, srv.URL+"/api/simulation/pause", "", &op); status != http.StatusOK || op.State != engine.StatePaused {
		t.Fatalf("pause = %d %+v", status, op)
	}
	if status := postJSON(t, srv.URL+"/api/simulation/resume", "", &op); status != http.StatusOK || op.State != engine.StateRunning {
		t.Fatalf("resume = %d %+v", status, op)
	}
	if status := postJSON(t, srv.URL+"/api/simulation/stop", "", &op); status != http.StatusOK || op.State != engine.StateStopped {
		t.Fatalf("stop = %d %+v", status, op)
	}
	if eng.State() != engine.StateStopped {
		t.Fatalf("engine state = %q", eng.State())
	}
}

func TestPauseWithoutRunningConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	var op engine.OpResult
	if status := postJSON(t, srv.URL+"/api/simulation/pause", "", &op); status != http.StatusConflict {
		t.Fatalf("pause status = %d", status)
	}
	if op.OK {
		t.Fatalf("pause accepted: %+v", op)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]interface{}
	if status := getJSON(t, srv.URL+"/api/status", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, key := range []string{"state", "stats", "tickers", "gap_fill"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status payload missing %q", key)
		}
	}
}

func TestConfigEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var sim config.SimulationConfig
	if status := getJSON(t, srv.URL+"/api/config", &sim); status != http.StatusOK {
		t.Fatalf("get config status = %d", status)
	}
	if sim.TenantID != config.DefaultTenantID {
		t.Fatalf("tenant = %q", sim.TenantID)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config", strings.NewReader(`{"unknown_knob":1}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put config: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown key status = %d", resp.StatusCode)
	}
}

func TestGapFillEndpoints(t *testing.T) {
	srv, eng := newTestServer(t)

	var progress engine.GapFillProgress
	if status := getJSON(t, srv.URL+"/api/gapfill/progress", &progress); status != http.StatusOK {
		t.Fatalf("progress status = %d", status)
	}
	if progress.State != engine.GapFillIdle {
		t.Fatalf("progress state = %q", progress.State)
	}

	// Accepted as an async job even though the dry-run engine will refuse it.
	var body map[string]interface{}
	if status := postJSON(t, srv.URL+"/api/gapfill", "", &body); status != http.StatusAccepted {
		t.Fatalf("gapfill status = %d", status)
	}
	if body["job_id"] == "" {
		t.Fatal("no job id returned")
	}

	// Refused outright while the simulation runs.
	eng.Start(context.Background(), true)
	resp, err := http.Post(srv.URL+"/api/gapfill", "application/json", nil)
	if err != nil {
		t.Fatalf("gapfill while running: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("gapfill while running status = %d", resp.StatusCode)
	}
}

func TestRunLogWithoutJournal(t *testing.T) {
	srv, _ := newTestServer(t)

	var entries []interface{}
	if status := getJSON(t, srv.URL+"/api/runlog", &entries); status != http.StatusOK {
		t.Fatalf("runlog status = %d", status)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v", entries)
	}
}
