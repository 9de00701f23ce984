package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"pbalanced/internal/catalog"
	"pbalanced/internal/config"
	"pbalanced/internal/events"
	"pbalanced/internal/executor"
	"pbalanced/internal/metrics"
	"pbalanced/internal/websocket"
)

func newTestDeps(t *testing.T) *apiDeps {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := events.New()
	t.Cleanup(hub.Close)

	cfg := config.Default()
	exec := executor.New(store, hub, executor.Config{})

	return &apiDeps{
		store:    store,
		hub:      hub,
		exec:     exec,
		cfg:      &cfg,
		metrics:  metrics.New(),
		wsBridge: websocket.NewBridge(hub),
	}
}

func TestHandleStatusReportsPlanInactiveByDefault(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["plan_active"] != false {
		t.Fatalf("plan_active = %v, want false", body["plan_active"])
	}
}

func TestHandleListDisksReturnsEmptyArray(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/disks", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body = %q, want an empty JSON array", got)
	}
}

func TestHandleCreatePlanWithNoDisksProducesEmptyPlan(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodPost, "/api/plan", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	// An empty JSON object decodes into zero-valued fields; the
	// balancer over zero disks must still produce a committed,
	// zero-move plan rather than erroring.
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}

func TestHandleGetPlanUnknownIDReturnsNotFound(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/plan/999", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleExecutePlanRejectsConcurrentExecution(t *testing.T) {
	deps := newTestDeps(t)
	deps.planActive.Store(true)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodPost, "/api/plan/1/execute", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleCancelPlanRejectsTerminalPlan(t *testing.T) {
	deps := newTestDeps(t)
	planID, err := deps.store.CreatePlan(catalog.Plan{SliderAlpha: 0.5, Tolerance: 0.1, Status: catalog.PlanStatusCompleted})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/plan/%d/cancel", planID), nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for a terminal plan", rec.Code)
	}
}

func TestHandleCancelPlanRejectsPlanNotExecuting(t *testing.T) {
	deps := newTestDeps(t)
	planID, err := deps.store.CreatePlan(catalog.Plan{SliderAlpha: 0.5, Tolerance: 0.1, Status: catalog.PlanStatusPlanned})
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	srv := newServer("127.0.0.1:0", deps)

	// No Run is in flight, so even a non-terminal plan must be rejected
	// as a conflict rather than silently cancelled.
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/plan/%d/cancel", planID), nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 when the plan isn't executing", rec.Code)
	}
}

func TestHandleCancelPlanUnknownIDReturnsNotFound(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodPost, "/api/plan/999/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for an unknown plan id", rec.Code)
	}
}

func TestHandleGetSettingsReturnsConfig(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleUpdateSettingsRejectsOutOfRangeAlpha(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	body := `{"slider_alpha": "2.0"}`
	req := httptest.NewRequest(http.MethodPost, "/api/settings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	deps := newTestDeps(t)
	srv := newServer("127.0.0.1:0", deps)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
