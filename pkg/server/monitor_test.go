package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NERVsystems/osmadiff/pkg/monitoring"
)

func TestMonitorServerRoutes(t *testing.T) {
	hc := monitoring.NewHealthChecker("osmadiff", "test", testLogger())
	defer hc.Shutdown()
	hc.Watch(monitoring.Dependency{
		Name:     "osm_api",
		Required: true,
		Check:    func(context.Context) error { return nil },
	})
	waitForDependency(t, hc, "osm_api")

	handler := NewMonitorServer("127.0.0.1:0", hc, testLogger()).Handler()

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/ready", http.StatusOK, `"ready":true`},
		{"/live", http.StatusOK, `"alive":true`},
		{"/metrics", http.StatusOK, "go_goroutines"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.body)
			}
		})
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health status = %d", rec.Code)
	}
}

func waitForDependency(t *testing.T, hc *monitoring.HealthChecker, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !hc.Report().Dependencies[name].Up {
		if time.Now().After(deadline) {
			t.Fatalf("dependency %s never came up", name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorServerReadinessFollowsRequiredDependency(t *testing.T) {
	hc := monitoring.NewHealthChecker("osmadiff", "test", testLogger())
	defer hc.Shutdown()

	hc.Watch(monitoring.Dependency{
		Name:     "osm_api",
		Required: true,
		Check:    func(context.Context) error { return errors.New("connection refused") },
	})

	// Unchecked and failing required dependencies both keep the service
	// out of rotation.
	handler := NewMonitorServer("127.0.0.1:0", hc, testLogger()).Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), `"down":["osm_api"]`) {
		t.Errorf("unexpected /ready body %q", rec.Body.String())
	}
}

func TestMonitorServerWithoutHealthChecker(t *testing.T) {
	handler := NewMonitorServer("127.0.0.1:0", nil, testLogger()).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["ready"] != true {
		t.Errorf("unexpected body %v", body)
	}
}

func TestMonitorServerStartShutdown(t *testing.T) {
	m := NewMonitorServer("127.0.0.1:0", nil, testLogger())
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(); err == nil {
		t.Error("expected an error when starting twice")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
