package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestChecker(t *testing.T) *HealthChecker {
	t.Helper()
	hc := NewHealthChecker("osmadiff-test", "1.0.0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(hc.Shutdown)
	return hc
}

// register adds a dependency without starting its check loop.
func register(hc *HealthChecker, name string, required bool) {
	hc.mu.Lock()
	hc.deps[name] = &DependencyStatus{Required: required}
	hc.mu.Unlock()
}

func TestRecord(t *testing.T) {
	hc := newTestChecker(t)
	register(hc, "osm_api", true)

	hc.record("osm_api", 120*time.Millisecond, errors.New("connection refused"))
	hc.record("osm_api", 80*time.Millisecond, errors.New("connection refused"))

	st := hc.Report().Dependencies["osm_api"]
	if st.Up || st.ConsecutiveFailures != 2 || st.LastError != "connection refused" || st.LatencyMs != 80 {
		t.Errorf("unexpected status after failures %+v", st)
	}
	if !st.Required || st.CheckedAt.IsZero() {
		t.Errorf("expected a checked required dependency, got %+v", st)
	}
	if got := testutil.ToFloat64(DependencyUp.WithLabelValues("osm_api")); got != 0 {
		t.Errorf("dependency_up = %v, want 0", got)
	}

	hc.record("osm_api", 10*time.Millisecond, nil)
	st = hc.Report().Dependencies["osm_api"]
	if !st.Up || st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Errorf("expected recovered status, got %+v", st)
	}
	if got := testutil.ToFloat64(DependencyUp.WithLabelValues("osm_api")); got != 1 {
		t.Errorf("dependency_up = %v, want 1", got)
	}
}

func TestReportStatus(t *testing.T) {
	tests := []struct {
		name    string
		apiUp   bool
		cacheUp bool
		want    string
	}{
		{"all up", true, true, StatusHealthy},
		{"cache down", true, false, StatusDegraded},
		{"api down", false, true, StatusUnhealthy},
		{"both down", false, false, StatusUnhealthy},
	}

	outcome := func(up bool) error {
		if up {
			return nil
		}
		return errors.New("down")
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := newTestChecker(t)
			register(hc, "osm_api", true)
			register(hc, "cache", false)
			hc.record("osm_api", 0, outcome(tt.apiUp))
			hc.record("cache", 0, outcome(tt.cacheUp))

			if got := hc.Report().Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUncheckedRequiredDependencyIsUnhealthy(t *testing.T) {
	hc := newTestChecker(t)
	register(hc, "osm_api", true)

	if got := hc.Report().Status; got != StatusUnhealthy {
		t.Errorf("status = %s, want %s", got, StatusUnhealthy)
	}
}

func TestReportFields(t *testing.T) {
	hc := NewHealthChecker("osmadiff-test", "2.0.0", nil)
	defer hc.Shutdown()

	report := hc.Report()
	if report.Service != "osmadiff-test" || report.Version != "2.0.0" {
		t.Errorf("unexpected identity %s %s", report.Service, report.Version)
	}
	if report.StartTime.IsZero() || report.UptimeSeconds < 0 {
		t.Errorf("bad uptime fields %+v", report)
	}
	if report.Runtime.Goroutines == 0 || report.Runtime.CPUCount == 0 {
		t.Errorf("runtime stats not sampled: %+v", report.Runtime)
	}
	if report.Status != StatusHealthy || len(report.Dependencies) != 0 {
		t.Errorf("expected healthy report without dependencies, got %+v", report)
	}
}

func TestHealthHandlers(t *testing.T) {
	hc := newTestChecker(t)
	register(hc, "osm_api", true)
	register(hc, "cache", false)
	hc.record("osm_api", 0, nil)
	hc.record("cache", 0, nil)

	get := func(h http.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/", nil))
		var body map[string]interface{}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return w, body
	}

	w, body := get(hc.HealthHandler())
	if w.Code != http.StatusOK || body["status"] != StatusHealthy {
		t.Errorf("health: %d %v", w.Code, body["status"])
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}

	_, body = get(hc.LivenessHandler())
	if body["alive"] != true {
		t.Errorf("liveness: %v", body)
	}

	// An unusable cache degrades the service but it stays ready.
	hc.record("cache", 0, errors.New("cache backend closed"))
	w, body = get(hc.ReadinessHandler())
	if w.Code != http.StatusOK || body["ready"] != true || body["status"] != StatusDegraded {
		t.Errorf("readiness with cache down: %d %v", w.Code, body)
	}
	if down, _ := body["down"].([]interface{}); len(down) != 1 || down[0] != "cache" {
		t.Errorf("down = %v, want [cache]", body["down"])
	}

	hc.record("osm_api", 0, errors.New("connection refused"))
	w, body = get(hc.HealthHandler())
	if w.Code != http.StatusServiceUnavailable || body["status"] != StatusUnhealthy {
		t.Errorf("unhealthy health: %d %v", w.Code, body["status"])
	}
	w, body = get(hc.ReadinessHandler())
	if w.Code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Errorf("readiness: %d %v", w.Code, body)
	}
}

func TestWatch(t *testing.T) {
	hc := newTestChecker(t)

	var calls atomic.Int32
	hc.Watch(Dependency{
		Name:     "osm_api",
		Required: true,
		Interval: 20 * time.Millisecond,
		Check: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("check context has no deadline")
			}
			if calls.Add(1) == 1 {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for !hc.Report().Dependencies["osm_api"].Up && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	st := hc.Report().Dependencies["osm_api"]
	if !st.Up || st.LastError != "" {
		t.Fatalf("expected recovered dependency after %d checks, got %+v", calls.Load(), st)
	}
	if calls.Load() < 2 {
		t.Errorf("expected at least 2 checks, got %d", calls.Load())
	}
}

func TestShutdownStopsChecks(t *testing.T) {
	hc := NewHealthChecker("osmadiff-test", "1.0.0", nil)

	var calls atomic.Int32
	hc.Watch(Dependency{
		Name:     "cache",
		Interval: time.Millisecond,
		Check: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	hc.Shutdown()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("checks kept running after Shutdown: %d then %d", after, calls.Load())
	}
}

func BenchmarkReport(b *testing.B) {
	hc := NewHealthChecker("osmadiff-test", "1.0.0", nil)
	defer hc.Shutdown()

	hc.record("osm_api", 100*time.Millisecond, nil)
	hc.record("cache", time.Millisecond, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hc.Report()
	}
}
