package monitoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/NERVsystems/osmadiff/pkg/version"
)

// Service states. A failing required dependency makes the service
// unhealthy; a failing optional one only degrades it.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	defaultCheckTimeout   = 5 * time.Second
	runtimeSampleInterval = 15 * time.Second
)

// Dependency is a component the service relies on, checked periodically.
type Dependency struct {
	Name string
	// Required dependencies gate readiness.
	Required bool
	Check    func(ctx context.Context) error
	// Interval between checks; zero or less checks once.
	Interval time.Duration
	// Timeout bounds one check; zero uses five seconds.
	Timeout time.Duration
}

// DependencyStatus is the outcome of the latest check of a dependency. A
// dependency that has not been checked yet is not up.
type DependencyStatus struct {
	Required            bool      `json:"required"`
	Up                  bool      `json:"up"`
	LatencyMs           int64     `json:"latency_ms"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	CheckedAt           time.Time `json:"checked_at,omitempty"`
}

// RuntimeStats is a snapshot of the Go runtime.
type RuntimeStats struct {
	Goroutines    int    `json:"goroutines"`
	MemoryAllocMB uint64 `json:"memory_alloc_mb"`
	GCRuns        uint32 `json:"gc_runs"`
	CPUCount      int    `json:"cpu_count"`
}

// Report is the document served on /health.
type Report struct {
	Service       string                      `json:"service"`
	Version       string                      `json:"version"`
	Status        string                      `json:"status"`
	StartTime     time.Time                   `json:"start_time"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Dependencies  map[string]DependencyStatus `json:"dependencies"`
	Runtime       RuntimeStats                `json:"runtime"`
}

// HealthChecker watches the service's dependencies and serves the health endpoints.
type HealthChecker struct {
	service   string
	version   string
	startTime time.Time
	logger    *slog.Logger

	mu   sync.RWMutex
	deps map[string]*DependencyStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a health checker and starts sampling runtime
// gauges. Call Shutdown to stop it.
func NewHealthChecker(service, version string, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthChecker{
		service:   service,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With("component", "health"),
		deps:      make(map[string]*DependencyStatus),
		ctx:       ctx,
		cancel:    cancel,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.every(runtimeSampleInterval, func() { h.runtimeStats() })
	}()
	return h
}

// every runs fn now and then on each tick until Shutdown.
func (h *HealthChecker) every(interval time.Duration, fn func()) {
	fn()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Watch registers dep and checks it in the background, first immediately
// and then every dep.Interval.
func (h *HealthChecker) Watch(dep Dependency) {
	h.mu.Lock()
	h.deps[dep.Name] = &DependencyStatus{Required: dep.Required}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.every(dep.Interval, func() { h.check(dep) })
	}()
}

func (h *HealthChecker) check(dep Dependency) {
	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := dep.Check(ctx)
	if h.ctx.Err() != nil {
		// Shutting down; the failure says nothing about the dependency.
		return
	}
	h.record(dep.Name, time.Since(start), err)
}

// record stores a check result and logs transitions between up and down.
func (h *HealthChecker) record(name string, latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.deps[name]
	if !ok {
		st = &DependencyStatus{}
		h.deps[name] = st
	}
	st.LatencyMs = latency.Milliseconds()
	st.CheckedAt = time.Now()

	if err != nil {
		st.Up = false
		st.LastError = err.Error()
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures == 1 {
			h.logger.Warn("dependency check failed", "dependency", name, "required", st.Required, "error", err)
		}
		DependencyUp.WithLabelValues(name).Set(0)
		return
	}

	if st.ConsecutiveFailures > 0 {
		h.logger.Info("dependency recovered", "dependency", name, "failures", st.ConsecutiveFailures)
	}
	st.Up = true
	st.LastError = ""
	st.ConsecutiveFailures = 0
	DependencyUp.WithLabelValues(name).Set(1)
}

// Report returns the current health of the service.
func (h *HealthChecker) Report() Report {
	h.mu.RLock()
	deps := make(map[string]DependencyStatus, len(h.deps))
	for name, st := range h.deps {
		deps[name] = *st
	}
	h.mu.RUnlock()

	return Report{
		Service:       h.service,
		Version:       h.version,
		Status:        overallStatus(deps),
		StartTime:     h.startTime,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Dependencies:  deps,
		Runtime:       h.runtimeStats(),
	}
}

func overallStatus(deps map[string]DependencyStatus) string {
	status := StatusHealthy
	for _, d := range deps {
		if d.Up {
			continue
		}
		if d.Required {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// runtimeStats samples the runtime and refreshes the system gauges.
func (h *HealthChecker) runtimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := RuntimeStats{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: m.Alloc / 1024 / 1024,
		GCRuns:        m.NumGC,
		CPUCount:      runtime.NumCPU(),
	}

	GoRoutines.Set(float64(stats.Goroutines))
	MemoryUsage.Set(float64(m.Alloc))
	GCRuns.Set(float64(m.NumGC))

	info := version.Info()
	SystemInfo.WithLabelValues(info["version"], info["go_version"], info["commit"], info["build_date"]).Set(1)
	return stats
}

// HealthHandler serves the full report. Degraded still answers 200.
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Report()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		h.writeJSON(w, code, report)
	}
}

// ReadinessHandler answers 503 while a required dependency is down and
// lists every dependency that is.
func (h *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Report()

		down := []string{}
		for name, d := range report.Dependencies {
			if !d.Up {
				down = append(down, name)
			}
		}
		slices.Sort(down)

		ready := report.Status != StatusUnhealthy
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		h.writeJSON(w, code, map[string]interface{}{
			"ready":  ready,
			"status": report.Status,
			"down":   down,
		})
	}
}

// LivenessHandler always answers 200 while the process serves requests.
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"alive":          true,
			"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		})
	}
}

func (h *HealthChecker) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}

// Shutdown stops every check and waits for them to return.
func (h *HealthChecker) Shutdown() {
	h.cancel()
	h.wg.Wait()
}
