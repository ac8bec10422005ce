package monitoring

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/logger"
)

// HealthStatus represents the health status of a run
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Run         RunInfo         `json:"run"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type RunInfo struct {
	Layers      int    `json:"layers"`
	Step        int64  `json:"step"`
	Phase       string `json:"phase"`
	TensorBytes int64  `json:"tensor_bytes"`
	// TotalPower is omitted while the accumulated estimate is NaN or Inf.
	TotalPower *float64 `json:"total_power,omitempty"`
}

type PerformanceInfo struct {
	StepsPerSecond float64   `json:"steps_per_second"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	NonFiniteSteps int       `json:"non_finite_steps"`
	LastStep       time.Time `json:"last_step"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // power, performance, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// StepPoint is one completed forward pass of the stack.
type StepPoint struct {
	Timestamp  time.Time
	Step       int64
	Training   bool
	Duration   time.Duration
	TotalPower float64
}

const (
	maxHistory = 1000
	maxAlerts  = 100
)

// SlowStep is the forward latency above which a performance warning is raised.
var SlowStep = 5 * time.Second

type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	layers    int
	alerts    []Alert
	history   []StepPoint
	nonFinite int
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
		history:   make([]StepPoint, 0),
	}
}

// Handler serves /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr and blocks until the server stops.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetLayers(n int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.layers = n
}

// RecordStep adds a forward pass to the history and raises alerts for slow
// steps and non-finite power.
func (hm *HealthMonitor) RecordStep(p StepPoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	hm.mu.Lock()
	hm.history = append(hm.history, p)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	finite := !math.IsNaN(p.TotalPower) && !math.IsInf(p.TotalPower, 0)
	if !finite {
		hm.nonFinite++
	}
	hm.mu.Unlock()

	if !finite {
		hm.AddAlert("error", "power", fmt.Sprintf("Non-finite power total at step %d: %v", p.Step, p.TotalPower))
	}
	if p.Duration > SlowStep {
		hm.AddAlert("warning", "performance", fmt.Sprintf("Slow forward at step %d: %s", p.Step, p.Duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("failed to encode response", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. Unresolved error alerts degrade it,
// unresolved critical alerts make it critical.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Run:         hm.runInfo(),
		Performance: hm.performanceInfo(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) runInfo() RunInfo {
	info := RunInfo{Layers: hm.layers, TensorBytes: cpu.AllocatedBytes()}
	if len(hm.history) == 0 {
		return info
	}
	last := hm.history[len(hm.history)-1]
	info.Step = last.Step
	info.Phase = "eval"
	if last.Training {
		info.Phase = "train"
	}
	if !math.IsNaN(last.TotalPower) && !math.IsInf(last.TotalPower, 0) {
		p := last.TotalPower
		info.TotalPower = &p
	}
	return info
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{NonFiniteSteps: hm.nonFinite}
	if len(hm.history) == 0 {
		return info
	}
	info.LastStep = hm.history[len(hm.history)-1].Timestamp

	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		total += p.Duration
		latencies[i] = float64(p.Duration.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	if total > 0 {
		info.StepsPerSecond = float64(len(hm.history)) / total.Seconds()
	}
	return info
}
