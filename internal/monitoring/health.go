// Package monitoring serves health, status and Prometheus endpoints for a
// running engine.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-trit/internal/engine"
	"github.com/23skdu/longbow-trit/internal/logger"
)

// Version is reported by /status.
var Version = "dev"

// EngineView is the part of engine.Engine the monitor reads.
type EngineView interface {
	Info() engine.Info
	MemoryStats() engine.MemoryStats
	Status() engine.Status
}

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      *EngineInfo     `json:"engine,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo contains engine-specific information
type EngineInfo struct {
	engine.Info
	State            string  `json:"state"`
	StopReason       string  `json:"stop_reason,omitempty"`
	KVCacheUsed      int     `json:"kv_cache_used"`
	KVCacheUsagePct  float64 `json:"kv_cache_usage_pct"`
	PackedBytes      int64   `json:"packed_bytes"`
	FP16Bytes        int64   `json:"fp16_bytes"`
	ScaleBytes       int64   `json:"scale_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// PerformanceInfo summarizes recorded sessions.
type PerformanceInfo struct {
	Sessions        int       `json:"sessions"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a system alert
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // engine, performance, system
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PerfPoint is one finished generation session.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
)

// HealthMonitor tracks sessions and alerts and serves them over HTTP.
type HealthMonitor struct {
	startTime time.Time
	engine    EngineView
	server    *http.Server
	log       *logger.Logger

	// MinTokensPerSecond raises a warning for slower sessions; zero disables it.
	MinTokensPerSecond float64

	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
	stopped       bool
}

// NewHealthMonitor creates a monitor. e may be nil until SetEngine is called.
func NewHealthMonitor(e EngineView) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		engine:    e,
		log:       logger.Log.With("monitoring"),
	}
}

func (hm *HealthMonitor) SetEngine(e EngineView) {
	hm.mu.Lock()
	hm.engine = e
	hm.mu.Unlock()
}

// Handler returns the monitor's routes.
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

// Start listens on addr and serves until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hm.log.Info("health monitor starting", "addr", ln.Addr().String())
	return hm.Serve(ln)
}

// Serve serves on ln. It returns http.ErrServerClosed after Stop, including when
// Stop ran first.
func (hm *HealthMonitor) Serve(ln net.Listener) error {
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()
	return srv.Serve(ln)
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordSession adds a finished generation to the performance history.
func (hm *HealthMonitor) RecordSession(tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	now := time.Now()
	hm.lastInference = now
	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration, Failed: err != nil}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("error", "engine", fmt.Sprintf("generation failed: %v", err))
		return
	}
	if hm.MinTokensPerSecond > 0 && tokens > 0 && duration > 0 {
		if tps := float64(tokens) / duration.Seconds(); tps < hm.MinTokensPerSecond {
			hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
		}
	}
}

// AddAlert adds a new alert
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

	hm.log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.getHealthStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()
	if alerts == nil {
		alerts = []Alert{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if hm.engine == nil {
		status = "starting"
	}
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Engine:      engineInfo(hm.engine),
		Performance: hm.calculatePerformanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func engineInfo(e EngineView) *EngineInfo {
	if e == nil {
		return nil
	}
	st := e.Status()
	mem := e.MemoryStats()
	info := &EngineInfo{
		Info:             e.Info(),
		State:            st.State.String(),
		StopReason:       string(st.StopReason),
		KVCacheUsed:      st.CacheLen,
		PackedBytes:      mem.PackedBytes,
		FP16Bytes:        mem.FP16Bytes,
		ScaleBytes:       mem.ScaleBytes,
		CompressionRatio: mem.CompressionRatio,
	}
	if st.Capacity > 0 {
		info.KVCacheUsagePct = float64(st.CacheLen) / float64(st.Capacity) * 100
	}
	return info
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

// calculatePerformanceInfo must be called with hm.mu held.
func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	info := PerformanceInfo{Sessions: len(hm.perfHistory), LastInference: hm.lastInference}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var tokens, failed int
	var total time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		tokens += p.Tokens
		total += p.Duration
		if p.Failed {
			failed++
		}
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}
