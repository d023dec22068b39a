package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/burst/pkg/burst"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves /metrics from a Prometheus registry and /health
// from the registered checks.
type MonitoringServer struct {
	mu           sync.Mutex
	healthChecks map[string]func() HealthCheck
	server       *http.Server
	addr         string
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, reg *prometheus.Registry) *MonitoringServer {
	ms := &MonitoringServer{
		healthChecks: make(map[string]func() HealthCheck),
		addr:         addr,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// Handler exposes the routes for embedding or tests.
func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Debug().Err(err).Msg("Health response not written")
	}
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.Lock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make([]func() HealthCheck, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, ms.healthChecks[name])
	}
	ms.mu.Unlock()

	checks := make([]HealthCheck, 0, len(fns))
	for _, checkFn := range fns {
		start := time.Now()
		check := checkFn()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start listens on the configured address and serves in the background.
// It returns the bound address, which differs from the configured one
// when the port is 0.
func (ms *MonitoringServer) Start() (string, error) {
	ln, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return "", fmt.Errorf("monitoring listen: %w", err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting monitoring server")
	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Monitoring server stopped")
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)

			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}

			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{
					"heap_mb":    fmt.Sprintf("%.2f", heapMB),
					"goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
				},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			message := fmt.Sprintf("Goroutines: %d", count)

			if count > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High goroutine count: %d", count)
			}
			if count > 5000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical goroutine count: %d", count)
			}

			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: message,
				Details: map[string]string{
					"count": fmt.Sprintf("%d", count),
				},
			}
		},
	}
}

// OutstandingCheck reports degraded while provider resources are held.
// After a run has finished, anything outstanding is a leak.
func OutstandingCheck(c *Collector) func() HealthCheck {
	return func() HealthCheck {
		req, inst := c.Outstanding(burst.KindRequest), c.Outstanding(burst.KindInstance)
		check := HealthCheck{
			Name:    "resources",
			Status:  HealthStatusHealthy,
			Message: "No provider resources held",
			Details: map[string]string{
				"requests":  fmt.Sprintf("%d", req),
				"instances": fmt.Sprintf("%d", inst),
			},
		}
		if req+inst > 0 {
			check.Status = HealthStatusDegraded
			check.Message = fmt.Sprintf("%d requests and %d instances held", req, inst)
		}
		return check
	}
}
