package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3cpo-dev/burst/pkg/burst"
)

func TestCollectorTracksResources(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()

	var rec burst.Recorder = c
	rec.RunStarted(ctx, "r1", nil, "static")
	rec.ResourceCreated(ctx, "r1", "server", burst.KindRequest, "req-1")
	rec.ResourceCreated(ctx, "r1", "server", burst.KindInstance, "i-1")
	rec.ResourceCreated(ctx, "r1", "server", burst.KindInstance, "i-2")
	rec.NodeTransition(ctx, "r1", "server", burst.Requested, burst.Ready)
	rec.ResourceReleased(ctx, "r1", burst.KindInstance, "i-1")

	if got := c.Outstanding(burst.KindInstance); got != 1 {
		t.Errorf("instances outstanding = %d", got)
	}
	if got := c.Outstanding(burst.KindRequest); got != 1 {
		t.Errorf("requests outstanding = %d", got)
	}

	check := OutstandingCheck(c)()
	if check.Status != HealthStatusDegraded {
		t.Errorf("check %+v", check)
	}

	rec.ResourceReleased(ctx, "r1", burst.KindInstance, "i-2")
	rec.ResourceReleased(ctx, "r1", burst.KindRequest, "req-1")
	rec.RunFinished(ctx, "r1", &burst.Result{RunID: "r1", Outcome: burst.Success}, 3*time.Second)
	if check := OutstandingCheck(c)(); check.Status != HealthStatusHealthy {
		t.Errorf("check after release %+v", check)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, name := range []string{"burst_runs_total", "burst_run_duration_seconds", "burst_resources_outstanding", "burst_node_transitions_total"} {
		if !seen[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestMonitoringServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RunFinished(context.Background(), "r1", &burst.Result{Outcome: burst.WorkloadFailed, Err: errors.New("x")}, time.Second)

	ms := NewMonitoringServer("127.0.0.1:0", reg)
	ms.RegisterHealthCheck("resources", OutstandingCheck(c))
	srv := httptest.NewServer(ms.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `burst_runs_total{outcome="workload_failed"} 1`) {
		t.Errorf("metrics output:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status %d", resp.StatusCode)
	}
	var health struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != HealthStatusHealthy || len(health.Checks) != 1 || health.Checks[0].Name != "resources" {
		t.Errorf("health %+v", health)
	}

	ms.RegisterHealthCheck("broken", func() HealthCheck {
		return HealthCheck{Name: "broken", Status: HealthStatusUnhealthy}
	})
	resp2, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status %d", resp2.StatusCode)
	}
}

func TestMonitoringServerStart(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", prometheus.NewRegistry())
	for name, fn := range DefaultHealthChecks() {
		ms.RegisterHealthCheck(name, fn)
	}
	addr, err := ms.Start()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ms.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
