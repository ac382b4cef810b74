package health

import (
	"context"
	"errors"
	"testing"
)

type fakeDep struct {
	err error
}

func (f *fakeDep) Ready(context.Context) error { return f.err }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Liveness status = %s, want %s", response.Status, StatusHealthy)
	}
}

func TestChecker_Readiness_AllHealthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"runtime":      &fakeDep{},
		"measurements": &fakeDep{},
		"metastore":    &fakeDep{},
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Readiness status = %s, want %s", response.Status, StatusHealthy)
	}
	for _, name := range []string{"runtime", "measurements", "metastore"} {
		check, ok := response.Checks[name]
		if !ok {
			t.Fatalf("check %q missing from response", name)
		}
		if check.Status != StatusHealthy {
			t.Errorf("check %q status = %s, want %s", name, check.Status, StatusHealthy)
		}
	}
}

func TestChecker_Readiness_FailingDependency(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"runtime":      &fakeDep{},
		"measurements": &fakeDep{err: errors.New("connection refused")},
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Readiness status = %s, want %s", response.Status, StatusUnhealthy)
	}
	if got := response.Checks["runtime"].Status; got != StatusHealthy {
		t.Errorf("runtime check status = %s, want %s", got, StatusHealthy)
	}
	check := response.Checks["measurements"]
	if check.Status != StatusUnhealthy || check.Message != "connection refused" {
		t.Errorf("measurements check = %+v", check)
	}
}

func TestChecker_Readiness_NilDependency(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"runtime": nil,
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Readiness status = %s, want %s", response.Status, StatusUnhealthy)
	}
	if got := response.Checks["runtime"].Message; got != "not configured" {
		t.Errorf("runtime check message = %q, want %q", got, "not configured")
	}
}

func TestChecker_Readiness_CachesResult(t *testing.T) {
	t.Parallel()
	dep := &fakeDep{}
	checker := NewChecker(map[string]ReadinessChecker{"runtime": dep})

	if got := checker.Readiness(context.Background()); got.Status != StatusHealthy {
		t.Fatalf("first check = %s", got.Status)
	}

	// The dependency is now broken, but the verdict is still fresh.
	dep.err = errors.New("gone")
	if got := checker.Readiness(context.Background()); got.Status != StatusHealthy {
		t.Errorf("cached check = %s, want healthy", got.Status)
	}
}

func TestChecker_Readiness_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{"runtime": &fakeDep{}})

	if got := checker.Readiness(context.Background()); got.Status != StatusHealthy {
		t.Fatalf("first check = %s", got.Status)
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("status after SetShuttingDown = %s, want %s", response.Status, StatusUnhealthy)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error(`Checks["shutdown"] missing from response`)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if got := response.IsHealthy(); got != tt.want {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.want)
			}
		})
	}
}
