package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoDependencies(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if _, ok := response.Checks["dependencies"]; !ok {
		t.Fatal("Expected dependencies check to be present")
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]ReadinessChecker
		want   Status
		failed string
	}{
		{"all healthy", map[string]ReadinessChecker{"redis": ok, "storage": ok}, StatusHealthy, ""},
		{"storage down", map[string]ReadinessChecker{"redis": ok, "storage": down}, StatusUnhealthy, "storage"},
		{"not configured", map[string]ReadinessChecker{"redis": ok, "toolchain": nil}, StatusUnhealthy, "toolchain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.checks).Readiness(context.Background())

			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s", response.Status, tt.want)
			}
			if len(response.Checks) != len(tt.checks) {
				t.Errorf("Expected %d checks, got %d", len(tt.checks), len(response.Checks))
			}
			for name, result := range response.Checks {
				wantHealthy := name != tt.failed
				if (result.Status == StatusHealthy) != wantHealthy {
					t.Errorf("check %s = %+v", name, result)
				}
			}
		})
	}
}

func TestChecker_ReadinessCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	checker := NewChecker(map[string]ReadinessChecker{
		"redis": CheckFunc(func(context.Context) error {
			calls.Add(1)
			return nil
		}),
	})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("Expected 1 dependency call, got %d", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{
		"redis": CheckFunc(func(context.Context) error { return nil }),
	})
	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("Expected healthy before shutdown")
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.IsHealthy() {
		t.Error("Expected unhealthy while shutting down")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
