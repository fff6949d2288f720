package observability

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(StoreCheck(func(ctx context.Context) error { return nil }))
	hc.RegisterCheck(LedgerCheck(func(ctx context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusHealthy {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("expected 2 checks, got %d", len(resp.Checks))
	}
}

func TestHealthCheckerCriticalFailure(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(StoreCheck(func(ctx context.Context) error {
		return errors.New("store unreachable")
	}))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("store failure should be unhealthy, got %s", resp.Status)
	}
}

func TestHealthCheckerLedgerDegrades(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(StoreCheck(func(ctx context.Context) error { return nil }))
	hc.RegisterCheck(LedgerCheck(func(ctx context.Context) error {
		return errors.New("ledger unreachable")
	}))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("ledger failure should only degrade, got %s", resp.Status)
	}
}

func TestHealthCheckerTimeout(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout:  10 * time.Millisecond,
		Critical: false,
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("timed-out non-critical check should degrade, got %s", resp.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)

	LivenessHandler()(rec, req)

	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
