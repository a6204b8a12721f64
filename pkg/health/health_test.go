// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthAggregation(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("ok", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("status = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Errorf("checks = %+v", checks)
	}

	c.Register("broken", func(ctx context.Context) error { return errors.New("down") })
	status, _ = c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("status = %v with a failing check, want degraded", status)
	}
}

func TestCacheServesRecentResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("check ran %d times inside the cache TTL, want 1", calls)
	}
}

func TestReadinessRejectsDegraded(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("broken", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 503 {
		t.Errorf("readiness status = %d with failing check, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("health status = %d for degraded, want 200", rec.Code)
	}
}
