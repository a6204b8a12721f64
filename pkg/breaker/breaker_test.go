// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
			t.Fatalf("call %d: err = %v, want dial error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after %d failures, want open", cb.State(), 3)
	}

	// While open, calls are rejected without running fn.
	ran := false
	err := cb.Call(func() error { ran = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("fn ran while the circuit was open")
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Millisecond, SuccessThreshold: 2})

	cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(5 * time.Millisecond)

	// First probe succeeds and moves to half-open counting.
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after first success, want half_open", cb.State())
	}
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after success threshold, want closed", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Millisecond, SuccessThreshold: 2})

	cb.Call(func() error { return errDial })
	time.Sleep(5 * time.Millisecond)

	cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after half-open failure, want open", cb.State())
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	cb.Call(func() error { return errDial })
	cb.Call(func() error { return errDial })
	cb.Call(func() error { return nil })

	if _, failures, _ := cb.Stats(); failures != 0 {
		t.Errorf("failures = %d after success, want 0", failures)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}
