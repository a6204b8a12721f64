// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSessionError(t *testing.T) {
	base := errors.New("connection reset")
	err := New("pump", "sess-1", "10.0.0.5:41234", base)

	if !errors.Is(err, base) {
		t.Error("wrapped error lost the underlying cause")
	}
	msg := err.Error()
	for _, part := range []string{"pump", "sess-1", "10.0.0.5:41234", "connection reset"} {
		if !strings.Contains(msg, part) {
			t.Errorf("error message %q missing %q", msg, part)
		}
	}
}

func TestNewNilPassthrough(t *testing.T) {
	if err := New("dial", "s", "r", nil); err != nil {
		t.Errorf("New with nil error = %v, want nil", err)
	}
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrShortWrite, "broker write")
	if !errors.Is(err, ErrShortWrite) {
		t.Error("Wrap lost the sentinel")
	}
}
