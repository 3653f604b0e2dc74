package logx

import (
	"errors"
	"testing"
)

func TestDomainFiltering(t *testing.T) {
	SetDebug(true)
	defer SetDebug(false)

	SetDebugDomains([]string{"broker", "distill"})
	defer SetDebugDomains(nil)

	if !IsDebugEnabledForDomain("broker") {
		t.Error("Expected broker domain to be enabled")
	}
	if IsDebugEnabledForDomain("patterns") {
		t.Error("Expected patterns domain to be disabled")
	}

	// Clearing the filter enables all domains.
	SetDebugDomains(nil)
	if !IsDebugEnabledForDomain("patterns") {
		t.Error("Expected all domains enabled after clearing filter")
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	SetDebug(false)
	if IsDebugEnabledForDomain("broker") {
		t.Error("Debug should be off unless enabled")
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(base, "audit write")
	if wrapped == nil {
		t.Fatal("Expected non-nil wrapped error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Wrapped error should match the original via errors.Is")
	}
	if Wrap(nil, "noop") != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestLoggerComponent(t *testing.T) {
	logger := NewLogger("spend")
	if logger.GetComponent() != "spend" {
		t.Errorf("Expected component spend, got %s", logger.GetComponent())
	}
}
