package ratelimit

import (
	"testing"
	"time"
)

func TestAllowEnforcesLimitPerKey(t *testing.T) {
	rl := New(2, time.Hour)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("first two calls must pass")
	}
	if rl.Allow("a") {
		t.Fatalf("third call within the window must be refused")
	}
	if !rl.Allow("b") {
		t.Fatalf("keys must not share a budget")
	}
}

func TestAllowRefillsAfterWindow(t *testing.T) {
	rl := New(1, 20*time.Millisecond)

	if !rl.Allow("a") {
		t.Fatalf("first call must pass")
	}
	if rl.Allow("a") {
		t.Fatalf("second call must be refused")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatalf("budget was not refilled")
	}
}

func TestForgetResetsKey(t *testing.T) {
	rl := New(1, time.Hour)
	rl.Allow("a")
	rl.Forget("a")
	if !rl.Allow("a") {
		t.Fatalf("forgotten key must start with a full budget")
	}
}

func TestNonPositiveLimitDisablesLimiting(t *testing.T) {
	rl := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !rl.Allow("a") {
			t.Fatalf("call %d refused with limiting disabled", i)
		}
	}
}
