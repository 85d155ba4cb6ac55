package handlers

import (
	"testing"
	"time"
)

func TestFixedWindowLimiter(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	limiter := NewFixedWindowLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("203.0.113.9") || !limiter.Allow("203.0.113.9") {
		t.Fatal("expected first two requests to pass")
	}
	if limiter.Allow("203.0.113.9") {
		t.Fatal("expected third request to be limited")
	}
	if !limiter.Allow("203.0.113.10") {
		t.Fatal("expected other keys to be unaffected")
	}

	now = now.Add(time.Minute + time.Second)
	if !limiter.Allow("203.0.113.9") {
		t.Fatal("expected window to reset")
	}
}

func TestFixedWindowLimiterDisabled(t *testing.T) {
	if NewFixedWindowLimiter(0, time.Minute, nil) != nil {
		t.Fatal("expected zero limit to disable the limiter")
	}
	if NewFixedWindowLimiter(5, 0, nil) != nil {
		t.Fatal("expected zero window to disable the limiter")
	}
}
