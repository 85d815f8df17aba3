package ratelimit

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		limit Limit
		want  bool
	}{
		{Limit{}, false},
		{Limit{MaxEvents: 10}, false},
		{Limit{Window: time.Minute}, false},
		{Limit{MaxEvents: 10, Window: time.Minute}, true},
	}
	for _, tt := range tests {
		if got := tt.limit.Enabled(); got != tt.want {
			t.Errorf("%+v.Enabled() = %v, want %v", tt.limit, got, tt.want)
		}
	}
}

func TestDisabledLimitAllowsEverything(t *testing.T) {
	l := New(Limit{}, nil)
	for range 100 {
		if ok, _ := l.Allow("drop"); !ok {
			t.Fatal("expected disabled limiter to allow")
		}
	}
}

func TestWindowResetReportsSuppressed(t *testing.T) {
	clock := clockz.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Limit{MaxEvents: 2, Window: time.Minute}, clock)

	for i := range 2 {
		if ok, _ := l.Allow("drop"); !ok {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	for range 3 {
		if ok, _ := l.Allow("drop"); ok {
			t.Fatal("expected event over the limit to be rejected")
		}
	}

	// Categories are counted independently.
	if ok, _ := l.Allow("checkpoint"); !ok {
		t.Error("expected other category to be allowed")
	}

	clock.Advance(time.Minute)
	ok, suppressed := l.Allow("drop")
	if !ok {
		t.Fatal("expected new window to allow")
	}
	if suppressed != 3 {
		t.Errorf("expected 3 suppressed, got %d", suppressed)
	}
	if _, suppressed := l.Allow("drop"); suppressed != 0 {
		t.Errorf("suppressed count should be reported once, got %d", suppressed)
	}
}

func TestSuppressedCarriesAcrossWindowsPerCategory(t *testing.T) {
	clock := clockz.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := New(Limit{MaxEvents: 1, Window: time.Second}, clock)

	l.Allow("drop")
	l.Allow("drop")
	l.Allow("checkpoint")
	l.Allow("checkpoint")
	l.Allow("checkpoint")

	clock.Advance(time.Second)
	if _, n := l.Allow("drop"); n != 1 {
		t.Errorf("drop: expected 1 suppressed, got %d", n)
	}
	clock.Advance(time.Second)
	if _, n := l.Allow("checkpoint"); n != 2 {
		t.Errorf("checkpoint: expected 2 suppressed, got %d", n)
	}
}
