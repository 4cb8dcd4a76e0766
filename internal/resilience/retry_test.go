package resilience

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		initial  time.Duration
		max      time.Duration
		mult     float64
		expected time.Duration
	}{
		{0, 100 * time.Millisecond, 5 * time.Second, 2.0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond, 5 * time.Second, 2.0, 200 * time.Millisecond},
		{3, 100 * time.Millisecond, 5 * time.Second, 2.0, 800 * time.Millisecond},
		{10, 100 * time.Millisecond, 5 * time.Second, 2.0, 5 * time.Second},
		{-1, 100 * time.Millisecond, 5 * time.Second, 2.0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		result := CalculateBackoff(tt.attempt, tt.initial, tt.max, tt.mult)
		if result != tt.expected {
			t.Errorf("CalculateBackoff(%d) = %v, expected %v", tt.attempt, result, tt.expected)
		}
	}
}

func TestLocalBackoff(t *testing.T) {
	tests := []struct {
		n        int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{50, 2 * time.Second},
	}

	for _, tt := range tests {
		if got := LocalBackoff(tt.n); got != tt.expected {
			t.Errorf("LocalBackoff(%d) = %v, expected %v", tt.n, got, tt.expected)
		}
	}
}

func TestReconnectDelay_Bounds(t *testing.T) {
	jitters := []float64{0, 0.25, 0.5, 0.999}

	for k := 0; k <= 10; k++ {
		base := math.Pow(1.5, float64(k))
		lower := time.Duration(math.Min(base, 30) * float64(time.Second))
		upper := time.Duration(math.Min(1.1*base, 30) * float64(time.Second))

		for _, j := range jitters {
			jitter := j
			d := ReconnectDelay(k, func() float64 { return jitter })
			if d < lower || d > upper {
				t.Errorf("ReconnectDelay(%d, jitter=%.3f) = %v, expected within [%v, %v]", k, jitter, d, lower, upper)
			}
		}
	}
}

func TestReconnectDelay_Capped(t *testing.T) {
	for _, attempts := range []int{11, 20, 1000} {
		d := ReconnectDelay(attempts, nil)
		if d > ReconnectMaxDelay {
			t.Errorf("ReconnectDelay(%d) = %v, expected <= %v", attempts, d, ReconnectMaxDelay)
		}
	}
}

func TestReconnectDelay_FirstRetry(t *testing.T) {
	d := ReconnectDelay(0, func() float64 { return 0 })
	if d != time.Second {
		t.Errorf("Expected 1s for first retry without jitter, got %v", d)
	}
}

func TestReconnectState(t *testing.T) {
	var rs ReconnectState
	now := time.Now()

	rs.RecordAttemptFailure(now)
	rs.RecordAttemptFailure(now.Add(time.Second))
	rs.RecordStreamError(now.Add(2 * time.Second))

	stats := rs.Snapshot()
	if stats.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", stats.Attempts)
	}
	if stats.ConsecutiveErrors != 3 {
		t.Errorf("Expected 3 consecutive errors, got %d", stats.ConsecutiveErrors)
	}
	if !stats.LastError.Equal(now.Add(2 * time.Second)) {
		t.Errorf("Expected last error at %v, got %v", now.Add(2*time.Second), stats.LastError)
	}

	rs.Reset()
	if rs.Attempts() != 0 || rs.Snapshot().ConsecutiveErrors != 0 {
		t.Errorf("Expected counters reset, got %+v", rs.Snapshot())
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if Sleep(ctx, 5*time.Second) {
		t.Error("Expected Sleep to report interruption")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep took %v after cancellation", elapsed)
	}
}

func TestSleep_Elapsed(t *testing.T) {
	if !Sleep(context.Background(), 5*time.Millisecond) {
		t.Error("Expected Sleep to complete")
	}
	if !Sleep(context.Background(), 0) {
		t.Error("Expected zero Sleep to complete")
	}
}
