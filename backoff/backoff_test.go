package backoff_test

import (
	"testing"
	"time"

	"github.com/loomrun/loom/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsLinearly(t *testing.T) {
	l := backoff.NewLinear(time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	if got := l.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
	if got := l.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 5; attempt++ {
		maxDelay := 10 * time.Second

		for range 100 {
			got := e.Delay(attempt)
			if got < 0 {
				t.Errorf("Delay(%d) = %v, should be >= 0", attempt, got)
			}
			if got > maxDelay {
				t.Errorf("Delay(%d) = %v, should be <= %v", attempt, got, maxDelay)
			}
		}
	}
}

func TestSpec_WithinPropertyBounds(t *testing.T) {
	// NextDelayMs(a, base, max) returns a value in
	// [min(base*m^(a-1), max), 1.2*min(base*m^(a-1), max)].
	s := backoff.NewSpec(1000, 30000, 2)

	for attempt := 1; attempt <= 8; attempt++ {
		exp := 1000.0
		for i := 1; i < attempt; i++ {
			exp *= 2
		}
		capped := exp
		if capped > 30000 {
			capped = 30000
		}
		lo := int64(capped)
		hi := int64(1.2 * capped)

		for range 50 {
			got := s.NextDelayMs(attempt)
			if got < lo || got > hi {
				t.Errorf("attempt %d: NextDelayMs() = %d, want in [%d,%d]", attempt, got, lo, hi)
			}
		}
	}
}

func TestSpec_NormalizesNonPositiveAttempt(t *testing.T) {
	s := backoff.NewSpec(1000, 30000, 2)
	for _, attempt := range []int{0, -1, -100} {
		got := s.NextDelayMs(attempt)
		if got < 1000 || got > 1200 {
			t.Errorf("NextDelayMs(%d) = %d, want treated as attempt=1 (in [1000,1200])", attempt, got)
		}
	}
}

func TestSpec_DefaultMultiplier(t *testing.T) {
	s := backoff.NewSpec(1000, 30000, 0)
	if s.Multiplier != 2 {
		t.Errorf("expected default multiplier 2, got %v", s.Multiplier)
	}
}

func TestSpec_ProducesVariance(t *testing.T) {
	s := backoff.NewSpec(1000, 60000, 2)

	seen := make(map[int64]bool)
	for range 100 {
		seen[s.NextDelayMs(3)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestDefaultStrategy_ReturnsSpec(t *testing.T) {
	s := backoff.DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy() returned nil")
	}

	d := s.Delay(1)
	if d < 1*time.Second || d > 1200*time.Millisecond {
		t.Errorf("DefaultStrategy().Delay(1) = %v, should be in [1s, 1.2s]", d)
	}
}
