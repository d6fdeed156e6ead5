package bandwidth

import (
	"context"
	"testing"
	"time"
)

func TestManagerDisabledByDefault(t *testing.T) {
	m := NewManager()
	if err := m.Wait(context.Background(), 1<<20); err != nil {
		t.Fatalf("Wait() error = %v, want nil when disabled", err)
	}
}

func TestManagerSetLimitZeroDisables(t *testing.T) {
	m := NewManager()
	m.SetLimit(1024)
	m.SetLimit(0)
	if m.enabled.Load() {
		t.Fatal("expected limiter to be disabled after SetLimit(0)")
	}
}

func TestCongestionControllerAIMD(t *testing.T) {
	c := NewCongestionController(1, 8)

	if got := c.GetIdealConcurrency("example.com"); got != 1 {
		t.Fatalf("unseen host concurrency = %d, want 1", got)
	}

	// Enough clean outcomes to earn an increase.
	for i := 0; i < 2; i++ {
		c.RecordOutcome("example.com", 50*time.Millisecond, nil)
	}
	if got := c.GetIdealConcurrency("example.com"); got != 2 {
		t.Fatalf("after successes, concurrency = %d, want 2", got)
	}

	// A single error halves it immediately.
	c.RecordOutcome("example.com", 50*time.Millisecond, context.DeadlineExceeded)
	if got := c.GetIdealConcurrency("example.com"); got != 1 {
		t.Fatalf("after error, concurrency = %d, want 1", got)
	}
}

func TestCongestionControllerNeverExceedsMax(t *testing.T) {
	c := NewCongestionController(1, 2)
	for i := 0; i < 20; i++ {
		c.RecordOutcome("example.com", 10*time.Millisecond, nil)
	}
	if got := c.GetIdealConcurrency("example.com"); got > 2 {
		t.Fatalf("concurrency = %d, want <= 2", got)
	}
}
