package broker

import (
	"testing"
	"time"

	"riskd/internal/config"
)

func newTestBreaker(threshold int, reset time.Duration, now *time.Time) *Breaker {
	b := NewBreaker(config.BreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	b.now = func() time.Time { return *now }
	return b
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(3, 30*time.Second, &now)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("breaker still closed after reaching threshold")
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %s, want %s", got, BreakerOpen)
	}
}

func TestBreakerAllowsSingleProbeAfterReset(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(1, 30*time.Second, &now)

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected breaker open right after failure")
	}

	now = now.Add(30 * time.Second)
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %s, want %s", got, BreakerHalfOpen)
	}

	if !b.Allow() {
		t.Fatalf("expected probe call to be allowed after reset timeout")
	}
	// 探测名额已被消耗，窗口重新起算。
	if b.Allow() {
		t.Fatalf("expected second caller to be rejected while probe is in flight")
	}

	now = now.Add(30 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected a new probe after another reset window")
	}
}

func TestBreakerProbeFailureKeepsWindow(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(1, 30*time.Second, &now)

	b.RecordFailure()
	now = now.Add(30 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe to be allowed")
	}

	// 探测失败不重置窗口：下一个周期照样给一次探测机会。
	b.RecordFailure()
	now = now.Add(30 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe in the following window after probe failure")
	}
}

func TestBreakerSuccessCloses(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(2, 30*time.Second, &now)

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("expected breaker open")
	}

	now = now.Add(30 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe to be allowed")
	}

	b.RecordSuccess()
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %s, want %s", got, BreakerClosed)
	}
	if !b.Allow() {
		t.Fatalf("expected closed breaker to allow calls")
	}
	if b.ConsecutiveFailures() != 0 {
		t.Fatalf("expected failure count reset after success")
	}
}
