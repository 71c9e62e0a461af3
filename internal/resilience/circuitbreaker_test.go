package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed (iteration %d)", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny after threshold breaches")
	}

	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed again after successful probes")
	}
}
