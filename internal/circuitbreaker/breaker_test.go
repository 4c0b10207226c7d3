package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestAllowsWhileClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("signer") {
		t.Fatal("closed circuit must allow calls")
	}
	if b.State("signer") != StateClosed {
		t.Fatalf("expected closed, got %v", b.State("signer"))
	}
}

func TestOpensAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("signer")
	b.RecordFailure("signer")
	if !b.Allow("signer") {
		t.Fatal("must still allow below the threshold")
	}

	b.RecordFailure("signer")
	if b.Allow("signer") {
		t.Fatal("must reject after the threshold")
	}
	if b.State("signer") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("signer"))
	}
}

func TestProbeAfterCooldown(t *testing.T) {
	b := New(2, 20*time.Millisecond)
	b.RecordFailure("signer")
	b.RecordFailure("signer")

	time.Sleep(30 * time.Millisecond)

	if !b.Allow("signer") {
		t.Fatal("expected a probe to be allowed after the cooldown")
	}
	if b.State("signer") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("signer"))
	}
	// Only one probe at a time
	if b.Allow("signer") {
		t.Fatal("second call must wait for the probe to finish")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 20*time.Millisecond)
	b.RecordFailure("signer")
	b.RecordFailure("signer")

	time.Sleep(30 * time.Millisecond)
	b.Allow("signer")
	b.RecordSuccess("signer")

	if b.State("signer") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("signer"))
	}
	if !b.Allow("signer") {
		t.Fatal("closed circuit must allow calls again")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 20*time.Millisecond)
	b.RecordFailure("signer")
	b.RecordFailure("signer")

	time.Sleep(30 * time.Millisecond)
	b.Allow("signer")
	b.RecordFailure("signer")

	if b.State("signer") != StateOpen {
		t.Fatalf("expected re-opened circuit, got %v", b.State("signer"))
	}
	if b.Allow("signer") {
		t.Fatal("must reject immediately after a failed probe")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("signer")
	b.RecordFailure("signer")
	b.RecordSuccess("signer")

	// Two more failures should not trip, count was reset
	b.RecordFailure("signer")
	b.RecordFailure("signer")
	if !b.Allow("signer") {
		t.Fatal("failure count must reset after a success")
	}
}

func TestCircuitsAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("signer")
	b.RecordFailure("signer")

	if b.Allow("signer") {
		t.Fatal("signer circuit must be open")
	}
	if !b.Allow("rpc") {
		t.Fatal("unrelated circuit must stay closed")
	}
}

func TestDoWrapsOutcomes(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		if err := b.Do("signer", func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped fn error, got %v", err)
		}
	}

	called := false
	err := b.Do("signer", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen from open circuit, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}
