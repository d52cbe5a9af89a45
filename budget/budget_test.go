package budget

import (
	"errors"
	"testing"
)

func TestAdmitsExactlyLimit(t *testing.T) {
	c := New(3)
	for i := 0; i < 3; i++ {
		if err := c.TryAcquire(); err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
	}
	if err := c.TryAcquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("fourth acquire err = %v, want ErrExhausted", err)
	}

	s := c.Snapshot()
	if s.InFlight != 3 || s.Submitted != 3 || s.Denied != 1 {
		t.Fatalf("snapshot = %+v, want in_flight=3 submitted=3 denied=1", s)
	}
}

func TestReleaseReopensAdmission(t *testing.T) {
	c := New(1)
	if err := c.TryAcquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.TryAcquire(); !errors.Is(err, ErrExhausted) {
		t.Fatal("expected exhaustion at limit")
	}
	c.Release()
	if err := c.TryAcquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := New(2)
	c.Release()
	c.Release()
	if got := c.InFlight(); got != 0 {
		t.Fatalf("in flight = %d, want 0", got)
	}
}

func TestSetLimitRejectsNegative(t *testing.T) {
	c := New(5)
	if err := c.SetLimit(-1); err == nil {
		t.Fatal("expected rejection of negative budget")
	}
	if got := c.Limit(); got != 5 {
		t.Fatalf("limit = %d, want unchanged 5", got)
	}
}

func TestLoweringLimitBelowUsageOnlyBlocksNewAdmissions(t *testing.T) {
	c := New(4)
	for i := 0; i < 3; i++ {
		if err := c.TryAcquire(); err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
	}
	if err := c.SetLimit(1); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if got := c.InFlight(); got != 3 {
		t.Fatalf("in flight after lowering = %d, want 3", got)
	}
	if err := c.TryAcquire(); !errors.Is(err, ErrExhausted) {
		t.Fatal("expected new admissions to be denied until usage drops")
	}
}

func TestZeroBudgetDeniesEverything(t *testing.T) {
	c := New(0)
	if err := c.TryAcquire(); !errors.Is(err, ErrExhausted) {
		t.Fatal("zero budget must deny all admissions")
	}
}
