package signal

import (
	"fmt"
	"testing"
)

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(State{Ticker: fmt.Sprintf("t%d", i)})
	}
	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3", h.Len())
	}
	snap := h.Snapshot()
	if snap[0].Ticker != "t2" || snap[2].Ticker != "t4" {
		t.Fatalf("snapshot = %v, want oldest t2 .. newest t4", snap)
	}
}

func TestHistoryLatest(t *testing.T) {
	h := NewHistory(0) // default depth
	if _, ok := h.Latest(); ok {
		t.Fatal("empty history should report no latest entry")
	}
	h.Append(State{Ticker: "a"})
	h.Append(State{Ticker: "b"})
	latest, ok := h.Latest()
	if !ok || latest.Ticker != "b" {
		t.Fatalf("latest = %+v, want ticker b", latest)
	}
}

func TestHistoryDefaultDepth(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < 250; i++ {
		h.Append(State{})
	}
	if h.Len() != 200 {
		t.Fatalf("len = %d, want 200", h.Len())
	}
}
