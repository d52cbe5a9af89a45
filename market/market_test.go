package market

import (
	"testing"
	"time"
)

func sampleContract() Instrument {
	return Instrument{
		Underlying: "TSLA",
		Strike:     250,
		Expiry:     time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		Right:      Call,
	}
}

func TestInstrumentKey(t *testing.T) {
	if got, want := sampleContract().Key(), "TSLA-20260918-C-250"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
	put := sampleContract()
	put.Right = Put
	put.Strike = 252.5
	if got, want := put.Key(), "TSLA-20260918-P-252.5"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestOCCSymbol(t *testing.T) {
	if got, want := sampleContract().OCCSymbol(), "TSLA  260918C00250000"; got != want {
		t.Fatalf("occ = %q, want %q", got, want)
	}
}

func TestDTENeverNegative(t *testing.T) {
	c := sampleContract()
	before := c.Expiry.Add(-72 * time.Hour)
	after := c.Expiry.Add(72 * time.Hour)
	if got := c.DTE(before); got != 3 {
		t.Fatalf("dte = %d, want 3", got)
	}
	if got := c.DTE(after); got != 0 {
		t.Fatalf("dte after expiry = %d, want 0", got)
	}
	if !c.Expired(after) || c.Expired(before) {
		t.Fatal("expiry check inconsistent")
	}
}

func TestIntrinsic(t *testing.T) {
	c := sampleContract()
	if got := c.Intrinsic(260); got != 10 {
		t.Fatalf("call intrinsic = %g, want 10", got)
	}
	if got := c.Intrinsic(240); got != 0 {
		t.Fatalf("otm call intrinsic = %g, want 0", got)
	}
	p := c
	p.Right = Put
	if got := p.Intrinsic(240); got != 10 {
		t.Fatalf("put intrinsic = %g, want 10", got)
	}
}

func TestQuoteMidAndSpread(t *testing.T) {
	q := Quote{Bid: 1.00, Ask: 1.10}
	if got := q.Mid(); got != 1.05 {
		t.Fatalf("mid = %g, want 1.05", got)
	}
	if got := q.SpreadPct(); got < 9.5 || got > 9.6 {
		t.Fatalf("spread = %g%%, want ~9.52%%", got)
	}
	oneSided := Quote{Ask: 2.00}
	if got := oneSided.Mid(); got != 2.00 {
		t.Fatalf("one-sided mid = %g, want 2.00", got)
	}
}

func TestCacheStaleness(t *testing.T) {
	c := NewCache(10 * time.Second)
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	now := base
	c.SetNowFn(func() time.Time { return now })

	c.Update(Quote{Key: "TSLA", Bid: 249, Ask: 251})
	q, ok := c.Get("TSLA")
	if !ok || q.Stale {
		t.Fatalf("fresh quote reported stale: %+v", q)
	}

	now = base.Add(11 * time.Second)
	q, _ = c.Get("TSLA")
	if !q.Stale {
		t.Fatal("quote past the horizon should be stale")
	}

	now = base.Add(time.Second)
	c.Update(Quote{Key: "TSLA", Bid: 249, Ask: 251, UpdatedAt: now})
	c.SetDegraded(true)
	q, _ = c.Get("TSLA")
	if !q.Stale {
		t.Fatal("degraded cache must report every quote stale")
	}
	c.SetDegraded(false)
	q, _ = c.Get("TSLA")
	if q.Stale {
		t.Fatal("quote should be fresh again after the feed recovers")
	}
}

func TestCacheSubscribeAndUnsubscribe(t *testing.T) {
	c := NewCache(0)
	var got []Quote
	unsub := c.Subscribe("TSLA", func(q Quote) { got = append(got, q) })

	c.Update(Quote{Key: "TSLA", Bid: 250})
	c.Update(Quote{Key: "AAPL", Bid: 180}) // different key, no delivery
	if len(got) != 1 {
		t.Fatalf("listener received %d quotes, want 1", len(got))
	}

	unsub()
	c.Update(Quote{Key: "TSLA", Bid: 251})
	if len(got) != 1 {
		t.Fatal("listener still invoked after unsubscribe")
	}
}
