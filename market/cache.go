package market

import (
	"sync"
	"sync/atomic"
	"time"
)

// Quote is the latest observed market state for one instrument key. Greeks are
// zero for underlyings.
type Quote struct {
	Key       string    `json:"key"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidSize   int64     `json:"bid_size,omitempty"`
	AskSize   int64     `json:"ask_size,omitempty"`
	Delta     float64   `json:"delta,omitempty"`
	Gamma     float64   `json:"gamma,omitempty"`
	Theta     float64   `json:"theta,omitempty"`
	Vega      float64   `json:"vega,omitempty"`
	IV        float64   `json:"iv,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// Mid returns the bid/ask midpoint, falling back to whichever side is quoted.
func (q Quote) Mid() float64 {
	switch {
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	case q.Ask > 0:
		return q.Ask
	default:
		return q.Bid
	}
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 100
}

// Listener receives quote updates for a subscribed key.
type Listener func(Quote)

// Cache holds the latest quote per instrument key. The market-data feed is the
// only writer; readers get value copies so a snapshot never tears. Listeners
// are invoked outside the lock, on the feed goroutine.
type Cache struct {
	mu         sync.RWMutex
	quotes     map[string]Quote
	listeners  map[string]map[int]Listener
	nextSub    int
	staleAfter time.Duration
	degraded   atomic.Bool
	now        func() time.Time
}

// NewCache constructs an empty cache. Quotes older than staleAfter are flagged
// stale on read; zero means quotes never go stale.
func NewCache(staleAfter time.Duration) *Cache {
	return &Cache{
		quotes:     make(map[string]Quote),
		listeners:  make(map[string]map[int]Listener),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetNowFn overrides the time provider (useful for tests).
func (c *Cache) SetNowFn(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	c.now = fn
}

// Update stores a quote and fans it out to subscribers of its key.
func (c *Cache) Update(q Quote) {
	c.mu.Lock()
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = c.now()
	}
	c.quotes[q.Key] = q
	subs := make([]Listener, 0, len(c.listeners[q.Key]))
	for _, fn := range c.listeners[q.Key] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(q)
	}
}

// Get returns the latest quote for a key, with its staleness evaluated
// against the cache's horizon.
func (c *Cache) Get(key string) (Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[key]
	now := c.now()
	c.mu.RUnlock()
	if !ok {
		return Quote{}, false
	}
	q.Stale = c.isStale(q, now)
	return q, true
}

func (c *Cache) isStale(q Quote, now time.Time) bool {
	if c.degraded.Load() {
		return true
	}
	if c.staleAfter <= 0 {
		return false
	}
	return now.Sub(q.UpdatedAt) > c.staleAfter
}

// Subscribe registers a listener for one key and returns an unsubscribe
// function. A listener may be invoked concurrently with its own unsubscribe.
func (c *Cache) Subscribe(key string, fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	if c.listeners[key] == nil {
		c.listeners[key] = make(map[int]Listener)
	}
	c.listeners[key][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[key], id)
		if len(c.listeners[key]) == 0 {
			delete(c.listeners, key)
		}
	}
}

// SetDegraded marks the whole cache stale, e.g. while the feed is down.
// Existing quotes remain readable so open positions can still be managed.
func (c *Cache) SetDegraded(degraded bool) {
	c.degraded.Store(degraded)
}

// Degraded reports whether the feed has flagged the cache as degraded.
func (c *Cache) Degraded() bool {
	return c.degraded.Load()
}

// Snapshot returns a copy of every cached quote, staleness evaluated.
func (c *Cache) Snapshot() map[string]Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make(map[string]Quote, len(c.quotes))
	for k, q := range c.quotes {
		q.Stale = c.isStale(q, now)
		out[k] = q
	}
	return out
}
