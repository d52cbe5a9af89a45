package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bmc/market"
	"bmc/metrics"
)

const (
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 20 * time.Second
	maxReconnectWait = 30 * time.Second
)

// quoteMessage is the wire format the market-data bridge pushes. Missing
// greeks unmarshal to zero, which the cache treats as "no greeks".
type quoteMessage struct {
	Key     string  `json:"key"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	BidSize int64   `json:"bid_size"`
	AskSize int64   `json:"ask_size"`
	Delta   float64 `json:"delta"`
	Gamma   float64 `json:"gamma"`
	Theta   float64 `json:"theta"`
	Vega    float64 `json:"vega"`
	IV      float64 `json:"iv"`
	TS      int64   `json:"ts"` // unix millis at the bridge
}

// Client maintains a websocket subscription to the quote bridge and feeds the
// shared cache. While disconnected it marks the cache degraded so stale-quote
// guards fire instead of trading on frozen prices.
type Client struct {
	url   string
	cache *market.Cache

	mu   sync.Mutex
	conn *websocket.Conn

	subMu sync.Mutex
	subs  map[string]struct{}
}

// NewClient constructs a feed client. Run starts it.
func NewClient(url string, cache *market.Cache) *Client {
	return &Client{
		url:   url,
		cache: cache,
		subs:  make(map[string]struct{}),
	}
}

// Subscribe asks the bridge for updates on an instrument key. Subscriptions
// are replayed after every reconnect.
func (c *Client) Subscribe(keys ...string) {
	c.subMu.Lock()
	fresh := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := c.subs[k]; !ok {
			c.subs[k] = struct{}{}
			fresh = append(fresh, k)
		}
	}
	c.subMu.Unlock()

	if len(fresh) == 0 {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if err := c.sendSubscribe(conn, fresh); err != nil {
			log.Printf("⚠️ feed: subscribe send failed: %v", err)
		}
	}
}

// Run connects and pumps quotes until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx)
		c.cache.SetDegraded(true)
		metrics.SetQuoteFeedConnected(false)
		if ctx.Err() != nil {
			return
		}
		log.Printf("⚠️ feed: connection lost (%v), reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	log.Printf("✓ feed: connected to %s", c.url)
	c.cache.SetDegraded(false)
	metrics.SetQuoteFeedConnected(true)

	c.subMu.Lock()
	pending := make([]string, 0, len(c.subs))
	for k := range c.subs {
		pending = append(pending, k)
	}
	c.subMu.Unlock()
	if len(pending) > 0 {
		if err := c.sendSubscribe(conn, pending); err != nil {
			return err
		}
	}

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleMessage(raw)
	}
}

func (c *Client) sendSubscribe(conn *websocket.Conn, keys []string) error {
	msg := map[string]any{"op": "subscribe", "keys": keys}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) handleMessage(raw []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("⚠️ feed: bad message: %v", err)
		return
	}
	if msg.Key == "" {
		return
	}
	q := market.Quote{
		Key:     msg.Key,
		Bid:     msg.Bid,
		Ask:     msg.Ask,
		BidSize: msg.BidSize,
		AskSize: msg.AskSize,
		Delta:   msg.Delta,
		Gamma:   msg.Gamma,
		Theta:   msg.Theta,
		Vega:    msg.Vega,
		IV:      msg.IV,
	}
	if msg.TS > 0 {
		q.UpdatedAt = time.UnixMilli(msg.TS)
	}
	c.cache.Update(q)
}
