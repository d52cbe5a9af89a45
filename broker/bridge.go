package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BridgeGateway talks to the brokerage bridge service over its signed REST
// API. Fills are pulled by a polling goroutine and handed to the fill
// handler; the bridge keeps per-session cursors so nothing is replayed.
type BridgeGateway struct {
	baseURL   string
	apiKey    string
	secretKey string
	client    *http.Client
	dryRun    bool // log orders instead of sending them

	mu     sync.Mutex
	fillFn FillFunc
	cursor string

	pollInterval time.Duration
}

// NewBridgeGateway constructs a bridge client. With dryRun set, orders are
// logged and acked locally but never sent.
func NewBridgeGateway(baseURL, apiKey, secretKey string, dryRun bool) *BridgeGateway {
	return &BridgeGateway{
		baseURL:      baseURL,
		apiKey:       apiKey,
		secretKey:    secretKey,
		client:       &http.Client{Timeout: 30 * time.Second},
		dryRun:       dryRun,
		pollInterval: time.Second,
	}
}

// OnFill installs the fill handler invoked from the polling goroutine.
func (g *BridgeGateway) OnFill(fn FillFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillFn = fn
}

func (g *BridgeGateway) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(g.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (g *BridgeGateway) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BMC-KEY", g.apiKey)
	req.Header.Set("X-BMC-TIMESTAMP", timestamp)
	req.Header.Set("X-BMC-SIGN", g.sign(timestamp, method, path, string(bodyBytes)))

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bridge response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bridge %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

// PlaceOrder submits an order to the bridge and returns its ack.
func (g *BridgeGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if g.dryRun {
		log.Printf("🔸 DRY RUN order: %s %d %s (%s) — not sent", req.Side, req.Qty, req.Key, req.Tag)
		return OrderAck{OrderID: "dry-" + uuid.NewString(), AcceptedAt: time.Now()}, nil
	}

	data, err := g.request(ctx, http.MethodPost, "/v1/orders", req)
	if err != nil {
		return OrderAck{}, err
	}

	var ack OrderAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	if ack.OrderID == "" {
		return OrderAck{}, fmt.Errorf("bridge accepted order without an id")
	}
	return ack, nil
}

// CancelOrder asks the bridge to cancel a working order.
func (g *BridgeGateway) CancelOrder(ctx context.Context, orderID string) error {
	if g.dryRun {
		log.Printf("🔸 DRY RUN cancel: %s — not sent", orderID)
		return nil
	}
	_, err := g.request(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil)
	return err
}

type fillsPage struct {
	Fills  []Fill `json:"fills"`
	Cursor string `json:"cursor"`
}

// StreamFills polls the bridge for executions until ctx is canceled. Poll
// errors are logged and retried on the next interval; fills are never
// acknowledged back, the cursor is the only progress marker.
func (g *BridgeGateway) StreamFills(ctx context.Context) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g.mu.Lock()
		cursor := g.cursor
		fn := g.fillFn
		g.mu.Unlock()
		if fn == nil {
			continue
		}

		data, err := g.request(ctx, http.MethodGet, "/v1/fills?cursor="+cursor, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("⚠️  fill poll failed: %v", err)
			}
			continue
		}

		var page fillsPage
		if err := json.Unmarshal(data, &page); err != nil {
			log.Printf("⚠️  bad fills payload: %v", err)
			continue
		}

		for _, f := range page.Fills {
			fn(f)
		}
		if page.Cursor != "" {
			g.mu.Lock()
			g.cursor = page.Cursor
			g.mu.Unlock()
		}
	}
}
