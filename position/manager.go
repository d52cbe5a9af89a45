package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bmc/broker"
	"bmc/config"
	"bmc/featureflag"
	"bmc/market"
	"bmc/metrics"
)

// ErrAlreadyClosed is returned when a close is requested for a completed
// position.
var ErrAlreadyClosed = errors.New("position already closed")

const (
	maxRecentErrors     = 10
	defaultRetryBackoff = 2 * time.Second
)

// CompleteFunc is invoked exactly once, outside the state lock, when a
// position reaches its terminal state.
type CompleteFunc func(Position)

// Options tune a Manager beyond its risk config.
type Options struct {
	Flags        *featureflag.RuntimeFlags
	OnComplete   CompleteFunc
	NowFn        func() time.Time
	RetryBackoff time.Duration
	// SpotFn returns the underlying's latest price for intrinsic valuation at
	// expiry. May be nil, in which case expiry settles at zero.
	SpotFn func() (float64, bool)
}

// Manager owns exactly one open position: it watches quotes, walks each exit
// level through its state machine, places exit orders and accounts for fills.
// Level evaluation and order submission for one quote tick are atomic with
// respect to the position; overlapping ticks are dropped, not queued.
type Manager struct {
	mu      sync.Mutex
	ticking atomic.Bool

	pos     *Position
	risk    config.RiskConfig
	gateway broker.Gateway
	router  *broker.Router

	flags        *featureflag.RuntimeFlags
	onComplete   CompleteFunc
	now          func() time.Time
	timeout      time.Duration
	retryBackoff time.Duration
	spotFn       func() (float64, bool)
}

// NewManager builds the exit-level set from the risk config and wires the
// manager to the gateway. The position must already be filled (entry done).
func NewManager(pos *Position, risk config.RiskConfig, gateway broker.Gateway, router *broker.Router, opts Options) *Manager {
	m := &Manager{
		pos:          pos,
		risk:         risk,
		gateway:      gateway,
		router:       router,
		flags:        opts.Flags,
		onComplete:   opts.OnComplete,
		now:          opts.NowFn,
		timeout:      risk.ExitOrderTimeout(),
		retryBackoff: opts.RetryBackoff,
		spotFn:       opts.SpotFn,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.retryBackoff <= 0 {
		m.retryBackoff = defaultRetryBackoff
	}
	if pos.Status == "" {
		pos.Status = StatusActive
	}
	if pos.HighWaterMark < pos.EntryPrice {
		pos.HighWaterMark = pos.EntryPrice
	}
	pos.Levels = buildLevels(risk)
	return m
}

func buildLevels(risk config.RiskConfig) []*ExitLevel {
	var levels []*ExitLevel
	if risk.TrailingEnabled {
		levels = append(levels, &ExitLevel{
			ID:         LevelID{Kind: KindTrailing},
			State:      LevelPending,
			TriggerPct: risk.TrailPct,
			ExitPct:    100,
		})
	}
	if risk.StopLossEnabled {
		if risk.StopLossType == config.StopLaddered {
			for i, tier := range risk.StopTiers {
				levels = append(levels, &ExitLevel{
					ID:         LevelID{Kind: KindStopLoss, Index: i},
					State:      LevelPending,
					TriggerPct: tier.TriggerPct,
					ExitPct:    tier.ExitPct,
				})
			}
		} else {
			levels = append(levels, &ExitLevel{
				ID:         LevelID{Kind: KindStopLoss},
				State:      LevelPending,
				TriggerPct: risk.StopLossPct,
				ExitPct:    100,
			})
		}
	}
	for i, pt := range risk.ProfitTargets {
		levels = append(levels, &ExitLevel{
			ID:         LevelID{Kind: KindProfitTarget, Index: i},
			State:      LevelPending,
			TriggerPct: pt.TriggerPct,
			ExitPct:    pt.ExitPct,
		})
	}
	for _, l := range levels {
		l.Label = l.ID.String()
	}
	return levels
}

func (m *Manager) lock() {
	if m.flags == nil || m.flags.MutexProtectionEnabled() {
		m.mu.Lock()
	}
}

func (m *Manager) unlock() {
	if m.flags == nil || m.flags.MutexProtectionEnabled() {
		m.mu.Unlock()
	}
}

// PositionID returns the owned position's id.
func (m *Manager) PositionID() string {
	return m.pos.ID
}

// Snapshot returns a deep copy of the position.
func (m *Manager) Snapshot() Position {
	m.lock()
	defer m.unlock()
	return m.pos.Clone()
}

// Completed reports whether the position reached a terminal state.
func (m *Manager) Completed() bool {
	m.lock()
	defer m.unlock()
	return m.pos.Completed
}

type submission struct {
	level *ExitLevel
	qty   int
}

// OnQuote processes one market tick: mark-to-market, trailing ratchet, level
// triggering and exit submission. A tick arriving while a previous one is
// still being processed is dropped; quotes are dense enough that the next
// one re-evaluates the same conditions.
func (m *Manager) OnQuote(q market.Quote) {
	if !m.ticking.CompareAndSwap(false, true) {
		return
	}
	defer m.ticking.Store(false)

	m.lock()
	if m.pos.Completed {
		m.unlock()
		return
	}
	now := m.now()
	subs, done := m.evaluateLocked(q, now)
	m.unlock()

	for _, s := range subs {
		m.submitExit(s.level, s.qty, q)
	}

	if done != nil {
		m.finish(*done)
	}
}

// evaluateLocked runs trigger evaluation against one quote. It mutates level
// states but defers order placement to the caller so fills delivered
// synchronously by the gateway do not deadlock against the state lock.
func (m *Manager) evaluateLocked(q market.Quote, now time.Time) ([]submission, *Position) {
	pos := m.pos
	mid := q.Mid()
	pos.MarkPrice = mid
	pos.QuoteStale = q.Stale
	if pos.EntryPrice > 0 {
		pos.UnrealizedPnLPct = (mid - pos.EntryPrice) / pos.EntryPrice * 100
	}
	gainPct := pos.UnrealizedPnLPct

	if mid > pos.HighWaterMark {
		pos.HighWaterMark = mid
	}

	// Trailing arms only once the gain clears the activation threshold, and
	// its floor only ever ratchets upward from then on.
	if m.risk.TrailingEnabled {
		if !pos.TrailingActive && gainPct >= m.risk.ActivationPct {
			pos.TrailingActive = true
			log.Printf("📈 position %s: trailing armed at %.2f%% gain (hwm=%.4f)", pos.ID[:8], gainPct, pos.HighWaterMark)
		}
		if pos.TrailingActive {
			candidate := pos.HighWaterMark * (1 - m.risk.TrailPct/100)
			if candidate > pos.TrailingStopPrice {
				pos.TrailingStopPrice = candidate
			}
		}
	}

	// Expiry with quantity still on: settle at intrinsic (or zero) without
	// an order; there is no market left to trade.
	if pos.Contract.Expired(now) && pos.RemainingQty > 0 {
		price := 0.0
		if m.spotFn != nil {
			if spot, ok := m.spotFn(); ok {
				price = pos.Contract.Intrinsic(spot)
			}
		}
		m.recordSyntheticExitLocked(ReasonExpired, price, now)
		done := m.pos.Clone()
		return nil, &done
	}

	available := pos.RemainingQty
	for _, l := range pos.Levels {
		available -= l.working()
	}

	var subs []submission
	for _, l := range pos.Levels {
		switch l.State {
		case LevelPending:
			if available <= 0 {
				continue
			}
			if !m.levelConditionMet(l, mid, gainPct) {
				continue
			}
			qty := m.levelQty(l, available)
			if qty <= 0 {
				continue
			}
			l.State = LevelTriggered
			l.TriggeredAt = now
			l.OrderQty = qty
			available -= qty
			metrics.IncLevelTriggers(l.Label)
			log.Printf("🎯 position %s: %s triggered at mid=%.4f (%.2f%%), exiting %d", pos.ID[:8], l.Label, mid, gainPct, qty)
			subs = append(subs, submission{level: l, qty: qty})

		case LevelTriggered, LevelPartial:
			// Placement failed or the working order timed out earlier; resubmit
			// the unfilled tail once after the backoff. Fills already received
			// on a partial order stay booked, only the tail is re-exited.
			if l.OrderID == "" && !l.RetryAt.IsZero() && !now.Before(l.RetryAt) {
				unfilled := l.OrderQty - l.FilledQty
				qty := unfilled
				if qty > available+unfilled {
					qty = available + unfilled
				}
				if qty <= 0 {
					m.failLevelLocked(l, "no quantity left to exit")
					continue
				}
				l.OrderQty = l.FilledQty + qty
				l.RetryAt = time.Time{}
				subs = append(subs, submission{level: l, qty: qty})
				continue
			}
			m.checkOrderTimeoutLocked(l, now)
		}
	}
	return subs, nil
}

func (m *Manager) levelConditionMet(l *ExitLevel, mid, gainPct float64) bool {
	switch l.ID.Kind {
	case KindTrailing:
		return m.pos.TrailingActive && m.pos.TrailingStopPrice > 0 && mid <= m.pos.TrailingStopPrice
	case KindStopLoss:
		return gainPct <= -l.TriggerPct
	default:
		return gainPct >= l.TriggerPct
	}
}

// levelQty sizes the exit. Profit targets consume their share of the
// original quantity; stop tiers a share of what remains; trailing and fixed
// stops take everything still available.
func (m *Manager) levelQty(l *ExitLevel, available int) int {
	var qty int
	switch {
	case l.ID.Kind == KindTrailing, l.ID.Kind == KindStopLoss && m.risk.StopLossType != config.StopLaddered:
		qty = available
	case l.ID.Kind == KindStopLoss:
		qty = int(math.Round(float64(m.pos.RemainingQty) * l.ExitPct / 100))
	default:
		qty = int(math.Round(float64(m.pos.InitialQty) * l.ExitPct / 100))
	}
	if qty < 1 {
		qty = 1
	}
	if qty > available {
		qty = available
	}
	return qty
}

func (m *Manager) checkOrderTimeoutLocked(l *ExitLevel, now time.Time) {
	if l.OrderID == "" || l.SubmittedAt.IsZero() || now.Sub(l.SubmittedAt) <= m.timeout {
		return
	}
	orderID := l.OrderID
	m.router.Unbind(orderID)
	l.OrderID = ""
	l.SubmittedAt = time.Time{}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.gateway.CancelOrder(ctx, orderID)
	}()

	msg := fmt.Sprintf("%s: exit order timed out after %s", l.Label, m.timeout)
	if l.Attempts >= 2 {
		m.failLevelLocked(l, msg)
		return
	}
	l.RetryAt = now.Add(m.retryBackoff)
	l.LastError = msg
	m.pushErrorLocked(msg)
}

func (m *Manager) failLevelLocked(l *ExitLevel, msg string) {
	// Fills already received stay on the books; only the unfilled tail is
	// abandoned.
	l.State = LevelFailed
	l.LastError = msg
	l.OrderID = ""
	m.pushErrorLocked(msg)
	metrics.IncOrderFailures(m.pos.Ticker)
	log.Printf("❌ position %s: %s failed: %s", m.pos.ID[:8], l.Label, msg)
}

func (m *Manager) pushErrorLocked(msg string) {
	p := m.pos
	p.RecentErrors = append(p.RecentErrors, fmt.Sprintf("%s %s", m.now().Format(time.RFC3339), msg))
	if len(p.RecentErrors) > maxRecentErrors {
		p.RecentErrors = p.RecentErrors[len(p.RecentErrors)-maxRecentErrors:]
	}
}

// submitExit places the exit order for a triggered level. Called without the
// state lock held; results are recorded back under it. A placement failure is
// retried once after a backoff, then the level goes FAILED and the remaining
// levels keep being evaluated on subsequent ticks.
func (m *Manager) submitExit(l *ExitLevel, qty int, q market.Quote) {
	clientID := uuid.NewString()
	m.router.Bind(clientID, m.handleFill)

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.lock()
	l.Attempts++
	l.OrderID = clientID
	l.SubmittedAt = m.now()
	m.unlock()

	metrics.IncOrderSubmissions(m.pos.Ticker)
	_, err := m.gateway.PlaceOrder(ctx, broker.OrderRequest{
		ClientID: clientID,
		Key:      m.pos.Contract.Key(),
		Side:     broker.Sell,
		Qty:      qty,
		Tag:      l.Label,
	})
	if err == nil {
		return
	}

	m.router.Unbind(clientID)
	m.lock()
	l.OrderID = ""
	l.SubmittedAt = time.Time{}
	msg := fmt.Sprintf("%s: exit placement failed: %v", l.Label, err)
	if l.Attempts >= 2 {
		m.failLevelLocked(l, msg)
	} else {
		l.RetryAt = m.now().Add(m.retryBackoff)
		l.LastError = msg
		m.pushErrorLocked(msg)
		log.Printf("⚠️  position %s: %s, will retry once", m.pos.ID[:8], msg)
	}
	m.unlock()
}

// handleFill accounts one execution against its level. The remaining-quantity
// invariant (initial == remaining + exited) holds after every fill.
func (m *Manager) handleFill(f broker.Fill) {
	m.lock()
	pos := m.pos
	if pos.Completed {
		m.unlock()
		return
	}

	var level *ExitLevel
	for _, l := range pos.Levels {
		if l.OrderID == f.ClientID {
			level = l
			break
		}
	}
	if level == nil {
		m.unlock()
		return
	}

	qty := f.Qty
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	level.FilledQty += qty
	pos.RemainingQty -= qty

	latency := 0.0
	if !level.SubmittedAt.IsZero() {
		latency = float64(f.At.Sub(level.SubmittedAt).Milliseconds())
	}
	pnlPct := 0.0
	if pos.EntryPrice > 0 {
		pnlPct = (f.AvgPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}
	pos.FillLog = append(pos.FillLog, FillRecord{
		Level:          level.Label,
		Qty:            qty,
		AvgPrice:       f.AvgPrice,
		RealizedPnLPct: pnlPct,
		OrderLatencyMS: latency,
		At:             f.At,
	})

	if f.Final || level.FilledQty >= level.OrderQty {
		level.State = LevelFilled
		m.router.Unbind(level.OrderID)
		level.OrderID = ""
	} else {
		level.State = LevelPartial
	}

	var done *Position
	if pos.RemainingQty == 0 {
		m.completeLocked(exitReasonFor(level.ID.Kind), m.now())
		cp := pos.Clone()
		done = &cp
	}
	m.unlock()

	if done != nil {
		m.finish(*done)
	}
}

func exitReasonFor(kind LevelKind) string {
	switch kind {
	case KindTrailing:
		return ReasonTrailing
	case KindStopLoss:
		return ReasonStopLoss
	default:
		return ReasonProfitTarget
	}
}

func (m *Manager) completeLocked(reason string, now time.Time) {
	pos := m.pos
	pos.Completed = true
	pos.ExitReason = reason
	pos.Status = StatusClosed
	pos.ClosedAt = now
	for _, l := range pos.Levels {
		if l.OrderID != "" {
			m.router.Unbind(l.OrderID)
			l.OrderID = ""
		}
	}
}

// recordSyntheticExitLocked closes the book without a broker order (manual
// close, expiry settlement).
func (m *Manager) recordSyntheticExitLocked(reason string, price float64, now time.Time) {
	pos := m.pos
	qty := pos.RemainingQty
	pnlPct := 0.0
	if pos.EntryPrice > 0 {
		pnlPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
	}
	pos.FillLog = append(pos.FillLog, FillRecord{
		Level:          reasonLevelLabel(reason),
		Qty:            qty,
		AvgPrice:       price,
		RealizedPnLPct: pnlPct,
		At:             now,
	})
	pos.RemainingQty = 0
	m.completeLocked(reason, now)
}

func reasonLevelLabel(reason string) string {
	if reason == ReasonExpired {
		return "expiry"
	}
	return "manual"
}

// ForceClose drives the position to its terminal state immediately. The book
// is zeroed first; flattening at the broker is best effort and its fills are
// not routed back, the accounting is already final.
func (m *Manager) ForceClose() (Position, error) {
	m.lock()
	pos := m.pos
	if pos.Completed {
		snap := pos.Clone()
		m.unlock()
		return snap, ErrAlreadyClosed
	}

	qty := pos.RemainingQty
	price := pos.MarkPrice
	m.recordSyntheticExitLocked(ReasonManual, price, m.now())
	snap := pos.Clone()
	m.unlock()

	if qty > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			_, err := m.gateway.PlaceOrder(ctx, broker.OrderRequest{
				ClientID: uuid.NewString(),
				Key:      snap.Contract.Key(),
				Side:     broker.Sell,
				Qty:      qty,
				Tag:      "manual_close",
			})
			if err != nil {
				log.Printf("⚠️  position %s: manual flatten failed at broker: %v", snap.ID[:8], err)
			}
		}()
	}

	log.Printf("🛑 position %s: manually closed, %d contracts flattened", snap.ID[:8], qty)
	m.finish(snap)
	return snap, nil
}

// UpdateRisk applies a new risk config to levels still PENDING. Levels that
// already fired are immutable; validation counts their consumed exit share
// against the new target set so the ladder can never exceed 100% combined.
func (m *Manager) UpdateRisk(risk config.RiskConfig) error {
	if err := risk.Validate(); err != nil {
		return err
	}

	m.lock()
	defer m.unlock()
	if m.pos.Completed {
		return ErrAlreadyClosed
	}

	consumedPct := 0.0
	var kept []*ExitLevel
	for _, l := range m.pos.Levels {
		if l.State == LevelPending {
			continue
		}
		kept = append(kept, l)
		if l.ID.Kind == KindProfitTarget {
			consumedPct += l.ExitPct
		}
	}

	newPct := 0.0
	for _, pt := range risk.ProfitTargets {
		newPct += pt.ExitPct
	}
	if consumedPct+newPct > 100 {
		return fmt.Errorf("profit targets already consumed %.1f%%; new targets add %.1f%%, exceeding 100%%", consumedPct, newPct)
	}

	fired := make(map[LevelID]bool, len(kept))
	for _, l := range kept {
		fired[l.ID] = true
	}
	for _, l := range buildLevels(risk) {
		if fired[l.ID] {
			continue
		}
		kept = append(kept, l)
	}
	m.pos.Levels = kept
	m.risk = risk
	m.timeout = risk.ExitOrderTimeout()
	return nil
}

func (m *Manager) finish(snap Position) {
	if m.onComplete != nil {
		m.onComplete(snap)
	}
}
