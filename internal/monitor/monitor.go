package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"bracketcore/internal/broker"
	"bracketcore/internal/metrics"
	"bracketcore/internal/notify"
	"bracketcore/internal/store"
	"bracketcore/internal/types"
)

const (
	// Interval is the sleep between monitor passes.
	Interval = 5 * time.Second

	// DefaultTrailingStopPercent sizes the free runner trail against the
	// last price target.
	DefaultTrailingStopPercent = 5.0

	// guardTTL is how long a taken action suppresses repeats while its
	// trigger condition keeps holding.
	guardTTL = 10 * time.Minute
)

// Monitor watches last prices against per-ticker targets. Crossing the first
// target moves stops to breakeven; crossing the final one hands a free runner
// over to a trailing stop.
type Monitor struct {
	store           store.Store
	api             broker.OrderAPI
	md              broker.MarketData
	notifier        notify.Notifier
	logger          *slog.Logger
	trailingPercent float64

	mu    sync.Mutex
	guard map[string]time.Time
	now   func() time.Time
}

// New creates a monitor. A non-positive trailingPercent falls back to the
// default.
func New(st store.Store, api broker.OrderAPI, md broker.MarketData, notifier notify.Notifier, trailingPercent float64, logger *slog.Logger) *Monitor {
	if trailingPercent <= 0 {
		trailingPercent = DefaultTrailingStopPercent
	}
	return &Monitor{
		store:           st,
		api:             api,
		md:              md,
		notifier:        notifier,
		logger:          logger,
		trailingPercent: trailingPercent,
		guard:           make(map[string]time.Time),
		now:             time.Now,
	}
}

// actionable reports whether a bracket's exits are still working. FILLED
// means the entry executed and the exit legs are live, so it stays in play.
func actionable(b *types.BracketOrder) bool {
	s := strings.ToLower(b.Status)
	return !strings.Contains(s, "cancel") && !strings.Contains(s, "close")
}

// Iterate runs one monitor pass over every ticker strategy.
func (m *Monitor) Iterate(ctx context.Context) (time.Duration, error) {
	m.pruneGuard()

	for _, strat := range m.store.Strategies() {
		if len(strat.PriceTargets) == 0 || strat.EntryPrice == nil || len(strat.Orders) == 0 {
			continue
		}

		price, err := m.md.LastPrice(ctx, strat.Ticker)
		if err != nil {
			m.logger.Warn("[MONITOR] No price for ticker",
				"ticker", strat.Ticker,
				"error", err,
			)
			continue
		}

		// Targets may arrive in any order.
		targets := append([]float64(nil), strat.PriceTargets...)
		sort.Float64s(targets)

		first := targets[0]
		last := targets[len(targets)-1]

		if price >= first {
			m.applyBreakeven(ctx, &strat, price)
		}
		if strat.FreeRunner && len(targets) > 1 && price >= last {
			m.activateFreeRunners(ctx, &strat, last, price)
		}
	}
	return 0, nil
}

// applyBreakeven moves every live stop loss to the entry price, with the
// limit a tick below entry.
func (m *Monitor) applyBreakeven(ctx context.Context, strat *types.TickerStrategy, price float64) {
	entry := *strat.EntryPrice

	for _, b := range strat.Orders {
		if !actionable(b) || b.StopLoss == nil || b.StopLoss.OrderID == "" {
			continue
		}
		key := guardKey(strat.Ticker, b.StopLoss.OrderID, "breakeven")
		if m.guarded(key) {
			continue
		}

		minVar := b.MinimumVariation
		if minVar == 0 {
			minVar = strat.MinimumVariation
		}
		limit := entry - minVar

		if err := m.api.ModifyOrder(ctx, strat.Ticker, b.StopLoss.OrderID, entry, limit); err != nil {
			m.logger.Error("[MONITOR] Breakeven modify failed",
				"ticker", strat.Ticker,
				"order_id", b.StopLoss.OrderID,
				"error", err,
			)
			continue
		}
		m.setGuard(key)
		metrics.IncOrderAction("breakeven")

		m.store.UpdateStatus(b.ParentOrderID, b.Status, map[string]any{
			"breakeven_stop":  entry,
			"breakeven_limit": limit,
		})
		m.notifier.Notify(ctx, notify.EventBreakeven, map[string]any{
			"parent_order_id": b.ParentOrderID,
			"ticker":          strat.Ticker,
			"price":           price,
			"stop_price":      entry,
			"limit_price":     limit,
		})
		m.logger.Info("[MONITOR] Stop moved to breakeven",
			"ticker", strat.Ticker,
			"parent_order_id", b.ParentOrderID,
			"stop_price", entry,
			"limit_price", limit,
		)
	}
}

// activateFreeRunners cancels a bracket's exit legs and replaces them with a
// trailing stop sized from the parent order.
func (m *Monitor) activateFreeRunners(ctx context.Context, strat *types.TickerStrategy, lastTarget, price float64) {
	trailAmount := lastTarget * m.trailingPercent / 100

	for _, b := range strat.Orders {
		if !actionable(b) || !b.FreeRunner {
			continue
		}
		key := guardKey(strat.Ticker, b.ParentOrderID, "free_runner")
		if m.guarded(key) {
			continue
		}

		qty, err := m.orderQuantity(ctx, b)
		if err != nil {
			m.logger.Warn("[MONITOR] Cannot size free runner, skipping",
				"ticker", strat.Ticker,
				"parent_order_id", b.ParentOrderID,
				"error", err,
			)
			continue
		}

		conid := b.ContractID
		if conid == 0 {
			conid, err = m.api.LookupContract(ctx, strat.Ticker)
			if err != nil {
				m.logger.Warn("[MONITOR] Cannot resolve contract for free runner",
					"ticker", strat.Ticker,
					"error", err,
				)
				continue
			}
			m.store.RecordContract(b.ParentOrderID, conid)
		}

		for _, leg := range []*types.ChildOrder{b.LimitSell, b.StopLoss} {
			if leg == nil || leg.OrderID == "" {
				continue
			}
			if err := m.api.CancelOrder(ctx, strat.Ticker, leg.OrderID); err != nil {
				m.logger.Warn("[MONITOR] Failed to cancel exit leg",
					"ticker", strat.Ticker,
					"order_id", leg.OrderID,
					"error", err,
				)
				continue
			}
			metrics.IncOrderAction("cancel")
		}

		trailID, err := m.api.PlaceTrailingStop(ctx, strat.Ticker, conid, qty, trailAmount)
		if err != nil {
			m.logger.Error("[MONITOR] Failed to place trailing stop",
				"ticker", strat.Ticker,
				"parent_order_id", b.ParentOrderID,
				"error", err,
			)
			continue
		}
		m.setGuard(key)
		metrics.IncOrderAction("trailing_stop")

		m.store.UpdateStatus(b.ParentOrderID, b.Status, map[string]any{
			"free_runner_activated":  true,
			"trailing_stop_order_id": trailID,
			"trail_amount":           trailAmount,
		})
		m.notifier.Notify(ctx, notify.EventFreeRunner, map[string]any{
			"parent_order_id":        b.ParentOrderID,
			"ticker":                 strat.Ticker,
			"price":                  price,
			"quantity":               qty,
			"trail_amount":           trailAmount,
			"trailing_stop_order_id": trailID,
		})
		m.logger.Info("[MONITOR] Free runner handed to trailing stop",
			"ticker", strat.Ticker,
			"parent_order_id", b.ParentOrderID,
			"quantity", qty,
			"trail_amount", trailAmount,
		)
	}
}

// orderQuantity sizes from the live order, falling back to the stored fill.
func (m *Monitor) orderQuantity(ctx context.Context, b *types.BracketOrder) (float64, error) {
	if qty, err := m.api.OrderSize(ctx, b.ParentOrderID); err == nil && qty > 0 {
		return qty, nil
	}
	if qty, ok := b.FillQuantity(); ok && qty > 0 {
		return qty, nil
	}
	return 0, fmt.Errorf("no quantity known for order %s", b.ParentOrderID)
}

func guardKey(ticker, orderID, action string) string {
	return ticker + "|" + orderID + "|" + action
}

func (m *Monitor) guarded(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.guard[key]
	return ok
}

func (m *Monitor) setGuard(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard[key] = m.now()
}

func (m *Monitor) pruneGuard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-guardTTL)
	for key, at := range m.guard {
		if at.Before(cutoff) {
			delete(m.guard, key)
		}
	}
}

// Status returns diagnostics for the status endpoint.
func (m *Monitor) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"interval":              Interval.String(),
		"trailing_stop_percent": m.trailingPercent,
		"guarded_actions":       len(m.guard),
	}
}
