package pnl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bracketcore/internal/broker"
	"bracketcore/internal/metrics"
	"bracketcore/internal/store"
	"bracketcore/internal/types"
)

// Interval is the sleep between subscriber passes.
const Interval = 5 * time.Second

// Subscriber keeps market data subscriptions matched to the contract ids of
// FILLED brackets, computes unrealized P&L and publishes it per parent order.
// Contract ids are only ever learned from observed fills or positions.
type Subscriber struct {
	store     store.Store
	md        broker.MarketData
	positions broker.Positions
	pubsub    *PubSub
	logger    *slog.Logger

	mu         sync.Mutex
	subscribed map[int64]bool
}

// NewSubscriber creates a subscriber publishing into pubsub.
func NewSubscriber(st store.Store, md broker.MarketData, positions broker.Positions, pubsub *PubSub, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		store:      st,
		md:         md,
		positions:  positions,
		pubsub:     pubsub,
		logger:     logger,
		subscribed: make(map[int64]bool),
	}
}

// Iterate runs one subscriber pass.
func (s *Subscriber) Iterate(ctx context.Context) (time.Duration, error) {
	brackets := s.store.List()

	positions, err := s.positions.ListPositions(ctx)
	if err != nil {
		// Tick-based P&L still works without positions.
		s.logger.Warn("[PNL] Failed to list positions", "error", err)
		positions = nil
	}
	bySymbol := make(map[string]broker.Position, len(positions))
	byContract := make(map[int64]broker.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
		byContract[p.ContractID] = p
	}

	// Discover missing contract ids from positions, then build the wanted
	// subscription set.
	want := make(map[int64]bool)
	for i := range brackets {
		b := &brackets[i]
		if b.Status != types.StatusFilled {
			continue
		}
		if b.ContractID == 0 {
			if p, ok := bySymbol[b.Ticker]; ok && p.ContractID != 0 {
				s.store.RecordContract(b.ParentOrderID, p.ContractID)
				b.ContractID = p.ContractID
				s.logger.Info("[PNL] Contract id discovered from positions",
					"parent_order_id", b.ParentOrderID,
					"ticker", b.Ticker,
					"conid", p.ContractID,
				)
			}
		}
		if b.ContractID != 0 {
			want[b.ContractID] = true
		}
	}

	s.reconcileSubscriptions(ctx, want)

	ticks := s.md.PollMarketData()

	for i := range brackets {
		b := &brackets[i]
		if b.Status != types.StatusFilled || b.ContractID == 0 {
			continue
		}
		s.computeAndPublish(b, ticks, byContract)
	}
	return 0, nil
}

// reconcileSubscriptions diffs the wanted contract set against the active
// one.
func (s *Subscriber) reconcileSubscriptions(ctx context.Context, want map[int64]bool) {
	s.mu.Lock()
	var toAdd, toDrop []int64
	for conid := range want {
		if !s.subscribed[conid] {
			toAdd = append(toAdd, conid)
		}
	}
	for conid := range s.subscribed {
		if !want[conid] {
			toDrop = append(toDrop, conid)
		}
	}
	s.mu.Unlock()

	for _, conid := range toAdd {
		if err := s.md.SubscribeMarketData(ctx, conid); err != nil {
			s.logger.Warn("[PNL] Failed to subscribe market data", "conid", conid, "error", err)
			continue
		}
		s.mu.Lock()
		s.subscribed[conid] = true
		s.mu.Unlock()
		s.logger.Info("[PNL] Market data subscribed", "conid", conid)
	}
	for _, conid := range toDrop {
		if err := s.md.UnsubscribeMarketData(ctx, conid); err != nil {
			s.logger.Warn("[PNL] Failed to unsubscribe market data", "conid", conid, "error", err)
		}
		s.mu.Lock()
		delete(s.subscribed, conid)
		s.mu.Unlock()
		s.logger.Info("[PNL] Market data unsubscribed", "conid", conid)
	}
}

// computeAndPublish derives size and cost from the position when it carries a
// cost basis, else from the stored fill details, and skips when neither is
// derivable.
func (s *Subscriber) computeAndPublish(b *types.BracketOrder, ticks map[int64]broker.Tick, byContract map[int64]broker.Position) {
	pos, hasPos := byContract[b.ContractID]

	last := 0.0
	if tick, ok := ticks[b.ContractID]; ok {
		last = tick.LastPrice
	} else if hasPos && pos.LastPrice > 0 {
		last = pos.LastPrice
	}
	if last <= 0 {
		return
	}

	var size, avgCost float64
	if hasPos && pos.AvgCost != 0 && pos.Quantity != 0 {
		size = pos.Quantity
		avgCost = pos.AvgCost
	} else {
		qty, qok := b.FillQuantity()
		avg, aok := b.AvgFillPrice()
		if !qok || !aok || qty == 0 {
			return
		}
		size = qty
		avgCost = avg
	}

	pnl := (last - avgCost) * size
	var pct *float64
	if avgCost != 0 {
		p := pnl / (avgCost * size) * 100
		pct = &p
	}

	details := map[string]any{
		"last_price":     last,
		"unrealized_pnl": pnl,
	}
	if pct != nil {
		details["unrealized_pnl_pct"] = *pct
	}
	s.store.UpdateStatus(b.ParentOrderID, b.Status, details)

	s.pubsub.Publish(types.PnLEvent{
		Type:             "pnl",
		ParentOrderID:    b.ParentOrderID,
		ContractID:       b.ContractID,
		LastPrice:        last,
		UnrealizedPnL:    pnl,
		UnrealizedPnLPct: pct,
		UpdatedAt:        time.Now().UTC(),
	})
	metrics.IncPnLUpdate()
}

// Status returns diagnostics for the status endpoint.
func (s *Subscriber) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	conids := make([]int64, 0, len(s.subscribed))
	for conid := range s.subscribed {
		conids = append(conids, conid)
	}
	return map[string]any{
		"interval":              Interval.String(),
		"subscribed_contracts":  len(conids),
	}
}

// Close drops every market data subscription.
func (s *Subscriber) Close(ctx context.Context) {
	s.mu.Lock()
	conids := make([]int64, 0, len(s.subscribed))
	for conid := range s.subscribed {
		conids = append(conids, conid)
	}
	s.subscribed = make(map[int64]bool)
	s.mu.Unlock()

	for _, conid := range conids {
		if err := s.md.UnsubscribeMarketData(ctx, conid); err != nil {
			s.logger.Warn("[PNL] Failed to unsubscribe market data on close",
				"conid", conid,
				"error", err,
			)
		}
	}
}
