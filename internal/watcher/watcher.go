package watcher

import (
	"context"
	"fmt"
	"log/slog"
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
	// PollInterval is the sleep between iterations while brackets are open.
	PollInterval = time.Second
	// IdleInterval is the sleep while the book is empty of open brackets.
	IdleInterval = 5 * time.Second
)

// matchKind says which side of a bracket an update hit.
type matchKind int

const (
	matchNone matchKind = iota
	matchParent
	matchChild
)

// Watcher drives the fill lifecycle: it keeps the order stream subscribed
// exactly while open brackets exist, drains stream updates into the store and
// reconciles against the REST order list.
type Watcher struct {
	store    store.Store
	stream   broker.OrderStream
	api      broker.OrderAPI
	notifier notify.Notifier
	logger   *slog.Logger

	mu           sync.Mutex
	subscribed   bool
	lastPolledAt time.Time
}

// New creates a watcher.
func New(st store.Store, stream broker.OrderStream, api broker.OrderAPI, notifier notify.Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:    st,
		stream:   stream,
		api:      api,
		notifier: notifier,
		logger:   logger,
	}
}

// Iterate runs one watcher pass. It returns IdleInterval while nothing is
// open so the supervising loop slows down.
func (w *Watcher) Iterate(ctx context.Context) (time.Duration, error) {
	brackets := w.store.List()

	open := 0
	for i := range brackets {
		if brackets[i].IsOpen() {
			open++
		}
	}
	metrics.SetOpenBrackets(open)

	if open == 0 {
		w.ensureUnsubscribed(ctx)
		return IdleInterval, nil
	}

	transitioned, err := w.ensureSubscribed(ctx)
	if err != nil {
		return 0, err
	}
	if transitioned {
		// The catch-up reconciliation may have changed statuses.
		brackets = w.store.List()
	}

	if !w.stream.Ready() {
		// Dropping the flag forces a fresh subscribe plus catch-up
		// reconciliation next pass, covering the outage window.
		w.logger.Warn("[WATCHER] Order stream not ready, resubscribing next pass")
		w.mu.Lock()
		w.subscribed = false
		w.mu.Unlock()
		metrics.SetStreamSubscribed(false)
		return 0, nil
	}

	msgs := w.stream.PollOrders()
	w.mu.Lock()
	w.lastPolledAt = time.Now()
	w.mu.Unlock()

	for _, msg := range msgs {
		for _, update := range broker.NormalizeAll(msg) {
			w.applyStreamUpdate(ctx, &update, brackets)
		}
	}
	return 0, nil
}

// ensureSubscribed subscribes and runs a catch-up reconciliation once on the
// transition, covering fills that happened while unsubscribed. It reports
// whether a transition happened.
func (w *Watcher) ensureSubscribed(ctx context.Context) (bool, error) {
	w.mu.Lock()
	already := w.subscribed
	w.mu.Unlock()
	if already {
		return false, nil
	}

	if err := w.stream.SubscribeOrders(ctx); err != nil {
		return false, fmt.Errorf("failed to subscribe order stream: %w", err)
	}

	w.mu.Lock()
	w.subscribed = true
	w.mu.Unlock()
	metrics.SetStreamSubscribed(true)
	w.logger.Info("[WATCHER] Subscribed to order stream")

	if _, updated, err := w.Reconcile(ctx); err != nil {
		w.logger.Warn("[WATCHER] Catch-up reconciliation failed", "error", err)
	} else if updated > 0 {
		w.logger.Info("[WATCHER] Catch-up reconciliation applied", "updated", updated)
	}
	return true, nil
}

func (w *Watcher) ensureUnsubscribed(ctx context.Context) {
	w.mu.Lock()
	subscribed := w.subscribed
	w.mu.Unlock()
	if !subscribed {
		return
	}

	if err := w.stream.UnsubscribeOrders(ctx); err != nil {
		w.logger.Warn("[WATCHER] Failed to unsubscribe order stream", "error", err)
	}

	w.mu.Lock()
	w.subscribed = false
	w.mu.Unlock()
	metrics.SetStreamSubscribed(false)
	w.logger.Info("[WATCHER] Unsubscribed from order stream, no open brackets")
}

// match finds the bracket an update belongs to. A parent reference beats an
// order id match, which beats a client order id match.
func match(update *broker.OrderUpdate, brackets []types.BracketOrder) (*types.BracketOrder, matchKind) {
	if update.ParentRef != "" {
		for i := range brackets {
			if brackets[i].ParentOrderID == update.ParentRef {
				return &brackets[i], matchChild
			}
		}
	}
	if update.OrderID != "" {
		for i := range brackets {
			b := &brackets[i]
			if b.ParentOrderID == update.OrderID {
				return b, matchParent
			}
			if b.LimitSell != nil && b.LimitSell.OrderID == update.OrderID {
				return b, matchChild
			}
			if b.StopLoss != nil && b.StopLoss.OrderID == update.OrderID {
				return b, matchChild
			}
		}
	}
	if update.ClientOrderID != "" {
		for i := range brackets {
			if brackets[i].ParentOrderID == update.ClientOrderID {
				return &brackets[i], matchParent
			}
		}
	}
	return nil, matchNone
}

// applyStreamUpdate handles one normalized stream update. The stream path
// never moves a bracket out of a terminal status.
func (w *Watcher) applyStreamUpdate(ctx context.Context, update *broker.OrderUpdate, brackets []types.BracketOrder) {
	b, kind := match(update, brackets)
	if kind == matchNone {
		return
	}

	if update.ContractID != 0 {
		w.store.RecordContract(b.ParentOrderID, update.ContractID)
	}

	if update.IsFill() {
		// A cancelled or closed bracket stays put on the stream path; a
		// FILLED one may still see its exit legs execute.
		if b.IsOpen() || b.Status == types.StatusFilled {
			w.applyFill(ctx, b, kind, update, false)
		}
		return
	}

	// Non-fill update. Terminal brackets keep their status.
	if !b.IsOpen() {
		return
	}
	if update.Status != "" {
		w.store.UpdateStatus(b.ParentOrderID, update.Status, update.Details())
		b.Status = strings.ToUpper(update.Status)
		if update.IsTerminal() {
			w.notifier.Notify(ctx, notify.EventStatusChange, map[string]any{
				"parent_order_id": b.ParentOrderID,
				"ticker":          b.Ticker,
				"status":          strings.ToUpper(update.Status),
			})
		}
	}
}

// applyFill records a fill. Parent and child fills both mark the bracket
// FILLED; only the notification distinguishes them. An already recorded fill
// refreshes details without re-notifying. Returns whether the fill was new.
func (w *Watcher) applyFill(ctx context.Context, b *types.BracketOrder, kind matchKind, update *broker.OrderUpdate, fromReconcile bool) bool {
	event := notify.EventParentFill
	metricKind := "parent"
	if kind == matchChild {
		event = notify.EventChildFill
		metricKind = "child"
	}

	details := update.Details()
	if kind == matchChild && update.OrderID != "" {
		details["exit_order_id"] = update.OrderID
	}

	// A parent fill on a FILLED bracket is a duplicate; a child fill is
	// only a duplicate once that exit leg's execution has been recorded.
	duplicate := b.Status == types.StatusFilled
	if kind == matchChild {
		duplicate = duplicate && b.LastUpdate != nil && b.LastUpdate["exit_order_id"] == update.OrderID
	}
	if duplicate {
		// Keep the freshest details only.
		w.store.UpdateStatus(b.ParentOrderID, types.StatusFilled, details)
		return false
	}

	w.store.UpdateStatus(b.ParentOrderID, types.StatusFilled, details)
	// Keep the working snapshot consistent within a batch.
	b.Status = types.StatusFilled
	if kind == matchChild {
		if b.LastUpdate == nil {
			b.LastUpdate = make(map[string]any)
		}
		b.LastUpdate["exit_order_id"] = update.OrderID
	}
	metrics.IncFill(metricKind)
	if fromReconcile {
		metrics.IncReconcileUpdate()
	}

	payload := map[string]any{
		"parent_order_id": b.ParentOrderID,
		"ticker":          b.Ticker,
		"order_id":        update.OrderID,
		"status":          types.StatusFilled,
	}
	if update.Filled != nil {
		payload["filled_qty"] = *update.Filled
	}
	if update.AvgPrice != nil {
		payload["avg_price"] = *update.AvgPrice
	}
	w.notifier.Notify(ctx, event, payload)

	w.logger.Info("[WATCHER] Fill recorded",
		"parent_order_id", b.ParentOrderID,
		"ticker", b.Ticker,
		"kind", metricKind,
		"order_id", update.OrderID,
	)
	return true
}

// Reconcile pulls the current order list over REST and applies terminal
// remote statuses. Unlike the stream path, a terminal remote status may
// overwrite a terminal local one; REST is authoritative.
func (w *Watcher) Reconcile(ctx context.Context) (examined, updated int, err error) {
	orders, err := w.api.ListOrders(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list orders for reconciliation: %w", err)
	}

	brackets := w.store.List()

	for _, raw := range orders {
		for _, payload := range broker.Unwrap(raw) {
			update := broker.Normalize(payload)
			examined++

			if !update.IsTerminal() {
				continue
			}
			b, kind := match(&update, brackets)
			if kind == matchNone {
				continue
			}

			if update.ContractID != 0 {
				w.store.RecordContract(b.ParentOrderID, update.ContractID)
			}

			if update.IsFill() {
				if w.applyFill(ctx, b, kind, &update, true) {
					updated++
				}
				continue
			}

			newStatus := reconcileStatus(&update)
			if b.Status == newStatus {
				continue
			}
			w.store.UpdateStatus(b.ParentOrderID, newStatus, update.Details())
			metrics.IncReconcileUpdate()
			w.notifier.Notify(ctx, notify.EventStatusChange, map[string]any{
				"parent_order_id": b.ParentOrderID,
				"ticker":          b.Ticker,
				"status":          newStatus,
			})
			w.logger.Info("[WATCHER] Reconciled bracket status",
				"parent_order_id", b.ParentOrderID,
				"status", newStatus,
			)
			updated++
			b.Status = newStatus
		}
	}
	return examined, updated, nil
}

// reconcileStatus maps a terminal remote status onto the stored one.
func reconcileStatus(update *broker.OrderUpdate) string {
	s := strings.ToUpper(update.Status)
	switch {
	case strings.Contains(s, "CANCEL"):
		return types.StatusCancelled
	case strings.Contains(s, "CLOSED"):
		return types.StatusClosed
	default:
		return types.StatusFilled
	}
}

// Status returns diagnostics for the status endpoint.
func (w *Watcher) Status() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := map[string]any{
		"subscribed":    w.subscribed,
		"poll_interval": PollInterval.String(),
		"idle_interval": IdleInterval.String(),
	}
	if !w.lastPolledAt.IsZero() {
		out["last_polled_at"] = w.lastPolledAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Close unsubscribes, best effort.
func (w *Watcher) Close(ctx context.Context) {
	w.ensureUnsubscribed(ctx)
}
