package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
)

// Binance implements Broker against the Binance spot API. Two impedance
// mismatches are bridged here: Binance has no instrument ids, so contract ids
// are derived deterministically from the symbol; and spot orders cannot be
// modified in place, so ModifyOrder is a cancel plus re-place.
type Binance struct {
	client *binance.Client
	logger *slog.Logger

	mu         sync.RWMutex
	subscribed bool
	connected  bool
	queue      []map[string]any
	stopStream chan struct{}
	streamDone chan struct{}

	// orderID -> symbol, learned from list and stream payloads. The spot API
	// needs a symbol on every per-order call.
	orderSymbols map[string]string
	// contract id <-> symbol, learned from lookups and positions.
	contractSyms map[int64]string

	mdSubs map[int64]*mdSubscription
	ticks  map[int64]Tick
}

type mdSubscription struct {
	symbol   string
	stopChan chan struct{}
	done     chan struct{}
}

// NewBinance creates a Binance-backed broker.
func NewBinance(apiKey, secretKey string, logger *slog.Logger) *Binance {
	return &Binance{
		client:       binance.NewClient(apiKey, secretKey),
		logger:       logger,
		orderSymbols: make(map[string]string),
		contractSyms: make(map[int64]string),
		mdSubs:       make(map[int64]*mdSubscription),
		ticks:        make(map[int64]Tick),
	}
}

// contractIDForSymbol derives a stable positive id from a symbol. Binance has
// no instrument ids; FNV keeps the id deterministic across restarts.
func contractIDForSymbol(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(symbol)))
	return int64(h.Sum64() & math.MaxInt64)
}

// SubscribeOrders implements OrderStream via the user data stream.
func (b *Binance) SubscribeOrders(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribed {
		return nil
	}
	b.subscribed = true
	b.stopStream = make(chan struct{})
	b.streamDone = make(chan struct{})

	go b.runOrderStream(b.stopStream, b.streamDone)

	b.logger.Info("[BINANCE] Order stream subscribed")
	return nil
}

// runOrderStream manages the user data stream with auto-reconnection.
func (b *Binance) runOrderStream(stopChan chan struct{}, done chan struct{}) {
	defer close(done)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
		cancel()
		if err != nil {
			b.logger.Error("[BINANCE] Failed to obtain listen key",
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-stopChan:
				return
			}
		}

		handler := func(event *binance.WsUserDataEvent) {
			if event.Event != binance.UserDataEventTypeExecutionReport {
				return
			}
			b.enqueueOrderUpdate(&event.OrderUpdate)
		}
		errHandler := func(err error) {
			b.logger.Error("[BINANCE] User data stream error", "error", err)
		}

		doneC, stopC, err := binance.WsUserDataServe(listenKey, handler, errHandler)
		if err != nil {
			b.logger.Error("[BINANCE] Failed to connect user data stream",
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-stopChan:
				return
			}
		}

		b.logger.Info("[BINANCE] User data stream connected")
		backoff = time.Second
		b.setConnected(true)

		// Binance expires listen keys after 60 minutes without a keepalive.
		keepalive := time.NewTicker(30 * time.Minute)

	stream:
		for {
			select {
			case <-keepalive.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					b.logger.Warn("[BINANCE] Listen key keepalive failed", "error", err)
				}
				cancel()
			case <-doneC:
				b.logger.Warn("[BINANCE] User data stream disconnected, reconnecting...")
				break stream
			case <-stopChan:
				close(stopC)
				keepalive.Stop()
				b.setConnected(false)
				return
			}
		}
		keepalive.Stop()
		b.setConnected(false)
	}
}

func (b *Binance) setConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
}

// enqueueOrderUpdate converts a Binance execution report into the generic
// payload shape PollOrders hands out.
func (b *Binance) enqueueOrderUpdate(u *binance.WsOrderUpdate) {
	orderID := strconv.FormatInt(u.Id, 10)

	filled, _ := strconv.ParseFloat(u.FilledVolume, 64)
	total, _ := strconv.ParseFloat(u.Volume, 64)
	remaining := total - filled
	if remaining < 0 {
		remaining = 0
	}

	msg := map[string]any{
		"orderId":       orderID,
		"clientOrderId": u.ClientOrderId,
		"symbol":        u.Symbol,
		"status":        u.Status,
		"filled":        filled,
		"remaining":     remaining,
		"conid":         contractIDForSymbol(u.Symbol),
	}
	if filledQuote, err := strconv.ParseFloat(u.FilledQuoteVolume, 64); err == nil && filled > 0 {
		msg["avgPrice"] = filledQuote / filled
	}

	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.orderSymbols[orderID] = u.Symbol
	b.contractSyms[contractIDForSymbol(u.Symbol)] = u.Symbol
	b.mu.Unlock()
}

// UnsubscribeOrders implements OrderStream.
func (b *Binance) UnsubscribeOrders(ctx context.Context) error {
	b.mu.Lock()
	if !b.subscribed {
		b.mu.Unlock()
		return nil
	}
	b.subscribed = false
	stopChan, done := b.stopStream, b.streamDone
	b.mu.Unlock()

	close(stopChan)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("[BINANCE] Timeout waiting for order stream to close")
	}

	b.logger.Info("[BINANCE] Order stream unsubscribed")
	return nil
}

// PollOrders implements OrderStream.
func (b *Binance) PollOrders() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

// Ready implements OrderStream.
func (b *Binance) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribed && b.connected
}

// ListOrders implements OrderAPI over the open orders endpoint.
func (b *Binance) ListOrders(ctx context.Context) ([]map[string]any, error) {
	orders, err := b.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}

	out := make([]map[string]any, 0, len(orders))
	b.mu.Lock()
	for _, o := range orders {
		orderID := strconv.FormatInt(o.OrderID, 10)
		b.orderSymbols[orderID] = o.Symbol

		filled, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
		total, _ := strconv.ParseFloat(o.OrigQuantity, 64)

		out = append(out, map[string]any{
			"orderId":       orderID,
			"clientOrderId": o.ClientOrderID,
			"symbol":        o.Symbol,
			"status":        string(o.Status),
			"filled":        filled,
			"remaining":     total - filled,
			"conid":         contractIDForSymbol(o.Symbol),
		})
	}
	b.mu.Unlock()
	return out, nil
}

// ModifyOrder implements OrderAPI as cancel plus re-place; spot orders have
// no in-place modify.
func (b *Binance) ModifyOrder(ctx context.Context, ticker, orderID string, stopPrice, limitPrice float64) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	symbol := b.symbolFor(orderID, ticker)

	cancelled, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	orig, _ := strconv.ParseFloat(cancelled.OrigQuantity, 64)
	executed, _ := strconv.ParseFloat(cancelled.ExecutedQuantity, 64)
	remaining := orig - executed
	if remaining <= 0 {
		return fmt.Errorf("order %s has no remaining quantity to re-place", orderID)
	}

	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatQuantity(remaining)).
		StopPrice(formatPrice(stopPrice)).
		Price(formatPrice(limitPrice)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-place order %s: %w", orderID, err)
	}

	newID := strconv.FormatInt(order.OrderID, 10)
	b.mu.Lock()
	b.orderSymbols[newID] = symbol
	b.mu.Unlock()

	b.logger.Info("[BINANCE] Order modified via cancel and re-place",
		"old_order_id", orderID,
		"new_order_id", newID,
		"symbol", symbol,
		"stop_price", stopPrice,
		"limit_price", limitPrice,
	)
	return nil
}

// CancelOrder implements OrderAPI.
func (b *Binance) CancelOrder(ctx context.Context, ticker, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(b.symbolFor(orderID, ticker)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	b.logger.Info("[BINANCE] Order cancelled", "order_id", orderID, "ticker", ticker)
	return nil
}

// PlaceTrailingStop implements OrderAPI. Spot has no native trailing stop
// order type, so the stop is anchored at the trail distance below the current
// price when placed.
func (b *Binance) PlaceTrailingStop(ctx context.Context, ticker string, contractID int64, quantity, trailAmount float64) (string, error) {
	symbol := b.symbolForContract(contractID, ticker)

	price, err := b.LastPrice(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("failed to price trailing stop for %s: %w", symbol, err)
	}
	if price <= trailAmount {
		return "", fmt.Errorf("trail amount %v exceeds price %v for %s", trailAmount, price, symbol)
	}

	stop := price - trailAmount

	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatQuantity(quantity)).
		StopPrice(formatPrice(stop)).
		Price(formatPrice(stop)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to place trailing stop for %s: %w", symbol, err)
	}

	orderID := strconv.FormatInt(order.OrderID, 10)
	b.mu.Lock()
	b.orderSymbols[orderID] = symbol
	b.mu.Unlock()

	b.logger.Info("[BINANCE] Trailing stop placed",
		"order_id", orderID,
		"symbol", symbol,
		"quantity", quantity,
		"trail_amount", trailAmount,
		"stop_price", stop,
	)
	return orderID, nil
}

// OrderSize implements OrderAPI. Per-order queries need a symbol, which is
// learned from stream and list payloads.
func (b *Binance) OrderSize(ctx context.Context, orderID string) (float64, error) {
	b.mu.RLock()
	symbol, ok := b.orderSymbols[orderID]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown symbol for order %s", orderID)
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}

	qty, err := strconv.ParseFloat(order.OrigQuantity, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse order quantity: %w", err)
	}
	return qty, nil
}

// LookupContract implements OrderAPI.
func (b *Binance) LookupContract(ctx context.Context, ticker string) (int64, error) {
	symbol := strings.ToUpper(ticker)
	conid := contractIDForSymbol(symbol)
	b.mu.Lock()
	b.contractSyms[conid] = symbol
	b.mu.Unlock()
	return conid, nil
}

// LastPrice implements MarketData via the public prices endpoint.
func (b *Binance) LastPrice(ctx context.Context, ticker string) (float64, error) {
	symbol := strings.ToUpper(ticker)
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price found for %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

// SubscribeMarketData implements MarketData with one agg trade stream per
// contract, reconnecting with backoff like the order stream.
func (b *Binance) SubscribeMarketData(ctx context.Context, contractID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.mdSubs[contractID]; exists {
		return nil
	}
	symbol, ok := b.contractSyms[contractID]
	if !ok {
		return fmt.Errorf("unknown contract id %d", contractID)
	}

	sub := &mdSubscription{
		symbol:   symbol,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.mdSubs[contractID] = sub

	go b.runMarketDataStream(contractID, sub)

	b.logger.Info("[BINANCE] Market data subscribed", "symbol", symbol, "conid", contractID)
	return nil
}

func (b *Binance) runMarketDataStream(contractID int64, sub *mdSubscription) {
	defer close(sub.done)

	symbol := strings.ToLower(sub.symbol)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-sub.stopChan:
			return
		default:
		}

		handler := func(event *binance.WsAggTradeEvent) {
			price, err := strconv.ParseFloat(event.Price, 64)
			if err != nil {
				b.logger.Error("[BINANCE] Failed to parse trade price",
					"symbol", sub.symbol,
					"error", err,
				)
				return
			}
			b.mu.Lock()
			b.ticks[contractID] = Tick{ContractID: contractID, LastPrice: price}
			b.mu.Unlock()
		}
		errHandler := func(err error) {
			b.logger.Error("[BINANCE] Market data stream error",
				"symbol", sub.symbol,
				"error", err,
			)
		}

		doneC, stopC, err := binance.WsAggTradeServe(symbol, handler, errHandler)
		if err != nil {
			b.logger.Error("[BINANCE] Failed to connect market data stream",
				"symbol", sub.symbol,
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-sub.stopChan:
				return
			}
		}

		backoff = time.Second

		select {
		case <-doneC:
			b.logger.Warn("[BINANCE] Market data stream disconnected, reconnecting...",
				"symbol", sub.symbol,
			)
		case <-sub.stopChan:
			close(stopC)
			return
		}
	}
}

// UnsubscribeMarketData implements MarketData.
func (b *Binance) UnsubscribeMarketData(ctx context.Context, contractID int64) error {
	b.mu.Lock()
	sub, exists := b.mdSubs[contractID]
	if !exists {
		b.mu.Unlock()
		return nil
	}
	delete(b.mdSubs, contractID)
	delete(b.ticks, contractID)
	b.mu.Unlock()

	close(sub.stopChan)
	select {
	case <-sub.done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("[BINANCE] Timeout waiting for market data stream to close",
			"symbol", sub.symbol,
		)
	}

	b.logger.Info("[BINANCE] Market data unsubscribed", "symbol", sub.symbol, "conid", contractID)
	return nil
}

// PollMarketData implements MarketData.
func (b *Binance) PollMarketData() map[int64]Tick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[int64]Tick, len(b.ticks))
	for id, tick := range b.ticks {
		out[id] = tick
	}
	return out
}

// ListPositions implements Positions from spot balances. The spot account
// does not track cost basis, so AvgCost is zero and P&L falls back to stored
// fill details downstream.
func (b *Binance) ListPositions(ctx context.Context) ([]Position, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var out []Position
	b.mu.Lock()
	for _, bal := range account.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		qty := free + locked
		if qty <= 0 {
			continue
		}
		conid := contractIDForSymbol(bal.Asset)
		b.contractSyms[conid] = strings.ToUpper(bal.Asset)
		out = append(out, Position{
			ContractID: conid,
			Symbol:     strings.ToUpper(bal.Asset),
			Quantity:   qty,
		})
	}
	b.mu.Unlock()
	return out, nil
}

// Close implements OrderStream and MarketData.
func (b *Binance) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.UnsubscribeOrders(ctx); err != nil {
		b.logger.Warn("[BINANCE] Failed to close order stream", "error", err)
	}

	b.mu.Lock()
	conids := make([]int64, 0, len(b.mdSubs))
	for id := range b.mdSubs {
		conids = append(conids, id)
	}
	b.mu.Unlock()

	for _, id := range conids {
		b.UnsubscribeMarketData(ctx, id)
	}

	b.logger.Info("[BINANCE] Broker closed")
	return nil
}

// symbolFor prefers the learned symbol for an order id, falling back to the
// upper-cased ticker.
func (b *Binance) symbolFor(orderID, ticker string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if symbol, ok := b.orderSymbols[orderID]; ok {
		return symbol
	}
	return strings.ToUpper(ticker)
}

func (b *Binance) symbolForContract(contractID int64, ticker string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if symbol, ok := b.contractSyms[contractID]; ok {
		return symbol
	}
	return strings.ToUpper(ticker)
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', 8, 64)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 8, 64)
}
