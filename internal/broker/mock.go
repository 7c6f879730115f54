package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ModifyCall records one ModifyOrder invocation.
type ModifyCall struct {
	Ticker     string
	OrderID    string
	StopPrice  float64
	LimitPrice float64
}

// TrailingStopCall records one PlaceTrailingStop invocation.
type TrailingStopCall struct {
	Ticker      string
	ContractID  int64
	Quantity    float64
	TrailAmount float64
}

// Mock implements Broker in memory for tests and for MOCK_MODE runs. Tests
// drive it through the Inject helpers and read back recorded calls.
type Mock struct {
	logger *slog.Logger

	mu               sync.RWMutex
	subscribed       bool
	ready            bool
	queue            []map[string]any
	listOrders       []map[string]any
	listOrdersErr    error
	orderSizes       map[string]float64
	contracts        map[string]int64
	prices           map[string]float64
	ticks            map[int64]Tick
	mdSubs           map[int64]bool
	positions        []Position
	positionsErr     error
	modifyErr        error
	cancelErr        error
	trailingErr      error
	modifyCalls      []ModifyCall
	cancelCalls      []string
	trailingCalls    []TrailingStopCall
	subscribeCount   atomic.Int64
	unsubscribeCount atomic.Int64
	trailingIDSeq    atomic.Int64
}

// MockOption configures the mock broker.
type MockOption func(*Mock)

// WithPrice seeds a last price for a ticker.
func WithPrice(ticker string, price float64) MockOption {
	return func(m *Mock) {
		m.prices[strings.ToUpper(ticker)] = price
	}
}

// WithContract seeds a ticker to contract id mapping.
func WithContract(ticker string, contractID int64) MockOption {
	return func(m *Mock) {
		m.contracts[strings.ToUpper(ticker)] = contractID
	}
}

// WithOrderSize seeds the share count reported for an order id.
func WithOrderSize(orderID string, size float64) MockOption {
	return func(m *Mock) {
		m.orderSizes[orderID] = size
	}
}

// WithPositions seeds the position list.
func WithPositions(positions ...Position) MockOption {
	return func(m *Mock) {
		m.positions = positions
	}
}

// NewMock creates a mock broker.
func NewMock(logger *slog.Logger, opts ...MockOption) *Mock {
	m := &Mock{
		logger:     logger,
		ready:      true,
		orderSizes: make(map[string]float64),
		contracts:  make(map[string]int64),
		prices:     make(map[string]float64),
		ticks:      make(map[int64]Tick),
		mdSubs:     make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubscribeOrders implements OrderStream.
func (m *Mock) SubscribeOrders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = true
	m.subscribeCount.Add(1)
	m.logger.Debug("[MOCK] Order stream subscribed")
	return nil
}

// UnsubscribeOrders implements OrderStream.
func (m *Mock) UnsubscribeOrders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = false
	m.unsubscribeCount.Add(1)
	m.logger.Debug("[MOCK] Order stream unsubscribed")
	return nil
}

// PollOrders implements OrderStream.
func (m *Mock) PollOrders() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

// Ready implements OrderStream.
func (m *Mock) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// ListOrders implements OrderAPI.
func (m *Mock) ListOrders(ctx context.Context) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listOrdersErr != nil {
		return nil, m.listOrdersErr
	}
	out := make([]map[string]any, len(m.listOrders))
	copy(out, m.listOrders)
	return out, nil
}

// ModifyOrder implements OrderAPI.
func (m *Mock) ModifyOrder(ctx context.Context, ticker, orderID string, stopPrice, limitPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modifyErr != nil {
		return m.modifyErr
	}
	m.modifyCalls = append(m.modifyCalls, ModifyCall{
		Ticker:     ticker,
		OrderID:    orderID,
		StopPrice:  stopPrice,
		LimitPrice: limitPrice,
	})
	m.logger.Info("[MOCK] Order modified",
		"ticker", ticker,
		"order_id", orderID,
		"stop_price", stopPrice,
		"limit_price", limitPrice,
	)
	return nil
}

// CancelOrder implements OrderAPI.
func (m *Mock) CancelOrder(ctx context.Context, ticker, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelCalls = append(m.cancelCalls, orderID)
	m.logger.Info("[MOCK] Order cancelled", "ticker", ticker, "order_id", orderID)
	return nil
}

// PlaceTrailingStop implements OrderAPI.
func (m *Mock) PlaceTrailingStop(ctx context.Context, ticker string, contractID int64, quantity, trailAmount float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trailingErr != nil {
		return "", m.trailingErr
	}
	m.trailingCalls = append(m.trailingCalls, TrailingStopCall{
		Ticker:      ticker,
		ContractID:  contractID,
		Quantity:    quantity,
		TrailAmount: trailAmount,
	})
	orderID := fmt.Sprintf("MOCK-TRAIL-%d", m.trailingIDSeq.Add(1))
	m.logger.Info("[MOCK] Trailing stop placed",
		"order_id", orderID,
		"ticker", ticker,
		"quantity", quantity,
		"trail_amount", trailAmount,
	)
	return orderID, nil
}

// OrderSize implements OrderAPI.
func (m *Mock) OrderSize(ctx context.Context, orderID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	size, ok := m.orderSizes[orderID]
	if !ok {
		return 0, fmt.Errorf("order %s not found", orderID)
	}
	return size, nil
}

// LookupContract implements OrderAPI.
func (m *Mock) LookupContract(ctx context.Context, ticker string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conid, ok := m.contracts[strings.ToUpper(ticker)]
	if !ok {
		return 0, fmt.Errorf("no contract for %s", ticker)
	}
	return conid, nil
}

// LastPrice implements MarketData.
func (m *Mock) LastPrice(ctx context.Context, ticker string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[strings.ToUpper(ticker)]
	if !ok {
		return 0, fmt.Errorf("no price for %s", ticker)
	}
	return price, nil
}

// SubscribeMarketData implements MarketData.
func (m *Mock) SubscribeMarketData(ctx context.Context, contractID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mdSubs[contractID] = true
	return nil
}

// UnsubscribeMarketData implements MarketData.
func (m *Mock) UnsubscribeMarketData(ctx context.Context, contractID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mdSubs, contractID)
	delete(m.ticks, contractID)
	return nil
}

// PollMarketData implements MarketData.
func (m *Mock) PollMarketData() map[int64]Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Tick, len(m.ticks))
	for id, tick := range m.ticks {
		if m.mdSubs[id] {
			out[id] = tick
		}
	}
	return out
}

// ListPositions implements Positions.
func (m *Mock) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	out := make([]Position, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

// Close implements OrderStream and MarketData.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = false
	m.mdSubs = make(map[int64]bool)
	m.logger.Info("[MOCK] Broker closed")
	return nil
}

// InjectOrderUpdate queues a raw order message for the next PollOrders.
func (m *Mock) InjectOrderUpdate(msg map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, msg)
}

// InjectTick sets the latest tick for a contract.
func (m *Mock) InjectTick(contractID int64, lastPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[contractID] = Tick{ContractID: contractID, LastPrice: lastPrice}
}

// SetPrice updates the last price for a ticker.
func (m *Mock) SetPrice(ticker string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[strings.ToUpper(ticker)] = price
}

// SetListOrders sets the payloads returned by ListOrders.
func (m *Mock) SetListOrders(orders []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listOrders = orders
}

// SetPositions replaces the position list.
func (m *Mock) SetPositions(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetReady toggles stream readiness.
func (m *Mock) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// SetModifyError makes ModifyOrder fail.
func (m *Mock) SetModifyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifyErr = err
}

// SetListOrdersError makes ListOrders fail.
func (m *Mock) SetListOrdersError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listOrdersErr = err
}

// ModifyCalls returns recorded ModifyOrder calls.
func (m *Mock) ModifyCalls() []ModifyCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModifyCall, len(m.modifyCalls))
	copy(out, m.modifyCalls)
	return out
}

// CancelCalls returns the order ids passed to CancelOrder.
func (m *Mock) CancelCalls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.cancelCalls))
	copy(out, m.cancelCalls)
	return out
}

// TrailingStopCalls returns recorded PlaceTrailingStop calls.
func (m *Mock) TrailingStopCalls() []TrailingStopCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TrailingStopCall, len(m.trailingCalls))
	copy(out, m.trailingCalls)
	return out
}

// Subscribed reports current order stream subscription state.
func (m *Mock) Subscribed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribed
}

// SubscribeCount returns how many times SubscribeOrders was called.
func (m *Mock) SubscribeCount() int64 {
	return m.subscribeCount.Load()
}

// UnsubscribeCount returns how many times UnsubscribeOrders was called.
func (m *Mock) UnsubscribeCount() int64 {
	return m.unsubscribeCount.Load()
}

// MarketDataSubscriptions returns the currently subscribed contract ids.
func (m *Mock) MarketDataSubscriptions() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.mdSubs))
	for id := range m.mdSubs {
		out = append(out, id)
	}
	return out
}
