package broker

import (
	"context"
)

// OrderStream delivers asynchronous order status updates. Subscription is
// per-process: the watcher subscribes while it has open brackets and
// unsubscribes when the book goes quiet.
type OrderStream interface {
	// SubscribeOrders opens the order update stream.
	SubscribeOrders(ctx context.Context) error

	// UnsubscribeOrders closes the order update stream. Best effort.
	UnsubscribeOrders(ctx context.Context) error

	// PollOrders drains every order update buffered since the last call.
	// Messages are raw broker payloads; callers normalize them.
	PollOrders() []map[string]any

	// Ready reports whether the stream session is usable.
	Ready() bool

	// Close tears the stream down.
	Close() error
}

// OrderAPI is the synchronous order surface used for reconciliation and for
// the price-target monitor's stop adjustments.
type OrderAPI interface {
	// ListOrders returns current orders as raw broker payloads.
	ListOrders(ctx context.Context) ([]map[string]any, error)

	// ModifyOrder rewrites the stop and limit prices of an existing order.
	ModifyOrder(ctx context.Context, ticker, orderID string, stopPrice, limitPrice float64) error

	// CancelOrder cancels an order.
	CancelOrder(ctx context.Context, ticker, orderID string) error

	// PlaceTrailingStop submits a trailing stop sell for the given quantity,
	// trailing the market by the absolute trailAmount.
	PlaceTrailingStop(ctx context.Context, ticker string, contractID int64, quantity, trailAmount float64) (orderID string, err error)

	// OrderSize returns the share count of an order.
	OrderSize(ctx context.Context, orderID string) (float64, error)

	// LookupContract resolves a ticker to a broker contract id.
	LookupContract(ctx context.Context, ticker string) (int64, error)
}

// Tick is one market data observation for a contract.
type Tick struct {
	ContractID int64
	LastPrice  float64
}

// MarketData serves last prices, both on demand and as a polled subscription
// feed keyed by contract id.
type MarketData interface {
	// LastPrice returns the most recent trade price for a ticker.
	LastPrice(ctx context.Context, ticker string) (float64, error)

	// SubscribeMarketData starts streaming ticks for a contract.
	SubscribeMarketData(ctx context.Context, contractID int64) error

	// UnsubscribeMarketData stops streaming ticks for a contract.
	UnsubscribeMarketData(ctx context.Context, contractID int64) error

	// PollMarketData drains the latest tick per subscribed contract.
	PollMarketData() map[int64]Tick

	// Close tears down all market data streams.
	Close() error
}

// Position is one holding reported by the broker.
type Position struct {
	ContractID int64
	Symbol     string
	Quantity   float64
	AvgCost    float64
	LastPrice  float64
}

// Positions lists current holdings.
type Positions interface {
	ListPositions(ctx context.Context) ([]Position, error)
}

// Broker bundles every collaborator surface a full adapter provides.
type Broker interface {
	OrderStream
	OrderAPI
	MarketData
	Positions
}
