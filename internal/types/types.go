package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Well-known bracket statuses. The store also keeps raw broker statuses
// (e.g. "PRESUBMITTED") verbatim; they are normalized to upper case only.
const (
	StatusOpen      = "OPEN"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusClosed    = "CLOSED"
)

// IsOpenStatus reports whether a status string still counts as non-terminal.
// A bracket is open unless its status contains a fill/cancel/close substring.
func IsOpenStatus(status string) bool {
	s := strings.ToLower(status)
	for _, k := range []string{"fill", "cancel", "close"} {
		if strings.Contains(s, k) {
			return false
		}
	}
	return true
}

// ChildOrder references an exit leg (limit sell or stop loss) of a bracket.
type ChildOrder struct {
	OrderID string  `json:"order_id"`
	Price   float64 `json:"price,omitempty"`
}

// UnmarshalJSON accepts either a bare order-id string or the object form.
func (c *ChildOrder) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.OrderID = s
		c.Price = 0
		return nil
	}

	type childOrderAlias ChildOrder
	var alias childOrderAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*c = ChildOrder(alias)
	return nil
}

// BracketOrder is one parent entry order plus references to its exit legs.
// ParentOrderID is globally unique across the whole store.
type BracketOrder struct {
	Ticker           string         `json:"ticker"`
	ParentOrderID    string         `json:"parent_order_id"`
	CreatedAt        time.Time      `json:"created_at"`
	Status           string         `json:"status"`
	LimitSell        *ChildOrder    `json:"limit_sell"`
	StopLoss         *ChildOrder    `json:"stop_loss"`
	TargetPrice      *float64       `json:"target_price"`
	StopLossPrice    *float64       `json:"stop_loss_price"`
	FreeRunner       bool           `json:"free_runner"`
	MinimumVariation float64        `json:"minimum_variation"`
	ContractID       int64          `json:"conid,omitempty"`
	LastUpdate       map[string]any `json:"last_update,omitempty"`
}

// IsOpen reports whether the bracket is still non-terminal.
func (b *BracketOrder) IsOpen() bool {
	return IsOpenStatus(b.Status)
}

// FillQuantity returns the filled quantity recorded in last_update, if any.
func (b *BracketOrder) FillQuantity() (float64, bool) {
	return lastUpdateFloat(b.LastUpdate, "filled_qty")
}

// AvgFillPrice returns the average fill price recorded in last_update, if any.
func (b *BracketOrder) AvgFillPrice() (float64, bool) {
	return lastUpdateFloat(b.LastUpdate, "avg_price")
}

func lastUpdateFloat(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		var f float64
		if err := json.Unmarshal([]byte(v), &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// TickerStrategy groups every bracket for one ticker together with the
// ticker-level strategy fields the price-target monitor reads.
type TickerStrategy struct {
	Ticker           string          `json:"ticker"`
	MinimumVariation float64         `json:"minimum_variation"`
	EntryPrice       *float64        `json:"entry_price,omitempty"`
	FreeRunner       bool            `json:"free_runner,omitempty"`
	PriceTargets     []float64       `json:"price_targets,omitempty"`
	Orders           []*BracketOrder `json:"orders"`
}

// BracketInput is one parent order in a submission. Child legs accept either
// a bare order-id string or the {order_id, price} object form.
type BracketInput struct {
	ParentOrderID string      `json:"parent_order_id"`
	LimitSell     *ChildOrder `json:"limit_sell,omitempty"`
	StopLoss      *ChildOrder `json:"stop_loss,omitempty"`
	TargetPrice   *float64    `json:"target_price,omitempty"`
	StopLossPrice *float64    `json:"stop_loss_price,omitempty"`
	Status        string      `json:"status,omitempty"`
	CreatedAt     *time.Time  `json:"created_at,omitempty"`

	FreeRunner      *bool `json:"free_runner,omitempty"`
	FreeRunnerCamel *bool `json:"freeRunner,omitempty"`
}

// FreeRunnerFlag resolves the snake_case field with the legacy camelCase
// spelling as fallback.
func (b *BracketInput) FreeRunnerFlag() bool {
	if b.FreeRunner != nil {
		return *b.FreeRunner
	}
	if b.FreeRunnerCamel != nil {
		return *b.FreeRunnerCamel
	}
	return false
}

// BracketSubmission carries the ticker-level strategy fields plus the parent
// orders to register for that ticker.
type BracketSubmission struct {
	Ticker           string         `json:"ticker"`
	MinimumVariation float64        `json:"minimum_variation,omitempty"`
	EntryPrice       *float64       `json:"entry_price,omitempty"`
	PriceTargets     []float64      `json:"price_targets,omitempty"`
	Orders           []BracketInput `json:"orders"`

	FreeRunner      *bool `json:"free_runner,omitempty"`
	FreeRunnerCamel *bool `json:"freeRunner,omitempty"`
}

// FreeRunnerFlag resolves free_runner with the legacy freeRunner fallback,
// reporting whether either spelling was present at all.
func (s *BracketSubmission) FreeRunnerFlag() (value, present bool) {
	if s.FreeRunner != nil {
		return *s.FreeRunner, true
	}
	if s.FreeRunnerCamel != nil {
		return *s.FreeRunnerCamel, true
	}
	return false, false
}

// PnLEvent is published on the per-parent-order topic whenever the position
// subscriber recomputes P&L for a filled bracket.
type PnLEvent struct {
	Type             string    `json:"type"`
	ParentOrderID    string    `json:"parent_order_id"`
	ContractID       int64     `json:"conid"`
	LastPrice        float64   `json:"last_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	UnrealizedPnLPct *float64  `json:"unrealized_pnl_pct,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}
