package broker

import (
	"strconv"
	"strings"
)

// Broker payloads spell the same fields differently depending on endpoint and
// session age. Each list is ordered by preference; the first present key wins.
var (
	parentRefKeys = []string{"parentOrderId", "parent_order_id", "origOrderId", "orig_order_id"}
	orderIDKeys   = []string{"orderId", "order_id", "id"}
	clientIDKeys  = []string{"clientOrderId", "client_order_id", "cOID", "clientId"}
	statusKeys    = []string{"status", "orderStatus", "state"}
	filledKeys    = []string{"filled", "filled_qty", "filledQuantity"}
	remainingKeys = []string{"remaining", "remaining_qty", "remainingQuantity"}
	avgPriceKeys  = []string{"avgPrice", "avg_price", "avg_fill_price"}
	tickerKeys    = []string{"ticker", "symbol"}
	contractKeys  = []string{"conid", "contract_id", "contractId"}
)

// OrderUpdate is a broker order message reduced to the fields the watcher
// matches and acts on. Pointer fields distinguish absent from zero.
type OrderUpdate struct {
	ParentRef     string
	OrderID       string
	ClientOrderID string
	Status        string
	Filled        *float64
	Remaining     *float64
	AvgPrice      *float64
	Ticker        string
	ContractID    int64
	Raw           map[string]any
}

// Unwrap peels exactly one {"data": ...} envelope level. A data object yields
// one payload, a data array yields one per element, anything else returns the
// message as-is.
func Unwrap(msg map[string]any) []map[string]any {
	data, ok := msg["data"]
	if !ok {
		return []map[string]any{msg}
	}
	switch d := data.(type) {
	case map[string]any:
		return []map[string]any{d}
	case []any:
		var out []map[string]any
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return []map[string]any{msg}
	}
}

// Normalize extracts the matchable fields from one unwrapped payload.
func Normalize(msg map[string]any) OrderUpdate {
	u := OrderUpdate{Raw: msg}
	u.ParentRef = firstString(msg, parentRefKeys)
	u.OrderID = firstString(msg, orderIDKeys)
	u.ClientOrderID = firstString(msg, clientIDKeys)
	u.Status = firstString(msg, statusKeys)
	u.Filled = firstFloat(msg, filledKeys)
	u.Remaining = firstFloat(msg, remainingKeys)
	u.AvgPrice = firstFloat(msg, avgPriceKeys)
	u.Ticker = strings.ToUpper(firstString(msg, tickerKeys))
	if f := firstFloat(msg, contractKeys); f != nil {
		u.ContractID = int64(*f)
	}
	return u
}

// NormalizeAll unwraps and normalizes a raw stream message.
func NormalizeAll(msg map[string]any) []OrderUpdate {
	payloads := Unwrap(msg)
	out := make([]OrderUpdate, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, Normalize(p))
	}
	return out
}

// IsFill reports whether an update describes a filled order: an explicit
// FILLED status, or a positive filled quantity with nothing remaining.
func (u *OrderUpdate) IsFill() bool {
	if strings.Contains(strings.ToUpper(u.Status), "FILLED") {
		return true
	}
	if u.Filled != nil && *u.Filled > 0 {
		return u.Remaining == nil || *u.Remaining == 0
	}
	return false
}

// IsTerminal reports whether the update's status is one reconciliation may
// act on. Anything else is an intermediate state left untouched.
func (u *OrderUpdate) IsTerminal() bool {
	s := strings.ToUpper(u.Status)
	for _, k := range []string{"FILLED", "CANCEL", "CLOSED"} {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Details returns the fill fields in storage form for last_update merging.
// The raw payload rides along for forensics.
func (u *OrderUpdate) Details() map[string]any {
	d := make(map[string]any, 5)
	if u.Status != "" {
		d["status"] = u.Status
	}
	if u.Filled != nil {
		d["filled_qty"] = *u.Filled
	}
	if u.Remaining != nil {
		d["remaining_qty"] = *u.Remaining
	}
	if u.AvgPrice != nil {
		d["avg_price"] = *u.AvgPrice
	}
	if u.Raw != nil {
		d["raw_message"] = u.Raw
	}
	return d
}

func firstString(msg map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := msg[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case int:
			return strconv.Itoa(s)
		case int64:
			return strconv.FormatInt(s, 10)
		}
	}
	return ""
}

func firstFloat(msg map[string]any, keys []string) *float64 {
	for _, k := range keys {
		v, ok := msg[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			f := n
			return &f
		case int:
			f := float64(n)
			return &f
		case int64:
			f := float64(n)
			return &f
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}
