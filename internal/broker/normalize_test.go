package broker

import (
	"testing"
)

func TestUnwrapSingleObject(t *testing.T) {
	msg := map[string]any{"data": map[string]any{"orderId": "O-1"}}
	out := Unwrap(msg)
	if len(out) != 1 || out[0]["orderId"] != "O-1" {
		t.Fatalf("expected unwrapped object, got %v", out)
	}
}

func TestUnwrapArray(t *testing.T) {
	msg := map[string]any{"data": []any{
		map[string]any{"orderId": "O-1"},
		map[string]any{"orderId": "O-2"},
		"noise",
	}}
	out := Unwrap(msg)
	if len(out) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(out))
	}
	if out[1]["orderId"] != "O-2" {
		t.Errorf("unexpected second payload: %v", out[1])
	}
}

func TestUnwrapNoEnvelope(t *testing.T) {
	msg := map[string]any{"orderId": "O-1"}
	out := Unwrap(msg)
	if len(out) != 1 || out[0]["orderId"] != "O-1" {
		t.Fatalf("expected passthrough, got %v", out)
	}
}

func TestUnwrapOneLevelOnly(t *testing.T) {
	inner := map[string]any{"data": map[string]any{"orderId": "deep"}}
	msg := map[string]any{"data": inner}
	out := Unwrap(msg)
	if len(out) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(out))
	}
	// inner envelope stays intact
	if _, ok := out[0]["data"]; !ok {
		t.Error("nested data envelope should not be unwrapped")
	}
}

func TestNormalizeFieldSpellings(t *testing.T) {
	cases := []struct {
		name string
		msg  map[string]any
		want OrderUpdate
	}{
		{
			name: "camelCase",
			msg: map[string]any{
				"parentOrderId":  "P-1",
				"orderId":        "O-1",
				"clientOrderId":  "C-1",
				"orderStatus":    "Submitted",
				"filledQuantity": 10.0,
			},
			want: OrderUpdate{ParentRef: "P-1", OrderID: "O-1", ClientOrderID: "C-1", Status: "Submitted"},
		},
		{
			name: "snake_case",
			msg: map[string]any{
				"parent_order_id": "P-2",
				"order_id":        "O-2",
				"client_order_id": "C-2",
				"state":           "open",
			},
			want: OrderUpdate{ParentRef: "P-2", OrderID: "O-2", ClientOrderID: "C-2", Status: "open"},
		},
		{
			name: "legacy aliases",
			msg: map[string]any{
				"origOrderId": "P-3",
				"id":          12345,
				"cOID":        "C-3",
				"status":      "Filled",
			},
			want: OrderUpdate{ParentRef: "P-3", OrderID: "12345", ClientOrderID: "C-3", Status: "Filled"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.msg)
			if got.ParentRef != tc.want.ParentRef {
				t.Errorf("ParentRef = %q, want %q", got.ParentRef, tc.want.ParentRef)
			}
			if got.OrderID != tc.want.OrderID {
				t.Errorf("OrderID = %q, want %q", got.OrderID, tc.want.OrderID)
			}
			if got.ClientOrderID != tc.want.ClientOrderID {
				t.Errorf("ClientOrderID = %q, want %q", got.ClientOrderID, tc.want.ClientOrderID)
			}
			if got.Status != tc.want.Status {
				t.Errorf("Status = %q, want %q", got.Status, tc.want.Status)
			}
		})
	}
}

func TestNormalizeNumericStrings(t *testing.T) {
	u := Normalize(map[string]any{
		"orderId":   "O-1",
		"filled":    "100",
		"remaining": " 0 ",
		"avgPrice":  "1.05",
	})
	if u.Filled == nil || *u.Filled != 100 {
		t.Errorf("Filled = %v, want 100", u.Filled)
	}
	if u.Remaining == nil || *u.Remaining != 0 {
		t.Errorf("Remaining = %v, want 0", u.Remaining)
	}
	if u.AvgPrice == nil || *u.AvgPrice != 1.05 {
		t.Errorf("AvgPrice = %v, want 1.05", u.AvgPrice)
	}
}

func TestIsFill(t *testing.T) {
	cases := []struct {
		name string
		u    OrderUpdate
		want bool
	}{
		{"explicit filled status", OrderUpdate{Status: "Filled"}, true},
		{"filled substring", OrderUpdate{Status: "PARTIALLY_FILLED"}, true},
		{"filled qty no remaining key", OrderUpdate{Filled: floatPtr(50)}, true},
		{"filled qty zero remaining", OrderUpdate{Filled: floatPtr(50), Remaining: floatPtr(0)}, true},
		{"filled qty with remaining", OrderUpdate{Filled: floatPtr(50), Remaining: floatPtr(25)}, false},
		{"zero filled", OrderUpdate{Filled: floatPtr(0)}, false},
		{"submitted", OrderUpdate{Status: "Submitted"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.u.IsFill(); got != tc.want {
				t.Errorf("IsFill() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		"Filled":          true,
		"Cancelled":       true,
		"PendingCancel":   true,
		"closed":          true,
		"Submitted":       false,
		"PreSubmitted":    false,
		"":                false,
	} {
		u := OrderUpdate{Status: status}
		if got := u.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestDetailsCarriesRawMessage(t *testing.T) {
	msg := map[string]any{"orderId": "O-1", "status": "Filled", "filled": 100.0}
	u := Normalize(msg)
	d := u.Details()

	raw, ok := d["raw_message"].(map[string]any)
	if !ok {
		t.Fatal("raw_message missing from details")
	}
	if raw["orderId"] != "O-1" {
		t.Errorf("raw_message does not carry the source payload: %v", raw)
	}
	if d["filled_qty"] != 100.0 {
		t.Errorf("filled_qty = %v, want 100", d["filled_qty"])
	}
}

func floatPtr(f float64) *float64 { return &f }
