package watcher

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"bracketcore/internal/broker"
	"bracketcore/internal/notify"
	"bracketcore/internal/store"
	"bracketcore/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func floatPtr(f float64) *float64 { return &f }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	return store.NewFileStore(filepath.Join(t.TempDir(), "orders.json"), testLogger())
}

func addBracket(t *testing.T, st store.Store, ticker, parentID string) {
	t.Helper()
	added := st.AddBrackets([]types.BracketSubmission{{
		Ticker:           ticker,
		MinimumVariation: 0.005,
		EntryPrice:       floatPtr(1.00),
		PriceTargets:     []float64{1.20, 1.50},
		Orders: []types.BracketInput{{
			ParentOrderID: parentID,
			LimitSell:     &types.ChildOrder{OrderID: parentID + "-L", Price: 1.50},
			StopLoss:      &types.ChildOrder{OrderID: parentID + "-S", Price: 0.90},
		}},
	}})
	if len(added) != 1 {
		t.Fatalf("failed to seed bracket %s", parentID)
	}
}

func newTestWatcher(t *testing.T) (*Watcher, store.Store, *broker.Mock, *notify.Recorder) {
	t.Helper()
	st := newTestStore(t)
	mock := broker.NewMock(testLogger())
	rec := notify.NewRecorder()
	w := New(st, mock, mock, rec, testLogger())
	return w, st, mock, rec
}

func TestSubscribesWhileOpenAndUnsubscribesWhenIdle(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	if _, err := w.Iterate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !mock.Subscribed() {
		t.Fatal("expected subscription while a bracket is open")
	}

	st.UpdateStatus("P-1", types.StatusClosed, nil)
	sleep, err := w.Iterate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mock.Subscribed() {
		t.Error("expected unsubscribe once nothing is open")
	}
	if sleep != IdleInterval {
		t.Errorf("expected idle interval %v, got %v", IdleInterval, sleep)
	}

	// Staying idle must not resubscribe.
	w.Iterate(context.Background())
	if got := mock.SubscribeCount(); got != 1 {
		t.Errorf("expected exactly 1 subscribe, got %d", got)
	}
}

func TestParentFillFromStream(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{
		"orderId":  "P-1",
		"status":   "Filled",
		"filled":   100.0,
		"avgPrice": 1.01,
		"conid":    4242.0,
	})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Fatalf("expected FILLED, got %s", b.Status)
	}
	if b.ContractID != 4242 {
		t.Errorf("contract id not recorded: %d", b.ContractID)
	}
	if qty, ok := b.FillQuantity(); !ok || qty != 100 {
		t.Errorf("filled_qty not stored: %v (present=%v)", qty, ok)
	}
	if fills := rec.ByType(notify.EventParentFill); len(fills) != 1 {
		t.Fatalf("expected 1 parent fill notification, got %d", len(fills))
	}
}

func TestDuplicateFillDoesNotRenotify(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	fill := map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0}
	mock.InjectOrderUpdate(fill)
	w.Iterate(context.Background())

	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0, "avgPrice": 1.02})
	w.Iterate(context.Background())

	if fills := rec.ByType(notify.EventParentFill); len(fills) != 1 {
		t.Fatalf("expected 1 parent fill notification, got %d", len(fills))
	}
	// The duplicate still refreshes details.
	b, _ := st.Get("P-1")
	if avg, ok := b.AvgFillPrice(); !ok || avg != 1.02 {
		t.Errorf("duplicate fill did not refresh avg_price: %v (present=%v)", avg, ok)
	}
}

func TestDuplicateFillWithinOneBatch(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0})
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())

	if fills := rec.ByType(notify.EventParentFill); len(fills) != 1 {
		t.Fatalf("expected 1 parent fill notification, got %d", len(fills))
	}
}

func TestChildFillMarksBracketFilled(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1-L", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Fatalf("expected FILLED after exit leg fill, got %s", b.Status)
	}
	if b.LastUpdate["exit_order_id"] != "P-1-L" {
		t.Errorf("exit leg not recorded: %v", b.LastUpdate["exit_order_id"])
	}
	if fills := rec.ByType(notify.EventChildFill); len(fills) != 1 {
		t.Fatalf("expected 1 child fill notification, got %d", len(fills))
	}
}

func TestChildFillAfterParentFillNotifiesOnce(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1-S", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())
	// Redelivery of the same exit leg execution.
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1-S", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Fatalf("expected FILLED, got %s", b.Status)
	}
	if fills := rec.ByType(notify.EventParentFill); len(fills) != 1 {
		t.Errorf("expected 1 parent fill notification, got %d", len(fills))
	}
	if fills := rec.ByType(notify.EventChildFill); len(fills) != 1 {
		t.Errorf("expected 1 child fill notification, got %d", len(fills))
	}
}

func TestMatchPriority(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")
	addBracket(t, st, "WXYZ", "P-2")

	w.Iterate(context.Background())
	// parentOrderId pointing at P-1 wins over orderId pointing at P-2.
	mock.InjectOrderUpdate(map[string]any{
		"parentOrderId": "P-1",
		"orderId":       "P-2",
		"status":        "Filled",
		"filled":        100.0,
	})
	w.Iterate(context.Background())

	b1, _ := st.Get("P-1")
	b2, _ := st.Get("P-2")
	if b1.Status != types.StatusFilled {
		t.Errorf("expected P-1 filled via parent reference, got %s", b1.Status)
	}
	if b2.Status != types.StatusOpen {
		t.Errorf("expected P-2 untouched, got %s", b2.Status)
	}
}

func TestClientOrderIDFallback(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{
		"clientOrderId": "P-1",
		"status":        "Filled",
		"filled":        100.0,
	})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Errorf("expected FILLED via client order id, got %s", b.Status)
	}
}

func TestStreamDoesNotResurrectTerminalStatus(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")
	addBracket(t, st, "WXYZ", "P-2") // keeps the watcher polling

	st.UpdateStatus("P-1", types.StatusCancelled, nil)

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Submitted"})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusCancelled {
		t.Errorf("stream update resurrected terminal status: %s", b.Status)
	}
}

func TestStreamFillDoesNotResurrectCancelled(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")
	addBracket(t, st, "WXYZ", "P-2") // keeps the watcher polling

	st.UpdateStatus("P-1", types.StatusCancelled, nil)

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusCancelled {
		t.Errorf("stream fill resurrected cancelled bracket: %s", b.Status)
	}
	if fills := rec.ByType(notify.EventParentFill); len(fills) != 0 {
		t.Errorf("expected no fill notification for cancelled bracket, got %d", len(fills))
	}
}

func TestNotReadyForcesResubscribeAndReconcile(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	if got := mock.SubscribeCount(); got != 1 {
		t.Fatalf("expected 1 subscribe, got %d", got)
	}

	// Session drops; the fill during the outage is only visible over REST.
	mock.SetReady(false)
	w.Iterate(context.Background())
	if w.Status()["subscribed"] != false {
		t.Fatal("expected subscription dropped while stream not ready")
	}

	mock.SetListOrders([]map[string]any{
		{"orderId": "P-1", "status": "Filled", "filled": 100.0},
	})
	mock.SetReady(true)
	w.Iterate(context.Background())

	if got := mock.SubscribeCount(); got != 2 {
		t.Errorf("expected resubscribe after outage, got %d subscribes", got)
	}
	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Errorf("outage fill not reconciled, status %s", b.Status)
	}
}

func TestCatchUpFillNotRenotifiedFromFirstBatch(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	// The same fill arrives via the catch-up reconciliation and in the
	// first drained stream batch.
	mock.SetListOrders([]map[string]any{
		{"orderId": "P-1", "status": "Filled", "filled": 100.0},
	})
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "Filled", "filled": 100.0})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Fatalf("expected FILLED, got %s", b.Status)
	}
	if fills := rec.ByType(notify.EventParentFill); len(fills) != 1 {
		t.Errorf("expected 1 parent fill notification, got %d", len(fills))
	}
}

func TestNonFillStatusUpdateStored(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"orderId": "P-1", "status": "PreSubmitted"})
	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != "PRESUBMITTED" {
		t.Errorf("expected PRESUBMITTED, got %s", b.Status)
	}
	if !b.IsOpen() {
		t.Error("intermediate status should stay open")
	}
}

func TestEnvelopeUnwrapFromStream(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")
	addBracket(t, st, "WXYZ", "P-2")

	w.Iterate(context.Background())
	mock.InjectOrderUpdate(map[string]any{"data": []any{
		map[string]any{"orderId": "P-1", "status": "Filled", "filled": 10.0},
		map[string]any{"orderId": "P-2", "status": "Filled", "filled": 20.0},
	}})
	w.Iterate(context.Background())

	for _, id := range []string{"P-1", "P-2"} {
		if b, _ := st.Get(id); b.Status != types.StatusFilled {
			t.Errorf("%s: expected FILLED, got %s", id, b.Status)
		}
	}
}

func TestReconcileActsOnlyOnTerminalStatuses(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")
	addBracket(t, st, "WXYZ", "P-2")

	mock.SetListOrders([]map[string]any{
		{"orderId": "P-1", "status": "Submitted"},
		{"orderId": "P-2", "status": "Cancelled"},
	})

	examined, updated, err := w.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if examined != 2 {
		t.Errorf("examined = %d, want 2", examined)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	b1, _ := st.Get("P-1")
	if b1.Status != types.StatusOpen {
		t.Errorf("non-terminal remote status changed bracket: %s", b1.Status)
	}
	b2, _ := st.Get("P-2")
	if b2.Status != types.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", b2.Status)
	}
}

func TestReconcileOverwritesTerminalStatus(t *testing.T) {
	w, st, mock, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")
	st.UpdateStatus("P-1", types.StatusFilled, nil)

	mock.SetListOrders([]map[string]any{
		{"orderId": "P-1", "status": "Cancelled"},
	})

	if _, updated, err := w.Reconcile(context.Background()); err != nil || updated != 1 {
		t.Fatalf("updated = %d, err = %v", updated, err)
	}
	b, _ := st.Get("P-1")
	if b.Status != types.StatusCancelled {
		t.Errorf("reconciliation should overwrite terminal status, got %s", b.Status)
	}
}

func TestReconcileRunsOnSubscribe(t *testing.T) {
	w, st, mock, rec := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	mock.SetListOrders([]map[string]any{
		{"orderId": "P-1", "status": "Filled", "filled": 100.0},
	})

	w.Iterate(context.Background())

	b, _ := st.Get("P-1")
	if b.Status != types.StatusFilled {
		t.Fatalf("catch-up reconciliation missed fill, status %s", b.Status)
	}
	if fills := rec.ByType(notify.EventParentFill); len(fills) != 1 {
		t.Errorf("expected 1 parent fill notification, got %d", len(fills))
	}
}

func TestStatusDiagnostics(t *testing.T) {
	w, st, _, _ := newTestWatcher(t)
	addBracket(t, st, "ABCD", "P-1")

	status := w.Status()
	if status["subscribed"] != false {
		t.Error("expected subscribed=false before first iterate")
	}

	w.Iterate(context.Background())
	status = w.Status()
	if status["subscribed"] != true {
		t.Error("expected subscribed=true while open")
	}
	if _, ok := status["last_polled_at"]; !ok {
		t.Error("expected last_polled_at after polling")
	}
}
