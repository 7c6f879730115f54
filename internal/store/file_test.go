package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"bracketcore/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func floatPtr(f float64) *float64 { return &f }

func boolPtr(b bool) *bool { return &b }

func testSubmission() types.BracketSubmission {
	return types.BracketSubmission{
		Ticker:           "abcd",
		MinimumVariation: 0.005,
		EntryPrice:       floatPtr(1.00),
		PriceTargets:     []float64{1.20, 1.50},
		FreeRunner:       boolPtr(true),
		Orders: []types.BracketInput{
			{
				ParentOrderID: "P-1",
				LimitSell:     &types.ChildOrder{OrderID: "L-1", Price: 1.50},
				StopLoss:      &types.ChildOrder{OrderID: "S-1", Price: 0.90},
				TargetPrice:   floatPtr(1.50),
				StopLossPrice: floatPtr(0.90),
			},
		},
	}
}

func TestAddBracketsAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	s := NewFileStore(path, testLogger())

	added := s.AddBrackets([]types.BracketSubmission{testSubmission()})
	if len(added) != 1 || added[0] != "P-1" {
		t.Fatalf("expected [P-1], got %v", added)
	}

	rec, ok := s.Get("P-1")
	if !ok {
		t.Fatal("bracket not found after add")
	}
	if rec.Ticker != "ABCD" {
		t.Errorf("expected ticker upper-cased to ABCD, got %s", rec.Ticker)
	}
	if rec.Status != types.StatusOpen {
		t.Errorf("expected status OPEN, got %s", rec.Status)
	}
	if !rec.FreeRunner {
		t.Error("free_runner flag not propagated to bracket")
	}
	if rec.MinimumVariation != 0.005 {
		t.Errorf("expected minimum_variation 0.005, got %v", rec.MinimumVariation)
	}
}

func TestDuplicateSubmissionSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	s := NewFileStore(path, testLogger())

	if added := s.AddBrackets([]types.BracketSubmission{testSubmission()}); len(added) != 1 {
		t.Fatalf("first add: expected 1 id, got %v", added)
	}
	if added := s.AddBrackets([]types.BracketSubmission{testSubmission()}); len(added) != 0 {
		t.Fatalf("duplicate add: expected no ids, got %v", added)
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("expected 1 bracket after duplicate add, got %d", got)
	}
}

func TestRoundTripPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")

	s := NewFileStore(path, testLogger())
	s.AddBrackets([]types.BracketSubmission{testSubmission()})
	if !s.UpdateStatus("P-1", "Filled", map[string]any{"filled_qty": 100.0, "avg_price": 1.01}) {
		t.Fatal("UpdateStatus returned false")
	}
	s.Close()

	reloaded := NewFileStore(path, testLogger())
	rec, ok := reloaded.Get("P-1")
	if !ok {
		t.Fatal("bracket lost across reload")
	}
	if rec.Status != types.StatusFilled {
		t.Errorf("expected status FILLED after reload, got %s", rec.Status)
	}
	if qty, ok := rec.FillQuantity(); !ok || qty != 100 {
		t.Errorf("expected filled_qty 100 after reload, got %v (present=%v)", qty, ok)
	}
	if rec.LimitSell == nil || rec.LimitSell.OrderID != "L-1" {
		t.Errorf("limit_sell leg lost across reload: %+v", rec.LimitSell)
	}

	strats := reloaded.Strategies()
	if len(strats) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(strats))
	}
	st := strats[0]
	if st.EntryPrice == nil || *st.EntryPrice != 1.00 {
		t.Errorf("entry_price lost across reload: %v", st.EntryPrice)
	}
	if len(st.PriceTargets) != 2 || st.PriceTargets[1] != 1.50 {
		t.Errorf("price_targets lost across reload: %v", st.PriceTargets)
	}
	if !st.FreeRunner {
		t.Error("free_runner lost across reload")
	}
}

func TestLegacyFlatMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	legacy := map[string]any{
		"P-9": map[string]any{
			"parent_order_id": "P-9",
			"ticker":          "wxyz",
			"status":          "OPEN",
			"limit_sell":      "L-9",
			"stop_loss":       map[string]any{"order_id": "S-9", "price": 0.80},
			"freeRunner":      true,
		},
	}
	raw, err := json.Marshal(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	s := NewFileStore(path, testLogger())
	rec, ok := s.Get("P-9")
	if !ok {
		t.Fatal("legacy bracket not migrated")
	}
	if rec.Ticker != "WXYZ" {
		t.Errorf("expected ticker WXYZ, got %s", rec.Ticker)
	}
	if !rec.FreeRunner {
		t.Error("legacy freeRunner spelling not normalized")
	}
	if rec.LimitSell == nil || rec.LimitSell.OrderID != "L-9" {
		t.Errorf("string-form child order not decoded: %+v", rec.LimitSell)
	}
	if rec.StopLoss == nil || rec.StopLoss.Price != 0.80 {
		t.Errorf("object-form child order not decoded: %+v", rec.StopLoss)
	}

	// A mutation rewrites in the grouped shape.
	s.UpdateStatus("P-9", "FILLED", nil)
	reloaded := NewFileStore(path, testLogger())
	if rec, ok := reloaded.Get("P-9"); !ok || rec.Status != types.StatusFilled {
		t.Fatalf("migrated shape did not survive rewrite: %+v ok=%v", rec, ok)
	}
}

func TestMalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(path, testLogger())
	if got := len(s.List()); got != 0 {
		t.Fatalf("expected empty store from malformed file, got %d brackets", got)
	}
}

func TestEnvPathOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env-orders.json")
	t.Setenv(EnvStorageFile, path)

	s := NewFileStore("", testLogger())
	if s.Path() != path {
		t.Fatalf("expected path %s from env, got %s", path, s.Path())
	}
	s.AddBrackets([]types.BracketSubmission{testSubmission()})
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store did not write to env-selected path: %v", err)
	}
}

func TestUpdateStatusMergesDetails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	s := NewFileStore(path, testLogger())
	s.AddBrackets([]types.BracketSubmission{testSubmission()})

	s.UpdateStatus("P-1", "FILLED", map[string]any{"filled_qty": 50.0})
	s.UpdateStatus("P-1", "FILLED", map[string]any{"avg_price": 1.02})

	rec, _ := s.Get("P-1")
	if qty, ok := rec.FillQuantity(); !ok || qty != 50 {
		t.Errorf("earlier detail lost on merge: %v (present=%v)", qty, ok)
	}
	if avg, ok := rec.AvgFillPrice(); !ok || avg != 1.02 {
		t.Errorf("later detail not merged: %v (present=%v)", avg, ok)
	}
	if _, ok := rec.LastUpdate["updated_at"]; !ok {
		t.Error("updated_at not stamped on merge")
	}

	if s.UpdateStatus("missing", "FILLED", nil) {
		t.Error("UpdateStatus on unknown id should return false")
	}
}

func TestRecordContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	s := NewFileStore(path, testLogger())
	s.AddBrackets([]types.BracketSubmission{testSubmission()})

	if !s.RecordContract("P-1", 4242) {
		t.Fatal("RecordContract returned false for known bracket")
	}
	rec, _ := s.Get("P-1")
	if rec.ContractID != 4242 {
		t.Errorf("expected conid 4242, got %d", rec.ContractID)
	}
	if s.RecordContract("missing", 1) {
		t.Error("RecordContract on unknown id should return false")
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	s := NewFileStore(path, testLogger())
	s.AddBrackets([]types.BracketSubmission{testSubmission()})

	if !s.Remove("P-1") {
		t.Fatal("Remove returned false for known bracket")
	}
	if _, ok := s.Get("P-1"); ok {
		t.Error("bracket still present after Remove")
	}
	if s.Remove("P-1") {
		t.Error("second Remove should return false")
	}

	reloaded := NewFileStore(path, testLogger())
	if _, ok := reloaded.Get("P-1"); ok {
		t.Error("removal did not persist")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	s := NewFileStore(path, testLogger())
	s.AddBrackets([]types.BracketSubmission{testSubmission()})

	rec, _ := s.Get("P-1")
	rec.Status = "MUTATED"
	rec.LimitSell.OrderID = "tampered"

	fresh, _ := s.Get("P-1")
	if fresh.Status != types.StatusOpen || fresh.LimitSell.OrderID != "L-1" {
		t.Error("Get exposed internal state instead of a copy")
	}
}
