package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bracketcore/internal/types"
)

const defaultStorageFile = "./bracket_orders.json"

// EnvStorageFile overrides the storage path, for test/dev isolation.
const EnvStorageFile = "BRACKET_STORAGE_FILE"

// FileStore is a JSON-file-backed Store. All reads and writes are serialized
// by a single mutex; every mutation rewrites the whole file (tens of brackets,
// updates on the order of seconds).
type FileStore struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	data map[string]*types.TickerStrategy
}

// NewFileStore creates a file-backed store and loads any existing state.
// An empty path falls back to the BRACKET_STORAGE_FILE environment variable,
// then to the default file in the working directory.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if path == "" {
		path = os.Getenv(EnvStorageFile)
	}
	if path == "" {
		path = defaultStorageFile
	}

	s := &FileStore{
		path:   path,
		logger: logger,
		data:   make(map[string]*types.TickerStrategy),
	}
	s.load()
	return s
}

// load reads the state file. It accepts two shapes: the current per-ticker
// mapping and the legacy flat parent_order_id -> record mapping, which is
// migrated into the grouped shape. A malformed file is replaced with an empty
// store rather than treated as fatal.
func (s *FileStore) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("[STORE] No existing storage file, starting fresh", "path", s.path)
			return
		}
		s.logger.Error("[STORE] Failed to read storage file, starting empty", "path", s.path, "error", err)
		return
	}

	var byTicker map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byTicker); err != nil {
		s.logger.Error("[STORE] Malformed storage file, starting empty", "path", s.path, "error", err)
		return
	}

	if isLegacyFlat(byTicker) {
		s.loadLegacy(byTicker)
		return
	}

	total := 0
	for key, msg := range byTicker {
		strat := decodeStrategy(msg)
		if strat == nil {
			s.logger.Warn("[STORE] Skipping undecodable ticker entry", "ticker", key)
			continue
		}
		if strat.Ticker == "" {
			strat.Ticker = strings.ToUpper(key)
		}
		s.data[strat.Ticker] = strat
		total += len(strat.Orders)
	}
	s.logger.Info("[STORE] Storage loaded",
		"path", s.path,
		"tickers", len(s.data),
		"brackets", total,
	)
}

// isLegacyFlat detects the legacy flat shape by probing a value for a
// top-level parent_order_id key.
func isLegacyFlat(raw map[string]json.RawMessage) bool {
	for _, msg := range raw {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(msg, &probe); err != nil {
			return false
		}
		_, ok := probe["parent_order_id"]
		return ok
	}
	return false
}

// loadLegacy migrates a flat parent_order_id -> record mapping into the
// grouped per-ticker shape. The migrated shape is written back on the next
// mutation.
func (s *FileStore) loadLegacy(raw map[string]json.RawMessage) {
	migrated := 0
	for parentID, msg := range raw {
		rec := decodeBracket(msg)
		if rec == nil {
			continue
		}
		if rec.ParentOrderID == "" {
			rec.ParentOrderID = parentID
		}
		ticker := strings.ToUpper(strings.TrimSpace(rec.Ticker))
		if ticker == "" {
			ticker = "UNKNOWN"
		}
		rec.Ticker = ticker

		t, ok := s.data[ticker]
		if !ok {
			mv := rec.MinimumVariation
			if mv == 0 {
				mv = 0.001
			}
			t = &types.TickerStrategy{Ticker: ticker, MinimumVariation: mv}
			s.data[ticker] = t
		}
		t.Orders = append(t.Orders, rec)
		migrated++
	}
	s.logger.Info("[STORE] Migrated legacy flat storage shape",
		"path", s.path,
		"brackets", migrated,
		"tickers", len(s.data),
	)
}

// bracketJSON shadows BracketOrder with the legacy freeRunner spelling so old
// files decode without polluting the public type.
type bracketJSON struct {
	types.BracketOrder
	FreeRunnerCamel *bool `json:"freeRunner,omitempty"`
}

type strategyJSON struct {
	types.TickerStrategy
	Orders          []json.RawMessage `json:"orders"`
	FreeRunnerCamel *bool             `json:"freeRunner,omitempty"`
}

func decodeBracket(msg json.RawMessage) *types.BracketOrder {
	var bj bracketJSON
	if err := json.Unmarshal(msg, &bj); err != nil {
		return nil
	}
	rec := bj.BracketOrder
	if bj.FreeRunnerCamel != nil && !rec.FreeRunner {
		rec.FreeRunner = *bj.FreeRunnerCamel
	}
	return &rec
}

func decodeStrategy(msg json.RawMessage) *types.TickerStrategy {
	var sj strategyJSON
	if err := json.Unmarshal(msg, &sj); err != nil {
		return nil
	}
	strat := sj.TickerStrategy
	if sj.FreeRunnerCamel != nil && !strat.FreeRunner {
		strat.FreeRunner = *sj.FreeRunnerCamel
	}
	strat.Orders = make([]*types.BracketOrder, 0, len(sj.Orders))
	for _, om := range sj.Orders {
		if rec := decodeBracket(om); rec != nil {
			strat.Orders = append(strat.Orders, rec)
		}
	}
	return &strat
}

// save rewrites the whole file atomically (tmp file + rename). Caller must
// hold the lock. Failures are logged; in-memory state stays authoritative.
func (s *FileStore) save() {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.logger.Error("[STORE] Failed to marshal storage", "error", err)
		return
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.logger.Error("[STORE] Failed to create storage directory", "dir", dir, "error", err)
			return
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Error("[STORE] Failed to write storage file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		s.logger.Error("[STORE] Failed to replace storage file", "path", s.path, "error", err)
	}
}

// AddBrackets implements Store.
func (s *FileStore) AddBrackets(subs []types.BracketSubmission) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := mergeSubmissions(s.data, subs)
	if len(added) > 0 {
		s.save()
	}
	return added
}

// mergeSubmissions applies submissions to an in-memory ticker map, shared by
// the file and PostgreSQL backends. Caller holds the backend lock.
func mergeSubmissions(data map[string]*types.TickerStrategy, subs []types.BracketSubmission) []string {
	var added []string
	now := time.Now().UTC()

	for i := range subs {
		sub := &subs[i]
		ticker := strings.ToUpper(strings.TrimSpace(sub.Ticker))
		if ticker == "" || len(sub.Orders) == 0 {
			continue
		}

		t, ok := data[ticker]
		if !ok {
			mv := sub.MinimumVariation
			if mv == 0 {
				mv = 0.001
			}
			t = &types.TickerStrategy{Ticker: ticker, MinimumVariation: mv}
			data[ticker] = t
		}

		// Merge ticker-level strategy fields.
		if sub.MinimumVariation != 0 {
			t.MinimumVariation = sub.MinimumVariation
		}
		if sub.EntryPrice != nil {
			ep := *sub.EntryPrice
			t.EntryPrice = &ep
		}
		if fr, present := sub.FreeRunnerFlag(); present {
			t.FreeRunner = fr
		}
		if sub.PriceTargets != nil {
			t.PriceTargets = append([]float64(nil), sub.PriceTargets...)
		}

		for j := range sub.Orders {
			in := &sub.Orders[j]
			if in.ParentOrderID == "" {
				continue
			}
			if findBracket(data, in.ParentOrderID) != nil {
				continue // duplicate parent_order_id, silently skipped
			}

			rec := &types.BracketOrder{
				Ticker:           ticker,
				ParentOrderID:    in.ParentOrderID,
				CreatedAt:        now,
				Status:           types.StatusOpen,
				LimitSell:        in.LimitSell,
				StopLoss:         in.StopLoss,
				TargetPrice:      in.TargetPrice,
				StopLossPrice:    in.StopLossPrice,
				FreeRunner:       in.FreeRunnerFlag(),
				MinimumVariation: t.MinimumVariation,
			}
			if in.Status != "" {
				rec.Status = strings.ToUpper(in.Status)
			}
			if in.CreatedAt != nil {
				rec.CreatedAt = *in.CreatedAt
			}

			t.Orders = append(t.Orders, rec)
			added = append(added, in.ParentOrderID)
		}
	}
	return added
}

// findBracket scans all tickers for a parent order id. Linear, acceptable at
// the expected scale of tens of open brackets.
func findBracket(data map[string]*types.TickerStrategy, parentOrderID string) *types.BracketOrder {
	for _, t := range data {
		for _, o := range t.Orders {
			if o.ParentOrderID == parentOrderID {
				return o
			}
		}
	}
	return nil
}

func (s *FileStore) findLocked(parentOrderID string) *types.BracketOrder {
	return findBracket(s.data, parentOrderID)
}

// Get implements Store.
func (s *FileStore) Get(parentOrderID string) (types.BracketOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o := s.findLocked(parentOrderID); o != nil {
		return copyBracket(o), true
	}
	return types.BracketOrder{}, false
}

// List implements Store.
func (s *FileStore) List() []types.BracketOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.BracketOrder
	for _, ticker := range s.sortedTickersLocked() {
		for _, o := range s.data[ticker].Orders {
			out = append(out, copyBracket(o))
		}
	}
	return out
}

// Strategies implements Store.
func (s *FileStore) Strategies() []types.TickerStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.TickerStrategy, 0, len(s.data))
	for _, ticker := range s.sortedTickersLocked() {
		out = append(out, copyStrategy(s.data[ticker]))
	}
	return out
}

func (s *FileStore) sortedTickersLocked() []string {
	return sortedTickers(s.data)
}

// sortedTickers keeps listings stable despite random map iteration order.
func sortedTickers(data map[string]*types.TickerStrategy) []string {
	tickers := make([]string, 0, len(data))
	for t := range data {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// UpdateStatus implements Store.
func (s *FileStore) UpdateStatus(parentOrderID, status string, details map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.findLocked(parentOrderID)
	if o == nil {
		return false
	}

	o.Status = strings.ToUpper(status)
	if len(details) > 0 {
		if o.LastUpdate == nil {
			o.LastUpdate = make(map[string]any, len(details)+1)
		}
		for k, v := range details {
			o.LastUpdate[k] = v
		}
		o.LastUpdate["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.save()
	return true
}

// RecordContract implements Store.
func (s *FileStore) RecordContract(parentOrderID string, contractID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.findLocked(parentOrderID)
	if o == nil {
		return false
	}
	if o.ContractID == contractID {
		return true
	}
	o.ContractID = contractID
	s.save()
	return true
}

// Remove implements Store.
func (s *FileStore) Remove(parentOrderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, t := range s.data {
		kept := t.Orders[:0]
		for _, o := range t.Orders {
			if o.ParentOrderID == parentOrderID {
				changed = true
				continue
			}
			kept = append(kept, o)
		}
		t.Orders = kept
	}
	if changed {
		s.save()
	}
	return changed
}

// Close implements Store. The file handle is not held open, so this is a
// no-op kept for interface symmetry with the PostgreSQL backend.
func (s *FileStore) Close() {}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func copyBracket(o *types.BracketOrder) types.BracketOrder {
	out := *o
	if o.LimitSell != nil {
		ls := *o.LimitSell
		out.LimitSell = &ls
	}
	if o.StopLoss != nil {
		sl := *o.StopLoss
		out.StopLoss = &sl
	}
	if o.TargetPrice != nil {
		tp := *o.TargetPrice
		out.TargetPrice = &tp
	}
	if o.StopLossPrice != nil {
		sp := *o.StopLossPrice
		out.StopLossPrice = &sp
	}
	if o.LastUpdate != nil {
		lu := make(map[string]any, len(o.LastUpdate))
		for k, v := range o.LastUpdate {
			lu[k] = v
		}
		out.LastUpdate = lu
	}
	return out
}

func copyStrategy(t *types.TickerStrategy) types.TickerStrategy {
	out := *t
	if t.EntryPrice != nil {
		ep := *t.EntryPrice
		out.EntryPrice = &ep
	}
	out.PriceTargets = append([]float64(nil), t.PriceTargets...)
	out.Orders = make([]*types.BracketOrder, len(t.Orders))
	for i, o := range t.Orders {
		c := copyBracket(o)
		out.Orders[i] = &c
	}
	return out
}

// String is used in startup logging.
func (s *FileStore) String() string {
	return fmt.Sprintf("file:%s", s.path)
}
