package store

import (
	"bracketcore/internal/types"
)

// Store is the bracket storage contract shared by the file and PostgreSQL
// backends. Mutating calls persist synchronously; persistence failures are
// logged and the in-memory state stays authoritative, so mutators never
// surface storage errors to callers.
type Store interface {
	// AddBrackets merges ticker-level strategy fields and appends every
	// bracket whose parent_order_id is not already present. Duplicates are
	// silently skipped. Returns the parent order ids actually added.
	AddBrackets(subs []types.BracketSubmission) []string

	// Get returns a copy of the bracket with the given parent order id.
	Get(parentOrderID string) (types.BracketOrder, bool)

	// List returns copies of every bracket, in ticker-then-insertion order.
	List() []types.BracketOrder

	// Strategies returns deep copies of every ticker strategy.
	Strategies() []types.TickerStrategy

	// UpdateStatus sets the bracket's status (upper-cased) and merges details
	// into last_update with a fresh updated_at. Returns whether a record was
	// found.
	UpdateStatus(parentOrderID, status string, details map[string]any) bool

	// RecordContract binds a broker contract id to a bracket. Contract ids
	// are only ever recorded from observed fills or positions.
	RecordContract(parentOrderID string, contractID int64) bool

	// Remove deletes a bracket from its ticker's order list.
	Remove(parentOrderID string) bool

	// Close releases backend resources.
	Close()
}
