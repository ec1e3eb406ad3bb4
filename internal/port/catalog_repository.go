package port

import (
	"context"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
)

// StockDelta is one signed quantity change for a tool type. Checkout
// deltas are negative, checkin deltas positive.
type StockDelta struct {
	ToolType string
	Delta    int
}

type ApplyOutcome string

const (
	// ApplyApplied means every delta in the list was applied.
	ApplyApplied ApplyOutcome = "applied"
	// ApplyAlreadyApplied means the session id was applied earlier;
	// nothing was re-mutated.
	ApplyAlreadyApplied ApplyOutcome = "already_applied"
	// ApplyConflict means at least one delta would drive a quantity
	// negative (or names an unknown tool type); nothing was applied.
	ApplyConflict ApplyOutcome = "conflict"
)

// ApplyResult carries the outcome and, on conflict, the offending tool
// types so the operator can adjust quantities and retry.
type ApplyResult struct {
	Outcome      ApplyOutcome
	Insufficient []string
}

type CatalogRepository interface {
	// ReserveCheck reports whether applying delta to the tool type
	// would keep its quantity non-negative, along with the current
	// availability. It is advisory; Apply re-validates under lock.
	ReserveCheck(ctx context.Context, toolType string, delta int) (bool, int, error)

	// Apply atomically applies the whole delta list for the session:
	// all deltas succeed or none do. Replaying a session id that was
	// applied before returns ApplyAlreadyApplied without mutating.
	// Calls touching overlapping tool types serialize; disjoint sets
	// may proceed in parallel.
	Apply(ctx context.Context, deltas []StockDelta, sessionID string) (ApplyResult, error)

	// GetTool returns the tool type, or nil when it does not exist.
	GetTool(ctx context.Context, key string) (*domain.ToolType, error)

	// ListTools returns the catalog ordered by tool key.
	ListTools(ctx context.Context) ([]domain.ToolType, error)

	// UpsertTool creates or replaces a catalog entry (seeding and
	// catalog maintenance; not part of the commit path).
	UpsertTool(ctx context.Context, tool domain.ToolType) error
}
