package domain

import "time"

// ToolType is one catalog entry: a class of tool and how many of it the
// warehouse currently has available. Quantity is mutated only through
// CatalogRepository.Apply by a committing session.
type ToolType struct {
	Key       string // stable tool-class key, e.g. "hammer"
	Name      string
	SKU       string
	Quantity  int
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}
