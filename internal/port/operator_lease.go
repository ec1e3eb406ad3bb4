package port

import (
	"context"
	"time"
)

// OperatorLease guards the one-active-session-per-operator slot across
// engine instances. The in-process registry map remains authoritative
// locally; the lease extends the same guarantee to a shared backend.
type OperatorLease interface {
	// Acquire claims the operator's slot for the session, returning
	// false when another live session already holds it.
	Acquire(ctx context.Context, operatorID, sessionID string, ttl time.Duration) (bool, error)

	// Release frees the slot if it is still held by the session.
	Release(ctx context.Context, operatorID, sessionID string) error
}
