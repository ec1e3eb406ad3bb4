package domain

import "time"

// JournalEntry is the durable history record written for every session
// that reaches a terminal state through commit or cancellation. It is
// informational: idempotency of commits is carried by the catalog's
// applied-session ledger, not by the journal.
type JournalEntry struct {
	SessionID   string
	OperatorID  string
	Kind        OperationKind
	Status      SessionState
	DeclaredAt  time.Time
	CompletedAt time.Time
	Items       []LineItem
}
