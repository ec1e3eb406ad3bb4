package port

import (
	"context"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
)

type JournalRepository interface {
	// RecordOperation persists the history row for a terminal session.
	RecordOperation(ctx context.Context, entry domain.JournalEntry) error
}
