package domain

import (
	"sync"
	"time"
)

type SessionState string

const (
	StateCreated        SessionState = "created"
	StateImageSubmitted SessionState = "image_submitted"
	StateDetected       SessionState = "detected"
	StateConfirmed      SessionState = "confirmed"
	StateCancelled      SessionState = "cancelled"
	StateExpired        SessionState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled || s == StateExpired
}

type OperationKind string

const (
	KindCheckout OperationKind = "checkout"
	KindCheckin  OperationKind = "checkin"
)

func (k OperationKind) Valid() bool {
	return k == KindCheckout || k == KindCheckin
}

// LineItem is one tool type's row within a session. DetectedQuantity and
// Confidence are nil for rows the operator added by hand.
type LineItem struct {
	ToolType         string
	Name             string
	DetectedQuantity *int
	Confidence       *float64 // [0,1]
	FinalQuantity    int
	ManuallyAdded    bool
	Diverged         bool // detected quantity present and != final
}

func (li *LineItem) recomputeDiverged() {
	li.Diverged = li.DetectedQuantity != nil && *li.DetectedQuantity != li.FinalQuantity
}

// Session is one check-out/check-in transaction. All transitions are
// serialized through the embedded mutex; callers must hold it for the
// whole transition, including any catalog or detector I/O the
// transition performs.
type Session struct {
	mu sync.Mutex

	ID           string
	OperatorID   string
	Kind         OperationKind
	DeclaredAt   time.Time
	State        SessionState
	Image        []byte
	Items        []LineItem
	Commit       *CommitResult
	CreatedAt    time.Time
	LastActivity time.Time
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch records a state transition or line-item mutation for expiry
// accounting.
func (s *Session) Touch(now time.Time) { s.LastActivity = now }

// FindItem returns the line item for the tool type, or nil.
func (s *Session) FindItem(toolType string) *LineItem {
	for i := range s.Items {
		if s.Items[i].ToolType == toolType {
			return &s.Items[i]
		}
	}
	return nil
}

// RemoveItem deletes the line item for the tool type, preserving order.
// It reports whether an item was removed.
func (s *Session) RemoveItem(toolType string) bool {
	for i := range s.Items {
		if s.Items[i].ToolType == toolType {
			s.Items = append(s.Items[:i], s.Items[i+1:]...)
			return true
		}
	}
	return false
}

// AddQuantity folds a manual quantity into the session's line items.
// On key collision quantities are summed, never overwritten, so a
// second manual entry for the same tool cannot silently discard the
// first. The item keeps its detected fields when it came from the
// detector.
func (s *Session) AddQuantity(toolType, name string, quantity int) {
	if item := s.FindItem(toolType); item != nil {
		item.FinalQuantity += quantity
		if name != "" && item.Name == "" {
			item.Name = name
		}
		item.recomputeDiverged()
		return
	}
	s.Items = append(s.Items, LineItem{
		ToolType:      toolType,
		Name:          name,
		FinalQuantity: quantity,
		ManuallyAdded: true,
	})
}

// SetFinalQuantity overwrites the final quantity for the tool type,
// creating a manual line item when none exists.
func (s *Session) SetFinalQuantity(toolType string, quantity int) {
	if item := s.FindItem(toolType); item != nil {
		item.FinalQuantity = quantity
		item.recomputeDiverged()
		return
	}
	s.Items = append(s.Items, LineItem{
		ToolType:      toolType,
		FinalQuantity: quantity,
		ManuallyAdded: true,
	})
}

// TotalFinal sums the final quantities across all line items.
func (s *Session) TotalFinal() int {
	total := 0
	for i := range s.Items {
		total += s.Items[i].FinalQuantity
	}
	return total
}

// ItemsCopy returns a snapshot of the line items safe to hand out after
// the session lock is released.
func (s *Session) ItemsCopy() []LineItem {
	items := make([]LineItem, len(s.Items))
	copy(items, s.Items)
	return items
}

// Snapshot returns an immutable view for read endpoints.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:           s.ID,
		OperatorID:   s.OperatorID,
		Kind:         s.Kind,
		State:        s.State,
		DeclaredAt:   s.DeclaredAt,
		HasImage:     len(s.Image) > 0,
		Items:        s.ItemsCopy(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// SessionSnapshot is a read-only copy of a session's observable state.
type SessionSnapshot struct {
	ID           string
	OperatorID   string
	Kind         OperationKind
	State        SessionState
	DeclaredAt   time.Time
	HasImage     bool
	Items        []LineItem
	CreatedAt    time.Time
	LastActivity time.Time
}

// CommitResult is the outcome of a successful confirm, kept on the
// session so replaying confirm returns the identical result.
type CommitResult struct {
	SessionID      string
	Kind           OperationKind
	Items          []LineItem
	TotalToolCount int
	CommittedAt    time.Time
}
