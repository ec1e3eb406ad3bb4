package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/core/registry"
	"github.com/mkharitonov/toolcrib/internal/port"
)

var (
	ErrSessionExpired       = errors.New("session expired")
	ErrInvalidTransition    = errors.New("operation not allowed in current session state")
	ErrInvalidKind          = errors.New("unknown operation kind")
	ErrEmptyImage           = errors.New("image payload is empty")
	ErrInvalidThreshold     = errors.New("confidence threshold must be within [0,1]")
	ErrNegativeQuantity     = errors.New("quantity must not be negative")
	ErrLineItemNotFound     = errors.New("line item not found")
	ErrEmptyOperation       = errors.New("session has no line items")
	ErrAlreadyConfirmed     = errors.New("session already confirmed")
	ErrDetectionUnavailable = errors.New("detection unavailable")
)

// InsufficientStockError names the tool types whose final quantities
// exceed availability, with the availability seen at check time.
type InsufficientStockError struct {
	ToolTypes []string
	Available map[string]int
}

func (e *InsufficientStockError) Error() string {
	return "insufficient stock: " + strings.Join(e.ToolTypes, ", ")
}

// ReconcileService drives operation sessions from creation through
// detection, manual reconciliation and the atomic commit against the
// tool catalog. Every transition runs under the owning session's lock;
// sessions progress independently of each other.
type ReconcileService struct {
	registry *registry.Registry
	catalog  port.CatalogRepository
	detector port.DetectionClient
	journal  chan domain.JournalEntry
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*ReconcileService)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *ReconcileService) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ReconcileService) { s.logger = logger }
}

func NewReconcileService(reg *registry.Registry, catalog port.CatalogRepository, detector port.DetectionClient, journalSize int, opts ...Option) *ReconcileService {
	s := &ReconcileService{
		registry: reg,
		catalog:  catalog,
		detector: detector,
		journal:  make(chan domain.JournalEntry, journalSize),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JournalQueue exposes terminal-session history entries for the worker
// pool to drain into durable storage.
func (s *ReconcileService) JournalQueue() <-chan domain.JournalEntry {
	return s.journal
}

func (s *ReconcileService) Close() {
	close(s.journal)
}

// StartOperation creates a session for the operator, enforcing one
// active session per operator.
func (s *ReconcileService) StartOperation(ctx context.Context, operatorID string, kind domain.OperationKind, declaredAt time.Time) (string, error) {
	if operatorID == "" {
		return "", fmt.Errorf("%w: empty operator id", ErrInvalidKind)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	sess, err := s.registry.Create(ctx, operatorID, kind, declaredAt)
	if err != nil {
		return "", err
	}
	s.logger.Info("operation started",
		"session_id", sess.ID, "operator_id", operatorID, "kind", string(kind))
	return sess.ID, nil
}

// SubmitImage attaches the captured image. Allowed from Created and
// from ImageSubmitted (a retake replaces the previous image). No
// catalog interaction happens here.
func (s *ReconcileService) SubmitImage(ctx context.Context, sessionID string, image []byte) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := checkState(sess, domain.StateCreated, domain.StateImageSubmitted); err != nil {
		return err
	}
	sess.Image = image
	sess.State = domain.StateImageSubmitted
	sess.Touch(s.now())
	return nil
}

// RunDetection invokes the detection gateway and populates line items
// from the result, with final quantities initialized to the detected
// ones. When the detector is unavailable or times out the session
// stays ImageSubmitted and the caller may retry or switch to manual
// entry via EnterManualEntry.
func (s *ReconcileService) RunDetection(ctx context.Context, sessionID string, threshold float64) ([]domain.LineItem, error) {
	if threshold < 0 || threshold > 1 {
		return nil, ErrInvalidThreshold
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := checkState(sess, domain.StateImageSubmitted); err != nil {
		return nil, err
	}

	result, err := s.detector.Detect(ctx, sess.Image, threshold)
	if err != nil {
		if errors.Is(err, port.ErrDetectorUnavailable) || errors.Is(err, port.ErrDetectorTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrDetectionUnavailable, err)
		}
		// Malformed image and anything else surface as-is; the session
		// stays ImageSubmitted either way.
		return nil, err
	}

	sess.Items = domain.MergeCandidates(result.Tools)
	sess.State = domain.StateDetected
	sess.Touch(s.now())
	s.logger.Info("detection ingested",
		"session_id", sessionID, "line_items", len(sess.Items), "total_detected", result.TotalDetected)
	return sess.ItemsCopy(), nil
}

// EnterManualEntry is the explicit escape hatch after a failed or
// skipped detection: the session moves to Detected with zero line
// items so the operator can enter everything by hand. It is never
// taken implicitly.
func (s *ReconcileService) EnterManualEntry(ctx context.Context, sessionID string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := checkState(sess, domain.StateImageSubmitted); err != nil {
		return err
	}
	sess.Items = nil
	sess.State = domain.StateDetected
	sess.Touch(s.now())
	s.logger.Info("manual entry mode", "session_id", sessionID)
	return nil
}

// AddLineItem folds a manual quantity into the session. A collision
// with an existing line item sums quantities rather than overwriting.
func (s *ReconcileService) AddLineItem(ctx context.Context, sessionID, toolType string, quantity int) error {
	if quantity < 0 {
		return ErrNegativeQuantity
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := checkState(sess, domain.StateDetected); err != nil {
		return err
	}
	sess.AddQuantity(toolType, s.toolName(ctx, toolType), quantity)
	sess.Touch(s.now())
	return nil
}

// EditLineItem overwrites the final quantity for the tool type,
// creating a manual line item when it is absent from the session.
func (s *ReconcileService) EditLineItem(ctx context.Context, sessionID, toolType string, finalQuantity int) error {
	if finalQuantity < 0 {
		return ErrNegativeQuantity
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := checkState(sess, domain.StateDetected); err != nil {
		return err
	}
	sess.SetFinalQuantity(toolType, finalQuantity)
	sess.Touch(s.now())
	return nil
}

// RemoveLineItem drops the tool type from the session.
func (s *ReconcileService) RemoveLineItem(ctx context.Context, sessionID, toolType string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	if err := checkState(sess, domain.StateDetected); err != nil {
		return err
	}
	if !sess.RemoveItem(toolType) {
		return ErrLineItemNotFound
	}
	sess.Touch(s.now())
	return nil
}

// Confirm commits the session's deltas to the catalog atomically and
// idempotently. Every failure before Apply succeeds leaves the session
// Detected so the operator can adjust and retry; a retried confirm can
// never double-apply because the catalog keeps a ledger of applied
// session ids. Replaying Confirm on an already-confirmed session
// returns the stored result unchanged.
func (s *ReconcileService) Confirm(ctx context.Context, sessionID string, allowEmpty bool) (*domain.CommitResult, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()

	if sess.State == domain.StateConfirmed {
		return sess.Commit, nil
	}
	if err := checkState(sess, domain.StateDetected); err != nil {
		return nil, err
	}
	if len(sess.Items) == 0 && !allowEmpty {
		return nil, ErrEmptyOperation
	}

	deltas := make([]port.StockDelta, 0, len(sess.Items))
	for i := range sess.Items {
		qty := sess.Items[i].FinalQuantity
		if qty == 0 {
			continue
		}
		delta := qty
		if sess.Kind == domain.KindCheckout {
			delta = -qty
		}
		deltas = append(deltas, port.StockDelta{ToolType: sess.Items[i].ToolType, Delta: delta})
	}

	if sess.Kind == domain.KindCheckout {
		var short []string
		available := make(map[string]int)
		for _, d := range deltas {
			ok, avail, err := s.catalog.ReserveCheck(ctx, d.ToolType, d.Delta)
			if err != nil {
				return nil, fmt.Errorf("reserve check %s: %w", d.ToolType, err)
			}
			if !ok {
				short = append(short, d.ToolType)
				available[d.ToolType] = avail
			}
		}
		if len(short) > 0 {
			return nil, &InsufficientStockError{ToolTypes: short, Available: available}
		}
	}

	if len(deltas) > 0 {
		result, err := s.catalog.Apply(ctx, deltas, sessionID)
		if err != nil {
			return nil, fmt.Errorf("apply deltas: %w", err)
		}
		switch result.Outcome {
		case port.ApplyConflict:
			// Stock moved between check and apply. Same recovery path
			// as a failed reserve check.
			return nil, &InsufficientStockError{ToolTypes: result.Insufficient}
		case port.ApplyAlreadyApplied:
			s.logger.Warn("apply replayed for session", "session_id", sessionID)
		}
	}

	now := s.now()
	sess.Commit = &domain.CommitResult{
		SessionID:      sessionID,
		Kind:           sess.Kind,
		Items:          sess.ItemsCopy(),
		TotalToolCount: sess.TotalFinal(),
		CommittedAt:    now,
	}
	sess.State = domain.StateConfirmed
	sess.Touch(now)

	s.enqueueJournal(sess, now)
	s.registry.Retire(ctx, sessionID)

	s.logger.Info("operation confirmed",
		"session_id", sessionID, "kind", string(sess.Kind), "total_tools", sess.Commit.TotalToolCount)
	return sess.Commit, nil
}

// Cancel abandons the session without touching the catalog. A session
// that already committed cannot be retroactively cancelled; cancelling
// twice is a no-op.
func (s *ReconcileService) Cancel(ctx context.Context, sessionID string) error {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()

	switch sess.State {
	case domain.StateConfirmed:
		return ErrAlreadyConfirmed
	case domain.StateCancelled:
		return nil
	case domain.StateExpired:
		return ErrSessionExpired
	}

	now := s.now()
	sess.State = domain.StateCancelled
	sess.Touch(now)
	s.enqueueJournal(sess, now)
	s.registry.Retire(ctx, sessionID)
	s.logger.Info("operation cancelled", "session_id", sessionID)
	return nil
}

// GetSession returns a read-only snapshot.
func (s *ReconcileService) GetSession(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()
	snap := sess.Snapshot()
	return &snap, nil
}

// enqueueJournal must be called with the session lock held. The journal
// is best-effort: a full queue is logged, never blocks a commit.
func (s *ReconcileService) enqueueJournal(sess *domain.Session, completedAt time.Time) {
	entry := domain.JournalEntry{
		SessionID:   sess.ID,
		OperatorID:  sess.OperatorID,
		Kind:        sess.Kind,
		Status:      sess.State,
		DeclaredAt:  sess.DeclaredAt,
		CompletedAt: completedAt,
		Items:       sess.ItemsCopy(),
	}
	select {
	case s.journal <- entry:
	default:
		s.logger.Warn("journal queue full, dropping entry", "session_id", sess.ID)
	}
}

// toolName resolves a display name from the catalog for manual adds;
// an unknown or unreachable catalog just leaves the name empty.
func (s *ReconcileService) toolName(ctx context.Context, toolType string) string {
	tool, err := s.catalog.GetTool(ctx, toolType)
	if err != nil || tool == nil {
		return ""
	}
	return tool.Name
}

// checkState must be called with the session lock held.
func checkState(sess *domain.Session, allowed ...domain.SessionState) error {
	if sess.State == domain.StateExpired {
		return ErrSessionExpired
	}
	for _, st := range allowed {
		if sess.State == st {
			return nil
		}
	}
	return fmt.Errorf("%w: state %s", ErrInvalidTransition, sess.State)
}
