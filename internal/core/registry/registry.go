// Package registry tracks in-flight operation sessions: one live
// session per operator, lookup by session id, and proactive expiry of
// idle sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/port"
)

var (
	ErrOperatorBusy    = errors.New("operator already has an active session")
	ErrSessionNotFound = errors.New("session not found")
)

type entry struct {
	sess      *domain.Session
	retiredAt time.Time // zero while the session is active
}

// Registry is the active-session set. Terminal sessions stay readable
// after retirement for a retention window so an idempotent re-confirm
// can still find its stored result; the sweep purges them afterwards.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*entry
	byOperator map[string]string // operator id -> active session id

	lease     port.OperatorLease // optional cross-instance guard
	idleTTL   time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Registry)

// WithLease adds a shared operator-slot backend (e.g. Redis) on top of
// the in-process map.
func WithLease(lease port.OperatorLease) Option {
	return func(r *Registry) { r.lease = lease }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func New(idleTTL, retention time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*entry),
		byOperator: make(map[string]string),
		idleTTL:    idleTTL,
		retention:  retention,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create starts a session for the operator, failing with
// ErrOperatorBusy while the operator holds any non-terminal session.
func (r *Registry) Create(ctx context.Context, operatorID string, kind domain.OperationKind, declaredAt time.Time) (*domain.Session, error) {
	now := r.now()
	id := uuid.New().String()

	r.mu.Lock()
	if _, busy := r.byOperator[operatorID]; busy {
		r.mu.Unlock()
		return nil, ErrOperatorBusy
	}
	// Reserve the local slot before touching the lease so a concurrent
	// Create for the same operator cannot slip past the map check.
	r.byOperator[operatorID] = id
	r.mu.Unlock()

	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, operatorID, id, r.idleTTL+r.retention)
		if err != nil || !ok {
			r.mu.Lock()
			delete(r.byOperator, operatorID)
			r.mu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("acquire operator lease: %w", err)
			}
			return nil, ErrOperatorBusy
		}
	}

	sess := &domain.Session{
		ID:           id,
		OperatorID:   operatorID,
		Kind:         kind,
		DeclaredAt:   declaredAt,
		State:        domain.StateCreated,
		CreatedAt:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.sessions[id] = &entry{sess: sess}
	r.mu.Unlock()

	return sess, nil
}

// Get returns the session regardless of state; callers decide what a
// terminal state means for their operation.
func (r *Registry) Get(sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.sess, nil
}

// Retire frees the operator's slot. The session stays readable until
// the sweep purges it after the retention window.
func (r *Registry) Retire(ctx context.Context, sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.retiredAt.IsZero() {
		e.retiredAt = r.now()
	}
	operatorID := e.sess.OperatorID
	if r.byOperator[operatorID] == sessionID {
		delete(r.byOperator, operatorID)
	}
	r.mu.Unlock()

	if r.lease != nil {
		if err := r.lease.Release(ctx, operatorID, sessionID); err != nil {
			r.logger.Warn("operator lease release failed",
				"operator_id", operatorID, "session_id", sessionID, "error", err)
		}
	}
}

// ActiveCount returns the number of operators with a live session.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOperator)
}

// Sweep expires sessions idle past the threshold and purges retired
// sessions past retention. It takes each session's own lock before
// expiring it, so a confirm that is mid-flight holds off its expiry
// until the confirm completes.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	candidates := make([]*entry, 0, len(r.sessions))
	for id, e := range r.sessions {
		if !e.retiredAt.IsZero() && now.Sub(e.retiredAt) > r.retention {
			delete(r.sessions, id)
			continue
		}
		if e.retiredAt.IsZero() {
			candidates = append(candidates, e)
		}
	}
	r.mu.Unlock()

	for _, e := range candidates {
		sess := e.sess
		sess.Lock()
		expired := !sess.State.Terminal() && now.Sub(sess.LastActivity) > r.idleTTL
		if expired {
			sess.State = domain.StateExpired
			sess.Touch(now)
		}
		sess.Unlock()

		if expired {
			r.logger.Info("session expired",
				"session_id", sess.ID, "operator_id", sess.OperatorID)
			r.Retire(ctx, sess.ID)
		}
	}
}
