package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/port"
)

// MemoryCatalog implements the catalog contract with a per-tool-type
// mutex plus a ledger of applied session ids. Applies touching disjoint
// tool types run in parallel; overlapping ones serialize on the shared
// tool locks. Intended for tests and single-process deployments.
type MemoryCatalog struct {
	mu       sync.Mutex // guards tools map membership, applied set and journal
	tools    map[string]*memTool
	applied  map[string]bool
	inflight map[string]chan struct{}
	journal  []domain.JournalEntry
	now      func() time.Time
}

type memTool struct {
	mu   sync.Mutex
	tool domain.ToolType
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		tools:    make(map[string]*memTool),
		applied:  make(map[string]bool),
		inflight: make(map[string]chan struct{}),
		now:      time.Now,
	}
}

func (m *MemoryCatalog) ReserveCheck(ctx context.Context, toolType string, delta int) (bool, int, error) {
	m.mu.Lock()
	mt, ok := m.tools[toolType]
	m.mu.Unlock()
	if !ok {
		return false, 0, nil
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.tool.Quantity+delta >= 0, mt.tool.Quantity, nil
}

func (m *MemoryCatalog) Apply(ctx context.Context, deltas []port.StockDelta, sessionID string) (port.ApplyResult, error) {
	m.mu.Lock()
	if m.applied[sessionID] {
		m.mu.Unlock()
		return port.ApplyResult{Outcome: port.ApplyAlreadyApplied}, nil
	}
	if ch, racing := m.inflight[sessionID]; racing {
		// Another apply for the same session id is mid-flight; wait for
		// it and re-evaluate so a replay can never double-mutate.
		m.mu.Unlock()
		<-ch
		return m.Apply(ctx, deltas, sessionID)
	}
	done := make(chan struct{})
	m.inflight[sessionID] = done
	defer func() {
		m.mu.Lock()
		delete(m.inflight, sessionID)
		m.mu.Unlock()
		close(done)
	}()

	// Resolve every tool up front; an unknown tool type fails the whole
	// list before anything is locked.
	var unknown []string
	resolved := make(map[string]*memTool, len(deltas))
	for _, d := range deltas {
		mt, ok := m.tools[d.ToolType]
		if !ok {
			unknown = append(unknown, d.ToolType)
			continue
		}
		resolved[d.ToolType] = mt
	}
	m.mu.Unlock()

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return port.ApplyResult{Outcome: port.ApplyConflict, Insufficient: unknown}, nil
	}

	// Collapse duplicate tool types and lock in sorted key order so two
	// overlapping applies can never deadlock.
	merged := make(map[string]int, len(deltas))
	for _, d := range deltas {
		merged[d.ToolType] += d.Delta
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		resolved[k].mu.Lock()
	}
	unlock := func() {
		for i := len(keys) - 1; i >= 0; i-- {
			resolved[keys[i]].mu.Unlock()
		}
	}

	var insufficient []string
	for _, k := range keys {
		if resolved[k].tool.Quantity+merged[k] < 0 {
			insufficient = append(insufficient, k)
		}
	}
	if len(insufficient) > 0 {
		unlock()
		return port.ApplyResult{Outcome: port.ApplyConflict, Insufficient: insufficient}, nil
	}

	now := m.now()
	for _, k := range keys {
		resolved[k].tool.Quantity += merged[k]
		resolved[k].tool.Version++
		resolved[k].tool.UpdatedAt = now
	}
	unlock()

	m.mu.Lock()
	m.applied[sessionID] = true
	m.mu.Unlock()
	return port.ApplyResult{Outcome: port.ApplyApplied}, nil
}

func (m *MemoryCatalog) GetTool(ctx context.Context, key string) (*domain.ToolType, error) {
	m.mu.Lock()
	mt, ok := m.tools[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	tool := mt.tool
	return &tool, nil
}

func (m *MemoryCatalog) ListTools(ctx context.Context) ([]domain.ToolType, error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.tools))
	for k := range m.tools {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tools := make([]domain.ToolType, 0, len(keys))
	for _, k := range keys {
		mt := m.tools[k]
		mt.mu.Lock()
		tools = append(tools, mt.tool)
		mt.mu.Unlock()
	}
	m.mu.Unlock()
	return tools, nil
}

func (m *MemoryCatalog) UpsertTool(ctx context.Context, tool domain.ToolType) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt, ok := m.tools[tool.Key]; ok {
		mt.mu.Lock()
		version := mt.tool.Version + 1
		created := mt.tool.CreatedAt
		mt.tool = tool
		mt.tool.Version = version
		mt.tool.CreatedAt = created
		mt.tool.UpdatedAt = now
		mt.mu.Unlock()
		return nil
	}
	tool.CreatedAt = now
	tool.UpdatedAt = now
	m.tools[tool.Key] = &memTool{tool: tool}
	return nil
}

// RecordOperation keeps the journal in memory so tests can assert what
// would have been written.
func (m *MemoryCatalog) RecordOperation(ctx context.Context, entry domain.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, entry)
	return nil
}

// Journal returns a copy of the recorded history.
func (m *MemoryCatalog) Journal() []domain.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.JournalEntry, len(m.journal))
	copy(out, m.journal)
	return out
}
