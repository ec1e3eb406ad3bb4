package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/port"
)

func seedMemory(t *testing.T, stock map[string]int) *MemoryCatalog {
	t.Helper()
	m := NewMemoryCatalog()
	for key, qty := range stock {
		if err := m.UpsertTool(context.Background(), domain.ToolType{Key: key, Name: key, Quantity: qty}); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	return m
}

func memQuantity(t *testing.T, m *MemoryCatalog, key string) int {
	t.Helper()
	tool, err := m.GetTool(context.Background(), key)
	if err != nil || tool == nil {
		t.Fatalf("get %s: tool=%v err=%v", key, tool, err)
	}
	return tool.Quantity
}

func TestMemoryApply_AppliesDeltas(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 5, "wrench": 3})
	ctx := context.Background()

	result, err := m.Apply(ctx, []port.StockDelta{
		{ToolType: "hammer", Delta: -2},
		{ToolType: "wrench", Delta: 1},
	}, "sess-1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != port.ApplyApplied {
		t.Fatalf("expected applied, got %v", result.Outcome)
	}
	if got := memQuantity(t, m, "hammer"); got != 3 {
		t.Errorf("hammer: expected 3, got %d", got)
	}
	if got := memQuantity(t, m, "wrench"); got != 4 {
		t.Errorf("wrench: expected 4, got %d", got)
	}
}

func TestMemoryApply_Idempotent(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 5})
	ctx := context.Background()
	deltas := []port.StockDelta{{ToolType: "hammer", Delta: -2}}

	if _, err := m.Apply(ctx, deltas, "sess-1"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	result, err := m.Apply(ctx, deltas, "sess-1")
	if err != nil {
		t.Fatalf("replay apply: %v", err)
	}
	if result.Outcome != port.ApplyAlreadyApplied {
		t.Fatalf("expected already-applied, got %v", result.Outcome)
	}
	if got := memQuantity(t, m, "hammer"); got != 3 {
		t.Errorf("stock double-applied: expected 3, got %d", got)
	}
}

func TestMemoryApply_ConcurrentSameSession(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 100})
	ctx := context.Background()
	deltas := []port.StockDelta{{ToolType: "hammer", Delta: -1}}

	const racers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var applied int
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Apply(ctx, deltas, "sess-1")
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if result.Outcome == port.ApplyApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("expected exactly one winning apply, got %d", applied)
	}
	if got := memQuantity(t, m, "hammer"); got != 99 {
		t.Errorf("expected 99, got %d", got)
	}
}

func TestMemoryApply_AllOrNothing(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 5, "wrench": 1})
	ctx := context.Background()

	result, err := m.Apply(ctx, []port.StockDelta{
		{ToolType: "hammer", Delta: -2},
		{ToolType: "wrench", Delta: -2},
	}, "sess-1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != port.ApplyConflict {
		t.Fatalf("expected conflict, got %v", result.Outcome)
	}
	if len(result.Insufficient) != 1 || result.Insufficient[0] != "wrench" {
		t.Errorf("expected insufficient [wrench], got %v", result.Insufficient)
	}
	if got := memQuantity(t, m, "hammer"); got != 5 {
		t.Errorf("partial apply leaked: hammer=%d", got)
	}

	// A failed apply must not burn the session id.
	retry, err := m.Apply(ctx, []port.StockDelta{{ToolType: "hammer", Delta: -2}, {ToolType: "wrench", Delta: -1}}, "sess-1")
	if err != nil {
		t.Fatalf("retry apply: %v", err)
	}
	if retry.Outcome != port.ApplyApplied {
		t.Fatalf("expected retried apply to succeed, got %v", retry.Outcome)
	}
}

func TestMemoryApply_UnknownTool(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 5})
	ctx := context.Background()

	result, err := m.Apply(ctx, []port.StockDelta{
		{ToolType: "hammer", Delta: -1},
		{ToolType: "ghost", Delta: -1},
	}, "sess-1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Outcome != port.ApplyConflict || len(result.Insufficient) != 1 || result.Insufficient[0] != "ghost" {
		t.Fatalf("expected conflict on ghost, got %+v", result)
	}
	if got := memQuantity(t, m, "hammer"); got != 5 {
		t.Errorf("catalog mutated on unknown tool: hammer=%d", got)
	}
}

func TestMemoryApply_DuplicateDeltasCollapse(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 5})
	ctx := context.Background()

	result, err := m.Apply(ctx, []port.StockDelta{
		{ToolType: "hammer", Delta: -2},
		{ToolType: "hammer", Delta: -1},
	}, "sess-1")
	if err != nil || result.Outcome != port.ApplyApplied {
		t.Fatalf("apply: outcome=%v err=%v", result.Outcome, err)
	}
	if got := memQuantity(t, m, "hammer"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestMemoryApply_ConcurrentNoNegativeStock(t *testing.T) {
	m := seedMemory(t, map[string]int{"wrench": 20})
	ctx := context.Background()

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var applied int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := m.Apply(ctx, []port.StockDelta{{ToolType: "wrench", Delta: -1}}, fmt.Sprintf("sess-%d", n))
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if result.Outcome == port.ApplyApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 20 {
		t.Errorf("expected 20 applies, got %d", applied)
	}
	if got := memQuantity(t, m, "wrench"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestMemoryReserveCheck(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 3})
	ctx := context.Background()

	ok, avail, err := m.ReserveCheck(ctx, "hammer", -3)
	if err != nil || !ok || avail != 3 {
		t.Errorf("expected ok with avail 3, got ok=%v avail=%d err=%v", ok, avail, err)
	}
	ok, avail, err = m.ReserveCheck(ctx, "hammer", -4)
	if err != nil || ok || avail != 3 {
		t.Errorf("expected short with avail 3, got ok=%v avail=%d err=%v", ok, avail, err)
	}
	ok, _, err = m.ReserveCheck(ctx, "ghost", -1)
	if err != nil || ok {
		t.Errorf("unknown tool must fail the check, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryUpsertTool_BumpsVersion(t *testing.T) {
	m := seedMemory(t, map[string]int{"hammer": 5})
	ctx := context.Background()

	if err := m.UpsertTool(ctx, domain.ToolType{Key: "hammer", Name: "Claw Hammer", Quantity: 7}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tool, err := m.GetTool(ctx, "hammer")
	if err != nil || tool == nil {
		t.Fatalf("get: tool=%v err=%v", tool, err)
	}
	if tool.Quantity != 7 || tool.Name != "Claw Hammer" || tool.Version != 1 {
		t.Errorf("unexpected tool after upsert: %+v", tool)
	}
}

func TestMemoryListTools_Sorted(t *testing.T) {
	m := seedMemory(t, map[string]int{"wrench": 1, "hammer": 2, "pliers": 3})
	tools, err := m.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 3 || tools[0].Key != "hammer" || tools[1].Key != "pliers" || tools[2].Key != "wrench" {
		t.Errorf("expected sorted keys, got %+v", tools)
	}
}

func TestMemoryRecordOperation(t *testing.T) {
	m := NewMemoryCatalog()
	entry := domain.JournalEntry{SessionID: "sess-1", OperatorID: "op-1", Kind: domain.KindCheckout, Status: domain.StateConfirmed}
	if err := m.RecordOperation(context.Background(), entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	journal := m.Journal()
	if len(journal) != 1 || journal[0].SessionID != "sess-1" {
		t.Errorf("unexpected journal: %+v", journal)
	}
}
