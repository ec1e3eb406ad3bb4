package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/go-sql-driver/mysql"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/port"
)

const mysqlDuplicateEntry = 1062

// MySQLAdapter is the production catalog and journal store. Commits are
// a single transaction: an applied_sessions insert carries idempotence
// through its primary key, and rows are locked FOR UPDATE in sorted key
// order so overlapping applies serialize without deadlocking while
// disjoint ones proceed in parallel.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) ReserveCheck(ctx context.Context, toolType string, delta int) (bool, int, error) {
	var qty int
	err := m.db.QueryRowContext(ctx, `
		SELECT quantity FROM tool_types WHERE tool_key = ?`, toolType,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("query tool %s: %w", toolType, err)
	}
	return qty+delta >= 0, qty, nil
}

func (m *MySQLAdapter) Apply(ctx context.Context, deltas []port.StockDelta, sessionID string) (port.ApplyResult, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return port.ApplyResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The ledger insert decides idempotence: a duplicate key means a
	// prior apply for this session already committed.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applied_sessions (session_id, applied_at) VALUES (?, NOW())`,
		sessionID,
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return port.ApplyResult{Outcome: port.ApplyAlreadyApplied}, nil
		}
		return port.ApplyResult{}, fmt.Errorf("record applied session: %w", err)
	}

	merged := make(map[string]int, len(deltas))
	for _, d := range deltas {
		merged[d.ToolType] += d.Delta
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var insufficient []string
	for _, k := range keys {
		var qty int
		err := tx.QueryRowContext(ctx, `
			SELECT quantity FROM tool_types WHERE tool_key = ? FOR UPDATE`, k,
		).Scan(&qty)
		if errors.Is(err, sql.ErrNoRows) {
			insufficient = append(insufficient, k)
			continue
		}
		if err != nil {
			return port.ApplyResult{}, fmt.Errorf("lock tool %s: %w", k, err)
		}
		if qty+merged[k] < 0 {
			insufficient = append(insufficient, k)
		}
	}
	if len(insufficient) > 0 {
		return port.ApplyResult{Outcome: port.ApplyConflict, Insufficient: insufficient}, nil
	}

	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			UPDATE tool_types
			SET quantity = quantity + ?, version = version + 1, updated_at = NOW()
			WHERE tool_key = ?`,
			merged[k], k,
		)
		if err != nil {
			return port.ApplyResult{}, fmt.Errorf("update tool %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return port.ApplyResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return port.ApplyResult{Outcome: port.ApplyApplied}, nil
}

func (m *MySQLAdapter) GetTool(ctx context.Context, key string) (*domain.ToolType, error) {
	var t domain.ToolType
	err := m.db.QueryRowContext(ctx, `
		SELECT tool_key, name, sku, quantity, version, created_at, updated_at
		FROM tool_types WHERE tool_key = ?`, key,
	).Scan(&t.Key, &t.Name, &t.SKU, &t.Quantity, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query tool %s: %w", key, err)
	}
	return &t, nil
}

func (m *MySQLAdapter) ListTools(ctx context.Context) ([]domain.ToolType, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT tool_key, name, sku, quantity, version, created_at, updated_at
		FROM tool_types ORDER BY tool_key`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var tools []domain.ToolType
	for rows.Next() {
		var t domain.ToolType
		if err := rows.Scan(&t.Key, &t.Name, &t.SKU, &t.Quantity, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (m *MySQLAdapter) UpsertTool(ctx context.Context, tool domain.ToolType) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO tool_types (tool_key, name, sku, quantity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
			name = VALUES(name), sku = VALUES(sku), quantity = VALUES(quantity),
			version = version + 1, updated_at = NOW()`,
		tool.Key, tool.Name, tool.SKU, tool.Quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert tool %s: %w", tool.Key, err)
	}
	return nil
}

func (m *MySQLAdapter) RecordOperation(ctx context.Context, entry domain.JournalEntry) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations (session_id, operator_id, kind, status, declared_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.OperatorID, string(entry.Kind), string(entry.Status),
		entry.DeclaredAt, entry.CompletedAt,
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			// Journal replays are harmless; the first record wins.
			return nil
		}
		return fmt.Errorf("insert operation: %w", err)
	}

	opID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("operation id: %w", err)
	}

	for _, item := range entry.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operation_items
				(operation_id, tool_key, tool_name, detected_quantity, confidence, final_quantity, manually_added)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			opID, item.ToolType, item.Name, item.DetectedQuantity, item.Confidence,
			item.FinalQuantity, item.ManuallyAdded,
		)
		if err != nil {
			return fmt.Errorf("insert operation item %s: %w", item.ToolType, err)
		}
	}

	return tx.Commit()
}
