package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/port"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tool_types (
	tool_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	sku TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL CHECK (quantity >= 0),
	version INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS applied_sessions (
	session_id TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	operator_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	declared_at TEXT NOT NULL,
	completed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operation_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id INTEGER NOT NULL,
	tool_key TEXT NOT NULL,
	tool_name TEXT,
	detected_quantity INTEGER,
	confidence REAL,
	final_quantity INTEGER NOT NULL,
	manually_added INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(operation_id) REFERENCES operations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_operation_items_operation
ON operation_items(operation_id);`

// SQLiteAdapter is the embedded catalog and journal store for
// single-node deployments. SQLite serializes writers itself, so the
// idempotency ledger plus guarded updates inside one transaction give
// the same commit semantics as the MySQL adapter.
type SQLiteAdapter struct {
	db *sql.DB
}

func NewSQLiteAdapter(dsn string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection keeps SQLITE_BUSY out of the commit path.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteAdapter{db: db}, nil
}

func (s *SQLiteAdapter) Close() error {
	return s.db.Close()
}

func (s *SQLiteAdapter) ReserveCheck(ctx context.Context, toolType string, delta int) (bool, int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
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

func (s *SQLiteAdapter) Apply(ctx context.Context, deltas []port.StockDelta, sessionID string) (port.ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return port.ApplyResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO applied_sessions (session_id, applied_at) VALUES (?, ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return port.ApplyResult{}, fmt.Errorf("record applied session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return port.ApplyResult{Outcome: port.ApplyAlreadyApplied}, nil
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
			SELECT quantity FROM tool_types WHERE tool_key = ?`, k,
		).Scan(&qty)
		if errors.Is(err, sql.ErrNoRows) {
			insufficient = append(insufficient, k)
			continue
		}
		if err != nil {
			return port.ApplyResult{}, fmt.Errorf("query tool %s: %w", k, err)
		}
		if qty+merged[k] < 0 {
			insufficient = append(insufficient, k)
		}
	}
	if len(insufficient) > 0 {
		return port.ApplyResult{Outcome: port.ApplyConflict, Insufficient: insufficient}, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			UPDATE tool_types
			SET quantity = quantity + ?, version = version + 1, updated_at = ?
			WHERE tool_key = ?`,
			merged[k], now, k,
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

func (s *SQLiteAdapter) GetTool(ctx context.Context, key string) (*domain.ToolType, error) {
	var t domain.ToolType
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tool_key, name, sku, quantity, version, created_at, updated_at
		FROM tool_types WHERE tool_key = ?`, key,
	).Scan(&t.Key, &t.Name, &t.SKU, &t.Quantity, &t.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query tool %s: %w", key, err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &t, nil
}

func (s *SQLiteAdapter) ListTools(ctx context.Context) ([]domain.ToolType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_key, name, sku, quantity, version, created_at, updated_at
		FROM tool_types ORDER BY tool_key`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var tools []domain.ToolType
	for rows.Next() {
		var t domain.ToolType
		var created, updated string
		if err := rows.Scan(&t.Key, &t.Name, &t.SKU, &t.Quantity, &t.Version, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (s *SQLiteAdapter) UpsertTool(ctx context.Context, tool domain.ToolType) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_types (tool_key, name, sku, quantity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(tool_key) DO UPDATE SET
			name = excluded.name, sku = excluded.sku, quantity = excluded.quantity,
			version = version + 1, updated_at = excluded.updated_at`,
		tool.Key, tool.Name, tool.SKU, tool.Quantity, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert tool %s: %w", tool.Key, err)
	}
	return nil
}

func (s *SQLiteAdapter) RecordOperation(ctx context.Context, entry domain.JournalEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO operations (session_id, operator_id, kind, status, declared_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.OperatorID, string(entry.Kind), string(entry.Status),
		entry.DeclaredAt.UTC().Format(time.RFC3339Nano),
		entry.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Journal replays are harmless; the first record wins.
		return nil
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
