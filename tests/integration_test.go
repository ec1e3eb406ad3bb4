// End-to-end test against real MySQL and Redis. Skipped unless both
// MYSQL_DSN and REDIS_ADDR are set and the schema from schema.sql is
// applied:
//
//	MYSQL_DSN="root:root@tcp(localhost:3306)/toolcrib?parseTime=true" \
//	REDIS_ADDR="localhost:6379" go test ./tests/
package tests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mkharitonov/toolcrib/internal/adapter/storage"
	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/core/registry"
	"github.com/mkharitonov/toolcrib/internal/core/service"
)

type integrationEnv struct {
	catalog *storage.MySQLAdapter
	svc     *service.ReconcileService
	db      *sql.DB
}

func setup(t *testing.T) *integrationEnv {
	t.Helper()

	dsn := os.Getenv("MYSQL_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	if dsn == "" || redisAddr == "" {
		t.Skip("MYSQL_DSN or REDIS_ADDR not set; skipping integration test")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping mysql: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	catalog := storage.NewMySQLAdapter(db)
	lease := storage.NewRedisAdapter(rdb)
	reg := registry.New(30*time.Minute, time.Hour, registry.WithLease(lease))
	svc := service.NewReconcileService(reg, catalog, nil, 256)
	t.Cleanup(svc.Close)

	// Drain journal entries into MySQL the way the server's worker pool does.
	go func() {
		for entry := range svc.JournalQueue() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			catalog.RecordOperation(ctx, entry)
			cancel()
		}
	}()

	return &integrationEnv{catalog: catalog, svc: svc, db: db}
}

func (e *integrationEnv) seedTool(t *testing.T, qty int) string {
	t.Helper()
	key := "it_tool_" + uuid.New().String()[:8]
	if err := e.catalog.UpsertTool(context.Background(), domain.ToolType{Key: key, Name: "Integration Tool", Quantity: qty}); err != nil {
		t.Fatalf("seed tool: %v", err)
	}
	t.Cleanup(func() {
		e.db.Exec(`DELETE FROM tool_types WHERE tool_key = ?`, key)
	})
	return key
}

func (e *integrationEnv) quantity(t *testing.T, key string) int {
	t.Helper()
	tool, err := e.catalog.GetTool(context.Background(), key)
	if err != nil || tool == nil {
		t.Fatalf("get tool %s: tool=%v err=%v", key, tool, err)
	}
	return tool.Quantity
}

func runCheckout(ctx context.Context, svc *service.ReconcileService, operatorID, toolKey string, qty int) (string, error) {
	sessionID, err := svc.StartOperation(ctx, operatorID, domain.KindCheckout, time.Now())
	if err != nil {
		return "", err
	}
	if err := svc.SubmitImage(ctx, sessionID, []byte("integration-image")); err != nil {
		return sessionID, err
	}
	if err := svc.EnterManualEntry(ctx, sessionID); err != nil {
		return sessionID, err
	}
	if err := svc.AddLineItem(ctx, sessionID, toolKey, qty); err != nil {
		return sessionID, err
	}
	_, err = svc.Confirm(ctx, sessionID, false)
	return sessionID, err
}

func TestIntegration_CheckoutThenCheckin(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	key := env.seedTool(t, 5)
	operator := "it-op-" + uuid.New().String()[:8]

	sessionID, err := runCheckout(ctx, env.svc, operator, key, 3)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	t.Cleanup(func() {
		env.db.Exec(`DELETE FROM applied_sessions WHERE session_id = ?`, sessionID)
		env.db.Exec(`DELETE FROM operations WHERE session_id = ?`, sessionID)
	})
	if got := env.quantity(t, key); got != 2 {
		t.Fatalf("after checkout: expected 2, got %d", got)
	}

	// The terminal checkout freed the operator slot, including in Redis.
	checkinID, err := env.svc.StartOperation(ctx, operator, domain.KindCheckin, time.Now())
	if err != nil {
		t.Fatalf("start checkin: %v", err)
	}
	t.Cleanup(func() {
		env.db.Exec(`DELETE FROM applied_sessions WHERE session_id = ?`, checkinID)
		env.db.Exec(`DELETE FROM operations WHERE session_id = ?`, checkinID)
	})
	if err := env.svc.SubmitImage(ctx, checkinID, []byte("integration-image")); err != nil {
		t.Fatalf("submit image: %v", err)
	}
	if err := env.svc.EnterManualEntry(ctx, checkinID); err != nil {
		t.Fatalf("manual entry: %v", err)
	}
	if err := env.svc.AddLineItem(ctx, checkinID, key, 3); err != nil {
		t.Fatalf("add line item: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, checkinID, false); err != nil {
		t.Fatalf("confirm checkin: %v", err)
	}
	if got := env.quantity(t, key); got != 5 {
		t.Fatalf("after checkin: expected 5, got %d", got)
	}

	// Journal rows land asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var count int
		if err := env.db.QueryRow(`SELECT COUNT(*) FROM operations WHERE session_id IN (?, ?)`, sessionID, checkinID).Scan(&count); err != nil {
			t.Fatalf("count operations: %v", err)
		}
		if count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal rows missing: got %d of 2", count)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestIntegration_ConcurrentCheckoutDepletesExactly(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	const initialStock = 10
	const attempts = 25
	key := env.seedTool(t, initialStock)

	var success atomic.Int32
	var stockFail atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			operator := fmt.Sprintf("it-race-%s-%d", key, n)
			sessionID, err := runCheckout(ctx, env.svc, operator, key, 1)
			if sessionID != "" {
				env.db.Exec(`DELETE FROM applied_sessions WHERE session_id = ?`, sessionID)
				env.db.Exec(`DELETE FROM operations WHERE session_id = ?`, sessionID)
			}
			if err != nil {
				var insufficient *service.InsufficientStockError
				if errors.As(err, &insufficient) {
					stockFail.Add(1)
					return
				}
				t.Errorf("operator %s: %v", operator, err)
				return
			}
			success.Add(1)
		}(i)
	}
	wg.Wait()

	if success.Load() != initialStock {
		t.Errorf("expected %d successful checkouts, got %d", initialStock, success.Load())
	}
	if stockFail.Load() != attempts-initialStock {
		t.Errorf("expected %d stock failures, got %d", attempts-initialStock, stockFail.Load())
	}
	if got := env.quantity(t, key); got != 0 {
		t.Errorf("expected stock 0, got %d", got)
	}
}

func TestIntegration_OperatorLeaseAcrossEngines(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// A second engine instance sharing the same Redis must refuse a
	// session for an operator who is active on the first instance.
	rdb := goredis.NewClient(&goredis.Options{Addr: os.Getenv("REDIS_ADDR")})
	t.Cleanup(func() { rdb.Close() })
	lease := storage.NewRedisAdapter(rdb)
	reg2 := registry.New(30*time.Minute, time.Hour, registry.WithLease(lease))
	svc2 := service.NewReconcileService(reg2, env.catalog, nil, 256)
	t.Cleanup(svc2.Close)

	operator := "it-lease-" + uuid.New().String()[:8]

	sessionID, err := env.svc.StartOperation(ctx, operator, domain.KindCheckout, time.Now())
	if err != nil {
		t.Fatalf("start on engine 1: %v", err)
	}

	if _, err := svc2.StartOperation(ctx, operator, domain.KindCheckout, time.Now()); !errors.Is(err, registry.ErrOperatorBusy) {
		t.Fatalf("expected ErrOperatorBusy on engine 2, got: %v", err)
	}

	if err := env.svc.Cancel(ctx, sessionID); err != nil {
		t.Fatalf("cancel on engine 1: %v", err)
	}
	if _, err := svc2.StartOperation(ctx, operator, domain.KindCheckout, time.Now()); err != nil {
		t.Fatalf("start on engine 2 after cancel: %v", err)
	}
}
