// Stress driver: many operators race checkout sessions over the same
// tool type; exactly initialStock confirms must succeed and the catalog
// must end at zero.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkharitonov/toolcrib/internal/adapter/storage"
	"github.com/mkharitonov/toolcrib/internal/core/domain"
	"github.com/mkharitonov/toolcrib/internal/core/registry"
	"github.com/mkharitonov/toolcrib/internal/core/service"
)

const (
	toolKey       = "wrench"
	initialStock  = 20
	totalRequests = 50
	queueSize     = 1024
)

func main() {
	ctx := context.Background()

	catalog := storage.NewMemoryCatalog()
	if err := catalog.UpsertTool(ctx, domain.ToolType{Key: toolKey, Name: "Wrench", Quantity: initialStock}); err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	reg := registry.New(30*time.Minute, time.Hour)
	svc := service.NewReconcileService(reg, catalog, nil, queueSize)
	defer svc.Close()

	// Drain the journal in background
	go func() {
		for range svc.JournalQueue() {
		}
	}()

	var successCount atomic.Int32
	var stockFailCount atomic.Int32
	var otherFailCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(operator int) {
			defer wg.Done()

			operatorID := fmt.Sprintf("operator-%d", operator)
			if err := runCheckout(ctx, svc, operatorID); err != nil {
				var insufficient *service.InsufficientStockError
				if errors.As(err, &insufficient) {
					stockFailCount.Add(1)
				} else {
					otherFailCount.Add(1)
					log.Printf("operator %s: %v", operatorID, err)
				}
				return
			}
			successCount.Add(1)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	stockFail := stockFailCount.Load()
	otherFail := otherFailCount.Load()

	fmt.Println("========== STRESS RESULTS ==========")
	fmt.Printf("Initial Stock:      %d\n", initialStock)
	fmt.Printf("Total Requests:     %d\n", totalRequests)
	fmt.Printf("Confirmed:          %d\n", success)
	fmt.Printf("Insufficient Stock: %d\n", stockFail)
	fmt.Printf("Other Failures:     %d\n", otherFail)
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("====================================")

	if success == initialStock && stockFail == totalRequests-initialStock && otherFail == 0 {
		fmt.Printf("PASS: exactly %d confirms succeeded\n", initialStock)
	} else {
		fmt.Printf("FAIL: expected %d confirms, got %d (+%d other failures)\n",
			initialStock, success, otherFail)
	}

	tool, err := catalog.GetTool(ctx, toolKey)
	if err != nil || tool == nil {
		log.Fatalf("read catalog: %v", err)
	}
	fmt.Printf("Final Stock: %d\n", tool.Quantity)
	if tool.Quantity == 0 {
		fmt.Println("PASS: stock depleted to 0")
	} else {
		fmt.Printf("FAIL: expected stock 0, got %d\n", tool.Quantity)
	}
}

func runCheckout(ctx context.Context, svc *service.ReconcileService, operatorID string) error {
	sessionID, err := svc.StartOperation(ctx, operatorID, domain.KindCheckout, time.Now())
	if err != nil {
		return err
	}
	if err := svc.SubmitImage(ctx, sessionID, []byte("stress-image")); err != nil {
		return err
	}
	if err := svc.EnterManualEntry(ctx, sessionID); err != nil {
		return err
	}
	if err := svc.AddLineItem(ctx, sessionID, toolKey, 1); err != nil {
		return err
	}
	_, err = svc.Confirm(ctx, sessionID, false)
	return err
}
