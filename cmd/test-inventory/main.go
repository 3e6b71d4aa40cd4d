package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dineflow/chat-commerce-backend/internal/cache"
	"github.com/dineflow/chat-commerce-backend/internal/config"
	"github.com/dineflow/chat-commerce-backend/internal/models"
	"github.com/dineflow/chat-commerce-backend/internal/services"
)

const testItemID = "smoke-test-item"

// Manual smoke test for the reservation engine against live Redis. The
// concurrent section is the point: ten goroutines fight over five units and
// exactly five must win.
func main() {
	fmt.Println("=== Inventory Reservation Test ===")
	fmt.Println()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to Redis
	fmt.Println("Connecting to Redis...")
	ctx := context.Background()
	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer client.Close()
	fmt.Println("✅ Redis connected")

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	inventory := services.NewRedisInventory(client, quiet)

	// Seed a five-unit item
	fmt.Println("\nTEST 1: Seeding canonical stock...")
	err = inventory.SyncFromCanonical(ctx, []models.MenuItem{{
		ItemID:            testItemID,
		Name:              "Smoke Test Thali",
		PricePaise:        25000,
		CategoryID:        "smoke-test",
		IsAvailable:       true,
		AvailableQuantity: 5,
	}})
	if err != nil {
		log.Fatalf("❌ FAILED to sync: %v", err)
	}
	available, err := inventory.Available(ctx, testItemID)
	if err != nil {
		log.Fatalf("❌ FAILED to read availability: %v", err)
	}
	fmt.Printf("✅ SUCCESS: %d units available\n", available)

	// Reserve and verify the count moves
	fmt.Println("\nTEST 2: Reserve two units...")
	if err := inventory.Reserve(ctx, testItemID, 2, "smoke-owner-a"); err != nil {
		log.Fatalf("❌ FAILED to reserve: %v", err)
	}
	available, _ = inventory.Available(ctx, testItemID)
	if available != 3 {
		fmt.Printf("❌ FAILED: expected 3 available, got %d\n", available)
	} else {
		fmt.Println("✅ SUCCESS: 3 units left after reserving 2")
	}

	// Release and verify the units come back
	fmt.Println("\nTEST 3: Release the reservation...")
	if err := inventory.Release(ctx, testItemID, "smoke-owner-a"); err != nil {
		log.Fatalf("❌ FAILED to release: %v", err)
	}
	available, _ = inventory.Available(ctx, testItemID)
	if available != 5 {
		fmt.Printf("❌ FAILED: expected 5 available, got %d\n", available)
	} else {
		fmt.Println("✅ SUCCESS: all 5 units back")
	}

	// The race: ten buyers, five units, no oversell
	fmt.Println("\nTEST 4: Ten concurrent buyers, five units...")
	var wg sync.WaitGroup
	wins := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := fmt.Sprintf("smoke-buyer-%d", n)
			if err := inventory.Reserve(ctx, testItemID, 1, owner); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	reserved, _ := inventory.ReservedTotal(ctx, testItemID)
	available, _ = inventory.Available(ctx, testItemID)
	if winners == 5 && reserved == 5 && available == 0 {
		fmt.Printf("✅ SUCCESS: exactly %d winners, %d reserved, %d available\n", winners, reserved, available)
	} else {
		fmt.Printf("❌ FAILED: %d winners, %d reserved, %d available (want 5/5/0)\n", winners, reserved, available)
	}

	// Clean up: release every buyer and confirm the count restores
	fmt.Println("\nTEST 5: Releasing all buyers...")
	for i := 0; i < 10; i++ {
		_ = inventory.Release(ctx, testItemID, fmt.Sprintf("smoke-buyer-%d", i))
	}
	available, _ = inventory.Available(ctx, testItemID)
	if available != 5 {
		fmt.Printf("❌ FAILED: expected 5 available after release, got %d\n", available)
	} else {
		fmt.Println("✅ SUCCESS: stock fully restored")
	}

	// Drop the smoke keys
	client.Del(ctx, "inventory:available:"+testItemID)

	fmt.Println("\n=== Test Complete ===")
}
