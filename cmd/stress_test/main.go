package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-reservation/internal/adapter/messaging/memory"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/port"
)

type store interface {
	port.ItemStore
	port.ReservationRepository
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address; empty runs in memory")
	initialStock := flag.Int("stock", 20, "initial available units")
	totalRequests := flag.Int("requests", 50, "concurrent reservations of one unit each")
	flag.Parse()

	ctx := context.Background()
	itemID := "stress-item-" + uuid.NewString()[:8]

	var st store = storage.NewMemoryAdapter()
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		st = storage.NewRedisAdapter(rdb)
	}

	publisher := service.NewEventPublisher(memory.NewBroker(1), service.DefaultRetryConfig(), zerolog.Nop(), nil)
	manager := service.NewReservationManager(st, st, publisher, service.ManagerConfig{
		DefaultTTL:     time.Minute,
		MaxCASAttempts: 64,
	})

	if _, err := manager.AddItem(ctx, itemID, "STRESS", *initialStock); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}

	var successCount, soldOutCount, conflictCount atomic.Int32

	var g errgroup.Group
	start := time.Now()
	for i := 0; i < *totalRequests; i++ {
		g.Go(func() error {
			_, err := manager.Reserve(ctx, itemID, 1, fmt.Sprintf("order-%d", i), 0)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			case errors.Is(err, domain.ErrConcurrencyConflict):
				conflictCount.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("reserve failed: %v", err)
	}
	elapsed := time.Since(start)

	success := successCount.Load()
	item, err := manager.GetItem(ctx, itemID)
	if err != nil {
		log.Fatalf("failed to read item: %v", err)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("CAS Exhausted:    %d\n", conflictCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Final Item:       available=%d reserved=%d\n", item.Available, item.Reserved)
	fmt.Println("==========================================")

	expected := min(*initialStock, *totalRequests)
	if int(success) > *initialStock {
		fmt.Printf("FAIL: oversold, %d reservations for %d units\n", success, *initialStock)
	} else if int(success) == expected && conflictCount.Load() == 0 {
		fmt.Printf("PASS: exactly %d reservations succeeded\n", expected)
	} else {
		fmt.Printf("WARN: %d of %d expected reservations, %d gave up on contention\n", success, expected, conflictCount.Load())
	}

	if item.Available+item.Reserved == *initialStock && item.Reserved == int(success) {
		fmt.Println("PASS: available + reserved equals initial stock")
	} else {
		fmt.Printf("FAIL: available %d + reserved %d != %d\n", item.Available, item.Reserved, *initialStock)
	}
}
