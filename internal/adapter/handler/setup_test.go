package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/adapter/messaging/memory"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

func newTestManager(t *testing.T) (*service.ReservationManager, *memory.Broker) {
	t.Helper()
	store := storage.NewMemoryAdapter()
	broker := memory.NewBroker(1)
	retry := service.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 1}
	publisher := service.NewEventPublisher(broker, retry, zerolog.Nop(), nil)
	manager := service.NewReservationManager(store, store, publisher, service.ManagerConfig{
		DefaultTTL:     time.Minute,
		MaxCASAttempts: 8,
	})

	_, err := manager.AddItem(context.Background(), "sku-1", "SKU-1", 5)
	require.NoError(t, err)
	return manager, broker
}
