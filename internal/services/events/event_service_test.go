package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/interfaces"
)

func TestService_SubscribeRejectsNilHandler(t *testing.T) {
	service := NewService(arbor.NewLogger())
	assert.Error(t, service.Subscribe(interfaces.EventProgress, nil))
}

func TestService_PublishSyncPreservesCallOrder(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	var mu sync.Mutex
	var seen []int
	require.NoError(t, service.Subscribe(interfaces.EventProgress, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Payload.(int))
		return nil
	}))

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventProgress, Payload: i}))
	}

	require.Len(t, seen, 50)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestService_PublishSyncReportsHandlerFaults(t *testing.T) {
	service := NewService(arbor.NewLogger())
	defer service.Close()

	require.NoError(t, service.Subscribe(interfaces.EventBatchChunk, func(context.Context, interfaces.Event) error {
		return errors.New("write failed")
	}))
	require.NoError(t, service.Subscribe(interfaces.EventBatchChunk, func(context.Context, interfaces.Event) error {
		panic("handler bug")
	}))

	err := service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventBatchChunk})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
}

func TestService_PublishWithoutSubscribers(t *testing.T) {
	service := NewService(arbor.NewLogger())
	ctx := context.Background()

	assert.NoError(t, service.PublishSync(ctx, interfaces.Event{Type: interfaces.EventBatchStart}))
}

func TestService_CloseDropsSubscribers(t *testing.T) {
	service := NewService(arbor.NewLogger())

	called := false
	require.NoError(t, service.Subscribe(interfaces.EventProgress, func(context.Context, interfaces.Event) error {
		called = true
		return nil
	}))
	require.NoError(t, service.Close())

	require.NoError(t, service.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventProgress}))
	assert.False(t, called)
}
