package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	queue := NewQueue[int](4)
	ctx := context.Background()
	finish := make(chan struct{})
	go func() {
		defer close(finish)
		for n := 1; n <= 10; n++ {
			got, ok := queue.Pop(ctx)
			if !ok || got != n {
				t.Errorf("wrong queue order: got %d, want %d", got, n)
				return
			}
		}
	}()
	for n := 1; n <= 10; n++ {
		require.NoError(t, queue.Push(ctx, n))
	}
	<-finish
}

func TestQueueTryPushWhenFull(t *testing.T) {
	queue := NewQueue[string](2)
	assert.True(t, queue.TryPush("a"))
	assert.True(t, queue.TryPush("b"))
	assert.False(t, queue.TryPush("c"))
	assert.Equal(t, 2, queue.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, queue.Push(ctx, "c"), context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	queue := NewQueue[int](2)
	require.True(t, queue.TryPush(1))
	queue.Close()
	queue.Close()
	_, ok := queue.Pop(context.Background())
	assert.False(t, ok)
	assert.False(t, queue.TryPush(2))
	assert.ErrorIs(t, queue.Push(context.Background(), 3), ErrQueueClosed)
	select {
	case <-queue.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
