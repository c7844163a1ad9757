package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kopilin/inboxsink/internal/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPop_FIFO(t *testing.T) {
	q := New(10)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, batch.Batch{Domain: "a.com"}))
	require.NoError(t, q.Push(ctx, batch.Batch{Domain: "b.com"}))

	b1, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.com", b1.Domain)

	b2, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b.com", b2.Domain)
}

func TestPush_BlocksWhenFullUntilCanceled(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, batch.Batch{Domain: "a.com"}))

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Push(cctx, batch.Batch{Domain: "b.com"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPop_BlocksWhenEmptyUntilCanceled(t *testing.T) {
	q := New(1)
	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok, err := q.Pop(cctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoisonPill_StopsOneConsumer(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	require.NoError(t, q.PushPoisonPill(ctx))

	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLenAndCap(t *testing.T) {
	q := New(5)
	assert.Equal(t, 5, q.Cap())
	assert.Equal(t, 0, q.Len())

	_ = q.Push(context.Background(), batch.Batch{Domain: "a.com"})
	assert.Equal(t, 1, q.Len())
}
