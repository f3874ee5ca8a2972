package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/userlist/userlist/pkg/models"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	a := models.LockOf(models.Record{ID: 1, Name: "A"})
	b := models.UnlockOf(models.Record{ID: 1, Name: "A"})
	c := models.LockOf(models.Record{ID: 2, Name: "B"})

	q.Push(a)
	q.Push(b)
	q.PushFront(c)
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []models.RecordNotification{c, a, b} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	want := models.LockOf(models.Record{ID: 3, Name: "C"})

	got := make(chan models.RecordNotification, 1)
	go func() {
		n, err := q.Pop(context.Background())
		if err == nil {
			got <- n
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(want)

	select {
	case n := <-got:
		assert.Equal(t, want, n)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueIsUnbounded(t *testing.T) {
	q := NewQueue()
	const n = 10000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			q.Push(models.LockOf(models.Record{ID: int64(i)}))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
	assert.Equal(t, n, q.Len())
}

func TestQueuePendingCountsInFlight(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	q.Push(models.LockOf(models.Record{ID: 1}))
	q.Push(models.UnlockOf(models.Record{ID: 1}))
	assert.Equal(t, 2, q.Pending())

	n, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.Pending())

	q.PushFront(n)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Pending())

	for i := 0; i < 2; i++ {
		_, err := q.Pop(ctx)
		require.NoError(t, err)
		q.Ack()
	}
	assert.Equal(t, 0, q.Pending())

	q.Ack()
	assert.Equal(t, 0, q.Pending())
}
