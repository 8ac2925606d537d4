package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/imap"
)

func newFakePool(size int) (*WorkerPool, []*fakeSession) {
	sessions := make([]*fakeSession, 0, size)
	pool := NewWorkerPool(size, func(int) imap.ProtocolSession {
		s := &fakeSession{}
		sessions = append(sessions, s)
		return s
	})
	return pool, sessions
}

func TestWorkerPool(t *testing.T) {
	t.Run("hands out every worker once", func(t *testing.T) {
		pool, _ := newFakePool(3)
		assert.Equal(t, 3, pool.Size())
		assert.Equal(t, 3, pool.Available())

		seen := make(map[int]bool)
		for i := 0; i < 3; i++ {
			w, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			assert.False(t, seen[w.ID], "worker %d handed out twice", w.ID)
			seen[w.ID] = true
		}
		assert.Equal(t, 0, pool.Available())
	})

	t.Run("Acquire blocks until a worker is released", func(t *testing.T) {
		pool, _ := newFakePool(1)
		held, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		got := make(chan *Worker, 1)
		go func() {
			w, err := pool.Acquire(context.Background())
			if err == nil {
				got <- w
			}
		}()

		select {
		case <-got:
			t.Fatal("Acquire returned while the only worker was held")
		case <-time.After(50 * time.Millisecond):
		}

		pool.Release(held)

		select {
		case w := <-got:
			assert.Equal(t, held.ID, w.ID)
			assert.False(t, w.LastUsed().IsZero())
		case <-time.After(time.Second):
			t.Fatal("Acquire did not return after Release")
		}
	})

	t.Run("Acquire gives up when the context is done", func(t *testing.T) {
		pool, _ := newFakePool(1)
		_, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		w, err := pool.Acquire(ctx)
		assert.Nil(t, w)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("size is at least one", func(t *testing.T) {
		pool, sessions := newFakePool(0)
		assert.Equal(t, 1, pool.Size())
		assert.Len(t, sessions, 1)
	})

	t.Run("Close closes idle sessions and keeps workers", func(t *testing.T) {
		pool, sessions := newFakePool(2)
		held, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		pool.Close()

		closed := 0
		for _, s := range sessions {
			if s.closed.Load() > 0 {
				closed++
			}
		}
		assert.Equal(t, 1, closed)
		assert.Equal(t, 1, pool.Available())

		pool.Release(held)
		assert.Equal(t, 2, pool.Available())
	})
}

func TestClaims(t *testing.T) {
	c := newClaims()

	assert.True(t, c.tryClaim("a"))
	assert.False(t, c.tryClaim("a"))
	assert.True(t, c.tryClaim("b"))
	assert.Equal(t, 2, c.active())

	c.release("a")
	assert.True(t, c.tryClaim("a"))
	assert.Equal(t, 2, c.active())
}
