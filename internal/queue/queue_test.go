package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/dispatch-go/contracts"
)

func testMessage(id string) contracts.Message {
	return contracts.Message{
		ID:        id,
		Recipient: "to@example.com",
		Sender:    "from@example.com",
		Subject:   "hello",
		Body:      "body",
		CreatedAt: time.Now().UTC(),
	}
}

func sentStatus(msg contracts.Message) *contracts.DeliveryStatus {
	return &contracts.DeliveryStatus{
		MessageID:   msg.ID,
		Status:      contracts.StatusSent,
		Backend:     "test",
		Attempts:    1,
		LastAttempt: time.Now().UTC(),
	}
}

func TestDispatchQueue(t *testing.T) {
	t.Run("resolves handle on success", func(t *testing.T) {
		q := NewDispatchQueue()
		defer q.Close()

		msg := testMessage("m1")
		handle := q.Enqueue(context.Background(), msg, func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			return sentStatus(m), nil
		})

		select {
		case res := <-handle:
			require.NoError(t, res.Err)
			require.NotNil(t, res.Status)
			assert.Equal(t, "m1", res.Status.MessageID)
			assert.Equal(t, contracts.StatusSent, res.Status.Status)
		case <-time.After(time.Second):
			t.Fatal("handle did not resolve")
		}
	})

	t.Run("resolves handle with failure once attempts exhaust", func(t *testing.T) {
		q := NewDispatchQueue()
		defer q.Close()

		dispatchErr := errors.New("delivery failed")
		calls := int32(0)

		handle := q.Enqueue(context.Background(), testMessage("m1"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			atomic.AddInt32(&calls, 1)
			return nil, dispatchErr
		})

		select {
		case res := <-handle:
			assert.ErrorIs(t, res.Err, dispatchErr)
			assert.Nil(t, res.Status)
		case <-time.After(time.Second):
			t.Fatal("handle did not resolve")
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("requeues failed entries to the tail when attempts remain", func(t *testing.T) {
		q := NewDispatchQueue(WithMaxAttempts(2))
		defer q.Close()

		var mu sync.Mutex
		var order []string

		// m1 fails its first invocation and is requeued behind m2
		h1 := q.Enqueue(context.Background(), testMessage("m1"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			mu.Lock()
			order = append(order, "m1")
			first := len(order) == 1
			mu.Unlock()
			if first {
				return nil, errors.New("transient")
			}
			return sentStatus(m), nil
		})
		h2 := q.Enqueue(context.Background(), testMessage("m2"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			mu.Lock()
			order = append(order, "m2")
			mu.Unlock()
			return sentStatus(m), nil
		})

		res2 := <-h2
		require.NoError(t, res2.Err)
		res1 := <-h1
		require.NoError(t, res1.Err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"m1", "m2", "m1"}, order)
	})

	t.Run("processes one entry at a time", func(t *testing.T) {
		q := NewDispatchQueue()
		defer q.Close()

		var active, maxActive int32
		var handles []<-chan Result

		for i := 0; i < 5; i++ {
			handles = append(handles, q.Enqueue(context.Background(), testMessage("m"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if n <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return sentStatus(m), nil
			}))
		}

		for _, h := range handles {
			select {
			case res := <-h:
				require.NoError(t, res.Err)
			case <-time.After(2 * time.Second):
				t.Fatal("handle did not resolve")
			}
		}

		assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	})

	t.Run("Length includes the in-flight entry", func(t *testing.T) {
		q := NewDispatchQueue()
		defer q.Close()

		release := make(chan struct{})
		started := make(chan struct{})

		q.Enqueue(context.Background(), testMessage("m1"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			close(started)
			<-release
			return sentStatus(m), nil
		})
		<-started

		q.Enqueue(context.Background(), testMessage("m2"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			return sentStatus(m), nil
		})

		assert.Equal(t, 2, q.Length())
		close(release)
	})

	t.Run("Clear discards pending entries without resolving handles", func(t *testing.T) {
		q := NewDispatchQueue()
		defer q.Close()

		release := make(chan struct{})
		started := make(chan struct{})

		h1 := q.Enqueue(context.Background(), testMessage("m1"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			close(started)
			<-release
			return sentStatus(m), nil
		})
		<-started

		h2 := q.Enqueue(context.Background(), testMessage("m2"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			return sentStatus(m), nil
		})

		q.Clear()
		close(release)

		// The in-flight entry still resolves
		select {
		case res := <-h1:
			require.NoError(t, res.Err)
		case <-time.After(time.Second):
			t.Fatal("in-flight handle did not resolve")
		}

		// The cleared entry never does
		select {
		case <-h2:
			t.Fatal("cleared handle should not resolve")
		case <-time.After(50 * time.Millisecond):
		}

		assert.Equal(t, 0, q.Length())
	})

	t.Run("Close resolves pending handles with ErrQueueClosed", func(t *testing.T) {
		q := NewDispatchQueue()

		release := make(chan struct{})
		started := make(chan struct{})

		q.Enqueue(context.Background(), testMessage("m1"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			close(started)
			<-release
			return sentStatus(m), nil
		})
		<-started

		h2 := q.Enqueue(context.Background(), testMessage("m2"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			return sentStatus(m), nil
		})

		require.NoError(t, q.Close())
		close(release)

		select {
		case res := <-h2:
			assert.ErrorIs(t, res.Err, ErrQueueClosed)
		case <-time.After(time.Second):
			t.Fatal("pending handle did not resolve on close")
		}
	})

	t.Run("Enqueue after Close resolves immediately with ErrQueueClosed", func(t *testing.T) {
		q := NewDispatchQueue()
		require.NoError(t, q.Close())

		h := q.Enqueue(context.Background(), testMessage("m1"), func(ctx context.Context, m contracts.Message) (*contracts.DeliveryStatus, error) {
			return sentStatus(m), nil
		})

		res := <-h
		assert.ErrorIs(t, res.Err, ErrQueueClosed)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		q := NewDispatchQueue()
		require.NoError(t, q.Close())
		require.NoError(t, q.Close())
	})
}
