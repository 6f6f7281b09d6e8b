package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker(t *testing.T) {
	t.Run("ReleaseAllWaiters", func(t *testing.T) {
		b := NewBroker()

		var wg sync.WaitGroup
		errs := make(chan error, 3)
		subs := make([]*Subscription, 3)
		for i := range subs {
			subs[i] = b.Subscribe(SignedKey("test"))
		}
		for _, s := range subs {
			wg.Add(1)
			go func(s *Subscription) {
				defer wg.Done()
				errs <- s.Wait(context.Background(), 5*time.Second)
			}(s)
		}
		other := b.Subscribe(SignedKey("other"))

		assert.Equal(t, 3, b.Publish(SignedKey("test")))
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 1, b.Waiters())

		other.Cancel()
		assert.Equal(t, 0, b.Waiters())
	})

	t.Run("Timeout", func(t *testing.T) {
		b := NewBroker()

		err := b.Subscribe(KeyCRL).Wait(context.Background(), 10*time.Millisecond)
		assert.True(t, errors.Is(err, ErrTimedOut))
		assert.Equal(t, 0, b.Waiters())
	})

	t.Run("Cancel", func(t *testing.T) {
		b := NewBroker()
		ctx, cancel := context.WithCancel(context.Background())

		s := b.Subscribe(KeyCRL)
		done := make(chan error)
		go func() {
			done <- s.Wait(ctx, 5*time.Second)
		}()
		cancel()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(time.Second):
			require.Fail(t, "waiter was not released")
		}
		assert.Equal(t, 0, b.Waiters())
		assert.Equal(t, 0, b.Publish(KeyCRL))
	})

	t.Run("PublishBeforeWait", func(t *testing.T) {
		b := NewBroker()

		s := b.Subscribe(KeyCRL)
		b.Publish(KeyCRL)
		assert.NoError(t, s.Wait(context.Background(), time.Second))
	})
}
