package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoll(t *testing.T) {
	t.Run("Done", func(t *testing.T) {
		var count int32
		err := Poll(context.Background(), 10*time.Millisecond, time.Second, func(_ context.Context) (bool, error) {
			return atomic.AddInt32(&count, 1) == 3, nil
		})
		assert.NoError(t, err)
		assert.EqualValues(t, 3, atomic.LoadInt32(&count))
	})

	t.Run("TimedOut", func(t *testing.T) {
		err := Poll(context.Background(), 10*time.Millisecond, 50*time.Millisecond, func(_ context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, ErrTimedOut)
	})

	t.Run("Error", func(t *testing.T) {
		failure := errors.New("failure")
		err := Poll(context.Background(), 10*time.Millisecond, time.Second, func(_ context.Context) (bool, error) {
			return false, failure
		})
		assert.ErrorIs(t, err, failure)
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Poll(ctx, 10*time.Millisecond, time.Second, func(_ context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPollImmediate(t *testing.T) {
	var count int32
	err := PollImmediate(context.Background(), time.Hour, time.Second, func(_ context.Context) (bool, error) {
		atomic.AddInt32(&count, 1)
		return true, nil
	})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}
