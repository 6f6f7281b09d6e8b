package cmd

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStateInit State = iota
	testStateStart
	testStateShutdown
)

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]State{}, r.states...)
}

func runLoop(t *testing.T, f *FSM) error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.Loop()
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Loop doesn't return")
	}
	return nil
}

func TestFSM(t *testing.T) {
	t.Run("Normal", func(t *testing.T) {
		r := &recorder{}
		var f *FSM
		f = NewFSM(map[State]StateFunc{
			testStateInit: func() (State, error) {
				r.record(testStateInit)
				return testStateStart, nil
			},
			testStateStart: func() (State, error) {
				r.record(testStateStart)
				go f.Shutdown()
				return WaitState, nil
			},
			testStateShutdown: func() (State, error) {
				r.record(testStateShutdown)
				return CloseState, nil
			},
		}, testStateInit, testStateShutdown)

		err := runLoop(t, f)
		require.NoError(t, err)
		assert.Equal(t, []State{testStateInit, testStateStart, testStateShutdown}, r.get())
	})

	t.Run("Error", func(t *testing.T) {
		r := &recorder{}
		failure := errors.New("failure")
		f := NewFSM(map[State]StateFunc{
			testStateInit: func() (State, error) {
				r.record(testStateInit)
				return UnknownState, failure
			},
			testStateStart: func() (State, error) {
				r.record(testStateStart)
				return WaitState, nil
			},
			testStateShutdown: func() (State, error) {
				r.record(testStateShutdown)
				return CloseState, nil
			},
		}, testStateInit, testStateShutdown)

		err := runLoop(t, f)
		require.Error(t, err)
		assert.ErrorIs(t, err, failure)
		assert.Equal(t, []State{testStateInit, testStateShutdown}, r.get())
	})

	t.Run("ErrorWhileClosing", func(t *testing.T) {
		f := NewFSM(map[State]StateFunc{
			testStateInit: func() (State, error) {
				return testStateShutdown, nil
			},
			testStateShutdown: func() (State, error) {
				return UnknownState, errors.New("failure")
			},
		}, testStateInit, testStateShutdown)

		err := runLoop(t, f)
		require.Error(t, err)
	})

	t.Run("UnrecognizedState", func(t *testing.T) {
		f := NewFSM(map[State]StateFunc{
			testStateInit: func() (State, error) {
				return State(100), nil
			},
		}, testStateInit, testStateShutdown)

		err := runLoop(t, f)
		assert.ErrorIs(t, err, ErrUnrecognizedState)
	})
}
