package cmd

import (
	"errors"
	"os"
	"os/signal"
	"sync"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/logger"
)

type State int
type StateFunc func() (State, error)

const (
	UnknownState State = -255
	// WaitState keeps the current state until something else calls NextState or Shutdown.
	WaitState  State = -254
	CloseState State = -253
)

var (
	ErrUnrecognizedState = errors.New("unrecognized state")
)

// FSM runs the lifecycle of a daemon.
// Each StateFunc runs in its own goroutine and returns the next state.
// An error of a StateFunc moves the machine into the close state.
type FSM struct {
	ch         chan State
	done       chan struct{}
	funcs      map[State]StateFunc
	initState  State
	closeState State

	mu      sync.Mutex
	closing bool
	err     error
}

func NewFSM(funcs map[State]StateFunc, initState, closeState State) *FSM {
	return &FSM{
		ch:         make(chan State),
		done:       make(chan struct{}),
		funcs:      funcs,
		initState:  initState,
		closeState: closeState,
	}
}

// SignalHandling moves the machine into the close state when one of signals is received.
func (f *FSM) SignalHandling(signals ...os.Signal) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, signals...)

	go func() {
		defer signal.Stop(signalCh)

		select {
		case sig := <-signalCh:
			logger.Log.Info("Received signal", zap.String("signal", sig.String()))
			f.Shutdown()
		case <-f.done:
		}
	}()
}

// Loop blocks until the machine reaches CloseState.
// The returned error is the first error which is returned by a StateFunc.
func (f *FSM) Loop() error {
	go f.nextState(f.initState)

	for {
		var s State
		select {
		case s = <-f.ch:
		case <-f.done:
			return f.Err()
		}

		fn, ok := f.funcs[s]
		if !ok {
			return xerrors.WithMessagef(ErrUnrecognizedState, "state %d", s)
		}

		go func(s State) {
			nxt, err := fn()
			switch {
			case err != nil:
				logger.Log.Error("Failed state function", zap.Int("state", int(s)), zap.Error(err))
				f.setErr(err)
				if f.isClosing() {
					f.finish()
					return
				}
				f.Shutdown()
			case nxt == CloseState:
				f.finish()
			case nxt == WaitState, nxt == UnknownState:
			default:
				f.nextState(nxt)
			}
		}(s)
	}
}

// NextState moves the machine into s from outside of a StateFunc.
func (f *FSM) NextState(s State) {
	f.nextState(s)
}

// Shutdown moves the machine into the close state. Second and subsequent calls are ignored.
func (f *FSM) Shutdown() {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	f.closing = true
	f.mu.Unlock()

	f.nextState(f.closeState)
}

func (f *FSM) isClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closing
}

func (f *FSM) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

func (f *FSM) setErr(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
}

func (f *FSM) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *FSM) nextState(s State) {
	select {
	case f.ch <- s:
	case <-f.done:
	}
}
