// Package notify provides the keyed wait/notify primitive used by the long-poll endpoints.
package notify

import (
	"context"
	"sync"
	"time"

	"go.f110.dev/xerrors"
)

var ErrTimedOut = xerrors.New("notify: timed out")

const KeyCRL = "crl"

func SignedKey(cn string) string {
	return "signed:" + cn
}

type waiter struct {
	ch chan struct{}
}

// Broker releases every waiter registered on a key at once when the key is published.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]map[*waiter]struct{}
}

func NewBroker() *Broker {
	return &Broker{waiters: make(map[string]map[*waiter]struct{})}
}

// Subscription is a registered waiter. Call Cancel when the subscription is no longer needed.
type Subscription struct {
	broker *Broker
	key    string
	w      *waiter
}

// Subscribe registers a waiter on key.
// Subscribe before checking the current state so that an event between the check and the wait is not lost.
func (b *Broker) Subscribe(key string) *Subscription {
	w := &waiter{ch: make(chan struct{})}

	b.mu.Lock()
	if _, ok := b.waiters[key]; !ok {
		b.waiters[key] = make(map[*waiter]struct{})
	}
	b.waiters[key][w] = struct{}{}
	b.mu.Unlock()

	return &Subscription{broker: b, key: key, w: w}
}

// Done returns the channel which is closed when the key is published.
func (s *Subscription) Done() <-chan struct{} {
	return s.w.ch
}

// Wait blocks until the key is published, the context is canceled or timeout elapses.
// The subscription is always cancelled on return.
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) error {
	defer s.Cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.w.ch:
		return nil
	case <-t.C:
		return ErrTimedOut
	case <-ctx.Done():
		return xerrors.WithStack(ctx.Err())
	}
}

func (s *Subscription) Cancel() {
	s.broker.remove(s.key, s.w)
}

// Publish releases all waiters on key and returns the number of released waiters.
func (b *Broker) Publish(key string) int {
	b.mu.Lock()
	waiters := b.waiters[key]
	delete(b.waiters, key)
	b.mu.Unlock()

	for w := range waiters {
		close(w.ch)
	}

	return len(waiters)
}

// Waiters returns the number of waiters on all keys.
func (b *Broker) Waiters() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, v := range b.waiters {
		n += len(v)
	}
	return n
}

func (b *Broker) remove(key string, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.waiters[key]
	if !ok {
		return
	}
	delete(m, w)
	if len(m) == 0 {
		delete(b.waiters, key)
	}
}
