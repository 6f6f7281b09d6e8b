package enrollment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.f110.dev/xerrors"

	"go.f110.dev/certd/pkg/config"
)

const ledgerKeyPrefix = "certd:token:"

// Ledger records the consumed tokens when the token must be used only once.
type Ledger interface {
	// Consume marks the checksum as used. It returns ErrInvalidToken if the checksum has been used already.
	Consume(ctx context.Context, checksum string, ttl time.Duration) error
}

// NewLedger returns the memcached ledger if the servers are configured.
// Otherwise the ledger lives in the memory of the process.
func NewLedger(conf *config.Enrollment) Ledger {
	if conf != nil && len(conf.LedgerServers) > 0 {
		return NewMemcachedLedger(conf.LedgerServers...)
	}
	return NewMemoryLedger()
}

type MemoryLedger struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	now      func() time.Time
}

var _ Ledger = &MemoryLedger{}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{consumed: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLedger) Consume(_ context.Context, checksum string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, expireAt := range l.consumed {
		if now.After(expireAt) {
			delete(l.consumed, k)
		}
	}
	if _, ok := l.consumed[checksum]; ok {
		return xerrors.WithMessage(ErrInvalidToken, "already used")
	}
	l.consumed[checksum] = now.Add(ttl)

	return nil
}

type MemcachedLedger struct {
	client *memcache.Client
}

var _ Ledger = &MemcachedLedger{}

func NewMemcachedLedger(servers ...string) *MemcachedLedger {
	return &MemcachedLedger{client: memcache.New(servers...)}
}

func (l *MemcachedLedger) Consume(_ context.Context, checksum string, ttl time.Duration) error {
	// memcached treats an expiration longer than 30 days as the unix time.
	expiration := int32(ttl.Seconds())
	if ttl > 30*24*time.Hour {
		expiration = int32(time.Now().Add(ttl).Unix())
	}
	err := l.client.Add(&memcache.Item{
		Key:        ledgerKeyPrefix + checksum,
		Value:      []byte{1},
		Expiration: expiration,
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return xerrors.WithMessage(ErrInvalidToken, "already used")
	}
	if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}
