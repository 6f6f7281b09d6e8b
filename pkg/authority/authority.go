// Package authority implements the lifecycle of certificates: requests, signing, revocation and the metadata of them.
// The private key of the CA is never touched here. Every operation against the key goes through Signer.
package authority

import (
	"context"
	"crypto/x509"
	"math/big"
	"sync"
	"time"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/notify"
	"go.f110.dev/certd/pkg/stat"
)

var (
	ErrUnsupportedMediaType = xerrors.New("authority: unsupported media type")
	ErrInvalidRequest       = xerrors.New("authority: invalid request")
	ErrConflict             = xerrors.New("authority: conflict")
	ErrForbidden            = xerrors.New("authority: forbidden")
)

// Signer is the channel to the process which holds the private key.
type Signer interface {
	Sign(ctx context.Context, csr []byte, serverAuth bool) (*x509.Certificate, error)
	Revoke(ctx context.Context, serial *big.Int, revokedAt time.Time) error
	ExportCRL(ctx context.Context) ([]byte, error)
}

type Authority struct {
	conf    *config.Authority
	dynamic *config.Reloadable
	store   database.CertificateStore
	signer  Signer
	broker  *notify.Broker

	locks *keyedMutex
	now   func() time.Time
}

func New(conf *config.Authority, dynamic *config.Reloadable, store database.CertificateStore, signer Signer, broker *notify.Broker) *Authority {
	return &Authority{
		conf:    conf,
		dynamic: dynamic,
		store:   store,
		signer:  signer,
		broker:  broker,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

func (a *Authority) Certificate() *x509.Certificate {
	return a.conf.Certificate
}

func (a *Authority) Policy() *config.Policy {
	return a.dynamic.Get().Policy
}

// Run relays the changes which are made by another process (e.g. certctl) to the waiters.
// Run blocks until ctx is canceled. If the store can't be watched, Run returns immediately.
func (a *Authority) Run(ctx context.Context) error {
	w, ok := a.store.(database.Watcher)
	if !ok {
		return nil
	}

	ch, err := w.Watch(ctx)
	if err != nil {
		return err
	}
	logger.Log.Debug("Start watching the store")
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			switch e.Type {
			case database.EventSigned:
				a.broker.Publish(notify.SignedKey(e.CommonName))
			case database.EventRevoked:
				a.broker.Publish(notify.KeyCRL)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Authority) GetRequest(ctx context.Context, cn string) (*database.CertificateRequest, error) {
	return a.store.GetRequest(ctx, cn)
}

func (a *Authority) ListRequests(ctx context.Context) ([]*database.CertificateRequest, error) {
	return a.store.ListRequests(ctx)
}

func (a *Authority) GetSignedCertificate(ctx context.Context, cn string) (*database.SignedCertificate, error) {
	return a.store.GetSignedCertificate(ctx, cn)
}

func (a *Authority) ListSignedCertificates(ctx context.Context) ([]*database.SignedCertificate, error) {
	return a.store.ListSignedCertificates(ctx)
}

func (a *Authority) ListRevokedCertificates(ctx context.Context) ([]*database.RevokedCertificate, error) {
	return a.store.ListRevokedCertificates(ctx)
}

func (a *Authority) wait(ctx context.Context, sub *notify.Subscription, timeout time.Duration) error {
	stat.Value.StartWaiting()
	defer stat.Value.StopWaiting()

	return sub.Wait(ctx, timeout)
}

func audit(ctx context.Context, msg string, fields ...zap.Field) {
	fields = append(fields, zap.String("principal", auth.Name(ctx)), logger.RequestId(ctx))
	logger.Audit.Info(msg, fields...)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	mu  sync.Mutex
	ref int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedMutexEntry)}
}

// Lock locks key and returns the function to unlock it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedMutexEntry{}
		k.locks[key] = e
	}
	e.ref++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
