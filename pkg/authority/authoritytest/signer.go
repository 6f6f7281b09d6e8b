// Package authoritytest has the in-process Signer for testing.
package authoritytest

import (
	"context"
	"crypto/x509"
	"math/big"
	"sync"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/databasetest"
	"go.f110.dev/certd/pkg/signer"
)

// Signer signs certificates in the same process.
// SetBroken emulates the failure of the signer channel.
// SetRevokeBroken makes only Revoke fail.
type Signer struct {
	CA    *databasetest.Authority
	Store database.CertificateStore

	mu           sync.Mutex
	broken       bool
	revokeBroken bool
	number       int64
	signed       int
	revoked      []*big.Int
}

func NewSigner(ca *databasetest.Authority, store database.CertificateStore) *Signer {
	return &Signer{CA: ca, Store: store}
}

func (s *Signer) Sign(_ context.Context, csr []byte, serverAuth bool) (*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return nil, xerrors.WithStack(signer.ErrUnavailable)
	}
	req, err := cert.ParseCertificateRequest(csr)
	if err != nil {
		return nil, err
	}
	serial, err := cert.NewSerialNumber()
	if err != nil {
		return nil, err
	}
	c, err := cert.SigningCertificateRequest(req, serial, cert.Profile{ServerAuth: serverAuth, Lifetime: 24 * time.Hour}, s.CA.Certificate, s.CA.PrivateKey, time.Now())
	if err != nil {
		return nil, err
	}
	s.signed++

	return c, nil
}

func (s *Signer) Revoke(_ context.Context, serial *big.Int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken || s.revokeBroken {
		return xerrors.WithStack(signer.ErrUnavailable)
	}
	s.revoked = append(s.revoked, serial)
	return nil
}

func (s *Signer) ExportCRL(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return nil, xerrors.WithStack(signer.ErrUnavailable)
	}
	revoked, err := s.Store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, err
	}
	s.number++

	return cert.CreateRevocationList(s.CA.Certificate, s.CA.PrivateKey, big.NewInt(s.number), database.RevocationListEntries(revoked), time.Now(), time.Hour)
}

// SignedCount returns the number of the certificates which are signed by this.
func (s *Signer) SignedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.signed
}

// Revoked returns the serial numbers which are passed to Revoke.
func (s *Signer) Revoked() []*big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := make([]*big.Int, len(s.revoked))
	copy(r, s.revoked)
	return r
}

func (s *Signer) SetBroken(v bool) {
	s.mu.Lock()
	s.broken = v
	s.mu.Unlock()
}

func (s *Signer) SetRevokeBroken(v bool) {
	s.mu.Lock()
	s.revokeBroken = v
	s.mu.Unlock()
}
