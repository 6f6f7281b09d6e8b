// Package databasetest has the behaviours which every implementation of database.CertificateStore must satisfy.
package databasetest

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/database"
)

type Authority struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

func NewAuthority(t *testing.T) *Authority {
	t.Helper()

	c, k, err := cert.CreateCertificateAuthority("for test", "test", "", "jp", cert.PrivateKeyTypeEcdsa)
	require.NoError(t, err)
	return &Authority{Certificate: c, PrivateKey: k}
}

func (a *Authority) NewRequest(t *testing.T, cn string) *database.CertificateRequest {
	t.Helper()

	b, _, err := cert.CreatePrivateKeyAndCertificateRequest(pkix.Name{CommonName: cn}, nil)
	require.NoError(t, err)
	csr, err := cert.ParseCertificateRequest(b)
	require.NoError(t, err)

	return database.NewCertificateRequest(csr, "127.0.0.1", time.Now().Truncate(time.Second))
}

func (a *Authority) Sign(t *testing.T, req *database.CertificateRequest) *database.SignedCertificate {
	t.Helper()

	serial, err := cert.NewSerialNumber()
	require.NoError(t, err)
	c, err := cert.SigningCertificateRequest(req.Request, serial, cert.Profile{Lifetime: 24 * time.Hour}, a.Certificate, a.PrivateKey, time.Now())
	require.NoError(t, err)

	return &database.SignedCertificate{Certificate: c, IssuedAt: time.Now().Truncate(time.Second)}
}

// Run executes the common test cases against the store created by newStore.
// newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) database.CertificateStore) {
	ca := NewAuthority(t)

	t.Run("Request", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetRequest(ctx, "alice")
		assert.True(t, errors.Is(err, database.ErrNotFound))

		req := ca.NewRequest(t, "alice")
		require.NoError(t, s.SetRequest(ctx, req))
		err = s.SetRequest(ctx, ca.NewRequest(t, "alice"))
		assert.True(t, errors.Is(err, database.ErrAlreadyExists))

		got, err := s.GetRequest(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.CommonName)
		assert.True(t, cert.PublicKeyEqual(req.PublicKey(), got.PublicKey()))
		assert.Equal(t, "127.0.0.1", got.RemoteAddr)

		require.NoError(t, s.SetRequest(ctx, ca.NewRequest(t, "bob")))
		list, err := s.ListRequests(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.DeleteRequest(ctx, "bob"))
		err = s.DeleteRequest(ctx, "bob")
		assert.True(t, errors.Is(err, database.ErrNotFound))
	})

	t.Run("Sign", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		req := ca.NewRequest(t, "alice")
		require.NoError(t, s.SetRequest(ctx, req))
		signed := ca.Sign(t, req)
		require.NoError(t, s.SetSignedCertificate(ctx, signed))

		_, err := s.GetRequest(ctx, "alice")
		assert.True(t, errors.Is(err, database.ErrNotFound), "the pending request should be consumed")

		got, err := s.GetSignedCertificate(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, got.SerialNumber().Cmp(signed.SerialNumber()))

		err = s.SetSignedCertificate(ctx, ca.Sign(t, ca.NewRequest(t, "alice")))
		assert.True(t, errors.Is(err, database.ErrAlreadyExists))

		list, err := s.ListSignedCertificates(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("Revoke", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		signed := ca.Sign(t, ca.NewRequest(t, "alice"))
		require.NoError(t, s.SetSignedCertificate(ctx, signed))
		require.NoError(t, s.SetTag(ctx, "alice", "os", "linux"))

		revokedAt := time.Now().Truncate(time.Second)
		revoked, err := s.RevokeCertificate(ctx, "alice", revokedAt)
		require.NoError(t, err)
		assert.Equal(t, "alice", revoked.CommonName)
		assert.Equal(t, 0, revoked.SerialNumber.Cmp(signed.SerialNumber()))

		_, err = s.GetSignedCertificate(ctx, "alice")
		assert.True(t, errors.Is(err, database.ErrNotFound))
		_, err = s.RevokeCertificate(ctx, "alice", revokedAt)
		assert.True(t, errors.Is(err, database.ErrNotFound))

		list, err := s.ListRevokedCertificates(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 0, list[0].SerialNumber.Cmp(signed.SerialNumber()))
		assert.True(t, list[0].RevokedAt.Equal(revokedAt))

		// The same CN can be signed again after revocation
		require.NoError(t, s.SetSignedCertificate(ctx, ca.Sign(t, ca.NewRequest(t, "alice"))))
		tags, err := s.GetTags(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, tags, 0)
	})

	t.Run("Lease", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.SetLease(ctx, "alice", &database.Lease{Address: "127.0.0.1"})
		assert.True(t, errors.Is(err, database.ErrNotFound))

		require.NoError(t, s.SetSignedCertificate(ctx, ca.Sign(t, ca.NewRequest(t, "alice"))))
		_, err = s.GetLease(ctx, "alice")
		assert.True(t, errors.Is(err, database.ErrNotFound))

		lastSeen := time.Now().Truncate(time.Second)
		require.NoError(t, s.SetLease(ctx, "alice", &database.Lease{Address: "127.0.0.1", LastSeen: lastSeen}))
		lease, err := s.GetLease(ctx, "alice")
		require.NoError(t, err)
		// time.Time is compared by Equal so that the location of the stored time doesn't matter
		if diff := cmp.Diff(&database.Lease{Address: "127.0.0.1", LastSeen: lastSeen}, lease); diff != "" {
			assert.Fail(t, "unexpected lease", diff)
		}

		require.NoError(t, s.SetLease(ctx, "alice", &database.Lease{Address: "127.0.0.2", LastSeen: lastSeen}))
		lease, err = s.GetLease(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.2", lease.Address)
	})

	t.Run("Tag", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetTags(ctx, "alice")
		assert.True(t, errors.Is(err, database.ErrNotFound))

		require.NoError(t, s.SetSignedCertificate(ctx, ca.Sign(t, ca.NewRequest(t, "alice"))))
		require.NoError(t, s.SetTag(ctx, "alice", "os", "linux"))
		require.NoError(t, s.SetTag(ctx, "alice", "location", "tokyo"))
		require.NoError(t, s.SetTag(ctx, "alice", "os", "windows"))

		tags, err := s.GetTags(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []*database.Tag{{Key: "location", Value: "tokyo"}, {Key: "os", Value: "windows"}}, tags)

		require.NoError(t, s.DeleteTag(ctx, "alice", "os"))
		err = s.DeleteTag(ctx, "alice", "os")
		assert.True(t, errors.Is(err, database.ErrNotFound))
		err = s.DeleteTag(ctx, "bob", "os")
		assert.True(t, errors.Is(err, database.ErrNotFound))
	})
}
