package certctl

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/authority/authoritytest"
	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/databasetest"
	"go.f110.dev/certd/pkg/database/memory"
	"go.f110.dev/certd/pkg/enrollment"
	"go.f110.dev/certd/pkg/notify"
)

type fixture struct {
	CA     *databasetest.Authority
	Store  *memory.Store
	Signer *authoritytest.Signer
	Out    *bytes.Buffer
	Env    *environment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	policy := &config.Policy{}
	require.NoError(t, policy.Load())
	conf := &config.Enrollment{
		Enabled:       true,
		Secret:        []byte("secret"),
		TokenLifetime: config.Duration{Duration: time.Hour},
		BundleFormat:  config.BundleFormatPEM,
	}
	dynamic := config.NewReloadable(&config.Dynamic{Policy: policy, Enrollment: conf})

	ca := databasetest.NewAuthority(t)
	store := memory.NewStore()
	s := authoritytest.NewSigner(ca, store)
	a := authority.New(&config.Authority{Certificate: ca.Certificate}, dynamic, store, s, notify.NewBroker())
	out := new(bytes.Buffer)

	return &fixture{
		CA:     ca,
		Store:  store,
		Signer: s,
		Out:    out,
		Env: &environment{
			Authority:  a,
			Enrollment: enrollment.NewService(ca.Certificate, dynamic, a, enrollment.NewMemoryLedger()),
			Out:        out,
		},
	}
}

func TestSignAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.Store.SetRequest(ctx, f.CA.NewRequest(t, "alice")))
	require.NoError(t, f.Store.SetRequest(ctx, f.CA.NewRequest(t, "bob")))

	require.NoError(t, list(ctx, f.Env))
	assert.Contains(t, f.Out.String(), "STATE")
	assert.Equal(t, 2, strings.Count(f.Out.String(), "pending"))

	f.Out.Reset()
	require.NoError(t, sign(ctx, f.Env, "alice", false))
	assert.Contains(t, f.Out.String(), "Signed alice")
	assert.Equal(t, 1, f.Signer.SignedCount())

	f.Out.Reset()
	require.NoError(t, reject(ctx, f.Env, "bob"))
	assert.Equal(t, "Rejected bob\n", f.Out.String())
	_, err := f.Store.GetRequest(ctx, "bob")
	assert.ErrorIs(t, err, database.ErrNotFound)

	f.Out.Reset()
	require.NoError(t, revoke(ctx, f.Env, "alice"))
	assert.Equal(t, "Revoked alice\n", f.Out.String())
	assert.Len(t, f.Signer.Revoked(), 1)

	f.Out.Reset()
	require.NoError(t, list(ctx, f.Env))
	assert.Contains(t, f.Out.String(), "revoked")
	assert.NotContains(t, f.Out.String(), "pending")

	err = sign(ctx, f.Env, "carol", false)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.Store.SetSignedCertificate(ctx, f.CA.Sign(t, f.CA.NewRequest(t, "alice"))))

	require.NoError(t, setLease(ctx, f.Env, "alice", "10.8.0.2"))
	assert.Equal(t, "10.8.0.2 is leased to alice\n", f.Out.String())

	f.Out.Reset()
	require.NoError(t, getLease(ctx, f.Env, "alice"))
	assert.True(t, strings.HasPrefix(f.Out.String(), "10.8.0.2\t"))

	err := setLease(ctx, f.Env, "alice", "not-an-address")
	require.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, issueToken(context.Background(), f.Env, "alice", "https://ca.example.com/"))
	u, err := url.Parse(strings.TrimSpace(f.Out.String()))
	require.NoError(t, err)
	assert.Equal(t, "/api/token/", u.Path)
	assert.Equal(t, "alice", u.Query().Get("u"))

	f.Out.Reset()
	require.NoError(t, issueToken(context.Background(), f.Env, "bob", ""))
	q, err := url.ParseQuery(strings.TrimSpace(f.Out.String()))
	require.NoError(t, err)
	assert.Equal(t, "bob", q.Get("u"))
}

func TestOpenEnvironment(t *testing.T) {
	dir := t.TempDir()
	ca := databasetest.NewAuthority(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), cert.EncodeCertificate(ca.Certificate), 0644))
	confFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(confFile, []byte(`authority:
  cert_file: ./ca.crt
signer:
  socket: ./signer.sock
datastore:
  url: memory://
`), 0644))

	_, err := openEnvironment(context.Background(), confFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory datastore")
}
