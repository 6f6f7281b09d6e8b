package enrollment

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/authority/authoritytest"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/databasetest"
	"go.f110.dev/certd/pkg/database/memory"
	"go.f110.dev/certd/pkg/notify"
)

const (
	windows7  = "Mozilla/5.0 (Windows NT 6.1; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/109.0.0.0 Safari/537.36"
	windows10 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	iphone    = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	android   = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	macos     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
	linux     = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"
)

func TestIssuer(t *testing.T) {
	now := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	issuer := NewIssuer([]byte("secret"), 48*time.Hour)

	token, err := issuer.Issue("alice", now)
	require.NoError(t, err)
	assert.Regexp(t, `^u=alice&t=\d+&c=[0-9a-f]{64}$`, token.String())

	query, err := url.ParseQuery(token.String())
	require.NoError(t, err)

	t.Run("Valid", func(t *testing.T) {
		v, err := issuer.Verify(query, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "alice", v.User)
		assert.True(t, v.IssuedAt.Equal(now))

		// Replay is allowed until expiry
		_, err = issuer.Verify(query, now.Add(47*time.Hour))
		require.NoError(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		_, err := issuer.Verify(query, now.Add(48*time.Hour+time.Second))
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("Future", func(t *testing.T) {
		_, err := issuer.Verify(query, now.Add(-2*time.Minute))
		assert.True(t, errors.Is(err, ErrInvalidToken))

		_, err = issuer.Verify(query, now.Add(-30*time.Second))
		assert.NoError(t, err)
	})

	t.Run("Tampered", func(t *testing.T) {
		q := url.Values{}
		q.Set("u", "bob")
		q.Set("t", query.Get("t"))
		q.Set("c", query.Get("c"))
		_, err := issuer.Verify(q, now)
		assert.True(t, errors.Is(err, ErrInvalidToken))

		_, err = NewIssuer([]byte("other"), 48*time.Hour).Verify(query, now)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("InvalidUser", func(t *testing.T) {
		for _, u := range []string{"", "..", "../etc/passwd", "a\\b", "a\nb", strings.Repeat("a", 256)} {
			_, err := issuer.Issue(u, now)
			assert.True(t, errors.Is(err, ErrMalformedToken), u)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, q := range []string{"", "u=alice", "u=alice&t=1", "u=alice&t=now&c=00"} {
			v, err := url.ParseQuery(q)
			require.NoError(t, err)
			_, err = issuer.Verify(v, now)
			assert.True(t, errors.Is(err, ErrMalformedToken), q)
		}
	})
}

func TestParseUserAgent(t *testing.T) {
	cases := []struct {
		UserAgent     string
		Platform      Platform
		LegacyWindows bool
		LegacyPKCS12  bool
	}{
		{UserAgent: windows7, Platform: PlatformWindows, LegacyWindows: true},
		{UserAgent: windows10, Platform: PlatformWindows},
		{UserAgent: iphone, Platform: PlatformIOS, LegacyPKCS12: true},
		{UserAgent: android, Platform: PlatformAndroid, LegacyPKCS12: true},
		{UserAgent: macos, Platform: PlatformMacOS, LegacyPKCS12: true},
		{UserAgent: linux, Platform: PlatformLinux},
		{UserAgent: "curl/8.4.0", Platform: PlatformUnknown},
	}

	for _, tc := range cases {
		a := ParseUserAgent(tc.UserAgent)
		assert.Equal(t, tc.Platform, a.Platform, tc.UserAgent)
		assert.Equal(t, tc.LegacyWindows, a.LegacyWindows(), tc.UserAgent)
		assert.Equal(t, tc.LegacyPKCS12, a.LegacyPKCS12(), tc.UserAgent)
	}
}

type fixture struct {
	CA      *databasetest.Authority
	Store   database.CertificateStore
	Conf    *config.Enrollment
	Service *Service
}

func newFixture(t *testing.T, conf *config.Enrollment, policy *config.Policy) *fixture {
	t.Helper()

	if policy == nil {
		policy = &config.Policy{}
	}
	require.NoError(t, policy.Load())
	conf.Enabled = true
	conf.Secret = []byte("secret")
	conf.TokenLifetime = config.Duration{Duration: 48 * time.Hour}
	if conf.BundleFormat == "" {
		conf.BundleFormat = config.BundleFormatPEM
	}

	ca := databasetest.NewAuthority(t)
	store := memory.NewStore()
	dynamic := config.NewReloadable(&config.Dynamic{Policy: policy, Enrollment: conf})
	a := authority.New(
		&config.Authority{Certificate: ca.Certificate},
		dynamic,
		store,
		authoritytest.NewSigner(ca, store),
		notify.NewBroker(),
	)

	return &fixture{CA: ca, Store: store, Conf: conf, Service: NewService(ca.Certificate, dynamic, a, NewMemoryLedger())}
}

func (f *fixture) token(t *testing.T, user string) url.Values {
	t.Helper()

	token, err := f.Service.IssueToken(context.Background(), user)
	require.NoError(t, err)
	v, err := url.ParseQuery(token.String())
	require.NoError(t, err)
	return v
}

func TestService_Redeem(t *testing.T) {
	t.Run("PEM", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{}, nil)

		bundle, err := f.Service.Redeem(context.Background(), f.token(t, "alice"), linux)
		require.NoError(t, err)
		assert.Equal(t, ContentTypePEM, bundle.ContentType)
		assert.Equal(t, "alice.pem", bundle.Filename)

		var blocks []*pem.Block
		rest := bundle.Body
		for {
			var b *pem.Block
			b, rest = pem.Decode(rest)
			if b == nil {
				break
			}
			blocks = append(blocks, b)
		}
		require.Len(t, blocks, 3)
		assert.Equal(t, "EC PRIVATE KEY", blocks[0].Type)
		c, err := x509.ParseCertificate(blocks[1].Bytes)
		require.NoError(t, err)
		assert.Equal(t, "alice", c.Subject.CommonName)
		assert.Equal(t, f.CA.Certificate.Raw, blocks[2].Bytes)

		signed, err := f.Store.GetSignedCertificate(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, signed.SerialNumber().Cmp(c.SerialNumber))
	})

	t.Run("OpenVPN", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{
			BundleFormat: config.BundleFormatOpenVPN,
			OpenVPN:      &config.OpenVPN{Remote: []string{"vpn.example.com 1194"}, Proto: "udp", Device: "tun"},
		}, &config.Policy{RenewalAllowed: true})
		query := f.token(t, "alice")

		bundle, err := f.Service.Redeem(context.Background(), query, windows10)
		require.NoError(t, err)
		assert.Equal(t, ContentTypeOpenVPN, bundle.ContentType)
		assert.Equal(t, "alice.ovpn", bundle.Filename)
		body := string(bundle.Body)
		assert.Contains(t, body, "remote vpn.example.com 1194\r\n")
		assert.Contains(t, body, "<ca>\r\n-----BEGIN CERTIFICATE-----")
		assert.Contains(t, body, "BEGIN EC PRIVATE KEY")

		// The token can be used again before it expires.
		bundle, err = f.Service.Redeem(context.Background(), query, windows7)
		require.NoError(t, err)
		assert.Contains(t, string(bundle.Body), "BEGIN RSA PRIVATE KEY")

		bundle, err = f.Service.Redeem(context.Background(), query, linux)
		require.NoError(t, err)
		assert.NotContains(t, string(bundle.Body), "\r\n")
		assert.Contains(t, string(bundle.Body), "dev tun\nproto udp\nremote vpn.example.com 1194\n")

		revoked, err := f.Store.ListRevokedCertificates(context.Background())
		require.NoError(t, err)
		assert.Len(t, revoked, 2)
	})

	t.Run("PKCS12", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{BundleFormat: config.BundleFormatPKCS12, PKCS12Password: "password"}, &config.Policy{RenewalAllowed: true})

		for _, ua := range []string{linux, iphone} {
			bundle, err := f.Service.Redeem(context.Background(), f.token(t, "alice"), ua)
			require.NoError(t, err)
			assert.Equal(t, ContentTypePKCS12, bundle.ContentType)
			assert.Equal(t, "alice.p12", bundle.Filename)

			key, c, caCerts, err := pkcs12.DecodeChain(bundle.Body, "password")
			require.NoError(t, err)
			_, ok := key.(*ecdsa.PrivateKey)
			assert.True(t, ok)
			assert.Equal(t, "alice", c.Subject.CommonName)
			require.Len(t, caCerts, 1)
			assert.Equal(t, f.CA.Certificate.Raw, caCerts[0].Raw)
		}
	})

	t.Run("RedeemTwiceWithDefaultPolicy", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{}, nil)
		query := f.token(t, "alice")

		first, err := f.Service.Redeem(context.Background(), query, linux)
		require.NoError(t, err)
		second, err := f.Service.Redeem(context.Background(), query, linux)
		require.NoError(t, err)
		assert.Equal(t, "alice.pem", second.Filename)
		assert.NotEqual(t, first.Body, second.Body)

		revoked, err := f.Store.ListRevokedCertificates(context.Background())
		require.NoError(t, err)
		require.Len(t, revoked, 1)
		current, err := f.Store.GetSignedCertificate(context.Background(), "alice")
		require.NoError(t, err)
		assert.NotEqual(t, 0, current.SerialNumber().Cmp(revoked[0].SerialNumber))
	})

	t.Run("SingleUse", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{SingleUse: true}, &config.Policy{RenewalAllowed: true})
		query := f.token(t, "alice")

		_, err := f.Service.Redeem(context.Background(), query, linux)
		require.NoError(t, err)
		_, err = f.Service.Redeem(context.Background(), query, linux)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("InvalidToken", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{}, nil)
		query := f.token(t, "alice")
		query.Set("c", strings.Repeat("0", 64))

		_, err := f.Service.Redeem(context.Background(), query, linux)
		assert.True(t, errors.Is(err, ErrInvalidToken))
		_, err = f.Store.GetSignedCertificate(context.Background(), "alice")
		assert.True(t, errors.Is(err, database.ErrNotFound))
	})

	t.Run("Disabled", func(t *testing.T) {
		f := newFixture(t, &config.Enrollment{}, nil)
		query := f.token(t, "alice")
		f.Conf.Enabled = false

		_, err := f.Service.IssueToken(context.Background(), "alice")
		assert.True(t, errors.Is(err, ErrDisabled))
		_, err = f.Service.Redeem(context.Background(), query, linux)
		assert.True(t, errors.Is(err, ErrDisabled))
	})
}

func TestMemoryLedger(t *testing.T) {
	now := time.Now()
	l := NewMemoryLedger()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Consume(context.Background(), "a", time.Minute))
	assert.True(t, errors.Is(l.Consume(context.Background(), "a", time.Minute), ErrInvalidToken))
	require.NoError(t, l.Consume(context.Background(), "b", time.Minute))

	now = now.Add(2 * time.Minute)
	require.NoError(t, l.Consume(context.Background(), "a", time.Minute))
}

func TestService_RedeemKeyType(t *testing.T) {
	f := newFixture(t, &config.Enrollment{BundleFormat: config.BundleFormatPKCS12, PKCS12Password: "password"}, nil)

	bundle, err := f.Service.Redeem(context.Background(), f.token(t, "alice"), windows7)
	require.NoError(t, err)
	key, _, _, err := pkcs12.DecodeChain(bundle.Body, "password")
	require.NoError(t, err)
	// RSA is only for OpenVPN on the old Windows.
	_, ok := key.(*rsa.PrivateKey)
	assert.False(t, ok)
}
