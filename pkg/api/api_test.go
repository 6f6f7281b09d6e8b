package api

import (
	"context"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go.f110.dev/certd/pkg/auth/authn"
	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/authority/authoritytest"
	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/databasetest"
	"go.f110.dev/certd/pkg/database/memory"
	"go.f110.dev/certd/pkg/enrollment"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/notify"
)

const (
	fedora = "Mozilla/5.0 (X11; Fedora; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/57.0.2987.133 Safari/537.36"
)

type fixture struct {
	CA         *databasetest.Authority
	Store      database.CertificateStore
	Broker     *notify.Broker
	Authority  *authority.Authority
	Enrollment *config.Enrollment
	Router     *httprouter.Router

	userToken  string
	adminToken string
}

func newFixture(t *testing.T, policy *config.Policy) *fixture {
	t.Helper()

	if policy == nil {
		policy = &config.Policy{}
	}
	require.NoError(t, policy.Load())
	enrollmentConf := &config.Enrollment{
		Secret:        []byte("secret"),
		TokenLifetime: config.Duration{Duration: time.Hour},
		BundleFormat:  config.BundleFormatOpenVPN,
		OpenVPN:       &config.OpenVPN{Remote: []string{"vpn.example.com 1194"}, Proto: "udp", Device: "tun"},
	}
	dynamic := config.NewReloadable(&config.Dynamic{Policy: policy, Enrollment: enrollmentConf})

	ca := databasetest.NewAuthority(t)
	store := memory.NewStore()
	broker := notify.NewBroker()
	a := authority.New(&config.Authority{Certificate: ca.Certificate}, dynamic, store, authoritytest.NewSigner(ca, store), broker)

	userHash, err := bcrypt.GenerateFromPassword([]byte("user-password"), bcrypt.MinCost)
	require.NoError(t, err)
	adminHash, err := bcrypt.GenerateFromPassword([]byte("admin-password"), bcrypt.MinCost)
	require.NoError(t, err)
	authenticator := authn.NewStatic(&config.StaticAuthentication{
		Users: []*config.StaticUser{
			{Name: "user", PasswordHash: string(userHash)},
			{Name: "admin", PasswordHash: string(adminHash), Admin: true},
		},
	})

	router := httprouter.New()
	New(a, enrollment.NewService(ca.Certificate, dynamic, a, nil), authenticator, dynamic).Route(router)

	return &fixture{
		CA:         ca,
		Store:      store,
		Broker:     broker,
		Authority:  a,
		Enrollment: enrollmentConf,
		Router:     router,
		userToken:  "Basic " + base64.StdEncoding.EncodeToString([]byte("user:user-password")),
		adminToken: "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:admin-password")),
	}
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.Router.ServeHTTP(rec, req)

	return rec
}

func newCSR(t *testing.T, cn string) string {
	t.Helper()

	b, _, err := cert.CreatePrivateKeyAndCertificateRequest(pkix.Name{CommonName: cn}, nil)
	require.NoError(t, err)
	return string(b)
}

var (
	pkcs10 = map[string]string{"Content-Type": authority.ContentTypeCertificateRequest}
)

func form(token string) map[string]string {
	return map[string]string{"Content-Type": "application/x-www-form-urlencoded", "Authorization": token}
}

func TestServer_Scenario(t *testing.T) {
	f := newFixture(t, &config.Policy{
		AutosignSubnets: []string{"127.0.0.0/8"},
		RenewalAllowed:  true,
		LongPollTimeout: config.Duration{Duration: 100 * time.Millisecond},
	})
	csr := newCSR(t, "test")

	res := f.do(http.MethodGet, "/api/certificate", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypeCACert, res.Header().Get("Content-Type"))
	assert.NotEmpty(t, res.Header().Get(RequestIdHeaderName))

	// Submission
	res = f.do(http.MethodPost, "/api/request/", csr, nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, res.Code)
	res = f.do(http.MethodPost, "/api/request/", csr, pkcs10)
	assert.Equal(t, http.StatusAccepted, res.Code)
	res = f.do(http.MethodPost, "/api/request/", csr, pkcs10)
	assert.Equal(t, http.StatusAccepted, res.Code, "same key pair is ok")
	res = f.do(http.MethodPost, "/api/request/?wait=true", csr, pkcs10)
	assert.Equal(t, http.StatusAccepted, res.Code, "nobody signs while waiting")
	res = f.do(http.MethodPost, "/api/request/", newCSR(t, "test"), pkcs10)
	assert.Equal(t, http.StatusConflict, res.Code)
	res = f.do(http.MethodPost, "/api/request/", "broken", pkcs10)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodGet, "/api/request/test/", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypeJSON, res.Header().Get("Content-Type"))
	view := &requestView{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(view))
	assert.Equal(t, "test", view.CommonName)
	assert.Equal(t, "127.0.0.1", view.RemoteAddr)
	res = f.do(http.MethodGet, "/api/request/test/", "", map[string]string{"Accept": "application/x-pem-file"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypePEM, res.Header().Get("Content-Type"))
	res = f.do(http.MethodGet, "/api/request/test/", "", map[string]string{"Accept": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, res.Code)
	res = f.do(http.MethodGet, "/api/request/nonexistent/", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(http.MethodPost, "/api/request/?autosign=1", csr, pkcs10)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypePEM, res.Header().Get("Content-Type"))
	block, _ := pem.Decode(res.Body.Bytes())
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	// Session
	res = f.do(http.MethodGet, "/api/", "", map[string]string{"Authorization": f.userToken})
	require.Equal(t, http.StatusOK, res.Code)
	session := &sessionView{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(session))
	assert.Equal(t, "user", session.User.Name)
	assert.Empty(t, session.Signed)
	res = f.do(http.MethodGet, "/api/", "", map[string]string{"Authorization": f.adminToken})
	require.Equal(t, http.StatusOK, res.Code)
	session = &sessionView{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(session))
	assert.True(t, session.User.Admin)
	assert.Len(t, session.Signed, 1)
	res = f.do(http.MethodGet, "/api/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	// Signed certificate
	res = f.do(http.MethodGet, "/api/signed/nonexistent/", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypePEM, res.Header().Get("Content-Type"))
	res = f.do(http.MethodGet, "/api/signed/test/", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypeJSON, res.Header().Get("Content-Type"))
	res = f.do(http.MethodGet, "/api/signed/test/", "", map[string]string{"Accept": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, res.Code)

	// CRL
	res = f.do(http.MethodGet, "/api/revoked/", "", map[string]string{"Accept": "application/x-pem-file"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypePEM, res.Header().Get("Content-Type"))
	res = f.do(http.MethodGet, "/api/revoked/", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypeCRL, res.Header().Get("Content-Type"))
	res = f.do(http.MethodGet, "/api/revoked/", "", map[string]string{"Accept": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, res.Code)

	// Attributes and lease
	res = f.do(http.MethodGet, "/api/signed/test/attr/", "", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/lease/", "", map[string]string{"Authorization": f.adminToken})
	assert.Equal(t, http.StatusNotFound, res.Code)
	require.NoError(t, f.Authority.SetLease(context.Background(), "test", &database.Lease{Address: "127.0.0.1", LastSeen: time.Now()}))
	res = f.do(http.MethodGet, "/api/signed/test/attr/", "", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/lease/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/lease/", "", map[string]string{"Authorization": f.userToken})
	assert.Equal(t, http.StatusForbidden, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/lease/", "", map[string]string{"Authorization": f.adminToken})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypeJSONUTF8, res.Header().Get("Content-Type"))
	lease := &database.Lease{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(lease))
	assert.Equal(t, "127.0.0.1", lease.Address)

	// Tags
	res = f.do(http.MethodGet, "/api/signed/test/tag/", "", map[string]string{"Authorization": f.adminToken})
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodPost, "/api/signed/test/tag/", "key=other&value=something", form(f.adminToken))
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodPost, "/api/signed/test/tag/", "key=other&value=something", form(f.adminToken))
	assert.Equal(t, http.StatusConflict, res.Code)
	res = f.do(http.MethodPut, "/api/signed/test/tag/other/", "value=else", form(f.adminToken))
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/tag/", "", map[string]string{"Authorization": f.adminToken})
	require.Equal(t, http.StatusOK, res.Code)
	var tags []*database.Tag
	require.NoError(t, json.NewDecoder(res.Body).Decode(&tags))
	require.Len(t, tags, 1)
	assert.Equal(t, "else", tags[0].Value)
	res = f.do(http.MethodPut, "/api/signed/test/tag/unknown/", "value=else", form(f.adminToken))
	assert.Equal(t, http.StatusNotFound, res.Code)
	res = f.do(http.MethodDelete, "/api/signed/test/tag/other/", "", form(f.adminToken))
	assert.Equal(t, http.StatusOK, res.Code)

	// Revocation
	res = f.do(http.MethodDelete, "/api/signed/test/", "", map[string]string{"Authorization": f.adminToken})
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodGet, "/api/signed/test/", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	// Log
	res = f.do(http.MethodGet, "/api/log/", "", map[string]string{"Authorization": f.adminToken})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, ContentTypeJSONUTF8, res.Header().Get("Content-Type"))
	var entries []logger.Entry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&entries))
	assert.NotEmpty(t, entries)

	// Enrollment
	res = f.do(http.MethodPost, "/api/token/", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	f.Enrollment.Enabled = true
	res = f.do(http.MethodPost, "/api/token/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	res = f.do(http.MethodPost, "/api/token/", "user=userbot", form(f.userToken))
	assert.Equal(t, http.StatusForbidden, res.Code)
	res = f.do(http.MethodPost, "/api/token/", "user=userbot", form(f.adminToken))
	require.Equal(t, http.StatusOK, res.Code)
	token := res.Body.String()
	assert.True(t, strings.HasPrefix(token, "u=userbot&t="))
	res = f.do(http.MethodPost, "/api/token/", "user=..%2Fuserbot", form(f.adminToken))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(http.MethodGet, "/api/token/?u=userbot&t=1493184342&c=ac9b71421d5741800c5a4905b20c1072594a2df863e60ba836464888786bf2a6", "", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
	res = f.do(http.MethodGet, "/api/token/?u=userbot", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = f.do(http.MethodGet, "/api/token/?"+token, "", map[string]string{"User-Agent": fedora})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, enrollment.ContentTypeOpenVPN, res.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=userbot.ovpn", res.Header().Get("Content-Disposition"))

	f.Enrollment.BundleFormat = config.BundleFormatPKCS12
	res = f.do(http.MethodGet, "/api/token/?"+token, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, enrollment.ContentTypePKCS12, res.Header().Get("Content-Type"))
}

func TestServer_EnrollmentWithDefaultPolicy(t *testing.T) {
	f := newFixture(t, nil)
	f.Enrollment.Enabled = true

	res := f.do(http.MethodPost, "/api/token/", "user=userbot", form(f.adminToken))
	require.Equal(t, http.StatusOK, res.Code)
	token := res.Body.String()

	// The second redemption replaces the certificate of the first one.
	var bundles []string
	for i := 0; i < 2; i++ {
		res = f.do(http.MethodGet, "/api/token/?"+token, "", map[string]string{"User-Agent": fedora})
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, enrollment.ContentTypeOpenVPN, res.Header().Get("Content-Type"))
		bundles = append(bundles, res.Body.String())
	}
	assert.NotEqual(t, bundles[0], bundles[1])

	revoked, err := f.Store.ListRevokedCertificates(context.Background())
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "userbot", revoked[0].CommonName)
	_, err = f.Store.GetSignedCertificate(context.Background(), "userbot")
	assert.NoError(t, err)
}

func TestServer_Authorization(t *testing.T) {
	f := newFixture(t, &config.Policy{AutosignSubnets: []string{"127.0.0.0/8"}})
	f.Enrollment.Enabled = true
	res := f.do(http.MethodPost, "/api/request/?autosign=true", newCSR(t, "test"), pkcs10)
	require.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodPost, "/api/request/", newCSR(t, "pending"), pkcs10)
	require.Equal(t, http.StatusAccepted, res.Code)

	routes := []struct {
		Method string
		Path   string
	}{
		{Method: http.MethodGet, Path: "/api/log/"},
		{Method: http.MethodPost, Path: "/api/request/pending/"},
		{Method: http.MethodDelete, Path: "/api/request/pending/"},
		{Method: http.MethodDelete, Path: "/api/signed/test/"},
		{Method: http.MethodGet, Path: "/api/signed/test/lease/"},
		{Method: http.MethodGet, Path: "/api/signed/test/tag/"},
		{Method: http.MethodPost, Path: "/api/signed/test/tag/"},
		{Method: http.MethodPut, Path: "/api/signed/test/tag/other/"},
		{Method: http.MethodDelete, Path: "/api/signed/test/tag/other/"},
		{Method: http.MethodPost, Path: "/api/token/"},
	}

	for _, r := range routes {
		t.Run(r.Method+" "+r.Path, func(t *testing.T) {
			res := f.do(r.Method, r.Path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, res.Code)
			assert.NotEmpty(t, res.Header().Get("WWW-Authenticate"))

			res = f.do(r.Method, r.Path, "", map[string]string{"Authorization": f.userToken})
			assert.Equal(t, http.StatusForbidden, res.Code)
			entries := logger.AuditBuffer.Entries(1)
			require.Len(t, entries, 1)
			assert.Equal(t, "Authorization failed", entries[0].Message)
			assert.Equal(t, "user", entries[0].Fields["principal"])
			assert.Equal(t, "127.0.0.1", entries[0].Fields["remote_addr"])

			res = f.do(r.Method, r.Path, "", map[string]string{"Authorization": "Basic !!!"})
			assert.Equal(t, http.StatusBadRequest, res.Code)

			res = f.do(r.Method, r.Path, "", map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:wrong"))})
			assert.Equal(t, http.StatusUnauthorized, res.Code)
		})
	}

	res = f.do(http.MethodPost, "/api/request/pending/", "server=true", form(f.adminToken))
	require.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodGet, "/api/signed/pending/", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, res.Code)
	signed := &signedView{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(signed))
	assert.True(t, signed.Server)

	res = f.do(http.MethodPost, "/api/request/", newCSR(t, "rejected"), pkcs10)
	require.Equal(t, http.StatusAccepted, res.Code)
	res = f.do(http.MethodDelete, "/api/request/rejected/", "", map[string]string{"Authorization": f.adminToken})
	assert.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodGet, "/api/request/rejected/", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestServer_LongPoll(t *testing.T) {
	t.Run("Request", func(t *testing.T) {
		f := newFixture(t, &config.Policy{LongPollTimeout: config.Duration{Duration: 10 * time.Second}})
		csr := newCSR(t, "test")

		done := make(chan *httptest.ResponseRecorder)
		go func() {
			done <- f.do(http.MethodPost, "/api/request/?wait=true", csr, pkcs10)
		}()
		require.Eventually(t, func() bool {
			_, err := f.Store.GetRequest(context.Background(), "test")
			return err == nil && f.Broker.Waiters() == 1
		}, 5*time.Second, 10*time.Millisecond)

		res := f.do(http.MethodPost, "/api/request/test/", "", form(f.adminToken))
		require.Equal(t, http.StatusOK, res.Code)

		select {
		case res := <-done:
			assert.Equal(t, http.StatusSeeOther, res.Code)
			assert.Equal(t, "/api/signed/test/", res.Header().Get("Location"))
		case <-time.After(5 * time.Second):
			require.Fail(t, "long poll was not released")
		}
	})

	t.Run("CRL", func(t *testing.T) {
		f := newFixture(t, &config.Policy{
			AutosignSubnets: []string{"127.0.0.0/8"},
			LongPollTimeout: config.Duration{Duration: 10 * time.Second},
		})
		res := f.do(http.MethodPost, "/api/request/?autosign=true", newCSR(t, "test"), pkcs10)
		require.Equal(t, http.StatusOK, res.Code)

		done := make(chan *httptest.ResponseRecorder)
		go func() {
			done <- f.do(http.MethodGet, "/api/revoked/?wait=true", "", map[string]string{"Accept": "application/x-pem-file"})
		}()
		require.Eventually(t, func() bool { return f.Broker.Waiters() == 1 }, 5*time.Second, 10*time.Millisecond)

		res = f.do(http.MethodDelete, "/api/signed/test/", "", map[string]string{"Authorization": f.adminToken})
		require.Equal(t, http.StatusOK, res.Code)

		select {
		case res := <-done:
			assert.Equal(t, http.StatusSeeOther, res.Code)
			assert.Equal(t, "/api/revoked/", res.Header().Get("Location"))
		case <-time.After(5 * time.Second):
			require.Fail(t, "long poll was not released")
		}
	})

	t.Run("CRLTimeout", func(t *testing.T) {
		f := newFixture(t, &config.Policy{LongPollTimeout: config.Duration{Duration: 50 * time.Millisecond}})

		res := f.do(http.MethodGet, "/api/revoked/?wait=true", "", nil)
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, ContentTypeCRL, res.Header().Get("Content-Type"))
	})
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		Accept string
		Expect string
	}{
		{Accept: "", Expect: ContentTypePEM},
		{Accept: "*/*", Expect: ContentTypePEM},
		{Accept: "application/json", Expect: ContentTypeJSON},
		{Accept: "application/json;q=0.5, application/x-pem-file", Expect: ContentTypePEM},
		{Accept: "text/html,application/xhtml+xml,*/*;q=0.8", Expect: ContentTypePEM},
		{Accept: "text/plain", Expect: ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.Accept != "" {
			req.Header.Set("Accept", tc.Accept)
		}
		assert.Equal(t, tc.Expect, negotiate(req, ContentTypePEM, ContentTypeJSON), tc.Accept)
	}
}
