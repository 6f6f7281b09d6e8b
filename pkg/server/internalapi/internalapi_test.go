package internalapi

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.f110.dev/xerrors"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/database/databasetest"
	"go.f110.dev/certd/pkg/stat"
)

func get(t *testing.T, router *httprouter.Router, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestProbe(t *testing.T) {
	ready := false
	router := httprouter.New()
	NewProbe(func(_ context.Context) bool { return ready }).Route(router)

	assert.Equal(t, http.StatusOK, get(t, router, "/liveness").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, router, "/readiness").Code)
	ready = true
	assert.Equal(t, http.StatusOK, get(t, router, "/readiness").Code)
}

func TestServer_Metrics(t *testing.T) {
	stat.Value.Submit()
	stat.Value.StartWaiting()
	defer stat.Value.StopWaiting()

	router := httprouter.New()
	NewServer().Route(router)

	res := get(t, router, "/internal/metrics")
	require.Equal(t, http.StatusOK, res.Code)
	body := res.Body.String()
	assert.Contains(t, body, "certd_request_submitted_total")
	assert.Contains(t, body, "certd_long_poll_active_waiters 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestProf(t *testing.T) {
	router := httprouter.New()
	NewProf(0).Route(router)

	res := get(t, router, "/prof/")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "goroutine\n")
	assert.Contains(t, res.Body.String(), "mutex\n")
	assert.Contains(t, res.Body.String(), "trace\n")

	res = get(t, router, "/prof/goroutine?debug=1")
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, strings.HasPrefix(res.Body.String(), "goroutine profile:"))

	res = get(t, router, "/prof/cmdline")
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, res.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, router, "/prof/unknown").Code)
}

func TestProf_ContentionRate(t *testing.T) {
	prev := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prev)
		runtime.SetBlockProfileRate(0)
	})

	NewProf(5)
	assert.Equal(t, 5, runtime.SetMutexProfileFraction(-1))
}

type crlSource struct {
	ca  *databasetest.Authority
	err error
}

func (s *crlSource) Certificate() *x509.Certificate {
	return s.ca.Certificate
}

func (s *crlSource) ExportCRL(_ context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte{0x30, 0x00}, nil
}

func TestResourceServer(t *testing.T) {
	source := &crlSource{ca: databasetest.NewAuthority(t)}
	router := httprouter.New()
	NewResourceServer(source).Route(router)

	res := get(t, router, "/internal/ca.crt")
	require.Equal(t, http.StatusOK, res.Code)
	c, err := cert.DecodeCertificate(res.Body.Bytes())
	require.NoError(t, err)
	assert.True(t, c.Equal(source.ca.Certificate))

	res = get(t, router, "/internal/crl")
	require.Equal(t, http.StatusOK, res.Code)
	block, _ := pem.Decode(res.Body.Bytes())
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	source.err = xerrors.New("broken")
	res = get(t, router, "/internal/crl")
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}
