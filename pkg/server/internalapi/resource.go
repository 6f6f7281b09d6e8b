package internalapi

import (
	"context"
	"crypto/x509"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/server"
)

// CRLSource is the subset of the authority which the resource server needs.
type CRLSource interface {
	Certificate() *x509.Certificate
	ExportCRL(ctx context.Context) ([]byte, error)
}

// ResourceServer serves the CA certificate and the CRL to the gateways in the internal network
// without going through the public API.
type ResourceServer struct {
	source CRLSource
}

var _ server.ChildServer = &ResourceServer{}

func NewResourceServer(source CRLSource) *ResourceServer {
	return &ResourceServer{source: source}
}

func (r *ResourceServer) Route(mux *httprouter.Router) {
	mux.GET("/internal/ca.crt", r.Certificate)
	mux.GET("/internal/crl", r.CRL)
}

func (r *ResourceServer) Certificate(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(cert.EncodeCertificate(r.source.Certificate()))
}

func (r *ResourceServer) CRL(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	crl, err := r.source.ExportCRL(req.Context())
	if err != nil {
		logger.Log.Error("Failed to export CRL", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(cert.EncodeRevocationList(crl))
}
