package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/cert"
)

// handleRevoked serves the CRL. With wait=true, it blocks until the next revocation and redirects to itself.
func (s *Server) handleRevoked(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	contentType := negotiate(req, ContentTypeCRL, ContentTypePEM)
	if contentType == "" {
		writeError(w, req, authority.ErrUnsupportedMediaType)
		return
	}

	if boolParam(req.URL.Query().Get("wait")) {
		revoked, err := s.authority.WaitCRL(req.Context())
		if err != nil {
			writeError(w, req, err)
			return
		}
		if revoked {
			w.Header().Set("Location", "/api/revoked/")
			w.WriteHeader(http.StatusSeeOther)
			return
		}
	}

	crl, err := s.authority.ExportCRL(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	switch contentType {
	case ContentTypePEM:
		writeBody(w, http.StatusOK, ContentTypePEM, cert.EncodeRevocationList(crl))
	default:
		writeBody(w, http.StatusOK, ContentTypeCRL, crl)
	}
}
