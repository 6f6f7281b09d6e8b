package api

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/cert"
)

func (s *Server) handleSession(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	ctx := req.Context()
	p := auth.PrincipalFrom(ctx)
	ca := s.authority.Certificate()
	policy := s.authority.Policy()

	res := &sessionView{
		User: p,
		Authority: &authorityView{
			CommonName: ca.Subject.CommonName,
			Serial:     ca.SerialNumber.Text(16),
			NotBefore:  ca.NotBefore,
			NotAfter:   ca.NotAfter,
		},
		Features: &featuresView{
			AutosignSubnets: policy.AutosignSubnets,
			RenewalAllowed:  policy.RenewalAllowed,
		},
	}
	if conf := s.dynamic.Get().Enrollment; conf != nil && conf.Enabled {
		res.Features.UserEnrollment = true
		res.Features.BundleFormat = conf.BundleFormat
	}

	if p.IsAdmin() {
		requests, err := s.authority.ListRequests(ctx)
		if err != nil {
			writeError(w, req, err)
			return
		}
		for _, v := range requests {
			res.Requests = append(res.Requests, newRequestView(v))
		}
		signed, err := s.authority.ListSignedCertificates(ctx)
		if err != nil {
			writeError(w, req, err)
			return
		}
		for _, v := range signed {
			res.Signed = append(res.Signed, newSignedView(v))
		}
		revoked, err := s.authority.ListRevokedCertificates(ctx)
		if err != nil {
			writeError(w, req, err)
			return
		}
		for _, v := range revoked {
			res.Revoked = append(res.Revoked, newRevokedView(v))
		}
	}

	writeJSON(w, ContentTypeJSONUTF8, res)
}

func (s *Server) handleLog(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	limit := defaultLogLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	writeJSON(w, ContentTypeJSONUTF8, s.auditLog.Entries(limit))
}

func (s *Server) handleCertificate(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeBody(w, http.StatusOK, ContentTypeCACert, cert.EncodeCertificate(s.authority.Certificate()))
}
