package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/database"
)

func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxCertificateRequest))
	if err != nil {
		writeError(w, req, err)
		return
	}
	q := req.URL.Query()
	res, err := s.authority.Submit(req.Context(), &authority.SubmitRequest{
		CSR:         body,
		ContentType: req.Header.Get("Content-Type"),
		Autosign:    boolParam(q.Get("autosign")),
		Wait:        boolParam(q.Get("wait")),
		RemoteAddr:  remoteAddr(req),
	})
	if err != nil {
		writeError(w, req, err)
		return
	}

	switch res.Status {
	case authority.StatusSigned:
		writeBody(w, http.StatusOK, ContentTypePEM, cert.EncodeCertificate(res.Signed.Certificate))
	case authority.StatusRedirect:
		w.Header().Set("Location", signedLocation(res.CommonName))
		w.WriteHeader(http.StatusSeeOther)
	default:
		w.Header().Set("Location", "/api/request/"+url.PathEscape(res.CommonName)+"/")
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	contentType := negotiate(req, ContentTypePEM, ContentTypeJSON)
	if contentType == "" {
		writeError(w, req, authority.ErrUnsupportedMediaType)
		return
	}
	r, err := s.authority.GetRequest(req.Context(), params.ByName("cn"))
	if err != nil {
		writeError(w, req, err)
		return
	}

	switch contentType {
	case ContentTypeJSON:
		writeJSON(w, ContentTypeJSON, newRequestView(r))
	default:
		writeBody(w, http.StatusOK, ContentTypePEM, cert.EncodeCertificateRequest(r.Request))
	}
}

// handleSign signs the pending request. server=true issues a certificate for TLS servers.
func (s *Server) handleSign(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	serverAuth, _ := strconv.ParseBool(req.PostFormValue("server"))
	signed, err := s.authority.Sign(req.Context(), params.ByName("cn"), serverAuth)
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeSigned(w, req, signed)
}

func (s *Server) handleReject(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := s.authority.Reject(req.Context(), params.ByName("cn")); err != nil {
		writeError(w, req, err)
		return
	}
}

func writeSigned(w http.ResponseWriter, req *http.Request, signed *database.SignedCertificate) {
	switch negotiate(req, ContentTypePEM, ContentTypeJSON) {
	case ContentTypeJSON:
		writeJSON(w, ContentTypeJSON, newSignedView(signed))
	default:
		writeBody(w, http.StatusOK, ContentTypePEM, cert.EncodeCertificate(signed.Certificate))
	}
}

func signedLocation(cn string) string {
	return "/api/signed/" + url.PathEscape(cn) + "/"
}
