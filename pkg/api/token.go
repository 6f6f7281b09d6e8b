package api

import (
	"mime"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/certd/pkg/enrollment"
)

func (s *Server) handleIssueToken(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token, err := s.enrollment.IssueToken(req.Context(), req.PostFormValue("user"))
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeBody(w, http.StatusOK, ContentTypeText, []byte(token.String()))
}

// handleRedeemToken is not authenticated. The token itself is the credential.
func (s *Server) handleRedeemToken(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if s.enrollment == nil {
		writeError(w, req, enrollment.ErrDisabled)
		return
	}
	bundle, err := s.enrollment.Redeem(req.Context(), req.URL.Query(), req.UserAgent())
	if err != nil {
		writeError(w, req, err)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": bundle.Filename}))
	writeBody(w, http.StatusOK, bundle.ContentType, bundle.Body)
}
