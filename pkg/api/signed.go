package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"go.f110.dev/certd/pkg/authority"
)

func (s *Server) handleGetSigned(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if negotiate(req, ContentTypePEM, ContentTypeJSON) == "" {
		writeError(w, req, authority.ErrUnsupportedMediaType)
		return
	}
	signed, err := s.authority.GetSignedCertificate(req.Context(), params.ByName("cn"))
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeSigned(w, req, signed)
}

func (s *Server) handleRevoke(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := s.authority.Revoke(req.Context(), params.ByName("cn")); err != nil {
		writeError(w, req, err)
		return
	}
}

// handleAttributes returns the lease only to the client which holds it.
func (s *Server) handleAttributes(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	lease, err := s.authority.Attributes(req.Context(), params.ByName("cn"), remoteAddr(req))
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeJSON(w, ContentTypeJSONUTF8, lease)
}

func (s *Server) handleGetLease(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	lease, err := s.authority.GetLease(req.Context(), params.ByName("cn"))
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeJSON(w, ContentTypeJSONUTF8, lease)
}

func (s *Server) handleListTags(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	tags, err := s.authority.ListTags(req.Context(), params.ByName("cn"))
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeJSON(w, ContentTypeJSONUTF8, tags)
}

func (s *Server) handleCreateTag(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	err := s.authority.CreateTag(req.Context(), params.ByName("cn"), req.PostFormValue("key"), req.PostFormValue("value"))
	if err != nil {
		writeError(w, req, err)
		return
	}
}

func (s *Server) handleReplaceTag(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	err := s.authority.ReplaceTag(req.Context(), params.ByName("cn"), params.ByName("key"), req.PostFormValue("value"))
	if err != nil {
		writeError(w, req, err)
		return
	}
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := s.authority.DeleteTag(req.Context(), params.ByName("cn"), params.ByName("key")); err != nil {
		writeError(w, req, err)
		return
	}
}
