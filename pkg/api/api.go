// Package api implements the HTTP API of the front-end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/munnerz/goautoneg"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/enrollment"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/server"
	"go.f110.dev/certd/pkg/signer"
)

const (
	ContentTypeJSON        = "application/json"
	ContentTypeJSONUTF8    = "application/json; charset=UTF-8"
	ContentTypePEM         = "application/x-pem-file"
	ContentTypeCRL         = "application/x-pkcs7-crl"
	ContentTypeCACert      = "application/x-x509-ca-cert"
	ContentTypeText        = "text/plain; charset=utf-8"
	RequestIdHeaderName    = "X-Request-Id"
	maxCertificateRequest  = 64 * 1024
	defaultLogLimit        = 100
	authenticateRealmValue = `Basic realm="certd"`
)

type Server struct {
	authority     *authority.Authority
	enrollment    *enrollment.Service
	authenticator auth.Authenticator
	dynamic       *config.Reloadable
	auditLog      *logger.RingBuffer
}

var _ server.ChildServer = &Server{}

func New(a *authority.Authority, e *enrollment.Service, authenticator auth.Authenticator, dynamic *config.Reloadable) *Server {
	if authenticator == nil {
		authenticator = auth.Chain{}
	}
	return &Server{
		authority:     a,
		enrollment:    e,
		authenticator: authenticator,
		dynamic:       dynamic,
		auditLog:      logger.AuditBuffer,
	}
}

func (s *Server) Route(router *httprouter.Router) {
	router.GET("/api/", s.handle(s.requireUser(s.handleSession)))
	router.GET("/api/certificate", s.handle(s.handleCertificate))
	router.GET("/api/log/", s.handle(s.requireAdmin(s.handleLog)))

	router.POST("/api/request/", s.handle(s.handleSubmit))
	router.GET("/api/request/:cn/", s.handle(s.handleGetRequest))
	router.POST("/api/request/:cn/", s.handle(s.requireAdmin(s.handleSign)))
	router.DELETE("/api/request/:cn/", s.handle(s.requireAdmin(s.handleReject)))

	router.GET("/api/signed/:cn/", s.handle(s.handleGetSigned))
	router.DELETE("/api/signed/:cn/", s.handle(s.requireAdmin(s.handleRevoke)))
	router.GET("/api/signed/:cn/attr/", s.handle(s.handleAttributes))
	router.GET("/api/signed/:cn/lease/", s.handle(s.requireAdmin(s.handleGetLease)))
	router.GET("/api/signed/:cn/tag/", s.handle(s.requireAdmin(s.handleListTags)))
	router.POST("/api/signed/:cn/tag/", s.handle(s.requireAdmin(s.handleCreateTag)))
	router.PUT("/api/signed/:cn/tag/:key/", s.handle(s.requireAdmin(s.handleReplaceTag)))
	router.DELETE("/api/signed/:cn/tag/:key/", s.handle(s.requireAdmin(s.handleDeleteTag)))

	router.GET("/api/revoked/", s.handle(s.handleRevoked))

	router.POST("/api/token/", s.handle(s.requireEnrollment(s.requireAdmin(s.handleIssueToken))))
	router.GET("/api/token/", s.handle(s.handleRedeemToken))
}

// handle attaches the id to the request.
func (s *Server) handle(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		id := req.Header.Get(RequestIdHeaderName)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIdHeaderName, id)

		next(w, req.WithContext(logger.WithRequestId(req.Context(), id)), params)
	}
}

func (s *Server) requireUser(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		p, err := s.authenticator.Authenticate(req)
		if err != nil {
			s.auditAuthorizationFailure(req.Context(), req, "", err)
			if errors.Is(err, auth.ErrBadRequest) {
				writeError(w, req, err)
				return
			}
			w.Header().Set("WWW-Authenticate", authenticateRealmValue)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next(w, req.WithContext(auth.WithPrincipal(req.Context(), p)), params)
	}
}

func (s *Server) requireAdmin(next httprouter.Handle) httprouter.Handle {
	return s.requireUser(func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		p := auth.PrincipalFrom(req.Context())
		if !p.IsAdmin() {
			s.auditAuthorizationFailure(req.Context(), req, p.Name, authority.ErrForbidden)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next(w, req, params)
	})
}

// requireEnrollment hides the route entirely while the enrollment is disabled.
func (s *Server) requireEnrollment(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		if s.enrollment == nil || !s.enrollment.Enabled() {
			http.NotFound(w, req)
			return
		}

		next(w, req, params)
	}
}

func (s *Server) auditAuthorizationFailure(ctx context.Context, req *http.Request, principal string, err error) {
	if principal == "" {
		principal = "anonymous"
	}
	logger.Audit.Info("Authorization failed",
		zap.String("principal", principal),
		zap.String("remote_addr", remoteAddr(req).String()),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("reason", err.Error()),
		logger.RequestId(ctx),
	)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, enrollment.ErrDisabled):
		return http.StatusNotFound
	case errors.Is(err, authority.ErrConflict), errors.Is(err, database.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, authority.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, authority.ErrInvalidRequest),
		errors.Is(err, enrollment.ErrMalformedToken),
		errors.Is(err, cert.ErrInvalidCertificateRequest),
		errors.Is(err, cert.ErrInvalidCommonName),
		errors.Is(err, auth.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, authority.ErrForbidden), errors.Is(err, enrollment.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNoCredentials), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, signer.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, req *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logger.Log.Error("Failed to handle the request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("error", fmt.Sprintf("%+v", err)),
			logger.RequestId(req.Context()),
		)
	} else {
		logger.Log.Debug("Request failed", zap.Int("status", code), zap.Error(err), logger.RequestId(req.Context()))
	}

	http.Error(w, http.StatusText(code), code)
}

func writeJSON(w http.ResponseWriter, contentType string, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Info("Failed to encode the response", zap.Error(err))
	}
}

func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// negotiate picks the representation from Accept. A missing Accept selects the first one.
// It returns an empty string if none of them is acceptable.
func negotiate(req *http.Request, alternatives ...string) string {
	accept := req.Header.Get("Accept")
	if accept == "" {
		return alternatives[0]
	}
	return goautoneg.Negotiate(accept, alternatives)
}

func remoteAddr(req *http.Request) netip.Addr {
	if addrPort, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
		return addrPort.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(req.RemoteAddr); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}

func boolParam(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
