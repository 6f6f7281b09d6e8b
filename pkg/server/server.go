package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/logger"
)

const defaultRequestTimeout = 30 * time.Second

type ChildServer interface {
	Route(mux *httprouter.Router)
}

// Server is the HTTP server of the front-end.
// The TLS is expected to be terminated by the reverse proxy in front of it.
type Server struct {
	name   string
	bind   string
	server *http.Server
}

// New returns the public server which listens on conf.Bind.
func New(conf *config.Server, child ...ChildServer) *Server {
	timeout := conf.RequestTimeout.Duration
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	s := newServer("public", conf.Bind, child)
	s.server.IdleTimeout = 10 * time.Minute
	s.server.ReadHeaderTimeout = timeout
	s.server.ReadTimeout = timeout
	return s
}

// NewInternal returns the server of probes, metrics and profiles.
// It must not be exposed to the public network.
func NewInternal(conf *config.Server, child ...ChildServer) *Server {
	return newServer("internal", conf.InternalBind, child)
}

func newServer(name, bind string, child []ChildServer) *Server {
	mux := httprouter.New()
	for _, v := range child {
		v.Route(mux)
	}

	return &Server{
		name: name,
		bind: bind,
		server: &http.Server{
			ErrorLog: logger.StdLogger("http"),
			Handler:  mux,
		},
	}
}

func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.bind)
	if err != nil {
		return xerrors.WithStack(err)
	}

	return s.Serve(l)
}

func (s *Server) Serve(l net.Listener) error {
	logger.Log.Info("Start server", zap.String("name", s.name), zap.String("listen", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.WithStack(err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Log.Info("Shutdown server", zap.String("name", s.name))
	return xerrors.WithStack(s.server.Shutdown(ctx))
}
