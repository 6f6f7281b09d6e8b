package signer

import (
	"context"
	"crypto"
	"crypto/x509"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/crldist"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
)

var (
	registry          = prometheus.NewRegistry()
	registerOnce      sync.Once
	replaceLoggerOnce sync.Once
)

type Options struct {
	ClientLifetime time.Duration
	ServerLifetime time.Duration
	CRLLifetime    time.Duration
	// Publisher is optional. The CRL is uploaded after each regeneration.
	Publisher crldist.Publisher
}

// Server executes the commands against the private key of the CA.
// Only one command is executed at a time.
type Server struct {
	ca    *x509.Certificate
	key   crypto.Signer
	store database.CertificateStore
	opts  Options

	server        *grpc.Server
	serverMetrics *grpc_prometheus.ServerMetrics

	mu         sync.Mutex
	crl        []byte
	crlNumber  *big.Int
	crlRevoked int
	crlUpdated time.Time
}

var _ SignerServer = &Server{}

func NewServer(ca *x509.Certificate, key crypto.Signer, store database.CertificateStore, opts Options) *Server {
	if opts.CRLLifetime == 0 {
		opts.CRLLifetime = 7 * 24 * time.Hour
	}

	replaceLoggerOnce.Do(func() {
		grpc_zap.ReplaceGrpcLoggerV2(logger.Log)
	})
	r := grpc_prometheus.NewServerMetrics()
	s := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_zap.UnaryServerInterceptor(logger.Log),
			grpc_recovery.UnaryServerInterceptor(),
			r.UnaryServerInterceptor(),
		)),
	)

	srv := &Server{
		ca:            ca,
		key:           key,
		store:         store,
		opts:          opts,
		server:        s,
		serverMetrics: r,
		crlNumber:     big.NewInt(0),
	}
	RegisterSignerServer(s, srv)
	healthpb.RegisterHealthServer(s, health.NewServer())
	r.InitializeMetrics(s)
	registerOnce.Do(func() {
		registry.MustRegister(r)
		registry.MustRegister(collectors.NewGoCollector())
	})

	return srv
}

// Listen creates the unix domain socket. A stale socket file is removed.
func Listen(socket string) (net.Listener, error) {
	if _, err := os.Stat(socket); err == nil {
		if err := os.Remove(socket); err != nil {
			return nil, xerrors.WithStack(err)
		}
	}

	l, err := net.Listen("unix", socket)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	if err := os.Chmod(socket, 0660); err != nil {
		l.Close()
		return nil, xerrors.WithStack(err)
	}

	return l, nil
}

func (s *Server) Serve(l net.Listener) error {
	logger.Log.Info("Start signer", zap.String("listen", l.Addr().String()))
	if err := s.server.Serve(l); err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

// ServeMetrics serves the metrics of the signer. It blocks until the server is stopped.
func (s *Server) ServeMetrics(addr string) error {
	handler := promhttp.InstrumentMetricHandler(registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	logger.Log.Info("Start signer metrics server", zap.String("listen", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

func (s *Server) Shutdown(_ context.Context) error {
	logger.Log.Info("Shutdown signer")
	s.server.GracefulStop()
	return nil
}

func (s *Server) Sign(_ context.Context, req *SignRequest) (*SignResponse, error) {
	csr, err := cert.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	profile := cert.Profile{ServerAuth: req.ServerAuth, Lifetime: s.opts.ClientLifetime}
	if req.ServerAuth {
		profile.Lifetime = s.opts.ServerLifetime
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	serial, err := cert.NewSerialNumber()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	c, err := cert.SigningCertificateRequest(csr, serial, profile, s.ca, s.key, time.Now())
	if err != nil {
		logger.Log.Info("Failed to sign", zap.String("common_name", csr.Subject.CommonName), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	logger.Log.Info("Signed",
		zap.String("common_name", c.Subject.CommonName),
		zap.String("serial", c.SerialNumber.Text(16)),
		zap.Bool("server_auth", req.ServerAuth),
	)

	return &SignResponse{Certificate: cert.EncodeCertificate(c)}, nil
}

func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) (*RevokeResponse, error) {
	serial, ok := new(big.Int).SetString(req.SerialNumber, 16)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid serial number: %s", req.SerialNumber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	entries := database.RevocationListEntries(revoked)
	found := false
	for _, v := range entries {
		if v.SerialNumber.Cmp(serial) == 0 {
			found = true
			break
		}
	}
	if !found {
		entries = append(entries, x509.RevocationListEntry{SerialNumber: serial, RevocationTime: req.RevokedAt})
	}

	if err := s.generateCRL(ctx, entries); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	logger.Log.Info("Revoked", zap.String("serial", req.SerialNumber), zap.Int64("crl_number", s.crlNumber.Int64()))

	return &RevokeResponse{Number: s.crlNumber.Int64()}, nil
}

func (s *Server) ExportCRL(ctx context.Context, _ *ExportCRLRequest) (*ExportCRLResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if s.crl == nil || s.crlRevoked != len(revoked) || time.Since(s.crlUpdated) > s.opts.CRLLifetime/2 {
		if err := s.generateCRL(ctx, database.RevocationListEntries(revoked)); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	return &ExportCRLResponse{CRL: s.crl, Number: s.crlNumber.Int64()}, nil
}

func (s *Server) Exit(_ context.Context, _ *ExitRequest) (*ExitResponse, error) {
	logger.Log.Info("Exit requested")
	// GracefulStop waits for this call to finish
	go s.server.GracefulStop()

	return &ExitResponse{}, nil
}

// generateCRL must be called with the lock.
func (s *Server) generateCRL(ctx context.Context, entries []x509.RevocationListEntry) error {
	now := time.Now()
	number := big.NewInt(now.Unix())
	if number.Cmp(s.crlNumber) <= 0 {
		number = new(big.Int).Add(s.crlNumber, big.NewInt(1))
	}

	crl, err := cert.CreateRevocationList(s.ca, s.key, number, entries, now, s.opts.CRLLifetime)
	if err != nil {
		return err
	}
	s.crl = crl
	s.crlNumber = number
	s.crlRevoked = len(entries)
	s.crlUpdated = now

	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.Publish(ctx, crl); err != nil {
			logger.Log.Warn("Failed to publish CRL", zap.Error(err))
		}
	}

	return nil
}
