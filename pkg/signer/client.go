package signer

import (
	"context"
	"crypto/x509"
	"errors"
	"math/big"
	"time"

	"go.f110.dev/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"go.f110.dev/certd/pkg/cert"
)

var (
	ErrUnavailable = xerrors.New("signer: unavailable")
)

// Client is the front-end side of the signer channel.
// The commands are never retried because the effect of a failed command is unknown.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func Dial(socket string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDisableRetry(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Sign returns the certificate signed by the CA. csr is PEM encoded.
func (c *Client) Sign(ctx context.Context, csr []byte, serverAuth bool) (*x509.Certificate, error) {
	res := &SignResponse{}
	if err := c.invoke(ctx, methodSign, &SignRequest{CSR: csr, ServerAuth: serverAuth}, res); err != nil {
		return nil, err
	}

	crt, err := cert.DecodeCertificate(res.Certificate)
	if err != nil {
		return nil, err
	}
	return crt, nil
}

// Revoke regenerates the CRL which includes serial.
func (c *Client) Revoke(ctx context.Context, serial *big.Int, revokedAt time.Time) error {
	return c.invoke(ctx, methodRevoke, &RevokeRequest{SerialNumber: serial.Text(16), RevokedAt: revokedAt}, &RevokeResponse{})
}

// ExportCRL returns the DER encoded CRL.
func (c *Client) ExportCRL(ctx context.Context) ([]byte, error) {
	res := &ExportCRLResponse{}
	if err := c.invoke(ctx, methodExportCRL, &ExportCRLRequest{}, res); err != nil {
		return nil, err
	}

	return res.CRL, nil
}

func (c *Client) Exit(ctx context.Context) error {
	return c.invoke(ctx, methodExit, &ExitRequest{}, &ExitResponse{})
}

// Ready reports whether the signer is serving.
func (c *Client) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	res, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	if err != nil {
		return false
	}
	return res.Status == healthpb.HealthCheckResponse_SERVING
}

func (c *Client) invoke(ctx context.Context, method string, req, res any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, method, req, res); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.InvalidArgument {
			return xerrors.WithMessage(cert.ErrInvalidCertificateRequest, s.Message())
		}
		if errors.Is(err, context.Canceled) {
			return xerrors.WithStack(err)
		}
		return xerrors.WithMessage(ErrUnavailable, err.Error())
	}

	return nil
}
