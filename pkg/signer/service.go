// Package signer is the channel between the front-end and the process which holds the private key of the CA.
package signer

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName = "certd.signer.v1.Signer"

	codecName = "json"
)

const (
	methodSign      = "/" + ServiceName + "/Sign"
	methodRevoke    = "/" + ServiceName + "/Revoke"
	methodExportCRL = "/" + ServiceName + "/ExportCRL"
	methodExit      = "/" + ServiceName + "/Exit"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

type SignRequest struct {
	// CSR is PEM encoded
	CSR        []byte `json:"csr"`
	ServerAuth bool   `json:"server_auth,omitempty"`
}

type SignResponse struct {
	// Certificate is PEM encoded
	Certificate []byte `json:"certificate"`
}

type RevokeRequest struct {
	// SerialNumber is hex encoded
	SerialNumber string    `json:"serial_number"`
	RevokedAt    time.Time `json:"revoked_at"`
}

type RevokeResponse struct {
	Number int64 `json:"number"`
}

type ExportCRLRequest struct{}

type ExportCRLResponse struct {
	// CRL is DER encoded
	CRL    []byte `json:"crl"`
	Number int64  `json:"number"`
}

type ExitRequest struct{}

type ExitResponse struct{}

type SignerServer interface {
	Sign(context.Context, *SignRequest) (*SignResponse, error)
	Revoke(context.Context, *RevokeRequest) (*RevokeResponse, error)
	ExportCRL(context.Context, *ExportCRLRequest) (*ExportCRLResponse, error)
	Exit(context.Context, *ExitRequest) (*ExitResponse, error)
}

func RegisterSignerServer(s *grpc.Server, srv SignerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sign", Handler: signHandler},
		{MethodName: "Revoke", Handler: revokeHandler},
		{MethodName: "ExportCRL", Handler: exportCRLHandler},
		{MethodName: "Exit", Handler: exitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signer",
}

func signHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SignRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).Sign(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSign}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).Sign(ctx, req.(*SignRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func revokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RevokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).Revoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRevoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).Revoke(ctx, req.(*RevokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func exportCRLHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExportCRLRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).ExportCRL(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExportCRL}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).ExportCRL(ctx, req.(*ExportCRLRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func exitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).Exit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExit}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).Exit(ctx, req.(*ExitRequest))
	}
	return interceptor(ctx, in, info, handler)
}
