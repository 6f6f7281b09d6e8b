package database

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/gob"
	"math/big"
	"sort"
	"time"

	"go.f110.dev/xerrors"
)

var (
	ErrNotFound      = xerrors.New("database: not found")
	ErrAlreadyExists = xerrors.New("database: already exists")
)

// CertificateStore is the repository of requests, signed and revoked certificates and their metadata.
// Implementations must be safe for concurrent use.
type CertificateStore interface {
	GetRequest(ctx context.Context, cn string) (*CertificateRequest, error)
	ListRequests(ctx context.Context) ([]*CertificateRequest, error)
	// SetRequest stores a new request. It returns ErrAlreadyExists if a request for the same CN exists.
	SetRequest(ctx context.Context, req *CertificateRequest) error
	DeleteRequest(ctx context.Context, cn string) error

	GetSignedCertificate(ctx context.Context, cn string) (*SignedCertificate, error)
	ListSignedCertificates(ctx context.Context) ([]*SignedCertificate, error)
	// SetSignedCertificate stores the certificate and removes the pending request of the same CN at once.
	// It returns ErrAlreadyExists if a signed certificate for the same CN exists.
	SetSignedCertificate(ctx context.Context, signed *SignedCertificate) error

	// RevokeCertificate moves the signed certificate to the revoked set. Its metadata is discarded.
	RevokeCertificate(ctx context.Context, cn string, revokedAt time.Time) (*RevokedCertificate, error)
	ListRevokedCertificates(ctx context.Context) ([]*RevokedCertificate, error)

	GetLease(ctx context.Context, cn string) (*Lease, error)
	SetLease(ctx context.Context, cn string, lease *Lease) error
	GetTags(ctx context.Context, cn string) ([]*Tag, error)
	SetTag(ctx context.Context, cn, key, value string) error
	DeleteTag(ctx context.Context, cn, key string) error
}

type EventType int

const (
	EventRequested EventType = iota + 1
	EventSigned
	EventRevoked
)

type Event struct {
	Type       EventType
	CommonName string
}

// Watcher is implemented by the stores which can observe the changes made by another process.
type Watcher interface {
	Watch(ctx context.Context) (<-chan *Event, error)
}

type CertificateRequest struct {
	CommonName string
	Request    *x509.CertificateRequest
	RemoteAddr string
	CreatedAt  time.Time
}

type certificateRequest struct {
	CommonName string
	Raw        []byte
	RemoteAddr string
	CreatedAt  time.Time
}

func NewCertificateRequest(csr *x509.CertificateRequest, remoteAddr string, now time.Time) *CertificateRequest {
	return &CertificateRequest{
		CommonName: csr.Subject.CommonName,
		Request:    csr,
		RemoteAddr: remoteAddr,
		CreatedAt:  now,
	}
}

func (r *CertificateRequest) PublicKey() crypto.PublicKey {
	return r.Request.PublicKey
}

func (r *CertificateRequest) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	v := &certificateRequest{CommonName: r.CommonName, Raw: r.Request.Raw, RemoteAddr: r.RemoteAddr, CreatedAt: r.CreatedAt}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, xerrors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func ParseCertificateRequest(b []byte) (*CertificateRequest, error) {
	v := &certificateRequest{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return nil, xerrors.WithStack(err)
	}
	csr, err := x509.ParseCertificateRequest(v.Raw)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return &CertificateRequest{CommonName: v.CommonName, Request: csr, RemoteAddr: v.RemoteAddr, CreatedAt: v.CreatedAt}, nil
}

type SignedCertificate struct {
	Certificate *x509.Certificate
	IssuedAt    time.Time
}

type signedCertificate struct {
	Raw      []byte
	IssuedAt time.Time
}

func (s *SignedCertificate) CommonName() string {
	return s.Certificate.Subject.CommonName
}

func (s *SignedCertificate) SerialNumber() *big.Int {
	return s.Certificate.SerialNumber
}

func (s *SignedCertificate) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(&signedCertificate{Raw: s.Certificate.Raw, IssuedAt: s.IssuedAt}); err != nil {
		return nil, xerrors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func ParseSignedCertificate(b []byte) (*SignedCertificate, error) {
	v := &signedCertificate{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return nil, xerrors.WithStack(err)
	}
	c, err := x509.ParseCertificate(v.Raw)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return &SignedCertificate{Certificate: c, IssuedAt: v.IssuedAt}, nil
}

type RevokedCertificate struct {
	CommonName   string
	SerialNumber *big.Int
	Certificate  *x509.Certificate
	RevokedAt    time.Time
}

type revokedCertificate struct {
	Raw       []byte
	RevokedAt time.Time
}

func NewRevokedCertificate(signed *SignedCertificate, revokedAt time.Time) *RevokedCertificate {
	return &RevokedCertificate{
		CommonName:   signed.CommonName(),
		SerialNumber: signed.SerialNumber(),
		Certificate:  signed.Certificate,
		RevokedAt:    revokedAt,
	}
}

func (r *RevokedCertificate) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(&revokedCertificate{Raw: r.Certificate.Raw, RevokedAt: r.RevokedAt}); err != nil {
		return nil, xerrors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func ParseRevokedCertificate(b []byte) (*RevokedCertificate, error) {
	v := &revokedCertificate{}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return nil, xerrors.WithStack(err)
	}
	c, err := x509.ParseCertificate(v.Raw)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return &RevokedCertificate{
		CommonName:   c.Subject.CommonName,
		SerialNumber: c.SerialNumber,
		Certificate:  c,
		RevokedAt:    v.RevokedAt,
	}, nil
}

// RevocationListEntries converts the revoked set into entries of a CRL.
func RevocationListEntries(revoked []*RevokedCertificate) []x509.RevocationListEntry {
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, v := range revoked {
		entries = append(entries, x509.RevocationListEntry{SerialNumber: v.SerialNumber, RevocationTime: v.RevokedAt})
	}

	return entries
}

type Lease struct {
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is the side data of a signed certificate.
type Metadata struct {
	Lease *Lease            `json:"lease,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// SortedTags returns the tags ordered by the key.
func (m *Metadata) SortedTags() []*Tag {
	tags := make([]*Tag, 0, len(m.Tags))
	for k, v := range m.Tags {
		tags = append(tags, &Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })

	return tags
}
