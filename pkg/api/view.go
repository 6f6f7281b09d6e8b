package api

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/database"
)

type requestView struct {
	CommonName  string    `json:"common_name"`
	RemoteAddr  string    `json:"remote_addr"`
	CreatedAt   time.Time `json:"created_at"`
	KeyType     string    `json:"key_type"`
	Fingerprint string    `json:"fingerprint"`
}

func newRequestView(r *database.CertificateRequest) *requestView {
	sum := sha256.Sum256(r.Request.Raw)
	return &requestView{
		CommonName:  r.CommonName,
		RemoteAddr:  r.RemoteAddr,
		CreatedAt:   r.CreatedAt,
		KeyType:     r.Request.PublicKeyAlgorithm.String(),
		Fingerprint: hex.EncodeToString(sum[:]),
	}
}

type signedView struct {
	CommonName  string    `json:"common_name"`
	Serial      string    `json:"serial"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	IssuedAt    time.Time `json:"issued_at"`
	Server      bool      `json:"server"`
	Fingerprint string    `json:"fingerprint"`
}

func newSignedView(s *database.SignedCertificate) *signedView {
	sum := sha256.Sum256(s.Certificate.Raw)
	server := false
	for _, v := range s.Certificate.ExtKeyUsage {
		if v == x509.ExtKeyUsageServerAuth {
			server = true
		}
	}

	return &signedView{
		CommonName:  s.CommonName(),
		Serial:      s.SerialNumber().Text(16),
		NotBefore:   s.Certificate.NotBefore,
		NotAfter:    s.Certificate.NotAfter,
		IssuedAt:    s.IssuedAt,
		Server:      server,
		Fingerprint: hex.EncodeToString(sum[:]),
	}
}

type revokedView struct {
	CommonName string    `json:"common_name"`
	Serial     string    `json:"serial"`
	RevokedAt  time.Time `json:"revoked_at"`
}

func newRevokedView(r *database.RevokedCertificate) *revokedView {
	return &revokedView{CommonName: r.CommonName, Serial: r.SerialNumber.Text(16), RevokedAt: r.RevokedAt}
}

type authorityView struct {
	CommonName string    `json:"common_name"`
	Serial     string    `json:"serial"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
}

type featuresView struct {
	AutosignSubnets []string `json:"autosign_subnets"`
	UserEnrollment  bool     `json:"user_enrollment"`
	BundleFormat    string   `json:"bundle_format,omitempty"`
	RenewalAllowed  bool     `json:"renewal_allowed"`
}

type sessionView struct {
	User      *auth.Principal `json:"user"`
	Authority *authorityView  `json:"authority"`
	Features  *featuresView   `json:"features"`
	Requests  []*requestView  `json:"requests,omitempty"`
	Signed    []*signedView   `json:"signed,omitempty"`
	Revoked   []*revokedView  `json:"revoked,omitempty"`
}
