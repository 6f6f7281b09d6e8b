package cert

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"strings"
	"unicode"

	"go.f110.dev/xerrors"
)

var (
	ErrInvalidCertificateRequest = xerrors.New("cert: invalid certificate request")
	ErrInvalidCommonName         = xerrors.New("cert: invalid common name")
)

func CreateCertificateRequest(subject pkix.Name, dnsNames []string, key crypto.Signer) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: dnsNames,
	}
	b, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: b}), nil
}

// CreatePrivateKeyAndCertificateRequest returns a PEM encoded CSR and its ECDSA private key.
func CreatePrivateKeyAndCertificateRequest(subject pkix.Name, dnsNames []string) ([]byte, crypto.Signer, error) {
	privateKey, err := CreatePrivateKey(PrivateKeyTypeEcdsa)
	if err != nil {
		return nil, nil, err
	}
	csr, err := CreateCertificateRequest(subject, dnsNames, privateKey)
	if err != nil {
		return nil, nil, err
	}

	return csr, privateKey, nil
}

// ParseCertificateRequest parses a PEM encoded CSR and verifies its self-signature.
// The common name must be present and usable as a name of a file.
func ParseCertificateRequest(b []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.WithMessage(ErrInvalidCertificateRequest, "not PEM encoded")
	}
	if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
		return nil, xerrors.WithMessagef(ErrInvalidCertificateRequest, "unexpected block type %s", block.Type)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, xerrors.WithMessage(ErrInvalidCertificateRequest, err.Error())
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, xerrors.WithMessage(ErrInvalidCertificateRequest, err.Error())
	}
	if !ValidCommonName(csr.Subject.CommonName) {
		return nil, xerrors.WithStack(ErrInvalidCommonName)
	}

	return csr, nil
}

// ValidCommonName reports whether cn can be used as a key of the store.
func ValidCommonName(cn string) bool {
	if cn == "" || cn == "." || cn == ".." || len(cn) > 255 {
		return false
	}
	if strings.ContainsAny(cn, "/\\") {
		return false
	}
	for _, r := range cn {
		if unicode.IsControl(r) {
			return false
		}
	}

	return true
}
