package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"go.f110.dev/xerrors"
)

const (
	PrivateKeyTypeEcdsa = "ecdsa"
	PrivateKeyTypeRsa   = "rsa"
)

const (
	CertificateAuthorityExpirationYear = 20 // year
)

var (
	// Serial numbers are drawn from [2^152, 2^160).
	serialNumberMin   = new(big.Int).Lsh(big.NewInt(1), 152)
	serialNumberRange = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), serialNumberMin)
)

// Profile determines the usage and the validity of the certificate.
type Profile struct {
	ServerAuth bool
	Lifetime   time.Duration
}

func NewSerialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, serialNumberRange)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return n.Add(n, serialNumberMin), nil
}

func CreatePrivateKey(privateKeyType string) (crypto.Signer, error) {
	switch privateKeyType {
	case PrivateKeyTypeRsa:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		return k, nil
	case PrivateKeyTypeEcdsa, "":
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		return k, nil
	default:
		return nil, xerrors.NewfWithStack("cert: unknown private key type: %s", privateKeyType)
	}
}

func CreateCertificateAuthority(name, organization, organizationUnit, country, privateKeyType string) (*x509.Certificate, crypto.Signer, error) {
	privateKey, err := CreatePrivateKey(privateKeyType)
	if err != nil {
		return nil, nil, err
	}
	serial, err := NewSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	subject := pkix.Name{CommonName: name}
	if organization != "" {
		subject.Organization = []string{organization}
	}
	if organizationUnit != "" {
		subject.OrganizationalUnit = []string{organizationUnit}
	}
	if country != "" {
		subject.Country = []string{country}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(CertificateAuthorityExpirationYear, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	b, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, nil, xerrors.WithStack(err)
	}
	c, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, nil, xerrors.WithStack(err)
	}

	return c, privateKey, nil
}

// SigningCertificateRequest issues the certificate for csr.
// The subject and the public key are taken from csr, everything else is decided by profile.
func SigningCertificateRequest(csr *x509.CertificateRequest, serial *big.Int, profile Profile, ca *x509.Certificate, caKey crypto.Signer, now time.Time) (*x509.Certificate, error) {
	if profile.Lifetime <= 0 {
		return nil, xerrors.NewWithStack("cert: lifetime must be positive")
	}
	notAfter := now.Add(profile.Lifetime)
	if notAfter.After(ca.NotAfter) {
		notAfter = ca.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	if profile.ServerAuth {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = append([]string{csr.Subject.CommonName}, csr.DNSNames...)
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	b, err := x509.CreateCertificate(rand.Reader, template, ca, csr.PublicKey, caKey)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	signed, err := x509.ParseCertificate(b)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return signed, nil
}

// CreateRevocationList creates a DER encoded CRL.
func CreateRevocationList(ca *x509.Certificate, caKey crypto.Signer, number *big.Int, entries []x509.RevocationListEntry, now time.Time, lifetime time.Duration) ([]byte, error) {
	template := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(lifetime),
		RevokedCertificateEntries: entries,
	}
	b, err := x509.CreateRevocationList(rand.Reader, template, ca, caKey)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return b, nil
}

// PublicKeyEqual reports whether a and b are the same key.
func PublicKeyEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return k.Equal(b)
}
