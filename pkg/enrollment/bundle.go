package enrollment

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"embed"
	"strings"
	"text/template"

	"go.f110.dev/xerrors"
	"software.sslmate.com/src/go-pkcs12"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/config"
)

const (
	ContentTypePEM     = "application/x-pem-file"
	ContentTypeOpenVPN = "application/x-openvpn"
	ContentTypePKCS12  = "application/x-pkcs12"
)

//go:embed templates
var templates embed.FS

var openVPNTemplate = template.Must(template.ParseFS(templates, "templates/client.ovpn.tmpl"))

type Bundle struct {
	ContentType string
	Filename    string
	Body        []byte
}

type bundleSource struct {
	User        string
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	CA          *x509.Certificate
	Agent       Agent
}

func renderBundle(conf *config.Enrollment, src *bundleSource) (*Bundle, error) {
	switch conf.BundleFormat {
	case config.BundleFormatOpenVPN:
		return renderOpenVPN(conf.OpenVPN, src)
	case config.BundleFormatPKCS12:
		return renderPKCS12(conf.PKCS12Password, src)
	case config.BundleFormatPEM, "":
		return renderPEM(src)
	default:
		return nil, xerrors.NewfWithStack("enrollment: unknown bundle format: %s", conf.BundleFormat)
	}
}

func renderPEM(src *bundleSource) (*Bundle, error) {
	key, err := cert.EncodePrivateKey(src.PrivateKey)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	buf.Write(key)
	buf.Write(cert.EncodeCertificate(src.Certificate))
	buf.Write(cert.EncodeCertificate(src.CA))

	return &Bundle{ContentType: ContentTypePEM, Filename: src.User + ".pem", Body: buf.Bytes()}, nil
}

func renderOpenVPN(conf *config.OpenVPN, src *bundleSource) (*Bundle, error) {
	if conf == nil || len(conf.Remote) == 0 {
		return nil, xerrors.NewWithStack("enrollment: openvpn remote is not configured")
	}
	key, err := cert.EncodePrivateKey(src.PrivateKey)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	err = openVPNTemplate.ExecuteTemplate(buf, "client.ovpn.tmpl", struct {
		*config.OpenVPN
		CA          string
		Certificate string
		PrivateKey  string
	}{
		OpenVPN:     conf,
		CA:          string(cert.EncodeCertificate(src.CA)),
		Certificate: string(cert.EncodeCertificate(src.Certificate)),
		PrivateKey:  string(key),
	})
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	body := buf.Bytes()
	if src.Agent.Platform == PlatformWindows {
		body = []byte(strings.ReplaceAll(buf.String(), "\n", "\r\n"))
	}

	return &Bundle{ContentType: ContentTypeOpenVPN, Filename: src.User + ".ovpn", Body: body}, nil
}

func renderPKCS12(password string, src *bundleSource) (*Bundle, error) {
	encoder := pkcs12.Modern
	if src.Agent.LegacyPKCS12() {
		encoder = pkcs12.Legacy
	}
	b, err := encoder.Encode(src.PrivateKey, src.Certificate, []*x509.Certificate{src.CA}, password)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return &Bundle{ContentType: ContentTypePKCS12, Filename: src.User + ".p12", Body: b}, nil
}
