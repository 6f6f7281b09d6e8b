package config

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DatastoreTypeMemory = "memory"
	DatastoreTypeFile   = "file"
	DatastoreTypeEtcd   = "etcd"
	DatastoreTypeMySQL  = "mysql"
)

const (
	BundleFormatPEM     = "pem"
	BundleFormatOpenVPN = "ovpn"
	BundleFormatPKCS12  = "p12"
)

type Config struct {
	Authority       *Authority       `json:"authority"`
	Signer          *Signer          `json:"signer"`
	Server          *Server          `json:"server"`
	Datastore       *Datastore       `json:"datastore"`
	Policy          *Policy          `json:"policy"`
	Enrollment      *Enrollment      `json:"enrollment"`
	Authentication  *Authentication  `json:"authentication"`
	CRLDistribution *CRLDistribution `json:"crl_distribution,omitempty"`
	Logger          *Logger          `json:"logger"`

	// Dynamic holds the sections which can be replaced while the process is running.
	Dynamic *Reloadable `json:"-"`
}

// Duration is a time.Duration which is written as "30s" or "48h" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return xerrors.WithStack(err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return xerrors.WithStack(err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Authority struct {
	CertFile            string   `json:"cert_file"`
	Organization        string   `json:"organization,omitempty"`
	OrganizationUnit    string   `json:"organization_unit,omitempty"`
	Country             string   `json:"country,omitempty"`
	ClientLifetime      Duration `json:"client_lifetime,omitempty"`
	ServerLifetime      Duration `json:"server_lifetime,omitempty"`
	ServerCertificateCN []string `json:"server_certificate_cn,omitempty"`

	Certificate *x509.Certificate `json:"-"`
	CertPool    *x509.CertPool    `json:"-"`
}

func (a *Authority) Load(dir string) error {
	if a.CertFile == "" {
		return xerrors.NewWithStack("config: authority.cert_file is required")
	}
	b, err := os.ReadFile(absPath(a.CertFile, dir))
	if err != nil {
		return xerrors.WithStack(err)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return xerrors.NewfWithStack("config: %s is not a PEM encoded certificate", a.CertFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return xerrors.WithStack(err)
	}
	a.Certificate = cert
	a.CertPool = x509.NewCertPool()
	a.CertPool.AddCert(cert)

	if a.ClientLifetime.Duration == 0 {
		a.ClientLifetime.Duration = 5 * 365 * 24 * time.Hour
	}
	if a.ServerLifetime.Duration == 0 {
		a.ServerLifetime.Duration = 5 * 365 * 24 * time.Hour
	}
	return nil
}

// IsServerCertificate reports whether cn is configured to receive a certificate with the server usage.
func (a *Authority) IsServerCertificate(cn string) bool {
	for _, v := range a.ServerCertificateCN {
		if v == cn {
			return true
		}
	}
	return false
}

type Signer struct {
	Socket      string   `json:"socket"`
	KeyFile     string   `json:"key_file,omitempty"`
	CRLLifetime Duration `json:"crl_lifetime,omitempty"`
	MetricsBind string   `json:"metrics_bind,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`

	keyPath string
}

func (s *Signer) Load(dir string) error {
	if s.Socket == "" {
		return xerrors.NewWithStack("config: signer.socket is required")
	}
	s.Socket = absPath(s.Socket, dir)
	if s.KeyFile != "" {
		s.keyPath = absPath(s.KeyFile, dir)
	}
	if s.CRLLifetime.Duration == 0 {
		s.CRLLifetime.Duration = 7 * 24 * time.Hour
	}
	if s.Timeout.Duration == 0 {
		s.Timeout.Duration = 30 * time.Second
	}
	return nil
}

// PrivateKey reads the key of the certificate authority.
// Only the signer process is supposed to call this.
func (s *Signer) PrivateKey() (crypto.Signer, error) {
	if s.keyPath == "" {
		return nil, xerrors.NewWithStack("config: signer.key_file is not set")
	}
	b, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.NewfWithStack("config: %s is not PEM encoded", s.KeyFile)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		privateKey, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		return privateKey, nil
	case "RSA PRIVATE KEY":
		privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		return privateKey, nil
	case "PRIVATE KEY":
		privateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		switch v := privateKey.(type) {
		case *ecdsa.PrivateKey:
			return v, nil
		case *rsa.PrivateKey:
			return v, nil
		default:
			return nil, xerrors.NewWithStack("config: unsupported private key type")
		}
	default:
		return nil, xerrors.NewfWithStack("config: unknown type: %s", block.Type)
	}
}

type Server struct {
	Bind         string `json:"bind"`
	InternalBind string `json:"internal_bind,omitempty"`
	// ContentionProfileRate enables the mutex and block profiles of the internal server when it is positive.
	ContentionProfileRate int `json:"contention_profile_rate,omitempty"`

	// RequestTimeout bounds reading the request. The long poll is bounded by policy.long_poll_timeout instead.
	RequestTimeout Duration `json:"request_timeout,omitempty"`
}

type Datastore struct {
	RawUrl string `json:"url"`

	Type string `json:"-"`
	// Dir is the root directory of the file datastore.
	Dir string `json:"-"`
	// EtcdUrl is the endpoint of etcd.
	EtcdUrl *url.URL `json:"-"`
	// Namespace is the key prefix in etcd.
	Namespace string `json:"-"`
	// DSN is the data source name of MySQL.
	DSN string `json:"-"`
}

func (d *Datastore) Load(dir string) error {
	switch {
	case d.RawUrl == "" || strings.HasPrefix(d.RawUrl, "memory://"):
		d.Type = DatastoreTypeMemory
	case strings.HasPrefix(d.RawUrl, "mysql://"):
		d.Type = DatastoreTypeMySQL
		d.DSN = strings.TrimPrefix(d.RawUrl, "mysql://")
		if _, err := mysql.ParseDSN(d.DSN); err != nil {
			return xerrors.WithMessage(err, "config: invalid mysql dsn")
		}
	case strings.HasPrefix(d.RawUrl, "file://"):
		d.Type = DatastoreTypeFile
		d.Dir = absPath(strings.TrimPrefix(d.RawUrl, "file://"), dir)
	case strings.HasPrefix(d.RawUrl, "etcd://"):
		u, err := url.Parse(d.RawUrl)
		if err != nil {
			return xerrors.WithStack(err)
		}
		d.Type = DatastoreTypeEtcd
		d.Namespace = u.Path
		if d.Namespace == "" || d.Namespace == "/" {
			d.Namespace = "/certd"
		}
		d.EtcdUrl = &url.URL{Scheme: "http", Host: u.Host}
	default:
		return xerrors.NewfWithStack("config: unknown datastore: %s", d.RawUrl)
	}

	return nil
}

type Policy struct {
	AutosignSubnets []string `json:"autosign_subnets,omitempty"`
	RequestSubnets  []string `json:"request_subnets,omitempty"`
	LongPollTimeout Duration `json:"long_poll_timeout,omitempty"`
	RenewalAllowed  bool     `json:"renewal_allowed,omitempty"`

	autosign []netip.Prefix
	request  []netip.Prefix
}

func (p *Policy) Load() error {
	autosign, err := parsePrefixes(p.AutosignSubnets)
	if err != nil {
		return err
	}
	request, err := parsePrefixes(p.RequestSubnets)
	if err != nil {
		return err
	}
	p.autosign = autosign
	p.request = request
	if p.LongPollTimeout.Duration == 0 {
		p.LongPollTimeout.Duration = 30 * time.Second
	}

	return nil
}

// CanAutosign reports whether a request from addr can be signed without approval of an administrator.
func (p *Policy) CanAutosign(addr netip.Addr) bool {
	return contains(p.autosign, addr)
}

// CanRequest reports whether addr is allowed to submit a request.
// An empty request_subnets allows every address.
func (p *Policy) CanRequest(addr netip.Addr) bool {
	if len(p.request) == 0 {
		return true
	}
	return contains(p.request, addr)
}

type Enrollment struct {
	Enabled        bool     `json:"enabled"`
	SecretFile     string   `json:"secret_file,omitempty"`
	TokenLifetime  Duration `json:"token_lifetime,omitempty"`
	BundleFormat   string   `json:"bundle_format,omitempty"`
	PKCS12Password string   `json:"pkcs12_password,omitempty"`
	SingleUse      bool     `json:"single_use,omitempty"`
	LedgerServers  []string `json:"ledger_servers,omitempty"`
	OpenVPN        *OpenVPN `json:"openvpn,omitempty"`

	Secret []byte `json:"-"`
}

type OpenVPN struct {
	Remote []string `json:"remote"`
	Proto  string   `json:"proto,omitempty"`
	Device string   `json:"device,omitempty"`
	Cipher string   `json:"cipher,omitempty"`
}

func (e *Enrollment) Load(dir string) error {
	if e.TokenLifetime.Duration == 0 {
		e.TokenLifetime.Duration = 48 * time.Hour
	}
	switch e.BundleFormat {
	case "":
		e.BundleFormat = BundleFormatPEM
	case BundleFormatPEM, BundleFormatOpenVPN, BundleFormatPKCS12:
	default:
		return xerrors.NewfWithStack("config: unknown bundle format: %s", e.BundleFormat)
	}
	if e.BundleFormat == BundleFormatOpenVPN && (e.OpenVPN == nil || len(e.OpenVPN.Remote) == 0) {
		return xerrors.NewWithStack("config: enrollment.openvpn.remote is required for the ovpn bundle")
	}
	if e.OpenVPN != nil {
		if e.OpenVPN.Proto == "" {
			e.OpenVPN.Proto = "udp"
		}
		if e.OpenVPN.Device == "" {
			e.OpenVPN.Device = "tun"
		}
	}
	if !e.Enabled {
		return nil
	}

	if e.SecretFile == "" {
		return xerrors.NewWithStack("config: enrollment.secret_file is required")
	}
	b, err := os.ReadFile(absPath(e.SecretFile, dir))
	if err != nil {
		return xerrors.WithStack(err)
	}
	e.Secret = []byte(strings.TrimSpace(string(b)))
	if len(e.Secret) == 0 {
		return xerrors.NewWithStack("config: enrollment secret is empty")
	}
	return nil
}

type Authentication struct {
	Static *StaticAuthentication `json:"static,omitempty"`
	JWT    *JWTAuthentication    `json:"jwt,omitempty"`
}

type StaticAuthentication struct {
	Users []*StaticUser `json:"users"`
}

type StaticUser struct {
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	Admin        bool   `json:"admin,omitempty"`
}

type JWTAuthentication struct {
	PublicKeyFile string `json:"public_key_file"`
	Issuer        string `json:"issuer,omitempty"`

	PublicKey *ecdsa.PublicKey `json:"-"`
}

func (a *Authentication) Load(dir string) error {
	if a.JWT == nil {
		return nil
	}

	b, err := os.ReadFile(absPath(a.JWT.PublicKeyFile, dir))
	if err != nil {
		return xerrors.WithStack(err)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PUBLIC KEY" {
		return xerrors.NewfWithStack("config: %s is not a PEM encoded public key", a.JWT.PublicKeyFile)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return xerrors.WithStack(err)
	}
	v, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return xerrors.NewWithStack("config: the public key for JWT must be ECDSA")
	}
	a.JWT.PublicKey = v

	return nil
}

type CRLDistribution struct {
	Endpoint            string `json:"endpoint"`
	Bucket              string `json:"bucket"`
	Path                string `json:"path,omitempty"`
	Region              string `json:"region,omitempty"`
	AccessKeyID         string `json:"access_key_id"`
	SecretAccessKeyFile string `json:"secret_access_key_file"`
	Secure              bool   `json:"secure,omitempty"`

	SecretAccessKey string `json:"-"`
}

func (c *CRLDistribution) Load(dir string) error {
	if c.Path == "" {
		c.Path = "ca.crl"
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.SecretAccessKeyFile == "" {
		return nil
	}
	b, err := os.ReadFile(absPath(c.SecretAccessKeyFile, dir))
	if err != nil {
		return xerrors.WithStack(err)
	}
	c.SecretAccessKey = strings.TrimSpace(string(b))

	return nil
}

type Logger struct {
	Level    string `json:"level"`
	Encoding string `json:"encoding"` // json or console
}

func (l *Logger) ZapConfig(encoder zapcore.EncoderConfig) *zap.Config {
	level := zap.InfoLevel
	switch l.Level {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	encoding := "json"
	if l.Encoding != "" {
		encoding = l.Encoding
	}

	return &zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Sampling:         nil, // disable sampling
		Encoding:         encoding,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// Dynamic is a set of sections which are swapped at once when the config file is changed.
type Dynamic struct {
	Policy     *Policy
	Enrollment *Enrollment
}

type Reloadable struct {
	v atomic.Pointer[Dynamic]
}

func NewReloadable(d *Dynamic) *Reloadable {
	r := &Reloadable{}
	r.v.Store(d)
	return r
}

// Get returns the current snapshot. Callers should keep the returned value for the whole operation.
func (r *Reloadable) Get() *Dynamic {
	return r.v.Load()
}

func (r *Reloadable) Store(d *Dynamic) {
	r.v.Store(d)
}

func parsePrefixes(in []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(in))
	for _, v := range in {
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, xerrors.WithStack(err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, xerrors.WithMessagef(err, "config: invalid subnet %q", v)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return prefixes, nil
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, v := range prefixes {
		if v.Contains(addr) {
			return true
		}
	}
	return false
}

func absPath(path, dir string) string {
	if strings.HasPrefix(path, "./") {
		a, err := filepath.Abs(filepath.Join(dir, path))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ""
		}
		return a
	}
	return path
}
