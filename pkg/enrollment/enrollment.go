// Package enrollment implements the self-service enrollment.
// An administrator issues a token for the user, and the user redeems it for a bundle
// which contains a new private key and the certificate signed for the key.
package enrollment

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/url"
	"time"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/stat"
)

// Enroller signs the request of the user.
type Enroller interface {
	Enroll(ctx context.Context, user string, csr []byte) (*database.SignedCertificate, error)
}

type Service struct {
	ca       *x509.Certificate
	dynamic  *config.Reloadable
	enroller Enroller
	ledger   Ledger

	now func() time.Time
}

func NewService(ca *x509.Certificate, dynamic *config.Reloadable, enroller Enroller, ledger Ledger) *Service {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Service{ca: ca, dynamic: dynamic, enroller: enroller, ledger: ledger, now: time.Now}
}

func (s *Service) Enabled() bool {
	conf := s.dynamic.Get().Enrollment
	return conf != nil && conf.Enabled
}

func (s *Service) IssueToken(ctx context.Context, user string) (*Token, error) {
	conf := s.dynamic.Get().Enrollment
	if conf == nil || !conf.Enabled {
		return nil, xerrors.WithStack(ErrDisabled)
	}

	token, err := NewIssuer(conf.Secret, conf.TokenLifetime.Duration).Issue(user, s.now())
	if err != nil {
		return nil, err
	}
	stat.Value.IssueToken()
	logger.Audit.Info("Token issued",
		zap.String("user", user),
		zap.Time("issued_at", token.IssuedAt),
		zap.String("principal", auth.Name(ctx)),
		logger.RequestId(ctx),
	)

	return token, nil
}

// Redeem verifies the token and returns the bundle for the user of the token.
func (s *Service) Redeem(ctx context.Context, query url.Values, userAgent string) (*Bundle, error) {
	conf := s.dynamic.Get().Enrollment
	if conf == nil || !conf.Enabled {
		return nil, xerrors.WithStack(ErrDisabled)
	}

	token, err := NewIssuer(conf.Secret, conf.TokenLifetime.Duration).Verify(query, s.now())
	if err != nil {
		logger.Audit.Info("Token rejected", zap.String("user", query.Get("u")), zap.Error(err), logger.RequestId(ctx))
		return nil, err
	}
	if conf.SingleUse {
		if err := s.ledger.Consume(ctx, token.Checksum, conf.TokenLifetime.Duration); err != nil {
			logger.Audit.Info("Token rejected", zap.String("user", token.User), zap.Error(err), logger.RequestId(ctx))
			return nil, err
		}
	}

	agent := ParseUserAgent(userAgent)
	keyType := cert.PrivateKeyTypeEcdsa
	if conf.BundleFormat == config.BundleFormatOpenVPN && agent.LegacyWindows() {
		keyType = cert.PrivateKeyTypeRsa
	}
	privateKey, err := cert.CreatePrivateKey(keyType)
	if err != nil {
		return nil, err
	}
	csr, err := cert.CreateCertificateRequest(pkix.Name{CommonName: token.User}, nil, privateKey)
	if err != nil {
		return nil, err
	}
	signed, err := s.enroller.Enroll(auth.WithPrincipal(ctx, &auth.Principal{Name: token.User}), token.User, csr)
	if err != nil {
		return nil, err
	}

	bundle, err := renderBundle(conf, &bundleSource{
		User:        token.User,
		PrivateKey:  privateKey,
		Certificate: signed.Certificate,
		CA:          s.ca,
		Agent:       agent,
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Debug("Token redeemed", zap.String("user", token.User), zap.String("format", conf.BundleFormat))

	return bundle, nil
}
