package authn

import (
	"crypto/ecdsa"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/logger"
)

const TokenHeaderName = "X-Auth-Token"

type TokenClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// JWT authenticates the request by the token which is signed by the trusted issuer with ES256.
type JWT struct {
	publicKey *ecdsa.PublicKey
	issuer    string
}

var _ auth.Authenticator = &JWT{}

func NewJWT(conf *config.JWTAuthentication) *JWT {
	return &JWT{publicKey: conf.PublicKey, issuer: conf.Issuer}
}

func (j *JWT) Authenticate(req *http.Request) (*auth.Principal, error) {
	token := req.Header.Get(TokenHeaderName)
	if token == "" && isBearer(req) {
		token = strings.TrimSpace(req.Header.Get("Authorization")[len("Bearer "):])
	}
	if token == "" {
		return nil, xerrors.WithStack(auth.ErrNoCredentials)
	}

	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, xerrors.New("authn: invalid signing method")
		}
		return j.publicKey, nil
	})
	if err != nil {
		logger.Log.Debug("Failed parse jwt", zap.Error(err))
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorMalformed != 0 {
			return nil, xerrors.WithStack(auth.ErrBadRequest)
		}
		return nil, xerrors.WithStack(auth.ErrInvalidCredentials)
	}
	if j.issuer != "" && !claims.VerifyIssuer(j.issuer, true) {
		return nil, xerrors.WithStack(auth.ErrInvalidCredentials)
	}
	if claims.Subject == "" {
		return nil, xerrors.WithStack(auth.ErrInvalidCredentials)
	}

	return &auth.Principal{Name: claims.Subject, Admin: claims.Admin}, nil
}

func isBearer(req *http.Request) bool {
	return strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ")
}
