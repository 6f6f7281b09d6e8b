package authn

import (
	"net/http"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/logger"
)

// Static authenticates the request by HTTP Basic authentication against the users in the config file.
type Static struct {
	users map[string]*config.StaticUser
}

var _ auth.Authenticator = &Static{}

func NewStatic(conf *config.StaticAuthentication) *Static {
	users := make(map[string]*config.StaticUser)
	for _, v := range conf.Users {
		users[v.Name] = v
	}

	return &Static{users: users}
}

func (s *Static) Authenticate(req *http.Request) (*auth.Principal, error) {
	if req.Header.Get("Authorization") == "" {
		return nil, xerrors.WithStack(auth.ErrNoCredentials)
	}
	name, password, ok := req.BasicAuth()
	if !ok {
		if isBearer(req) {
			return nil, xerrors.WithStack(auth.ErrNoCredentials)
		}
		return nil, xerrors.WithStack(auth.ErrBadRequest)
	}

	u, ok := s.users[name]
	if !ok {
		return nil, xerrors.WithStack(auth.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		logger.Log.Debug("Password mismatch", zap.String("user", name))
		return nil, xerrors.WithStack(auth.ErrInvalidCredentials)
	}

	return &auth.Principal{Name: u.Name, Admin: u.Admin}, nil
}
