package auth

import (
	"context"
	"errors"
	"net/http"

	"go.f110.dev/xerrors"
)

var (
	// ErrNoCredentials is returned when the request doesn't have any credential.
	ErrNoCredentials      = xerrors.New("auth: no credentials")
	ErrInvalidCredentials = xerrors.New("auth: invalid credentials")
	// ErrBadRequest is returned when the credential can't be parsed.
	ErrBadRequest = xerrors.New("auth: malformed credentials")
)

type Principal struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

func (p *Principal) IsAdmin() bool {
	return p != nil && p.Admin
}

// Authenticator verifies the identity of the request.
// Kerberos, LDAP or any other backend can be plugged by implementing this.
type Authenticator interface {
	Authenticate(req *http.Request) (*Principal, error)
}

// Chain tries each authenticator in order.
// The first authenticator which finds the credential decides the result.
type Chain []Authenticator

var _ Authenticator = Chain{}

func (c Chain) Authenticate(req *http.Request) (*Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(req)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		return p, err
	}

	return nil, xerrors.WithStack(ErrNoCredentials)
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal of the request. It returns nil for an anonymous request.
func PrincipalFrom(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// Name returns the name of the principal in ctx for logging.
func Name(ctx context.Context) string {
	if p := PrincipalFrom(ctx); p != nil {
		return p.Name
	}
	return "anonymous"
}
