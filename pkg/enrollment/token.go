package enrollment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/certd/pkg/cert"
)

const (
	clockSkew = 60 * time.Second
)

var (
	ErrInvalidToken   = xerrors.New("enrollment: invalid token")
	ErrMalformedToken = xerrors.New("enrollment: malformed token")
	ErrDisabled       = xerrors.New("enrollment: disabled")
)

// Token is the decoded form of the enrollment token.
type Token struct {
	User     string
	IssuedAt time.Time
	Checksum string
}

// String returns the query string of the token.
func (t *Token) String() string {
	return "u=" + url.QueryEscape(t.User) + "&t=" + strconv.FormatInt(t.IssuedAt.Unix(), 10) + "&c=" + t.Checksum
}

// Issuer issues and verifies the tokens.
// The token is not stored anywhere. The validity is computed from the shared secret.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
}

func NewIssuer(secret []byte, lifetime time.Duration) *Issuer {
	return &Issuer{secret: secret, lifetime: lifetime}
}

func (i *Issuer) Issue(user string, now time.Time) (*Token, error) {
	// The user becomes the common name of the certificate.
	if !cert.ValidCommonName(user) {
		return nil, xerrors.WithMessagef(ErrMalformedToken, "invalid user name: %q", user)
	}
	if len(i.secret) == 0 {
		return nil, xerrors.WithStack(ErrDisabled)
	}

	t := now.Truncate(time.Second)
	return &Token{User: user, IssuedAt: t, Checksum: i.checksum(user, t.Unix())}, nil
}

// Verify checks the checksum and the expiry of the token in query.
func (i *Issuer) Verify(query url.Values, now time.Time) (*Token, error) {
	user, ts, checksum := query.Get("u"), query.Get("t"), query.Get("c")
	if user == "" || ts == "" || checksum == "" {
		return nil, xerrors.WithStack(ErrMalformedToken)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, xerrors.WithMessage(ErrMalformedToken, err.Error())
	}
	if len(i.secret) == 0 {
		return nil, xerrors.WithStack(ErrDisabled)
	}

	expect := i.checksum(user, unix)
	if !hmac.Equal([]byte(expect), []byte(checksum)) {
		return nil, xerrors.WithMessage(ErrInvalidToken, "checksum mismatch")
	}
	issuedAt := time.Unix(unix, 0)
	if issuedAt.After(now.Add(clockSkew)) {
		return nil, xerrors.WithMessage(ErrInvalidToken, "issued in the future")
	}
	if now.Sub(issuedAt) > i.lifetime {
		return nil, xerrors.WithMessage(ErrInvalidToken, "expired")
	}

	return &Token{User: user, IssuedAt: issuedAt, Checksum: checksum}, nil
}

func (i *Issuer) checksum(user string, unix int64) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(user))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
