package authority

import (
	"context"
	"errors"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/notify"
	"go.f110.dev/certd/pkg/stat"
)

// Enroll signs the request of the user who redeemed the enrollment token.
// The earlier certificate of the user is replaced and revoked. A token can be redeemed until it expires,
// so the renewal policy doesn't apply here.
func (a *Authority) Enroll(ctx context.Context, user string, csrPEM []byte) (*database.SignedCertificate, error) {
	csr, err := cert.ParseCertificateRequest(csrPEM)
	if err != nil {
		return nil, xerrors.WithMessage(ErrInvalidRequest, err.Error())
	}
	if csr.Subject.CommonName != user {
		return nil, xerrors.WithMessagef(ErrInvalidRequest, "common name %s doesn't match the user", csr.Subject.CommonName)
	}

	unlock := a.locks.Lock(user)
	defer unlock()

	old, err := a.store.GetSignedCertificate(ctx, user)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	c, err := a.signer.Sign(ctx, csrPEM, false)
	if err != nil {
		return nil, err
	}
	var signed *database.SignedCertificate
	if old != nil {
		signed, err = a.replace(ctx, user, c)
	} else {
		signed = &database.SignedCertificate{Certificate: c, IssuedAt: a.now()}
		if err = a.store.SetSignedCertificate(ctx, signed); err == nil {
			a.broker.Publish(notify.SignedKey(user))
		}
	}
	if err != nil {
		return nil, err
	}
	stat.Value.Enroll()
	audit(ctx, "Enrolled", zap.String("common_name", user), zap.String("serial", c.SerialNumber.Text(16)))

	return signed, nil
}
