package authority

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/notify"
	"go.f110.dev/certd/pkg/stat"
)

// Revoke revokes the signed certificate of cn.
// When Revoke returns, the CRL which is exported by the signer includes the certificate.
func (a *Authority) Revoke(ctx context.Context, cn string) error {
	unlock := a.locks.Lock(cn)
	defer unlock()

	return a.revoke(ctx, cn)
}

// revoke must be called with the lock of the common name.
func (a *Authority) revoke(ctx context.Context, cn string) error {
	revoked, err := a.store.RevokeCertificate(ctx, cn, a.now().Truncate(time.Second))
	if err != nil {
		return err
	}

	return a.regenerateCRL(ctx, cn, revoked)
}

// replace revokes the current certificate of cn and stores c instead.
// Both changes are stored before the signer regenerates the CRL. If the signer fails,
// the store still has c and the signer picks up the revocation on the next export.
// replace must be called with the lock of the common name.
func (a *Authority) replace(ctx context.Context, cn string, c *x509.Certificate) (*database.SignedCertificate, error) {
	revoked, err := a.store.RevokeCertificate(ctx, cn, a.now().Truncate(time.Second))
	if err != nil {
		return nil, err
	}
	signed := &database.SignedCertificate{Certificate: c, IssuedAt: a.now()}
	if err := a.store.SetSignedCertificate(ctx, signed); err != nil {
		return nil, err
	}
	a.broker.Publish(notify.SignedKey(cn))

	if err := a.regenerateCRL(ctx, cn, revoked); err != nil {
		return nil, err
	}
	return signed, nil
}

// regenerateCRL tells the signer the revocation which has been stored already.
func (a *Authority) regenerateCRL(ctx context.Context, cn string, revoked *database.RevokedCertificate) error {
	stat.Value.Revoke()
	audit(ctx, "Revoked", zap.String("common_name", cn), zap.String("serial", revoked.SerialNumber.Text(16)))
	defer a.broker.Publish(notify.KeyCRL)

	if err := a.signer.Revoke(ctx, revoked.SerialNumber, revoked.RevokedAt); err != nil {
		logger.Log.Error("Failed to regenerate CRL", zap.String("common_name", cn), zap.Error(err))
		return err
	}
	return nil
}

// ExportCRL returns the DER encoded CRL.
func (a *Authority) ExportCRL(ctx context.Context) ([]byte, error) {
	return a.signer.ExportCRL(ctx)
}

// WaitCRL blocks until the next revocation.
// It returns true if the revocation happened and false if the long poll timeout elapsed.
func (a *Authority) WaitCRL(ctx context.Context) (bool, error) {
	sub := a.broker.Subscribe(notify.KeyCRL)
	defer sub.Cancel()

	err := a.wait(ctx, sub, a.Policy().LongPollTimeout.Duration)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, notify.ErrTimedOut):
		return false, nil
	default:
		return false, err
	}
}
