package authority

import (
	"context"
	"crypto/x509"
	"errors"
	"net/netip"
	"strings"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/cert"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/notify"
	"go.f110.dev/certd/pkg/stat"
)

const ContentTypeCertificateRequest = "application/pkcs10"

type SubmitStatus int

const (
	// StatusAccepted means the request is stored and waits for the approval.
	StatusAccepted SubmitStatus = iota
	// StatusAlreadyPending means the same request has been stored already.
	StatusAlreadyPending
	// StatusSigned means the certificate is available in SubmitResult.
	StatusSigned
	// StatusRedirect means the request was signed while waiting.
	StatusRedirect
)

type SubmitRequest struct {
	// CSR is PEM encoded
	CSR         []byte
	ContentType string
	Autosign    bool
	Wait        bool
	RemoteAddr  netip.Addr
}

type SubmitResult struct {
	Status     SubmitStatus
	CommonName string
	Request    *database.CertificateRequest
	Signed     *database.SignedCertificate
}

// Submit accepts the certificate signing request.
func (a *Authority) Submit(ctx context.Context, in *SubmitRequest) (*SubmitResult, error) {
	if mediaType(in.ContentType) != ContentTypeCertificateRequest {
		return nil, xerrors.WithStack(ErrUnsupportedMediaType)
	}
	policy := a.Policy()
	if !policy.CanRequest(in.RemoteAddr) {
		audit(ctx, "Request from disallowed address", zap.String("remote_addr", in.RemoteAddr.String()))
		return nil, xerrors.WithStack(ErrForbidden)
	}
	csr, err := cert.ParseCertificateRequest(in.CSR)
	if err != nil {
		return nil, xerrors.WithMessage(ErrInvalidRequest, err.Error())
	}
	cn := csr.Subject.CommonName
	canAutosign := in.Autosign && policy.CanAutosign(in.RemoteAddr)

	// Subscribe before looking the store so that the signing between them is not lost
	var sub *notify.Subscription
	if in.Wait && !canAutosign {
		sub = a.broker.Subscribe(notify.SignedKey(cn))
		defer sub.Cancel()
	}

	res, err := a.submit(ctx, csr, in, canAutosign)
	if err != nil {
		return nil, err
	}
	if sub == nil || res.Status == StatusSigned {
		return res, nil
	}

	logger.Log.Debug("Wait for signing", zap.String("common_name", cn), logger.RequestId(ctx))
	err = a.wait(ctx, sub, policy.LongPollTimeout.Duration)
	switch {
	case err == nil:
		return &SubmitResult{Status: StatusRedirect, CommonName: cn, Request: res.Request}, nil
	case errors.Is(err, notify.ErrTimedOut):
		return res, nil
	default:
		return nil, err
	}
}

func (a *Authority) submit(ctx context.Context, csr *x509.CertificateRequest, in *SubmitRequest, canAutosign bool) (*SubmitResult, error) {
	cn := csr.Subject.CommonName
	unlock := a.locks.Lock(cn)
	defer unlock()

	signed, err := a.store.GetSignedCertificate(ctx, cn)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if signed != nil {
		if !cert.PublicKeyEqual(signed.Certificate.PublicKey, csr.PublicKey) {
			audit(ctx, "Conflicting request", zap.String("common_name", cn), zap.String("remote_addr", in.RemoteAddr.String()))
			return nil, xerrors.WithMessagef(ErrConflict, "%s is already signed with a different key", cn)
		}
		if canAutosign && a.Policy().RenewalAllowed {
			renewed, err := a.renew(ctx, signed, in.CSR)
			if err != nil {
				return nil, err
			}
			return &SubmitResult{Status: StatusSigned, CommonName: cn, Signed: renewed}, nil
		}

		return &SubmitResult{Status: StatusSigned, CommonName: cn, Signed: signed}, nil
	}

	req, err := a.store.GetRequest(ctx, cn)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	status := StatusAccepted
	if req != nil {
		if !cert.PublicKeyEqual(req.PublicKey(), csr.PublicKey) {
			audit(ctx, "Conflicting request", zap.String("common_name", cn), zap.String("remote_addr", in.RemoteAddr.String()))
			return nil, xerrors.WithMessagef(ErrConflict, "%s is already requested with a different key", cn)
		}
		status = StatusAlreadyPending
	} else {
		req = database.NewCertificateRequest(csr, in.RemoteAddr.String(), a.now())
		if err := a.store.SetRequest(ctx, req); err != nil {
			return nil, err
		}
		stat.Value.Submit()
		audit(ctx, "Request submitted", zap.String("common_name", cn), zap.String("remote_addr", in.RemoteAddr.String()))
	}

	if canAutosign {
		signed, err := a.issue(ctx, req, false)
		if err != nil {
			return nil, err
		}
		audit(ctx, "Autosigned", zap.String("common_name", cn), zap.String("remote_addr", in.RemoteAddr.String()))
		return &SubmitResult{Status: StatusSigned, CommonName: cn, Request: req, Signed: signed}, nil
	}

	return &SubmitResult{Status: status, CommonName: cn, Request: req}, nil
}

// Sign signs the pending request of cn.
// serverAuth is forced when cn is configured as the server certificate.
func (a *Authority) Sign(ctx context.Context, cn string, serverAuth bool) (*database.SignedCertificate, error) {
	unlock := a.locks.Lock(cn)
	defer unlock()

	req, err := a.store.GetRequest(ctx, cn)
	if err != nil {
		return nil, err
	}
	signed, err := a.issue(ctx, req, serverAuth)
	if err != nil {
		return nil, err
	}
	audit(ctx, "Signed", zap.String("common_name", cn), zap.String("serial", signed.SerialNumber().Text(16)))

	return signed, nil
}

// Reject deletes the pending request of cn.
func (a *Authority) Reject(ctx context.Context, cn string) error {
	unlock := a.locks.Lock(cn)
	defer unlock()

	if err := a.store.DeleteRequest(ctx, cn); err != nil {
		return err
	}
	stat.Value.Reject()
	audit(ctx, "Rejected", zap.String("common_name", cn))

	return nil
}

// issue must be called with the lock of the common name.
// The certificate is stored only after the signer has signed it.
func (a *Authority) issue(ctx context.Context, req *database.CertificateRequest, serverAuth bool) (*database.SignedCertificate, error) {
	serverAuth = serverAuth || a.conf.IsServerCertificate(req.CommonName)
	c, err := a.signer.Sign(ctx, cert.EncodeCertificateRequest(req.Request), serverAuth)
	if err != nil {
		return nil, err
	}

	signed := &database.SignedCertificate{Certificate: c, IssuedAt: a.now()}
	if err := a.store.SetSignedCertificate(ctx, signed); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return a.signedByOther(ctx, req, c)
		}
		return nil, err
	}
	stat.Value.Sign()
	logger.Log.Info("Signed",
		zap.String("common_name", req.CommonName),
		zap.String("serial", c.SerialNumber.Text(16)),
		zap.Bool("server_auth", serverAuth),
	)
	a.broker.Publish(notify.SignedKey(req.CommonName))

	return signed, nil
}

// signedByOther returns the certificate which another process stored for the same request.
// The lock of the common name only orders the callers in this process.
func (a *Authority) signedByOther(ctx context.Context, req *database.CertificateRequest, discarded *x509.Certificate) (*database.SignedCertificate, error) {
	logger.Log.Warn("Certificate was stored by another process",
		zap.String("common_name", req.CommonName),
		zap.String("discarded_serial", discarded.SerialNumber.Text(16)),
	)
	stored, err := a.store.GetSignedCertificate(ctx, req.CommonName)
	if err != nil {
		return nil, err
	}
	if !cert.PublicKeyEqual(stored.Certificate.PublicKey, req.PublicKey()) {
		return nil, xerrors.WithMessagef(ErrConflict, "%s is already signed with a different key", req.CommonName)
	}

	return stored, nil
}

// renew issues a new certificate for the same key and revokes the old one.
// renew must be called with the lock of the common name.
func (a *Authority) renew(ctx context.Context, old *database.SignedCertificate, csrPEM []byte) (*database.SignedCertificate, error) {
	cn := old.CommonName()
	serverAuth := len(old.Certificate.ExtKeyUsage) > 0 && old.Certificate.ExtKeyUsage[0] == x509.ExtKeyUsageServerAuth
	c, err := a.signer.Sign(ctx, csrPEM, serverAuth || a.conf.IsServerCertificate(cn))
	if err != nil {
		return nil, err
	}

	signed, err := a.replace(ctx, cn, c)
	if err != nil {
		return nil, err
	}
	stat.Value.Sign()
	audit(ctx, "Renewed",
		zap.String("common_name", cn),
		zap.String("serial", c.SerialNumber.Text(16)),
		zap.String("previous_serial", old.SerialNumber().Text(16)),
	)

	return signed, nil
}

func mediaType(v string) string {
	t, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
