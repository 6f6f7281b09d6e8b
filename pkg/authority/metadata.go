package authority

import (
	"context"
	"errors"
	"net/netip"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/database"
)

func (a *Authority) ListTags(ctx context.Context, cn string) ([]*database.Tag, error) {
	return a.store.GetTags(ctx, cn)
}

// CreateTag adds the new tag. An existing key can't be overwritten by CreateTag.
func (a *Authority) CreateTag(ctx context.Context, cn, key, value string) error {
	if key == "" {
		return xerrors.WithMessage(ErrInvalidRequest, "key is required")
	}
	unlock := a.locks.Lock(cn)
	defer unlock()

	tags, err := a.store.GetTags(ctx, cn)
	if err != nil {
		return err
	}
	for _, v := range tags {
		if v.Key == key {
			return xerrors.WithMessagef(ErrConflict, "tag %s already exists", key)
		}
	}
	if err := a.store.SetTag(ctx, cn, key, value); err != nil {
		return err
	}
	audit(ctx, "Tag created", zap.String("common_name", cn), zap.String("key", key), zap.String("value", value))

	return nil
}

// ReplaceTag overwrites the value of the existing tag.
func (a *Authority) ReplaceTag(ctx context.Context, cn, key, value string) error {
	unlock := a.locks.Lock(cn)
	defer unlock()

	tags, err := a.store.GetTags(ctx, cn)
	if err != nil {
		return err
	}
	found := false
	for _, v := range tags {
		if v.Key == key {
			found = true
			break
		}
	}
	if !found {
		return xerrors.WithStack(database.ErrNotFound)
	}
	if err := a.store.SetTag(ctx, cn, key, value); err != nil {
		return err
	}
	audit(ctx, "Tag replaced", zap.String("common_name", cn), zap.String("key", key), zap.String("value", value))

	return nil
}

func (a *Authority) DeleteTag(ctx context.Context, cn, key string) error {
	unlock := a.locks.Lock(cn)
	defer unlock()

	if err := a.store.DeleteTag(ctx, cn, key); err != nil {
		return err
	}
	audit(ctx, "Tag deleted", zap.String("common_name", cn), zap.String("key", key))

	return nil
}

func (a *Authority) GetLease(ctx context.Context, cn string) (*database.Lease, error) {
	return a.store.GetLease(ctx, cn)
}

// SetLease records the lease which is reported by a trusted agent like a VPN gateway.
func (a *Authority) SetLease(ctx context.Context, cn string, lease *database.Lease) error {
	if _, err := netip.ParseAddr(lease.Address); err != nil {
		return xerrors.WithMessage(ErrInvalidRequest, err.Error())
	}

	return a.store.SetLease(ctx, cn, lease)
}

// Attributes returns the lease of cn only to the client which holds the lease.
func (a *Authority) Attributes(ctx context.Context, cn string, remoteAddr netip.Addr) (*database.Lease, error) {
	lease, err := a.store.GetLease(ctx, cn)
	if errors.Is(err, database.ErrNotFound) {
		return nil, xerrors.WithStack(ErrForbidden)
	}
	if err != nil {
		return nil, err
	}

	addr, err := netip.ParseAddr(lease.Address)
	if err != nil || addr.Unmap() != remoteAddr.Unmap() {
		return nil, xerrors.WithStack(ErrForbidden)
	}

	return lease, nil
}
