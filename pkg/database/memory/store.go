package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/certd/pkg/database"
)

type Store struct {
	mu       sync.RWMutex
	requests map[string]*database.CertificateRequest
	signed   map[string]*database.SignedCertificate
	revoked  []*database.RevokedCertificate
	metadata map[string]*database.Metadata
}

var _ database.CertificateStore = &Store{}

func NewStore() *Store {
	return &Store{
		requests: make(map[string]*database.CertificateRequest),
		signed:   make(map[string]*database.SignedCertificate),
		revoked:  make([]*database.RevokedCertificate, 0),
		metadata: make(map[string]*database.Metadata),
	}
}

func (s *Store) GetRequest(_ context.Context, cn string) (*database.CertificateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[cn]
	if !ok {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListRequests(_ context.Context) ([]*database.CertificateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*database.CertificateRequest, 0, len(s.requests))
	for _, v := range s.requests {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CommonName < result[j].CommonName })

	return result, nil
}

func (s *Store) SetRequest(_ context.Context, req *database.CertificateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.CommonName]; ok {
		return xerrors.WithStack(database.ErrAlreadyExists)
	}
	s.requests[req.CommonName] = req
	return nil
}

func (s *Store) DeleteRequest(_ context.Context, cn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[cn]; !ok {
		return xerrors.WithStack(database.ErrNotFound)
	}
	delete(s.requests, cn)
	return nil
}

func (s *Store) GetSignedCertificate(_ context.Context, cn string) (*database.SignedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.signed[cn]
	if !ok {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	return c, nil
}

func (s *Store) ListSignedCertificates(_ context.Context) ([]*database.SignedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*database.SignedCertificate, 0, len(s.signed))
	for _, v := range s.signed {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CommonName() < result[j].CommonName() })

	return result, nil
}

func (s *Store) SetSignedCertificate(_ context.Context, signed *database.SignedCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cn := signed.CommonName()
	if _, ok := s.signed[cn]; ok {
		return xerrors.WithStack(database.ErrAlreadyExists)
	}
	s.signed[cn] = signed
	delete(s.requests, cn)
	return nil
}

func (s *Store) RevokeCertificate(_ context.Context, cn string, revokedAt time.Time) (*database.RevokedCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed, ok := s.signed[cn]
	if !ok {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	revoked := database.NewRevokedCertificate(signed, revokedAt)
	s.revoked = append(s.revoked, revoked)
	delete(s.signed, cn)
	delete(s.metadata, cn)

	return revoked, nil
}

func (s *Store) ListRevokedCertificates(_ context.Context) ([]*database.RevokedCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*database.RevokedCertificate, len(s.revoked))
	copy(result, s.revoked)
	return result, nil
}

func (s *Store) GetLease(_ context.Context, cn string) (*database.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.signed[cn]; !ok {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	m, ok := s.metadata[cn]
	if !ok || m.Lease == nil {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	l := *m.Lease
	return &l, nil
}

func (s *Store) SetLease(_ context.Context, cn string, lease *database.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getMetadata(cn)
	if err != nil {
		return err
	}
	l := *lease
	m.Lease = &l
	return nil
}

func (s *Store) GetTags(_ context.Context, cn string) ([]*database.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.signed[cn]; !ok {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	m, ok := s.metadata[cn]
	if !ok {
		return []*database.Tag{}, nil
	}
	return m.SortedTags(), nil
}

func (s *Store) SetTag(_ context.Context, cn, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getMetadata(cn)
	if err != nil {
		return err
	}
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[key] = value
	return nil
}

func (s *Store) DeleteTag(_ context.Context, cn, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getMetadata(cn)
	if err != nil {
		return err
	}
	if _, ok := m.Tags[key]; !ok {
		return xerrors.WithStack(database.ErrNotFound)
	}
	delete(m.Tags, key)
	return nil
}

// getMetadata must be called with the write lock.
func (s *Store) getMetadata(cn string) (*database.Metadata, error) {
	if _, ok := s.signed[cn]; !ok {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}
	m, ok := s.metadata[cn]
	if !ok {
		m = &database.Metadata{}
		s.metadata[cn] = m
	}
	return m, nil
}
