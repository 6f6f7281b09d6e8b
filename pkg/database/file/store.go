package file

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
)

const (
	requestDir  = "requests"
	signedDir   = "signed"
	revokedDir  = "revoked"
	metadataDir = "meta"

	tempFilePrefix = ".tmp-"

	headerRemoteAddr = "Remote-Addr"
	headerCreatedAt  = "Created-At"
	headerIssuedAt   = "Issued-At"
	headerRevokedAt  = "Revoked-At"
)

// Store keeps everything as files under one directory.
//
//	requests/<cn>.pem      pending requests
//	signed/<cn>.pem        signed certificates
//	revoked/<serial>.pem   revoked certificates
//	meta/<cn>.json         lease and tags of the signed certificate
//
// Every file is written to a temporary file first and moved into the place.
type Store struct {
	dir string

	mu sync.Mutex
}

var _ database.CertificateStore = &Store{}
var _ database.Watcher = &Store{}

func NewStore(dir string) (*Store, error) {
	for _, v := range []string{requestDir, signedDir, revokedDir, metadataDir} {
		if err := os.MkdirAll(filepath.Join(dir, v), 0750); err != nil {
			return nil, xerrors.WithStack(err)
		}
	}

	return &Store{dir: dir}, nil
}

func (s *Store) GetRequest(_ context.Context, cn string) (*database.CertificateRequest, error) {
	b, err := s.readFile(requestDir, cn+".pem")
	if err != nil {
		return nil, err
	}
	return parseRequest(b)
}

func (s *Store) ListRequests(_ context.Context) ([]*database.CertificateRequest, error) {
	files, err := s.listFiles(requestDir)
	if err != nil {
		return nil, err
	}

	result := make([]*database.CertificateRequest, 0, len(files))
	for _, v := range files {
		b, err := s.readFile(requestDir, v)
		if errors.Is(err, database.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		req, err := parseRequest(b)
		if err != nil {
			logger.Log.Warn("Skip broken request", zap.String("file", v), zap.Error(err))
			continue
		}
		result = append(result, req)
	}

	return result, nil
}

func (s *Store) SetRequest(_ context.Context, req *database.CertificateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE REQUEST",
		Headers: map[string]string{
			headerRemoteAddr: req.RemoteAddr,
			headerCreatedAt:  req.CreatedAt.Format(time.RFC3339),
		},
		Bytes: req.Request.Raw,
	})
	return s.createFile(requestDir, req.CommonName+".pem", b)
}

func (s *Store) DeleteRequest(_ context.Context, cn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeFile(requestDir, cn+".pem")
}

func (s *Store) GetSignedCertificate(_ context.Context, cn string) (*database.SignedCertificate, error) {
	b, err := s.readFile(signedDir, cn+".pem")
	if err != nil {
		return nil, err
	}
	return parseSigned(b)
}

func (s *Store) ListSignedCertificates(_ context.Context) ([]*database.SignedCertificate, error) {
	files, err := s.listFiles(signedDir)
	if err != nil {
		return nil, err
	}

	result := make([]*database.SignedCertificate, 0, len(files))
	for _, v := range files {
		b, err := s.readFile(signedDir, v)
		if errors.Is(err, database.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		signed, err := parseSigned(b)
		if err != nil {
			logger.Log.Warn("Skip broken certificate", zap.String("file", v), zap.Error(err))
			continue
		}
		result = append(result, signed)
	}

	return result, nil
}

func (s *Store) SetSignedCertificate(_ context.Context, signed *database.SignedCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := pem.EncodeToMemory(&pem.Block{
		Type:    "CERTIFICATE",
		Headers: map[string]string{headerIssuedAt: signed.IssuedAt.Format(time.RFC3339)},
		Bytes:   signed.Certificate.Raw,
	})
	cn := signed.CommonName()
	if err := s.createFile(signedDir, cn+".pem", b); err != nil {
		return err
	}
	if err := s.removeFile(requestDir, cn+".pem"); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	return nil
}

func (s *Store) RevokeCertificate(_ context.Context, cn string, revokedAt time.Time) (*database.RevokedCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.readFile(signedDir, cn+".pem")
	if err != nil {
		return nil, err
	}
	signed, err := parseSigned(b)
	if err != nil {
		return nil, err
	}

	revoked := database.NewRevokedCertificate(signed, revokedAt)
	rb := pem.EncodeToMemory(&pem.Block{
		Type:    "CERTIFICATE",
		Headers: map[string]string{headerRevokedAt: revokedAt.Format(time.RFC3339)},
		Bytes:   signed.Certificate.Raw,
	})
	if err := s.writeFile(revokedDir, fmt.Sprintf("%x.pem", revoked.SerialNumber), rb); err != nil {
		return nil, err
	}
	if err := s.removeFile(signedDir, cn+".pem"); err != nil {
		return nil, err
	}
	if err := s.removeFile(metadataDir, cn+".json"); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	return revoked, nil
}

func (s *Store) ListRevokedCertificates(_ context.Context) ([]*database.RevokedCertificate, error) {
	files, err := s.listFiles(revokedDir)
	if err != nil {
		return nil, err
	}

	result := make([]*database.RevokedCertificate, 0, len(files))
	for _, v := range files {
		b, err := s.readFile(revokedDir, v)
		if errors.Is(err, database.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		revoked, err := parseRevoked(b)
		if err != nil {
			logger.Log.Warn("Skip broken certificate", zap.String("file", v), zap.Error(err))
			continue
		}
		result = append(result, revoked)
	}

	return result, nil
}

func (s *Store) GetLease(_ context.Context, cn string) (*database.Lease, error) {
	m, err := s.readMetadata(cn)
	if err != nil {
		return nil, err
	}
	if m.Lease == nil {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}

	return m.Lease, nil
}

func (s *Store) SetLease(_ context.Context, cn string, lease *database.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMetadata(cn)
	if err != nil {
		return err
	}
	m.Lease = lease
	return s.writeMetadata(cn, m)
}

func (s *Store) GetTags(_ context.Context, cn string) ([]*database.Tag, error) {
	m, err := s.readMetadata(cn)
	if err != nil {
		return nil, err
	}

	return m.SortedTags(), nil
}

func (s *Store) SetTag(_ context.Context, cn, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMetadata(cn)
	if err != nil {
		return err
	}
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[key] = value
	return s.writeMetadata(cn, m)
}

func (s *Store) DeleteTag(_ context.Context, cn, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMetadata(cn)
	if err != nil {
		return err
	}
	if _, ok := m.Tags[key]; !ok {
		return xerrors.WithStack(database.ErrNotFound)
	}
	delete(m.Tags, key)
	return s.writeMetadata(cn, m)
}

// Watch notifies the files created by any process.
// The channel is closed when ctx is canceled.
func (s *Store) Watch(ctx context.Context) (<-chan *database.Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	for _, v := range []string{requestDir, signedDir, revokedDir} {
		if err := watcher.Add(filepath.Join(s.dir, v)); err != nil {
			_ = watcher.Close()
			return nil, xerrors.WithStack(err)
		}
	}

	ch := make(chan *database.Event)
	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				e := s.toEvent(event)
				if e == nil {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Log.Warn("Watcher error", zap.Error(err))
			}
		}
	}()

	return ch, nil
}

func (s *Store) toEvent(event fsnotify.Event) *database.Event {
	if event.Op&fsnotify.Create == 0 {
		return nil
	}
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, tempFilePrefix) || !strings.HasSuffix(name, ".pem") {
		return nil
	}

	switch filepath.Base(filepath.Dir(event.Name)) {
	case requestDir:
		return &database.Event{Type: database.EventRequested, CommonName: strings.TrimSuffix(name, ".pem")}
	case signedDir:
		return &database.Event{Type: database.EventSigned, CommonName: strings.TrimSuffix(name, ".pem")}
	case revokedDir:
		b, err := os.ReadFile(event.Name)
		if err != nil {
			return &database.Event{Type: database.EventRevoked}
		}
		revoked, err := parseRevoked(b)
		if err != nil {
			return &database.Event{Type: database.EventRevoked}
		}
		return &database.Event{Type: database.EventRevoked, CommonName: revoked.CommonName}
	}

	return nil
}

func (s *Store) readMetadata(cn string) (*database.Metadata, error) {
	if _, err := os.Stat(filepath.Join(s.dir, signedDir, cn+".pem")); os.IsNotExist(err) {
		return nil, xerrors.WithStack(database.ErrNotFound)
	} else if err != nil {
		return nil, xerrors.WithStack(err)
	}

	m := &database.Metadata{}
	b, err := s.readFile(metadataDir, cn+".json")
	if errors.Is(err, database.ErrNotFound) {
		return m, nil
	} else if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, xerrors.WithStack(err)
	}

	return m, nil
}

func (s *Store) writeMetadata(cn string, m *database.Metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return xerrors.WithStack(err)
	}

	return s.writeFile(metadataDir, cn+".json", b)
}

func (s *Store) readFile(dir, name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, dir, name))
	if os.IsNotExist(err) {
		return nil, xerrors.WithStack(database.ErrNotFound)
	} else if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return b, nil
}

func (s *Store) listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, dir))
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	files := make([]string, 0, len(entries))
	for _, v := range entries {
		if v.IsDir() || strings.HasPrefix(v.Name(), tempFilePrefix) || !strings.HasSuffix(v.Name(), ".pem") {
			continue
		}
		files = append(files, v.Name())
	}
	sort.Strings(files)

	return files, nil
}

func (s *Store) writeTemp(dir string, b []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.dir, dir), tempFilePrefix)
	if err != nil {
		return "", xerrors.WithStack(err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", xerrors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", xerrors.WithStack(err)
	}

	return f.Name(), nil
}

// createFile fails with ErrAlreadyExists when the file exists.
func (s *Store) createFile(dir, name string, b []byte) error {
	tmp, err := s.writeTemp(dir, b)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, filepath.Join(s.dir, dir, name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return xerrors.WithStack(database.ErrAlreadyExists)
		}
		return xerrors.WithStack(err)
	}

	return nil
}

func (s *Store) writeFile(dir, name string, b []byte) error {
	tmp, err := s.writeTemp(dir, b)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, dir, name)); err != nil {
		_ = os.Remove(tmp)
		return xerrors.WithStack(err)
	}

	return nil
}

func (s *Store) removeFile(dir, name string) error {
	if err := os.Remove(filepath.Join(s.dir, dir, name)); os.IsNotExist(err) {
		return xerrors.WithStack(database.ErrNotFound)
	} else if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

func parseRequest(b []byte) (*database.CertificateRequest, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.NewWithStack("file: not PEM encoded")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	createdAt, _ := time.Parse(time.RFC3339, block.Headers[headerCreatedAt])

	return &database.CertificateRequest{
		CommonName: csr.Subject.CommonName,
		Request:    csr,
		RemoteAddr: block.Headers[headerRemoteAddr],
		CreatedAt:  createdAt,
	}, nil
}

func parseSigned(b []byte) (*database.SignedCertificate, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.NewWithStack("file: not PEM encoded")
	}
	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	issuedAt, _ := time.Parse(time.RFC3339, block.Headers[headerIssuedAt])

	return &database.SignedCertificate{Certificate: c, IssuedAt: issuedAt}, nil
}

func parseRevoked(b []byte) (*database.RevokedCertificate, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, xerrors.NewWithStack("file: not PEM encoded")
	}
	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	revokedAt, _ := time.Parse(time.RFC3339, block.Headers[headerRevokedAt])

	return &database.RevokedCertificate{
		CommonName:   c.Subject.CommonName,
		SerialNumber: c.SerialNumber,
		Certificate:  c,
		RevokedAt:    revokedAt,
	}, nil
}
