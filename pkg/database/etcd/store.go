package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
)

const maxRetry = 5

type Store struct {
	client    *clientv3.Client
	namespace string
}

var _ database.CertificateStore = &Store{}
var _ database.Watcher = &Store{}

func NewStore(client *clientv3.Client, namespace string) *Store {
	return &Store{client: client, namespace: strings.TrimSuffix(namespace, "/")}
}

func (s *Store) requestKey(cn string) string {
	return path.Join(s.namespace, "request", cn)
}

func (s *Store) signedKey(cn string) string {
	return path.Join(s.namespace, "signed", cn)
}

func (s *Store) revokedKey(r *database.RevokedCertificate) string {
	return path.Join(s.namespace, "revoked", fmt.Sprintf("%x", r.SerialNumber))
}

func (s *Store) metadataKey(cn string) string {
	return path.Join(s.namespace, "meta", cn)
}

func (s *Store) GetRequest(ctx context.Context, cn string) (*database.CertificateRequest, error) {
	res, err := s.client.Get(ctx, s.requestKey(cn))
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	if res.Count == 0 {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}

	return database.ParseCertificateRequest(res.Kvs[0].Value)
}

func (s *Store) ListRequests(ctx context.Context) ([]*database.CertificateRequest, error) {
	res, err := s.client.Get(ctx, s.requestKey("")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	result := make([]*database.CertificateRequest, 0, res.Count)
	for _, v := range res.Kvs {
		req, err := database.ParseCertificateRequest(v.Value)
		if err != nil {
			logger.Log.Warn("Skip broken request", zap.ByteString("key", v.Key), zap.Error(err))
			continue
		}
		result = append(result, req)
	}

	return result, nil
}

func (s *Store) SetRequest(ctx context.Context, req *database.CertificateRequest) error {
	b, err := req.Marshal()
	if err != nil {
		return err
	}

	key := s.requestKey(req.CommonName)
	res, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(b))).
		Commit()
	if err != nil {
		return xerrors.WithStack(err)
	}
	if !res.Succeeded {
		return xerrors.WithStack(database.ErrAlreadyExists)
	}

	return nil
}

func (s *Store) DeleteRequest(ctx context.Context, cn string) error {
	res, err := s.client.Delete(ctx, s.requestKey(cn))
	if err != nil {
		return xerrors.WithStack(err)
	}
	if res.Deleted == 0 {
		return xerrors.WithStack(database.ErrNotFound)
	}

	return nil
}

func (s *Store) GetSignedCertificate(ctx context.Context, cn string) (*database.SignedCertificate, error) {
	res, err := s.client.Get(ctx, s.signedKey(cn))
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	if res.Count == 0 {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}

	return database.ParseSignedCertificate(res.Kvs[0].Value)
}

func (s *Store) ListSignedCertificates(ctx context.Context) ([]*database.SignedCertificate, error) {
	res, err := s.client.Get(ctx, s.signedKey("")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	result := make([]*database.SignedCertificate, 0, res.Count)
	for _, v := range res.Kvs {
		signed, err := database.ParseSignedCertificate(v.Value)
		if err != nil {
			logger.Log.Warn("Skip broken certificate", zap.ByteString("key", v.Key), zap.Error(err))
			continue
		}
		result = append(result, signed)
	}

	return result, nil
}

func (s *Store) SetSignedCertificate(ctx context.Context, signed *database.SignedCertificate) error {
	b, err := signed.Marshal()
	if err != nil {
		return err
	}

	key := s.signedKey(signed.CommonName())
	res, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(
			clientv3.OpPut(key, string(b)),
			clientv3.OpDelete(s.requestKey(signed.CommonName())),
		).
		Commit()
	if err != nil {
		return xerrors.WithStack(err)
	}
	if !res.Succeeded {
		return xerrors.WithStack(database.ErrAlreadyExists)
	}

	return nil
}

func (s *Store) RevokeCertificate(ctx context.Context, cn string, revokedAt time.Time) (*database.RevokedCertificate, error) {
	key := s.signedKey(cn)
	for i := 0; i < maxRetry; i++ {
		res, err := s.client.Get(ctx, key)
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		if res.Count == 0 {
			return nil, xerrors.WithStack(database.ErrNotFound)
		}
		signed, err := database.ParseSignedCertificate(res.Kvs[0].Value)
		if err != nil {
			return nil, err
		}

		revoked := database.NewRevokedCertificate(signed, revokedAt)
		b, err := revoked.Marshal()
		if err != nil {
			return nil, err
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", res.Kvs[0].ModRevision)).
			Then(
				clientv3.OpPut(s.revokedKey(revoked), string(b)),
				clientv3.OpDelete(key),
				clientv3.OpDelete(s.metadataKey(cn)),
			).
			Commit()
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		if txn.Succeeded {
			return revoked, nil
		}
		logger.Log.Debug("Retry revocation", zap.String("common_name", cn))
	}

	return nil, xerrors.NewfWithStack("etcd: failed to revoke %s: too many conflicts", cn)
}

func (s *Store) ListRevokedCertificates(ctx context.Context) ([]*database.RevokedCertificate, error) {
	res, err := s.client.Get(ctx, path.Join(s.namespace, "revoked")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	result := make([]*database.RevokedCertificate, 0, res.Count)
	for _, v := range res.Kvs {
		revoked, err := database.ParseRevokedCertificate(v.Value)
		if err != nil {
			logger.Log.Warn("Skip broken certificate", zap.ByteString("key", v.Key), zap.Error(err))
			continue
		}
		result = append(result, revoked)
	}

	return result, nil
}

func (s *Store) GetLease(ctx context.Context, cn string) (*database.Lease, error) {
	m, _, err := s.getMetadata(ctx, cn)
	if err != nil {
		return nil, err
	}
	if m.Lease == nil {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}

	return m.Lease, nil
}

func (s *Store) SetLease(ctx context.Context, cn string, lease *database.Lease) error {
	return s.updateMetadata(ctx, cn, func(m *database.Metadata) error {
		m.Lease = lease
		return nil
	})
}

func (s *Store) GetTags(ctx context.Context, cn string) ([]*database.Tag, error) {
	m, _, err := s.getMetadata(ctx, cn)
	if err != nil {
		return nil, err
	}

	return m.SortedTags(), nil
}

func (s *Store) SetTag(ctx context.Context, cn, key, value string) error {
	return s.updateMetadata(ctx, cn, func(m *database.Metadata) error {
		if m.Tags == nil {
			m.Tags = make(map[string]string)
		}
		m.Tags[key] = value
		return nil
	})
}

func (s *Store) DeleteTag(ctx context.Context, cn, key string) error {
	return s.updateMetadata(ctx, cn, func(m *database.Metadata) error {
		if _, ok := m.Tags[key]; !ok {
			return xerrors.WithStack(database.ErrNotFound)
		}
		delete(m.Tags, key)
		return nil
	})
}

// Watch notifies newly created requests, certificates and revocations.
func (s *Store) Watch(ctx context.Context) (<-chan *database.Event, error) {
	cur, err := s.client.Get(ctx, s.namespace+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	watchCh := s.client.Watch(ctx, s.namespace+"/", clientv3.WithPrefix(), clientv3.WithRev(cur.Header.Revision+1))

	ch := make(chan *database.Event)
	go func() {
		defer close(ch)

		for res := range watchCh {
			if err := res.Err(); err != nil {
				logger.Log.Warn("Watch error", zap.Error(err))
				continue
			}
			for _, ev := range res.Events {
				if ev.Type != mvccpb.PUT || !ev.IsCreate() {
					continue
				}
				e := s.toEvent(ev.Kv)
				if e == nil {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func (s *Store) toEvent(kv *mvccpb.KeyValue) *database.Event {
	rel := strings.TrimPrefix(string(kv.Key), s.namespace+"/")
	kind, name, ok := strings.Cut(rel, "/")
	if !ok {
		return nil
	}

	switch kind {
	case "request":
		return &database.Event{Type: database.EventRequested, CommonName: name}
	case "signed":
		return &database.Event{Type: database.EventSigned, CommonName: name}
	case "revoked":
		e := &database.Event{Type: database.EventRevoked}
		if revoked, err := database.ParseRevokedCertificate(kv.Value); err == nil {
			e.CommonName = revoked.CommonName
		}
		return e
	}

	return nil
}

func (s *Store) getMetadata(ctx context.Context, cn string) (*database.Metadata, int64, error) {
	res, err := s.client.Txn(ctx).
		Then(
			clientv3.OpGet(s.signedKey(cn), clientv3.WithCountOnly()),
			clientv3.OpGet(s.metadataKey(cn)),
		).
		Commit()
	if err != nil {
		return nil, 0, xerrors.WithStack(err)
	}
	if res.Responses[0].GetResponseRange().Count == 0 {
		return nil, 0, xerrors.WithStack(database.ErrNotFound)
	}

	m := &database.Metadata{}
	kvs := res.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return m, 0, nil
	}
	if err := json.Unmarshal(kvs[0].Value, m); err != nil {
		return nil, 0, xerrors.WithStack(err)
	}

	return m, kvs[0].ModRevision, nil
}

func (s *Store) updateMetadata(ctx context.Context, cn string, fn func(m *database.Metadata) error) error {
	key := s.metadataKey(cn)
	for i := 0; i < maxRetry; i++ {
		m, rev, err := s.getMetadata(ctx, cn)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		b, err := json.Marshal(m)
		if err != nil {
			return xerrors.WithStack(err)
		}

		res, err := s.client.Txn(ctx).
			If(
				clientv3.Compare(clientv3.ModRevision(key), "=", rev),
				clientv3.Compare(clientv3.CreateRevision(s.signedKey(cn)), ">", 0),
			).
			Then(clientv3.OpPut(key, string(b))).
			Commit()
		if err != nil {
			return xerrors.WithStack(err)
		}
		if res.Succeeded {
			return nil
		}
	}

	return xerrors.NewfWithStack("etcd: failed to update metadata of %s: too many conflicts", cn)
}
