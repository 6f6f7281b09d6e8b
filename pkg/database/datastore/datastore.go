// Package datastore opens the CertificateStore which is selected by the datastore section of the config.
package datastore

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/etcd"
	"go.f110.dev/certd/pkg/database/file"
	"go.f110.dev/certd/pkg/database/memory"
	"go.f110.dev/certd/pkg/database/mysql"
	"go.f110.dev/certd/pkg/logger"
)

// Datastore is the opened store and the connection behind it.
type Datastore struct {
	database.CertificateStore

	// Ready reports whether the backend can serve the requests.
	Ready func(ctx context.Context) bool
	close func() error
}

func (d *Datastore) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

func Open(ctx context.Context, conf *config.Datastore) (*Datastore, error) {
	switch conf.Type {
	case config.DatastoreTypeMemory, "":
		return &Datastore{CertificateStore: memory.NewStore(), Ready: alwaysReady}, nil
	case config.DatastoreTypeFile:
		s, err := file.NewStore(conf.Dir)
		if err != nil {
			return nil, err
		}
		return &Datastore{CertificateStore: s, Ready: alwaysReady}, nil
	case config.DatastoreTypeEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{conf.EtcdUrl.String()},
			DialTimeout: 1 * time.Second,
			Logger:      logger.Log.Named("etcd"),
		})
		if err != nil {
			return nil, xerrors.WithStack(err)
		}
		logger.Log.Debug("Connect to etcd", zap.String("url", conf.EtcdUrl.String()), zap.String("namespace", conf.Namespace))
		return &Datastore{
			CertificateStore: etcd.NewStore(client, conf.Namespace),
			Ready: func(ctx context.Context) bool {
				_, err := client.Get(ctx, conf.Namespace, clientv3.WithCountOnly())
				return err == nil
			},
			close: client.Close,
		}, nil
	case config.DatastoreTypeMySQL:
		db, err := mysql.Open(conf.DSN)
		if err != nil {
			return nil, err
		}
		s := mysql.NewStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Datastore{
			CertificateStore: s,
			Ready: func(ctx context.Context) bool {
				return db.PingContext(ctx) == nil
			},
			close: db.Close,
		}, nil
	default:
		return nil, xerrors.NewfWithStack("datastore: unknown type: %s", conf.Type)
	}
}

func alwaysReady(_ context.Context) bool {
	return true
}
