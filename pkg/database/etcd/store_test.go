package etcd

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/databasetest"
)

var (
	client         *clientv3.Client
	namespaceIndex int32
)

func newNamespace() string {
	return fmt.Sprintf("/test%d", atomic.AddInt32(&namespaceIndex, 1))
}

func TestMain(m *testing.M) {
	dataDir, err := os.MkdirTemp("", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create a temporary directory: %v\n", err)
		os.Exit(1)
	}

	c := embed.NewConfig()
	c.Dir = dataDir
	c.LogLevel = "error"

	e, err := embed.StartEtcd(c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.RemoveAll(dataDir)
		os.Exit(1)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "Failed start embed etcd")
		os.RemoveAll(dataDir)
		os.Exit(1)
	}

	client, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{e.Clients[0].Addr().String()},
		DialTimeout: 1 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed connect to etcd: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	client.Close()
	e.Close()
	os.RemoveAll(dataDir)
	os.Exit(code)
}

func TestStore(t *testing.T) {
	databasetest.Run(t, func(_ *testing.T) database.CertificateStore {
		return NewStore(client, newNamespace())
	})
}

func TestStore_Watch(t *testing.T) {
	s := NewStore(client, newNamespace())
	ca := databasetest.NewAuthority(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	req := ca.NewRequest(t, "alice")
	require.NoError(t, s.SetRequest(ctx, req))
	require.NoError(t, s.SetSignedCertificate(ctx, ca.Sign(t, req)))
	_, err = s.RevokeCertificate(ctx, "alice", time.Now())
	require.NoError(t, err)

	expect := []database.EventType{database.EventRequested, database.EventSigned, database.EventRevoked}
	var got []database.EventType
	timeout := time.After(5 * time.Second)
	for len(got) < len(expect) {
		select {
		case e := <-ch:
			assert.Equal(t, "alice", e.CommonName)
			got = append(got, e.Type)
		case <-timeout:
			t.Fatalf("timed out: received %v", got)
		}
	}
	assert.Equal(t, expect, got)
}
