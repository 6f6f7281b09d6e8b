package signer

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/cmd"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/config/configutil"
	"go.f110.dev/certd/pkg/crldist"
	"go.f110.dev/certd/pkg/database/datastore"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/signer"
)

const (
	stateInit cmd.State = iota
	stateSetup
	stateStart
	stateShutdown
	stateWaitShutdown
	stateClose
)

const shutdownTimeout = 30 * time.Second

type mainProcess struct {
	ConfFile string

	fsm       *cmd.FSM
	config    *config.Config
	datastore *datastore.Datastore
	server    *signer.Server
	listener  net.Listener

	wg sync.WaitGroup
}

func New(confFile string) *mainProcess {
	m := &mainProcess{ConfFile: confFile}
	m.fsm = cmd.NewFSM(
		map[cmd.State]cmd.StateFunc{
			stateInit:         m.init,
			stateSetup:        m.setup,
			stateStart:        m.start,
			stateShutdown:     m.shutdown,
			stateWaitShutdown: m.waitShutdown,
			stateClose:        m.close,
		},
		stateInit,
		stateShutdown,
	)

	return m
}

func (m *mainProcess) Loop() error {
	m.fsm.SignalHandling(syscall.SIGTERM, syscall.SIGINT)
	return m.fsm.Loop()
}

func (m *mainProcess) init() (cmd.State, error) {
	conf, err := configutil.ReadConfig(m.ConfFile)
	if err != nil {
		return cmd.UnknownState, err
	}
	if err := logger.Init(conf.Logger); err != nil {
		return cmd.UnknownState, err
	}
	m.config = conf

	return stateSetup, nil
}

func (m *mainProcess) setup() (cmd.State, error) {
	key, err := m.config.Signer.PrivateKey()
	if err != nil {
		return cmd.UnknownState, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	ds, err := datastore.Open(ctx, m.config.Datastore)
	if err != nil {
		return cmd.UnknownState, err
	}
	m.datastore = ds

	opts := signer.Options{
		ClientLifetime: m.config.Authority.ClientLifetime.Duration,
		ServerLifetime: m.config.Authority.ServerLifetime.Duration,
		CRLLifetime:    m.config.Signer.CRLLifetime.Duration,
	}
	if m.config.CRLDistribution != nil {
		p, err := crldist.NewObjectStoragePublisher(m.config.CRLDistribution, nil)
		if err != nil {
			return cmd.UnknownState, err
		}
		opts.Publisher = p
	}
	m.server = signer.NewServer(m.config.Authority.Certificate, key, ds.CertificateStore, opts)

	l, err := signer.Listen(m.config.Signer.Socket)
	if err != nil {
		return cmd.UnknownState, err
	}
	m.listener = l

	return stateStart, nil
}

func (m *mainProcess) start() (cmd.State, error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Serve returns when the front-end requests to exit as well.
		if err := m.server.Serve(m.listener); err != nil {
			logger.Log.Error("Failed to serve", zap.Error(err))
		}
		m.fsm.Shutdown()
	}()

	if m.config.Signer.MetricsBind != "" {
		go func() {
			if err := m.server.ServeMetrics(m.config.Signer.MetricsBind); err != nil {
				logger.Log.Error("Failed to serve the metrics", zap.Error(err))
			}
		}()
	}

	return cmd.WaitState, nil
}

func (m *mainProcess) shutdown() (cmd.State, error) {
	if m.server == nil {
		return stateWaitShutdown, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.server.Shutdown(ctx); err != nil {
			logger.Log.Info("Failed to shutdown the signer", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logger.Log.Info("Shutdown phase is timed out")
	case <-done:
	}

	return stateWaitShutdown, nil
}

func (m *mainProcess) waitShutdown() (cmd.State, error) {
	m.wg.Wait()
	return stateClose, nil
}

func (m *mainProcess) close() (cmd.State, error) {
	if m.datastore != nil {
		if err := m.datastore.Close(); err != nil {
			logger.Log.Info("Failed to close the datastore", zap.Error(err))
		}
	}
	_ = logger.Log.Sync()

	return cmd.CloseState, nil
}

func Command() *cmd.Command {
	confFile := ""
	c := &cmd.Command{
		Use:   "certd-signer",
		Short: "The signer of the certificate authority",
		Long: `certd-signer holds the private key of the CA and signs the requests which are sent by certd through the unix domain socket.
Run this process as a different user from certd.`,
		Run: func(_ context.Context, _ *cmd.Command, _ []string) error {
			return New(confFile).Loop()
		},
	}
	c.Flags().String("config", "Config file path").Var(&confFile).Shorthand("c").Env("CERTD_CONFIG").Required()

	return c
}
