package certd

import (
	"context"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/api"
	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/auth/authn"
	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/cmd"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/config/configutil"
	"go.f110.dev/certd/pkg/database/datastore"
	"go.f110.dev/certd/pkg/enrollment"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/notify"
	"go.f110.dev/certd/pkg/server"
	"go.f110.dev/certd/pkg/server/internalapi"
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
	reloader  *configutil.Reloader
	datastore *datastore.Datastore
	signer    *signer.Client
	authority *authority.Authority

	server   *server.Server
	internal *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
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

	m.reloader, err = configutil.NewReloader(m.ConfFile, conf)
	if err != nil {
		return cmd.UnknownState, err
	}
	m.reloader.OnReload(func(d *config.Dynamic) {
		logger.Log.Info("Policy reloaded",
			zap.Strings("autosign_subnets", d.Policy.AutosignSubnets),
			zap.Strings("request_subnets", d.Policy.RequestSubnets),
			zap.Bool("enrollment", d.Enrollment.Enabled),
		)
	})

	return stateSetup, nil
}

func (m *mainProcess) setup() (cmd.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ds, err := datastore.Open(ctx, m.config.Datastore)
	if err != nil {
		return cmd.UnknownState, err
	}
	m.datastore = ds

	client, err := signer.Dial(m.config.Signer.Socket, m.config.Signer.Timeout.Duration)
	if err != nil {
		return cmd.UnknownState, err
	}
	m.signer = client

	m.authority = authority.New(m.config.Authority, m.config.Dynamic, ds.CertificateStore, client, notify.NewBroker())
	// The ledger servers are not reloadable. A change of them requires restarting the process.
	e := enrollment.NewService(m.config.Authority.Certificate, m.config.Dynamic, m.authority, enrollment.NewLedger(m.config.Enrollment))

	var authenticator auth.Chain
	if m.config.Authentication.Static != nil {
		authenticator = append(authenticator, authn.NewStatic(m.config.Authentication.Static))
	}
	if m.config.Authentication.JWT != nil {
		authenticator = append(authenticator, authn.NewJWT(m.config.Authentication.JWT))
	}
	if len(authenticator) == 0 {
		logger.Log.Warn("No authentication backend is configured. Only the anonymous endpoints are available")
	}

	m.server = server.New(m.config.Server, api.New(m.authority, e, authenticator, m.config.Dynamic))
	if m.config.Server.InternalBind != "" {
		m.internal = server.NewInternal(
			m.config.Server,
			internalapi.NewProbe(m.isReady),
			internalapi.NewProf(m.config.Server.ContentionProfileRate),
			internalapi.NewServer(),
			internalapi.NewResourceServer(m.authority),
		)
	}

	return stateStart, nil
}

func (m *mainProcess) start() (cmd.State, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := m.authority.Run(ctx); err != nil {
			logger.Log.Error("Failed to watch the datastore", zap.Error(err))
		}
	}()

	if m.internal != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()

			if err := m.internal.Start(); err != nil {
				logger.Log.Error("Failed to start the internal server", zap.Error(err))
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := m.server.Start(); err != nil {
			logger.Log.Error("Failed to start the server", zap.Error(err))
			m.fsm.Shutdown()
		}
	}()

	return cmd.WaitState, nil
}

func (m *mainProcess) shutdown() (cmd.State, error) {
	ctx, cancelFunc := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelFunc()

	done := make(chan struct{})
	var wg sync.WaitGroup
	if m.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.server.Shutdown(ctx); err != nil {
				logger.Log.Info("Failed to shutdown the server", zap.Error(err))
			}
		}()
	}
	if m.internal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.internal.Shutdown(ctx); err != nil {
				logger.Log.Info("Failed to shutdown the internal server", zap.Error(err))
			}
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Log.Info("Shutdown phase is timed out")
	case <-done:
	}
	if m.cancel != nil {
		m.cancel()
	}

	return stateWaitShutdown, nil
}

func (m *mainProcess) waitShutdown() (cmd.State, error) {
	m.wg.Wait()
	return stateClose, nil
}

func (m *mainProcess) close() (cmd.State, error) {
	if m.reloader != nil {
		m.reloader.Stop()
	}
	if m.signer != nil {
		if err := m.signer.Close(); err != nil {
			logger.Log.Info("Failed to close the signer channel", zap.Error(err))
		}
	}
	if m.datastore != nil {
		if err := m.datastore.Close(); err != nil {
			logger.Log.Info("Failed to close the datastore", zap.Error(err))
		}
	}
	_ = logger.Log.Sync()

	return cmd.CloseState, nil
}

// isReady reports whether the dependencies of the front-end are reachable.
func (m *mainProcess) isReady(ctx context.Context) bool {
	return m.signer.Ready(ctx) && m.datastore.Ready(ctx)
}

func Command() *cmd.Command {
	confFile := ""
	c := &cmd.Command{
		Use:   "certd",
		Short: "The front-end of the certificate authority",
		Long: `certd accepts the certificate signing requests and serves the signed certificates and the CRL.
The private key of the CA is never loaded by this process. Every signing operation is delegated to certd-signer.`,
		Run: func(_ context.Context, _ *cmd.Command, _ []string) error {
			return New(confFile).Loop()
		},
	}
	c.Flags().String("config", "Config file path").Var(&confFile).Shorthand("c").Env("CERTD_CONFIG").Required()

	return c
}
