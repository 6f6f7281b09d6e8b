package certctl

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/certd/pkg/auth"
	"go.f110.dev/certd/pkg/authority"
	"go.f110.dev/certd/pkg/cmd"
	"go.f110.dev/certd/pkg/config"
	"go.f110.dev/certd/pkg/config/configutil"
	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/datastore"
	"go.f110.dev/certd/pkg/enrollment"
	"go.f110.dev/certd/pkg/logger"
	"go.f110.dev/certd/pkg/notify"
	"go.f110.dev/certd/pkg/signer"
)

// environment is what every subcommand operates on.
type environment struct {
	Authority  *authority.Authority
	Enrollment *enrollment.Service
	Out        io.Writer

	closers []io.Closer
}

func (e *environment) Close() {
	for _, v := range e.closers {
		_ = v.Close()
	}
}

func openEnvironment(ctx context.Context, confFile string) (*environment, error) {
	conf, err := configutil.ReadConfig(confFile)
	if err != nil {
		return nil, err
	}
	if conf.Datastore.Type == config.DatastoreTypeMemory {
		return nil, xerrors.NewWithStack("certctl: the memory datastore can't be shared with certd")
	}

	ds, err := datastore.Open(ctx, conf.Datastore)
	if err != nil {
		return nil, err
	}
	client, err := signer.Dial(conf.Signer.Socket, conf.Signer.Timeout.Duration)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}

	a := authority.New(conf.Authority, conf.Dynamic, ds.CertificateStore, client, notify.NewBroker())
	return &environment{
		Authority:  a,
		Enrollment: enrollment.NewService(conf.Authority.Certificate, conf.Dynamic, a, enrollment.NewLedger(conf.Enrollment)),
		Out:        os.Stdout,
		closers:    []io.Closer{client, ds},
	}, nil
}

// operator returns the context which carries the principal of the local operator.
// The operator who can read the config and the signer socket is treated as an administrator.
func operator(ctx context.Context) context.Context {
	name := "certctl"
	if u, err := user.Current(); err == nil {
		name = "certctl:" + u.Username
	}

	return auth.WithPrincipal(ctx, &auth.Principal{Name: name, Admin: true})
}

func list(ctx context.Context, env *environment) error {
	requests, err := env.Authority.ListRequests(ctx)
	if err != nil {
		return err
	}
	signed, err := env.Authority.ListSignedCertificates(ctx)
	if err != nil {
		return err
	}
	revoked, err := env.Authority.ListRevokedCertificates(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(env.Out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tCOMMON NAME\tSERIAL\tDATE")
	for _, v := range requests {
		fmt.Fprintf(w, "pending\t%s\t-\t%s\n", v.CommonName, v.CreatedAt.Format(time.RFC3339))
	}
	for _, v := range signed {
		fmt.Fprintf(w, "signed\t%s\t%s\t%s\n", v.CommonName(), v.SerialNumber().Text(16), v.Certificate.NotAfter.Format(time.RFC3339))
	}
	for _, v := range revoked {
		fmt.Fprintf(w, "revoked\t%s\t%s\t%s\n", v.CommonName, v.SerialNumber.Text(16), v.RevokedAt.Format(time.RFC3339))
	}

	return w.Flush()
}

func sign(ctx context.Context, env *environment, cn string, serverAuth bool) error {
	signed, err := env.Authority.Sign(operator(ctx), cn, serverAuth)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Signed %s (serial: %s, expires: %s)\n", cn, signed.SerialNumber().Text(16), signed.Certificate.NotAfter.Format(time.RFC3339))

	return nil
}

func reject(ctx context.Context, env *environment, cn string) error {
	if err := env.Authority.Reject(operator(ctx), cn); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Rejected %s\n", cn)

	return nil
}

func revoke(ctx context.Context, env *environment, cn string) error {
	if err := env.Authority.Revoke(operator(ctx), cn); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Revoked %s\n", cn)

	return nil
}

func issueToken(ctx context.Context, env *environment, username, baseURL string) error {
	token, err := env.Enrollment.IssueToken(operator(ctx), username)
	if err != nil {
		return err
	}
	if baseURL == "" {
		fmt.Fprintln(env.Out, token.String())
		return nil
	}
	fmt.Fprintf(env.Out, "%s/api/token/?%s\n", strings.TrimSuffix(baseURL, "/"), token.String())

	return nil
}

func setLease(ctx context.Context, env *environment, cn, address string) error {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return xerrors.WithStack(err)
	}
	lease := &database.Lease{Address: addr.String(), LastSeen: time.Now().Truncate(time.Second)}
	if err := env.Authority.SetLease(operator(ctx), cn, lease); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s is leased to %s\n", addr, cn)

	return nil
}

func getLease(ctx context.Context, env *environment, cn string) error {
	lease, err := env.Authority.GetLease(ctx, cn)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s\t%s\n", lease.Address, lease.LastSeen.Format(time.RFC3339))

	return nil
}

func Command() *cmd.Command {
	confFile := ""
	verbose := false
	root := &cmd.Command{
		Use:   "certctl",
		Short: "The operator's tool of certd",
		Long: `certctl manages the requests and the certificates directly through the datastore and the signer socket.
It has to run on the same host as certd-signer with the permission of the socket.`,
	}
	root.Flags().String("config", "Config file path").Var(&confFile).Shorthand("c").Env("CERTD_CONFIG").Required()
	root.Flags().Bool("verbose", "Show the debug log").Var(&verbose).Shorthand("v")

	run := func(fn func(ctx context.Context, env *environment, args []string) error) func(context.Context, *cmd.Command, []string) error {
		return func(ctx context.Context, _ *cmd.Command, args []string) error {
			if verbose {
				if err := logger.Init(&config.Logger{Level: "debug", Encoding: "console"}); err != nil {
					return err
				}
			}
			env, err := openEnvironment(ctx, confFile)
			if err != nil {
				return err
			}
			defer env.Close()

			return fn(ctx, env, args)
		}
	}

	root.AddCommand(&cmd.Command{
		Use:     "list",
		Short:   "List the pending requests, the signed and the revoked certificates",
		Aliases: []string{"ls"},
		Args:    cmd.ExactArgs(0),
		Run: run(func(ctx context.Context, env *environment, _ []string) error {
			return list(ctx, env)
		}),
	})

	serverAuth := false
	signCmd := &cmd.Command{
		Use:   "sign <common name>",
		Short: "Sign the pending request",
		Args:  cmd.ExactArgs(1),
		Run: run(func(ctx context.Context, env *environment, args []string) error {
			return sign(ctx, env, args[0], serverAuth)
		}),
	}
	signCmd.Flags().Bool("server", "Issue the server certificate").Var(&serverAuth)
	root.AddCommand(signCmd)

	root.AddCommand(&cmd.Command{
		Use:   "reject <common name>",
		Short: "Delete the pending request",
		Args:  cmd.ExactArgs(1),
		Run: run(func(ctx context.Context, env *environment, args []string) error {
			return reject(ctx, env, args[0])
		}),
	})

	root.AddCommand(&cmd.Command{
		Use:   "revoke <common name>",
		Short: "Revoke the signed certificate",
		Args:  cmd.ExactArgs(1),
		Run: run(func(ctx context.Context, env *environment, args []string) error {
			return revoke(ctx, env, args[0])
		}),
	})

	baseURL := ""
	tokenCmd := &cmd.Command{
		Use:   "token <user>",
		Short: "Issue the enrollment token",
		Args:  cmd.ExactArgs(1),
		Run: run(func(ctx context.Context, env *environment, args []string) error {
			return issueToken(ctx, env, args[0], baseURL)
		}),
	}
	tokenCmd.Flags().String("url", "Base URL of certd. The full URL of the token is printed if given").Var(&baseURL).Env("CERTD_URL")
	root.AddCommand(tokenCmd)

	leaseCmd := &cmd.Command{
		Use:   "lease",
		Short: "Manage the lease of the address",
	}
	leaseCmd.AddCommand(&cmd.Command{
		Use:   "set <common name> <address>",
		Short: "Record the address which is leased to the certificate",
		Args:  cmd.ExactArgs(2),
		Run: run(func(ctx context.Context, env *environment, args []string) error {
			return setLease(ctx, env, args[0], args[1])
		}),
	})
	leaseCmd.AddCommand(&cmd.Command{
		Use:   "get <common name>",
		Short: "Show the address which is leased to the certificate",
		Args:  cmd.ExactArgs(1),
		Run: run(func(ctx context.Context, env *environment, args []string) error {
			return getLease(ctx, env, args[0])
		}),
	})
	root.AddCommand(leaseCmd)

	return root
}
