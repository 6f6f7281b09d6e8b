// Package netutil has the helpers to start the listeners in the tests and the daemons.
package netutil

import (
	"net"
	"time"

	"go.f110.dev/xerrors"
)

var ErrTimedOut = xerrors.New("netutil: timed out")

// FindUnusedPort returns the TCP port on the loopback interface which is not used at the moment.
func FindUnusedPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return -1, xerrors.WithStack(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	if err := l.Close(); err != nil {
		return -1, xerrors.WithStack(err)
	}

	return addr.Port, nil
}

// WaitListen blocks until addr accepts the connection. network is "tcp" or "unix".
func WaitListen(network, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := timeout / 20
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	for {
		conn, err := net.DialTimeout(network, addr, interval)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return xerrors.WithMessagef(ErrTimedOut, "%s %s", network, addr)
		}
		time.Sleep(interval)
	}
}
