package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"github.com/arloliu/go-dispense/wire"
)

// dial connects to the server. When privileged binding is enabled, the
// source ports portMin..portMax are tried in ascending order; a port that
// cannot be bound is skipped, any other failure aborts. If no port can be
// bound the connection is made from an ordinary port, and the server will
// not honour AUTOAUTH.
func dial(ctx context.Context, cfg *ClientConfig) (net.Conn, error) {
	addr := cfg.Addr()

	if cfg.privileged {
		for port := cfg.portMin; port <= cfg.portMax; port++ {
			d := net.Dialer{
				Timeout:   cfg.connectTimeout,
				LocalAddr: &net.TCPAddr{Port: port},
			}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err == nil {
				cfg.logger.Debug("connected from privileged port", "addr", addr, "local_port", port)
				return conn, nil
			}
			if isBindError(err) {
				continue
			}

			return nil, &wire.ConnectionError{Op: "dial " + addr, Err: err}
		}
		cfg.logger.Warn("no privileged source port available, autoauth will be refused",
			"range", strconv.Itoa(cfg.portMin)+"-"+strconv.Itoa(cfg.portMax))
	}

	d := net.Dialer{Timeout: cfg.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &wire.ConnectionError{Op: "dial " + addr, Err: err}
	}

	return conn, nil
}

func isBindError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM)
}
