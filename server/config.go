package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/metrics"
	"github.com/arloliu/go-dispense/wire"
)

const (
	DefaultAcceptTimeout = time.Second
	MinAcceptTimeout     = 10 * time.Millisecond
	MaxAcceptTimeout     = time.Minute

	// DefaultIdleTimeout closes sessions that send nothing for this long.
	DefaultIdleTimeout = 10 * time.Minute
	MinIdleTimeout     = time.Second
	MaxIdleTimeout     = 24 * time.Hour

	DefaultWriteTimeout = 10 * time.Second
	MinWriteTimeout     = 100 * time.Millisecond
	MaxWriteTimeout     = time.Minute

	DefaultMaxSessions = 64
	MaxMaxSessions     = 4096

	// DefaultMaxAuthFailures is the number of refused PASS attempts after
	// which a session is closed.
	DefaultMaxAuthFailures = 5

	// PrivilegedPortLimit is the first port an unprivileged process may bind.
	PrivilegedPortLimit = 1024
)

// DefaultTrustedNetworks are the networks AUTOAUTH is honoured from.
var DefaultTrustedNetworks = []string{"127.0.0.0/8", "::1/128"}

// Config holds the server configuration.
type Config struct {
	host            string
	port            int
	acceptTimeout   time.Duration
	idleTimeout     time.Duration
	writeTimeout    time.Duration
	maxSessions     int
	maxLineLength   int
	maxAuthFailures int
	trusted         []*net.IPNet

	logger  logger.Logger
	metrics *metrics.ServerMetrics
}

// Option is a functional option for configuring the server.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(c *Config) error { return f(c) }

// NewConfig creates a Config. The server listens on all interfaces at
// wire.DefaultPort unless WithAddress is given.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		port:            wire.DefaultPort,
		acceptTimeout:   DefaultAcceptTimeout,
		idleTimeout:     DefaultIdleTimeout,
		writeTimeout:    DefaultWriteTimeout,
		maxSessions:     DefaultMaxSessions,
		maxLineLength:   wire.DefaultMaxLineLength,
		maxAuthFailures: DefaultMaxAuthFailures,
		logger:          logger.GetLogger(),
	}
	if err := WithTrustedNetworks(DefaultTrustedNetworks...).apply(cfg); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// WithAddress sets the listen address. Port 0 picks a free port.
func WithAddress(host string, port int) Option {
	return optFunc(func(c *Config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("server: invalid port %d", port)
		}
		c.host, c.port = host, port

		return nil
	})
}

// WithAcceptTimeout sets how long a single accept call blocks.
func WithAcceptTimeout(d time.Duration) Option {
	return optFunc(func(c *Config) error {
		if d < MinAcceptTimeout || d > MaxAcceptTimeout {
			return fmt.Errorf("server: accept timeout %s out of range [%s, %s]", d, MinAcceptTimeout, MaxAcceptTimeout)
		}
		c.acceptTimeout = d

		return nil
	})
}

// WithIdleTimeout sets how long a session may stay silent.
func WithIdleTimeout(d time.Duration) Option {
	return optFunc(func(c *Config) error {
		if d < MinIdleTimeout || d > MaxIdleTimeout {
			return fmt.Errorf("server: idle timeout %s out of range [%s, %s]", d, MinIdleTimeout, MaxIdleTimeout)
		}
		c.idleTimeout = d

		return nil
	})
}

// WithWriteTimeout sets the timeout for sending a response line.
func WithWriteTimeout(d time.Duration) Option {
	return optFunc(func(c *Config) error {
		if d < MinWriteTimeout || d > MaxWriteTimeout {
			return fmt.Errorf("server: write timeout %s out of range [%s, %s]", d, MinWriteTimeout, MaxWriteTimeout)
		}
		c.writeTimeout = d

		return nil
	})
}

// WithMaxSessions bounds the number of concurrent sessions.
func WithMaxSessions(n int) Option {
	return optFunc(func(c *Config) error {
		if n < 1 || n > MaxMaxSessions {
			return fmt.Errorf("server: max sessions %d out of range [1, %d]", n, MaxMaxSessions)
		}
		c.maxSessions = n

		return nil
	})
}

// WithMaxLineLength bounds a request line.
func WithMaxLineLength(n int) Option {
	return optFunc(func(c *Config) error {
		if n < wire.MinMaxLineLength {
			return fmt.Errorf("server: max line length %d below minimum %d", n, wire.MinMaxLineLength)
		}
		c.maxLineLength = n

		return nil
	})
}

// WithMaxAuthFailures sets the refused PASS attempts tolerated per session.
func WithMaxAuthFailures(n int) Option {
	return optFunc(func(c *Config) error {
		if n < 1 {
			return errors.New("server: max auth failures must be positive")
		}
		c.maxAuthFailures = n

		return nil
	})
}

// WithTrustedNetworks replaces the networks AUTOAUTH is honoured from.
// An empty list disables AUTOAUTH.
func WithTrustedNetworks(cidrs ...string) Option {
	return optFunc(func(c *Config) error {
		nets := make([]*net.IPNet, 0, len(cidrs))
		for _, cidr := range cidrs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("server: trusted network: %w", err)
			}
			nets = append(nets, ipNet)
		}
		c.trusted = nets

		return nil
	})
}

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(c *Config) error {
		if l == nil {
			return errors.New("server: logger must not be nil")
		}
		c.logger = l

		return nil
	})
}

// WithMetrics sets the server metrics. Nil disables them.
func WithMetrics(m *metrics.ServerMetrics) Option {
	return optFunc(func(c *Config) error {
		c.metrics = m
		return nil
	})
}

// Address returns the configured listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// trustedPeer reports whether addr may use AUTOAUTH: a TCP peer connecting
// from a privileged source port inside a trusted network. The source port
// only proves the client runs with elevated privilege on its host.
func (c *Config) trustedPeer(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok || tcpAddr.Port <= 0 || tcpAddr.Port >= PrivilegedPortLimit {
		return false
	}
	for _, n := range c.trusted {
		if n.Contains(tcpAddr.IP) {
			return true
		}
	}

	return false
}
