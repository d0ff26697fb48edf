package client

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

const (
	DefaultConnectTimeout = 5 * time.Second

	// DefaultPrivilegedPortMin and DefaultPrivilegedPortMax bound the source
	// ports tried when binding a privileged port for AUTOAUTH.
	DefaultPrivilegedPortMin = 512
	DefaultPrivilegedPortMax = 1023

	// MaxPasswordAttempts is the number of PASS attempts before authentication fails.
	MaxPasswordAttempts = 3

	// MaxDispenseCount bounds a single multi-item dispense request.
	MaxDispenseCount = 20
)

// PasswordFunc returns the password of user, typically by prompting on a terminal.
// It is called once per password attempt.
type PasswordFunc func(user string) (string, error)

// ClientConfig holds the configuration of a dispense client connection.
type ClientConfig struct {
	host string
	port int

	username string

	connectTimeout time.Duration
	readTimeout    time.Duration
	maxLineLength  int

	privileged bool
	portMin    int
	portMax    int

	passwordFunc PasswordFunc
	dryRun       bool

	logger logger.Logger
}

// NewClientConfig creates a client configuration for the server at host:port.
//
// The local username defaults to the identity of the running process and
// privileged source port binding is enabled when running as root.
func NewClientConfig(host string, port int, opts ...ClientOption) (*ClientConfig, error) {
	if host == "" {
		return nil, errors.New("client: host must not be empty")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("client: port %d out of range [1, 65535]", port)
	}

	cfg := &ClientConfig{
		host:           host,
		port:           port,
		username:       currentUsername(),
		connectTimeout: DefaultConnectTimeout,
		maxLineLength:  wire.DefaultMaxLineLength,
		privileged:     os.Geteuid() == 0,
		portMin:        DefaultPrivilegedPortMin,
		portMax:        DefaultPrivilegedPortMax,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if !wire.ValidToken(cfg.username) {
		return nil, fmt.Errorf("client: invalid username %q", cfg.username)
	}

	return cfg, nil
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}

	return strconv.Itoa(os.Getuid())
}

// Host returns the server host.
func (cfg *ClientConfig) Host() string { return cfg.host }

// Port returns the server port.
func (cfg *ClientConfig) Port() int { return cfg.port }

// Addr returns "host:port".
func (cfg *ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.host, cfg.port)
}

// Username returns the local identity used for authentication.
func (cfg *ClientConfig) Username() string { return cfg.username }

// DryRun reports whether mutating commands are suppressed.
func (cfg *ClientConfig) DryRun() bool { return cfg.dryRun }

// Privileged reports whether a privileged source port is bound when connecting.
func (cfg *ClientConfig) Privileged() bool { return cfg.privileged }

// GetLogger returns the configured logger.
func (cfg *ClientConfig) GetLogger() logger.Logger { return cfg.logger }

// ClientOption is a functional option for configuring a ClientConfig.
type ClientOption interface {
	apply(*ClientConfig) error
}

type clientOptFunc func(*ClientConfig) error

func (f clientOptFunc) apply(cfg *ClientConfig) error { return f(cfg) }

// WithUsername sets the local identity sent in AUTOAUTH and USER.
func WithUsername(name string) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if !wire.ValidToken(name) {
			return fmt.Errorf("client: invalid username %q", name)
		}
		cfg.username = name

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if d <= 0 {
			return errors.New("client: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithReadTimeout bounds the wait for each response line. Zero, the default, waits indefinitely.
func WithReadTimeout(d time.Duration) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if d < 0 {
			return errors.New("client: read timeout must not be negative")
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithMaxLineLength sets the longest response line accepted.
func WithMaxLineLength(n int) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if n < wire.MinMaxLineLength {
			return fmt.Errorf("client: max line length %d below minimum %d", n, wire.MinMaxLineLength)
		}
		cfg.maxLineLength = n

		return nil
	})
}

// WithPrivilegedPort enables or disables binding a privileged source port.
func WithPrivilegedPort(enabled bool) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		cfg.privileged = enabled
		return nil
	})
}

// WithPrivilegedPortRange sets the source ports tried, in ascending order.
func WithPrivilegedPortRange(lo, hi int) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if lo <= 0 || hi > 1023 || lo > hi {
			return fmt.Errorf("client: privileged port range [%d, %d] invalid", lo, hi)
		}
		cfg.portMin, cfg.portMax = lo, hi

		return nil
	})
}

// WithPasswordFunc sets the password source used when AUTOAUTH is refused.
func WithPasswordFunc(fn PasswordFunc) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if fn == nil {
			return errors.New("client: password func must not be nil")
		}
		cfg.passwordFunc = fn

		return nil
	})
}

// WithDryRun makes mutating commands succeed without being sent.
func WithDryRun(enabled bool) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		cfg.dryRun = enabled
		return nil
	})
}

// WithLogger sets the logger of the client.
func WithLogger(l logger.Logger) ClientOption {
	return clientOptFunc(func(cfg *ClientConfig) error {
		if l == nil {
			return errors.New("client: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
