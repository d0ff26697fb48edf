package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/arloliu/go-dispense/client"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/wire"
)

// DefaultServerHost is the host the client connects to by default.
const DefaultServerHost = "heathred"

// ClientConfig is the configuration of the dispense client.
type ClientConfig struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Username overrides the login name of the running process.
	Username string `mapstructure:"username" yaml:"username,omitempty"`

	Host           string        `mapstructure:"host" validate:"required" yaml:"host"`
	Port           int           `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gte=0" yaml:"read_timeout"`

	// Privileged binds a source port below 1024 so the server may honour
	// AUTOAUTH. It needs root.
	Privileged bool `mapstructure:"privileged" yaml:"privileged"`
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.console", true)
	v.SetDefault("username", "")
	v.SetDefault("host", DefaultServerHost)
	v.SetDefault("port", wire.DefaultPort)
	v.SetDefault("connect_timeout", client.DefaultConnectTimeout)
	v.SetDefault("read_timeout", 0)
	v.SetDefault("privileged", true)
}

// LoadClient loads the client configuration from path. An empty path uses
// the defaults and the environment only.
func LoadClient(path string) (*ClientConfig, error) {
	v := newViper(path)
	setClientDefaults(v)

	var cfg ClientConfig
	if err := load(v, path, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ClientOptions maps the settings onto client options.
func (c *ClientConfig) ClientOptions(l logger.Logger) []client.ClientOption {
	opts := []client.ClientOption{
		client.WithConnectTimeout(c.ConnectTimeout),
		client.WithPrivilegedPort(c.Privileged),
		client.WithLogger(l),
	}
	if c.Username != "" {
		opts = append(opts, client.WithUsername(c.Username))
	}
	if c.ReadTimeout > 0 {
		opts = append(opts, client.WithReadTimeout(c.ReadTimeout))
	}

	return opts
}
