package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/arloliu/go-dispense/coke"
	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/door"
	"github.com/arloliu/go-dispense/ledger"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/metrics"
	"github.com/arloliu/go-dispense/serial"
	"github.com/arloliu/go-dispense/server"
	"github.com/arloliu/go-dispense/wire"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// DefaultCokeDevice is the tty of the coke machine controller.
const DefaultCokeDevice = "/dev/ttyS1"

// ServerConfig is the configuration of the dispsrv daemon.
type ServerConfig struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	Listen ListenConfig `mapstructure:"listen" yaml:"listen"`
	Admin  AdminConfig  `mapstructure:"admin" yaml:"admin"`
	Ledger LedgerConfig `mapstructure:"ledger" yaml:"ledger"`
	Coke   CokeConfig   `mapstructure:"coke" yaml:"coke"`
	Door   DoorConfig   `mapstructure:"door" yaml:"door"`

	// Items is the catalog, in display order.
	Items []ItemConfig `mapstructure:"items" validate:"dive" yaml:"items"`
}

// ListenConfig configures the protocol listener.
type ListenConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxSessions     int           `mapstructure:"max_sessions" validate:"min=1" yaml:"max_sessions"`
	MaxAuthFailures int           `mapstructure:"max_auth_failures" validate:"min=1" yaml:"max_auth_failures"`

	// TrustedNetworks are the networks AUTOAUTH is honoured from. Empty
	// disables AUTOAUTH.
	TrustedNetworks []string `mapstructure:"trusted_networks" validate:"dive,cidr" yaml:"trusted_networks"`
}

// AdminConfig configures the administrative HTTP endpoint.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true,omitempty,hostname_port" yaml:"address"`

	// Metrics enables the Prometheus registry and GET /metrics.
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

// LedgerConfig selects and seeds the account store.
type LedgerConfig struct {
	Backend    string `mapstructure:"backend" validate:"oneof=memory badger" yaml:"backend"`
	Path       string `mapstructure:"path" validate:"required_if=Backend badger" yaml:"path"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`

	// Users are created at startup when missing.
	Users []UserConfig `mapstructure:"users" validate:"dive" yaml:"users,omitempty"`
}

// UserConfig is an account created at startup.
type UserConfig struct {
	Name     string `mapstructure:"name" validate:"required,max=32" yaml:"name"`
	Flags    string `mapstructure:"flags" yaml:"flags,omitempty"`
	Balance  int    `mapstructure:"balance" yaml:"balance,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// CokeConfig configures the coke machine handler.
type CokeConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Device          string        `mapstructure:"device" validate:"required_if=Enabled true" yaml:"device"`
	BaudRate        int           `mapstructure:"baud_rate" validate:"gt=0" yaml:"baud_rate"`
	CharTimeout     time.Duration `mapstructure:"char_timeout" yaml:"char_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gte=0" yaml:"refresh_interval"`
	SlotNames       []string      `mapstructure:"slot_names" validate:"max=7" yaml:"slot_names,omitempty"`
}

// DoorConfig configures the door handler.
type DoorConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Device      string        `mapstructure:"device" validate:"required_if=Enabled true" yaml:"device"`
	BaudRate    int           `mapstructure:"baud_rate" validate:"gt=0" yaml:"baud_rate"`
	UnlockDelay time.Duration `mapstructure:"unlock_delay" validate:"gte=0" yaml:"unlock_delay"`
}

// ItemConfig is a catalog entry.
type ItemConfig struct {
	Ref         dispense.ItemRef `mapstructure:"ref" validate:"required" yaml:"ref"`
	Price       int              `mapstructure:"price" validate:"min=0" yaml:"price"`
	Description string           `mapstructure:"description" yaml:"description"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", false)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("listen.host", "")
	v.SetDefault("listen.port", wire.DefaultPort)
	v.SetDefault("listen.idle_timeout", server.DefaultIdleTimeout)
	v.SetDefault("listen.write_timeout", server.DefaultWriteTimeout)
	v.SetDefault("listen.max_sessions", server.DefaultMaxSessions)
	v.SetDefault("listen.max_auth_failures", server.DefaultMaxAuthFailures)
	v.SetDefault("listen.trusted_networks", server.DefaultTrustedNetworks)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.address", "127.0.0.1:9120")
	v.SetDefault("admin.metrics", true)

	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.sync_writes", true)

	v.SetDefault("coke.enabled", false)
	v.SetDefault("coke.device", DefaultCokeDevice)
	v.SetDefault("coke.baud_rate", serial.DefaultBaudRate)
	v.SetDefault("coke.char_timeout", serial.DefaultCharTimeout)
	v.SetDefault("coke.refresh_interval", coke.DefaultRefreshInterval)

	v.SetDefault("door.enabled", false)
	v.SetDefault("door.device", door.DefaultDevice)
	v.SetDefault("door.baud_rate", serial.DefaultBaudRate)
	v.SetDefault("door.unlock_delay", door.DefaultUnlockDelay)
}

// LoadServer loads the server configuration from path. An empty path uses
// the defaults and the environment only.
func LoadServer(path string) (*ServerConfig, error) {
	v := newViper(path)
	setServerDefaults(v)

	var cfg ServerConfig
	if err := load(v, path, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultServer returns the default server configuration with a sample catalog.
func DefaultServer() *ServerConfig {
	v := viper.New()
	setServerDefaults(v)

	var cfg ServerConfig
	_ = v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks()))

	for i, name := range coke.DefaultSlotNames {
		cfg.Items = append(cfg.Items, ItemConfig{
			Ref:         dispense.ItemRef{Type: coke.HandlerName, ID: i},
			Price:       90,
			Description: name,
		})
	}
	cfg.Items = append(cfg.Items, ItemConfig{
		Ref:         dispense.ItemRef{Type: door.HandlerName, ID: door.ItemID},
		Description: "Door",
	})

	return &cfg
}

// WriteServer writes cfg as YAML to path.
func WriteServer(path string, cfg *ServerConfig) error {
	return write(path, cfg)
}

// ServerOptions maps the listener settings onto server options.
func (c *ServerConfig) ServerOptions(l logger.Logger, m *metrics.ServerMetrics) []server.Option {
	return []server.Option{
		server.WithAddress(c.Listen.Host, c.Listen.Port),
		server.WithIdleTimeout(c.Listen.IdleTimeout),
		server.WithWriteTimeout(c.Listen.WriteTimeout),
		server.WithMaxSessions(c.Listen.MaxSessions),
		server.WithMaxAuthFailures(c.Listen.MaxAuthFailures),
		server.WithTrustedNetworks(c.Listen.TrustedNetworks...),
		server.WithLogger(l),
		server.WithMetrics(m),
	}
}

// Catalog builds the server catalog from Items.
func (c *ServerConfig) Catalog() (*server.Catalog, error) {
	items := make([]server.CatalogItem, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, server.CatalogItem{Ref: it.Ref, Price: it.Price, Description: it.Description})
	}

	return server.NewCatalog(items...)
}

// CokeOptions maps the coke settings onto handler options.
func (c *ServerConfig) CokeOptions(l logger.Logger, m *metrics.DeviceMetrics) []coke.Option {
	opts := []coke.Option{
		coke.WithDevice(c.Coke.Device, c.Coke.BaudRate),
		coke.WithRefreshInterval(c.Coke.RefreshInterval),
		coke.WithLogger(l),
		coke.WithMetrics(m),
	}
	if c.Coke.CharTimeout > 0 {
		opts = append(opts, coke.WithLinkOptions(serial.WithCharTimeout(c.Coke.CharTimeout), serial.WithLogger(l)))
	}
	if len(c.Coke.SlotNames) > 0 {
		opts = append(opts, coke.WithSlotNames(c.Coke.SlotNames))
	}

	return opts
}

// DoorOptions maps the door settings onto handler options. The door checks
// the door flag against accounts at dispense time.
func (c *ServerConfig) DoorOptions(accounts dispense.Ledger, l logger.Logger, m *metrics.DeviceMetrics) []door.Option {
	return []door.Option{
		door.WithDevice(c.Door.Device, c.Door.BaudRate),
		door.WithUnlockDelay(c.Door.UnlockDelay),
		door.WithLedger(accounts),
		door.WithLogger(l),
		door.WithMetrics(m),
	}
}

// OpenLedger opens the configured account store and creates the seed users.
func (c *ServerConfig) OpenLedger(ctx context.Context, l logger.Logger) (ledger.Accounts, error) {
	var (
		accounts ledger.Accounts
		err      error
	)
	switch c.Ledger.Backend {
	case BackendBadger:
		accounts, err = ledger.OpenBadger(c.Ledger.Path,
			ledger.WithSyncWrites(c.Ledger.SyncWrites),
			ledger.WithBadgerLogger(l),
		)
		if err != nil {
			return nil, err
		}
	case BackendMemory, "":
		accounts = ledger.NewMemoryLedger(l)
	default:
		return nil, fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}

	if err := SeedUsers(ctx, accounts, c.Ledger.Users); err != nil {
		_ = accounts.Close()
		return nil, err
	}

	return accounts, nil
}

// SeedUsers creates the missing users of seeds. Existing accounts are left
// untouched.
func SeedUsers(ctx context.Context, accounts ledger.Accounts, seeds []UserConfig) error {
	for _, u := range seeds {
		_, err := accounts.GetUserID(ctx, u.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, dispense.ErrUnknownUser) {
			return err
		}

		flags := dispense.FlagUser
		if u.Flags != "" {
			if flags, err = dispense.ParseFlags(u.Flags); err != nil {
				return fmt.Errorf("config: user %s: %w", u.Name, err)
			}
		}

		uid, err := accounts.CreateUser(ctx, u.Name, flags)
		if err != nil {
			return fmt.Errorf("config: user %s: %w", u.Name, err)
		}
		if u.Balance != 0 {
			if err := accounts.SetBalance(ctx, uid, u.Balance, "initial balance"); err != nil {
				return err
			}
		}
		if u.Password != "" {
			if err := accounts.SetPassword(ctx, uid, u.Password); err != nil {
				return err
			}
		}
	}

	return nil
}
