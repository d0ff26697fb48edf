package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-dispense/coke"
	"github.com/arloliu/go-dispense/config"
	"github.com/arloliu/go-dispense/dispense"
	"github.com/arloliu/go-dispense/door"
	"github.com/arloliu/go-dispense/ledger"
	"github.com/arloliu/go-dispense/logger"
	"github.com/arloliu/go-dispense/metrics"
	"github.com/arloliu/go-dispense/server"
)

func newStartCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dispense server",
		Long: `Start the dispense server in the foreground.

The server listens for protocol clients, drives the enabled device handlers
and serves the admin API (health, status and metrics) when enabled. It shuts
down gracefully on SIGINT or SIGTERM.`,
		Example: "  dispsrv start --config /etc/dispense/dispsrv.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(configFile)
			if err != nil {
				return err
			}

			l, err := cfg.Logging.NewLogger()
			if err != nil {
				return err
			}
			logger.SetLogger(l)
			l.Info("configuration loaded", "source", configSource(configFile))

			return run(cmd.Context(), cfg, l, nil)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to the configuration file (defaults and environment only when empty)")

	return cmd
}

func configSource(path string) string {
	if path == "" {
		return "defaults"
	}

	return path
}

// instance is a running server with its collaborators.
type instance struct {
	srv      *server.Server
	admin    *http.Server
	adminLn  net.Listener
	accounts ledger.Accounts
	coke     *coke.Handler
}

// run starts the server described by cfg and blocks until ctx is done.
// ready, if not nil, is called once everything listens.
func run(ctx context.Context, cfg *config.ServerConfig, l logger.Logger, ready func(*instance)) error {
	inst, err := start(ctx, cfg, l)
	if err != nil {
		return err
	}

	adminDone := make(chan error, 1)
	if inst.admin != nil {
		go func() {
			adminDone <- inst.admin.Serve(inst.adminLn)
		}()
		l.Info("admin API listening", "address", inst.adminLn.Addr().String())
	}

	l.Info("server is running", "address", inst.srv.Addr().String())
	if ready != nil {
		ready(inst)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		l.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-adminDone:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("admin API: %w", err)
			l.Error("admin API failed", "error", err)
		}
	}

	if err := inst.shutdown(cfg.ShutdownTimeout, l); err != nil && serveErr == nil {
		serveErr = err
	}

	return serveErr
}

// start opens the ledger, initialises the handlers and starts the listeners.
func start(ctx context.Context, cfg *config.ServerConfig, l logger.Logger) (*instance, error) {
	if cfg.Admin.Enabled && cfg.Admin.Metrics {
		metrics.InitRegistry()
	}
	devMetrics := metrics.NewDeviceMetrics()

	accounts, err := cfg.OpenLedger(ctx, l)
	if err != nil {
		return nil, err
	}
	inst := &instance{accounts: accounts}

	registry := dispense.NewRegistry(l)
	if cfg.Coke.Enabled {
		h, err := coke.New(cfg.CokeOptions(l.With("handler", "coke"), devMetrics)...)
		if err != nil {
			_ = accounts.Close()
			return nil, err
		}
		if err := registry.Register(h); err != nil {
			_ = accounts.Close()
			return nil, err
		}
		inst.coke = h
	}
	if cfg.Door.Enabled {
		h, err := door.New(cfg.DoorOptions(accounts, l.With("handler", "door"), devMetrics)...)
		if err != nil {
			inst.closeDevices(l)
			return nil, err
		}
		if err := registry.Register(h); err != nil {
			inst.closeDevices(l)
			return nil, err
		}
	}

	for name, err := range registry.InitAll(ctx) {
		l.Warn("handler unavailable", "handler", name, "error", err)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		inst.closeDevices(l)
		return nil, err
	}

	srvCfg, err := server.NewConfig(cfg.ServerOptions(l, metrics.NewServerMetrics())...)
	if err != nil {
		inst.closeDevices(l)
		return nil, err
	}
	srv, err := server.New(catalog, registry, accounts, srvCfg)
	if err != nil {
		inst.closeDevices(l)
		return nil, err
	}
	if err := srv.Start(ctx); err != nil {
		inst.closeDevices(l)
		return nil, err
	}
	inst.srv = srv

	if cfg.Admin.Enabled {
		ln, err := net.Listen("tcp", cfg.Admin.Address)
		if err != nil {
			_ = srv.Close()
			inst.closeDevices(l)
			return nil, fmt.Errorf("admin API: %w", err)
		}
		inst.adminLn = ln
		inst.admin = &http.Server{
			Handler:           srv.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return inst, nil
}

// shutdown stops the admin API and the server within timeout, then releases
// the devices and the ledger.
func (inst *instance) shutdown(timeout time.Duration, l logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if inst.admin != nil {
		if err := inst.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin API shutdown: %w", err))
		}
	}

	done := make(chan error, 1)
	go func() { done <- inst.srv.Close() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server shutdown: %w", ctx.Err()))
	}

	inst.closeDevices(l)
	if len(errs) == 0 {
		l.Info("server stopped gracefully")
	}

	return errors.Join(errs...)
}

func (inst *instance) closeDevices(l logger.Logger) {
	if inst.coke != nil {
		if err := inst.coke.Close(); err != nil {
			l.Warn("coke handler close failed", "error", err)
		}
	}
	if err := inst.accounts.Close(); err != nil {
		l.Warn("ledger close failed", "error", err)
	}
}
