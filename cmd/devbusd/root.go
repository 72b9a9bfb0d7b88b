package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devbus/devbus-go/pkg/config"
	"github.com/devbus/devbus-go/pkg/version"
)

type flags struct {
	config   string
	listen   string
	http     string
	logLevel string
	trace    string
	drivers  []string
	connect  []string
}

type runFunc func(ctx context.Context, cfg *config.Config) error

func newRootCmd(runner runFunc) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "devbusd",
		Short: "Device bus server",
		Long: `devbusd exposes hardware devices to local and remote clients.

Drivers are compiled in, loaded as Go plugins or run as subprocesses that
speak the bus protocol on stdin/stdout. Remote servers can be chained in,
either by address or automatically through mDNS.`,
		Version:       version.String(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &f, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runner(ctx, cfg)
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "configuration file")
	fl.StringVarP(&f.listen, "listen", "l", "", "protocol listen address (host:port)")
	fl.StringVar(&f.http, "http", "", "HTTP listen address; \"off\" disables HTTP")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fl.StringVar(&f.trace, "trace", "", "write a protocol trace to this file")
	fl.StringArrayVarP(&f.drivers, "driver", "d", nil, "load a driver by name or plugin path (repeatable)")
	fl.StringArrayVar(&f.connect, "connect", nil, "connect to a remote server, [name=]host[:port] (repeatable)")
	return cmd
}

// applyFlags overlays the flags that were set on cfg.
func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("listen") {
		host, port, err := net.SplitHostPort(f.listen)
		if err != nil {
			return fmt.Errorf("--listen: %w", err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--listen: invalid port %q", port)
		}
		cfg.Server.Host, cfg.Server.Port = host, n
	}
	if fl.Changed("http") {
		if f.http == "off" {
			cfg.HTTP.Enabled = false
		} else {
			cfg.HTTP.Enabled = true
			cfg.HTTP.Listen = f.http
		}
	}
	if fl.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if fl.Changed("trace") {
		cfg.Trace.File = f.trace
	}
	cfg.Drivers = append(cfg.Drivers, f.drivers...)
	for _, s := range f.connect {
		remote, err := config.ParseRemote(s)
		if err != nil {
			return fmt.Errorf("--connect: %w", err)
		}
		cfg.Servers = append(cfg.Servers, remote)
	}
	return nil
}
