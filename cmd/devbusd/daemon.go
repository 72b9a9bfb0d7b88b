package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/devbus/devbus-go/internal/logging"
	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/config"
	"github.com/devbus/devbus-go/pkg/discovery"
	"github.com/devbus/devbus-go/pkg/metrics"
	"github.com/devbus/devbus-go/pkg/mqttbridge"
	"github.com/devbus/devbus-go/pkg/server"
	"github.com/devbus/devbus-go/pkg/supervisor"
	"github.com/devbus/devbus-go/pkg/timer"
	"github.com/devbus/devbus-go/pkg/version"
)

const shutdownTimeout = 10 * time.Second

// daemon holds the running components in start order.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	trace  *logging.Trace

	metrics *metrics.Registry
	timers  *timer.Engine
	bus     *bus.Bus
	sup     *supervisor.Supervisor

	server  *server.Server
	http    *server.HTTP
	bridge  *mqttbridge.Bridge
	browser *discovery.Browser
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Logging, version.Build())
	slog.SetDefault(logger)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}
	logger.Info("devbusd started", "version", version.Build(), "name", d.name())

	<-ctx.Done()
	logger.Info("shutting down")
	return d.shutdown()
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	trace, err := logging.NewTrace(cfg.Trace, logger)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	d := &daemon{cfg: cfg, logger: logger, trace: trace, metrics: metrics.New()}

	d.timers = timer.NewEngine(timer.Config{
		OccupiedWait:   cfg.Timers.OccupiedWait,
		MaxIdleWorkers: cfg.Timers.MaxIdleWorkers,
		Logger:         logger,
	})
	d.bus = bus.New(bus.Config{
		MaxDevices: cfg.Bus.MaxDevices,
		MaxClients: cfg.Bus.MaxClients,
		Logger:     logger,
		Trace:      trace.Logger,
		Metrics:    d.metrics,
	})
	d.sup = supervisor.New(supervisor.Config{
		Bus:       d.bus,
		Timers:    d.timers,
		LocalName: d.name(),
		Logger:    logger,
		Trace:     trace.Logger,
	})
	if err := d.metrics.AttachTimers(d.timers); err != nil {
		return nil, err
	}
	if err := d.metrics.AttachSupervisor(d.sup); err != nil {
		return nil, err
	}

	scfg := server.Config{
		Name:           d.name(),
		Address:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		MaxConnections: cfg.Server.MaxConnections,
		Bus:            d.bus,
		Trace:          trace.Logger,
		Logger:         logger,
	}
	if cfg.Discovery.Advertise {
		acfg := discovery.DefaultAdvertiserConfig()
		acfg.Interface = cfg.Discovery.Interface
		acfg.Logger = logger
		scfg.Advertiser = discovery.NewAdvertiser(acfg)
	}
	if d.server, err = server.New(scfg); err != nil {
		return nil, err
	}
	if cfg.HTTP.Enabled {
		d.http = server.NewHTTP(d.server, server.HTTPConfig{
			Address:       cfg.HTTP.Listen,
			WebSocketPath: cfg.HTTP.WebSocketPath,
			MetricsPath:   cfg.HTTP.MetricsPath,
			Metrics:       d.metrics.Handler(),
			Version:       version.Build(),
		})
	}
	if cfg.MQTT.Enabled {
		d.bridge, err = mqttbridge.New(mqttbridge.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      byte(cfg.MQTT.QoS),
			Bus:      d.bus,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Discovery.AutoConnect {
		bcfg := discovery.DefaultBrowserConfig()
		bcfg.Interface = cfg.Discovery.Interface
		bcfg.Logger = logger
		d.browser = discovery.NewBrowser(bcfg)
	}
	return d, nil
}

// name is the advertised server name.
func (d *daemon) name() string {
	if d.cfg.Server.Name != "" {
		return d.cfg.Server.Name
	}
	host, err := os.Hostname()
	if err != nil {
		return "devbus"
	}
	return host
}

// start brings components up bottom-up: bus, drivers, remote sources, then
// the client-facing listeners.
func (d *daemon) start(ctx context.Context) error {
	d.bus.Start()

	for _, name := range d.cfg.Drivers {
		if _, err := d.sup.Drivers.Load(ctx, name, true); err != nil {
			return fmt.Errorf("driver %s: %w", name, err)
		}
	}
	for _, sp := range d.cfg.Subprocesses {
		if _, err := d.sup.Subprocesses.Start(ctx, sp.Executable, sp.Args...); err != nil {
			return fmt.Errorf("subprocess %s: %w", sp.Executable, err)
		}
	}
	for _, r := range d.cfg.Servers {
		if _, err := d.sup.Servers.ConnectID(ctx, r.Name, r.Host, r.Port, r.ID); err != nil {
			return fmt.Errorf("server %s: %w", r.Host, err)
		}
	}
	if d.browser != nil {
		if err := supervisor.AutoConnect(ctx, d.browser, d.sup.Servers); err != nil {
			// Explicitly configured servers still work.
			d.logger.Warn("mdns browse failed", "error", err)
			d.browser = nil
		}
	}

	if err := d.server.Start(ctx); err != nil {
		return err
	}
	if d.http != nil {
		if err := d.http.Start(); err != nil {
			return err
		}
		d.logger.Info("http listening", "addr", d.http.Addr().String())
	}
	if d.bridge != nil {
		if err := d.bridge.Start(ctx); err != nil {
			d.logger.Warn("mqtt bridge disabled", "error", err)
			d.bridge = nil
		}
	}
	return nil
}

// shutdown stops components top-down.
func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if d.http != nil && d.http.Addr() != nil {
		errs = append(errs, d.http.Shutdown(ctx))
	}
	errs = append(errs, d.server.Stop())
	if d.bridge != nil {
		errs = append(errs, d.bridge.Stop(ctx))
	}
	if d.browser != nil {
		d.browser.Stop()
	}
	errs = append(errs, d.sup.Shutdown(ctx))
	d.bus.Stop(ctx)
	d.timers.Close()
	errs = append(errs, d.trace.Close())

	if dropped := d.trace.Dropped(); dropped > 0 {
		d.logger.Warn("trace events dropped", "count", dropped)
	}
	return errors.Join(errs...)
}
