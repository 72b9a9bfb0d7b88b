package supervisor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/connection"
	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/timer"
)

// Config configures a Supervisor.
type Config struct {
	Bus    *bus.Bus
	Timers *timer.Engine

	// Catalog resolves driver names. Default: DefaultCatalog.
	Catalog *Catalog

	MaxDrivers      int
	MaxSubprocesses int
	MaxServers      int

	// SubprocessEnv is appended to the environment of every subprocess.
	SubprocessEnv []string

	// Dial overrides how servers are reached. Default: TCP.
	Dial DialFunc

	// Sleeper overrides the wait between respawns and reconnects.
	Sleeper connection.Sleeper

	// LocalName is the name this server advertises.
	LocalName string

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger

	// Trace receives state changes. If nil, tracing is disabled.
	Trace log.Logger
}

// Supervisor owns the three slot tables of a running server.
type Supervisor struct {
	Drivers      *Drivers
	Subprocesses *Subprocesses
	Servers      *Servers

	logger *slog.Logger
}

// New creates a supervisor with empty tables.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		Drivers: NewDrivers(DriversConfig{
			Catalog:    cfg.Catalog,
			Env:        Env{Bus: cfg.Bus, Timers: cfg.Timers, Logger: cfg.Logger},
			MaxDrivers: cfg.MaxDrivers,
			Logger:     cfg.Logger,
			Trace:      cfg.Trace,
		}),
		Subprocesses: NewSubprocesses(SubprocessesConfig{
			Bus:             cfg.Bus,
			MaxSubprocesses: cfg.MaxSubprocesses,
			Sleeper:         cfg.Sleeper,
			Env:             cfg.SubprocessEnv,
			Logger:          cfg.Logger,
			Trace:           cfg.Trace,
		}),
		Servers: NewServers(ServersConfig{
			Bus:        cfg.Bus,
			MaxServers: cfg.MaxServers,
			Sleeper:    cfg.Sleeper,
			Dial:       cfg.Dial,
			LocalName:  cfg.LocalName,
			Logger:     cfg.Logger,
			Trace:      cfg.Trace,
		}),
		logger: cfg.Logger,
	}
}

// Shutdown disconnects servers, kills subprocesses and removes drivers, in
// that order. Drivers that report bus.ErrBusy are removed again with
// ActionForceShutdown, so the driver table is empty when Shutdown returns.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Servers.DisconnectAll()
	s.Subprocesses.KillAll()

	err := s.Drivers.RemoveAll(ctx)
	if err == nil || !errors.Is(err, bus.ErrBusy) {
		return err
	}
	if s.logger != nil {
		s.logger.Info("supervisor: forcing driver shutdown", "error", err)
	}
	return s.Drivers.ForceRemoveAll(ctx)
}
