package orch

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Whiteboard/internal/app"
	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/metrics"
)

type Config struct {
	Heartbeat time.Duration
	Registry  app.RegistryConfig
	Sync      app.SyncConfig
	Policy    app.Policy
}

// Orchestrator composes the room engine for the transport adapters.
type Orchestrator struct {
	Registry *app.Registry
	Manager  *app.Manager
	Bus      *app.Bus
	Sync     *app.Syncer
}

func New(store core.Store, clock clockwork.Clock, m *metrics.Metrics, cfg Config) *Orchestrator {
	if m == nil {
		m = metrics.Noop()
	}
	sync := app.NewSyncer(store, clock, m, cfg.Sync)
	registry := app.NewRegistry(store, sync, clock, m, cfg.Registry)
	bus := app.NewBus(cfg.Policy, sync, clock, m)
	manager := app.NewManager(registry, bus, sync, clock, m, cfg.Heartbeat)

	o := &Orchestrator{Registry: registry, Manager: manager, Bus: bus, Sync: sync}
	if err := m.ObserveLive(
		func() int { return o.Stats().Rooms },
		func() int { return o.Stats().Connections },
	); err != nil {
		log.Warn().Str("module", "app.orch").Err(err).Msg("live gauges not registered")
	}
	return o
}

func (o *Orchestrator) Start() {
	o.Sync.Start()
}

func (o *Orchestrator) Stats() app.Stats {
	return o.Registry.Stats()
}

// Shutdown keeps durable records, tells every client the server is going
// away and flushes queued checkpoints.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Registry.Close()
	o.Manager.CloseAll(core.CloseGoingAway, "server shutting down")
	err := o.Sync.Stop(ctx)
	log.Info().Str("module", "app.orch").Err(err).Msg("engine stopped")
	return err
}
