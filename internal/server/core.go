// Package server implements CrimsonCache's threaded concurrency driver
// (spec §4.I): an accept loop that spawns one goroutine per
// connection, plus the background workers (expiry sweep, auto-save) both
// concurrency drivers share through Core, in the shape of an accept-loop
// server whose per-connection read/write paths are adapted from framed
// WebSocket handling to CrimsonCache's newline-terminated RESP dialect.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/varunrmantri23/CrimsonCache/internal/command"
	"github.com/varunrmantri23/CrimsonCache/internal/config"
	"github.com/varunrmantri23/CrimsonCache/internal/keyspace"
	"github.com/varunrmantri23/CrimsonCache/internal/logging"
	"github.com/varunrmantri23/CrimsonCache/internal/metrics"
	"github.com/varunrmantri23/CrimsonCache/internal/pubsub"
	"github.com/varunrmantri23/CrimsonCache/internal/replication"
	"github.com/varunrmantri23/CrimsonCache/internal/snapshot"
)

// snapshotPath is the fixed location of the persisted keyspace, matching
// spec §6's "dump.rdb in the working directory".
const snapshotPath = "dump.rdb"

// Core holds every piece both the threaded driver (this package) and the
// reactor driver (internal/reactor) dispatch through: the keyspace,
// pub/sub registry, replication engine, command dispatcher, and the
// logging/metrics/config triple. Building it here, once, keeps the two
// drivers from duplicating the wiring order load → engine → dispatcher →
// SetDispatcher. Background workers (sweep, auto-save, metrics refresh)
// also live here so either driver starts them with one call.
type Core struct {
	Keyspace   *keyspace.Keyspace
	PubSub     *pubsub.Registry
	Repl       *replication.Engine
	Dispatcher *command.Dispatcher
	Metrics    *metrics.Collector
	Logger     zerolog.Logger
	Config     config.Config

	pool *workerPool
	bgWG sync.WaitGroup
}

// NewCore builds a Core from cfg: loads any existing snapshot, constructs
// the keyspace/pub-sub/replication/dispatcher chain, and wires the
// dispatcher back into the replication engine (command.Dispatcher needs a
// Replication; replication.Engine needs a *command.Dispatcher to replay
// commands it streams from a primary).
func NewCore(cfg config.Config, logger zerolog.Logger, mc *metrics.Collector) (*Core, error) {
	maxMem := DefaultMaxMemory()
	ks := keyspace.New(1024, maxMem)

	if err := snapshot.Load(ks, snapshotPath); err != nil {
		return nil, fmt.Errorf("server: loading snapshot: %w", err)
	}

	reg := pubsub.New(logger, cfg.MaxClients)
	repl := replication.New(ks, cfg.Port, logger)
	dispatcher := command.New(ks, reg, snapshotPath, repl)
	repl.SetDispatcher(dispatcher)

	return &Core{
		Keyspace:   ks,
		PubSub:     reg,
		Repl:       repl,
		Dispatcher: dispatcher,
		Metrics:    mc,
		Logger:     logger,
		Config:     cfg,
		pool:       newWorkerPool(64, logger),
	}, nil
}

// StartBackgroundWorkers launches the expiry sweeper, auto-save worker,
// metrics refresh, and (when no maxMemory budget is configured) the
// process-RSS reporter, all running through Core's own worker pool. Safe
// to call from either concurrency driver.
func (c *Core) StartBackgroundWorkers(ctx context.Context) {
	c.pool.start(ctx, 4)
	startBackgroundWorkers(ctx, c, c.pool, &c.bgWG)
}

// DroppedTasks reports how many background-worker ticks were dropped
// because the pool's queue was full.
func (c *Core) DroppedTasks() int64 { return c.pool.droppedCount() }

// Shutdown stops the replica-side worker (if this node is a replica) and
// persists a final snapshot, following a drain-then-flush sequence. It
// joins the background-worker goroutines
// before stopping the pool, so none of them can still be mid-submit
// against an already-closed pool queue — callers must cancel the context
// passed to StartBackgroundWorkers before calling Shutdown.
func (c *Core) Shutdown() {
	c.bgWG.Wait()
	c.pool.stop()
	c.Repl.Stop()
	if err := snapshot.Save(c.Keyspace, snapshotPath); err != nil {
		c.Logger.Error().Err(err).Msg("final snapshot save failed")
	}
}

// RecoverPanic is a thin forwarding helper so driver code in this package
// and internal/reactor share one panic-recovery call shape.
func (c *Core) RecoverPanic(component string, fields map[string]any) {
	logging.RecoverPanic(c.Logger, component, fields)
}
