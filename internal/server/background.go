package server

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/varunrmantri23/CrimsonCache/internal/snapshot"
)

const (
	sweepInterval   = 1 * time.Second
	autosaveCheck   = 1 * time.Second
	metricsInterval = 2 * time.Second
	rssReportEvery  = 30 * time.Second
)

// startBackgroundWorkers launches the periodic jobs both concurrency
// drivers share: the expiry sweeper, the auto-save worker (spec §5's
// saveSeconds/saveChanges thresholds), a metrics gauge refresh, and,
// only when no maxMemory budget is configured, a process-RSS reporter.
// Every tick is submitted through pool so a panic in one job can't take
// the others down with it. wg is joined by Core.Shutdown before it stops
// the pool, so no loop can still be mid-submit against an already-closed
// pool queue.
func startBackgroundWorkers(ctx context.Context, core *Core, pool *workerPool, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() { defer wg.Done(); sweepLoop(ctx, core, pool) }()
	wg.Add(1)
	go func() { defer wg.Done(); autosaveLoop(ctx, core, pool) }()
	if core.Metrics != nil {
		wg.Add(1)
		go func() { defer wg.Done(); metricsLoop(ctx, core, pool) }()
	}
	if core.Keyspace.Stats().MaxMemory == 0 {
		wg.Add(1)
		go func() { defer wg.Done(); rssReportLoop(ctx, core, pool) }()
	}
}

func sweepLoop(ctx context.Context, core *Core, pool *workerPool) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.submit(func() {
				n := core.Keyspace.SweepExpired()
				if n > 0 && core.Metrics != nil {
					core.Metrics.ExpiredKeysTotal.Add(float64(n))
				}
			})
		}
	}
}

// autosaveLoop implements spec §5's persistence counters: a snapshot is
// written either saveSeconds after the previous one or once saveChanges
// writes have accumulated, whichever comes first. A zero threshold
// disables that trigger.
func autosaveLoop(ctx context.Context, core *Core, pool *workerPool) {
	cfg := core.Config
	if cfg.SaveSeconds <= 0 && cfg.SaveChanges <= 0 {
		return
	}
	ticker := time.NewTicker(autosaveCheck)
	defer ticker.Stop()

	lastSave := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dueByTime := cfg.SaveSeconds > 0 && time.Since(lastSave) >= time.Duration(cfg.SaveSeconds)*time.Second
			dueByChanges := cfg.SaveChanges > 0 && core.Dispatcher.ChangeCount() >= int64(cfg.SaveChanges)
			if !dueByTime && !dueByChanges {
				continue
			}
			lastSave = time.Now()
			trigger := "changes"
			if dueByTime {
				trigger = "interval"
			}
			pool.submit(func() {
				if err := snapshot.Save(core.Keyspace, snapshotPath); err != nil {
					core.Logger.Error().Err(err).Msg("autosave failed")
					return
				}
				core.Dispatcher.ResetChangeCount()
				if core.Metrics != nil {
					core.Metrics.SnapshotSavesTotal.WithLabelValues(trigger).Inc()
				}
			})
		}
	}
}

func metricsLoop(ctx context.Context, core *Core, pool *workerPool) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.submit(func() {
				stats := core.Keyspace.Stats()
				core.Metrics.ObserveKeyspace(stats.Used, stats.UsedMemory)
				replicas, offset := core.Repl.Stats()
				core.Metrics.ObserveReplication(replicas, offset)
			})
		}
	}
}

// rssReportLoop logs this process's resident set size through
// gopsutil/v3/process, the only substitute for an enforced maxMemory
// budget a keyspace with no configured limit gets — purely informational,
// it never triggers eviction itself (spec §4.B's eviction loop only runs
// against a configured budget).
func rssReportLoop(ctx context.Context, core *Core, pool *workerPool) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		core.Logger.Warn().Err(err).Msg("could not open self process handle for RSS reporting")
		return
	}
	ticker := time.NewTicker(rssReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.submit(func() {
				mem, err := proc.MemoryInfo()
				if err != nil {
					return
				}
				core.Logger.Debug().Uint64("rss_bytes", mem.RSS).Msg("process memory (no maxmemory budget configured)")
			})
		}
	}
}
