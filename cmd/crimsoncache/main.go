// Command crimsoncache is CrimsonCache's entrypoint: parse the CLI
// argument, load configuration, wire the keyspace/pub-sub/replication/
// dispatcher chain through internal/server.Core, pick a concurrency
// driver, and run until a signal asks it to stop: flag parse,
// automaxprocs side effect, config load+print, server construct+start,
// signal wait, shutdown.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/varunrmantri23/CrimsonCache/internal/config"
	"github.com/varunrmantri23/CrimsonCache/internal/logging"
	"github.com/varunrmantri23/CrimsonCache/internal/metrics"
	"github.com/varunrmantri23/CrimsonCache/internal/server"
)

// driver is the common surface both concurrency models (internal/server's
// threaded accept loop and internal/reactor's epoll loop) expose to main.
type driver interface {
	Run() error
	Shutdown()
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := loadConfig(os.Args)

	logger, err := logging.New(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crimsoncache: could not open log file: %v\n", err)
		return 1
	}

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting crimsoncache")
	cfg.Print()
	cfg.LogConfig(logger)

	mc := metrics.New()

	core, err := server.NewCore(cfg, logger, mc)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize core")
		return 1
	}

	d, err := newDriver(core, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start listener")
		return 1
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- d.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("signal received, shutting down")
	case err := <-runErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("driver exited with error")
			return 1
		}
	}

	d.Shutdown()
	logger.Info().Msg("crimsoncache stopped")
	return 0
}

// loadConfig implements spec §6's CLI contract: a bare numeric argument in
// 1..65535 overrides the default config's port; any other argument is
// treated as a config file path (a missing file warns and falls back to
// defaults); no argument loads the built-in defaults untouched.
func loadConfig(args []string) config.Config {
	if len(args) < 2 {
		return config.Default()
	}

	arg := args[1]
	if port, err := strconv.Atoi(arg); err == nil && port >= 1 && port <= 65535 {
		cfg := config.Default()
		cfg.Port = port
		return cfg
	}

	cfg, err := config.Load(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crimsoncache: %v\n", err)
	}
	return cfg
}
