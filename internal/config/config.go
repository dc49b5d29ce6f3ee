// Package config implements CrimsonCache's configuration file parser (spec
// §6): "key value" lines, "#" comments, unknown keys ignored, defaults for
// anything unset.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Concurrency selects the concurrency driver (spec §4.I).
type Concurrency string

const (
	ConcurrencyThreaded  Concurrency = "threaded"
	ConcurrencyEventloop Concurrency = "eventloop"
)

// Config holds every tunable from spec §6's configuration file, each with
// the reference implementation's default.
type Config struct {
	Port        int
	Concurrency Concurrency
	MaxClients  int
	LogFile     string
	SaveSeconds int
	SaveChanges int
	BufferSize  int
	MaxEvents   int
}

// Default returns the configuration the reference server boots with when
// no config file is given, matching config.c's load_default_config.
func Default() Config {
	return Config{
		Port:        6379,
		Concurrency: ConcurrencyThreaded,
		MaxClients:  100,
		LogFile:     "crimsoncache.log",
		SaveSeconds: 300,
		SaveChanges: 1000,
		BufferSize:  1024,
		MaxEvents:   64,
	}
}

// Load reads path into a Config seeded with Default(). A missing file is a
// warning, not a fatal error: the caller gets the defaults back with a
// non-nil error the caller may choose to just log (mirrors
// load_config_from_file's "not a fatal error" contract).
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: could not open %s, using defaults: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue // malformed line, skip per spec
		}
		key := strings.TrimSpace(fields[0])
		value := strings.TrimSpace(fields[1])
		cfg.apply(key, value)
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(key, value string) {
	switch strings.ToLower(key) {
	case "port":
		if n, err := strconv.Atoi(value); err == nil {
			c.Port = n
		}
	case "concurrency":
		if strings.EqualFold(value, "eventloop") {
			c.Concurrency = ConcurrencyEventloop
		} else {
			c.Concurrency = ConcurrencyThreaded
		}
	case "maxclients":
		if n, err := strconv.Atoi(value); err == nil {
			c.MaxClients = n
		}
	case "logfile":
		c.LogFile = value
	case "saveseconds":
		if n, err := strconv.Atoi(value); err == nil {
			c.SaveSeconds = n
		}
	case "savechanges":
		if n, err := strconv.Atoi(value); err == nil {
			c.SaveChanges = n
		}
	case "buffer_size":
		if n, err := strconv.Atoi(value); err == nil {
			c.BufferSize = n
		}
	case "max_events":
		if n, err := strconv.Atoi(value); err == nil {
			c.MaxEvents = n
		}
	}
	// unknown keys are silently ignored, per spec §6
}

// Validate checks the loaded configuration for values that would make the
// server unable to start or behave sensibly.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("maxClients must be > 0, got %d", c.MaxClients)
	}
	if c.Concurrency != ConcurrencyThreaded && c.Concurrency != ConcurrencyEventloop {
		return fmt.Errorf("concurrency must be threaded or eventloop, got %q", c.Concurrency)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be > 0, got %d", c.BufferSize)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("max_events must be > 0, got %d", c.MaxEvents)
	}
	return nil
}

// Print logs configuration for debugging in a human-readable format.
func (c *Config) Print() {
	fmt.Println("=== CrimsonCache Configuration ===")
	fmt.Printf("Port:         %d\n", c.Port)
	fmt.Printf("Concurrency:  %s\n", c.Concurrency)
	fmt.Printf("MaxClients:   %d\n", c.MaxClients)
	fmt.Printf("LogFile:      %s\n", c.LogFile)
	fmt.Printf("SaveSeconds:  %d\n", c.SaveSeconds)
	fmt.Printf("SaveChanges:  %d\n", c.SaveChanges)
	fmt.Printf("BufferSize:   %d\n", c.BufferSize)
	fmt.Printf("MaxEvents:    %d\n", c.MaxEvents)
	fmt.Println("===================================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("concurrency", string(c.Concurrency)).
		Int("max_clients", c.MaxClients).
		Str("log_file", c.LogFile).
		Int("save_seconds", c.SaveSeconds).
		Int("save_changes", c.SaveChanges).
		Int("buffer_size", c.BufferSize).
		Int("max_events", c.MaxEvents).
		Msg("configuration loaded")
}
