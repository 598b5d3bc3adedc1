// pongd - authoritative Pong server.
//
// pongd runs a matchmaking lobby supervisor on a single public UDP port,
// spawns an isolated match worker per paired game, persists accounts and
// win/loss records in SQLite, exposes a read-only admin REST API, and
// publishes lobby lifecycle telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tullebulle/pingpong/internal/api"
	"github.com/tullebulle/pingpong/internal/cli"
	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/db"
	"github.com/tullebulle/pingpong/internal/events"
	"github.com/tullebulle/pingpong/internal/lobby"
	"github.com/tullebulle/pingpong/internal/scheduler"
	"github.com/tullebulle/pingpong/internal/telemetry"
	"github.com/tullebulle/pingpong/internal/util"
)

const (
	AppName    = "pongd"
	AppVersion = "1.0.0"
	Banner     = `
                              _
  _ __   ___  _ __   __ _  __| |
 | '_ \ / _ \| '_ \ / _' |/ _' |
 | |_) | (_) | | | | (_| | (_| |
 | .__/ \___/|_| |_|\__, |\__,_|
 |_|                |___/  v%s
 Authoritative Pong Server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured after config load.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting pongd")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// The supervisor's own store connection. Match workers open theirs
	// independently against the same database file.
	store, err := db.OpenUserStore(cfg.Database.Path, db.Options{
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
		MaxRetries:    cfg.Database.MaxRetries,
		RetryDelay:    time.Duration(cfg.Database.RetryDelaySec * float64(time.Second)),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open user store")
	}
	defer store.Close()

	supervisor := lobby.NewSupervisor(cfg, store, eventBus, util.ComponentLogger("supervisor"))

	apiServer := api.NewServer(cfg, eventBus, supervisor, store)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, store)
	cliHandler := cli.NewCLI(cfg, eventBus, supervisor, store)

	// Shutdown from the CLI goes through the event bus.
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, event events.Event) error {
		cancel()
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Task 1: lobby supervisor (the core of the server).
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.Server.Port).Msg("starting lobby supervisor")
		if err := supervisor.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("lobby supervisor failed")
			errCh <- fmt.Errorf("supervisor: %w", err)
		}
	}()

	// Task 2: REST API server.
	if cfg.API.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	// Task 3: MQTT telemetry.
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 4: background scheduler.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 5: interactive CLI.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	log.Info().Msg("pongd stopped")
}
