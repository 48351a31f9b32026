// Package main is the entry point for the MindTeam orchestrator service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/artifact"
	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/common/tracing"
	"github.com/mindteam/mindteam/internal/orchestrator"
	"github.com/mindteam/mindteam/internal/orchestrator/card"
	"github.com/mindteam/mindteam/internal/registry"
)

func main() {
	cardPath := flag.String("card", "", "process card to execute; without it the service runs until signalled")
	inputJSON := flag.String("input", "{}", "JSON input parameters for the card")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestrator service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing (no-op unless an endpoint is configured)
	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}
	defer tracing.Shutdown(context.Background())

	// 4. Connect to the message broker
	busClient, err := bus.New(cfg.Broker, log)
	if err != nil {
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer busClient.Close()
	log.Info("Connected to broker", zap.String("kind", cfg.Broker.Kind))

	// 5. Start the node registry and its bus bridge
	reg := registry.New(registry.Options{
		TTL:             cfg.Registry.TTL(),
		CleanupInterval: cfg.Registry.CleanupInterval(),
	}, log)
	regService := registry.NewService(reg, busClient, "orchestrator", log)
	if err := regService.Start(ctx); err != nil {
		log.Fatal("Failed to start registry service", zap.Error(err))
	}
	defer regService.Stop()

	// 6. Open the artifact store and restore consistency
	store, err := artifact.NewStore(cfg.Artifact, log)
	if err != nil {
		log.Fatal("Failed to open artifact store", zap.Error(err))
	}
	defer store.Close()
	if err := store.Recover(ctx); err != nil {
		log.Fatal("Artifact recovery failed", zap.Error(err))
	}
	if _, err := store.CleanupTemp(cfg.Artifact.TempMaxAge()); err != nil {
		log.Warn("Temp cleanup failed", zap.Error(err))
	}

	// 7. Start the reply queue consumer and the process engine
	requester := bus.NewRequester(busClient, cfg.Orchestrator.ReplyQueue, log)
	if err := requester.Start(); err != nil {
		log.Fatal("Failed to start reply consumer", zap.Error(err))
	}
	defer requester.Stop()

	dispatcher := orchestrator.NewBusDispatcher(busClient, requester, reg, "orchestrator", log)
	engine := orchestrator.New(dispatcher, cfg.Orchestrator, log)
	engine.AttachArtifactStore(store)

	log.Info("Orchestrator service started")

	// 8. One-shot card execution mode
	if *cardPath != "" {
		runCard(ctx, engine, *cardPath, *inputJSON, log)
		return
	}

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))
}

func runCard(ctx context.Context, engine *orchestrator.Engine, path, inputJSON string, log *logger.Logger) {
	c, err := card.Load(path)
	if err != nil {
		log.Fatal("Failed to load process card", zap.Error(err))
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		log.Fatal("Failed to parse input parameters", zap.Error(err))
	}

	inst, err := engine.ExecuteProcess(ctx, c, input)
	if err != nil {
		log.Fatal("Process failed to start", zap.Error(err))
	}

	out, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		log.Fatal("Failed to encode instance", zap.Error(err))
	}
	fmt.Println(string(out))

	if inst.Status != orchestrator.StatusCompleted {
		os.Exit(1)
	}
}
