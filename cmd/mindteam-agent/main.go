// Package main implements a demo MindTeam agent offering a few simple
// capabilities (echo, sleep, fail_n_times) for exercising the orchestrator
// end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/registry"
	"github.com/mindteam/mindteam/internal/worker"
	"github.com/mindteam/mindteam/pkg/protocol"
)

func main() {
	name := flag.String("name", fmt.Sprintf("agent-%d", os.Getpid()), "node name")
	labels := flag.String("labels", "", "comma-separated key=value node labels")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect to the message broker
	busClient, err := bus.New(cfg.Broker, log)
	if err != nil {
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer busClient.Close()

	// 4. Build the worker and its capabilities
	w := worker.New(worker.Options{
		Name:              *name,
		NodeType:          registry.NodeTypeAgent,
		Labels:            parseLabels(*labels),
		Version:           "1.0.0",
		HeartbeatInterval: cfg.Registry.HeartbeatInterval(),
	}, busClient, log)

	w.RegisterHandler("echo", worker.HandlerFunc(echo))
	w.RegisterHandler("sleep", worker.HandlerFunc(sleep))

	var failures atomic.Int64
	w.RegisterHandler("fail_n_times", worker.HandlerFunc(failNTimes(&failures)))

	// 5. Announce and serve
	if err := w.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}
	log.Info("Agent running", zap.String("name", *name))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))
	w.Stop(context.Background())
}

func parseLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return labels
}

// echo returns its params back to the caller.
func echo(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	return map[string]any{"echo": params}, nil
}

// sleep pauses for the "seconds" parameter, honoring the command deadline.
func sleep(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	seconds, _ := params["seconds"].(float64)
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failNTimes fails the first "n" calls with a retryable error, then
// succeeds. Useful for demonstrating step retry policies.
func failNTimes(counter *atomic.Int64) worker.HandlerFunc {
	return func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		n, _ := params["n"].(float64)
		call := counter.Add(1)
		if call <= int64(n) {
			return nil, &protocol.Error{
				Code:      protocol.CodeInternal,
				Message:   fmt.Sprintf("simulated failure %d of %d", call, int64(n)),
				Retryable: true,
			}
		}
		return map[string]any{"succeeded_on_attempt": call}, nil
	}
}
