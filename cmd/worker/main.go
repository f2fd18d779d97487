// Command worker runs a durable-task worker host: it loads configuration,
// wires storage and transport, registers the sample orchestrators and
// activities, and processes work items until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	durabletask "github.com/jviau/durabletask-go"
	"github.com/jviau/durabletask-go/internal/config"
	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := corelog.New(corelog.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	corelog.SetDefault(log)

	rt, err := durabletask.NewRuntime(cfg, log)
	if err != nil {
		log.Fatal("failed to build runtime", zap.Error(err))
	}
	defer func() { _ = rt.Close() }()

	worker := rt.Worker()
	registerSamples(worker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil {
		log.Error("worker exited with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.Shutdown(shutdownCtx)
}

// registerSamples wires the demo orchestrators and activities the
// client-demo command drives.
func registerSamples(w *durabletask.Worker) {
	w.RegisterActivity("SayHello", func(_ durabletask.ActivityContext, input string) (string, error) {
		var name string
		if err := json.Unmarshal([]byte(input), &name); err != nil {
			return "", fmt.Errorf("SayHello expects a string input: %w", err)
		}
		out, err := json.Marshal("Hello, " + name)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})

	w.RegisterOrchestrator("Greet", func(ctx *durabletask.OrchestrationContext, input string) (string, error) {
		return ctx.ScheduleActivity("SayHello", input).Await()
	})
}
