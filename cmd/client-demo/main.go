// Command client-demo schedules the sample Greet orchestration against a
// running worker, waits for it to complete, and prints the result. Pass
// -purge-filter to purge terminal instances matching a YAML filter file
// instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	durabletask "github.com/jviau/durabletask-go"
	"github.com/jviau/durabletask-go/internal/client"
	"github.com/jviau/durabletask-go/internal/config"
	"github.com/jviau/durabletask-go/internal/corelog"
)

func main() {
	name := flag.String("name", "World", "name passed to the Greet orchestration")
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for completion")
	purgeFilter := flag.String("purge-filter", "", "path to a YAML instance filter; purge matches and exit")
	flag.Parse()

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

	rt, err := durabletask.NewRuntime(cfg, log)
	if err != nil {
		log.Fatal("failed to build runtime", zap.Error(err))
	}
	defer func() { _ = rt.Close() }()

	c := rt.Client()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *purgeFilter != "" {
		purge(ctx, c, *purgeFilter, log)
		return
	}

	instanceID, err := c.Schedule(ctx, "Greet", *name)
	if err != nil {
		log.Fatal("failed to schedule", zap.Error(err))
	}

	inst, err := c.WaitForCompletion(ctx, instanceID)
	if err != nil {
		log.Fatal("failed waiting for completion", zap.Error(err))
	}

	fmt.Printf("instance %s finished with status %s\n", instanceID, inst.Status)
	if inst.Failure != nil {
		fmt.Printf("failure: %s: %s\n", inst.Failure.ErrorType, inst.Failure.Message)
		os.Exit(1)
	}
	fmt.Printf("output: %s\n", inst.Output)
}

func purge(ctx context.Context, c *client.Client, path string, log *corelog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal("failed to read filter file", zap.Error(err))
	}
	filter, err := client.ParseFilterYAML(data)
	if err != nil {
		log.Fatal("failed to parse filter", zap.Error(err))
	}
	count, err := c.PurgeBy(ctx, filter)
	if err != nil {
		log.Fatal("failed to purge", zap.Error(err))
	}
	fmt.Printf("purged %d instances\n", count)
}
