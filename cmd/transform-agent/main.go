// transform-agent is the entrypoint for model containers. It feeds the batch
// input to the model command, validates the prediction output, and writes the
// result file the runtime watcher collects.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aqpredict/internal/agent"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Transform failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	runner, err := agent.NewRunner(agent.LoadConfigFromEnv())
	if err != nil {
		return err
	}
	defer runner.Close()

	// SIGTERM from the runtime cancels the transform mid-flight.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx)
}
