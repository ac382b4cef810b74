// Package scheduler triggers prediction runs on a fixed interval. One run per
// parameter at a time: a tick is skipped while an earlier run is still going,
// so a slow batch job never stacks up concurrent runs for the same data.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"aqpredict/internal/workflow"
)

// Starter is the slice of the workflow engine the scheduler needs.
type Starter interface {
	Start(ctx context.Context, parameter string, windowHours int) (*workflow.Execution, error)
	ActiveFor(parameter string) bool
}

// Config holds the trigger parameters.
type Config struct {
	Parameter   string
	WindowHours int
	Interval    time.Duration
}

// Scheduler runs the periodic trigger loop.
type Scheduler struct {
	cfg    Config
	runs   Starter
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler and starts its trigger loop.
func New(cfg Config, runs Starter) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		runs:   runs,
		logger: slog.With("component", "scheduler"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started",
		"parameter", s.cfg.Parameter,
		"windowHours", s.cfg.WindowHours,
		"interval", s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	if s.runs.ActiveFor(s.cfg.Parameter) {
		s.logger.Info("Run still active, skipping scheduled trigger", "parameter", s.cfg.Parameter)
		return
	}

	exec, err := s.runs.Start(ctx, s.cfg.Parameter, s.cfg.WindowHours)
	if err != nil {
		s.logger.Error("Scheduled run failed to start", "parameter", s.cfg.Parameter, "error", err)
		return
	}
	s.logger.Info("Scheduled run started", "runId", exec.ID, "parameter", exec.Parameter)
}

// Stop ends the trigger loop and waits for it to exit. Runs already started
// keep going; stopping the scheduler only stops new triggers.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
}
