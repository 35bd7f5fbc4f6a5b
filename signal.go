package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitAbandoned is the exit status when the operator forces the process
// down while sync jobs are still running (128 + SIGINT).
const exitAbandoned = 130

// shutdownContext derives the context that bounds a sync run. An interrupt
// or SIGTERM cancels it, so running jobs give up before Advancing and every
// watermark keeps its stored position. Asking a second time exits at once.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	stops := make(chan os.Signal, 1)
	signal.Notify(stops, os.Interrupt, syscall.SIGTERM)

	go awaitStop(parent, ctx, cancel, stops, logger)

	return ctx
}

func awaitStop(parent, ctx context.Context, cancel context.CancelFunc, stops chan os.Signal, logger *slog.Logger) {
	defer signal.Stop(stops)

	select {
	case <-ctx.Done():
		return
	case sig := <-stops:
		logger.Info("stopping: jobs in flight keep their watermarks",
			slog.String("signal", sig.String()),
		)
		cancel()
	}

	select {
	case <-parent.Done():
	case sig := <-stops:
		logger.Warn("stop repeated, abandoning sync jobs",
			slog.String("signal", sig.String()),
		)
		os.Exit(exitAbandoned)
	}
}
