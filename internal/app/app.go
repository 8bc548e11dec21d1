// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DefaultShutdownTimeout bounds the graceful shutdown.
const DefaultShutdownTimeout = 15 * time.Second

// Service is a long-running server with a graceful stop.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Task is a background loop that runs until its context ends.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run executes the main application lifecycle. It starts the service and the
// background tasks, waits for an OS signal or for ctx to end, and performs a
// graceful shutdown. A failing service or task triggers the shutdown too.
func Run(ctx context.Context, logger zerolog.Logger, shutdownTimeout time.Duration, svc Service, tasks ...Task) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		runErrs error
	)
	fail := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		logger.Error().Err(err).Str("component", name).Msg("Component failed, initiating shutdown.")
		mu.Lock()
		runErrs = multierr.Append(runErrs, err)
		mu.Unlock()
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting API Service...")
		fail("api", svc.Start(ctx))
	}()

	// Tasks stop on a separate context so they keep running while the
	// service drains.
	taskCtx, stopTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTasks()
	var taskWG sync.WaitGroup
	for _, t := range tasks {
		taskWG.Add(1)
		go func() {
			defer taskWG.Done()
			logger.Debug().Str("task", t.Name).Msg("Starting background task.")
			fail(t.Name, t.Run(taskCtx))
		}()
	}

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down API Service...")
	shutdownErr := svc.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("API Service shutdown failed.")
	}
	wg.Wait()

	stopTasks()
	taskWG.Wait()

	mu.Lock()
	defer mu.Unlock()
	if err := multierr.Append(runErrs, shutdownErr); err != nil {
		return err
	}
	logger.Info().Msg("All services shut down gracefully.")
	return nil
}
