package controller

import (
	"context"
	"os/signal"
	"syscall"
	"time"
)

const (
	// ShutdownTimeout bounds the whole shutdown sequence.
	ShutdownTimeout = 30 * time.Second

	// LogFlushTimeout bounds the cloud log flush that opens shutdown.
	LogFlushTimeout = 5 * time.Second

	monitorStopTimeout = 10 * time.Second
)

// watchSignals derives a context that ends on SIGINT or SIGTERM. The loop
// only checks it between cycles, so a running cycle always completes.
func (c *Controller) watchSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// shutdownStep is one resource released during shutdown.
type shutdownStep struct {
	name string
	stop func(ctx context.Context) error
}

// shutdownSteps lists the resources to release, producers first: the
// monitor stops writing notifications and the executor container goes away
// before the tracer, status publisher and store close.
func (c *Controller) shutdownSteps() []shutdownStep {
	var steps []shutdownStep
	if c.monitor != nil && c.monitorStarted {
		steps = append(steps, shutdownStep{"background monitor", func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, monitorStopTimeout)
			defer cancel()
			return c.monitor.Stop(stopCtx)
		}})
	}
	if c.sandbox != nil {
		steps = append(steps, shutdownStep{"sandbox executor", func(ctx context.Context) error {
			c.sandbox.Stop(ctx)
			return nil
		}})
	}
	if c.tracer != nil {
		steps = append(steps, shutdownStep{"tracer", c.tracer.Stop})
	}
	if c.metadata != nil {
		steps = append(steps, shutdownStep{"status publisher", func(context.Context) error {
			return c.metadata.Close()
		}})
	}
	if c.store != nil {
		steps = append(steps, shutdownStep{"store", func(context.Context) error {
			return c.store.Close()
		}})
	}
	return steps
}

// gracefulShutdown releases every resource once. Each step runs even after
// an earlier one fails. The cloud logger closes last.
func (c *Controller) gracefulShutdown() {
	c.shutdownOnce.Do(func() {
		c.logInfo("Shutting down session %s after %d cycles", c.config.SessionID, c.cycle)

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		c.flushLogs(ctx)
		for _, step := range c.shutdownSteps() {
			if err := step.stop(ctx); err != nil {
				c.logWarning("failed to stop %s: %v", step.name, err)
			}
		}
		c.logInfo("Shutdown complete")

		if c.cloudLogger != nil {
			if err := c.cloudLogger.Close(); err != nil {
				c.logger.Printf("Warning: failed to close cloud logger: %v", err)
			}
		}
	})
}

// flushLogs pushes buffered cloud log entries, giving up after
// LogFlushTimeout.
func (c *Controller) flushLogs(ctx context.Context) {
	if c.cloudLogger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, LogFlushTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.cloudLogger.Flush() }()

	select {
	case err := <-done:
		if err != nil {
			c.logWarning("log flush failed: %v", err)
		}
	case <-ctx.Done():
		c.logWarning("log flush timed out, some entries may be lost")
	}
}
