package simulator

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// WatchInterrupt returns a context that is cancelled on SIGINT or
// SIGTERM. Registering the signals replaces Go's default
// exit-immediately behaviour so the loops can drain. stop releases the
// signal registration.
func WatchInterrupt(parent context.Context, logger *slog.Logger) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Exiting...", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
