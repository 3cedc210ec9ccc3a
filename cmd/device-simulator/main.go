package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zoff-tech/go-devicesim/pkg/broker"
	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
	"github.com/zoff-tech/go-devicesim/pkg/journal"
	"github.com/zoff-tech/go-devicesim/pkg/simulator"
	"github.com/zoff-tech/go-devicesim/pkg/telemetry"
)

const (
	exitOK                = 0
	exitMissingCredential = 1
	exitFailure           = 2
)

// Swapped in tests.
var (
	configPath              = "./cmd/device-simulator"
	stdout        io.Writer = os.Stdout
	stderr        io.Writer = os.Stderr
	newDeviceClient         = broker.NewDeviceClient
	newJournal              = journal.NewJournal
)

func main() {
	os.Exit(run(context.Background()))
}

func run(ctx context.Context) int {
	// The credential is checked before anything else so that a missing
	// secret never leads to a connection attempt.
	raw, err := config.DeviceCredential()
	if err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			fmt.Fprintf(stderr, "Error: Environment variable '%s' is not set or is empty.\n", config.ConnectionStringEnv)
			return exitMissingCredential
		}
		fmt.Fprintln(stderr, "Error:", err)
		return exitFailure
	}

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintln(stderr, "Error loading configuration:", err)
		return exitFailure
	}

	logger := telemetry.NewLogger(cfg.Log, stdout)
	slog.SetDefault(logger)

	cs, err := credential.Parse(raw)
	if err != nil {
		logger.Error("Invalid device connection string", "error", err)
		return exitFailure
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability, cs.ClientID())
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		return exitFailure
	}
	defer shutdownTelemetry()

	j, err := newJournal(ctx, cfg.Journal)
	if err != nil {
		logger.Error("Failed to initialize journal", "error", err)
		return exitFailure
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Warn("Failed to close journal", "error", err)
		}
	}()

	// The connection outlives the interrupt context: the loops drain on
	// cancel and the client is closed explicitly below.
	client, err := newDeviceClient(context.WithoutCancel(ctx), &cfg.Broker, cs, cfg.ConsumerEnabled())
	if err != nil {
		logger.Error("Failed to connect device", "device", cs.ClientID(), "error", err)
		return exitFailure
	}

	runCtx, stop := simulator.WatchInterrupt(ctx, logger)
	defer stop()

	sim := simulator.NewSimulator(client, j, cfg, cs.ClientID(), logger)
	runErr := sim.Run(runCtx)

	if err := client.Close(); err != nil {
		logger.Warn("Failed to close device client", "error", err)
	}
	logger.Info("Message sender finished.")

	if runErr != nil {
		logger.Error("Simulator stopped with error", "error", runErr)
		return exitFailure
	}
	return exitOK
}
