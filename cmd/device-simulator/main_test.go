package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-devicesim/pkg/broker"
	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
	"github.com/zoff-tech/go-devicesim/pkg/journal"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

const testConnectionString = "HostName=hub.example.net;DeviceId=dev-1;SharedAccessKey=a2V5"

type countingClient struct {
	sendErr error
	closed  int
}

func (c *countingClient) SendEvent(ctx context.Context, msg *message.Outbound) error {
	return c.sendErr
}

func (c *countingClient) Receive(ctx context.Context, wait time.Duration) (*message.Inbound, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *countingClient) Complete(ctx context.Context, msg *message.Inbound) error { return nil }

func (c *countingClient) Close() error {
	c.closed++
	return nil
}

// withTestHooks swaps the package-level hooks and returns the output
// buffers plus a counter of connection attempts.
func withTestHooks(t *testing.T, client *countingClient) (out, errOut *bytes.Buffer, connects *int) {
	t.Helper()
	viper.Reset()

	origConfigPath, origStdout, origStderr := configPath, stdout, stderr
	origNewDeviceClient, origNewJournal := newDeviceClient, newJournal

	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	connects = new(int)
	configPath = "."
	stdout, stderr = out, errOut
	newDeviceClient = func(ctx context.Context, cfg *config.BrokerSettings, cs credential.ConnectionString, receive bool) (broker.DeviceClient, error) {
		*connects++
		return client, nil
	}
	newJournal = func(ctx context.Context, cfg config.JournalSettings) (journal.Journal, error) {
		return journal.Noop{}, nil
	}

	t.Cleanup(func() {
		configPath, stdout, stderr = origConfigPath, origStdout, origStderr
		newDeviceClient, newJournal = origNewDeviceClient, origNewJournal
		viper.Reset()
	})
	return out, errOut, connects
}

func TestRun_MissingCredential(t *testing.T) {
	client := &countingClient{}
	_, errOut, connects := withTestHooks(t, client)
	t.Setenv(config.ConnectionStringEnv, "")

	code := run(context.Background())

	assert.Equal(t, exitMissingCredential, code)
	assert.Equal(t, "Error: Environment variable 'IOTHUB_DEVICE_CONNECTION_STRING' is not set or is empty.\n", errOut.String())
	assert.Zero(t, *connects)
	assert.Zero(t, client.closed)
}

func TestRun_ImmediateCancelClosesOnce(t *testing.T) {
	client := &countingClient{}
	out, _, connects := withTestHooks(t, client)
	t.Setenv(config.ConnectionStringEnv, testConnectionString)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := run(ctx)

	require.Equal(t, exitOK, code)
	assert.Equal(t, 1, *connects)
	assert.Equal(t, 1, client.closed)
	assert.Contains(t, out.String(), "Message sending canceled.")
	assert.Contains(t, out.String(), "Message receiving canceled.")
	assert.Contains(t, out.String(), "Message sender finished.")
}

func TestRun_SendFailureExitsNonZero(t *testing.T) {
	client := &countingClient{sendErr: errors.New("connection refused")}
	out, _, connects := withTestHooks(t, client)
	t.Setenv(config.ConnectionStringEnv, testConnectionString)
	t.Setenv("SIMULATOR_ENABLE_CONSUMER", "false")

	code := run(context.Background())

	assert.Equal(t, exitFailure, code)
	assert.Equal(t, 1, *connects)
	assert.Equal(t, 1, client.closed)
	assert.Contains(t, out.String(), "connection refused")
	assert.Contains(t, out.String(), "Message sender finished.")
}

func TestRun_InvalidConnectionString(t *testing.T) {
	client := &countingClient{}
	_, _, connects := withTestHooks(t, client)
	t.Setenv(config.ConnectionStringEnv, "DeviceId=dev-1")

	code := run(context.Background())

	assert.Equal(t, exitFailure, code)
	assert.Zero(t, *connects)
}
