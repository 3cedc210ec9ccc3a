package broker

import (
	"context"
	"errors"
	"time"

	"github.com/zoff-tech/go-devicesim/pkg/message"
)

var (
	// ErrUnknownLockToken is returned by Complete for a message that was
	// never received or has already been acknowledged.
	ErrUnknownLockToken = errors.New("unknown lock token")
	ErrClientClosed     = errors.New("device client closed")
)

// DeviceClient is a single device's connection to the broker. It must be
// safe to call SendEvent, Receive and Complete from different goroutines.
type DeviceClient interface {
	// SendEvent publishes a device-to-cloud message.
	SendEvent(ctx context.Context, msg *message.Outbound) error
	// Receive waits up to wait for the next cloud-to-device message. It
	// returns (nil, nil) when nothing arrived in time.
	Receive(ctx context.Context, wait time.Duration) (*message.Inbound, error)
	// Complete acknowledges a received message so the broker drops it.
	Complete(ctx context.Context, msg *message.Inbound) error
	// Close cleans up any resources (connections).
	Close() error
}
