package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
)

// NewDeviceClient opens the device's single broker connection. receive
// controls whether the client subscribes for cloud-to-device messages.
func NewDeviceClient(ctx context.Context, cfg *config.BrokerSettings, cs credential.ConnectionString, receive bool) (DeviceClient, error) {
	switch cfg.Type {
	case "mqtt":
		return NewMqttBroker(ctx, cfg, cs, receive)
	case "amqp":
		return NewRabbitMqBroker(ctx, cfg, cs, receive)
	case "pubsub":
		return NewPubSubClient(ctx, cfg, cs, receive)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
