package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

// RabbitMQBrokerCreator defines a function type for creating AMQP device clients.
type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) (DeviceClient, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) (DeviceClient, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := newRabbitMqBroker(settings, cs, receive)

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	consumerChannel amqpChannel
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	device          credential.ConnectionString
	receive         bool
	exchange        string
	routingKey      string
	queue           string
	inbox           chan amqp.Delivery
	pending         *pendingAcks[amqp.Delivery]
	reconnectTicker *time.Ticker
	done            chan struct{}
	closeOnce       sync.Once
}

func newRabbitMqBroker(settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) *rabbitMqBroker {
	queue := settings.Queue
	if queue == "" {
		queue = "devices." + cs.ClientID() + ".devicebound"
	}
	return &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		device:          cs,
		receive:         receive,
		exchange:        settings.Exchange,
		routingKey:      "devices." + cs.ClientID() + ".events",
		queue:           queue,
		inbox:           make(chan amqp.Delivery, settings.InboxSize),
		pending:         newPendingAcks[amqp.Delivery](),
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		done:            make(chan struct{}),
	}
}

func (r *rabbitMqBroker) SendEvent(ctx context.Context, msg *message.Outbound) error {
	ctx, span := startSpan(ctx, "SendEvent", "rabbitmq", r.exchange, "publish",
		semconv.MessagingDestinationKindKey.String("topic"),
		semconv.MessagingRabbitmqRoutingKeyKey.String(r.routingKey),
		semconv.MessagingMessageIDKey.String(msg.ID),
	)
	defer span.End()

	// Convert headers to amqp.Table
	headers := map[string]string{"device-id": r.device.ClientID()}
	maps.Copy(headers, traceHeaders(ctx))
	amqpHeaders := make(amqp.Table)
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		recordError(span, err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.exchange, r.routingKey, false, false,
		amqp.Publishing{
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			MessageId:       msg.ID,
			Timestamp:       msg.CreatedAt,
			DeliveryMode:    amqp.Persistent,
			Body:            msg.Body,
			Headers:         amqpHeaders,
		},
	)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("amqp publish: %w", err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (r *rabbitMqBroker) Receive(ctx context.Context, wait time.Duration) (*message.Inbound, error) {
	d, ok, err := awaitInbox(ctx, r.inbox, r.done, wait)
	if err != nil || !ok {
		return nil, err
	}

	_, span := startSpan(ctx, "Receive", "rabbitmq", r.queue, "receive",
		semconv.MessagingMessageIDKey.String(d.MessageId),
	)
	defer span.End()

	props := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		props[k] = fmt.Sprint(v)
	}
	if d.ContentType != "" {
		props["content-type"] = d.ContentType
	}

	return &message.Inbound{
		ID:         d.MessageId,
		LockToken:  r.pending.put(d),
		Body:       d.Body,
		Properties: props,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (r *rabbitMqBroker) Complete(ctx context.Context, msg *message.Inbound) error {
	_, span := startSpan(ctx, "Complete", "rabbitmq", r.queue, "process")
	defer span.End()

	d, ok := r.pending.take(msg.LockToken)
	if !ok {
		recordError(span, ErrUnknownLockToken)
		return ErrUnknownLockToken
	}
	if err := d.Ack(false); err != nil {
		recordError(span, err)
		return fmt.Errorf("amqp ack: %w", err)
	}
	return nil
}

func (r *rabbitMqBroker) Close() error {
	var err error
	r.closeOnce.Do(func() {
		// Stop the connection recovery goroutine
		close(r.done)
		r.reconnectTicker.Stop()

		r.mu.Lock()
		defer r.mu.Unlock()

		r.drainPool()
		if r.consumerChannel != nil {
			r.consumerChannel.Close()
		}

		// Close the connection
		if r.connection != nil {
			err = r.connection.Close()
		}
	})
	return err
}

// dialURL builds the AMQP URL with a freshly signed password, so every
// reconnect presents a valid token.
func (r *rabbitMqBroker) dialURL() (string, error) {
	password, err := brokerPassword(r.settings, r.device, time.Now())
	if err != nil {
		return "", err
	}
	scheme := "amqp"
	if r.settings.TLS {
		scheme = "amqps"
	}
	port := brokerPort(r.settings, 5671, 5672)
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(r.device.ClientID(), password),
		Host:   net.JoinHostPort(r.device.Endpoint(), strconv.Itoa(port)),
		Path:   "/",
	}
	return u.String(), nil
}

// forwardDeliveries copies deliveries into the inbox until the consumer
// channel closes (the reconnect loop starts a new one) or the broker is closed.
func (r *rabbitMqBroker) forwardDeliveries(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				slog.Warn("amqp delivery channel closed", "queue", r.queue)
				return
			}
			select {
			case r.inbox <- d:
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}
