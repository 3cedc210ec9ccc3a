package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool, opts ...option.ClientOption) (DeviceClient, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
// Pub/Sub authenticates with application default credentials; the
// connection string only names the device.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool, opts ...option.ClientOption) (DeviceClient, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return newPubSubBroker(ctx, client, settings, cs, receive), nil
}

type pubSubBroker struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription string
	device       credential.ConnectionString
	inbox        chan *pubsub.Message
	pending      *pendingAcks[*pubsub.Message]
	done         chan struct{}
	stopReceive  context.CancelFunc
	receiveErr   chan error
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

func newPubSubBroker(ctx context.Context, client *pubsub.Client, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) *pubSubBroker {
	subscription := settings.Subscription
	if subscription == "" {
		subscription = cs.DeviceID + "-devicebound"
	}

	p := &pubSubBroker{
		client:       client,
		topic:        client.Topic(settings.Topic),
		subscription: subscription,
		device:       cs,
		inbox:        make(chan *pubsub.Message, settings.InboxSize),
		pending:      newPendingAcks[*pubsub.Message](),
		done:         make(chan struct{}),
		stopReceive:  func() {},
		receiveErr:   make(chan error, 1),
	}

	if receive {
		recvCtx, cancel := context.WithCancel(ctx)
		p.stopReceive = cancel
		sub := client.Subscription(subscription)
		sub.ReceiveSettings.MaxOutstandingMessages = settings.InboxSize
		p.wg.Add(1)
		go p.runReceiver(recvCtx, sub)
	}
	return p
}

func (p *pubSubBroker) SendEvent(ctx context.Context, msg *message.Outbound) error {
	ctx, span := startSpan(ctx, "SendEvent", "pubsub", p.topic.ID(), "publish",
		semconv.MessagingDestinationKindKey.String("topic"),
		semconv.MessagingMessageIDKey.String(msg.ID),
	)
	defer span.End()

	attributes := map[string]string{
		"content-type":     msg.ContentType,
		"content-encoding": msg.ContentEncoding,
		"message-id":       msg.ID,
		"device-id":        p.device.ClientID(),
	}
	// Inject the trace context into the message attributes
	maps.Copy(attributes, traceHeaders(ctx))

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Body,
		Attributes: attributes,
	})
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("pubsub publish: %w", err)
	}

	span.SetAttributes(
		attribute.String("messaging.pubsub.server_id", serverID),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (p *pubSubBroker) Receive(ctx context.Context, wait time.Duration) (*message.Inbound, error) {
	select {
	case err := <-p.receiveErr:
		return nil, fmt.Errorf("pubsub receive: %w", err)
	default:
	}

	m, ok, err := awaitInbox(ctx, p.inbox, p.done, wait)
	if err != nil || !ok {
		return nil, err
	}

	_, span := startSpan(ctx, "Receive", "pubsub", p.subscription, "receive",
		semconv.MessagingMessageIDKey.String(m.ID),
	)
	defer span.End()

	props := make(map[string]string, len(m.Attributes))
	maps.Copy(props, m.Attributes)

	return &message.Inbound{
		ID:         m.ID,
		LockToken:  p.pending.put(m),
		Body:       m.Data,
		Properties: props,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (p *pubSubBroker) Complete(ctx context.Context, msg *message.Inbound) error {
	_, span := startSpan(ctx, "Complete", "pubsub", p.subscription, "process")
	defer span.End()

	m, ok := p.pending.take(msg.LockToken)
	if !ok {
		recordError(span, ErrUnknownLockToken)
		return ErrUnknownLockToken
	}
	m.Ack()
	return nil
}

func (p *pubSubBroker) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.stopReceive()
		p.wg.Wait()
		p.topic.Stop()
		err = p.client.Close()
	})
	return err
}

func (p *pubSubBroker) runReceiver(ctx context.Context, sub *pubsub.Subscription) {
	defer p.wg.Done()
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		select {
		case p.inbox <- m:
		case <-ctx.Done():
			m.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.receiveErr <- err
	}
}
