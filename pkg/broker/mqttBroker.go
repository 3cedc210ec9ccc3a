package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

const mqttAPIVersion = "2021-04-12"

var errNoMqttClient = errors.New("packet has no receiving client")

// mqttConnection is the subset of *autopaho.ConnectionManager the
// device client uses.
type mqttConnection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// mqttAcker sends the PUBACK for a packet. It is the *paho.Client that
// received the packet, which autopaho replaces on every reconnect.
type mqttAcker interface {
	Ack(pb *paho.Publish) error
}

// mqttDelivery pairs a received packet with the client that must ack it.
type mqttDelivery struct {
	packet *paho.Publish
	acker  mqttAcker
}

// MqttBrokerCreator defines a function type for creating MQTT device clients.
type MqttBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) (DeviceClient, error)

// NewMqttBroker connects over MQTT v5 with autopaho and waits for the
// first CONNACK. ctx bounds the lifetime of the connection manager, so
// it should outlive the publish and receive loops.
var NewMqttBroker MqttBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) (DeviceClient, error) {
	// Fail fast on a bad key; the builder below would only retry it.
	if _, err := brokerPassword(settings, cs, time.Now()); err != nil {
		return nil, err
	}

	serverURL := mqttServerURL(settings, cs)
	b := newMqttBroker(settings, cs, receive)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{serverURL},
		KeepAlive:  30,
		// A device without a consumer drops any session a duplex run left
		// behind, so stale C2D subscriptions are not redelivered.
		CleanStartOnInitialConnection: !receive,
		SessionExpiryInterval:         3600,
		ConnectUsername:               mqttUsername(cs),
		ConnectPacketBuilder:          mqttConnectPacketBuilder(settings, cs, time.Now),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			slog.Info("mqtt connected to broker", "broker", serverURL.Host, "device", cs.ClientID())
			if !receive {
				return
			}
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: b.c2dTopic, QoS: 1}},
			}); err != nil {
				slog.Warn("mqtt subscribe failed", "topic", b.c2dTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			slog.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID:                   cs.ClientID(),
			EnableManualAcknowledgment: true,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.onPublishReceived,
			},
		},
	}

	if settings.TLS {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cs.Endpoint(),
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, connCancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.conn = cm
	return b, nil
}

type mqttBroker struct {
	conn        mqttConnection
	eventsTopic string
	c2dTopic    string
	receive     bool
	inbox       chan mqttDelivery
	pending     *pendingAcks[mqttDelivery]
	done        chan struct{}
	closeOnce   sync.Once
}

func newMqttBroker(settings *config.BrokerSettings, cs credential.ConnectionString, receive bool) *mqttBroker {
	eventsTopic, c2dTopic := mqttTopics(settings, cs)
	return &mqttBroker{
		eventsTopic: eventsTopic,
		c2dTopic:    c2dTopic,
		receive:     receive,
		inbox:       make(chan mqttDelivery, settings.InboxSize),
		pending:     newPendingAcks[mqttDelivery](),
		done:        make(chan struct{}),
	}
}

// mqttConnectPacketBuilder signs a fresh password for every CONNECT, so
// reconnects after sas_token_ttl do not present an expired token.
func mqttConnectPacketBuilder(settings *config.BrokerSettings, cs credential.ConnectionString, now func() time.Time) func(*paho.Connect, *url.URL) (*paho.Connect, error) {
	return func(cp *paho.Connect, _ *url.URL) (*paho.Connect, error) {
		password, err := brokerPassword(settings, cs, now())
		if err != nil {
			return nil, err
		}
		cp.PasswordFlag = true
		cp.Password = []byte(password)
		return cp, nil
	}
}

func (b *mqttBroker) SendEvent(ctx context.Context, msg *message.Outbound) error {
	ctx, span := startSpan(ctx, "SendEvent", "mqtt", b.eventsTopic, "publish",
		semconv.MessagingMessageIDKey.String(msg.ID),
		semconv.MessagingMessagePayloadSizeBytesKey.Int(len(msg.Body)),
	)
	defer span.End()

	user := paho.UserProperties{
		{Key: "content-encoding", Value: msg.ContentEncoding},
		{Key: "message-id", Value: msg.ID},
	}
	for k, v := range traceHeaders(ctx) {
		user = append(user, paho.UserProperty{Key: k, Value: v})
	}

	utf8Payload := byte(1)
	_, err := b.conn.Publish(ctx, &paho.Publish{
		Topic:   b.eventsTopic + propertyBag(msg),
		QoS:     1,
		Payload: msg.Body,
		Properties: &paho.PublishProperties{
			ContentType:   msg.ContentType,
			PayloadFormat: &utf8Payload,
			User:          user,
		},
	})
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (b *mqttBroker) Receive(ctx context.Context, wait time.Duration) (*message.Inbound, error) {
	d, ok, err := awaitInbox(ctx, b.inbox, b.done, wait)
	if err != nil || !ok {
		return nil, err
	}
	pb := d.packet

	_, span := startSpan(ctx, "Receive", "mqtt", pb.Topic, "receive",
		semconv.MessagingMessagePayloadSizeBytesKey.Int(len(pb.Payload)),
	)
	defer span.End()

	props := make(map[string]string)
	if pb.Properties != nil {
		for _, up := range pb.Properties.User {
			props[up.Key] = up.Value
		}
		if pb.Properties.ContentType != "" {
			props["content-type"] = pb.Properties.ContentType
		}
	}

	return &message.Inbound{
		ID:         props["message-id"],
		LockToken:  b.pending.put(d),
		Body:       pb.Payload,
		Properties: props,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Complete sends the PUBACK that manual acknowledgment held back.
func (b *mqttBroker) Complete(ctx context.Context, msg *message.Inbound) error {
	_, span := startSpan(ctx, "Complete", "mqtt", b.c2dTopic, "process")
	defer span.End()

	d, ok := b.pending.take(msg.LockToken)
	if !ok {
		recordError(span, ErrUnknownLockToken)
		return ErrUnknownLockToken
	}
	if d.packet.QoS == 0 {
		return nil
	}
	if d.acker == nil {
		recordError(span, errNoMqttClient)
		return fmt.Errorf("mqtt ack: %w", errNoMqttClient)
	}
	if err := d.acker.Ack(d.packet); err != nil {
		recordError(span, err)
		return fmt.Errorf("mqtt ack: %w", err)
	}
	return nil
}

func (b *mqttBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = b.conn.Disconnect(ctx)
	})
	return err
}

// onPublishReceived hands packets to Receive. It blocks while the inbox
// is full, which stalls the connection until the consumer catches up.
// Without a consumer nothing is buffered and the packet stays unacked.
func (b *mqttBroker) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if !b.receive {
		return false, nil
	}
	var acker mqttAcker
	if pr.Client != nil {
		acker = pr.Client
	}
	return b.deliver(mqttDelivery{packet: pr.Packet, acker: acker}), nil
}

func (b *mqttBroker) deliver(d mqttDelivery) bool {
	select {
	case b.inbox <- d:
		return true
	case <-b.done:
		return false
	}
}

func mqttServerURL(settings *config.BrokerSettings, cs credential.ConnectionString) *url.URL {
	scheme := "mqtt"
	if settings.TLS {
		scheme = "mqtts"
	}
	port := brokerPort(settings, 8883, 1883)
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(cs.Endpoint(), strconv.Itoa(port))}
}

func mqttUsername(cs credential.ConnectionString) string {
	return fmt.Sprintf("%s/%s/?api-version=%s", cs.HostName, cs.ClientID(), mqttAPIVersion)
}

func mqttTopics(settings *config.BrokerSettings, cs credential.ConnectionString) (events, c2d string) {
	prefix := "devices/" + cs.DeviceID
	if cs.ModuleID != "" {
		prefix += "/modules/" + cs.ModuleID
	}
	events, c2d = settings.EventsTopic, settings.C2DTopic
	if events == "" {
		events = prefix + "/messages/events/"
	}
	if c2d == "" {
		c2d = prefix + "/messages/devicebound/#"
	}
	return events, c2d
}

// propertyBag encodes the system properties in the topic suffix so hubs
// that only read the topic still see the content type and encoding.
func propertyBag(msg *message.Outbound) string {
	return fmt.Sprintf("$.ct=%s&$.ce=%s&$.mid=%s",
		url.QueryEscape(msg.ContentType), url.QueryEscape(msg.ContentEncoding), url.QueryEscape(msg.ID))
}
