package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

// --- Mocks ---

type mockMqttConnection struct {
	mock.Mock
}

func (m *mockMqttConnection) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	args := m.Called(ctx, p)
	return nil, args.Error(0)
}

func (m *mockMqttConnection) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockMqttAcker struct {
	mock.Mock
}

func (m *mockMqttAcker) Ack(pb *paho.Publish) error {
	return m.Called(pb).Error(0)
}

var testDevice = credential.ConnectionString{
	HostName:        "hub.example.net",
	DeviceID:        "dev-1",
	SharedAccessKey: "c2VjcmV0LWRldmljZS1rZXk=",
}

func newTestMqttBroker(conn *mockMqttConnection) *mqttBroker {
	b := newMqttBroker(&config.BrokerSettings{InboxSize: 4}, testDevice, true)
	b.conn = conn
	return b
}

func userProperty(p *paho.Publish, key string) string {
	for _, up := range p.Properties.User {
		if up.Key == key {
			return up.Value
		}
	}
	return ""
}

// --- Tests ---

func TestMqttInterfacesMatchPaho(t *testing.T) {
	var conn mqttConnection = (*autopaho.ConnectionManager)(nil)
	var acker mqttAcker = (*paho.Client)(nil)
	assert.NotNil(t, conn)
	assert.NotNil(t, acker)
}

func TestMqttSendEvent(t *testing.T) {
	conn := new(mockMqttConnection)
	b := newTestMqttBroker(conn)

	msg, err := message.NewTimestamp(time.Now())
	require.NoError(t, err)

	conn.On("Publish", mock.Anything, mock.MatchedBy(func(p *paho.Publish) bool {
		return p.QoS == 1 &&
			p.Topic == "devices/dev-1/messages/events/$.ct=application%2Fjson&$.ce=utf-8&$.mid="+msg.ID &&
			string(p.Payload) == string(msg.Body) &&
			p.Properties.ContentType == "application/json" &&
			userProperty(p, "content-encoding") == "utf-8" &&
			userProperty(p, "message-id") == msg.ID
	})).Return(nil)

	assert.NoError(t, b.SendEvent(context.Background(), msg))
	conn.AssertExpectations(t)
}

func TestMqttSendEvent_Error(t *testing.T) {
	conn := new(mockMqttConnection)
	b := newTestMqttBroker(conn)
	msg, err := message.NewTimestamp(time.Now())
	require.NoError(t, err)

	conn.On("Publish", mock.Anything, mock.Anything).Return(errors.New("not connected"))
	assert.ErrorContains(t, b.SendEvent(context.Background(), msg), "not connected")
}

func TestMqttReceive_Timeout(t *testing.T) {
	b := newTestMqttBroker(new(mockMqttConnection))

	start := time.Now()
	msg, err := b.Receive(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMqttReceive_Canceled(t *testing.T) {
	b := newTestMqttBroker(new(mockMqttConnection))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := b.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, msg)
}

func TestMqttReceiveAndComplete(t *testing.T) {
	b := newTestMqttBroker(new(mockMqttConnection))
	acker := new(mockMqttAcker)

	pb := &paho.Publish{
		Topic:   "devices/dev-1/messages/devicebound/x",
		QoS:     1,
		Payload: []byte("reboot"),
		Properties: &paho.PublishProperties{
			ContentType: "text/plain",
			User:        paho.UserProperties{{Key: "message-id", Value: "c2d-1"}},
		},
	}
	assert.True(t, b.deliver(mqttDelivery{packet: pb, acker: acker}))

	msg, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "reboot", msg.Text())
	assert.Equal(t, "c2d-1", msg.ID)
	assert.Equal(t, "text/plain", msg.Properties["content-type"])
	assert.NotEmpty(t, msg.LockToken)

	acker.On("Ack", pb).Return(nil).Once()
	assert.NoError(t, b.Complete(context.Background(), msg))
	assert.ErrorIs(t, b.Complete(context.Background(), msg), ErrUnknownLockToken)
	acker.AssertNumberOfCalls(t, "Ack", 1)
}

func TestMqttComplete_AckError(t *testing.T) {
	b := newTestMqttBroker(new(mockMqttConnection))
	acker := new(mockMqttAcker)
	pb := &paho.Publish{QoS: 1, Payload: []byte("x")}
	acker.On("Ack", pb).Return(errors.New("connection lost"))

	require.True(t, b.deliver(mqttDelivery{packet: pb, acker: acker}))
	msg, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	assert.ErrorContains(t, b.Complete(context.Background(), msg), "connection lost")
}

func TestMqttComplete_NoReceivingClient(t *testing.T) {
	b := newTestMqttBroker(new(mockMqttConnection))

	handled, err := b.onPublishReceived(paho.PublishReceived{Packet: &paho.Publish{QoS: 1, Payload: []byte("x")}})
	require.NoError(t, err)
	require.True(t, handled)
	msg, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Complete(context.Background(), msg), errNoMqttClient)
}

func TestMqttOnPublishReceived_WithoutConsumer(t *testing.T) {
	b := newMqttBroker(&config.BrokerSettings{InboxSize: 4}, testDevice, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			handled, err := b.onPublishReceived(paho.PublishReceived{Packet: &paho.Publish{QoS: 1, Payload: []byte("stale")}})
			assert.NoError(t, err)
			assert.False(t, handled)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onPublishReceived blocked without a consumer")
	}
	assert.Empty(t, b.inbox)
}

func TestMqttConnectPacketBuilder_RenewsToken(t *testing.T) {
	settings := &config.BrokerSettings{Auth: "sas", SASTokenTTL: time.Hour}
	now := time.Unix(1760000000, 0)
	clock := func() time.Time { return now }
	build := mqttConnectPacketBuilder(settings, testDevice, clock)

	first, err := build(&paho.Connect{ClientID: "dev-1", Username: mqttUsername(testDevice), UsernameFlag: true}, nil)
	require.NoError(t, err)
	firstPassword := string(first.Password)

	now = now.Add(2 * time.Hour)
	second, err := build(&paho.Connect{ClientID: "dev-1"}, nil)
	require.NoError(t, err)

	assert.True(t, first.PasswordFlag)
	assert.Equal(t, "dev-1", first.ClientID)
	assert.Equal(t, mqttUsername(testDevice), first.Username)
	assert.Contains(t, firstPassword, "se=1760003600")
	assert.Contains(t, string(second.Password), "se=1760010800")
	assert.NotEqual(t, firstPassword, string(second.Password))
}

func TestMqttConnectPacketBuilder_BadKey(t *testing.T) {
	bad := testDevice
	bad.SharedAccessKey = "not base64!"
	build := mqttConnectPacketBuilder(&config.BrokerSettings{Auth: "sas", SASTokenTTL: time.Hour}, bad, time.Now)

	_, err := build(&paho.Connect{}, nil)
	assert.Error(t, err)
}

func TestMqttComplete_QoS0SkipsAck(t *testing.T) {
	conn := new(mockMqttConnection)
	b := newTestMqttBroker(conn)

	acker := new(mockMqttAcker)
	require.True(t, b.deliver(mqttDelivery{packet: &paho.Publish{QoS: 0, Payload: []byte("x")}, acker: acker}))
	msg, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	assert.NoError(t, b.Complete(context.Background(), msg))
	acker.AssertNotCalled(t, "Ack", mock.Anything)
}

func TestMqttClose(t *testing.T) {
	conn := new(mockMqttConnection)
	b := newTestMqttBroker(conn)
	conn.On("Disconnect", mock.Anything).Return(nil).Once()

	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
	conn.AssertNumberOfCalls(t, "Disconnect", 1)

	_, err := b.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClientClosed)

	handled, err := b.onPublishReceived(paho.PublishReceived{Packet: &paho.Publish{}})
	assert.NoError(t, err)
	assert.False(t, handled)
}

func TestMqttConnectionDetails(t *testing.T) {
	settings := &config.BrokerSettings{TLS: true}
	assert.Equal(t, "mqtts://hub.example.net:8883", mqttServerURL(settings, testDevice).String())

	settings = &config.BrokerSettings{TLS: false, Port: 1884}
	gw := testDevice
	gw.GatewayHostName = "edge.local"
	assert.Equal(t, "mqtt://edge.local:1884", mqttServerURL(settings, gw).String())

	assert.Equal(t, "hub.example.net/dev-1/?api-version=2021-04-12", mqttUsername(testDevice))

	events, c2d := mqttTopics(&config.BrokerSettings{}, testDevice)
	assert.Equal(t, "devices/dev-1/messages/events/", events)
	assert.Equal(t, "devices/dev-1/messages/devicebound/#", c2d)

	mod := testDevice
	mod.ModuleID = "temp"
	events, _ = mqttTopics(&config.BrokerSettings{}, mod)
	assert.Equal(t, "devices/dev-1/modules/temp/messages/events/", events)

	events, c2d = mqttTopics(&config.BrokerSettings{EventsTopic: "sim/up", C2DTopic: "sim/down/#"}, testDevice)
	assert.Equal(t, "sim/up", events)
	assert.Equal(t, "sim/down/#", c2d)
}

func TestBrokerPassword(t *testing.T) {
	now := time.Unix(1760000000, 0)

	pw, err := brokerPassword(&config.BrokerSettings{Auth: "key"}, testDevice, now)
	require.NoError(t, err)
	assert.Equal(t, testDevice.SharedAccessKey, pw)

	pw, err = brokerPassword(&config.BrokerSettings{Auth: "sas", SASTokenTTL: time.Minute}, testDevice, now)
	require.NoError(t, err)
	assert.Contains(t, pw, "SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev-1")
	assert.Contains(t, pw, "se=1760000060")
}
