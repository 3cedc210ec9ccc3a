package broker

import (
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the device client uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

var newConnection = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			slog.Warn("RabbitMQ connection closed", "error", err)
		}
	}()

	return amqpConn{conn}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	dialURL, err := r.dialURL()
	if err != nil {
		return err
	}

	// Establish a new connection
	connection, err := newConnection(dialURL)
	if err != nil {
		return err
	}
	r.connection = connection

	// Channels from the old connection are dead
	r.drainPool()

	// Declare the exchange
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	err = channel.ExchangeDeclare(
		r.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	channel.Close()
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	if r.receive {
		if err := r.startConsumer(connection); err != nil {
			return err
		}
	}

	slog.Info("RabbitMQ connection, exchange, and channel pool initialized", "device", r.device.ClientID())
	return nil
}

// startConsumer declares the device queue, binds it to the device-bound
// routing key and starts a manual-ack consumer.
func (r *rabbitMqBroker) startConsumer(connection amqpConnection) error {
	ch, err := connection.Channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(r.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(r.queue, r.queue, r.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := ch.Qos(r.settings.InboxSize, 0, false); err != nil {
		ch.Close()
		return err
	}
	deliveries, err := ch.Consume(r.queue, r.device.ClientID(), false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume: %w", err)
	}

	if r.consumerChannel != nil {
		r.consumerChannel.Close()
	}
	r.consumerChannel = ch
	go r.forwardDeliveries(deliveries)
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if lost {
				slog.Info("Attempting to reconnect to RabbitMQ...")
				if err := r.connectAndInitialize(); err != nil {
					slog.Warn("Failed to reconnect to RabbitMQ", "error", err)
				} else {
					slog.Info("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.done:
			slog.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				slog.Debug("Discarding closed channel", "error", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			r.mu.Lock()
			conn := r.connection
			r.mu.Unlock()
			if conn == nil {
				return nil, ErrClientClosed
			}
			channel, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		slog.Debug("Discarding closed channel", "error", err)
		return
	case <-r.done:
		pooledChan.channel.Close()
		return
	default:
		// Channel is valid, return it to the pool
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}

// drainPool closes every pooled channel. Callers hold r.mu.
func (r *rabbitMqBroker) drainPool() {
	for {
		select {
		case pooledChan := <-r.channelPool:
			pooledChan.channel.Close()
		default:
			return
		}
	}
}
