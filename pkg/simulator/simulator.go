package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-devicesim/pkg/broker"
	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/journal"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

// Simulator drives one device: a publisher loop and, optionally, a
// consumer loop, both over the same DeviceClient.
type Simulator struct {
	client         broker.DeviceClient
	journal        journal.Journal
	logger         *slog.Logger
	deviceID       string
	interval       time.Duration
	receiveWait    time.Duration
	enableConsumer bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	sent      metric.Int64Counter
	received  metric.Int64Counter
	completed metric.Int64Counter
}

// NewSimulator creates a new instance of Simulator.
func NewSimulator(client broker.DeviceClient, j journal.Journal, cfg *config.Settings, deviceID string, logger *slog.Logger) *Simulator {
	meter := otel.Meter("go-devicesim")
	return &Simulator{
		client:         client,
		journal:        j,
		logger:         logger,
		deviceID:       deviceID,
		interval:       cfg.PublishInterval,
		receiveWait:    cfg.ReceiveWait,
		enableConsumer: cfg.ConsumerEnabled(),
		now:            time.Now,
		sleep:          sleepContext,
		sent:           counter(meter, "devicesim.messages.sent", "Messages published by the device."),
		received:       counter(meter, "devicesim.messages.received", "Cloud-to-device messages received."),
		completed:      counter(meter, "devicesim.messages.completed", "Cloud-to-device messages acknowledged."),
	}
}

// Run starts the loops and blocks until every one of them has returned.
// Cancelling ctx is the normal way to stop; the loops are independent,
// so a failing loop does not stop the other one. The first loop error,
// if any, is returned.
func (s *Simulator) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.publishLoop(ctx) })
	if s.enableConsumer {
		g.Go(func() error { return s.consumeLoop(ctx) })
	}
	return g.Wait()
}

func (s *Simulator) publishLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.logger.Info("Message sending canceled.")
			return nil
		}

		msg, err := message.NewTimestamp(s.now())
		if err != nil {
			return err
		}

		if err := s.client.SendEvent(ctx, msg); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Message sending canceled.")
				return nil
			}
			return fmt.Errorf("send event: %w", err)
		}
		s.logger.Info("Sent message", "body", string(msg.Body), "id", msg.ID)
		s.sent.Add(ctx, 1)
		s.record(ctx, &journal.Entry{
			ID:          msg.ID,
			DeviceID:    s.deviceID,
			Direction:   journal.DirectionOutbound,
			Payload:     msg.Body,
			ContentType: msg.ContentType,
			Status:      journal.StatusSent,
			CreatedAt:   msg.CreatedAt,
			UpdatedAt:   msg.CreatedAt,
		})

		if err := s.sleep(ctx, s.interval); err != nil {
			s.logger.Info("Message sending canceled.")
			return nil
		}
	}
}

func (s *Simulator) consumeLoop(ctx context.Context) error {
	s.logger.Info("Listening for incoming messages...")

	for {
		if ctx.Err() != nil {
			s.logger.Info("Message receiving canceled.")
			return nil
		}

		msg, err := s.client.Receive(ctx, s.receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Message receiving canceled.")
				return nil
			}
			return fmt.Errorf("receive message: %w", err)
		}
		if msg == nil {
			continue
		}

		s.logger.Info("Received message", "body", msg.Text(), "id", msg.ID)
		s.received.Add(ctx, 1)
		entryID := journalID(msg)
		s.record(ctx, &journal.Entry{
			ID:          entryID,
			DeviceID:    s.deviceID,
			Direction:   journal.DirectionInbound,
			Payload:     msg.Body,
			ContentType: msg.Properties["content-type"],
			Status:      journal.StatusReceived,
			CreatedAt:   msg.ReceivedAt,
			UpdatedAt:   msg.ReceivedAt,
		})

		if err := s.client.Complete(ctx, msg); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Message receiving canceled.")
				return nil
			}
			return fmt.Errorf("complete message: %w", err)
		}
		s.completed.Add(ctx, 1)
		if err := s.journal.MarkCompleted(context.WithoutCancel(ctx), entryID); err != nil {
			s.logger.Warn("journal update failed", "id", entryID, "error", err)
		}
	}
}

// record writes to the journal. Failures are logged, never returned: the
// journal must not stop the device.
func (s *Simulator) record(ctx context.Context, entry *journal.Entry) {
	if err := s.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("journal write failed", "id", entry.ID, "direction", entry.Direction, "error", err)
	}
}

// journalID falls back to the lock token for transports that do not
// carry a message ID.
func journalID(msg *message.Inbound) string {
	if msg.ID != "" {
		return msg.ID
	}
	return msg.LockToken
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
	}
	return c
}
