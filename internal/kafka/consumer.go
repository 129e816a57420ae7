package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/trogers1052/autotrade/internal/ledger"
	"github.com/trogers1052/autotrade/internal/models"
)

// OrderReconciler reconciles the intent that owns a broker order
type OrderReconciler interface {
	ReconcileOrder(ctx context.Context, orderID string) error
}

// messageReader is the part of kafka.Reader the consumer uses
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads broker order updates and triggers reconciliation.
// Updates only prompt a poll; the broker remains the source of fill data.
type Consumer struct {
	reader     messageReader
	topic      string
	reconciler OrderReconciler
}

// NewConsumer creates a new Kafka consumer for order update events
func NewConsumer(brokers []string, topic, groupID string, reconciler OrderReconciler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:     reader,
		topic:      topic,
		reconciler: reconciler,
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start(ctx context.Context) error {
	logrus.Infof("Starting Kafka consumer for topic: %s", c.topic)

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Kafka consumer shutting down...")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return c.reader.Close()
				}
				logrus.WithError(err).Error("Error reading message")
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				logrus.WithError(err).Error("Error processing message")
				// Continue processing other messages
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	logrus.Debugf("Received message from partition %d offset %d: key=%s",
		msg.Partition, msg.Offset, string(msg.Key))

	var event models.OrderUpdateEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal order update: %w", err)
	}

	if event.EventType != models.EventOrderUpdated {
		logrus.Debugf("Ignoring event type: %s", event.EventType)
		return nil
	}
	if event.OrderID == "" {
		return fmt.Errorf("order update without order_id")
	}

	err := c.reconciler.ReconcileOrder(ctx, event.OrderID)
	switch {
	case err == nil:
		logrus.WithFields(logrus.Fields{
			"order_id": event.OrderID,
			"status":   event.Status,
		}).Debug("Reconciled order from update")
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		// Orders placed outside the engine have no intent
		logrus.WithField("order_id", event.OrderID).Debug("Order update for unknown order, skipping")
		return nil
	default:
		return fmt.Errorf("failed to reconcile order %s: %w", event.OrderID, err)
	}
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
