package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	// KindTransactionCreated is emitted once a transaction is persisted.
	KindTransactionCreated = "transaction.created"
	// KindTransactionTransitioned is emitted after a successful status change.
	KindTransactionTransitioned = "transaction.transitioned"

	// TransactionEventsChannel is the Redis pub/sub channel events are published on.
	TransactionEventsChannel = "transaction_events"
)

// Event describes a ledger change worth telling downstream systems about.
type Event struct {
	Kind          string          `json:"kind"`
	TransactionID string          `json:"transaction_id"`
	Workflow      string          `json:"workflow,omitempty"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Source        string          `json:"source_wallet_id"`
	Destination   string          `json:"destination_wallet_id"`
	RequestID     string          `json:"request_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Notifier delivers events to downstream systems.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the event to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", event.Kind,
		"transaction_id", event.TransactionID,
		"status", event.Status,
		"amount", event.Amount.String())
	return nil
}

// RedisNotifier publishes events as JSON on a Redis channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier publishes on TransactionEventsChannel.
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client, channel: TransactionEventsChannel}
}

// Send publishes the event.
func (n *RedisNotifier) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []Notifier

// Send forwards the event to all notifiers.
func (f Fanout) Send(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Send(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
