package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 10 * time.Second

// RunSummary is the event emitted after every ingestion cycle.
type RunSummary struct {
	TraceID    string    `json:"trace_id"`
	RunID      int64     `json:"run_id"`
	Status     string    `json:"status"`
	CapturedAt time.Time `json:"captured_at"`
	Found      int       `json:"found"`
	New        int       `json:"new"`
	Closed     int       `json:"closed"`
	Duplicates int       `json:"duplicates"`
	MissingID  int       `json:"missing_id"`
	Error      string    `json:"error,omitempty"`
}

// Publisher delivers run summaries to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, summary RunSummary) error
}

// AMQPConfig describes the RabbitMQ target.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes run summaries as persistent JSON messages on a
// durable topic exchange.
type AMQPPublisher struct {
	conn       *amqp.Connection
	ch         amqpChannel
	exchange   string
	routingKey string
	logger     *slog.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if cfg.Exchange == "" || cfg.RoutingKey == "" {
		return nil, fmt.Errorf("amqp: exchange and routing key are required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %q: %w", cfg.Exchange, err)
	}

	p := newAMQPPublisher(ch, cfg.Exchange, cfg.RoutingKey, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange, routingKey string, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AMQPPublisher{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.With("component", "amqp_publisher", "exchange", exchange),
	}
}

// Publish sends one summary. A publish that takes longer than ten seconds is
// abandoned.
func (p *AMQPPublisher) Publish(ctx context.Context, summary RunSummary) error {
	msg, err := encodeSummary(summary, time.Now())
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.ch.PublishWithContext(publishCtx, p.exchange, p.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("amqp: publish run %d: %w", summary.RunID, err)
	}
	p.logger.Debug("published run summary", "run_id", summary.RunID, "routing_key", p.routingKey)
	return nil
}

func encodeSummary(summary RunSummary, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(summary)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("amqp: encode run %d: %w", summary.RunID, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		MessageId:    summary.TraceID,
		Headers:      amqp.Table{},
	}
	if summary.TraceID != "" {
		msg.Headers["x-trace-id"] = summary.TraceID
	}
	return msg, nil
}

// Close closes the channel and then the connection.
func (p *AMQPPublisher) Close() error {
	var firstErr error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			firstErr = fmt.Errorf("amqp: close channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("amqp: close connection: %w", err)
		}
	}
	return firstErr
}
