package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

// Publisher sends envelopes to a single queue. Each publish opens a fresh
// channel and closes it afterwards, so publishers are safe to share across
// goroutines and scheduler ticks.
type Publisher struct {
	conn    *Conn
	queue   string
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewPublisher builds a publisher bound to queue. metrics may be nil.
func NewPublisher(conn *Conn, queue string, logger *slog.Logger, m *metrics.Registry) *Publisher {
	return &Publisher{conn: conn, queue: queue, logger: logger, metrics: m}
}

// Publish marshals env and sends it persistently at the given priority.
// Trace context from ctx rides along in the message headers.
func (p *Publisher) Publish(ctx context.Context, env Envelope, priority uint8) error {
	if priority > MaxPriority {
		priority = MaxPriority
	}

	body, err := json.Marshal(env)
	if err != nil {
		return apperr.Validationf("marshal envelope: %v", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	carrier := map[string]string{}
	tracing.Inject(ctx, carrier)
	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Priority:      priority,
		CorrelationId: CorrelationID(ctx),
		Body:          body,
		Headers:       headers,
	})
	if err != nil {
		return &apperr.Transient{Err: err}
	}

	if p.metrics != nil {
		p.metrics.TasksPublished.WithLabelValues(p.queue, env.TaskName, strconv.Itoa(int(priority))).Inc()
	}
	p.logger.Debug("task published",
		slog.String("queue", p.queue),
		slog.String("task", env.TaskName),
		slog.Int("priority", int(priority)),
	)
	return nil
}
