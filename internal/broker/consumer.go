package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/steamwatch/steamwatch/internal/metrics"
	"github.com/steamwatch/steamwatch/internal/tracing"
)

// Handler processes the params of one task. A nil return acknowledges the
// message; any error rejects it without requeue.
type Handler func(ctx context.Context, params json.RawMessage) error

// Router maps task names to handlers. The table is built explicitly at
// service startup; an unregistered task name is logged and rejected.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds taskName to h. Registering the same name twice panics,
// which surfaces wiring mistakes at startup rather than at dispatch.
func (r *Router) Register(taskName string, h Handler) {
	if _, dup := r.handlers[taskName]; dup {
		panic("broker: duplicate handler for task " + taskName)
	}
	r.handlers[taskName] = h
}

func (r *Router) lookup(taskName string) (Handler, bool) {
	h, ok := r.handlers[taskName]
	return h, ok
}

// Consumer drains one queue with prefetch-1 manual-ack semantics and
// reconnects with exponential backoff after broker failures.
type Consumer struct {
	conn     *Conn
	queue    string
	prefetch int
	router   *Router
	logger   *slog.Logger
	metrics  *metrics.Registry
}

// NewConsumer builds a consumer for queue. metrics may be nil.
func NewConsumer(conn *Conn, queue string, prefetch int, router *Router, logger *slog.Logger, m *metrics.Registry) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{conn: conn, queue: queue, prefetch: prefetch, router: router, logger: logger, metrics: m}
}

// Run consumes until ctx is cancelled. Connection failures trigger a
// reconnect after a jittered exponential wait (5s up to the configured max);
// the wait resets after a successful consume session.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = c.conn.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		err := c.consumeSession(ctx, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		c.logger.Warn("broker session ended, reconnecting",
			slog.String("queue", c.queue),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumeSession opens a channel and processes deliveries until the channel
// dies or ctx is cancelled. bo is reset once the first delivery stream is up.
func (c *Consumer) consumeSession(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	bo.Reset()

	c.logger.Info("consuming", slog.String("queue", c.queue), slog.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

// handle dispatches one delivery. Success acks; every failure path rejects
// without requeue so a poison message cannot loop forever.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	carrier := map[string]string{}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	ctx = tracing.Extract(ctx, carrier)
	if d.CorrelationId != "" {
		ctx = WithCorrelationID(ctx, d.CorrelationId)
	}

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.logger.Error("undecodable message rejected",
			slog.String("queue", c.queue),
			slog.String("error", err.Error()),
		)
		c.reject(d, "malformed")
		return
	}

	handler, ok := c.router.lookup(env.TaskName)
	if !ok {
		c.logger.Error("unknown task rejected",
			slog.String("queue", c.queue),
			slog.String("task", env.TaskName),
		)
		c.reject(d, env.TaskName)
		return
	}

	if err := handler(ctx, env.Params); err != nil {
		c.logger.Error("task failed",
			slog.String("queue", c.queue),
			slog.String("task", env.TaskName),
			slog.String("error", err.Error()),
		)
		c.reject(d, env.TaskName)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", slog.String("task", env.TaskName), slog.String("error", err.Error()))
		return
	}
	if c.metrics != nil {
		c.metrics.TasksConsumed.WithLabelValues(c.queue, env.TaskName).Inc()
	}
}

func (c *Consumer) reject(d amqp.Delivery, task string) {
	if err := d.Reject(false); err != nil {
		c.logger.Error("reject failed", slog.String("task", task), slog.String("error", err.Error()))
	}
	if c.metrics != nil {
		c.metrics.TasksRejected.WithLabelValues(c.queue, task).Inc()
	}
}
