package broker

import (
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/config"
)

// Conn lazily dials the broker and hands out channels. It redials
// transparently after the server closes the connection; consumers layer
// their own backoff on top via the Run loop.
type Conn struct {
	cfg    config.Broker
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// New builds an undailed Conn; the first Channel call connects.
func New(cfg config.Broker, logger *slog.Logger) *Conn {
	return &Conn{cfg: cfg, logger: logger}
}

func (c *Conn) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
	})
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	c.logger.Info("broker connected", slog.String("url", redactAMQPURL(c.cfg.URL)))
	c.conn = conn
	return conn, nil
}

// Channel opens a fresh channel with both queues declared. Callers own the
// channel and must close it; publish paths use open-publish-close so channel
// state is never shared between goroutines.
func (c *Conn) Channel() (*amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	if err := declareQueues(ch, c.cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func declareQueues(ch *amqp.Channel, cfg config.Broker) error {
	args := amqp.Table{
		"x-max-priority": int32(MaxPriority),
		"x-message-ttl":  int32(cfg.MessageTTL / time.Millisecond),
	}
	for _, q := range []string{cfg.WorkerQueue, cfg.ResultQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return &apperr.Transient{Err: err}
		}
	}
	return nil
}

// redactAMQPURL strips credentials from an amqp:// URL for logging.
func redactAMQPURL(url string) string {
	at := -1
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return url
	}
	scheme := ""
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			scheme = url[:i+3]
			break
		}
	}
	return scheme + "***" + url[at:]
}
