package broker

import "context"

type correlationIDKeyType struct{}

var correlationIDKey = correlationIDKeyType{}

// WithCorrelationID returns a context carrying a task correlation id. The
// publisher stamps it onto outgoing messages, and the consumer installs the
// incoming message's id before invoking a handler, so a result published from
// inside a handler automatically answers the task that caused it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the task correlation id from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
