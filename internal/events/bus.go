// Package events carries the backend's app mutation signals. Every write to
// an app document (merge, create, patch, replace, delete) emits one event,
// and registered listeners run synchronously before the response goes out,
// so a listener's side effects (cache invalidation above all) are visible to
// the caller that triggered the mutation.
package events

import (
	"context"
	"sync"
	"time"
)

// Type identifies the kind of mutation.
type Type string

const (
	AppCreated     Type = "app_created"
	AppUpdated     Type = "app_updated"
	AppUnavailable Type = "app_unavailable"
	AppDeleted     Type = "app_deleted"
)

// Event is one app mutation.
type Event struct {
	Type      Type
	AppID     int64
	Timestamp time.Time

	// CountryCode is set for per-country mutations (package merges).
	CountryCode string
}

// Listener handles one event. Listeners must tolerate being called for apps
// they have never seen.
type Listener func(ctx context.Context, e Event)

// Bus dispatches mutation events to its listeners in registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener. Registration order is dispatch order.
func (b *Bus) Subscribe(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Emit runs every listener with e. A zero Timestamp is filled in.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, e)
	}
}

// ListenerCount reports how many listeners are registered.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
