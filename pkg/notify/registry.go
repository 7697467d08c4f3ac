package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/stackwatch/stackwatch/pkg/events"
)

// Buffer collects the notification ids created inside one ingestion
// transaction. It is handed to the matcher during processing and published
// by the registry only after the transaction commits.
type Buffer struct {
	mu  sync.Mutex
	ids []int64
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add appends created notification ids.
func (b *Buffer) Add(ids ...int64) {
	b.mu.Lock()
	b.ids = append(b.ids, ids...)
	b.mu.Unlock()
}

// IDs returns the collected ids.
func (b *Buffer) IDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.ids))
	copy(out, b.ids)
	return out
}

// Len returns the number of collected ids.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Registry publishes commit-bound notification events. Exactly one event
// is published per committed ingestion transaction; an aborted transaction
// publishes nothing, which is the single mechanism preventing phantom
// user-visible notifications.
type Registry struct {
	broker *events.Broker
}

// NewRegistry creates a registry over the broker.
func NewRegistry(broker *events.Broker) *Registry {
	return &Registry{broker: broker}
}

// PublishCommitted publishes the buffer's ids. Callers invoke this only
// after their transaction's COMMIT has returned. Empty buffers publish
// nothing.
func (r *Registry) PublishCommitted(buf *Buffer) {
	ids := buf.IDs()
	if len(ids) == 0 {
		return
	}
	r.broker.Publish(&events.Event{
		ID:              uuid.NewString(),
		Type:            events.EventNotificationsCommitted,
		NotificationIDs: ids,
	})
}
