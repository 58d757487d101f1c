// Package events provides an SSE broadcaster for sync and collaboration
// activity.
package events

import (
	"sync"
	"time"

	"mosaic/sync/internal/metrics"
)

const (
	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
	EventSyncError     = "sync_error"
	EventPresence      = "presence"
	EventDocumentSaved = "document_saved"
)

// Event is one item on the activity stream.
type Event struct {
	Type       string `json:"type"`
	ProjectID  string `json:"projectId,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Synced     int    `json:"synced,omitempty"`
	Error      string `json:"error,omitempty"`
	Users      int    `json:"users,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber and returns its event channel. The caller must
// call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSESubscribers(b.Count())
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSESubscribers(b.Count())
}

// Publish sends an event to all subscribers. Non-blocking: slow consumers
// miss events rather than stalling the publisher.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
