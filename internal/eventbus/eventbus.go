// Package eventbus implements the in-process pub/sub bus that fans
// normalized realtime events and alerts out to SSE subscribers.
//
// Delivery is best-effort: each subscriber owns a bounded mailbox, and a
// full mailbox drops its oldest message to make room for the newest
// (lossy-newest-wins). The bus is in-process only — a restart loses all
// buffered messages, which is acceptable because SSE clients reconnect and
// re-subscribe.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MailboxCapacity is the number of buffered messages per subscriber before
// the bus starts dropping the oldest to make room for new ones.
const MailboxCapacity = 200

// Mailbox is the channel a subscriber reads published messages from. Each
// message is a single pre-serialized JSON string.
type Mailbox <-chan string

// Bus is the in-process publish/subscribe hub. The zero value is not
// usable; use [New].
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]chan string
}

// New returns an empty, ready-to-use [Bus].
func New() *Bus {
	return &Bus{subscribers: make(map[string]chan string)}
}

// Subscribe registers a new subscriber and returns its id and mailbox. The
// caller must eventually call [Bus.Unsubscribe] with the returned id.
func (b *Bus) Subscribe() (string, Mailbox) {
	id := uuid.NewString()
	ch := make(chan string, MailboxCapacity)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber. Safe to call more than once or with an
// unknown id.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Publish serializes payload to JSON once and enqueues it to every current
// subscriber. A subscriber whose mailbox is full has its oldest buffered
// message dropped to make room (lossy-newest-wins); a subscriber whose
// mailbox cannot accept the new message even after that drop (e.g. a
// concurrent reader/writer race) is pruned from the bus.
func (b *Bus) Publish(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	encoded := string(data)

	b.mu.Lock()
	snapshot := make(map[string]chan string, len(b.subscribers))
	for id, ch := range b.subscribers {
		snapshot[id] = ch
	}
	b.mu.Unlock()

	var stale []string
	for id, ch := range snapshot {
		if !b.tryDeliver(ch, encoded) {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		b.mu.Lock()
		for _, id := range stale {
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	}

	return nil
}

// tryDeliver attempts to enqueue encoded onto ch. On a full mailbox, it
// drops the oldest buffered message and retries once. It reports whether
// delivery (after the possible drop) succeeded.
func (b *Bus) tryDeliver(ch chan string, encoded string) bool {
	select {
	case ch <- encoded:
		return true
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- encoded:
		return true
	default:
		return false
	}
}
