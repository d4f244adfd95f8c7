// ABOUTME: In-memory fan-out notifier for client status events.
// ABOUTME: Best-effort broadcast to subscribed controllers; no backlog for late joiners.

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldhand/relay/internal/protocol"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Notifier provides in-memory pub/sub for client connect/disconnect
// events. Controllers subscribe on registration and receive events as they
// happen. Delivery is best-effort: a subscriber whose channel is full
// misses the event.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]chan protocol.ClientStatusEvent // sub id -> ch
	logger      *slog.Logger
}

// New creates a Notifier. Pass nil logger for default.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]chan protocol.ClientStatusEvent),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber and returns its event channel plus a
// subscription id for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan protocol.ClientStatusEvent, string) {
	subID := uuid.New().String()
	ch := make(chan protocol.ClientStatusEvent, subscriberBufferSize)

	n.mu.Lock()
	n.subscribers[subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. Non-blocking: events are
// dropped for subscribers whose channels are full. The read lock is held
// across the sends: Unsubscribe and Close only close a channel under the
// write lock, so no send can race a close.
func (n *Notifier) Publish(event protocol.ClientStatusEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subscribers {
		select {
		case ch <- event:
		default:
			n.logger.Debug("dropped event for slow subscriber",
				"client_id", event.ClientID,
				"event", event.Event)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subscribers[subID]
	if !ok {
		return
	}
	delete(n.subscribers, subID)
	close(ch)

	n.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for subID, ch := range n.subscribers {
		close(ch)
		delete(n.subscribers, subID)
	}

	n.logger.Debug("notifier closed")
}
