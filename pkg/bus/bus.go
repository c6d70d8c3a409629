// Package bus implements the durable topic the event store publishes onto.
// Messages carry routing attributes alongside the serialized event so
// subscribers can filter without touching the payload. Delivery is
// at-least-once; consumers deduplicate on the event id.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/relay/pkg/event"
)

// SubscriptionID is a unique identifier for a subscription
type SubscriptionID string

// Attributes are the routing attributes attached to every published message.
// Subscribers match on attributes only, never on the payload.
type Attributes struct {
	Kind          event.Kind     `json:"kind"`
	SubjectUserID string         `json:"subject_user_id,omitempty"`
	Priority      event.Priority `json:"priority"`
	SourceChain   string         `json:"source_chain,omitempty"`
}

// AttributesFor extracts routing attributes from a canonical event.
func AttributesFor(e *event.Event) Attributes {
	return Attributes{
		Kind:          e.Kind,
		SubjectUserID: e.SubjectUserID,
		Priority:      e.Priority,
		SourceChain:   e.SourceChain,
	}
}

// Message is the unit delivered to subscribers.
type Message struct {
	Event       *event.Event
	Attributes  Attributes
	PublishedAt time.Time
}

// Filter selects messages by routing attributes. Zero-valued fields match
// everything for that attribute.
type Filter struct {
	// Kinds restricts delivery to the listed kinds. Empty means all kinds.
	Kinds []event.Kind

	// SubjectUserID restricts delivery to events addressed to one user.
	SubjectUserID string

	// Priorities restricts delivery to the listed priorities.
	Priorities []event.Priority

	// SourceChain restricts delivery to one chain's events.
	SourceChain string
}

// Matches reports whether the filter accepts the given attributes.
func (f *Filter) Matches(attrs Attributes) bool {
	if f == nil {
		return true
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == attrs.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SubjectUserID != "" && f.SubjectUserID != attrs.SubjectUserID {
		return false
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if p == attrs.Priority {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SourceChain != "" && f.SourceChain != attrs.SourceChain {
		return false
	}
	return true
}

// SubscriptionStats tracks per-subscription delivery counters.
type SubscriptionStats struct {
	MessagesReceived atomic.Uint64
	MessagesDropped  atomic.Uint64
	LastMessageTime  atomic.Int64 // Unix nanoseconds
}

// Subscription represents a consumer subscription to the topic.
type Subscription struct {
	ID      SubscriptionID
	Filter  *Filter
	Channel chan *Message
	Stats   SubscriptionStats
}

// Bus is the in-process topic implementation. A single goroutine owns the
// subscriber registry mutations and broadcasting.
type Bus struct {
	subscribers map[SubscriptionID]*Subscription
	mu          sync.RWMutex

	publishCh     chan *Message
	subscribeCh   chan *Subscription
	unsubscribeCh chan SubscriptionID

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	stats struct {
		totalMessages   atomic.Uint64
		totalDeliveries atomic.Uint64
		droppedMessages atomic.Uint64
	}

	metrics *Metrics
}

// New creates a Bus with the given publish buffer size.
func New(publishBufferSize int) *Bus {
	if publishBufferSize <= 0 {
		publishBufferSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		subscribers:   make(map[SubscriptionID]*Subscription),
		publishCh:     make(chan *Message, publishBufferSize),
		subscribeCh:   make(chan *Subscription, 16),
		unsubscribeCh: make(chan SubscriptionID, 16),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetMetrics enables Prometheus metrics for the bus.
func (b *Bus) SetMetrics(metrics *Metrics) {
	b.metrics = metrics
}

// Run starts the bus main loop. Call in a goroutine.
func (b *Bus) Run() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.closeAllSubscriptions()
			return

		case sub := <-b.subscribeCh:
			b.mu.Lock()
			b.subscribers[sub.ID] = sub
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.SubscribersTotal.Set(float64(b.SubscriberCount()))
			}

		case subID := <-b.unsubscribeCh:
			b.mu.Lock()
			if sub, exists := b.subscribers[subID]; exists {
				close(sub.Channel)
				delete(b.subscribers, subID)
			}
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.SubscribersTotal.Set(float64(b.SubscriberCount()))
			}

		case msg := <-b.publishCh:
			b.stats.totalMessages.Add(1)
			if b.metrics != nil {
				b.metrics.MessagesPublishedTotal.WithLabelValues(string(msg.Attributes.Kind)).Inc()
			}
			b.broadcast(msg)
		}
	}
}

// broadcast sends a message to every subscription whose filter matches.
func (b *Bus) broadcast(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.Filter.Matches(msg.Attributes) {
			continue
		}

		select {
		case sub.Channel <- msg:
			b.stats.totalDeliveries.Add(1)
			sub.Stats.MessagesReceived.Add(1)
			sub.Stats.LastMessageTime.Store(time.Now().UnixNano())
			if b.metrics != nil {
				b.metrics.MessagesDeliveredTotal.WithLabelValues(string(msg.Attributes.Kind)).Inc()
			}
		default:
			// Channel full, drop for this subscriber. The event remains in
			// the store; consumers recover via differential sync.
			b.stats.droppedMessages.Add(1)
			sub.Stats.MessagesDropped.Add(1)
			if b.metrics != nil {
				b.metrics.MessagesDroppedTotal.WithLabelValues(string(msg.Attributes.Kind)).Inc()
			}
		}
	}
}

// Publish queues an event for broadcast. Non-blocking; returns false if the
// bus is stopped or the publish buffer is full.
func (b *Bus) Publish(e *event.Event, attrs Attributes) bool {
	select {
	case <-b.ctx.Done():
		return false
	default:
	}

	msg := &Message{Event: e, Attributes: attrs, PublishedAt: time.Now()}

	select {
	case b.publishCh <- msg:
		return true
	default:
		return false
	}
}

// PublishWithContext queues an event for broadcast, blocking until the buffer
// accepts it or the context is canceled.
func (b *Bus) PublishWithContext(ctx context.Context, e *event.Event, attrs Attributes) error {
	msg := &Message{Event: e, Attributes: attrs, PublishedAt: time.Now()}

	select {
	case <-b.ctx.Done():
		return ErrBusStopped
	case <-ctx.Done():
		return ctx.Err()
	case b.publishCh <- msg:
		return nil
	}
}

// Subscribe registers a subscription with the given filter and channel size.
// Returns nil if the bus is stopped.
func (b *Bus) Subscribe(id SubscriptionID, filter *Filter, channelSize int) *Subscription {
	if channelSize <= 0 {
		channelSize = 100
	}

	sub := &Subscription{
		ID:      id,
		Filter:  filter,
		Channel: make(chan *Message, channelSize),
	}

	select {
	case <-b.ctx.Done():
		return nil
	case b.subscribeCh <- sub:
		return sub
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	select {
	case <-b.ctx.Done():
	case b.unsubscribeCh <- id:
	}
}

// closeAllSubscriptions closes every active subscription.
func (b *Bus) closeAllSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		close(sub.Channel)
	}
	b.subscribers = make(map[SubscriptionID]*Subscription)
}

// Stop gracefully stops the bus and waits for the main loop to exit.
func (b *Bus) Stop() {
	b.cancel()
	<-b.done
}

// SubscriberCount returns the current number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns (totalMessages, totalDeliveries, droppedMessages).
func (b *Bus) Stats() (uint64, uint64, uint64) {
	return b.stats.totalMessages.Load(),
		b.stats.totalDeliveries.Load(),
		b.stats.droppedMessages.Load()
}
