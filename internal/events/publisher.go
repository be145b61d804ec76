package events

import (
	"sync"
	"sync/atomic"
)

// GlobalTaskID is the wildcard topic: subscribers to it receive the
// events of every task.
const GlobalTaskID = "*"

// Publisher fans task events out to subscribers. The orchestrator and
// its components publish; the CLI progress stream subscribes.
type Publisher interface {
	// Publish delivers an event to the task's subscribers and to the
	// wildcard topic. Never blocks.
	Publish(event Event)
	// Subscribe opens a channel of events for one task, or for every
	// task via GlobalTaskID.
	Subscribe(taskID string) <-chan Event
	// Unsubscribe closes and removes a subscription channel.
	Unsubscribe(taskID string, ch <-chan Event)
	// Close tears down every subscription.
	Close()
}

// MemoryPublisher is the in-process Publisher. Delivery is best effort:
// a subscriber that stops draining loses events rather than stalling
// the pipeline, and the loss is counted.
type MemoryPublisher struct {
	mu      sync.RWMutex
	topics  map[string][]chan Event
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.buffer = size
	}
}

// NewMemoryPublisher creates an in-process publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		topics: make(map[string][]chan Event),
		buffer: 100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers the event to its task topic and mirrors it to the
// wildcard topic. Never blocks.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	p.deliver(p.topics[event.TaskID], event)
	if event.TaskID != GlobalTaskID {
		p.deliver(p.topics[GlobalTaskID], event)
	}
}

// deliver offers the event to each channel, counting the ones whose
// buffer was full.
func (p *MemoryPublisher) deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			p.dropped.Add(1)
		}
	}
}

// Subscribe opens an event channel for one task topic. On a closed
// publisher the returned channel is already closed.
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.buffer)
	p.topics[taskID] = append(p.topics[taskID], ch)
	return ch
}

// SubscribeAll opens a channel carrying every task's events.
func (p *MemoryPublisher) SubscribeAll() <-chan Event {
	return p.Subscribe(GlobalTaskID)
}

// Unsubscribe closes and removes one subscription channel.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.topics[taskID]
	for i, sub := range subs {
		if sub == ch {
			p.topics[taskID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.topics[taskID]) == 0 {
		delete(p.topics, taskID)
	}
}

// Close closes every subscription channel. Idempotent.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for topic, subs := range p.topics {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.topics, topic)
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (p *MemoryPublisher) SubscriberCount(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics[taskID])
}

// Dropped returns how many events were lost to full subscriber buffers.
func (p *MemoryPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// NopPublisher discards events; components fall back to it when the
// caller passes no publisher.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(taskID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(taskID string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}
