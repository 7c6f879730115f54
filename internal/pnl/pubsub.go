package pnl

import (
	"sync"

	"bracketcore/internal/types"
)

// PubSub fans out P&L events per parent order id. Publishing never blocks;
// a subscriber that falls behind loses the oldest events in its buffer's
// place, which is acceptable because every event carries the full current
// figures.
type PubSub struct {
	mu     sync.RWMutex
	topics map[string]map[chan types.PnLEvent]struct{}
	closed bool
}

// NewPubSub creates an empty pub-sub.
func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]map[chan types.PnLEvent]struct{}),
	}
}

// Subscribe registers interest in one parent order id. The returned cancel
// function unregisters and closes the channel; it is safe to call twice.
func (p *PubSub) Subscribe(parentOrderID string) (<-chan types.PnLEvent, func()) {
	ch := make(chan types.PnLEvent, 16)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		close(ch)
		return ch, func() {}
	}

	subs, ok := p.topics[parentOrderID]
	if !ok {
		subs = make(map[chan types.PnLEvent]struct{})
		p.topics[parentOrderID] = subs
	}
	subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if subs, ok := p.topics[parentOrderID]; ok {
				if _, present := subs[ch]; present {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(p.topics, parentOrderID)
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its parent order id,
// dropping it for subscribers whose buffer is full.
func (p *PubSub) Publish(event types.PnLEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	for ch := range p.topics[event.ParentOrderID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns how many channels listen on a topic.
func (p *PubSub) SubscriberCount(parentOrderID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics[parentOrderID])
}

// Close closes every subscriber channel and rejects further use.
func (p *PubSub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, subs := range p.topics {
		for ch := range subs {
			close(ch)
		}
	}
	p.topics = make(map[string]map[chan types.PnLEvent]struct{})
}
