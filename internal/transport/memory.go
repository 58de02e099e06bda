package transport

import (
	"fmt"
	"strings"
	"sync"
)

const defaultBufferSize = 4096

// MemoryBus is an in-process Transport: a fan-out bus with per-subscription
// buffered channels. It backs tests and single-process loopback transfers.
// Fault injection hooks let tests exercise the lossy-delivery paths the
// protocol has to survive.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool

	// DropFn, when set, is consulted per delivery; returning true drops the
	// message for that subscriber. DuplicateFn delivers the message twice.
	DropFn      func(Message) bool
	DuplicateFn func(Message) bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]chan Message),
	}
}

// Publish delivers the payload to every subscription whose pattern matches
// the topic. Slow subscribers with a full buffer lose the message, which is
// within the at-least-once contract the protocol is designed against.
func (b *MemoryBus) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	msg := Message{Topic: topic, Payload: payload}
	for pattern, channels := range b.subs {
		if !MatchTopic(pattern, topic) {
			continue
		}
		for _, ch := range channels {
			if b.DropFn != nil && b.DropFn(msg) {
				continue
			}
			deliveries := 1
			if b.DuplicateFn != nil && b.DuplicateFn(msg) {
				deliveries = 2
			}
			for i := 0; i < deliveries; i++ {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
	return nil
}

// Subscribe registers a pattern and returns its delivery channel.
func (b *MemoryBus) Subscribe(pattern string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	ch := make(chan Message, defaultBufferSize)
	b.subs[pattern] = append(b.subs[pattern], ch)
	return ch, nil
}

// Unsubscribe drops every subscription registered under the pattern.
func (b *MemoryBus) Unsubscribe(pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[pattern] {
		close(ch)
	}
	delete(b.subs, pattern)
	return nil
}

// Close shuts the bus down and closes all subscription channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan Message)
}

// MatchTopic reports whether a slash-separated pattern matches a topic.
// A `+` segment matches exactly one level; no multi-level wildcard exists.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}
