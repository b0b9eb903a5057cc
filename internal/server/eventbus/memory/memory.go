// Package memory implements eventbus.Bus inside a single enigmad process.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/blowfish/enigma/internal/server/eventbus"
)

// Bus fans payloads out to subscriber channels. A subscriber whose channel is
// full misses that payload.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]chan<- any
	logger *slog.Logger
}

var _ eventbus.Bus = (*Bus)(nil)

// New creates a Bus. A nil logger discards drop notices.
func New(logger *slog.Logger) *Bus {
	return &Bus{topics: make(map[string][]chan<- any), logger: logger}
}

// Publish delivers payload to every subscriber of topic that has room for it.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[topic] {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- payload:
		default:
			if b.logger != nil {
				b.logger.Warn("event dropped for slow subscriber", "topic", topic)
			}
		}
	}
	return nil
}

// Subscribe registers ch for topic. The returned function removes it and is
// safe to call more than once.
func (b *Bus) Subscribe(topic string, ch chan<- any) (func(), error) {
	if ch == nil {
		return nil, errors.New("eventbus: channel must not be nil")
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], ch)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, ch) })
	}, nil
}

// Subscribers reports how many channels listen on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) remove(topic string, ch chan<- any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	kept := make([]chan<- any, 0, len(subs))
	for _, sub := range subs {
		if sub != ch {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = kept
}
