package broadcast

import (
	"context"
	"sync"
)

// MemoryBroadcaster is the single-process fallback. Slow subscribers drop events rather
// than block publishers.
type MemoryBroadcaster struct {
	mu   sync.Mutex
	subs map[string]map[*memSub]struct{}
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: map[string]map[*memSub]struct{}{}}
}

func (b *MemoryBroadcaster) Name() string { return "memory" }

func (b *MemoryBroadcaster) Publish(ctx context.Context, sessionID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[Topic(sessionID)] {
		select {
		case s.out <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	s := &memSub{b: b, topic: Topic(sessionID), out: make(chan []byte, 16)}
	b.mu.Lock()
	if b.subs[s.topic] == nil {
		b.subs[s.topic] = map[*memSub]struct{}{}
	}
	b.subs[s.topic][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, set := range b.subs {
		for s := range set {
			if !s.closed {
				s.closed = true
				close(s.out)
			}
		}
		delete(b.subs, topic)
	}
	return nil
}

type memSub struct {
	b      *MemoryBroadcaster
	topic  string
	out    chan []byte
	closed bool // guarded by b.mu
}

func (s *memSub) C() <-chan []byte { return s.out }

func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.b.subs[s.topic], s)
	if len(s.b.subs[s.topic]) == 0 {
		delete(s.b.subs, s.topic)
	}
	close(s.out)
	return nil
}
