package broadcast

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type RedisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (b *RedisBroadcaster) Name() string { return "redis" }

func (b *RedisBroadcaster) Publish(ctx context.Context, sessionID string, payload []byte) error {
	return b.rdb.Publish(ctx, Topic(sessionID), payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Topic(sessionID))
	// wait for the subscription confirmation so no publish after return is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &redisSub{ps: ps, out: make(chan []byte, 16), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

func (b *RedisBroadcaster) Close() error { return nil }

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(m.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
