package broadcast

import "context"

// Broadcaster fans session events (animation state, state changes) out to every
// connection listening on that session, across processes when redis backs it.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID string, payload []byte) error
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	Name() string
	Close() error
}

type Subscription interface {
	C() <-chan []byte
	Close() error
}

func Topic(sessionID string) string {
	return "session:" + sessionID + ":events"
}
