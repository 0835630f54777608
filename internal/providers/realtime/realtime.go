package realtime

import (
	"context"
	"time"
)

// EphemeralKey is the short-lived credential the browser uses to open its own media
// connection with the hosted voice API. It is relayed, never stored.
type EphemeralKey struct {
	SessionID string    `json:"id"`
	Value     string    `json:"ephemeral_key"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type Provider interface {
	NewEphemeralKey(ctx context.Context) (*EphemeralKey, error)
	// ExchangeSDP posts an SDP offer authorized by an ephemeral key and returns the answer.
	ExchangeSDP(ctx context.Context, ephemeralKey, offer string) (string, error)
	Endpoint() PublicConfig
}

// PublicConfig is what the browser may see. The API key is not part of it.
type PublicConfig struct {
	SessionsURL string `json:"sessions_url"`
	WebRTCURL   string `json:"webrtc_url"`
	Deployment  string `json:"deployment"`
	Voice       string `json:"voice"`
}
