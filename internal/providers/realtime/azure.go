package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type AzureConfig struct {
	APIKey      string
	SessionsURL string
	WebRTCURL   string
	Deployment  string
	Voice       string
}

// AzureProvider talks to an Azure OpenAI realtime deployment.
type AzureProvider struct {
	cfg  AzureConfig
	http *http.Client
}

func NewAzureProvider(cfg AzureConfig, client *http.Client) *AzureProvider {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &AzureProvider{cfg: cfg, http: client}
}

var ErrNotConfigured = errors.New("realtime: api key is not configured")

func (p *AzureProvider) Endpoint() PublicConfig {
	return PublicConfig{
		SessionsURL: p.cfg.SessionsURL,
		WebRTCURL:   p.cfg.WebRTCURL,
		Deployment:  p.cfg.Deployment,
		Voice:       p.cfg.Voice,
	}
}

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (p *AzureProvider) NewEphemeralKey(ctx context.Context) (*EphemeralKey, error) {
	if p.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(sessionRequest{Model: p.cfg.Deployment, Voice: p.cfg.Voice})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.SessionsURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "realtime: build session request")
	}
	req.Header.Set("api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "realtime: session request")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("realtime: session api returned %d: %s", resp.StatusCode, snippet(raw))
	}

	var out sessionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "realtime: decode session response")
	}
	if out.ClientSecret.Value == "" {
		return nil, errors.New("realtime: session response has no client secret")
	}

	key := &EphemeralKey{SessionID: out.ID, Value: out.ClientSecret.Value}
	if out.ClientSecret.ExpiresAt > 0 {
		key.ExpiresAt = time.Unix(out.ClientSecret.ExpiresAt, 0).UTC()
	}
	return key, nil
}

func (p *AzureProvider) ExchangeSDP(ctx context.Context, ephemeralKey, offer string) (string, error) {
	if strings.TrimSpace(ephemeralKey) == "" || strings.TrimSpace(offer) == "" {
		return "", errors.New("realtime: ephemeral key and offer are required")
	}
	u, err := url.Parse(p.cfg.WebRTCURL)
	if err != nil {
		return "", errors.Wrap(err, "realtime: bad webrtc url")
	}
	q := u.Query()
	q.Set("model", p.cfg.Deployment)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(offer))
	if err != nil {
		return "", errors.Wrap(err, "realtime: build sdp request")
	}
	req.Header.Set("Authorization", "Bearer "+ephemeralKey)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "realtime: sdp request")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("realtime: webrtc api returned %d: %s", resp.StatusCode, snippet(raw))
	}
	return string(raw), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
