package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/careertalk/internal/providers/realtime"
	"github.com/yoockh/careertalk/internal/utils"
)

const maxSDPBytes = 64 << 10

type RealtimeHandler struct {
	provider realtime.Provider
	log      *logrus.Logger
}

func NewRealtimeHandler(provider realtime.Provider, log *logrus.Logger) *RealtimeHandler {
	return &RealtimeHandler{provider: provider, log: log}
}

// Config exposes endpoint, deployment and voice. The API key stays on the server.
func (h *RealtimeHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, h.provider.Endpoint())
}

type EphemeralSessionResponse struct {
	ID           string `json:"id"`
	EphemeralKey string `json:"ephemeral_key"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	WebRTCURL    string `json:"webrtc_url"`
	Deployment   string `json:"deployment"`
	Voice        string `json:"voice"`
}

func (h *RealtimeHandler) Session(c *gin.Context) {
	const op = "RealtimeHandler.Session"
	if _, ok := requireIdentity(c); !ok {
		return
	}

	key, err := h.provider.NewEphemeralKey(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("ephemeral key request failed")
		if errors.Is(err, realtime.ErrNotConfigured) {
			writeError(c, utils.E(utils.CodeUnavailable, op, "realtime voice is not configured", err))
			return
		}
		writeError(c, utils.E(utils.CodeUnavailable, op, "failed to create realtime session", err))
		return
	}

	ep := h.provider.Endpoint()
	resp := EphemeralSessionResponse{
		ID:           key.SessionID,
		EphemeralKey: key.Value,
		WebRTCURL:    ep.WebRTCURL,
		Deployment:   ep.Deployment,
		Voice:        ep.Voice,
	}
	if !key.ExpiresAt.IsZero() {
		resp.ExpiresAt = key.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
	}
	c.JSON(http.StatusOK, resp)
}

// SDP relays an application/sdp offer; the ephemeral key comes as X-Ephemeral-Key.
func (h *RealtimeHandler) SDP(c *gin.Context) {
	const op = "RealtimeHandler.SDP"
	if _, ok := requireIdentity(c); !ok {
		return
	}

	key := strings.TrimSpace(c.GetHeader("X-Ephemeral-Key"))
	if key == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "missing X-Ephemeral-Key header", nil))
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSDPBytes+1))
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "failed to read offer", err))
		return
	}
	if len(body) == 0 || len(body) > maxSDPBytes {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "offer must be between 1 byte and 64KB", nil))
		return
	}

	answer, err := h.provider.ExchangeSDP(c.Request.Context(), key, string(body))
	if err != nil {
		h.log.WithError(err).Error("sdp exchange failed")
		writeError(c, utils.E(utils.CodeUnavailable, op, "failed to exchange sdp", err))
		return
	}
	c.Data(http.StatusOK, "application/sdp", []byte(answer))
}
