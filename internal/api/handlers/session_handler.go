package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/careertalk/internal/api/middleware"
	"github.com/yoockh/careertalk/internal/services"
	"github.com/yoockh/careertalk/internal/utils"
)

type SessionHandler struct {
	svc      services.SessionService
	secret   string
	tokenTTL time.Duration
	onEnd    []func(sessionID string)
}

// NewSessionHandler registers callers and ends their sessions. onEnd hooks run after
// logout so connection-scoped state can be dropped.
func NewSessionHandler(svc services.SessionService, secret string, tokenTTL time.Duration, onEnd ...func(sessionID string)) *SessionHandler {
	return &SessionHandler{svc: svc, secret: secret, tokenTTL: tokenTTL, onEnd: onEnd}
}

type RegisterRequest struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name" binding:"required"`
}

type RegisterResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (h *SessionHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Register", "name and email are required", err))
		return
	}

	sess, err := h.svc.Create(c.Request.Context(), req.Name, req.Email)
	if err != nil {
		writeError(c, err)
		return
	}

	token, err := middleware.SignIdentity(h.secret, sess.ID, sess.Owner.Name, sess.Owner.Email, h.tokenTTL)
	if err != nil {
		h.svc.End(c.Request.Context(), sess.ID)
		writeError(c, utils.E(utils.CodeInternal, "SessionHandler.Register", "failed to issue token", err))
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.TokenCookie, token, int(h.tokenTTL/time.Second), "/", "", false, true)

	c.JSON(http.StatusOK, RegisterResponse{
		Success:   true,
		SessionID: sess.ID,
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokenTTL).UTC().Format(time.RFC3339),
	})
}

// Logout always succeeds; an already-ended session is not an error.
func (h *SessionHandler) Logout(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	ended := h.svc.End(c.Request.Context(), id.SessionID)
	for _, fn := range h.onEnd {
		fn(id.SessionID)
	}
	c.SetCookie(middleware.TokenCookie, "", -1, "/", "", false, true)

	resp := gin.H{"success": true}
	if ended != nil && ended.EndTime != nil {
		resp["duration"] = ended.Duration(*ended.EndTime).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

// Transcript returns the persisted conversation document of the caller's active session.
func (h *SessionHandler) Transcript(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	doc, err := h.svc.Transcript(c.Request.Context(), id.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}
