package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/careertalk/internal/services"
)

type HealthHandler struct {
	sessions services.SessionService
	careers  services.CareerService
	backend  string
}

func NewHealthHandler(sessions services.SessionService, careers services.CareerService, storageBackend string) *HealthHandler {
	return &HealthHandler{sessions: sessions, careers: careers, backend: storageBackend}
}

func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.careers.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":                 "healthy",
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
		"storage_backend":        h.backend,
		"active_sessions":        h.sessions.ActiveCount(),
		"active_career_sessions": stats.Active,
		"paused_career_sessions": stats.Paused,
	})
}

func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}
