package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/yoockh/careertalk/internal/api/handlers"
	"github.com/yoockh/careertalk/internal/api/middleware"
)

type Deps struct {
	Session  *handlers.SessionHandler
	Career   *handlers.CareerHandler
	Realtime *handlers.RealtimeHandler
	Health   *handlers.HealthHandler
	WS       *handlers.WSHandler

	Secret         string
	RateLimitRPS   float64
	RateLimitBurst int
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", d.Health.Ping)
	r.GET("/health", d.Health.Health)

	limited := middleware.RateLimit(d.RateLimitRPS, d.RateLimitBurst)

	api := r.Group("/api")
	api.GET("/config", d.Realtime.Config)
	api.POST("/register", limited, d.Session.Register)

	// Protected routes (identity token)
	auth := api.Group("/")
	auth.Use(middleware.JWTAuth(d.Secret))

	auth.POST("/logout", d.Session.Logout)
	auth.GET("/session/transcript", d.Session.Transcript)

	auth.POST("/realtime/session", limited, d.Realtime.Session)
	auth.POST("/realtime/sdp", limited, d.Realtime.SDP)

	auth.GET("/career/summaries", d.Career.Summaries)
	auth.GET("/career/:career_session_id/progress", d.Career.Progress)

	// WebSocket
	r.GET("/ws", middleware.JWTAuth(d.Secret), d.WS.SessionWS)
}
