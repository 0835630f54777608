package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/careertalk/internal/services"
	"github.com/yoockh/careertalk/internal/utils"
)

type CareerHandler struct {
	svc services.CareerService
}

func NewCareerHandler(svc services.CareerService) *CareerHandler {
	return &CareerHandler{svc: svc}
}

func (h *CareerHandler) Summaries(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	rows, err := h.svc.ListSummaries(c.Request.Context(), id.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"email":     id.Email,
		"summaries": rows,
	})
}

// Progress reports one of the caller's career runs, active or paused.
func (h *CareerHandler) Progress(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	careerID := c.Param("career_session_id")
	cs, err := h.svc.Get(c.Request.Context(), careerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if cs.User.Email != id.Email {
		writeError(c, utils.E(utils.CodeNotFound, "CareerHandler.Progress", "career session not found", nil))
		return
	}

	p, err := h.svc.Progress(c.Request.Context(), careerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
