package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/careertalk/internal/api/middleware"
	"github.com/yoockh/careertalk/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)

	var ae *utils.AppError
	if errors.As(err, &ae) {
		c.JSON(status, APIError{
			Code:    ae.Code,
			Message: ae.Message,
		})
		return
	}

	c.JSON(status, APIError{
		Code:    utils.CodeInternal,
		Message: http.StatusText(status),
	})
}

// identity is what the auth middleware put on the context.
type identity struct {
	SessionID string
	Email     string
	Name      string
}

func requireIdentity(c *gin.Context) (identity, bool) {
	id := identity{
		SessionID: c.GetString(middleware.CtxSessionID),
		Email:     c.GetString(middleware.CtxEmail),
		Name:      c.GetString(middleware.CtxName),
	}
	if id.SessionID != "" {
		return id, true
	}

	writeError(c, utils.E(utils.CodeUnauthorized, "Auth", "unauthorized", nil))
	return identity{}, false
}
