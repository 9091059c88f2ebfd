package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/service/session"
)

type SessionHandler struct {
	Sessions *session.Manager
	Timeout  time.Duration
	Logger   *zap.Logger
}

func NewSessionHandler(sessions *session.Manager, timeout time.Duration, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{Sessions: sessions, Timeout: timeout, Logger: logger.Named("http.session")}
}

type startSessionRequest struct {
	KioskID         int64  `json:"kiosk_id" binding:"required,gt=0"`
	AccountID       *int64 `json:"account_id"`
	DurationMinutes int    `json:"duration_minutes" binding:"required,gt=0"`
}

type extendSessionRequest struct {
	AdditionalMinutes int `json:"additional_minutes" binding:"required,gt=0"`
}

type cancelSessionRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	s, err := h.Sessions.StartSession(ctx, req.KioskID, req.AccountID, req.DurationMinutes)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	s, err := h.Sessions.GetSession(ctx, id)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) ExtendSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req extendSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	s, err := h.Sessions.ExtendSession(ctx, id, req.AdditionalMinutes)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	s, err := h.Sessions.EndSession(ctx, id)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// CancelSession accepts an empty body; the reason is optional.
func (h *SessionHandler) CancelSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	cancelled, err := h.Sessions.CancelSession(ctx, id, req.Reason)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
