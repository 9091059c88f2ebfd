package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/presence"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/session"
)

type KioskHandler struct {
	Sessions *session.Manager
	Presence *presence.Registry
	Timeout  time.Duration
	Logger   *zap.Logger
}

func NewKioskHandler(sessions *session.Manager, registry *presence.Registry, timeout time.Duration, logger *zap.Logger) *KioskHandler {
	return &KioskHandler{Sessions: sessions, Presence: registry, Timeout: timeout, Logger: logger.Named("http.kiosk")}
}

type kioskResponse struct {
	domain.Kiosk
	Reachable bool `json:"reachable"`
}

func (h *KioskHandler) view(k domain.Kiosk) kioskResponse {
	return kioskResponse{Kiosk: k, Reachable: h.Presence.IsReachable(k.ID)}
}

// ListKiosks returns every known kiosk with its live reachability.
func (h *KioskHandler) ListKiosks(c *gin.Context) {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	kiosks, err := h.Sessions.ListKiosks(ctx)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}

	response := make([]kioskResponse, 0, len(kiosks))
	for _, k := range kiosks {
		response = append(response, h.view(k))
	}
	c.JSON(http.StatusOK, response)
}

func (h *KioskHandler) ListReachable(c *gin.Context) {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	kiosks, err := h.Sessions.ListReachableKiosks(ctx)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}

	response := make([]kioskResponse, 0, len(kiosks))
	for _, k := range kiosks {
		response = append(response, kioskResponse{Kiosk: k, Reachable: true})
	}
	c.JSON(http.StatusOK, response)
}

func (h *KioskHandler) GetKiosk(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	k, err := h.Sessions.GetKiosk(ctx, id)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, h.view(*k))
}

// GetActiveSession returns the kiosk's active session, or null when it is free.
func (h *KioskHandler) GetActiveSession(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	s, err := h.Sessions.GetActiveSession(ctx, id)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

func (h *KioskHandler) ListSessions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	sessions, err := h.Sessions.ListKioskSessions(ctx, id, limit)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// ListConnections is a diagnostics view of the registry entries for one kiosk.
func (h *KioskHandler) ListConnections(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	connections := h.Presence.ActiveConnections(id)
	if connections == nil {
		connections = []domain.ConnectionInfo{}
	}
	c.JSON(http.StatusOK, connections)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func withTimeout(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}
