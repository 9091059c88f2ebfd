package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/service/command"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/session"
)

type CommandHandler struct {
	Sessions *session.Manager
	Commands *command.Service
	Timeout  time.Duration
	Logger   *zap.Logger
}

func NewCommandHandler(sessions *session.Manager, commands *command.Service, timeout time.Duration, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{Sessions: sessions, Commands: commands, Timeout: timeout, Logger: logger.Named("http.command")}
}

func (h *CommandHandler) Lock(c *gin.Context) {
	h.issue(c, h.Commands.ForceLock)
}

func (h *CommandHandler) Unlock(c *gin.Context) {
	h.issue(c, h.Commands.ForceUnlock)
}

// issue sends the command; the kiosk's status changes only once it acknowledges.
func (h *CommandHandler) issue(c *gin.Context, send func(ctx context.Context, kioskID int64) (*command.Command, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	if _, err := h.Sessions.GetKiosk(ctx, id); err != nil {
		respondError(c, h.Logger, err)
		return
	}

	cmd, err := send(ctx, id)
	if err != nil && cmd == nil {
		respondError(c, h.Logger, err)
		return
	}
	if err != nil {
		// recorded but not delivered; the pending entry expires on its own
		c.JSON(http.StatusAccepted, gin.H{"command": cmd, "delivered": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command": cmd, "delivered": true})
}

func (h *CommandHandler) Pending(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	cmd, err := h.Commands.Pending(ctx, id)
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": cmd})
}
