package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/metrics"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/broadcast"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/command"
	"github.com/iamasit07/cafe-kiosk/backend/pkg/auth"
)

// Lifecycle is the part of the session manager driven from kiosk connections.
type Lifecycle interface {
	RegisterKiosk(ctx context.Context, hardwareAddr, name, networkAddr string) (*domain.Kiosk, error)
	MarkReachable(ctx context.Context, kioskID int64) error
	MarkUnreachable(ctx context.Context, kioskID int64) error
	SetLockState(ctx context.Context, kioskID int64, locked bool) error
	ReportError(ctx context.Context, kioskID int64, message string) error
	StartSession(ctx context.Context, kioskID int64, accountID *int64, durationMinutes int) (*domain.Session, error)
}

type Presence interface {
	Register(kioskID int64, connectionID, remoteAddr string) bool
	Touch(connectionID string)
	Unregister(connectionID string) (int64, bool)
	ConnectionCount() int
	ReachableKiosks() []int64
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, kioskID int64, commandID string) (*command.Command, error)
}

type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

type KeyVerifier interface {
	Verify(key string) bool
}

// Handler manages WebSocket dependencies
type Handler struct {
	Hub      *Hub
	Sessions Lifecycle
	Presence Presence
	Commands Acknowledger
	Tokens   TokenValidator
	Keys     KeyVerifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// RequestTimeout bounds each lifecycle call made on behalf of a connection.
	RequestTimeout time.Duration
	Upgrader       websocket.Upgrader
}

func NewHandler(hub *Hub, sessions Lifecycle, presence Presence, commands Acknowledger, tokens TokenValidator, keys KeyVerifier, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		Hub:            hub,
		Sessions:       sessions,
		Presence:       presence,
		Commands:       commands,
		Tokens:         tokens,
		Keys:           keys,
		Logger:         logger.Named("ws"),
		RequestTimeout: 10 * time.Second,
		Upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// originChecker admits clients without an Origin header (kiosk agents) and browsers
// from the configured origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket is the HTTP handler that upgrades the connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	h.handleConnection(conn, remoteHost(r.RemoteAddr))
}

func (h *Handler) handleConnection(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(8 << 10)
	conn.SetReadDeadline(time.Now().Add(pongWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		h.Logger.Debug("read failed during init", zap.Error(err))
		conn.Close()
		return
	}

	var init ClientMessage
	if err := json.Unmarshal(data, &init); err != nil || init.Type != TypeInit {
		h.reject(conn, "first message must be init")
		return
	}

	if init.Role == RoleKiosk {
		h.serveKiosk(conn, init, remote)
		return
	}
	h.serveObserver(conn, init)
}

// reject answers directly on the socket; no write pump exists yet.
func (h *Handler) reject(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(ServerMessage{Type: TypeError, Message: reason})
	conn.Close()
}

func (h *Handler) serveKiosk(conn *websocket.Conn, init ClientMessage, remote string) {
	if !h.Keys.Verify(init.KioskKey) {
		h.Logger.Warn("kiosk rejected: bad key", zap.String("remote", remote))
		h.reject(conn, "invalid kiosk key")
		return
	}

	ctx, cancel := h.requestContext()
	kiosk, err := h.Sessions.RegisterKiosk(ctx, init.HardwareAddress, init.Name, remote)
	cancel()
	if err != nil {
		h.Logger.Warn("kiosk registration failed", zap.String("hardware_address", init.HardwareAddress), zap.Error(err))
		h.reject(conn, "registration failed: "+err.Error())
		return
	}

	client := h.Hub.Attach(conn, broadcast.KioskGroup(kiosk.ID))
	log := h.Logger.With(zap.Int64("kiosk_id", kiosk.ID), zap.String("connection_id", client.ID))
	_ = h.Hub.SendTo(client.ID, TypeInitOK, InitOK{ConnectionID: client.ID, KioskID: kiosk.ID, Role: RoleKiosk})

	conn.SetPongHandler(func(string) error {
		h.Presence.Touch(client.ID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if h.Presence.Register(kiosk.ID, client.ID, remote) {
		ctx, cancel := h.requestContext()
		if err := h.Sessions.MarkReachable(ctx, kiosk.ID); err != nil {
			log.Error("failed to mark kiosk reachable", zap.Error(err))
		}
		cancel()
	}
	h.observePresence()
	log.Info("kiosk connected", zap.String("remote", remote))

	defer func() {
		h.Hub.Close(client.ID)
		if kioskID, last := h.Presence.Unregister(client.ID); last {
			ctx, cancel := h.requestContext()
			if err := h.Sessions.MarkUnreachable(ctx, kioskID); err != nil {
				log.Error("failed to mark kiosk unreachable", zap.Error(err))
			}
			cancel()
		}
		h.observePresence()
		log.Info("kiosk disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("kiosk connection lost", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Presence.Touch(client.ID)

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("invalid message format", zap.Error(err))
			continue
		}
		h.processKioskMessage(client.ID, kiosk.ID, msg, log)
	}
}

func (h *Handler) processKioskMessage(connectionID string, kioskID int64, msg ClientMessage, log *zap.Logger) {
	ctx, cancel := h.requestContext()
	defer cancel()

	var err error
	switch msg.Type {
	case TypeHeartbeat:
		return

	case TypeCommandAck:
		var cmd *command.Command
		cmd, err = h.Commands.Acknowledge(ctx, kioskID, msg.CommandID)
		if err == nil {
			err = h.Sessions.SetLockState(ctx, kioskID, cmd.Kind.Locks())
		}

	case TypeErrorReport:
		err = h.Sessions.ReportError(ctx, kioskID, msg.Message)

	case TypeRequestSession:
		// the SessionStarted broadcast reaches this kiosk's group
		_, err = h.Sessions.StartSession(ctx, kioskID, nil, msg.DurationMinutes)

	default:
		log.Debug("unknown message type", zap.String("type", msg.Type))
		return
	}

	if err != nil {
		log.Warn("kiosk request failed", zap.String("type", msg.Type), zap.Error(err))
		_ = h.Hub.SendTo(connectionID, TypeError, map[string]string{"request": msg.Type, "error": err.Error()})
	}
}

func (h *Handler) serveObserver(conn *websocket.Conn, init ClientMessage) {
	if init.JWT == "" {
		h.reject(conn, "missing token")
		return
	}
	claims, err := h.Tokens.ValidateAccessToken(init.JWT)
	if err != nil {
		h.Logger.Info("observer rejected", zap.Error(err))
		h.reject(conn, "invalid token")
		return
	}

	group := broadcast.Operators
	if claims.Role == auth.RoleAdmin {
		group = broadcast.Administrators
	}
	client := h.Hub.Attach(conn, group)
	log := h.Logger.With(zap.Int64("user_id", claims.UserID), zap.String("connection_id", client.ID))
	_ = h.Hub.SendTo(client.ID, TypeInitOK, InitOK{ConnectionID: client.ID, Role: string(claims.Role)})
	log.Info("observer connected", zap.String("group", group))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	defer func() {
		h.Hub.Close(client.ID)
		log.Info("observer disconnected")
	}()

	// observers only listen; reads keep the pong handler running
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// requestContext is detached from the connection: a disconnect must still be recorded.
func (h *Handler) requestContext() (context.Context, context.CancelFunc) {
	timeout := h.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (h *Handler) observePresence() {
	h.Metrics.SetPresence(h.Presence.ConnectionCount(), len(h.Presence.ReachableKiosks()))
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}
