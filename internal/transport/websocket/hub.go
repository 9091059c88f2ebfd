package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/service/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

var ErrSendQueueFull = errors.New("send queue full")

// Client is one live connection. Only its write pump writes to the socket.
type Client struct {
	ID string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	groups map[string]struct{}
}

// shutdown stops the write pump, which closes the socket on its way out.
func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks; a slow reader loses messages instead of stalling the sender.
func (c *Client) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.ID)
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w for connection %s", ErrSendQueueFull, c.ID)
	}
}

// Hub tracks connections and the audience groups they belong to.
type Hub struct {
	clients map[string]*Client
	groups  map[string]map[string]*Client
	logger  *zap.Logger

	mu sync.RWMutex
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		logger:  logger.Named("hub"),
	}
}

// Attach registers conn under a fresh connection id and starts its write pump.
func (h *Hub) Attach(conn *websocket.Conn, groups ...string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		groups: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	for _, g := range groups {
		h.joinLocked(c, g)
	}
	h.mu.Unlock()

	if conn != nil {
		go h.writePump(c)
	}
	return c
}

func (h *Hub) joinLocked(c *Client, group string) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Client)
		h.groups[group] = members
	}
	members[c.ID] = c
	c.groups[group] = struct{}{}
}

// Close detaches the connection and closes its socket. It reports whether the
// connection was still attached.
func (h *Hub) Close(connectionID string) bool {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	if ok {
		delete(h.clients, connectionID)
		for g := range c.groups {
			members := h.groups[g]
			delete(members, connectionID)
			if len(members) == 0 {
				delete(h.groups, g)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		c.shutdown()
	}
	return ok
}

// SendToGroup queues event for every member of group. Every member is attempted;
// the returned error joins the individual failures. An empty group yields
// broadcast.ErrNoMembers.
func (h *Hub) SendToGroup(ctx context.Context, group, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.groups[group]))
	for _, c := range h.groups[group] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	if len(members) == 0 {
		return fmt.Errorf("%w: %s", broadcast.ErrNoMembers, group)
	}

	var errs []error
	for _, c := range members {
		if err := c.enqueue(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTo queues event for a single connection.
func (h *Hub) SendTo(connectionID, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not attached", connectionID)
	}

	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll drops every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Close(id)
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("write failed", zap.String("connection_id", c.ID), zap.Error(err))
				h.Close(c.ID)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Close(c.ID)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	msg, err := json.Marshal(ServerMessage{Type: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return msg, nil
}
