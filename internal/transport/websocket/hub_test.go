package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/service/broadcast"
)

func drain(t *testing.T, c *Client) []ServerMessage {
	t.Helper()
	var out []ServerMessage
	for {
		select {
		case raw := <-c.send:
			var msg ServerMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHub_GroupDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ops := hub.Attach(nil, "Operators")
	kiosk := hub.Attach(nil, "kiosk:1")
	other := hub.Attach(nil, "kiosk:2")

	require.NoError(t, hub.SendToGroup(context.Background(), "kiosk:1", "force_lock", map[string]string{"commandId": "c1"}))

	got := drain(t, kiosk)
	require.Len(t, got, 1)
	assert.Equal(t, "force_lock", got[0].Type)
	assert.Empty(t, drain(t, ops))
	assert.Empty(t, drain(t, other))

	assert.ErrorIs(t, hub.SendToGroup(context.Background(), "nobody", "x", nil), broadcast.ErrNoMembers)
}

func TestHub_FullQueueFailsOnlyThatMember(t *testing.T) {
	hub := NewHub(zap.NewNop())
	slow := hub.Attach(nil, "Operators")
	fast := hub.Attach(nil, "Operators")

	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, slow.enqueue([]byte(`{}`)))
	}

	err := hub.SendToGroup(context.Background(), "Operators", "session_started", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendQueueFull)
	assert.Contains(t, err.Error(), slow.ID)
	assert.Len(t, drain(t, fast), 1)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := hub.Attach(nil, "kiosk:5", "Operators")
	assert.Equal(t, 1, hub.GroupSize("kiosk:5"))
	assert.Equal(t, 1, hub.Count())

	assert.True(t, hub.Close(c.ID))
	assert.False(t, hub.Close(c.ID))
	assert.Zero(t, hub.GroupSize("kiosk:5"))
	assert.Zero(t, hub.GroupSize("Operators"))
	assert.Error(t, c.enqueue([]byte(`{}`)))
	assert.Error(t, hub.SendTo(c.ID, "x", nil))
}

func TestHub_CancelledContext(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Attach(nil, "Operators")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.SendToGroup(ctx, "Operators", "x", nil), context.Canceled)
}
