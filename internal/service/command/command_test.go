package command

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/repository/memory"
)

type sent struct {
	group   string
	event   string
	payload any
}

type fakeSender struct {
	sent []sent
	err  error
}

func (s *fakeSender) SendToGroup(_ context.Context, group, event string, payload any) error {
	s.sent = append(s.sent, sent{group: group, event: event, payload: payload})
	return s.err
}

func group(id int64) string { return fmt.Sprintf("kiosk:%d", id) }

func newService(t *testing.T, sender Sender, opts ...Option) *Service {
	t.Helper()
	cache := memory.NewCache()
	t.Cleanup(func() { _ = cache.Close() })
	return NewService(cache, sender, group, zap.NewNop(), opts...)
}

func TestForceLockAndAcknowledge(t *testing.T) {
	sender := &fakeSender{}
	svc := newService(t, sender)
	ctx := context.Background()

	cmd, err := svc.ForceLock(ctx, 4)
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.True(t, cmd.Kind.Locks())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "kiosk:4", sender.sent[0].group)
	assert.Equal(t, "force_lock", sender.sent[0].event)

	pending, err := svc.Pending(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, cmd.ID, pending.ID)

	acked, err := svc.Acknowledge(ctx, 4, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, KindForceLock, acked.Kind)

	pending, err = svc.Pending(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, err = svc.Acknowledge(ctx, 4, cmd.ID)
	assert.ErrorIs(t, err, ErrUnknownCommand, "an ack is accepted once")
}

func TestAcknowledge_RejectsMismatchedID(t *testing.T) {
	svc := newService(t, &fakeSender{})
	ctx := context.Background()

	first, err := svc.ForceUnlock(ctx, 2)
	require.NoError(t, err)
	second, err := svc.ForceLock(ctx, 2)
	require.NoError(t, err)

	_, err = svc.Acknowledge(ctx, 2, first.ID)
	assert.ErrorIs(t, err, ErrUnknownCommand, "a replaced command cannot be acknowledged")

	acked, err := svc.Acknowledge(ctx, 2, second.ID)
	require.NoError(t, err)
	assert.Equal(t, KindForceLock, acked.Kind)
}

func TestPendingCommandExpires(t *testing.T) {
	svc := newService(t, &fakeSender{}, WithTTL(50*time.Millisecond))
	ctx := context.Background()

	cmd, err := svc.ForceLock(ctx, 1)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		p, err := svc.Pending(ctx, 1)
		return err == nil && p == nil
	}, 2*time.Second, 20*time.Millisecond)

	_, err = svc.Acknowledge(ctx, 1, cmd.ID)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestForceLock_SendFailureKeepsPendingEntry(t *testing.T) {
	svc := newService(t, &fakeSender{err: errors.New("no connection")})
	ctx := context.Background()

	cmd, err := svc.ForceLock(ctx, 5)
	require.Error(t, err)
	require.NotNil(t, cmd)

	pending, err := svc.Pending(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, cmd.ID, pending.ID)
}
