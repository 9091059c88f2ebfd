package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository/memory"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/presence"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/session"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Dispatch(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store    *memory.Store
	registry *presence.Registry
	events   *recorder
	clock    *clock
	manager  *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.NewStore())
}

func newFixtureWithStore(t *testing.T, store *memory.Store) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	registry := presence.NewRegistry(2*time.Minute, presence.WithClock(c.Now))
	events := &recorder{}
	billing := session.BillingConfig{HourlyRate: decimal.NewFromInt(20), Rounding: domain.RoundUpToHour}
	m := session.NewManager(store, registry, events, billing, zap.NewNop(), session.WithClock(c.Now))
	return &fixture{store: store, registry: registry, events: events, clock: c, manager: m}
}

// addKiosks registers n kiosks and connects each one.
func (f *fixture) addKiosks(t *testing.T, n int) []*domain.Kiosk {
	t.Helper()
	ctx := context.Background()
	kiosks := make([]*domain.Kiosk, 0, n)
	for i := 1; i <= n; i++ {
		k, err := f.manager.RegisterKiosk(ctx, fmt.Sprintf("AA:00:00:00:00:%02d", i), fmt.Sprintf("PC-%02d", i), "10.0.0.1")
		require.NoError(t, err)
		if f.registry.Register(k.ID, fmt.Sprintf("conn-%d", k.ID), "10.0.0.1") {
			require.NoError(t, f.manager.MarkReachable(ctx, k.ID))
		}
		kiosks = append(kiosks, k)
	}
	return kiosks
}

func (f *fixture) kiosk(t *testing.T, id int64) *domain.Kiosk {
	t.Helper()
	k, err := f.manager.GetKiosk(context.Background(), id)
	require.NoError(t, err)
	return k
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStartAndExtend_RecomputesCostFromTotal(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 3)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 3, nil, 60)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Nil(t, sess.AccountID)
	assert.Nil(t, sess.EndTime)
	assert.True(t, money("20.00").Equal(sess.TotalCost), "cost %s", sess.TotalCost)

	k := f.kiosk(t, 3)
	assert.Equal(t, domain.KioskInSession, k.Status)
	require.NotNil(t, k.CurrentSessionID)
	assert.Equal(t, sess.ID, *k.CurrentSessionID)

	extended, err := f.manager.ExtendSession(ctx, sess.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 90, extended.DurationMinutes)
	assert.True(t, money("40.00").Equal(extended.TotalCost), "cost %s", extended.TotalCost)
}

func TestStartSession_ConflictKeepsBinding(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	first, err := f.manager.StartSession(ctx, 1, nil, 30)
	require.NoError(t, err)

	_, err = f.manager.StartSession(ctx, 1, nil, 60)
	require.ErrorIs(t, err, domain.ErrConflict)
	var conflict *domain.SessionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.SessionID)

	k := f.kiosk(t, 1)
	require.NotNil(t, k.CurrentSessionID)
	assert.Equal(t, first.ID, *k.CurrentSessionID)
	assert.Len(t, f.events.OfType(domain.EventSessionStarted), 1)
}

func TestStartSession_Validation(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	_, err := f.manager.StartSession(ctx, 99, nil, 30)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.manager.StartSession(ctx, 1, nil, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	zero := int64(0)
	sess, err := f.manager.StartSession(ctx, 1, &zero, 30)
	require.NoError(t, err)
	assert.Nil(t, sess.AccountID, "a zero account id must not be stored")
}

func TestEndSession_BillsElapsedAndReleasesKiosk(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 60)
	require.NoError(t, err)

	f.clock.Advance(75 * time.Minute)
	ended, err := f.manager.EndSession(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SessionCompleted, ended.Status)
	require.NotNil(t, ended.EndTime)
	assert.False(t, ended.EndTime.Before(ended.StartTime))
	assert.True(t, money("40.00").Equal(ended.TotalCost), "75 elapsed minutes bill two hours, got %s", ended.TotalCost)

	k := f.kiosk(t, 1)
	assert.Equal(t, domain.KioskIdle, k.Status)
	assert.Nil(t, k.CurrentSessionID)

	_, err = f.manager.EndSession(ctx, sess.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Contains(t, err.Error(), "already ended")
}

func TestEndSession_ShortUsageBillsLess(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 180)
	require.NoError(t, err)
	assert.True(t, money("60.00").Equal(sess.TotalCost))

	f.clock.Advance(20 * time.Minute)
	ended, err := f.manager.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, money("20.00").Equal(ended.TotalCost))
}

func TestEndSession_UnreachableKioskFallsBackToUnreachable(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 60)
	require.NoError(t, err)

	_, last := f.registry.Unregister("conn-1")
	require.True(t, last)
	require.NoError(t, f.manager.MarkUnreachable(ctx, 1))

	k := f.kiosk(t, 1)
	assert.Equal(t, domain.KioskInSession, k.Status, "a bound kiosk keeps InSession while offline")

	_, err = f.manager.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	k = f.kiosk(t, 1)
	assert.Equal(t, domain.KioskUnreachable, k.Status)
	assert.Nil(t, k.CurrentSessionID)
}

func TestEndSession_ConcurrentCallsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 60)
	require.NoError(t, err)

	const callers = 8
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, err := f.manager.EndSession(ctx, sess.ID)
			results <- err
		}()
	}
	start.Done()

	var ok, invalid int
	for i := 0; i < callers; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidState):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, invalid)
	assert.Len(t, f.events.OfType(domain.EventSessionEnded), 1)
}

func TestConcurrentStarts_OneSessionPerKiosk(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.StartSession(ctx, 1, nil, 30); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)
}

func TestExtendSession_NeverDecreasesCost(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 15)
	require.NoError(t, err)

	previous := sess.TotalCost
	for _, add := range []int{1, 44, 5, 60, 59, 1} {
		extended, err := f.manager.ExtendSession(ctx, sess.ID, add)
		require.NoError(t, err)
		assert.True(t, extended.TotalCost.GreaterThanOrEqual(previous), "cost dropped from %s to %s", previous, extended.TotalCost)
		previous = extended.TotalCost
	}
}

func TestExtendSession_Errors(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	_, err := f.manager.ExtendSession(ctx, 42, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	sess, err := f.manager.StartSession(ctx, 1, nil, 30)
	require.NoError(t, err)

	_, err = f.manager.ExtendSession(ctx, sess.ID, -5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.manager.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	_, err = f.manager.ExtendSession(ctx, sess.ID, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelSession(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 60)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	ok, err := f.manager.CancelSession(ctx, sess.ID, "customer left")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.manager.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, got.Status)
	assert.Equal(t, "customer left", got.CancelReason)
	assert.NotNil(t, got.EndTime)
	assert.True(t, sess.TotalCost.Equal(got.TotalCost), "cancel keeps the accrued cost")

	k := f.kiosk(t, 1)
	assert.Equal(t, domain.KioskIdle, k.Status)
	assert.Nil(t, k.CurrentSessionID)

	ok, err = f.manager.CancelSession(ctx, sess.ID, "again")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	ended := f.events.OfType(domain.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.SessionCancelled, ended[0].Session.Status)
}

func TestExpireSession_DoesNotBillSweeperLatency(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 60)
	require.NoError(t, err)

	f.clock.Advance(60*time.Minute + 25*time.Second)
	expired, err := f.manager.ExpireSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, expired.Status)
	assert.False(t, expired.EndTime.Before(sess.ScheduledEnd()))
	assert.True(t, money("20.00").Equal(expired.TotalCost), "got %s", expired.TotalCost)
}

func TestEvents_CausalOrderPerSession(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	sess, err := f.manager.StartSession(ctx, 1, nil, 30)
	require.NoError(t, err)
	_, err = f.manager.ExtendSession(ctx, sess.ID, 30)
	require.NoError(t, err)
	_, err = f.manager.EndSession(ctx, sess.ID)
	require.NoError(t, err)

	var order []domain.EventType
	for _, ev := range f.events.Events() {
		if ev.Session != nil && ev.Session.ID == sess.ID {
			order = append(order, ev.Type)
		}
	}
	assert.Equal(t, []domain.EventType{domain.EventSessionStarted, domain.EventSessionExtended, domain.EventSessionEnded}, order)

	last := f.events.Events()[len(f.events.Events())-1]
	assert.Nil(t, last.Kiosk.CurrentSessionID)
	assert.Equal(t, domain.KioskIdle, last.Kiosk.Status)
}

func TestConnectivity_TwoConnectionScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		_, err := f.manager.RegisterKiosk(ctx, fmt.Sprintf("hw-%d", i), "", "10.0.0.7")
		require.NoError(t, err)
	}

	connect := func(id string) {
		if f.registry.Register(7, id, "10.0.0.7") {
			require.NoError(t, f.manager.MarkReachable(ctx, 7))
		}
	}
	disconnect := func(id string) {
		if kioskID, last := f.registry.Unregister(id); last {
			require.NoError(t, f.manager.MarkUnreachable(ctx, kioskID))
		}
	}

	connect("a")
	connect("b")
	assert.Equal(t, domain.KioskIdle, f.kiosk(t, 7).Status)
	require.Len(t, f.events.OfType(domain.EventKioskStatusChanged), 1)

	disconnect("a")
	assert.Equal(t, domain.KioskIdle, f.kiosk(t, 7).Status)
	assert.Len(t, f.events.OfType(domain.EventKioskStatusChanged), 1)

	disconnect("b")
	assert.Equal(t, domain.KioskUnreachable, f.kiosk(t, 7).Status)

	changes := f.events.OfType(domain.EventKioskStatusChanged)
	require.Len(t, changes, 2)
	assert.False(t, changes[1].Reachable)
	assert.Equal(t, domain.KioskIdle, changes[1].PreviousStatus)
}

func TestConnectivity_ManyConnectionsReportUnreachableOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k, err := f.manager.RegisterKiosk(ctx, "hw", "PC", "addr")
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.registry.Register(k.ID, fmt.Sprintf("c%d", i), "addr") {
				assert.NoError(t, f.manager.MarkReachable(ctx, k.ID))
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if kioskID, last := f.registry.Unregister(fmt.Sprintf("c%d", i)); last {
				assert.NoError(t, f.manager.MarkUnreachable(ctx, kioskID))
			}
		}(i)
	}
	wg.Wait()

	var unreachable int
	for _, ev := range f.events.OfType(domain.EventKioskStatusChanged) {
		if !ev.Reachable {
			unreachable++
		}
	}
	assert.Equal(t, 1, unreachable)
	assert.Equal(t, domain.KioskUnreachable, f.kiosk(t, k.ID).Status)
}

func TestSupersededSignalIsDropped(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()
	before := len(f.events.Events())

	// registry still holds conn-1, so a stale "unreachable" signal changes nothing
	require.NoError(t, f.manager.MarkUnreachable(ctx, 1))
	assert.Equal(t, domain.KioskIdle, f.kiosk(t, 1).Status)
	assert.Len(t, f.events.Events(), before)
}

func TestSetLockStateAndReportError(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	require.NoError(t, f.manager.SetLockState(ctx, 1, true))
	assert.Equal(t, domain.KioskLocked, f.kiosk(t, 1).Status)

	// locking twice is not a change
	n := len(f.events.Events())
	require.NoError(t, f.manager.SetLockState(ctx, 1, true))
	assert.Len(t, f.events.Events(), n)

	require.NoError(t, f.manager.SetLockState(ctx, 1, false))
	assert.Equal(t, domain.KioskIdle, f.kiosk(t, 1).Status)

	require.NoError(t, f.manager.ReportError(ctx, 1, "disk full"))
	k := f.kiosk(t, 1)
	assert.Equal(t, domain.KioskError, k.Status)
	assert.Equal(t, "disk full", k.LastError)

	sess, err := f.manager.StartSession(ctx, 1, nil, 30)
	require.NoError(t, err)
	require.NoError(t, f.manager.SetLockState(ctx, 1, true))
	k = f.kiosk(t, 1)
	assert.Equal(t, domain.KioskInSession, k.Status)
	assert.Equal(t, sess.ID, *k.CurrentSessionID)

	assert.ErrorIs(t, f.manager.SetLockState(ctx, 404, true), domain.ErrNotFound)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 3)
	ctx := context.Background()

	_, last := f.registry.Unregister("conn-2")
	require.True(t, last)
	require.NoError(t, f.manager.MarkUnreachable(ctx, 2))

	reachable, err := f.manager.ListReachableKiosks(ctx)
	require.NoError(t, err)
	require.Len(t, reachable, 2)
	assert.Equal(t, int64(1), reachable[0].ID)
	assert.Equal(t, int64(3), reachable[1].ID)

	active, err := f.manager.GetActiveSession(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, active)

	sess, err := f.manager.StartSession(ctx, 1, nil, 30)
	require.NoError(t, err)
	active, err = f.manager.GetActiveSession(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sess.ID, active.ID)

	history, err := f.manager.ListKioskSessions(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.manager.GetActiveSession(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// failingStore rejects every transaction.
type failingStore struct {
	*memory.Store
	err error
}

func (s *failingStore) InTx(context.Context, func(tx repository.Tx) error) error {
	return s.err
}

func TestPersistenceFailure_NoPartialState(t *testing.T) {
	base := memory.NewStore()
	f := newFixtureWithStore(t, base)
	f.addKiosks(t, 1)

	failing := &failingStore{Store: base, err: errors.New("connection refused")}
	m := session.NewManager(failing, f.registry, f.events, session.BillingConfig{HourlyRate: decimal.NewFromInt(20)}, zap.NewNop())
	before := len(f.events.Events())

	_, err := m.StartSession(context.Background(), 1, nil, 30)
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Contains(t, err.Error(), "connection refused")

	k := f.kiosk(t, 1)
	assert.Equal(t, domain.KioskIdle, k.Status)
	assert.Nil(t, k.CurrentSessionID)
	assert.Len(t, f.events.Events(), before, "nothing is broadcast for a failed write")
}

func TestLockSurvivesReconnect(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 1)
	ctx := context.Background()

	require.NoError(t, f.manager.SetLockState(ctx, 1, true))

	_, last := f.registry.Unregister("conn-1")
	require.True(t, last)
	require.NoError(t, f.manager.MarkUnreachable(ctx, 1))
	k := f.kiosk(t, 1)
	assert.Equal(t, domain.KioskUnreachable, k.Status)
	assert.True(t, k.Locked)

	require.True(t, f.registry.Register(1, "conn-1b", "10.0.0.1"))
	require.NoError(t, f.manager.MarkReachable(ctx, 1))
	assert.Equal(t, domain.KioskLocked, f.kiosk(t, 1).Status)

	// a session unlocks the kiosk; it falls back to Idle afterwards
	sess, err := f.manager.StartSession(ctx, 1, nil, 30)
	require.NoError(t, err)
	assert.False(t, f.kiosk(t, 1).Locked)
	_, err = f.manager.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KioskIdle, f.kiosk(t, 1).Status)
}

func TestResetConnectivity_AfterRestart(t *testing.T) {
	f := newFixture(t)
	f.addKiosks(t, 4)
	ctx := context.Background()

	require.NoError(t, f.manager.SetLockState(ctx, 2, true))
	require.NoError(t, f.manager.ReportError(ctx, 3, "gpu fault"))
	sess, err := f.manager.StartSession(ctx, 4, nil, 60)
	require.NoError(t, err)

	// same store, fresh process: nothing is connected yet
	restarted := newFixtureWithStore(t, f.store)
	n, err := restarted.manager.ResetConnectivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, domain.KioskUnreachable, restarted.kiosk(t, 1).Status)
	locked := restarted.kiosk(t, 2)
	assert.Equal(t, domain.KioskUnreachable, locked.Status)
	assert.True(t, locked.Locked)
	faulty := restarted.kiosk(t, 3)
	assert.Equal(t, domain.KioskUnreachable, faulty.Status)
	assert.Equal(t, "gpu fault", faulty.LastError)
	bound := restarted.kiosk(t, 4)
	assert.Equal(t, domain.KioskInSession, bound.Status)
	require.NotNil(t, bound.CurrentSessionID)
	assert.Equal(t, sess.ID, *bound.CurrentSessionID)

	changes := restarted.events.OfType(domain.EventKioskStatusChanged)
	require.Len(t, changes, 3)
	for _, ev := range changes {
		assert.False(t, ev.Reachable)
		assert.Equal(t, domain.KioskUnreachable, ev.Kiosk.Status)
	}

	n, err = restarted.manager.ResetConnectivity(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.True(t, restarted.registry.Register(1, "conn-1", "10.0.0.1"))
	require.NoError(t, restarted.manager.MarkReachable(ctx, 1))
	assert.Equal(t, domain.KioskIdle, restarted.kiosk(t, 1).Status)

	require.True(t, restarted.registry.Register(2, "conn-2", "10.0.0.1"))
	require.NoError(t, restarted.manager.MarkReachable(ctx, 2))
	assert.Equal(t, domain.KioskLocked, restarted.kiosk(t, 2).Status)
}
