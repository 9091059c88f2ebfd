// Package cleanup runs the periodic background passes: session expiry and stale
// connection pruning.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/metrics"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/command"
	"github.com/iamasit07/cafe-kiosk/backend/internal/service/presence"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultPruneInterval = 30 * time.Second
)

// Sessions is the part of the lifecycle manager the worker drives.
type Sessions interface {
	ListExpiredSessions(ctx context.Context) ([]domain.Session, error)
	ExpireSession(ctx context.Context, sessionID int64) (*domain.Session, error)
	MarkUnreachable(ctx context.Context, kioskID int64) error
}

type Locker interface {
	ForceLock(ctx context.Context, kioskID int64) (*command.Command, error)
}

type Registry interface {
	PruneStale() []presence.Pruned
	ConnectionCount() int
	ReachableKiosks() []int64
}

// Closer drops a live connection.
type Closer interface {
	Close(connectionID string) bool
}

type SweepResult struct {
	Expired      int
	Failed       int
	LockFailures int
}

type Worker struct {
	sessions Sessions
	locker   Locker
	registry Registry
	closer   Closer

	sweepInterval time.Duration
	pruneInterval time.Duration

	metrics *metrics.Metrics
	logger  *zap.Logger
	cron    *cron.Cron
}

type Option func(*Worker)

func WithSweepInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.sweepInterval = d
		}
	}
}

func WithPruneInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pruneInterval = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(sessions Sessions, locker Locker, registry Registry, closer Closer, logger *zap.Logger, opts ...Option) *Worker {
	w := &Worker{
		sessions:      sessions,
		locker:        locker,
		registry:      registry,
		closer:        closer,
		sweepInterval: DefaultSweepInterval,
		pruneInterval: DefaultPruneInterval,
		logger:        logger.Named("sweeper"),
	}
	for _, opt := range opts {
		opt(w)
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(w.logger))
	w.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return w
}

// Start schedules both passes. A pass that is still running when its next tick fires
// makes that tick a no-op.
func (w *Worker) Start() error {
	ctx := context.Background()

	if _, err := w.cron.AddFunc(every(w.sweepInterval), func() { w.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	if _, err := w.cron.AddFunc(every(w.pruneInterval), func() { w.PruneConnections(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule connection pruning: %w", err)
	}

	w.cron.Start()
	w.logger.Info("background worker started",
		zap.Duration("sweep_interval", w.sweepInterval),
		zap.Duration("prune_interval", w.pruneInterval),
	)
	return nil
}

// Stop unschedules the passes and waits for a running one to finish, or for ctx.
func (w *Worker) Stop(ctx context.Context) error {
	done := w.cron.Stop()
	select {
	case <-done.Done():
		w.logger.Info("background worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep ends every session whose allotted time has run out and force-locks its kiosk.
// One session failing does not stop the others.
func (w *Worker) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	var result SweepResult

	expired, err := w.sessions.ListExpiredSessions(ctx)
	if err != nil {
		w.logger.Error("failed to list expired sessions", zap.Error(err))
		w.metrics.ObserveSweep(time.Since(start), 0, 1)
		result.Failed++
		return result
	}

	for _, s := range expired {
		ended, err := w.sessions.ExpireSession(ctx, s.ID)
		if errors.Is(err, domain.ErrInvalidState) {
			// ended by someone else since the listing
			continue
		}
		if err != nil {
			result.Failed++
			w.logger.Error("failed to expire session",
				zap.Int64("session_id", s.ID),
				zap.Int64("kiosk_id", s.KioskID),
				zap.Error(err),
			)
			continue
		}
		result.Expired++

		if _, err := w.locker.ForceLock(ctx, ended.KioskID); err != nil {
			result.LockFailures++
			w.logger.Warn("failed to lock kiosk after expiry",
				zap.Int64("session_id", ended.ID),
				zap.Int64("kiosk_id", ended.KioskID),
				zap.Error(err),
			)
		}
	}

	w.metrics.ObserveSweep(time.Since(start), result.Expired, result.Failed)
	if result.Expired > 0 || result.Failed > 0 {
		w.logger.Info("sweep finished",
			zap.Int("expired", result.Expired),
			zap.Int("failed", result.Failed),
			zap.Int("lock_failures", result.LockFailures),
			zap.Duration("took", time.Since(start)),
		)
	}
	return result
}

// PruneConnections drops connections past the liveness threshold and reports kiosks
// that lost their last one. It returns the number of pruned connections.
func (w *Worker) PruneConnections(ctx context.Context) int {
	pruned := w.registry.PruneStale()
	for _, p := range pruned {
		if w.closer != nil {
			w.closer.Close(p.ConnectionID)
		}
		w.logger.Info("stale connection pruned", zap.String("connection_id", p.ConnectionID), zap.Int64("kiosk_id", p.KioskID))

		if !p.LastForKiosk {
			continue
		}
		if err := w.sessions.MarkUnreachable(ctx, p.KioskID); err != nil {
			w.logger.Error("failed to mark kiosk unreachable", zap.Int64("kiosk_id", p.KioskID), zap.Error(err))
		}
	}

	w.metrics.Pruned(len(pruned))
	w.metrics.SetPresence(w.registry.ConnectionCount(), len(w.registry.ReachableKiosks()))
	return len(pruned)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
