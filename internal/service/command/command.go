// Package command sends lock and unlock commands to kiosks and tracks them until the
// kiosk acknowledges or the entry expires.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/metrics"
	"github.com/iamasit07/cafe-kiosk/backend/internal/repository"
)

// DefaultAckTTL is how long a command waits for its acknowledgement.
const DefaultAckTTL = 30 * time.Second

const keyPrefix = "kiosk_cmd:"

var ErrUnknownCommand = errors.New("unknown or expired command")

type Kind string

const (
	KindForceLock   Kind = "force_lock"
	KindForceUnlock Kind = "force_unlock"
)

// Locks reports whether acknowledging this kind leaves the kiosk locked.
func (k Kind) Locks() bool {
	return k == KindForceLock
}

type Command struct {
	ID       string    `json:"commandId"`
	KioskID  int64     `json:"kioskId"`
	Kind     Kind      `json:"kind"`
	IssuedAt time.Time `json:"issuedAt"`
}

// CacheRepository is the expiring key/value table pending commands live in.
type CacheRepository interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// Sender delivers a named event to a group of connections.
type Sender interface {
	SendToGroup(ctx context.Context, group, event string, payload any) error
}

type Service struct {
	cache   CacheRepository
	sender  Sender
	group   func(kioskID int64) string
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the table and the transport. group maps a kiosk id to its channel group.
func NewService(cache CacheRepository, sender Sender, group func(kioskID int64) string, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		cache:  cache,
		sender: sender,
		group:  group,
		ttl:    DefaultAckTTL,
		logger: logger.Named("command"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ForceLock(ctx context.Context, kioskID int64) (*Command, error) {
	return s.issue(ctx, kioskID, KindForceLock)
}

func (s *Service) ForceUnlock(ctx context.Context, kioskID int64) (*Command, error) {
	return s.issue(ctx, kioskID, KindForceUnlock)
}

// issue records the command, then sends it. A newer command for the same kiosk replaces
// the pending one.
func (s *Service) issue(ctx context.Context, kioskID int64, kind Kind) (*Command, error) {
	cmd := &Command{
		ID:       uuid.NewString(),
		KioskID:  kioskID,
		Kind:     kind,
		IssuedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	if err := s.cache.Set(ctx, pendingKey(kioskID), raw, s.ttl); err != nil {
		s.metrics.Command(string(kind), "store_failed")
		return nil, fmt.Errorf("failed to record pending command: %w", err)
	}

	if err := s.sender.SendToGroup(ctx, s.group(kioskID), string(kind), cmd); err != nil {
		s.metrics.Command(string(kind), "send_failed")
		s.logger.Warn("command delivery failed",
			zap.Int64("kiosk_id", kioskID),
			zap.String("command_id", cmd.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return cmd, fmt.Errorf("failed to send %s to kiosk %d: %w", kind, kioskID, err)
	}

	s.metrics.Command(string(kind), "sent")
	s.logger.Info("command sent", zap.Int64("kiosk_id", kioskID), zap.String("command_id", cmd.ID), zap.String("kind", string(kind)))
	return cmd, nil
}

// Acknowledge resolves the kiosk's pending command if commandID matches it.
func (s *Service) Acknowledge(ctx context.Context, kioskID int64, commandID string) (*Command, error) {
	cmd, err := s.Pending(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	if cmd == nil || cmd.ID != commandID {
		s.metrics.Command("ack", "rejected")
		return nil, fmt.Errorf("%w: %q for kiosk %d", ErrUnknownCommand, commandID, kioskID)
	}
	if err := s.cache.Del(ctx, pendingKey(kioskID)); err != nil {
		return nil, fmt.Errorf("failed to clear pending command: %w", err)
	}

	s.metrics.Command(string(cmd.Kind), "acked")
	return cmd, nil
}

// Pending returns the unacknowledged command for the kiosk, or nil.
func (s *Service) Pending(ctx context.Context, kioskID int64) (*Command, error) {
	raw, err := s.cache.Get(ctx, pendingKey(kioskID))
	if errors.Is(err, repository.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending command: %w", err)
	}

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode pending command: %w", err)
	}
	return &cmd, nil
}

func pendingKey(kioskID int64) string {
	return keyPrefix + strconv.FormatInt(kioskID, 10)
}
