// Package broadcast fans committed state changes out to their audiences.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
	"github.com/iamasit07/cafe-kiosk/backend/internal/metrics"
)

const (
	Operators      = "Operators"
	Administrators = "Administrators"

	kioskGroupPrefix = "kiosk:"

	// EventChannel is the pub/sub channel reporting collaborators subscribe to.
	EventChannel = "kiosk-events"
)

// KioskGroup names the channel group of a single kiosk.
func KioskGroup(kioskID int64) string {
	return kioskGroupPrefix + strconv.FormatInt(kioskID, 10)
}

// ParseKioskGroup is the inverse of KioskGroup.
func ParseKioskGroup(group string) (int64, bool) {
	rest, ok := strings.CutPrefix(group, kioskGroupPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ErrNoMembers is returned by a Sender when the group has nobody to deliver to.
var ErrNoMembers = errors.New("group has no members")

// Sender delivers one named event to every member of a group.
type Sender interface {
	SendToGroup(ctx context.Context, group, event string, payload any) error
}

// Publisher is an optional event stream sink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Audiences returns the groups that must see ev, in delivery order.
func Audiences(ev domain.Event) []string {
	audiences := []string{Operators, Administrators}
	if ev.ConcernsKiosk() {
		audiences = append(audiences, KioskGroup(ev.KioskID))
	}
	return audiences
}

type Dispatcher struct {
	sender    Sender
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type Option func(*Dispatcher)

// WithPublisher mirrors every event onto EventChannel.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(sender Sender, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		logger: logger.Named("broadcast"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers ev to each audience independently. Failures are logged and
// counted; they are not retried and never reach the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) {
	for _, audience := range Audiences(ev) {
		err := d.sender.SendToGroup(ctx, audience, string(ev.Type), ev)
		if errors.Is(err, ErrNoMembers) {
			// nobody watching; not a delivery failure
			continue
		}
		if err != nil {
			d.metrics.BroadcastFailed(audienceLabel(audience))
			d.logger.Warn("delivery failed",
				zap.String("audience", audience),
				zap.String("event", string(ev.Type)),
				zap.Int64("kiosk_id", ev.KioskID),
				zap.Error(err),
			)
		}
	}

	if d.publisher == nil {
		return
	}
	message, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to encode event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	if err := d.publisher.Publish(ctx, EventChannel, message); err != nil {
		d.metrics.BroadcastFailed("stream")
		d.logger.Warn("publish failed", zap.String("channel", EventChannel), zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// audienceLabel keeps per-kiosk groups from becoming one metric series each.
func audienceLabel(audience string) string {
	if strings.HasPrefix(audience, kioskGroupPrefix) {
		return "kiosk"
	}
	return audience
}
