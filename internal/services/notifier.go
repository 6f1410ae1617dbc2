package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/platform/logger"
	"github.com/attentia/gazestore/internal/realtime"
	"github.com/attentia/gazestore/internal/realtime/bus"
)

// SnapshotNotifier announces capture events to live subscribers. All methods
// are fire-and-forget: delivery failures are logged, never propagated, and
// never block a commit.
type SnapshotNotifier interface {
	NotifySnapshot(sessionID uuid.UUID, snap domain.Snapshot)
	NotifySessionSubmitted(sessionID uuid.UUID)
	NotifySessionEnded(sessionID uuid.UUID)
}

type busNotifier struct {
	log *logger.Logger
	bus bus.Bus
}

func NewBusNotifier(log *logger.Logger, b bus.Bus) SnapshotNotifier {
	return &busNotifier{log: log.With("service", "SnapshotNotifier"), bus: b}
}

func (n *busNotifier) publish(event realtime.SSEEvent, sessionID uuid.UUID, data any) {
	if n.bus == nil {
		return
	}
	msg := realtime.SSEMessage{
		Channel: realtime.SessionChannel(sessionID),
		Event:   event,
		Data:    data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.bus.Publish(ctx, msg); err != nil {
			n.log.Warn("snapshot_notify_failed", "session_id", sessionID, "event", event, "error", err)
		}
	}()
}

func (n *busNotifier) NotifySnapshot(sessionID uuid.UUID, snap domain.Snapshot) {
	n.publish(realtime.SSEEventSnapshotCaptured, sessionID, snap)
}

func (n *busNotifier) NotifySessionSubmitted(sessionID uuid.UUID) {
	n.publish(realtime.SSEEventSessionSubmitted, sessionID, nil)
}

func (n *busNotifier) NotifySessionEnded(sessionID uuid.UUID) {
	n.publish(realtime.SSEEventSessionEnded, sessionID, nil)
}

type noopNotifier struct{}

// NewNoopNotifier is used when no redis bus is configured (single-node dev).
func NewNoopNotifier() SnapshotNotifier { return noopNotifier{} }

func (noopNotifier) NotifySnapshot(uuid.UUID, domain.Snapshot) {}
func (noopNotifier) NotifySessionSubmitted(uuid.UUID)          {}
func (noopNotifier) NotifySessionEnded(uuid.UUID)              {}
