package bus

import (
	"context"

	"github.com/attentia/gazestore/internal/realtime"
)

// Bus fans snapshot events out across server replicas. Publish is best
// effort: commit never blocks on delivery.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
