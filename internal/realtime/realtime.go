package realtime

import "github.com/google/uuid"

type SSEEvent string

const (
	SSEEventSnapshotCaptured SSEEvent = "GazeSnapshotCaptured"
	SSEEventSessionSubmitted SSEEvent = "GazeSessionSubmitted"
	SSEEventSessionEnded     SSEEvent = "GazeSessionEnded"
)

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

// SessionChannel names the per-session fanout channel that live-capture
// reviewers subscribe to.
func SessionChannel(id uuid.UUID) string {
	return "gaze:session:" + id.String()
}
