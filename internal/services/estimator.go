package services

import "context"

// GazeMetrics is the enrichment a snapshot carries when the estimator ran.
// All fields default to neutral values when it did not.
type GazeMetrics struct {
	GazeDirection  string  `json:"gaze_direction"`
	AttentionScore float64 `json:"attention_score"`
	HeadPitch      float64 `json:"head_pitch"`
	HeadYaw        float64 `json:"head_yaw"`
}

const GazeDirectionUnknown = "unknown"

// GazeEstimator derives gaze metrics from raw image bytes. It is advisory:
// commit never depends on it succeeding, and callers treat any error as
// "metrics unavailable".
type GazeEstimator interface {
	Estimate(ctx context.Context, img []byte) (*GazeMetrics, error)
}

type noopEstimator struct{}

// NewNoopEstimator returns an estimator for deployments without an analysis
// backend. Snapshots get neutral metrics and review proceeds on raw images.
func NewNoopEstimator() GazeEstimator { return noopEstimator{} }

func (noopEstimator) Estimate(ctx context.Context, img []byte) (*GazeMetrics, error) {
	return &GazeMetrics{GazeDirection: GazeDirectionUnknown}, nil
}
