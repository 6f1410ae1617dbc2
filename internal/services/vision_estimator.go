package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/attentia/gazestore/internal/platform/ctxutil"
	"github.com/attentia/gazestore/internal/platform/envutil"
	"github.com/attentia/gazestore/internal/platform/logger"
)

// visionEstimator maps Cloud Vision face detection onto gaze metrics: pan
// angle becomes head yaw, tilt becomes pitch, and the attention score decays
// as the head turns away from straight-on.
type visionEstimator struct {
	log     *logger.Logger
	client  *vision.ImageAnnotatorClient
	timeout time.Duration
}

func NewVisionEstimator(log *logger.Logger) (GazeEstimator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "VisionEstimator")

	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	ctx := context.Background()
	var (
		client *vision.ImageAnnotatorClient
		err    error
	)
	if creds != "" {
		client, err = vision.NewImageAnnotatorClient(ctx, option.WithCredentialsFile(creds))
	} else {
		// ADC (GKE/Cloud Run w/ attached SA)
		client, err = vision.NewImageAnnotatorClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &visionEstimator{
		log:     slog,
		client:  client,
		timeout: time.Duration(envutil.Int("GAZE_ANALYZE_TIMEOUT_SECONDS", 60)) * time.Second,
	}, nil
}

func (e *visionEstimator) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *visionEstimator) Estimate(ctx context.Context, img []byte) (*GazeMetrics, error) {
	if len(img) == 0 {
		return &GazeMetrics{GazeDirection: GazeDirectionUnknown}, nil
	}

	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{{
				Type:       visionpb.Feature_FACE_DETECTION,
				MaxResults: 1,
			}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision annotate: %w", err)
	}

	faces, err := faceAnnotations(resp)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return &GazeMetrics{GazeDirection: GazeDirectionUnknown}, nil
	}
	return metricsFromFace(faces[0]), nil
}

// faceAnnotations unpacks the single-image batch response, surfacing a
// per-image annotation failure as an error.
func faceAnnotations(resp *visionpb.BatchAnnotateImagesResponse) ([]*visionpb.FaceAnnotation, error) {
	if resp == nil || len(resp.GetResponses()) == 0 {
		return nil, nil
	}
	r := resp.GetResponses()[0]
	if st := r.GetError(); st != nil {
		return nil, fmt.Errorf("vision annotate: %s", st.GetMessage())
	}
	return r.GetFaceAnnotations(), nil
}

// metricsFromFace maps a face annotation onto gaze metrics: pan angle is head
// yaw, tilt is pitch.
func metricsFromFace(face *visionpb.FaceAnnotation) *GazeMetrics {
	yaw := float64(face.GetPanAngle())
	pitch := float64(face.GetTiltAngle())
	return &GazeMetrics{
		GazeDirection:  classifyDirection(pitch, yaw),
		AttentionScore: attentionScore(pitch, yaw, float64(face.GetDetectionConfidence())),
		HeadPitch:      pitch,
		HeadYaw:        yaw,
	}
}

func classifyDirection(pitch, yaw float64) string {
	if math.Abs(yaw) > 15 {
		if yaw > 0 {
			return "right"
		}
		return "left"
	}
	if pitch > 10 {
		return "down"
	}
	if pitch < -10 {
		return "up"
	}
	return "straight"
}

// attentionScore is 0..1: full marks for a confident straight-on face,
// decaying linearly with combined head rotation.
func attentionScore(pitch, yaw, confidence float64) float64 {
	straight := 1.0 - (math.Abs(pitch)+math.Abs(yaw))/180.0
	if straight < 0 {
		straight = 0
	}
	score := straight * confidence
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
