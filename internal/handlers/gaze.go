package handlers

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/middleware"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/logger"
	"github.com/attentia/gazestore/internal/services"
)

const maxSnapshotBytes = 10 << 20

type GazeHandler struct {
	log      *logger.Logger
	commit   services.CommitService
	linking  services.LinkingService
	sessions sessions.SessionRepo
}

func NewGazeHandler(log *logger.Logger, commit services.CommitService, linking services.LinkingService, repo sessions.SessionRepo) *GazeHandler {
	return &GazeHandler{
		log:      log.With("handler", "GazeHandler"),
		commit:   commit,
		linking:  linking,
		sessions: repo,
	}
}

// snapshotPayload is one frame in a JSON batch. The image is base64, with or
// without a data-URL prefix; the timestamp is capture epoch millis.
type snapshotPayload struct {
	Image          string   `json:"image" binding:"required"`
	Timestamp      int64    `json:"timestamp"`
	GazeDirection  string   `json:"gaze_direction"`
	AttentionScore float64  `json:"attention_score"`
	HeadPitch      *float64 `json:"head_pitch"`
	HeadYaw        *float64 `json:"head_yaw"`
}

func (p *snapshotPayload) candidate() (services.SnapshotCandidate, error) {
	raw := p.Image
	if idx := strings.Index(raw, ";base64,"); idx >= 0 {
		raw = raw[idx+len(";base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return services.SnapshotCandidate{}, fmt.Errorf("decode image: %w", err)
	}
	cand := services.SnapshotCandidate{Image: img}
	if p.Timestamp > 0 {
		cand.Timestamp = time.UnixMilli(p.Timestamp).UTC()
	}
	if p.GazeDirection != "" {
		m := &services.GazeMetrics{
			GazeDirection:  p.GazeDirection,
			AttentionScore: p.AttentionScore,
		}
		if p.HeadPitch != nil {
			m.HeadPitch = *p.HeadPitch
		}
		if p.HeadYaw != nil {
			m.HeadYaw = *p.HeadYaw
		}
		cand.Metrics = m
	}
	return cand, nil
}

func candidates(payloads []snapshotPayload) ([]services.SnapshotCandidate, error) {
	out := make([]services.SnapshotCandidate, 0, len(payloads))
	for i := range payloads {
		cand, err := payloads[i].candidate()
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		out = append(out, cand)
	}
	return out, nil
}

func (h *GazeHandler) dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

func (h *GazeHandler) StartSession(c *gin.Context) {
	var body struct {
		PatientID uuid.UUID `json:"patient_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	therapistID := middleware.CurrentUserID(c)
	session, err := h.commit.StartSession(h.dbc(c), body.PatientID, therapistID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *GazeHandler) StartGuestSession(c *gin.Context) {
	var body domain.GuestInfo
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	session, err := h.commit.StartGuestSession(h.dbc(c), body)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *GazeHandler) SubmitGuest(c *gin.Context) {
	var body struct {
		ChildName  string            `json:"child_name"`
		ParentName string            `json:"parent_name"`
		Email      string            `json:"email" binding:"required"`
		Snapshots  []snapshotPayload `json:"snapshots" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	cands, err := candidates(body.Snapshots)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_snapshot", err)
		return
	}
	info := domain.GuestInfo{
		ChildName:  body.ChildName,
		ParentName: body.ParentName,
		Email:      strings.ToLower(strings.TrimSpace(body.Email)),
	}
	session, err := h.commit.SubmitGuest(h.dbc(c), info, cands)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session":   session,
		"snapshots": len(session.Snapshots),
	})
}

// UploadSnapshot appends one live frame. Accepts multipart (field "image")
// from the capture client; "analyze=true" runs the gaze estimator before the
// commit.
func (h *GazeHandler) UploadSnapshot(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "missing_image", err)
		return
	}
	defer file.Close()
	img, err := io.ReadAll(io.LimitReader(file, maxSnapshotBytes+1))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "read_image", err)
		return
	}
	if len(img) > maxSnapshotBytes {
		RespondError(c, http.StatusRequestEntityTooLarge, "image_too_large", fmt.Errorf("image exceeds %d bytes", maxSnapshotBytes))
		return
	}

	cand := services.SnapshotCandidate{Image: img}
	if raw := c.PostForm("timestamp"); raw != "" {
		ms, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			RespondError(c, http.StatusBadRequest, "invalid_timestamp", perr)
			return
		}
		cand.Timestamp = time.UnixMilli(ms).UTC()
	}
	analyze := c.Query("analyze") == "true"

	snap, err := h.commit.AppendLive(h.dbc(c), sessionID, cand, analyze)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	if snap == nil {
		// duplicate timestamp; the frame was already committed
		c.JSON(http.StatusOK, gin.H{"duplicate": true})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot": snap})
}

func (h *GazeHandler) SendForReview(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	var body struct {
		Snapshots []snapshotPayload `json:"snapshots"`
		EndTime   int64             `json:"end_time"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	cands, err := candidates(body.Snapshots)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_snapshot", err)
		return
	}
	var endTime *time.Time
	if body.EndTime > 0 {
		t := time.UnixMilli(body.EndTime).UTC()
		endTime = &t
	}
	session, err := h.commit.SendForReview(h.dbc(c), sessionID, cands, endTime)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"session": session})
}

func (h *GazeHandler) BulkSave(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	var body struct {
		Snapshots []snapshotPayload `json:"snapshots" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	cands, err := candidates(body.Snapshots)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_snapshot", err)
		return
	}
	session, err := h.commit.BulkSave(h.dbc(c), sessionID, cands)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"session": session})
}

func (h *GazeHandler) EndSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	session, err := h.commit.EndSession(h.dbc(c), sessionID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"session": session})
}

func (h *GazeHandler) UpdateSnapshotNotes(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	snapshotID, err := uuid.Parse(c.Param("snapshotId"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_snapshot_id", err)
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	snap, err := h.commit.UpdateSnapshotNotes(h.dbc(c), sessionID, snapshotID, body.Notes)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"snapshot": snap})
}

func (h *GazeHandler) GetSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	session, err := h.commit.GetSession(h.dbc(c), sessionID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"session": session})
}

func (h *GazeHandler) ListActive(c *gin.Context) {
	list, err := h.sessions.ListActiveForTherapist(h.dbc(c), middleware.CurrentUserID(c))
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"sessions": list})
}

func (h *GazeHandler) ListPending(c *gin.Context) {
	list, err := h.sessions.ListPendingForTherapist(h.dbc(c), middleware.CurrentUserID(c))
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"sessions": list})
}

// ListReviewable serves the review surface from the canonical predicate, not
// from status.
func (h *GazeHandler) ListReviewable(c *gin.Context) {
	list, err := h.sessions.ListReviewable(h.dbc(c))
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"sessions": list})
}

func (h *GazeHandler) RelinkGuestSessions(c *gin.Context) {
	// Relinking rewrites ownership, so parent and teacher tokens are read-only
	// here.
	if role := middleware.CurrentRole(c); role != domain.RoleTherapist {
		RespondError(c, http.StatusForbidden, "therapist_only", fmt.Errorf("role %q cannot relink sessions", role))
		return
	}
	var body struct {
		Email     string    `json:"email" binding:"required"`
		PatientID uuid.UUID `json:"patient_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	linked, err := h.linking.RelinkGuestSessions(h.dbc(c), body.Email, body.PatientID, middleware.CurrentUserID(c))
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"linked": len(linked), "sessions": linked})
}
