package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Canonical session statuses. Anything else found in the store ("archived",
// "live", empty) is legacy drift that the auditor normalizes.
const (
	StatusActive        = "active"
	StatusPendingReview = "pending_review"
	StatusCompleted     = "completed"
	StatusReviewed      = "reviewed"

	LegacyStatusArchived = "archived"
	LegacyStatusLive     = "live"
)

const (
	ModuleLiveGaze        = "live_gaze"
	ModuleImitationGame   = "imitation_game"
	ModulePatternFixation = "pattern_fixation"
)

const (
	SessionTypeAuthenticated  = "authenticated"
	SessionTypeGuestScreening = "guest_screening"
)

const SourceLiveGazeAnalysis = "live_gaze_analysis"

const (
	RoleTherapist = "therapist"
	RoleParent    = "parent"
	RoleTeacher   = "teacher"
)

const (
	SnapshotStatusCaptured  = "captured"
	SnapshotStatusRecovered = "recovered"
)

// Match confidence for snapshots written by recovery. Captured snapshots leave
// it empty.
const (
	MatchConfidenceExact    = "exact"
	MatchConfidenceWindowed = "windowed"
)

// SessionKind is the single classification tag computed once at creation.
// The accreted legacy fields (module/sessionType/source/isGuest) are kept for
// compatibility with existing rows and as auditor migration input, but new
// code branches on Kind alone.
type SessionKind string

const (
	KindLiveGazeGuest    SessionKind = "live_gaze_guest"
	KindLiveGazeClinical SessionKind = "live_gaze_clinical"
	KindImitationGame    SessionKind = "imitation_game"
	KindPatternFixation  SessionKind = "pattern_fixation"
)

func ComputeKind(module string, isGuest bool) SessionKind {
	switch module {
	case ModuleImitationGame:
		return KindImitationGame
	case ModulePatternFixation:
		return KindPatternFixation
	default:
		if isGuest {
			return KindLiveGazeGuest
		}
		return KindLiveGazeClinical
	}
}

// IsGaze reports whether the kind belongs to the gaze-review surface.
func (k SessionKind) IsGaze() bool {
	return k == KindLiveGazeGuest || k == KindLiveGazeClinical
}

type GuestInfo struct {
	ChildName  string `json:"child_name"`
	ParentName string `json:"parent_name"`
	Email      string `json:"email"`
}

// Snapshot is one captured frame embedded in its session document. Ordering
// inside the snapshots list is append-only and never changed afterwards.
type Snapshot struct {
	ID             uuid.UUID `json:"id"`
	ImagePath      string    `json:"image_path"`
	Timestamp      time.Time `json:"timestamp"`
	GazeDirection  string    `json:"gaze_direction"`
	AttentionScore float64   `json:"attention_score"`
	HeadPitch      float64   `json:"head_pitch"`
	HeadYaw        float64   `json:"head_yaw"`
	Status         string    `json:"status"`
	Confidence     string    `json:"confidence,omitempty"`
	Notes          string    `json:"notes,omitempty"`
}

type Session struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	IsGuest      bool        `gorm:"column:is_guest" json:"is_guest"`
	SessionType  string      `gorm:"column:session_type" json:"session_type"`
	Module       string      `gorm:"column:module" json:"module"`
	Source       string      `gorm:"column:source" json:"source"`
	AssignedRole string      `gorm:"column:assigned_role" json:"assigned_role"`
	Kind         SessionKind `gorm:"column:kind;index" json:"kind"`

	Status string `gorm:"column:status;index" json:"status"`

	Snapshots datatypes.JSONSlice[Snapshot] `gorm:"column:snapshots" json:"snapshots"`

	StartTime time.Time  `gorm:"column:start_time;not null" json:"start_time"`
	EndTime   *time.Time `gorm:"column:end_time" json:"end_time"`

	PatientID   *uuid.UUID                     `gorm:"type:uuid;column:patient_id;index" json:"patient_id"`
	TherapistID *uuid.UUID                     `gorm:"type:uuid;column:therapist_id;index" json:"therapist_id"`
	GuestInfo   datatypes.JSONType[GuestInfo]  `gorm:"column:guest_info" json:"guest_info"`

	// Version is the optimistic-concurrency token. Whole-document saves check
	// and increment it; a stale save surfaces as a version conflict instead of
	// silently losing snapshots to last-write-wins.
	Version int `gorm:"column:version;not null;default:0" json:"version"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Session) TableName() string {
	return "gaze_session"
}

func (s *Session) HasSnapshots() bool {
	return s != nil && len(s.Snapshots) > 0
}

// AcceptsSnapshots reports whether the capture write path may append to this
// session. Only active sessions take new frames; recovery appends through its
// own path and ignores this.
func (s *Session) AcceptsSnapshots() bool {
	return s != nil && s.Status == StatusActive
}

func (s *Session) GuestEmail() string {
	if s == nil {
		return ""
	}
	return s.GuestInfo.Data().Email
}

// HasSnapshotAt reports whether a snapshot with the exact same capture
// timestamp already exists. Capture clients may stream frames live and then
// resend the full batch on "send for review"; timestamp equality is the
// duplicate key.
func (s *Session) HasSnapshotAt(ts time.Time) bool {
	if s == nil {
		return false
	}
	for i := range s.Snapshots {
		if s.Snapshots[i].Timestamp.Equal(ts) {
			return true
		}
	}
	return false
}

func (s *Session) SnapshotByID(id uuid.UUID) *Snapshot {
	if s == nil {
		return nil
	}
	for i := range s.Snapshots {
		if s.Snapshots[i].ID == id {
			return &s.Snapshots[i]
		}
	}
	return nil
}
