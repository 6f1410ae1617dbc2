package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/ctxutil"
	"github.com/attentia/gazestore/internal/platform/logger"
)

// runLogger attaches the correlation ids carried on the context, so log lines
// from one repair pass can be tied back to its report.
func runLogger(base *logger.Logger, dbc dbctx.Context) *logger.Logger {
	td := ctxutil.GetTraceData(ctxutil.Default(dbc.Ctx))
	if td == nil {
		return base
	}
	if td.TraceID != "" {
		base = base.With("trace_id", td.TraceID)
	}
	if td.RequestID != "" {
		base = base.With("request_id", td.RequestID)
	}
	return base
}

// ExcludedSession is a gaze session the review surface cannot see even after
// normalization, with the reason it stays invisible.
type ExcludedSession struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

const (
	ExcludeReasonNoPhotos    = "no_photos"
	ExcludeReasonWrongModule = "wrong_module"
)

type AuditReport struct {
	TotalSessions int `json:"total_sessions"`
	GazeSessions  int `json:"gaze_sessions"`

	// Status histograms keyed by raw status value; legacy values show up in
	// Before with their original spelling (empty status as "<empty>").
	StatusBefore map[string]int `json:"status_before"`
	StatusAfter  map[string]int `json:"status_after"`

	// Fixes counts applied changes keyed "field:old->new".
	Fixes map[string]int `json:"fixes"`

	Excluded []ExcludedSession `json:"excluded"`
	Errors   []string          `json:"errors"`

	DryRun bool `json:"dry_run"`
}

// AuditService walks every session, decides which belong to the gaze review
// surface, and normalizes the drifted identity and status fields so the
// verification query sees everything it should. Running it twice in a row
// produces zero fixes the second time.
type AuditService interface {
	Audit(dbc dbctx.Context, dryRun bool) (*AuditReport, error)
}

type auditService struct {
	log      *logger.Logger
	sessions sessions.SessionRepo
}

func NewAuditService(log *logger.Logger, repo sessions.SessionRepo) AuditService {
	return &auditService{
		log:      log.With("service", "AuditService"),
		sessions: repo,
	}
}

// isGazeSession is the union predicate over every marker past writers used.
// A session counts as gaze when any generation of the write path tagged it.
func isGazeSession(s *domain.Session) bool {
	if s.Kind.IsGaze() {
		return true
	}
	if s.Module == domain.ModuleLiveGaze {
		return true
	}
	if s.SessionType == domain.SessionTypeGuestScreening {
		return true
	}
	if s.Source == domain.SourceLiveGazeAnalysis {
		return true
	}
	if s.IsGuest {
		return true
	}
	return s.GuestEmail() != ""
}

func (s *auditService) Audit(dbc dbctx.Context, dryRun bool) (*AuditReport, error) {
	log := runLogger(s.log, dbc)
	all, err := s.sessions.ListAll(dbc)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	report := &AuditReport{
		TotalSessions: len(all),
		StatusBefore:  map[string]int{},
		StatusAfter:   map[string]int{},
		Fixes:         map[string]int{},
		DryRun:        dryRun,
	}

	for _, session := range all {
		report.StatusBefore[histKey(session.Status)]++

		if !isGazeSession(session) {
			report.StatusAfter[histKey(session.Status)]++
			continue
		}
		report.GazeSessions++

		// Sessions claimed by another module keep their identity; they were
		// matched only through shared guest/source markers and do not belong
		// on the gaze review surface.
		if session.Module != "" && session.Module != domain.ModuleLiveGaze {
			report.Excluded = append(report.Excluded, ExcludedSession{ID: session.ID, Reason: ExcludeReasonWrongModule})
			report.StatusAfter[histKey(session.Status)]++
			continue
		}

		updates := map[string]interface{}{}
		s.normalizeIdentity(session, updates, report)
		s.normalizeStatus(session, updates, report)

		if len(updates) > 0 && !dryRun {
			if err := s.sessions.UpdateFields(dbc, session.ID, updates); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("session %s: %v", session.ID, err))
				log.Error("audit_update_failed", "session_id", session.ID, "error", err)
			}
		}

		if !session.HasSnapshots() {
			report.Excluded = append(report.Excluded, ExcludedSession{ID: session.ID, Reason: ExcludeReasonNoPhotos})
		}
		report.StatusAfter[histKey(session.Status)]++
	}

	log.Info("audit_complete",
		"total", report.TotalSessions,
		"gaze", report.GazeSessions,
		"fixes", len(report.Fixes),
		"excluded", len(report.Excluded),
		"dry_run", dryRun,
	)
	return report, nil
}

// normalizeIdentity backfills the identity fields older writers left unset so
// the verification query can rely on module alone.
func (s *auditService) normalizeIdentity(session *domain.Session, updates map[string]interface{}, report *AuditReport) {
	if session.Module != domain.ModuleLiveGaze {
		report.Fixes[fixKey("module", session.Module, domain.ModuleLiveGaze)]++
		session.Module = domain.ModuleLiveGaze
		updates["module"] = domain.ModuleLiveGaze
	}
	if session.Source != domain.SourceLiveGazeAnalysis {
		report.Fixes[fixKey("source", session.Source, domain.SourceLiveGazeAnalysis)]++
		session.Source = domain.SourceLiveGazeAnalysis
		updates["source"] = domain.SourceLiveGazeAnalysis
	}
	wantType := domain.SessionTypeAuthenticated
	if session.IsGuest || session.GuestEmail() != "" {
		wantType = domain.SessionTypeGuestScreening
	}
	if session.SessionType != wantType {
		report.Fixes[fixKey("session_type", session.SessionType, wantType)]++
		session.SessionType = wantType
		updates["session_type"] = wantType
	}
	if wantType == domain.SessionTypeGuestScreening && !session.IsGuest {
		report.Fixes[fixKey("is_guest", "false", "true")]++
		session.IsGuest = true
		updates["is_guest"] = true
	}
	wantKind := domain.ComputeKind(session.Module, session.IsGuest)
	if session.Kind != wantKind {
		report.Fixes[fixKey("kind", string(session.Kind), string(wantKind))]++
		session.Kind = wantKind
		updates["kind"] = wantKind
	}
	if session.AssignedRole == "" {
		report.Fixes[fixKey("assigned_role", "", domain.RoleTherapist)]++
		session.AssignedRole = domain.RoleTherapist
		updates["assigned_role"] = domain.RoleTherapist
	}
}

// normalizeStatus maps drifted statuses onto the canonical lifecycle.
// Reviewed sessions are terminal and never touched. Sessions that hold
// snapshots but were never routed to review come back as pending_review;
// legacy-status sessions without snapshots reopen as active so capture can
// resume or recovery can claim them.
func (s *auditService) normalizeStatus(session *domain.Session, updates map[string]interface{}, report *AuditReport) {
	old := session.Status
	var want string

	switch old {
	case domain.StatusReviewed:
		return
	case domain.StatusActive, domain.StatusCompleted:
		if session.HasSnapshots() {
			want = domain.StatusPendingReview
		} else {
			want = old
		}
	case domain.StatusPendingReview:
		want = old
	default:
		// "", "archived", "live", anything unrecognized
		if session.HasSnapshots() {
			want = domain.StatusPendingReview
		} else {
			want = domain.StatusActive
		}
	}

	if want != old {
		report.Fixes[fixKey("status", old, want)]++
		session.Status = want
		updates["status"] = want
	}
}

func histKey(status string) string {
	if status == "" {
		return "<empty>"
	}
	return status
}

func fixKey(field, old, want string) string {
	if old == "" {
		old = "<empty>"
	}
	return fmt.Sprintf("%s:%s->%s", field, old, want)
}
