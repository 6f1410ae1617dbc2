package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/logger"
)

// LinkingService attaches unowned guest sessions to a clinical record once
// the guest's email is known to belong to a registered patient. Matching is
// by guest email only; sessions that already have an owner are never touched.
type LinkingService interface {
	RelinkGuestSessions(dbc dbctx.Context, email string, patientID, therapistID uuid.UUID) ([]domain.Session, error)
}

type linkingService struct {
	log      *logger.Logger
	sessions sessions.SessionRepo
}

func NewLinkingService(log *logger.Logger, repo sessions.SessionRepo) LinkingService {
	return &linkingService{
		log:      log.With("service", "LinkingService"),
		sessions: repo,
	}
}

func (s *linkingService) RelinkGuestSessions(dbc dbctx.Context, email string, patientID, therapistID uuid.UUID) ([]domain.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("relink: empty email")
	}

	candidates, err := s.sessions.ListGuestByEmailUnowned(dbc, email)
	if err != nil {
		return nil, fmt.Errorf("relink lookup: %w", err)
	}

	linked := make([]domain.Session, 0, len(candidates))
	for _, session := range candidates {
		updates := map[string]interface{}{
			"patient_id":   patientID,
			"therapist_id": therapistID,
		}
		if err := s.sessions.UpdateFields(dbc, session.ID, updates); err != nil {
			s.log.Error("guest_relink_failed", "session_id", session.ID, "error", err)
			return linked, fmt.Errorf("relink session %s: %w", session.ID, err)
		}
		session.PatientID = &patientID
		session.TherapistID = &therapistID
		linked = append(linked, *session)
	}

	if len(linked) > 0 {
		s.log.Info("guest_sessions_relinked", "email", email, "patient_id", patientID, "count", len(linked))
	}
	return linked, nil
}
