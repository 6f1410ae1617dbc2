package sessions

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/logger"
)

// ErrVersionConflict is returned by Save when the row changed underneath the
// caller. The caller re-reads and retries; it must not overwrite blindly.
var ErrVersionConflict = errors.New("session version conflict")

type SessionRepo interface {
	Create(dbc dbctx.Context, s *domain.Session) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Session, error)
	ListAll(dbc dbctx.Context) ([]*domain.Session, error)
	ListByStatus(dbc dbctx.Context, statuses []string) ([]*domain.Session, error)
	ListActiveForTherapist(dbc dbctx.Context, therapistID uuid.UUID) ([]*domain.Session, error)
	ListPendingForTherapist(dbc dbctx.Context, therapistID uuid.UUID) ([]*domain.Session, error)
	ListReviewable(dbc dbctx.Context) ([]*domain.Session, error)
	ListGuestByEmailUnowned(dbc dbctx.Context, email string) ([]*domain.Session, error)
	Save(dbc dbctx.Context, s *domain.Session) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, fields map[string]interface{}) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: baseLog.With("repo", "SessionRepo")}
}

func (r *sessionRepo) conn(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *sessionRepo) Create(dbc dbctx.Context, s *domain.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.conn(dbc).Create(s).Error
}

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Session, error) {
	var s domain.Session
	err := r.conn(dbc).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) ListAll(dbc dbctx.Context) ([]*domain.Session, error) {
	var results []*domain.Session
	if err := r.conn(dbc).
		Order("start_time ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sessionRepo) ListByStatus(dbc dbctx.Context, statuses []string) ([]*domain.Session, error) {
	var results []*domain.Session
	if len(statuses) == 0 {
		return results, nil
	}
	if err := r.conn(dbc).
		Where("status IN ?", statuses).
		Order("start_time ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sessionRepo) ListActiveForTherapist(dbc dbctx.Context, therapistID uuid.UUID) ([]*domain.Session, error) {
	var results []*domain.Session
	if err := r.conn(dbc).
		Where("(therapist_id = ? OR is_guest = ?) AND status = ?", therapistID, true, domain.StatusActive).
		Order("start_time ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sessionRepo) ListPendingForTherapist(dbc dbctx.Context, therapistID uuid.UUID) ([]*domain.Session, error) {
	var results []*domain.Session
	if err := r.conn(dbc).
		Where("(therapist_id = ? OR is_guest = ?) AND status IN ?",
			therapistID, true, []string{domain.StatusPendingReview, domain.StatusCompleted}).
		Order("start_time ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ListReviewable is the canonical verification query: every live_gaze session
// with at least one snapshot, regardless of status. Status is display
// metadata; this predicate is the source of truth for reachability.
func (r *sessionRepo) ListReviewable(dbc dbctx.Context) ([]*domain.Session, error) {
	conn := r.conn(dbc)
	var results []*domain.Session
	if err := conn.
		Where("module = ?", domain.ModuleLiveGaze).
		Where(snapshotsNonEmptyExpr(conn)).
		Order("start_time ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *sessionRepo) ListGuestByEmailUnowned(dbc dbctx.Context, email string) ([]*domain.Session, error) {
	conn := r.conn(dbc)
	var results []*domain.Session
	if email == "" {
		return results, nil
	}
	if err := conn.
		Where("is_guest = ? AND patient_id IS NULL", true).
		Where(guestEmailExpr(conn), email).
		Order("start_time ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// Save persists the whole document with an optimistic-concurrency check on
// the version column. On success the in-memory version is bumped to match.
func (r *sessionRepo) Save(dbc dbctx.Context, s *domain.Session) error {
	res := r.conn(dbc).
		Model(&domain.Session{}).
		Where("id = ? AND version = ?", s.ID, s.Version).
		Updates(map[string]interface{}{
			"is_guest":      s.IsGuest,
			"session_type":  s.SessionType,
			"module":        s.Module,
			"source":        s.Source,
			"assigned_role": s.AssignedRole,
			"kind":          s.Kind,
			"status":        s.Status,
			"snapshots":     s.Snapshots,
			"start_time":    s.StartTime,
			"end_time":      s.EndTime,
			"patient_id":    s.PatientID,
			"therapist_id":  s.TherapistID,
			"guest_info":    s.GuestInfo,
			"version":       s.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save session %s: %w", s.ID, ErrVersionConflict)
	}
	s.Version++
	return nil
}

func (r *sessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	return r.conn(dbc).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// The snapshots column is JSONB on postgres and JSON text on sqlite (the
// offline repair tool runs against local sqlite copies), so the non-empty
// check is dialect dependent.
func snapshotsNonEmptyExpr(conn *gorm.DB) string {
	if conn.Dialector.Name() == "sqlite" {
		return "snapshots IS NOT NULL AND json_array_length(snapshots) > 0"
	}
	return "snapshots IS NOT NULL AND jsonb_array_length(snapshots) > 0"
}

func guestEmailExpr(conn *gorm.DB) string {
	if conn.Dialector.Name() == "sqlite" {
		return "json_extract(guest_info, '$.email') = ?"
	}
	return "guest_info ->> 'email' = ?"
}
