package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/attentia/gazestore/internal/blobstore"
	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/logger"
)

var (
	ErrSessionNotFound              = errors.New("session not found")
	ErrSessionNotAcceptingSnapshots = errors.New("session not accepting snapshots")
	ErrNoSnapshots                  = errors.New("at least one snapshot required")
)

// BlobWriteError: a candidate image could not be written. Everything written
// before it in the batch has been rolled back.
type BlobWriteError struct {
	Name string
	Err  error
}

func (e *BlobWriteError) Error() string {
	return fmt.Sprintf("blob write %q: %v", e.Name, e.Err)
}

func (e *BlobWriteError) Unwrap() error { return e.Err }

// MetadataCommitError: every blob in the batch was written but the session
// document save failed. The written blobs have been rolled back.
type MetadataCommitError struct {
	Err error
}

func (e *MetadataCommitError) Error() string {
	return fmt.Sprintf("session metadata commit: %v", e.Err)
}

func (e *MetadataCommitError) Unwrap() error { return e.Err }

// SnapshotCandidate is one captured frame as submitted by a client: inline
// image bytes, the capture time, and optionally metrics the client computed.
type SnapshotCandidate struct {
	Image     []byte
	Timestamp time.Time
	Metrics   *GazeMetrics
}

// CommitService is the single write path for every ingestion entry point.
// The protocol is blobs first, one document save second, compensating blob
// deletes on failure, so the store never references an image that was not
// written.
type CommitService interface {
	StartGuestSession(dbc dbctx.Context, info domain.GuestInfo) (*domain.Session, error)
	StartSession(dbc dbctx.Context, patientID, therapistID uuid.UUID) (*domain.Session, error)

	// SubmitGuest creates the guest session and commits its snapshot batch in
	// one call; the session lands directly in pending_review.
	SubmitGuest(dbc dbctx.Context, info domain.GuestInfo, candidates []SnapshotCandidate) (*domain.Session, error)

	// AppendLive commits a single frame to an active session. When analyze is
	// set the gaze estimator runs first; estimator failures downgrade to
	// neutral metrics and never block the commit.
	AppendLive(dbc dbctx.Context, sessionID uuid.UUID, cand SnapshotCandidate, analyze bool) (*domain.Snapshot, error)

	// SendForReview commits the remaining batch (frames already streamed live
	// are suppressed by timestamp) and transitions the session to
	// pending_review.
	SendForReview(dbc dbctx.Context, sessionID uuid.UUID, candidates []SnapshotCandidate, endTime *time.Time) (*domain.Session, error)

	// BulkSave is the therapist entry point; the session transitions straight
	// to completed.
	BulkSave(dbc dbctx.Context, sessionID uuid.UUID, candidates []SnapshotCandidate) (*domain.Session, error)

	EndSession(dbc dbctx.Context, sessionID uuid.UUID) (*domain.Session, error)
	UpdateSnapshotNotes(dbc dbctx.Context, sessionID, snapshotID uuid.UUID, notes string) (*domain.Snapshot, error)
	GetSession(dbc dbctx.Context, sessionID uuid.UUID) (*domain.Session, error)
}

type commitService struct {
	log       *logger.Logger
	sessions  sessions.SessionRepo
	blobs     blobstore.Store
	estimator GazeEstimator
	notifier  SnapshotNotifier
}

func NewCommitService(log *logger.Logger, repo sessions.SessionRepo, blobs blobstore.Store, estimator GazeEstimator, notifier SnapshotNotifier) CommitService {
	if estimator == nil {
		estimator = NewNoopEstimator()
	}
	if notifier == nil {
		notifier = NewNoopNotifier()
	}
	return &commitService{
		log:       log.With("service", "CommitService"),
		sessions:  repo,
		blobs:     blobs,
		estimator: estimator,
		notifier:  notifier,
	}
}

func (s *commitService) StartGuestSession(dbc dbctx.Context, info domain.GuestInfo) (*domain.Session, error) {
	now := time.Now().UTC()
	session := &domain.Session{
		ID:           uuid.New(),
		IsGuest:      true,
		SessionType:  domain.SessionTypeGuestScreening,
		Module:       domain.ModuleLiveGaze,
		Source:       domain.SourceLiveGazeAnalysis,
		AssignedRole: domain.RoleTherapist,
		Kind:         domain.ComputeKind(domain.ModuleLiveGaze, true),
		Status:       domain.StatusActive,
		StartTime:    now,
		GuestInfo:    datatypes.NewJSONType(info),
	}
	if err := s.sessions.Create(dbc, session); err != nil {
		return nil, fmt.Errorf("create guest session: %w", err)
	}
	s.log.Info("guest_session_started", "session_id", session.ID)
	return session, nil
}

func (s *commitService) StartSession(dbc dbctx.Context, patientID, therapistID uuid.UUID) (*domain.Session, error) {
	now := time.Now().UTC()
	session := &domain.Session{
		ID:           uuid.New(),
		SessionType:  domain.SessionTypeAuthenticated,
		Module:       domain.ModuleLiveGaze,
		Source:       domain.SourceLiveGazeAnalysis,
		AssignedRole: domain.RoleTherapist,
		Kind:         domain.ComputeKind(domain.ModuleLiveGaze, false),
		Status:       domain.StatusActive,
		StartTime:    now,
		PatientID:    &patientID,
		TherapistID:  &therapistID,
	}
	if err := s.sessions.Create(dbc, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session_started", "session_id", session.ID, "patient_id", patientID)
	return session, nil
}

func (s *commitService) SubmitGuest(dbc dbctx.Context, info domain.GuestInfo, candidates []SnapshotCandidate) (*domain.Session, error) {
	if len(candidates) == 0 {
		return nil, ErrNoSnapshots
	}
	now := time.Now().UTC()
	end := now
	session := &domain.Session{
		ID:           uuid.New(),
		IsGuest:      true,
		SessionType:  domain.SessionTypeGuestScreening,
		Module:       domain.ModuleLiveGaze,
		Source:       domain.SourceLiveGazeAnalysis,
		AssignedRole: domain.RoleTherapist,
		Kind:         domain.ComputeKind(domain.ModuleLiveGaze, true),
		Status:       domain.StatusPendingReview,
		StartTime:    now,
		EndTime:      &end,
		GuestInfo:    datatypes.NewJSONType(info),
	}

	appended, err := s.commitBatch(dbc, session, candidates, true)
	if err != nil {
		return nil, err
	}
	s.log.Info("guest_session_submitted",
		"session_id", session.ID,
		"snapshots", len(appended),
	)
	s.notifier.NotifySessionSubmitted(session.ID)
	return session, nil
}

func (s *commitService) AppendLive(dbc dbctx.Context, sessionID uuid.UUID, cand SnapshotCandidate, analyze bool) (*domain.Snapshot, error) {
	session, err := s.loadAccepting(dbc, sessionID)
	if err != nil {
		return nil, err
	}

	if analyze && cand.Metrics == nil {
		if metrics, estErr := s.estimator.Estimate(dbc.Ctx, cand.Image); estErr != nil {
			s.log.Warn("gaze_estimate_failed", "session_id", sessionID, "error", estErr)
		} else {
			cand.Metrics = metrics
		}
	}

	appended, err := s.commitBatch(dbc, session, []SnapshotCandidate{cand}, false)
	if err != nil {
		return nil, err
	}
	if len(appended) == 0 {
		// duplicate timestamp of an already-streamed frame
		return nil, nil
	}
	return &appended[0], nil
}

func (s *commitService) SendForReview(dbc dbctx.Context, sessionID uuid.UUID, candidates []SnapshotCandidate, endTime *time.Time) (*domain.Session, error) {
	session, err := s.loadAccepting(dbc, sessionID)
	if err != nil {
		return nil, err
	}

	session.Status = domain.StatusPendingReview
	if endTime != nil {
		session.EndTime = endTime
	} else {
		now := time.Now().UTC()
		session.EndTime = &now
	}

	appended, err := s.commitBatch(dbc, session, candidates, false)
	if err != nil {
		return nil, err
	}
	s.log.Info("session_sent_for_review",
		"session_id", session.ID,
		"new_snapshots", len(appended),
		"total_snapshots", len(session.Snapshots),
	)
	s.notifier.NotifySessionSubmitted(session.ID)
	return session, nil
}

func (s *commitService) BulkSave(dbc dbctx.Context, sessionID uuid.UUID, candidates []SnapshotCandidate) (*domain.Session, error) {
	session, err := s.loadAccepting(dbc, sessionID)
	if err != nil {
		return nil, err
	}

	session.Status = domain.StatusCompleted
	now := time.Now().UTC()
	session.EndTime = &now

	if _, err := s.commitBatch(dbc, session, candidates, false); err != nil {
		return nil, err
	}
	s.log.Info("session_bulk_saved", "session_id", session.ID, "snapshots", len(session.Snapshots))
	return session, nil
}

func (s *commitService) EndSession(dbc dbctx.Context, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	now := time.Now().UTC()
	if err := s.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status":   domain.StatusCompleted,
		"end_time": now,
	}); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	session.Status = domain.StatusCompleted
	session.EndTime = &now
	s.notifier.NotifySessionEnded(sessionID)
	return session, nil
}

func (s *commitService) UpdateSnapshotNotes(dbc dbctx.Context, sessionID, snapshotID uuid.UUID, notes string) (*domain.Snapshot, error) {
	session, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	snap := session.SnapshotByID(snapshotID)
	if snap == nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrSessionNotFound)
	}
	snap.Notes = notes
	if err := s.sessions.Save(dbc, session); err != nil {
		return nil, fmt.Errorf("save snapshot notes: %w", err)
	}
	return snap, nil
}

func (s *commitService) GetSession(dbc dbctx.Context, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *commitService) loadAccepting(dbc dbctx.Context, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := s.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if !session.AcceptsSnapshots() {
		return nil, fmt.Errorf("session %s status %q: %w", sessionID, session.Status, ErrSessionNotAcceptingSnapshots)
	}
	return session, nil
}

// commitBatch is the two-phase protocol. Phase one writes every non-duplicate
// candidate's blob, tracking names for rollback. Phase two does the single
// session document write (create for guest submission, version-checked save
// otherwise). Any failure deletes the blobs written in this batch and leaves
// the document untouched, so the verification query never sees a half-linked
// session.
func (s *commitService) commitBatch(dbc dbctx.Context, session *domain.Session, candidates []SnapshotCandidate, create bool) ([]domain.Snapshot, error) {
	written := make([]string, 0, len(candidates))
	appended := make([]domain.Snapshot, 0, len(candidates))
	seen := make(map[int64]bool, len(candidates))

	for _, cand := range candidates {
		ts := cand.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if session.HasSnapshotAt(ts) || seen[ts.UnixMilli()] {
			s.log.Debug("duplicate_snapshot_skipped", "session_id", session.ID, "timestamp", ts)
			continue
		}
		seen[ts.UnixMilli()] = true

		name := blobstore.GenerateName(ts)
		path, err := s.blobs.Write(dbc.Ctx, name, cand.Image)
		if err != nil {
			s.rollbackBlobs(dbc, session.ID, written)
			return nil, &BlobWriteError{Name: name, Err: err}
		}
		written = append(written, name)

		snap := domain.Snapshot{
			ID:            uuid.New(),
			ImagePath:     path,
			Timestamp:     ts,
			GazeDirection: GazeDirectionUnknown,
			Status:        domain.SnapshotStatusCaptured,
		}
		if cand.Metrics != nil {
			snap.GazeDirection = cand.Metrics.GazeDirection
			snap.AttentionScore = cand.Metrics.AttentionScore
			snap.HeadPitch = cand.Metrics.HeadPitch
			snap.HeadYaw = cand.Metrics.HeadYaw
		}
		appended = append(appended, snap)
	}

	session.Snapshots = append(session.Snapshots, appended...)

	var err error
	if create {
		err = s.sessions.Create(dbc, session)
	} else {
		err = s.sessions.Save(dbc, session)
	}
	if err != nil {
		session.Snapshots = session.Snapshots[:len(session.Snapshots)-len(appended)]
		s.rollbackBlobs(dbc, session.ID, written)
		return nil, &MetadataCommitError{Err: err}
	}

	for i := range appended {
		s.notifier.NotifySnapshot(session.ID, appended[i])
	}
	return appended, nil
}

// rollbackBlobs compensates a failed batch. Best effort: individual delete
// failures are logged and skipped; whatever survives becomes an orphan for
// the recovery matcher.
func (s *commitService) rollbackBlobs(dbc dbctx.Context, sessionID uuid.UUID, names []string) {
	for _, name := range names {
		if err := s.blobs.Delete(dbc.Ctx, name); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			s.log.Warn("rollback_delete_failed", "session_id", sessionID, "blob", name, "error", err)
		}
	}
	if len(names) > 0 {
		s.log.Warn("commit_rolled_back", "session_id", sessionID, "blobs", len(names))
	}
}
