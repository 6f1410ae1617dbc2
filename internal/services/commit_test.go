package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/attentia/gazestore/internal/domain"
)

func guestInfo() domain.GuestInfo {
	return domain.GuestInfo{
		ChildName:  "Milo",
		ParentName: "Alex",
		Email:      "alex@example.com",
	}
}

func frames(base time.Time, n int) []SnapshotCandidate {
	out := make([]SnapshotCandidate, n)
	for i := range out {
		out[i] = SnapshotCandidate{
			Image:     []byte(fmt.Sprintf("frame-%d", i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestSubmitGuestCommitsBlobsAndSession(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	notifier := &recordingNotifier{}
	svc := NewCommitService(testLogger(t), repo, store, nil, notifier)

	base := time.UnixMilli(1717000000000).UTC()
	session, err := svc.SubmitGuest(testDBC(), guestInfo(), frames(base, 3))
	if err != nil {
		t.Fatalf("SubmitGuest: %v", err)
	}

	if session.Status != domain.StatusPendingReview {
		t.Errorf("status = %q, want pending_review", session.Status)
	}
	if session.Module != domain.ModuleLiveGaze || !session.IsGuest {
		t.Errorf("identity fields wrong: module=%q is_guest=%v", session.Module, session.IsGuest)
	}
	if session.Kind != domain.KindLiveGazeGuest {
		t.Errorf("kind = %q, want live_gaze_guest", session.Kind)
	}
	if len(session.Snapshots) != 3 {
		t.Fatalf("snapshot count = %d, want 3", len(session.Snapshots))
	}
	if store.count() != 3 {
		t.Fatalf("blob count = %d, want 3", store.count())
	}

	stored := repo.get(session.ID)
	if stored == nil || len(stored.Snapshots) != 3 {
		t.Fatal("session not persisted with snapshots")
	}
	for _, snap := range stored.Snapshots {
		if snap.Status != domain.SnapshotStatusCaptured {
			t.Errorf("snapshot status = %q, want captured", snap.Status)
		}
	}
	if len(notifier.snapshots) != 3 || len(notifier.submitted) != 1 {
		t.Errorf("notifications = %d snapshots / %d submitted, want 3/1",
			len(notifier.snapshots), len(notifier.submitted))
	}
}

func TestSubmitGuestRequiresSnapshots(t *testing.T) {
	svc := NewCommitService(testLogger(t), newFakeSessionRepo(), newMemStore(), nil, nil)
	if _, err := svc.SubmitGuest(testDBC(), guestInfo(), nil); !errors.Is(err, ErrNoSnapshots) {
		t.Fatalf("err = %v, want ErrNoSnapshots", err)
	}
}

func TestCommitRollsBackOnBlobWriteFailure(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	store.failOnWrite = 2
	store.writeErr = errors.New("disk full")
	svc := NewCommitService(testLogger(t), repo, store, nil, nil)

	base := time.UnixMilli(1717000000000).UTC()
	_, err := svc.SubmitGuest(testDBC(), guestInfo(), frames(base, 3))

	var bw *BlobWriteError
	if !errors.As(err, &bw) {
		t.Fatalf("err = %v, want BlobWriteError", err)
	}
	if store.count() != 0 {
		t.Fatalf("blob count after rollback = %d, want 0", store.count())
	}
	if all, _ := repo.ListAll(testDBC()); len(all) != 0 {
		t.Fatalf("sessions persisted after failed commit: %d", len(all))
	}
}

func TestCommitRollsBackOnMetadataFailure(t *testing.T) {
	repo := newFakeSessionRepo()
	repo.createErr = errors.New("connection reset")
	store := newMemStore()
	svc := NewCommitService(testLogger(t), repo, store, nil, nil)

	base := time.UnixMilli(1717000000000).UTC()
	_, err := svc.SubmitGuest(testDBC(), guestInfo(), frames(base, 2))

	var mc *MetadataCommitError
	if !errors.As(err, &mc) {
		t.Fatalf("err = %v, want MetadataCommitError", err)
	}
	if store.count() != 0 {
		t.Fatalf("blob count after rollback = %d, want 0", store.count())
	}
}

func TestCommitSuppressesDuplicateTimestamps(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	svc := NewCommitService(testLogger(t), repo, store, nil, nil)

	base := time.UnixMilli(1717000000000).UTC()
	batch := frames(base, 2)
	batch = append(batch, SnapshotCandidate{Image: []byte("dup"), Timestamp: base})

	session, err := svc.SubmitGuest(testDBC(), guestInfo(), batch)
	if err != nil {
		t.Fatalf("SubmitGuest: %v", err)
	}
	if len(session.Snapshots) != 2 {
		t.Fatalf("snapshot count = %d, want 2 (duplicate suppressed)", len(session.Snapshots))
	}
	if store.count() != 2 {
		t.Fatalf("blob count = %d, want 2", store.count())
	}
}

func TestAppendLiveThenSendForReviewDedupes(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	svc := NewCommitService(testLogger(t), repo, store, nil, nil)
	dbc := testDBC()

	session, err := svc.StartGuestSession(dbc, guestInfo())
	if err != nil {
		t.Fatalf("StartGuestSession: %v", err)
	}

	base := time.UnixMilli(1717000000000).UTC()
	batch := frames(base, 3)

	// live-stream the first frame
	snap, err := svc.AppendLive(dbc, session.ID, batch[0], false)
	if err != nil {
		t.Fatalf("AppendLive: %v", err)
	}
	if snap == nil {
		t.Fatal("AppendLive returned nil snapshot")
	}

	// resending the same frame is a no-op, not an error
	dup, err := svc.AppendLive(dbc, session.ID, batch[0], false)
	if err != nil {
		t.Fatalf("AppendLive duplicate: %v", err)
	}
	if dup != nil {
		t.Fatal("duplicate frame produced a second snapshot")
	}

	// the full batch on send-for-review only adds the two new frames
	reviewed, err := svc.SendForReview(dbc, session.ID, batch, nil)
	if err != nil {
		t.Fatalf("SendForReview: %v", err)
	}
	if len(reviewed.Snapshots) != 3 {
		t.Fatalf("snapshot count = %d, want 3", len(reviewed.Snapshots))
	}
	if reviewed.Status != domain.StatusPendingReview {
		t.Errorf("status = %q, want pending_review", reviewed.Status)
	}
	if reviewed.EndTime == nil {
		t.Error("end time not set on send-for-review")
	}
	if store.count() != 3 {
		t.Fatalf("blob count = %d, want 3", store.count())
	}
}

func TestAppendLiveRejectsClosedSession(t *testing.T) {
	repo := newFakeSessionRepo()
	svc := NewCommitService(testLogger(t), repo, newMemStore(), nil, nil)
	dbc := testDBC()

	session, err := svc.StartGuestSession(dbc, guestInfo())
	if err != nil {
		t.Fatalf("StartGuestSession: %v", err)
	}
	if _, err := svc.EndSession(dbc, session.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	_, err = svc.AppendLive(dbc, session.ID, SnapshotCandidate{Image: []byte("late")}, false)
	if !errors.Is(err, ErrSessionNotAcceptingSnapshots) {
		t.Fatalf("err = %v, want ErrSessionNotAcceptingSnapshots", err)
	}
}

func TestAppendLiveEstimatorFailureIsAdvisory(t *testing.T) {
	repo := newFakeSessionRepo()
	svc := NewCommitService(testLogger(t), repo, newMemStore(), failingEstimator{}, nil)
	dbc := testDBC()

	session, err := svc.StartGuestSession(dbc, guestInfo())
	if err != nil {
		t.Fatalf("StartGuestSession: %v", err)
	}
	snap, err := svc.AppendLive(dbc, session.ID, SnapshotCandidate{
		Image:     []byte("frame"),
		Timestamp: time.UnixMilli(1717000000000).UTC(),
	}, true)
	if err != nil {
		t.Fatalf("AppendLive with failing estimator: %v", err)
	}
	if snap.GazeDirection != GazeDirectionUnknown {
		t.Errorf("gaze direction = %q, want unknown", snap.GazeDirection)
	}
}

func TestBulkSaveCompletesSession(t *testing.T) {
	repo := newFakeSessionRepo()
	svc := NewCommitService(testLogger(t), repo, newMemStore(), nil, nil)
	dbc := testDBC()

	patient, therapist := newUUID(t), newUUID(t)
	session, err := svc.StartSession(dbc, patient, therapist)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if session.Kind != domain.KindLiveGazeClinical {
		t.Errorf("kind = %q, want live_gaze_clinical", session.Kind)
	}

	base := time.UnixMilli(1717000000000).UTC()
	saved, err := svc.BulkSave(dbc, session.ID, frames(base, 2))
	if err != nil {
		t.Fatalf("BulkSave: %v", err)
	}
	if saved.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", saved.Status)
	}
	if len(saved.Snapshots) != 2 {
		t.Errorf("snapshot count = %d, want 2", len(saved.Snapshots))
	}
}

func TestUpdateSnapshotNotes(t *testing.T) {
	repo := newFakeSessionRepo()
	svc := NewCommitService(testLogger(t), repo, newMemStore(), nil, nil)
	dbc := testDBC()

	session, err := svc.SubmitGuest(dbc, guestInfo(), frames(time.UnixMilli(1717000000000).UTC(), 1))
	if err != nil {
		t.Fatalf("SubmitGuest: %v", err)
	}
	snapID := session.Snapshots[0].ID

	snap, err := svc.UpdateSnapshotNotes(dbc, session.ID, snapID, "looks engaged")
	if err != nil {
		t.Fatalf("UpdateSnapshotNotes: %v", err)
	}
	if snap.Notes != "looks engaged" {
		t.Errorf("notes = %q", snap.Notes)
	}
	stored := repo.get(session.ID)
	if stored.Snapshots[0].Notes != "looks engaged" {
		t.Error("notes not persisted")
	}
}
