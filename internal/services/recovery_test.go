package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/attentia/gazestore/internal/blobstore"
	"github.com/attentia/gazestore/internal/domain"
)

func blobNameAt(ts time.Time) string {
	return fmt.Sprintf("gaze-%d-1.png", ts.UnixMilli())
}

func writeBlobAt(t *testing.T, store *memStore, ts time.Time) string {
	t.Helper()
	name := blobNameAt(ts)
	path, err := store.Write(context.Background(), name, []byte("img"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	return path
}

func emptySessionAt(repo *fakeSessionRepo, start time.Time, dur time.Duration) *domain.Session {
	end := start.Add(dur)
	s := &domain.Session{
		ID:        uuid.New(),
		IsGuest:   true,
		Module:    domain.ModuleLiveGaze,
		Kind:      domain.KindLiveGazeGuest,
		Status:    domain.StatusActive,
		StartTime: start,
		EndTime:   &end,
	}
	repo.put(s)
	return s
}

func TestRecoveryRelinksOrphanInWindow(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	session := emptySessionAt(repo, start, 5*time.Minute)
	path := writeBlobAt(t, store, start.Add(2*time.Minute))

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if report.MatchedBlobs != 1 || report.RelinkedSessions != 1 {
		t.Fatalf("matched=%d relinked=%d, want 1/1", report.MatchedBlobs, report.RelinkedSessions)
	}
	got := repo.get(session.ID)
	if len(got.Snapshots) != 1 {
		t.Fatalf("snapshot count = %d, want 1", len(got.Snapshots))
	}
	snap := got.Snapshots[0]
	if snap.ImagePath != path {
		t.Errorf("image path = %q, want %q", snap.ImagePath, path)
	}
	if snap.Status != domain.SnapshotStatusRecovered {
		t.Errorf("status = %q, want recovered", snap.Status)
	}
	if snap.GazeDirection != domain.SnapshotStatusRecovered {
		t.Errorf("gaze direction = %q, want recovered", snap.GazeDirection)
	}
	if snap.AttentionScore != 0 {
		t.Errorf("attention score = %v, want 0", snap.AttentionScore)
	}
	if snap.Confidence != domain.MatchConfidenceWindowed {
		t.Errorf("confidence = %q, want windowed", snap.Confidence)
	}
	if len(report.Unrecoverable) != 0 {
		t.Errorf("unrecoverable = %v", report.Unrecoverable)
	}
}

func TestRecoveryLeavesOutOfWindowBlobs(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	session := emptySessionAt(repo, start, 5*time.Minute)
	// past end + 120s tolerance
	writeBlobAt(t, store, start.Add(10*time.Minute))

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.MatchedBlobs != 0 {
		t.Fatalf("matched = %d, want 0", report.MatchedBlobs)
	}
	if len(repo.get(session.ID).Snapshots) != 0 {
		t.Fatal("out-of-window blob was assigned")
	}
	if len(report.Unrecoverable) != 1 || report.Unrecoverable[0] != session.ID {
		t.Errorf("unrecoverable = %v, want [%s]", report.Unrecoverable, session.ID)
	}
}

func TestRecoveryAssignsBlobToOneSessionOnly(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	older := emptySessionAt(repo, start, 5*time.Minute)
	newer := emptySessionAt(repo, start.Add(time.Minute), 5*time.Minute)
	writeBlobAt(t, store, start.Add(2*time.Minute)) // inside both windows

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.MatchedBlobs != 1 {
		t.Fatalf("matched = %d, want 1", report.MatchedBlobs)
	}
	if len(repo.get(older.ID).Snapshots) != 1 {
		t.Error("oldest session did not claim the blob")
	}
	if len(repo.get(newer.ID).Snapshots) != 0 {
		t.Error("blob assigned to a second session")
	}
}

func TestRecoverySecondRunIsNoOp(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	emptySessionAt(repo, start, 5*time.Minute)
	writeBlobAt(t, store, start.Add(time.Minute))

	svc := NewRecoveryService(testLogger(t), repo, store)
	first, err := svc.Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("first Recover: %v", err)
	}
	if first.MatchedBlobs != 1 {
		t.Fatalf("first run matched = %d, want 1", first.MatchedBlobs)
	}

	second, err := svc.Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if second.MatchedBlobs != 0 || second.RelinkedSessions != 0 {
		t.Fatalf("second run matched=%d relinked=%d, want 0/0",
			second.MatchedBlobs, second.RelinkedSessions)
	}
	if second.ClaimedBlobs != 1 {
		t.Errorf("second run claimed = %d, want 1", second.ClaimedBlobs)
	}
}

func TestRecoveryIgnoresForeignBlobs(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	session := emptySessionAt(repo, start, 5*time.Minute)
	if _, err := store.Write(context.Background(), "thumbnail.jpg", []byte("x")); err != nil {
		t.Fatalf("write foreign blob: %v", err)
	}

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.ForeignBlobs != 1 {
		t.Fatalf("foreign = %d, want 1", report.ForeignBlobs)
	}
	if len(repo.get(session.ID).Snapshots) != 0 {
		t.Fatal("foreign blob was assigned")
	}
}

func TestRecoveryBackfillsMalformedPath(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	ts := time.UnixMilli(1717000000000).UTC()
	path := writeBlobAt(t, store, ts.Add(2*time.Second)) // within 5s

	s := &domain.Session{
		ID:        uuid.New(),
		Module:    domain.ModuleLiveGaze,
		Kind:      domain.KindLiveGazeGuest,
		Status:    domain.StatusPendingReview,
		StartTime: ts,
		Snapshots: datatypes.NewJSONSlice([]domain.Snapshot{{
			ID:        uuid.New(),
			ImagePath: "uploads/gaze/broken.png", // missing leading slash
			Timestamp: ts,
			Status:    domain.SnapshotStatusCaptured,
		}}),
	}
	repo.put(s)

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.BackfilledPaths != 1 {
		t.Fatalf("backfilled = %d, want 1", report.BackfilledPaths)
	}
	got := repo.get(s.ID)
	if got.Snapshots[0].ImagePath != path {
		t.Errorf("image path = %q, want %q", got.Snapshots[0].ImagePath, path)
	}
	if got.Snapshots[0].Confidence != domain.MatchConfidenceExact {
		t.Errorf("confidence = %q, want exact", got.Snapshots[0].Confidence)
	}
}

func TestRecoveryBackfillWindowBound(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	ts := time.UnixMilli(1717000000000).UTC()
	writeBlobAt(t, store, ts.Add(30*time.Second)) // outside 5s

	s := &domain.Session{
		ID:        uuid.New(),
		Module:    domain.ModuleLiveGaze,
		Status:    domain.StatusPendingReview,
		StartTime: ts,
		Snapshots: datatypes.NewJSONSlice([]domain.Snapshot{{
			ID:        uuid.New(),
			ImagePath: "broken.png",
			Timestamp: ts,
		}}),
	}
	repo.put(s)

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.BackfilledPaths != 0 {
		t.Fatalf("backfilled = %d, want 0", report.BackfilledPaths)
	}
	if got := repo.get(s.ID).Snapshots[0].ImagePath; got != "broken.png" {
		t.Errorf("image path rewritten to %q", got)
	}
}

func TestRecoveryReportsMissingBlobs(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	ts := time.UnixMilli(1717000000000).UTC()
	gone := blobstore.PathForName(blobNameAt(ts))

	s := &domain.Session{
		ID:        uuid.New(),
		Module:    domain.ModuleLiveGaze,
		Status:    domain.StatusPendingReview,
		StartTime: ts,
		Snapshots: datatypes.NewJSONSlice([]domain.Snapshot{{
			ID:        uuid.New(),
			ImagePath: gone,
			Timestamp: ts,
		}}),
	}
	repo.put(s)

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(report.MissingBlobs) != 1 || report.MissingBlobs[0] != gone {
		t.Fatalf("missing = %v, want [%s]", report.MissingBlobs, gone)
	}
}

func TestRecoverySaveFailureDoesNotAbort(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	emptySessionAt(repo, start, 5*time.Minute)
	emptySessionAt(repo, start.Add(time.Hour), 5*time.Minute)
	writeBlobAt(t, store, start.Add(time.Minute))
	writeBlobAt(t, store, start.Add(time.Hour+time.Minute))
	repo.saveErr = errors.New("write timeout")

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover returned fatal error: %v", err)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("errors = %v, want one per failed session", report.Errors)
	}
	if report.RelinkedSessions != 0 {
		t.Errorf("relinked = %d, want 0", report.RelinkedSessions)
	}
}

func TestRecoveryDryRunWritesNothing(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()
	session := emptySessionAt(repo, start, 5*time.Minute)
	writeBlobAt(t, store, start.Add(time.Minute))

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.MatchedBlobs != 1 {
		t.Fatalf("dry run matched = %d, want 1", report.MatchedBlobs)
	}
	if repo.saveCalls != 0 {
		t.Fatalf("dry run issued %d saves", repo.saveCalls)
	}
	if len(repo.get(session.ID).Snapshots) != 0 {
		t.Fatal("dry run persisted snapshots")
	}
}

func TestRecoveryNonGazeSessionNeverClaimsBlobs(t *testing.T) {
	repo := newFakeSessionRepo()
	store := newMemStore()
	start := time.UnixMilli(1717000000000).UTC()

	// Older imitation session whose window covers the blob; it must not win.
	otherEnd := start.Add(10 * time.Minute)
	other := &domain.Session{
		ID:        uuid.New(),
		Module:    domain.ModuleImitationGame,
		Kind:      domain.KindImitationGame,
		Status:    domain.StatusActive,
		StartTime: start.Add(-time.Minute),
		EndTime:   &otherEnd,
	}
	repo.put(other)

	gaze := emptySessionAt(repo, start, 5*time.Minute)
	path := writeBlobAt(t, store, start.Add(2*time.Minute))

	report, err := NewRecoveryService(testLogger(t), repo, store).Recover(testDBC(), RecoveryOptions{})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := repo.get(other.ID); len(got.Snapshots) != 0 {
		t.Fatalf("imitation session claimed %d blob(s)", len(got.Snapshots))
	}
	got := repo.get(gaze.ID)
	if len(got.Snapshots) != 1 || got.Snapshots[0].ImagePath != path {
		t.Fatalf("gaze session snapshots = %+v, want the orphan blob", got.Snapshots)
	}
	if report.MatchedBlobs != 1 || report.RelinkedSessions != 1 {
		t.Fatalf("matched=%d relinked=%d, want 1/1", report.MatchedBlobs, report.RelinkedSessions)
	}
	if len(report.Unrecoverable) != 0 {
		t.Fatalf("unrecoverable = %v, non-gaze sessions don't belong here", report.Unrecoverable)
	}
}
