package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/attentia/gazestore/internal/blobstore"
	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return log
}

func testDBC() dbctx.Context {
	return dbctx.Context{Ctx: context.Background()}
}

// fakeSessionRepo keeps sessions in memory and emulates the version check
// the real repo does, so commit/recovery behavior under save failure is
// testable without postgres.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session

	createErr   error
	saveErr     error
	updateErr   error
	saveCalls   int
	updateCalls int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[uuid.UUID]*domain.Session{}}
}

func (r *fakeSessionRepo) put(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cloneSession(s)
	r.sessions[cp.ID] = cp
}

func (r *fakeSessionRepo) get(id uuid.UUID) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return cloneSession(s)
	}
	return nil
}

func cloneSession(s *domain.Session) *domain.Session {
	cp := *s
	cp.Snapshots = append(cp.Snapshots[:0:0], s.Snapshots...)
	return &cp
}

func (r *fakeSessionRepo) Create(_ dbctx.Context, s *domain.Session) error {
	if r.createErr != nil {
		return r.createErr
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	r.put(s)
	return nil
}

func (r *fakeSessionRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.Session, error) {
	return r.get(id), nil
}

func (r *fakeSessionRepo) ListAll(_ dbctx.Context) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *fakeSessionRepo) ListByStatus(dbc dbctx.Context, statuses []string) ([]*domain.Session, error) {
	all, _ := r.ListAll(dbc)
	var out []*domain.Session
	for _, s := range all {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) ListActiveForTherapist(dbc dbctx.Context, therapistID uuid.UUID) ([]*domain.Session, error) {
	all, _ := r.ListAll(dbc)
	var out []*domain.Session
	for _, s := range all {
		if s.Status != domain.StatusActive {
			continue
		}
		if s.IsGuest || (s.TherapistID != nil && *s.TherapistID == therapistID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) ListPendingForTherapist(dbc dbctx.Context, therapistID uuid.UUID) ([]*domain.Session, error) {
	all, _ := r.ListAll(dbc)
	var out []*domain.Session
	for _, s := range all {
		if s.Status != domain.StatusPendingReview && s.Status != domain.StatusCompleted {
			continue
		}
		if s.IsGuest || (s.TherapistID != nil && *s.TherapistID == therapistID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) ListReviewable(dbc dbctx.Context) ([]*domain.Session, error) {
	all, _ := r.ListAll(dbc)
	var out []*domain.Session
	for _, s := range all {
		if s.Module == domain.ModuleLiveGaze && len(s.Snapshots) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) ListGuestByEmailUnowned(dbc dbctx.Context, email string) ([]*domain.Session, error) {
	all, _ := r.ListAll(dbc)
	var out []*domain.Session
	for _, s := range all {
		if s.IsGuest && s.PatientID == nil && s.GuestEmail() == email {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) Save(_ dbctx.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveErr != nil {
		return r.saveErr
	}
	stored, ok := r.sessions[s.ID]
	if !ok || stored.Version != s.Version {
		return sessions.ErrVersionConflict
	}
	cp := cloneSession(s)
	cp.Version++
	r.sessions[s.ID] = cp
	s.Version++
	return nil
}

func (r *fakeSessionRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.updateErr != nil {
		return r.updateErr
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "status":
			s.Status = v.(string)
		case "module":
			s.Module = v.(string)
		case "source":
			s.Source = v.(string)
		case "session_type":
			s.SessionType = v.(string)
		case "is_guest":
			s.IsGuest = v.(bool)
		case "kind":
			s.Kind = v.(domain.SessionKind)
		case "assigned_role":
			s.AssignedRole = v.(string)
		case "end_time":
			t := v.(time.Time)
			s.EndTime = &t
		case "patient_id":
			id := v.(uuid.UUID)
			s.PatientID = &id
		case "therapist_id":
			id := v.(uuid.UUID)
			s.TherapistID = &id
		}
	}
	return nil
}

// memStore is an in-memory blob store with per-write failure injection.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	writes      int
	failOnWrite int // fail the Nth write, 1-based; 0 disables
	writeErr    error
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (m *memStore) Write(_ context.Context, name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failOnWrite > 0 && m.writes == m.failOnWrite {
		return "", m.writeErr
	}
	m.blobs[name] = append([]byte(nil), data...)
	return blobstore.PathForName(name), nil
}

func (m *memStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[name]; !ok {
		return blobstore.ErrNotFound
	}
	delete(m.blobs, name)
	return nil
}

func (m *memStore) Exists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[name]
	return ok, nil
}

func (m *memStore) Stat(_ context.Context, name string) (*blobstore.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	b := blobFor(name, int64(len(data)))
	return &b, nil
}

func (m *memStore) List(_ context.Context) ([]blobstore.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]blobstore.Blob, 0, len(m.blobs))
	for name, data := range m.blobs {
		out = append(out, blobFor(name, int64(len(data))))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func blobFor(name string, size int64) blobstore.Blob {
	b := blobstore.Blob{
		Name: name,
		Path: blobstore.PathForName(name),
		Size: size,
	}
	if ts, ok := blobstore.ParseNameTimestamp(name); ok {
		b.Timestamp = ts
	}
	return b
}

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

type failingEstimator struct{}

func (failingEstimator) Estimate(context.Context, []byte) (*GazeMetrics, error) {
	return nil, errors.New("no face detected")
}

// recordingNotifier captures notifications synchronously.
type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []uuid.UUID
	submitted []uuid.UUID
	ended     []uuid.UUID
}

func (n *recordingNotifier) NotifySnapshot(sessionID uuid.UUID, _ domain.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, sessionID)
}

func (n *recordingNotifier) NotifySessionSubmitted(sessionID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitted = append(n.submitted, sessionID)
}

func (n *recordingNotifier) NotifySessionEnded(sessionID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, sessionID)
}
