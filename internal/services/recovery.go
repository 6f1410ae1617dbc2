package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/attentia/gazestore/internal/blobstore"
	"github.com/attentia/gazestore/internal/data/repos/sessions"
	"github.com/attentia/gazestore/internal/domain"
	"github.com/attentia/gazestore/internal/pkg/dbctx"
	"github.com/attentia/gazestore/internal/platform/ctxutil"
	"github.com/attentia/gazestore/internal/platform/logger"
)

const (
	// DefaultMatchTolerance widens a session's [start, end] window when
	// correlating unclaimed blobs to it. Capture clients buffer frames, so a
	// blob can carry a timestamp slightly outside the recorded window.
	DefaultMatchTolerance = 120 * time.Second

	// DefaultBackfillTolerance is the much narrower window used when repairing
	// a malformed image path against the snapshot's own capture timestamp.
	DefaultBackfillTolerance = 5 * time.Second

	statConcurrency = 8
)

type RecoveryOptions struct {
	Tolerance         time.Duration
	BackfillTolerance time.Duration
	DryRun            bool

	// Now is overridable for tests; open-ended sessions use it as the window
	// end.
	Now func() time.Time
}

func (o *RecoveryOptions) normalize() {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultMatchTolerance
	}
	if o.BackfillTolerance <= 0 {
		o.BackfillTolerance = DefaultBackfillTolerance
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

type RecoveryReport struct {
	TotalBlobs   int `json:"total_blobs"`
	ForeignBlobs int `json:"foreign_blobs"`
	ClaimedBlobs int `json:"claimed_blobs"`
	OrphanBlobs  int `json:"orphan_blobs"`

	MatchedBlobs     int `json:"matched_blobs"`
	RelinkedSessions int `json:"relinked_sessions"`
	BackfilledPaths  int `json:"backfilled_paths"`

	Unrecoverable []uuid.UUID `json:"unrecoverable"`
	MissingBlobs  []string    `json:"missing_blobs"`
	Errors        []string    `json:"errors"`

	DryRun bool `json:"dry_run"`
}

// RecoveryService reconciles the blob store against the session store:
// unclaimed blobs are correlated back to snapshot-less gaze sessions by
// timestamp,
// malformed image paths are repaired, and whatever cannot be explained is
// reported. It never deletes anything; every write is an added or corrected
// reference.
type RecoveryService interface {
	Recover(dbc dbctx.Context, opts RecoveryOptions) (*RecoveryReport, error)
}

type recoveryService struct {
	log      *logger.Logger
	sessions sessions.SessionRepo
	blobs    blobstore.Store
}

func NewRecoveryService(log *logger.Logger, repo sessions.SessionRepo, blobs blobstore.Store) RecoveryService {
	return &recoveryService{
		log:      log.With("service", "RecoveryService"),
		sessions: repo,
		blobs:    blobs,
	}
}

func (s *recoveryService) Recover(dbc dbctx.Context, opts RecoveryOptions) (*RecoveryReport, error) {
	opts.normalize()
	log := runLogger(s.log, dbc)
	report := &RecoveryReport{DryRun: opts.DryRun}

	// Step 1: inventory. Blobs whose names don't follow the capture pattern
	// carry no usable timestamp and are only reported.
	all, err := s.blobs.List(dbc.Ctx)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	report.TotalBlobs = len(all)

	matchable := make([]blobstore.Blob, 0, len(all))
	for _, b := range all {
		if b.Foreign() {
			report.ForeignBlobs++
			continue
		}
		matchable = append(matchable, b)
	}
	sort.Slice(matchable, func(i, j int) bool {
		return matchable[i].Timestamp.Before(matchable[j].Timestamp)
	})

	sessionList, err := s.sessions.ListAll(dbc)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// Step 2: subtract claimed blobs. Exact imagePath equality is the claim
	// test; once referenced anywhere, a blob is out of the pool for good,
	// which is what makes a second run a no-op.
	claimed := make(map[string]bool)
	for i := range sessionList {
		for j := range sessionList[i].Snapshots {
			claimed[sessionList[i].Snapshots[j].ImagePath] = true
		}
	}

	pool := make([]blobstore.Blob, 0, len(matchable))
	for _, b := range matchable {
		if claimed[b.Path] {
			report.ClaimedBlobs++
			continue
		}
		pool = append(pool, b)
	}
	report.OrphanBlobs = len(pool)

	// Steps 3-5: window match, oldest session first. A blob goes to the first
	// gaze session whose tolerance-widened window contains its timestamp and
	// is then gone from the pool; overlapping windows resolve by session age,
	// not by distance. Sessions from other modules never claim capture blobs,
	// however their windows overlap.
	for _, session := range sessionList {
		if !isGazeSession(session) || session.HasSnapshots() {
			continue
		}
		matched := takeWindow(&pool, session, opts.Tolerance, opts.Now())
		if len(matched) == 0 {
			continue
		}
		for _, b := range matched {
			session.Snapshots = append(session.Snapshots, domain.Snapshot{
				ID:            uuid.New(),
				ImagePath:     b.Path,
				Timestamp:     b.Timestamp,
				GazeDirection: domain.SnapshotStatusRecovered,
				Status:        domain.SnapshotStatusRecovered,
				Confidence:    domain.MatchConfidenceWindowed,
			})
		}
		if !opts.DryRun {
			if err := s.sessions.Save(dbc, session); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("relink session %s: %v", session.ID, err))
				log.Error("relink_save_failed", "session_id", session.ID, "error", err)
				session.Snapshots = nil
				continue
			}
		}
		report.MatchedBlobs += len(matched)
		report.RelinkedSessions++
		log.Info("session_relinked", "session_id", session.ID, "blobs", len(matched))
	}

	// Step 6: malformed-path backfill against the snapshot's own timestamp,
	// with the narrow tolerance.
	s.backfillPaths(dbc, log, sessionList, matchable, opts, report)

	// Step 7: validation. Any gaze session still empty is genuinely lost
	// capture data, not a linkage bug this pass can fix.
	for i := range sessionList {
		if isGazeSession(sessionList[i]) && !sessionList[i].HasSnapshots() {
			report.Unrecoverable = append(report.Unrecoverable, sessionList[i].ID)
		}
	}

	// Integrity check the other way: referenced blobs that no longer exist.
	s.checkMissing(dbc, sessionList, report)

	log.Info("recovery_complete",
		"total_blobs", report.TotalBlobs,
		"orphans", report.OrphanBlobs,
		"matched", report.MatchedBlobs,
		"relinked_sessions", report.RelinkedSessions,
		"backfilled", report.BackfilledPaths,
		"unrecoverable", len(report.Unrecoverable),
		"dry_run", opts.DryRun,
	)
	return report, nil
}

// takeWindow removes and returns every pool blob whose timestamp falls in the
// session's tolerance-widened active window. The pool stays sorted.
func takeWindow(pool *[]blobstore.Blob, session *domain.Session, tolerance time.Duration, now time.Time) []blobstore.Blob {
	start := session.StartTime.Add(-tolerance)
	end := now
	if session.EndTime != nil {
		end = *session.EndTime
	}
	end = end.Add(tolerance)

	var matched []blobstore.Blob
	rest := (*pool)[:0]
	for _, b := range *pool {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			matched = append(matched, b)
		} else {
			rest = append(rest, b)
		}
	}
	*pool = rest
	return matched
}

func (s *recoveryService) backfillPaths(dbc dbctx.Context, log *logger.Logger, sessionList []*domain.Session, blobs []blobstore.Blob, opts RecoveryOptions, report *RecoveryReport) {
	for _, session := range sessionList {
		if !isGazeSession(session) {
			continue
		}
		changed := 0
		for j := range session.Snapshots {
			snap := &session.Snapshots[j]
			if _, ok := blobstore.NameFromPath(snap.ImagePath); ok {
				continue
			}
			b, ok := nearestBlob(blobs, snap.Timestamp, opts.BackfillTolerance)
			if !ok {
				continue
			}
			snap.ImagePath = b.Path
			snap.Confidence = domain.MatchConfidenceExact
			changed++
		}
		if changed == 0 {
			continue
		}
		if !opts.DryRun {
			if err := s.sessions.Save(dbc, session); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("backfill session %s: %v", session.ID, err))
				log.Error("backfill_save_failed", "session_id", session.ID, "error", err)
				continue
			}
		}
		report.BackfilledPaths += changed
		log.Info("paths_backfilled", "session_id", session.ID, "count", changed)
	}
}

// nearestBlob finds the blob whose embedded timestamp is closest to ts, if
// any lies within the tolerance. blobs must be sorted ascending.
func nearestBlob(blobs []blobstore.Blob, ts time.Time, tolerance time.Duration) (blobstore.Blob, bool) {
	idx := sort.Search(len(blobs), func(i int) bool {
		return !blobs[i].Timestamp.Before(ts)
	})
	best := -1
	var bestDist time.Duration
	for _, i := range []int{idx - 1, idx} {
		if i < 0 || i >= len(blobs) {
			continue
		}
		d := blobs[i].Timestamp.Sub(ts)
		if d < 0 {
			d = -d
		}
		if d <= tolerance && (best == -1 || d < bestDist) {
			best, bestDist = i, d
		}
	}
	if best == -1 {
		return blobstore.Blob{}, false
	}
	return blobs[best], true
}

// checkMissing stats every referenced blob concurrently and reports paths the
// store no longer holds. Read-only.
func (s *recoveryService) checkMissing(dbc dbctx.Context, sessionList []*domain.Session, report *RecoveryReport) {
	paths := make(map[string]bool)
	for i := range sessionList {
		if !isGazeSession(sessionList[i]) {
			continue
		}
		for j := range sessionList[i].Snapshots {
			p := sessionList[i].Snapshots[j].ImagePath
			if _, ok := blobstore.NameFromPath(p); ok {
				paths[p] = true
			}
		}
	}

	g, ctx := errgroup.WithContext(ctxutil.Default(dbc.Ctx))
	g.SetLimit(statConcurrency)
	missing := make(chan string, len(paths))
	for p := range paths {
		g.Go(func() error {
			name, _ := blobstore.NameFromPath(p)
			ok, err := s.blobs.Exists(ctx, name)
			if err != nil {
				return fmt.Errorf("stat %s: %w", name, err)
			}
			if !ok {
				missing <- p
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	close(missing)
	for p := range missing {
		report.MissingBlobs = append(report.MissingBlobs, p)
	}
	sort.Strings(report.MissingBlobs)
}
