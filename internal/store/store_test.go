package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"snapsync/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(digest, dest, sessionID string) *db.FileRecord {
	return &db.FileRecord{
		Digest:       digest,
		Destination:  dest,
		SessionID:    sessionID,
		SourceDevice: "CARD_A",
		SourcePath:   "/media/CARD_A/DCIM/100/IMG_0001.JPG",
		FileName:     "IMG_0001.JPG",
		Size:         2048,
		DiscoveredAt: time.Now(),
	}
}

func TestReserveIfAbsentFirstWins(t *testing.T) {
	st := newTestStore(t)

	created, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1"))
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if !created {
		t.Fatal("first reserve should create")
	}

	created, err = st.ReserveIfAbsent(testRecord("d1", "immich", "s2"))
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if created {
		t.Fatal("second reserve of in-flight pair must not create")
	}
}

func TestReserveIsPerDestination(t *testing.T) {
	st := newTestStore(t)

	for _, dest := range []string{"immich", "share"} {
		created, err := st.ReserveIfAbsent(testRecord("d1", dest, "s1"))
		if err != nil {
			t.Fatalf("reserve %s: %v", dest, err)
		}
		if !created {
			t.Errorf("reserve on %s should be independent", dest)
		}
	}
}

func TestReserveReclaimsFailedPair(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := st.FailFile("d1", "immich", "connect timeout"); err != nil {
		t.Fatal(err)
	}

	created, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s2"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("failed pair must be reclaimable by a later session")
	}

	rec, err := st.GetFile("d1", "immich")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != "s2" || rec.Status != db.FileStatusReserving {
		t.Errorf("reclaimed record = (%s, %s), want (s2, reserving)", rec.SessionID, rec.Status)
	}
	if rec.Retries != 0 || rec.LastError != "" {
		t.Errorf("reclaim must reset retries and last_error, got (%d, %q)", rec.Retries, rec.LastError)
	}
}

func TestReserveNeverReclaimsCompletedPair(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := st.TransitionFile("d1", "immich", db.FileStatusReserving, db.FileStatusUploading); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteFile("d1", "immich", db.FileStatusUploading, "asset-1"); err != nil {
		t.Fatal(err)
	}

	created, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s2"))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("completed pair must never be re-reserved")
	}

	rec, _ := st.GetFile("d1", "immich")
	if rec.SessionID != "s1" || rec.Status != db.FileStatusCompleted {
		t.Errorf("completed record mutated: (%s, %s)", rec.SessionID, rec.Status)
	}
}

func TestConcurrentReserveExactlyOneWinner(t *testing.T) {
	st := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1"))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			results <- created
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for created := range results {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestTransitionFileHonorsPrecondition(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}

	if err := st.TransitionFile("d1", "immich", db.FileStatusReserving, db.FileStatusUploading); err != nil {
		t.Fatalf("valid transition: %v", err)
	}
	if err := st.TransitionFile("d1", "immich", db.FileStatusReserving, db.FileStatusUploading); err == nil {
		t.Error("transition with stale precondition on live row should fail")
	}
}

func TestTransitionOnTerminalRowIgnored(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := st.FailFile("d1", "immich", "boom"); err != nil {
		t.Fatal(err)
	}

	if err := st.TransitionFile("d1", "immich", db.FileStatusUploading, db.FileStatusVerifying); err != nil {
		t.Errorf("transition on terminal row should be ignored, got %v", err)
	}
	rec, _ := st.GetFile("d1", "immich")
	if rec.Status != db.FileStatusFailed {
		t.Errorf("terminal status mutated to %s", rec.Status)
	}
}

func TestFailFileIsIdempotentOnTerminal(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := st.TransitionFile("d1", "immich", db.FileStatusReserving, db.FileStatusUploading); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteFile("d1", "immich", db.FileStatusUploading, "asset-1"); err != nil {
		t.Fatal(err)
	}

	if err := st.FailFile("d1", "immich", "late failure"); err != nil {
		t.Errorf("fail on completed row should be a no-op, got %v", err)
	}
	rec, _ := st.GetFile("d1", "immich")
	if rec.Status != db.FileStatusCompleted {
		t.Errorf("completed row demoted to %s", rec.Status)
	}
}

func TestIncrementRetry(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := st.IncrementRetry("d1", "immich", "connect timeout"); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := st.GetFile("d1", "immich")
	if rec.Retries != 2 {
		t.Errorf("retries = %d, want 2", rec.Retries)
	}
	if rec.LastError != "connect timeout" {
		t.Errorf("last_error = %q", rec.LastError)
	}
}

func TestGetFileAbsent(t *testing.T) {
	st := newTestStore(t)
	rec, err := st.GetFile("nope", "immich")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)

	sess := &db.BackupSession{
		SessionID:    "s1",
		RootPath:     "/media/CARD_A",
		SourceDevice: "CARD_A",
		StartedAt:    time.Now(),
		State:        db.SessionPending,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSessionRunning("s1"); err != nil {
		t.Fatal(err)
	}

	active, err := st.GetActiveSession()
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.SessionID != "s1" {
		t.Fatalf("active session = %+v, want s1", active)
	}

	if err := st.RecordSessionProgress("s1", SessionProgress{
		Total: 10, Completed: 7, Failed: 1, Skipped: 2,
		TotalBytes: 1 << 20, TransferredBytes: 1 << 19,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.FinalizeSession("s1", db.SessionPartial); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetSessionDetail("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != db.SessionPartial || got.EndedAt == nil {
		t.Errorf("finalized session = (%s, ended=%v)", got.State, got.EndedAt)
	}
	if got.CompletedFiles != 7 || got.SkippedFiles != 2 || got.FailedFiles != 1 {
		t.Errorf("counters = (%d,%d,%d), want (7,2,1)",
			got.CompletedFiles, got.SkippedFiles, got.FailedFiles)
	}

	active, err = st.GetActiveSession()
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("no session should be active after finalize, got %s", active.SessionID)
	}
}

func TestFinalizeSessionOnlyOnce(t *testing.T) {
	st := newTestStore(t)
	if err := st.CreateSession(&db.BackupSession{
		SessionID: "s1", StartedAt: time.Now(), State: db.SessionRunning,
	}); err != nil {
		t.Fatal(err)
	}

	if err := st.FinalizeSession("s1", db.SessionCompleted); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetSessionDetail("s1")

	if err := st.FinalizeSession("s1", db.SessionFailed); err != nil {
		t.Fatal(err)
	}
	second, _ := st.GetSessionDetail("s1")
	if second.State != db.SessionCompleted {
		t.Errorf("second finalize overwrote state: %s", second.State)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Error("second finalize moved ended_at")
	}
}

func TestGetSessionDetailNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSessionDetail("missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestListRecentSessionsOrder(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		if err := st.CreateSession(&db.BackupSession{
			SessionID: id,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			State:     db.SessionCompleted,
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListRecentSessions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].SessionID != "new" || got[1].SessionID != "mid" {
		t.Errorf("recent sessions = %v", sessionIDs(got))
	}
}

func sessionIDs(sessions []db.BackupSession) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.SessionID
	}
	return out
}

func TestStatsEmptyAndPopulated(t *testing.T) {
	st := newTestStore(t)

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("stats on empty store: %v", err)
	}
	if stats.TotalFiles != 0 || stats.TotalBytes != 0 {
		t.Errorf("empty stats = %+v", stats)
	}

	if _, err := st.ReserveIfAbsent(testRecord("d1", "immich", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := st.TransitionFile("d1", "immich", db.FileStatusReserving, db.FileStatusUploading); err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteFile("d1", "immich", db.FileStatusUploading, "asset-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ReserveIfAbsent(testRecord("d2", "immich", "s1")); err != nil {
		t.Fatal(err)
	}
	if err := st.FailFile("d2", "immich", "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ReserveIfAbsent(testRecord("d3", "share", "s1")); err != nil {
		t.Fatal(err)
	}

	stats, err = st.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalFiles != 3 || stats.CompletedFiles != 1 || stats.FailedFiles != 1 || stats.InFlightFiles != 1 {
		t.Errorf("stats = %+v, want 3 total, 1 completed, 1 failed, 1 in flight", stats)
	}
	if stats.TotalBytes != 3*2048 {
		t.Errorf("total bytes = %d, want %d", stats.TotalBytes, 3*2048)
	}
}
