package store

import (
	"errors"
	"fmt"
	"time"

	"snapsync/internal/db"
	"snapsync/internal/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glogger "gorm.io/gorm/logger"
)

var (
	// ErrStorageUnavailable wraps every store failure; the engine
	// treats it as fatal for the running session.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrSessionNotFound = errors.New("session not found")
)

// Store is the single durable source of truth for file and session
// records. All cross-goroutine coordination happens through its
// conditional updates.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. ":memory:" opens a shared in-memory database.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(gdb)
}

// New wraps an existing gorm handle and migrates the schema.
func New(gdb *gorm.DB) (*Store, error) {
	if err := gdb.AutoMigrate(&db.FileRecord{}, &db.BackupSession{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: gdb}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// ReserveIfAbsent atomically claims the (digest, destination) pair for
// rec.SessionID. Exactly one of any number of concurrent callers gets
// created=true. A pair already completed, or in flight in another
// session, reports created=false. A pair left failed by an earlier
// session is reclaimed and counts as created, which is what makes
// cross-session retries possible.
func (s *Store) ReserveIfAbsent(rec *db.FileRecord) (bool, error) {
	rec.Status = db.FileStatusReserving
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "digest"}, {Name: "destination"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return false, storeErr("reserve", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Conflict: reclaim only if the previous attempt ended failed.
	res = s.db.Model(&db.FileRecord{}).
		Where("digest = ? AND destination = ? AND status = ?",
			rec.Digest, rec.Destination, db.FileStatusFailed).
		Updates(map[string]interface{}{
			"session_id":  rec.SessionID,
			"status":      db.FileStatusReserving,
			"source_path": rec.SourcePath,
			"last_error":  "",
			"retries":     0,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, storeErr("reclaim", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TransitionFile moves the pair from one status to the next. A missed
// precondition on a terminal row is logged and ignored; anything else
// is a programming error and is returned.
func (s *Store) TransitionFile(digest, destination, from, to string) error {
	res := s.db.Model(&db.FileRecord{}).
		Where("digest = ? AND destination = ? AND status = ?", digest, destination, from).
		Update("status", to)
	if res.Error != nil {
		return storeErr("transition", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var current db.FileRecord
	if err := s.db.Where("digest = ? AND destination = ?", digest, destination).
		First(&current).Error; err != nil {
		return storeErr("transition lookup", err)
	}
	if db.TerminalFileStatus(current.Status) {
		logger.Warnf("ignoring transition %s -> %s on terminal pair (%s, %s)",
			from, to, digest, destination)
		return nil
	}
	return fmt.Errorf("transition %s -> %s failed for (%s, %s): status is %s",
		from, to, digest, destination, current.Status)
}

// CompleteFile marks the pair terminal-completed and records where the
// bytes ended up.
func (s *Store) CompleteFile(digest, destination, from, remoteRef string) error {
	res := s.db.Model(&db.FileRecord{}).
		Where("digest = ? AND destination = ? AND status = ?", digest, destination, from).
		Updates(map[string]interface{}{
			"status":     db.FileStatusCompleted,
			"remote_ref": remoteRef,
			"last_error": "",
		})
	if res.Error != nil {
		return storeErr("complete", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("complete failed for (%s, %s): not in %s", digest, destination, from)
	}
	return nil
}

// FailFile marks the pair terminal-failed from any non-terminal status.
func (s *Store) FailFile(digest, destination, lastError string) error {
	if len(lastError) > 500 {
		lastError = lastError[:500]
	}
	res := s.db.Model(&db.FileRecord{}).
		Where("digest = ? AND destination = ? AND status NOT IN ?",
			digest, destination, []string{db.FileStatusCompleted, db.FileStatusFailed}).
		Updates(map[string]interface{}{
			"status":     db.FileStatusFailed,
			"last_error": lastError,
		})
	if res.Error != nil {
		return storeErr("fail", res.Error)
	}
	if res.RowsAffected != 1 {
		logger.Warnf("fail on terminal pair (%s, %s) ignored", digest, destination)
	}
	return nil
}

// IncrementRetry bumps the retry counter and records the attempt error.
func (s *Store) IncrementRetry(digest, destination, lastError string) error {
	if len(lastError) > 500 {
		lastError = lastError[:500]
	}
	err := s.db.Model(&db.FileRecord{}).
		Where("digest = ? AND destination = ?", digest, destination).
		Updates(map[string]interface{}{
			"retries":    gorm.Expr("retries + 1"),
			"last_error": lastError,
		}).Error
	if err != nil {
		return storeErr("increment retry", err)
	}
	return nil
}

// GetFile returns the record for one pair.
func (s *Store) GetFile(digest, destination string) (*db.FileRecord, error) {
	var rec db.FileRecord
	err := s.db.Where("digest = ? AND destination = ?", digest, destination).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get file", err)
	}
	return &rec, nil
}

func (s *Store) CreateSession(sess *db.BackupSession) error {
	if err := s.db.Create(sess).Error; err != nil {
		return storeErr("create session", err)
	}
	return nil
}

// SessionProgress is the counter snapshot persisted as files resolve.
type SessionProgress struct {
	Total            int
	Completed        int
	Failed           int
	Skipped          int
	TotalBytes       int64
	TransferredBytes int64
}

func (s *Store) RecordSessionProgress(sessionID string, p SessionProgress) error {
	err := s.db.Model(&db.BackupSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"total_files":       p.Total,
			"completed_files":   p.Completed,
			"failed_files":      p.Failed,
			"skipped_files":     p.Skipped,
			"total_bytes":       p.TotalBytes,
			"transferred_bytes": p.TransferredBytes,
		}).Error
	if err != nil {
		return storeErr("record progress", err)
	}
	return nil
}

// FinalizeSession sets the terminal state and end time exactly once.
func (s *Store) FinalizeSession(sessionID, state string) error {
	now := time.Now()
	res := s.db.Model(&db.BackupSession{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Updates(map[string]interface{}{
			"state":    state,
			"ended_at": &now,
		})
	if res.Error != nil {
		return storeErr("finalize session", res.Error)
	}
	if res.RowsAffected != 1 {
		logger.Warnf("session %s already finalized", sessionID)
	}
	return nil
}

func (s *Store) MarkSessionRunning(sessionID string) error {
	err := s.db.Model(&db.BackupSession{}).
		Where("session_id = ? AND state = ?", sessionID, db.SessionPending).
		Update("state", db.SessionRunning).Error
	if err != nil {
		return storeErr("mark running", err)
	}
	return nil
}

func (s *Store) GetSessionDetail(sessionID string) (*db.BackupSession, error) {
	var sess db.BackupSession
	err := s.db.Where("session_id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return &sess, nil
}

// GetActiveSession returns the most recent non-terminal session, or
// nil when the engine is idle.
func (s *Store) GetActiveSession() (*db.BackupSession, error) {
	var sess db.BackupSession
	err := s.db.Where("state IN ?", []string{db.SessionPending, db.SessionRunning}).
		Order("started_at DESC").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get active session", err)
	}
	return &sess, nil
}

func (s *Store) ListRecentSessions(limit int) ([]db.BackupSession, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []db.BackupSession
	err := s.db.Order("started_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	return out, nil
}

func (s *Store) FilesForSession(sessionID string) ([]db.FileRecord, error) {
	var out []db.FileRecord
	err := s.db.Where("session_id = ?", sessionID).
		Order("source_path ASC, destination ASC").Find(&out).Error
	if err != nil {
		return nil, storeErr("files for session", err)
	}
	return out, nil
}

// Stats is the all-time aggregate over file records.
type Stats struct {
	TotalFiles     int64
	TotalBytes     int64
	CompletedFiles int64
	FailedFiles    int64
	InFlightFiles  int64
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	row := s.db.Model(&db.FileRecord{}).
		Select(`COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status NOT IN ('completed', 'failed') THEN 1 ELSE 0 END), 0)`).
		Row()
	if err := row.Scan(&st.TotalFiles, &st.TotalBytes, &st.CompletedFiles,
		&st.FailedFiles, &st.InFlightFiles); err != nil {
		return Stats{}, storeErr("stats", err)
	}
	return st, nil
}
