package db

import "time"

// File statuses for one (digest, destination) pair. Transitions are
// monotonic; Completed and Failed are terminal within a session.
const (
	FileStatusNew       = "new"
	FileStatusHashing   = "hashing"
	FileStatusReserving = "reserving"
	FileStatusUploading = "uploading"
	FileStatusVerifying = "verifying"
	FileStatusCompleted = "completed"
	FileStatusFailed    = "failed"
)

// Session states.
const (
	SessionPending   = "pending"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionPartial   = "partial"
	SessionFailed    = "failed"
	SessionAborted   = "aborted"
)

// FileRecord tracks the backup lifecycle of one file on one
// destination. A pair is unique for all time; a completed record is
// what makes re-uploads impossible.
type FileRecord struct {
	ID           uint   `gorm:"primaryKey"`
	Digest       string `gorm:"size:32;uniqueIndex:idx_digest_destination;index:idx_files_digest"`
	Destination  string `gorm:"size:64;uniqueIndex:idx_digest_destination"`
	SessionID    string `gorm:"size:36;index"`
	SourceDevice string `gorm:"size:128"`
	SourcePath   string
	FileName     string
	Size         int64
	Status       string `gorm:"size:16;index"`
	Retries      int
	LastError    string `gorm:"size:512"`
	RemoteRef    string `gorm:"size:512"`
	BackupDate   string `gorm:"size:10"`
	DiscoveredAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BackupSession is one discovery sweep of a root path.
type BackupSession struct {
	ID               uint   `gorm:"primaryKey"`
	SessionID        string `gorm:"size:36;uniqueIndex"`
	RootPath         string
	SourceDevice     string `gorm:"size:128"`
	StartedAt        time.Time
	EndedAt          *time.Time
	State            string `gorm:"size:16;index"`
	TotalFiles       int
	CompletedFiles   int
	FailedFiles      int
	SkippedFiles     int
	TotalBytes       int64
	TransferredBytes int64
}

// TerminalFileStatus reports whether s admits no further transitions.
func TerminalFileStatus(s string) bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// TerminalSessionState reports whether a session state is final.
func TerminalSessionState(s string) bool {
	switch s {
	case SessionCompleted, SessionPartial, SessionFailed, SessionAborted:
		return true
	}
	return false
}
