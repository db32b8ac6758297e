package models

import "time"

// Session status values. A session moves from in_progress to exactly one
// terminal status.
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

// Per-file sync status values.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// SyncSession is one execution of the pipeline. Counters are updated
// incrementally while the session is in progress and frozen once it reaches a
// terminal status.
type SyncSession struct {
	SessionID    string
	SourcePath   string
	StartTime    time.Time
	EndTime      *time.Time
	Status       string
	TotalFiles   int64
	SyncedFiles  int64
	FailedFiles  int64
	SkippedFiles int64
	TotalBytes   int64
	SyncedBytes  int64
	ErrorMsg     string
}

// FileSyncRecord is one row of the append-only sync history: a single
// (session, file) attempt and its terminal outcome.
type FileSyncRecord struct {
	ID             int64
	SessionID      string
	FilePath       string
	FileName       string
	FileSize       int64
	Fingerprint    string
	RemoteID       string
	RemoteFolderID string
	Status         string
	SyncTime       time.Time
	ErrorMsg       string
	RetryCount     int
}

// FileTrackingEntry is the mutable current-state projection of the history,
// keyed by path. It answers "what is the last synced content of this path"
// without scanning the full log.
type FileTrackingEntry struct {
	FilePath     string
	FileName     string
	FileSize     int64
	Fingerprint  string
	LastModified time.Time
	LastSynced   time.Time
	RemoteID     string
	SyncCount    int64
}

// FileMeta describes a sync candidate handed to the ledger and scheduler.
// Fingerprint may be empty when the hash has not been computed yet; such
// candidates are always treated as needing sync.
type FileMeta struct {
	Path        string
	Name        string
	Size        int64
	Fingerprint string
	ModTime     time.Time
	ForceSync   bool
}
