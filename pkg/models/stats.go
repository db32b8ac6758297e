package models

import "time"

// SyncStats aggregates ledger-wide statistics. Computing it scans the full
// history, so callers cache the result for a bounded window.
type SyncStats struct {
	TotalSessions    int64
	TotalFilesSynced int64
	TotalBytesSynced int64
	UniqueFiles      int64
	FilesToday       int64
	BytesToday       int64
	RecentErrors     int64 // failed records in the last 7 days
	ByExtension      []ExtensionStats
	ComputedAt       time.Time
}

// ExtensionStats is the per-extension rollup of successful syncs.
type ExtensionStats struct {
	Extension string
	Count     int64
	TotalSize int64
}

// UploadOutcome is the terminal result for a single path in a batch.
type UploadOutcome struct {
	Path        string
	Status      string // success, failed or skipped
	RemoteID    string
	Fingerprint string
	Size        int64
	Retries     int
	Err         error
}

// UploadReport summarizes one scheduler batch. Counters are reset per batch,
// not cumulative across calls.
type UploadReport struct {
	TotalFiles    int64
	UploadedFiles int64
	FailedFiles   int64
	SkippedFiles  int64
	TotalBytes    int64
	UploadedBytes int64
	Outcomes      []UploadOutcome
	Elapsed       time.Duration
}

// UsageReport describes staging-area disk consumption.
type UsageReport struct {
	RawBytes       int64
	ProcessedBytes int64
	ArchiveBytes   int64
	DiskFreeBytes  uint64
	DiskTotalBytes uint64
}
