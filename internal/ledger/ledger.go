package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
)

// statsCacheWindow bounds how stale a cached Statistics result may be. The
// aggregate queries scan the full history, so callers on the hot path reuse
// the last result inside this window.
const statsCacheWindow = 5 * time.Minute

// Ledger is the durable record of every sync attempt plus the canonical
// path→fingerprint projection used for dedup decisions. Writes are serialized
// through a single mutex; concurrent upload workers may record attempts, but
// the tracking upsert always executes as one transaction.
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger

	mu         sync.Mutex
	stats      *models.SyncStats
	statsAfter time.Time
}

// Attempt carries everything RecordAttempt persists for one file outcome.
type Attempt struct {
	Meta           models.FileMeta
	Status         string
	RemoteID       string
	RemoteFolderID string
	ErrorMsg       string
	RetryCount     int
}

// DuplicateGroup describes one fingerprint delivered more than once.
type DuplicateGroup struct {
	Fingerprint string
	Count       int64
	FileNames   string
	TotalSize   int64
}

// Open opens (creating if needed) the ledger store at path. The schema is
// created idempotently.
func Open(path string, logger zerolog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStorage, path, err)
	}

	l := &Ledger{db: db, log: logger}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initialize schema: %v", models.ErrStorage, err)
	}
	return l, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initialize() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT UNIQUE NOT NULL,
			source_path TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			status TEXT DEFAULT 'in_progress',
			total_files INTEGER DEFAULT 0,
			synced_files INTEGER DEFAULT 0,
			failed_files INTEGER DEFAULT 0,
			skipped_files INTEGER DEFAULT 0,
			total_size_bytes INTEGER DEFAULT 0,
			synced_size_bytes INTEGER DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS file_sync_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			file_hash TEXT NOT NULL,
			remote_file_id TEXT,
			remote_folder_id TEXT,
			sync_status TEXT NOT NULL,
			sync_time TIMESTAMP NOT NULL,
			error_message TEXT,
			retry_count INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sync_sessions (session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_file_hash ON file_sync_history (file_hash);
		CREATE INDEX IF NOT EXISTS idx_session_id ON file_sync_history (session_id);
		CREATE INDEX IF NOT EXISTS idx_sync_time ON file_sync_history (sync_time);
		CREATE TABLE IF NOT EXISTS file_tracking (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_path TEXT UNIQUE NOT NULL,
			file_name TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			file_hash TEXT NOT NULL,
			last_modified TIMESTAMP NOT NULL,
			last_synced TIMESTAMP NOT NULL,
			remote_file_id TEXT,
			sync_count INTEGER DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS sync_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA busy_timeout=30000;
	`)
	return err
}

// OpenSession creates a new sync session in the in_progress state and returns
// its id.
func (l *Ledger) OpenSession(sourcePath string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sessionID := newSessionID()
	_, err := l.db.Exec(`
		INSERT INTO sync_sessions (session_id, source_path, start_time, status)
		VALUES (?, ?, ?, ?)
	`, sessionID, sourcePath, time.Now().UTC(), models.SessionInProgress)
	if err != nil {
		return "", fmt.Errorf("%w: create session: %v", models.ErrStorage, err)
	}

	l.log.Info().Str("session", sessionID).Str("source", sourcePath).Msg("sync session created")
	return sessionID, nil
}

// newSessionID builds a timestamp-sortable id with a random suffix.
func newSessionID() string {
	ts := time.Now().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("session_%s_%s", ts, suffix)
}

// CloseSession sets the terminal status and end time. Closing an already
// terminal session is a caller error: it is logged and ignored, never applied
// twice.
func (l *Ledger) CloseSession(sessionID string, success bool, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := models.SessionCompleted
	if !success {
		status = models.SessionFailed
	}

	res, err := l.db.Exec(`
		UPDATE sync_sessions
		SET end_time = ?, status = ?, error_message = ?
		WHERE session_id = ? AND status = ?
	`, time.Now().UTC(), status, nullable(errMsg), sessionID, models.SessionInProgress)
	if err != nil {
		return fmt.Errorf("%w: close session %s: %v", models.ErrStorage, sessionID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		l.log.Warn().Str("session", sessionID).Msg("close called on a session that is not in progress")
		return nil
	}

	l.log.Info().Str("session", sessionID).Str("status", status).Msg("sync session closed")
	return nil
}

// SetSessionTotals records the candidate universe of a session before the
// batch starts.
func (l *Ledger) SetSessionTotals(sessionID string, totalFiles, totalBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		UPDATE sync_sessions SET total_files = ?, total_size_bytes = ?
		WHERE session_id = ?
	`, totalFiles, totalBytes, sessionID)
	if err != nil {
		return fmt.Errorf("%w: update session totals: %v", models.ErrStorage, err)
	}
	return nil
}

// BumpSessionCounter applies one file outcome to the session's running
// counters.
func (l *Ledger) BumpSessionCounter(sessionID, status string, size int64) error {
	var column string
	switch status {
	case models.StatusSuccess:
		column = "synced_files"
	case models.StatusFailed:
		column = "failed_files"
	case models.StatusSkipped:
		column = "skipped_files"
	default:
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	query := fmt.Sprintf(`UPDATE sync_sessions SET %s = %s + 1`, column, column)
	if status == models.StatusSuccess {
		query += `, synced_size_bytes = synced_size_bytes + ?`
	}
	query += ` WHERE session_id = ?`

	var err error
	if status == models.StatusSuccess {
		_, err = l.db.Exec(query, size, sessionID)
	} else {
		_, err = l.db.Exec(query, sessionID)
	}
	if err != nil {
		return fmt.Errorf("%w: bump session counter: %v", models.ErrStorage, err)
	}
	return nil
}

// Session returns one session by id.
func (l *Ledger) Session(sessionID string) (*models.SyncSession, error) {
	row := l.db.QueryRow(`
		SELECT session_id, source_path, start_time, end_time, status,
		       total_files, synced_files, failed_files, skipped_files,
		       total_size_bytes, synced_size_bytes, COALESCE(error_message, '')
		FROM sync_sessions WHERE session_id = ?
	`, sessionID)
	return scanSession(row)
}

// RecordAttempt appends one row to the sync history. Outcomes with status
// success additionally upsert the tracking projection, all inside a single
// transaction so concurrent workers never lose a sync_count increment.
func (l *Ledger) RecordAttempt(sessionID string, a Attempt) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: begin record attempt: %v", models.ErrStorage, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(`
		INSERT INTO file_sync_history
		(session_id, file_path, file_name, file_size, file_hash,
		 remote_file_id, remote_folder_id, sync_status, sync_time,
		 error_message, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, a.Meta.Path, a.Meta.Name, a.Meta.Size, a.Meta.Fingerprint,
		nullable(a.RemoteID), nullable(a.RemoteFolderID), a.Status, now,
		nullable(a.ErrorMsg), a.RetryCount)
	if err != nil {
		return 0, fmt.Errorf("%w: insert history: %v", models.ErrStorage, err)
	}

	if a.Status == models.StatusSuccess {
		modTime := a.Meta.ModTime
		if modTime.IsZero() {
			modTime = now
		}
		_, err = tx.Exec(`
			INSERT INTO file_tracking
			(file_path, file_name, file_size, file_hash, last_modified,
			 last_synced, remote_file_id, sync_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(file_path) DO UPDATE SET
				file_name = excluded.file_name,
				file_size = excluded.file_size,
				file_hash = excluded.file_hash,
				last_modified = excluded.last_modified,
				last_synced = excluded.last_synced,
				remote_file_id = excluded.remote_file_id,
				sync_count = sync_count + 1,
				updated_at = CURRENT_TIMESTAMP
		`, a.Meta.Path, a.Meta.Name, a.Meta.Size, a.Meta.Fingerprint,
			modTime, now, nullable(a.RemoteID))
		if err != nil {
			return 0, fmt.Errorf("%w: upsert tracking: %v", models.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit record attempt: %v", models.ErrStorage, err)
	}

	id, _ := res.LastInsertId()
	return id, nil
}

// IsDuplicate returns the most recent successful record with a matching
// fingerprint, scoped to remoteFolderID when non-empty. A hit means the
// content is already delivered and the caller may skip the transfer.
func (l *Ledger) IsDuplicate(fingerprint, remoteFolderID string) (*models.FileSyncRecord, error) {
	if fingerprint == "" {
		return nil, nil
	}

	query := `
		SELECT id, session_id, file_path, file_name, file_size, file_hash,
		       COALESCE(remote_file_id, ''), COALESCE(remote_folder_id, ''),
		       sync_status, sync_time, COALESCE(error_message, ''), retry_count
		FROM file_sync_history
		WHERE file_hash = ? AND sync_status = ?`
	args := []interface{}{fingerprint, models.StatusSuccess}

	if remoteFolderID != "" {
		query += ` AND remote_folder_id = ?`
		args = append(args, remoteFolderID)
	}
	query += ` ORDER BY sync_time DESC LIMIT 1`

	var rec models.FileSyncRecord
	err := l.db.QueryRow(query, args...).Scan(
		&rec.ID, &rec.SessionID, &rec.FilePath, &rec.FileName, &rec.FileSize,
		&rec.Fingerprint, &rec.RemoteID, &rec.RemoteFolderID, &rec.Status,
		&rec.SyncTime, &rec.ErrorMsg, &rec.RetryCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate lookup: %v", models.ErrStorage, err)
	}
	return &rec, nil
}

// SelectFilesNeedingSync filters candidates down to the set whose content has
// not been delivered for that path. Candidates without a computed fingerprint
// are always included: a file is never silently dropped because its hash is
// unknown.
func (l *Ledger) SelectFilesNeedingSync(candidates []models.FileMeta) ([]models.FileMeta, error) {
	stmt, err := l.db.Prepare(`
		SELECT 1 FROM file_tracking WHERE file_path = ? AND file_hash = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare tracking lookup: %v", models.ErrStorage, err)
	}
	defer stmt.Close()

	var needed []models.FileMeta
	for _, c := range candidates {
		if c.Fingerprint == "" || c.ForceSync {
			needed = append(needed, c)
			continue
		}

		var one int
		err := stmt.QueryRow(c.Path, c.Fingerprint).Scan(&one)
		switch {
		case err == sql.ErrNoRows:
			needed = append(needed, c)
		case err != nil:
			return nil, fmt.Errorf("%w: tracking lookup: %v", models.ErrStorage, err)
		}
	}

	l.log.Info().Int("candidates", len(candidates)).Int("needing_sync", len(needed)).
		Msg("differential sync selection")
	return needed, nil
}

// Tracking returns the current-state entry for a path, or nil when the path
// has never synced successfully.
func (l *Ledger) Tracking(path string) (*models.FileTrackingEntry, error) {
	var e models.FileTrackingEntry
	err := l.db.QueryRow(`
		SELECT file_path, file_name, file_size, file_hash, last_modified,
		       last_synced, COALESCE(remote_file_id, ''), sync_count
		FROM file_tracking WHERE file_path = ?
	`, path).Scan(
		&e.FilePath, &e.FileName, &e.FileSize, &e.Fingerprint,
		&e.LastModified, &e.LastSynced, &e.RemoteID, &e.SyncCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: tracking lookup: %v", models.ErrStorage, err)
	}
	return &e, nil
}

// IsSynced reports whether path's current content (by fingerprint) has been
// delivered. Single-file variant of SelectFilesNeedingSync.
func (l *Ledger) IsSynced(path, fingerprint string) (bool, error) {
	entry, err := l.Tracking(path)
	if err != nil || entry == nil {
		return false, err
	}
	return entry.Fingerprint == fingerprint, nil
}

// Statistics aggregates ledger-wide stats. The result is cached for a bounded
// window because the queries scan the full history.
func (l *Ledger) Statistics() (*models.SyncStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stats != nil && time.Now().Before(l.statsAfter) {
		return l.stats, nil
	}

	stats := &models.SyncStats{ComputedAt: time.Now()}

	err := l.db.QueryRow(`
		SELECT COUNT(DISTINCT session_id), COUNT(*),
		       COALESCE(SUM(file_size), 0), COUNT(DISTINCT file_hash)
		FROM file_sync_history
		WHERE sync_status = ?
	`, models.StatusSuccess).Scan(
		&stats.TotalSessions, &stats.TotalFilesSynced,
		&stats.TotalBytesSynced, &stats.UniqueFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: overall stats: %v", models.ErrStorage, err)
	}

	err = l.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(file_size), 0)
		FROM file_sync_history
		WHERE sync_status = ? AND DATE(sync_time) = DATE('now')
	`, models.StatusSuccess).Scan(&stats.FilesToday, &stats.BytesToday)
	if err != nil {
		return nil, fmt.Errorf("%w: today stats: %v", models.ErrStorage, err)
	}

	err = l.db.QueryRow(`
		SELECT COUNT(*)
		FROM file_sync_history
		WHERE sync_status = ? AND sync_time > datetime('now', '-7 days')
	`, models.StatusFailed).Scan(&stats.RecentErrors)
	if err != nil {
		return nil, fmt.Errorf("%w: error stats: %v", models.ErrStorage, err)
	}

	rows, err := l.db.Query(`
		SELECT LOWER(SUBSTR(file_name, -4)) AS extension,
		       COUNT(*), COALESCE(SUM(file_size), 0)
		FROM file_sync_history
		WHERE sync_status = ?
		GROUP BY extension
		ORDER BY COUNT(*) DESC
	`, models.StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("%w: extension stats: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var es models.ExtensionStats
		if err := rows.Scan(&es.Extension, &es.Count, &es.TotalSize); err != nil {
			return nil, fmt.Errorf("%w: extension stats scan: %v", models.ErrStorage, err)
		}
		stats.ByExtension = append(stats.ByExtension, es)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: extension stats rows: %v", models.ErrStorage, err)
	}

	l.stats = stats
	l.statsAfter = time.Now().Add(statsCacheWindow)
	return stats, nil
}

// PurgeOlderThan deletes sessions and history rows older than the horizon and
// reclaims storage. Maintenance only; serialized with session writes through
// the ledger mutex.
func (l *Ledger) PurgeOlderThan(age time.Duration) (sessions, records int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)

	res, err := l.db.Exec(`DELETE FROM sync_sessions WHERE start_time < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: purge sessions: %v", models.ErrStorage, err)
	}
	sessions, _ = res.RowsAffected()

	res, err = l.db.Exec(`DELETE FROM file_sync_history WHERE sync_time < ?`, cutoff)
	if err != nil {
		return sessions, 0, fmt.Errorf("%w: purge history: %v", models.ErrStorage, err)
	}
	records, _ = res.RowsAffected()

	if _, err := l.db.Exec(`VACUUM`); err != nil {
		return sessions, records, fmt.Errorf("%w: vacuum: %v", models.ErrStorage, err)
	}

	// A purge invalidates any cached aggregates.
	l.stats = nil

	l.log.Info().Int64("sessions", sessions).Int64("records", records).
		Msg("ledger purge completed")
	return sessions, records, nil
}

// SessionHistory returns the most recent sessions, newest first.
func (l *Ledger) SessionHistory(limit int) ([]models.SyncSession, error) {
	rows, err := l.db.Query(`
		SELECT session_id, source_path, start_time, end_time, status,
		       total_files, synced_files, failed_files, skipped_files,
		       total_size_bytes, synced_size_bytes, COALESCE(error_message, '')
		FROM sync_sessions
		ORDER BY start_time DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: session history: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	var sessions []models.SyncSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// DuplicateReport lists fingerprints delivered more than once across history.
func (l *Ledger) DuplicateReport() ([]DuplicateGroup, error) {
	rows, err := l.db.Query(`
		SELECT file_hash, COUNT(*), GROUP_CONCAT(file_name), COALESCE(SUM(file_size), 0)
		FROM file_sync_history
		WHERE sync_status = ?
		GROUP BY file_hash
		HAVING COUNT(*) > 1
		ORDER BY COUNT(*) DESC
	`, models.StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate report: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	var groups []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		if err := rows.Scan(&g.Fingerprint, &g.Count, &g.FileNames, &g.TotalSize); err != nil {
			return nil, fmt.Errorf("%w: duplicate report scan: %v", models.ErrStorage, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Setting returns a stored setting value, or def when absent.
func (l *Ledger) Setting(key, def string) (string, error) {
	var value string
	err := l.db.QueryRow(`SELECT value FROM sync_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get setting: %v", models.ErrStorage, err)
	}
	return value, nil
}

// SetSetting stores a setting value, overwriting any previous one.
func (l *Ledger) SetSetting(key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO sync_settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("%w: set setting: %v", models.ErrStorage, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.SyncSession, error) {
	var s models.SyncSession
	var end sql.NullTime
	err := row.Scan(
		&s.SessionID, &s.SourcePath, &s.StartTime, &end, &s.Status,
		&s.TotalFiles, &s.SyncedFiles, &s.FailedFiles, &s.SkippedFiles,
		&s.TotalBytes, &s.SyncedBytes, &s.ErrorMsg,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan session: %v", models.ErrStorage, err)
	}
	if end.Valid {
		s.EndTime = &end.Time
	}
	return &s, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
