package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rs/zerolog"

	"github.com/chmdznr/usb-audio-to-minio-sync/internal/ledger"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/remote"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/utils"
)

// Options configures a Scheduler. Zero values fall back to the defaults
// used across the project.
type Options struct {
	Workers           int
	RetryAttempts     int
	RetryBackoff      time.Duration // base delay, grows linearly per attempt
	MaxFileSize       int64         // bytes, 0 means unlimited
	TransferTimeout   time.Duration
	RemoteFolder      string // root folder name in the bucket
	LocalRoot         string // paths relative to it decide the remote layout
	PreserveStructure bool
	ShowProgress      bool
	Force             bool // re-send even when the ledger or remote already has the content
}

// Scheduler uploads batches of processed files through a worker pool. Each
// submitted path ends in exactly one terminal outcome, recorded both in the
// returned report and in the ledger.
type Scheduler struct {
	store   remote.Store
	ledger  *ledger.Ledger
	folders *folderResolver
	log     zerolog.Logger
	opts    Options
}

func New(store remote.Store, ldg *ledger.Ledger, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 10 * time.Minute
	}
	return &Scheduler{
		store:   store,
		ledger:  ldg,
		folders: &folderResolver{store: store, root: opts.RemoteFolder, cache: make(map[string]string)},
		log:     logger,
		opts:    opts,
	}
}

type uploadTask struct {
	meta     models.FileMeta
	relDir   string // directory below LocalRoot, "" for the root
	folderID string // resolved by the worker that runs the task
}

// batchProgress tracks a single batch. Counters reset with every batch, so
// two consecutive SubmitBatch calls never bleed into each other.
type batchProgress struct {
	sync.Mutex
	uploadedFiles int64
	uploadedBytes int64
	failedFiles   int64
	skippedFiles  int64
	bar           *pb.ProgressBar
}

func newBatchProgress(total int64, show bool) *batchProgress {
	p := &batchProgress{}
	if show {
		p.bar = pb.New64(total)
		p.bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }} {{speed . }}`)
		p.bar.Start()
	}
	return p
}

func (p *batchProgress) record(outcome models.UploadOutcome) {
	p.Lock()
	defer p.Unlock()
	switch outcome.Status {
	case models.StatusSuccess:
		p.uploadedFiles++
		p.uploadedBytes += outcome.Size
	case models.StatusSkipped:
		p.skippedFiles++
	default:
		p.failedFiles++
	}
	if p.bar != nil {
		p.bar.Increment()
	}
}

func (p *batchProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}

// SubmitBatch uploads the given local files under the configured remote
// folder. Duplicates already confirmed by the ledger are skipped, transient
// failures are retried a bounded number of times, and a fatal failure
// (credentials, ledger) cancels the remaining work. The returned report
// carries one outcome per submitted path even when the batch aborts early.
func (s *Scheduler) SubmitBatch(ctx context.Context, sessionID string, paths []string) (*models.UploadReport, error) {
	start := time.Now()
	report := &models.UploadReport{}
	if len(paths) == 0 {
		return report, nil
	}

	tasks, totalBytes := s.prepareTasks(paths)
	report.TotalFiles = int64(len(tasks))
	report.TotalBytes = totalBytes

	if err := s.ledger.SetSessionTotals(sessionID, int64(len(tasks)), totalBytes); err != nil {
		return report, err
	}

	fmt.Printf("Starting upload of %d files (%s) with %d workers...\n",
		len(tasks), utils.FormatSize(totalBytes), s.opts.Workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progress := newBatchProgress(int64(len(tasks)), s.opts.ShowProgress)
	defer progress.finish()

	jobs := make(chan uploadTask, s.opts.Workers)
	outcomes := make(chan models.UploadOutcome, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range jobs {
				outcome := s.runTask(runCtx, sessionID, task)
				progress.record(outcome)
				if outcome.Err != nil && models.IsFatal(outcome.Err) {
					cancel()
				}
				outcomes <- outcome
			}
		}()
	}

	for _, task := range tasks {
		jobs <- task
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.Status {
		case models.StatusSuccess:
			report.UploadedFiles++
			report.UploadedBytes += outcome.Size
		case models.StatusSkipped:
			report.SkippedFiles++
		default:
			report.FailedFiles++
		}
	}
	sort.Slice(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].Path < report.Outcomes[j].Path
	})
	report.Elapsed = time.Since(start)

	s.log.Info().
		Int64("uploaded", report.UploadedFiles).
		Int64("skipped", report.SkippedFiles).
		Int64("failed", report.FailedFiles).
		Str("bytes", utils.FormatSize(report.UploadedBytes)).
		Str("elapsed", utils.FormatDuration(report.Elapsed)).
		Msg("batch finished")

	if err := firstFatal(report.Outcomes); err != nil {
		return report, err
	}
	return report, nil
}

// prepareTasks stats and fingerprints every path. A path that cannot be
// fingerprinted still becomes a task; the upload itself will surface the
// real error.
func (s *Scheduler) prepareTasks(paths []string) ([]uploadTask, int64) {
	tasks := make([]uploadTask, 0, len(paths))
	var totalBytes int64
	for _, path := range paths {
		meta := models.FileMeta{Path: path, Name: filepath.Base(path)}
		if info, err := os.Stat(path); err == nil {
			meta.Size = info.Size()
			meta.ModTime = info.ModTime()
		}
		if fp, err := utils.FileFingerprint(path); err == nil {
			meta.Fingerprint = fp
		} else {
			s.log.Warn().Err(err).Str("path", path).Msg("cannot fingerprint upload candidate")
		}

		relDir := ""
		if s.opts.PreserveStructure && s.opts.LocalRoot != "" {
			if rel, err := filepath.Rel(s.opts.LocalRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
				relDir = filepath.ToSlash(filepath.Dir(rel))
				if relDir == "." {
					relDir = ""
				}
			}
		}

		tasks = append(tasks, uploadTask{meta: meta, relDir: relDir})
		totalBytes += meta.Size
	}
	return tasks, totalBytes
}

// folderResolver creates remote folder chains one path component at a time,
// caching ids so each distinct directory is resolved once per Scheduler. The
// mutex keeps creation serial, which makes the stat-then-put pattern
// idempotent even with concurrent workers.
type folderResolver struct {
	mu    sync.Mutex
	store remote.Store
	root  string
	cache map[string]string
}

func (r *folderResolver) resolve(ctx context.Context, relDir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cache[relDir]; ok {
		return id, nil
	}
	parentID := ""
	if r.root != "" {
		rootID, ok := r.cache[""]
		if !ok {
			var err error
			rootID, err = r.store.FindOrCreateFolder(ctx, r.root, "")
			if err != nil {
				return "", err
			}
			r.cache[""] = rootID
		}
		parentID = rootID
	}
	for _, part := range strings.Split(relDir, "/") {
		if part == "" {
			continue
		}
		var err error
		parentID, err = r.store.FindOrCreateFolder(ctx, part, parentID)
		if err != nil {
			return "", err
		}
	}
	r.cache[relDir] = parentID
	return parentID, nil
}

// runTask drives one file to a terminal outcome and records it in the ledger.
func (s *Scheduler) runTask(ctx context.Context, sessionID string, task uploadTask) models.UploadOutcome {
	outcome := models.UploadOutcome{
		Path:        task.meta.Path,
		Fingerprint: task.meta.Fingerprint,
		Size:        task.meta.Size,
	}

	switch {
	case ctx.Err() != nil:
		outcome.Status = models.StatusFailed
		outcome.Err = fmt.Errorf("%w: batch canceled: %v", models.ErrTransient, ctx.Err())
	case s.opts.MaxFileSize > 0 && task.meta.Size > s.opts.MaxFileSize:
		outcome.Status = models.StatusSkipped
		outcome.Err = fmt.Errorf("%w: file exceeds size limit (%s > %s)",
			models.ErrCapacity, utils.FormatSize(task.meta.Size), utils.FormatSize(s.opts.MaxFileSize))
	default:
		s.attempt(ctx, &task, &outcome)
	}

	s.recordOutcome(sessionID, task, outcome)
	return outcome
}

func (s *Scheduler) attempt(ctx context.Context, task *uploadTask, outcome *models.UploadOutcome) {
	// Folder resolution is part of the task, so a transient blip here costs
	// a retry for this file and nothing else.
	err := s.retry(ctx, "folder resolution", task.meta.Path, outcome, func(ctx context.Context) error {
		id, err := s.folders.resolve(ctx, task.relDir)
		task.folderID = id
		return err
	})
	if err != nil {
		outcome.Status = models.StatusFailed
		outcome.Err = fmt.Errorf("resolve remote folder %q: %w", task.relDir, err)
		return
	}

	if task.meta.Fingerprint != "" && !s.opts.Force {
		if prior, err := s.ledger.IsDuplicate(task.meta.Fingerprint, task.folderID); err != nil {
			outcome.Status = models.StatusFailed
			outcome.Err = err
			return
		} else if prior != nil {
			outcome.Status = models.StatusSkipped
			outcome.RemoteID = prior.RemoteID
			s.log.Debug().Str("path", task.meta.Path).Str("prior", prior.FilePath).
				Msg("duplicate content already delivered")
			return
		}

		if id, err := s.store.FindExisting(ctx, task.meta.Name, task.folderID, task.meta.Fingerprint); err == nil && id != "" {
			outcome.Status = models.StatusSkipped
			outcome.RemoteID = id
			return
		}
	}

	var remoteID string
	err = s.retry(ctx, "upload", task.meta.Path, outcome, func(ctx context.Context) error {
		transferCtx, cancel := context.WithTimeout(ctx, s.opts.TransferTimeout)
		defer cancel()
		var err error
		remoteID, err = s.store.Upload(transferCtx, task.meta.Path, task.folderID, task.meta.Fingerprint)
		return err
	})
	if err != nil {
		outcome.Status = models.StatusFailed
		outcome.Err = err
		return
	}
	outcome.Status = models.StatusSuccess
	outcome.RemoteID = remoteID
}

// retry runs op up to RetryAttempts times with linearly growing backoff,
// counting waits on the outcome. Fatal errors and cancellation stop the loop
// immediately.
func (s *Scheduler) retry(ctx context.Context, what, path string, outcome *models.UploadOutcome, op func(context.Context) error) error {
	var lastErr error
	for n := 0; n < s.opts.RetryAttempts; n++ {
		if n > 0 {
			outcome.Retries++
			select {
			case <-time.After(time.Duration(n) * s.opts.RetryBackoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: batch canceled: %v", models.ErrTransient, ctx.Err())
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if models.IsFatal(err) || ctx.Err() != nil {
			break
		}
		s.log.Warn().Err(err).Str("path", path).Int("attempt", n+1).
			Msg(what + " attempt failed")
	}
	return lastErr
}

func (s *Scheduler) recordOutcome(sessionID string, task uploadTask, outcome models.UploadOutcome) {
	attempt := ledger.Attempt{
		Meta:           task.meta,
		Status:         outcome.Status,
		RemoteID:       outcome.RemoteID,
		RemoteFolderID: task.folderID,
		RetryCount:     outcome.Retries,
	}
	if outcome.Err != nil {
		attempt.ErrorMsg = outcome.Err.Error()
	}
	if _, err := s.ledger.RecordAttempt(sessionID, attempt); err != nil {
		s.log.Error().Err(err).Str("path", task.meta.Path).Msg("cannot record upload attempt")
	}
	if err := s.ledger.BumpSessionCounter(sessionID, outcome.Status, outcome.Size); err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("cannot update session counters")
	}
}

func firstFatal(outcomes []models.UploadOutcome) error {
	for _, o := range outcomes {
		if o.Err != nil && models.IsFatal(o.Err) {
			return o.Err
		}
	}
	return nil
}
