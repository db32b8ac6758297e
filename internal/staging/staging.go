package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/utils"
)

// copyBufSize keeps memory use independent of file size during staging.
const copyBufSize = 1 << 20

// Selector narrows upload candidates to the files whose content has not been
// delivered yet. Upload confirmation lives in the ledger, not in local state,
// so the staging area asks instead of guessing.
type Selector interface {
	SelectFilesNeedingSync(candidates []models.FileMeta) ([]models.FileMeta, error)
}

// Area manages the raw → processed → archive lifecycle of locally staged
// files under a single base directory.
type Area struct {
	baseDir      string
	rawDir       string
	processedDir string
	archiveDir   string

	verifyCopy bool
	extensions map[string]bool
	exclude    map[string]bool
	log        zerolog.Logger
}

// Options configures a staging area.
type Options struct {
	BaseDir    string
	VerifyCopy bool
	Extensions []string
	Exclude    []string
}

// New creates the staging area, building the directory trees if needed.
func New(opts Options, logger zerolog.Logger) (*Area, error) {
	a := &Area{
		baseDir:      opts.BaseDir,
		rawDir:       filepath.Join(opts.BaseDir, "raw"),
		processedDir: filepath.Join(opts.BaseDir, "processed"),
		archiveDir:   filepath.Join(opts.BaseDir, "archive"),
		verifyCopy:   opts.VerifyCopy,
		extensions:   make(map[string]bool),
		exclude:      make(map[string]bool),
		log:          logger,
	}

	for _, ext := range opts.Extensions {
		a.extensions[strings.ToLower(ext)] = true
	}
	for _, name := range opts.Exclude {
		a.exclude[name] = true
	}

	for _, dir := range []string{a.baseDir, a.rawDir, a.processedDir, a.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return a, nil
}

// RawDir returns the root of the raw tree.
func (a *Area) RawDir() string { return a.rawDir }

// ProcessedDir returns the root of the processed tree.
func (a *Area) ProcessedDir() string { return a.processedDir }

// StageFromSource recursively finds matching audio files under sourceRoot and
// copies each into a date-partitioned raw directory, preserving the relative
// path. A destination that already exists with the same size and mtime is
// treated as already staged; content already moved to the archive tree is
// not staged again. One failed file logs and is dropped from the result; it
// never aborts the batch.
func (a *Area) StageFromSource(sourceRoot string) ([]string, error) {
	if _, err := os.Stat(sourceRoot); err != nil {
		return nil, fmt.Errorf("source root %s: %w", sourceRoot, err)
	}

	dailyDir := filepath.Join(a.rawDir, time.Now().Format("20060102"))

	var staged []string
	err := filepath.Walk(sourceRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		if info.IsDir() {
			if a.exclude[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !a.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if info.Size() == 0 {
			a.log.Warn().Str("path", path).Msg("skipping empty file")
			return nil
		}

		relPath, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("skipping file outside source root")
			return nil
		}
		dest := filepath.Join(dailyDir, relPath)

		// Cheap pre-check before full verification: same size and mtime at
		// the destination means already staged. Staged copies keep the source
		// mtime, so a modified source never matches its stale copy.
		if fi, err := os.Stat(dest); err == nil && fi.Size() == info.Size() && fi.ModTime().Equal(info.ModTime()) {
			a.log.Debug().Str("file", relPath).Msg("already staged")
			staged = append(staged, dest)
			return nil
		}

		// A matching archived copy means this exact content already went
		// through an earlier run; staging it again would reprocess it.
		if a.alreadyArchived(relPath, info) {
			a.log.Debug().Str("file", relPath).Msg("already archived")
			return nil
		}

		if err := a.stageOne(path, dest, info.ModTime()); err != nil {
			a.log.Error().Err(err).Str("file", relPath).Msg("staging failed")
			return nil
		}

		staged = append(staged, dest)
		return nil
	})
	if err != nil {
		return staged, err
	}

	a.log.Info().Int("staged", len(staged)).Str("source", sourceRoot).Msg("staging completed")
	return staged, nil
}

func (a *Area) stageOne(src, dest string, modTime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	if err := copyFile(src, dest); err != nil {
		os.Remove(dest)
		return err
	}

	if a.verifyCopy {
		ok, err := a.VerifyCopy(src, dest)
		if err != nil || !ok {
			// Fail-closed: never keep a copy we cannot trust.
			os.Remove(dest)
			if err != nil {
				return fmt.Errorf("%w: verify %s: %v", models.ErrIntegrity, src, err)
			}
			return fmt.Errorf("%w: fingerprint mismatch for %s", models.ErrIntegrity, src)
		}
	}

	// Keep the source mtime, so later runs can tell an unchanged recording
	// from one re-exported with new content.
	if err := os.Chtimes(dest, time.Now(), modTime); err != nil {
		a.log.Warn().Err(err).Str("path", dest).Msg("cannot preserve source mtime")
	}
	return nil
}

// alreadyArchived reports whether any date partition of the archive tree
// holds a copy of relPath with the same size and modification time as the
// source file.
func (a *Area) alreadyArchived(relPath string, info os.FileInfo) bool {
	matches, err := filepath.Glob(filepath.Join(a.archiveDir, "*", relPath))
	if err != nil {
		return false
	}
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Size() == info.Size() && fi.ModTime().Equal(info.ModTime()) {
			return true
		}
	}
	return false
}

// copyFile copies src to dest in bounded-size buffered chunks.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	return out.Close()
}

// VerifyCopy reports whether src and dest have identical content
// fingerprints.
func (a *Area) VerifyCopy(src, dest string) (bool, error) {
	srcHash, err := utils.FileFingerprint(src)
	if err != nil {
		return false, err
	}
	destHash, err := utils.FileFingerprint(dest)
	if err != nil {
		return false, err
	}
	return srcHash == destHash, nil
}

// PromoteToProcessed installs processedPath into the processed tree at the
// position mapped from rawPath, and archives the raw original. The archive
// move happens first: if the second step fails, the original is still
// resolvable from the archive tree rather than lost.
func (a *Area) PromoteToProcessed(rawPath, processedPath string) (string, error) {
	relPath, err := filepath.Rel(a.rawDir, rawPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("raw path %s is outside the raw tree", rawPath)
	}

	finalPath := filepath.Join(a.processedDir, withExt(relPath, filepath.Ext(processedPath)))
	archivePath := filepath.Join(a.archiveDir, relPath)

	for _, dir := range []string{filepath.Dir(finalPath), filepath.Dir(archivePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	if err := moveFile(rawPath, archivePath); err != nil {
		return "", fmt.Errorf("archive raw original: %w", err)
	}
	if err := moveFile(processedPath, finalPath); err != nil {
		return "", fmt.Errorf("install processed file: %w", err)
	}

	a.log.Info().Str("file", filepath.Base(finalPath)).Msg("promoted to processed")
	return finalPath, nil
}

// ArchiveRaw moves a raw file straight to the archive tree without producing
// a processed counterpart. Used for recordings with no audible content.
func (a *Area) ArchiveRaw(rawPath string) (string, error) {
	relPath, err := filepath.Rel(a.rawDir, rawPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("raw path %s is outside the raw tree", rawPath)
	}

	archivePath := filepath.Join(a.archiveDir, relPath)
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("create dir %s: %w", filepath.Dir(archivePath), err)
	}
	if err := moveFile(rawPath, archivePath); err != nil {
		return "", fmt.Errorf("archive raw original: %w", err)
	}

	a.log.Info().Str("file", filepath.Base(rawPath)).Msg("archived without processing")
	return archivePath, nil
}

// moveFile renames src to dest, falling back to copy+remove across devices.
// The fallback keeps the source mtime, matching rename semantics.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	info, statErr := os.Stat(src)
	if err := copyFile(src, dest); err != nil {
		os.Remove(dest)
		return err
	}
	if statErr == nil {
		os.Chtimes(dest, time.Now(), info.ModTime())
	}
	return os.Remove(src)
}

func withExt(path, ext string) string {
	old := filepath.Ext(path)
	return path[:len(path)-len(old)] + ext
}

// ListUnprocessed returns every raw file lacking a corresponding entry in the
// processed tree, by relative path.
func (a *Area) ListUnprocessed() ([]string, error) {
	var unprocessed []string
	err := filepath.Walk(a.rawDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if !a.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		relPath, err := filepath.Rel(a.rawDir, path)
		if err != nil {
			return err
		}
		if !a.hasProcessed(relPath, info.ModTime()) {
			unprocessed = append(unprocessed, path)
		}
		return nil
	})
	return unprocessed, err
}

// hasProcessed checks for the relative path under the processed tree with any
// known audio extension, since transcoding may change the suffix. A
// counterpart older than the raw copy is stale output from earlier content
// and does not count.
func (a *Area) hasProcessed(relPath string, rawModTime time.Time) bool {
	base := filepath.Join(a.processedDir, strings.TrimSuffix(relPath, filepath.Ext(relPath)))
	for ext := range a.extensions {
		if fi, err := os.Stat(base + ext); err == nil && !fi.ModTime().Before(rawModTime) {
			return true
		}
	}
	return false
}

// ListPendingUpload returns every processed file whose delivery the ledger
// has not confirmed. A candidate that cannot be fingerprinted stays in the
// result rather than being dropped. Force bypasses the differential
// selection and returns everything in the processed tree.
func (a *Area) ListPendingUpload(selector Selector, force bool) ([]string, error) {
	var candidates []models.FileMeta
	err := filepath.Walk(a.processedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if !a.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		meta := models.FileMeta{
			Path:      path,
			Name:      info.Name(),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			ForceSync: force,
		}
		if fingerprint, err := utils.FileFingerprint(path); err == nil {
			meta.Fingerprint = fingerprint
		} else {
			a.log.Warn().Err(err).Str("path", path).Msg("cannot fingerprint processed file")
		}
		candidates = append(candidates, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	needed, err := selector.SelectFilesNeedingSync(candidates)
	if err != nil {
		return nil, err
	}

	pending := make([]string, 0, len(needed))
	for _, meta := range needed {
		pending = append(pending, meta.Path)
	}
	return pending, nil
}

// ReclaimExpired deletes archive files older than the retention window. Only
// the archive tree is touched: raw and processed content may still be needed.
func (a *Area) ReclaimExpired(retention time.Duration) (int, int64, error) {
	cutoff := time.Now().Add(-retention)

	var count int
	var bytes int64
	err := filepath.Walk(a.archiveDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		size := info.Size()
		if err := os.Remove(path); err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("cannot reclaim archive file")
			return nil
		}
		count++
		bytes += size
		return nil
	})
	if count > 0 {
		a.log.Info().Int("files", count).Str("size", utils.FormatSize(bytes)).
			Msg("reclaimed expired archive files")
	}
	return count, bytes, err
}

// UsageReport sums each tree and reports disk headroom for the base dir.
func (a *Area) UsageReport() (*models.UsageReport, error) {
	report := &models.UsageReport{}

	for _, t := range []struct {
		dir  string
		dest *int64
	}{
		{a.rawDir, &report.RawBytes},
		{a.processedDir, &report.ProcessedBytes},
		{a.archiveDir, &report.ArchiveBytes},
	} {
		size, err := treeSize(t.dir)
		if err != nil {
			return nil, err
		}
		*t.dest = size
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(a.baseDir, &fs); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", a.baseDir, err)
	}
	report.DiskFreeBytes = fs.Bavail * uint64(fs.Bsize)
	report.DiskTotalBytes = fs.Blocks * uint64(fs.Bsize)

	return report, nil
}

func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
