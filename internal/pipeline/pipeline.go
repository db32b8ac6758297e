package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chmdznr/usb-audio-to-minio-sync/internal/audio"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/config"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/ledger"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/staging"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/transcode"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/uploader"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
)

// Pipeline wires staging, trimming, transcoding and uploading into the
// stage -> process -> upload run a single source device goes through.
type Pipeline struct {
	cfg   *config.Config
	ldg   *ledger.Ledger
	area  *staging.Area
	codec *transcode.Codec
	sched *uploader.Scheduler
	log   zerolog.Logger
}

// RunSummary reports what one full run did at each stage.
type RunSummary struct {
	SessionID       string
	StagedFiles     int
	ProcessedFiles  int
	SilentFiles     int
	ProcessFailures int
	Upload          *models.UploadReport
	Elapsed         time.Duration
}

func New(cfg *config.Config, ldg *ledger.Ledger, area *staging.Area, codec *transcode.Codec, sched *uploader.Scheduler, logger zerolog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, ldg: ldg, area: area, codec: codec, sched: sched, log: logger}
}

// Run executes the full pipeline against one source root. The session is
// closed whatever happens; a fatal error (credentials, ledger) aborts the
// run, anything else is narrowed to the file it concerns.
func (p *Pipeline) Run(ctx context.Context, sourceRoot string) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{}

	sessionID, err := p.ldg.OpenSession(sourceRoot)
	if err != nil {
		return summary, err
	}
	summary.SessionID = sessionID

	runErr := p.run(ctx, sourceRoot, sessionID, summary)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := p.ldg.CloseSession(sessionID, runErr == nil, errMsg); err != nil {
		p.log.Error().Err(err).Str("session", sessionID).Msg("cannot close session")
	}

	summary.Elapsed = time.Since(start)
	return summary, runErr
}

func (p *Pipeline) run(ctx context.Context, sourceRoot, sessionID string, summary *RunSummary) error {
	staged, err := p.area.StageFromSource(sourceRoot)
	if err != nil {
		return fmt.Errorf("stage from %s: %w", sourceRoot, err)
	}
	summary.StagedFiles = len(staged)
	p.log.Info().Int("files", len(staged)).Str("source", sourceRoot).Msg("staging complete")

	if err := p.ProcessPending(ctx, summary); err != nil {
		return err
	}

	report, err := p.UploadPending(ctx, sessionID, false)
	summary.Upload = report
	return err
}

// ProcessPending trims and transcodes every raw file that has no processed
// counterpart yet. Files whose timeline is entirely silence are archived
// without output. One bad file does not stop the batch.
func (p *Pipeline) ProcessPending(ctx context.Context, summary *RunSummary) error {
	pending, err := p.area.ListUnprocessed()
	if err != nil {
		return fmt.Errorf("list unprocessed: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "ausync-encode-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	trimCfg := audio.TrimConfig{
		SilenceThresholdDb: p.cfg.SilenceThresholdDb,
		MinSilenceMs:       p.cfg.MinSilenceMs,
		MarginMs:           p.cfg.MarginMs,
		TargetSampleRate:   p.cfg.TargetSampleRate,
		TargetLoudnessDb:   p.cfg.TargetLoudnessDb,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ProcessWorkers)

	for i, rawPath := range pending {
		i, rawPath := i, rawPath
		g.Go(func() error {
			silent, err := p.processOne(gctx, rawPath, filepath.Join(tmpDir, fmt.Sprintf("enc-%d%s", i, p.codec.OutputExt())), trimCfg)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && models.IsFatal(err):
				summary.ProcessFailures++
				return err
			case err != nil:
				summary.ProcessFailures++
				p.log.Error().Err(err).Str("path", rawPath).Msg("processing failed")
			case silent:
				summary.SilentFiles++
			default:
				summary.ProcessedFiles++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.log.Info().
		Int("processed", summary.ProcessedFiles).
		Int("silent", summary.SilentFiles).
		Int("failed", summary.ProcessFailures).
		Msg("processing complete")
	return nil
}

// processOne runs decode -> trim -> encode -> promote for a single raw file.
// The silent return means the recording carried too little audio to keep and
// was archived without a processed output.
func (p *Pipeline) processOne(ctx context.Context, rawPath, scratchPath string, trimCfg audio.TrimConfig) (silent bool, err error) {
	clip, err := p.codec.Decode(ctx, rawPath, p.cfg.TargetSampleRate)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(rawPath), err)
	}

	// Recordings that are mostly dead air (a recorder left running, pocket
	// noise) are not worth trimming or uploading.
	if p.cfg.MinVoiceRatio > 0 {
		stats, err := audio.VoiceActivity(clip, trimCfg)
		if err != nil {
			return false, fmt.Errorf("analyze %s: %w", filepath.Base(rawPath), err)
		}
		if stats.VoiceRatio < p.cfg.MinVoiceRatio {
			p.log.Info().
				Str("file", filepath.Base(rawPath)).
				Float64("voice_ratio", stats.VoiceRatio).
				Msg("voice ratio below threshold")
			if _, err := p.area.ArchiveRaw(rawPath); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	trimmed, segments, err := audio.Trim(clip, trimCfg)
	if err != nil {
		return false, fmt.Errorf("trim %s: %w", filepath.Base(rawPath), err)
	}
	if trimmed == nil {
		if _, err := p.area.ArchiveRaw(rawPath); err != nil {
			return false, err
		}
		return true, nil
	}

	p.log.Debug().
		Str("file", filepath.Base(rawPath)).
		Int("segments", len(segments)).
		Int("duration_ms", trimmed.DurationMs()).
		Msg("silence trimmed")

	if err := p.codec.Encode(ctx, trimmed, scratchPath, p.cfg.TargetBitrate); err != nil {
		return false, fmt.Errorf("encode %s: %w", filepath.Base(rawPath), err)
	}
	if _, err := p.area.PromoteToProcessed(rawPath, scratchPath); err != nil {
		return false, err
	}
	return false, nil
}

// UploadPending delivers every processed file the ledger has not confirmed.
// Force re-sends the whole processed tree regardless of the ledger; disabling
// use_ledger in the config has the same effect on selection.
func (p *Pipeline) UploadPending(ctx context.Context, sessionID string, force bool) (*models.UploadReport, error) {
	if p.cfg.UseLedger != nil && !*p.cfg.UseLedger {
		force = true
	}
	pending, err := p.area.ListPendingUpload(p.ldg, force)
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	if len(pending) == 0 {
		p.log.Info().Msg("nothing to upload")
		return &models.UploadReport{}, nil
	}
	return p.sched.SubmitBatch(ctx, sessionID, pending)
}

// Cleanup reclaims expired archive files and prunes old ledger history.
func (p *Pipeline) Cleanup() (reclaimedFiles int, reclaimedBytes int64, err error) {
	retention := time.Duration(p.cfg.RetentionDays) * 24 * time.Hour
	reclaimedFiles, reclaimedBytes, err = p.area.ReclaimExpired(retention)
	if err != nil {
		return
	}

	ledgerAge := time.Duration(p.cfg.LedgerRetentionDays) * 24 * time.Hour
	sessions, records, perr := p.ldg.PurgeOlderThan(ledgerAge)
	if perr != nil {
		err = perr
		return
	}
	p.log.Info().
		Int("archive_files", reclaimedFiles).
		Int64("sessions", sessions).
		Int64("history_rows", records).
		Msg("cleanup complete")
	return
}
