package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/eiannone/keyboard"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/usb-audio-to-minio-sync/internal/config"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/ledger"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/logging"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/pipeline"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/remote"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/staging"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/transcode"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/uploader"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/watcher"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/utils"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "ausync",
		Usage:                "Differential audio sync from USB recorders to MinIO",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the JSON config file",
				Value:   "config.json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "run",
				Usage: "Stage, process and upload from a source volume",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "Source volume path (default: autodetect under the mount root)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel upload workers",
					},
				},
				Action: runOnce,
			},
			{
				Name:   "process",
				Usage:  "Trim silence and transcode staged files without uploading",
				Action: processOnly,
			},
			{
				Name:  "upload",
				Usage: "Upload processed files the ledger has not confirmed",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel upload workers",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Re-send everything, ignoring the ledger",
					},
				},
				Action: uploadOnly,
			},
			{
				Name:  "status",
				Usage: "Show sync statistics and staging disk usage",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "duplicates",
						Usage: "List content recorded more than once",
					},
				},
				Action: showStatus,
			},
			{
				Name:   "cleanup",
				Usage:  "Reclaim expired archive files and prune old history",
				Action: runCleanup,
			},
			{
				Name:   "watch",
				Usage:  "Wait for matching volumes and run the pipeline on each",
				Action: watchMounts,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles everything a command needs once setup succeeded.
type env struct {
	cfg   *config.Config
	log   zerolog.Logger
	ldg   *ledger.Ledger
	area  *staging.Area
	codec *transcode.Codec
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	log := logging.New("ausync", cfg.LogFile, cfg.LogLevel)

	// The staging area creates the base directory tree, which the ledger
	// file lives under, so it goes first.
	area, err := staging.New(staging.Options{
		BaseDir:    cfg.BaseDir,
		VerifyCopy: cfg.VerifyCopy == nil || *cfg.VerifyCopy,
		Extensions: cfg.AudioExtensions,
		Exclude:    cfg.ExcludeFolders,
	}, log)
	if err != nil {
		return nil, err
	}

	ldg, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	return &env{
		cfg:   cfg,
		log:   log,
		ldg:   ldg,
		area:  area,
		codec: transcode.New(log),
	}, nil
}

func (e *env) close() {
	if err := e.ldg.Close(); err != nil {
		e.log.Error().Err(err).Msg("closing ledger")
	}
}

func (e *env) scheduler(workers int, force bool) (*uploader.Scheduler, error) {
	store, err := remote.NewMinio(remote.MinioOptions{
		Endpoint:  e.cfg.Endpoint,
		Bucket:    e.cfg.Bucket,
		AccessKey: e.cfg.AccessKey,
		SecretKey: e.cfg.SecretKey,
		Secure:    e.cfg.UseTLS == nil || *e.cfg.UseTLS,
	}, e.log)
	if err != nil {
		return nil, err
	}

	if workers <= 0 {
		workers = e.cfg.ParallelUploads
	}
	if e.cfg.UseLedger != nil && !*e.cfg.UseLedger {
		force = true
	}
	return uploader.New(store, e.ldg, uploader.Options{
		Workers:           workers,
		RetryAttempts:     e.cfg.RetryAttempts,
		MaxFileSize:       e.cfg.MaxFileSizeBytes(),
		RemoteFolder:      e.cfg.Folder,
		LocalRoot:         e.area.ProcessedDir(),
		PreserveStructure: e.cfg.PreserveFolderStructure == nil || *e.cfg.PreserveFolderStructure,
		ShowProgress:      true,
		Force:             force,
	}, e.log), nil
}

func (e *env) pipeline(sched *uploader.Scheduler) *pipeline.Pipeline {
	return pipeline.New(e.cfg, e.ldg, e.area, e.codec, sched, e.log)
}

// runContext cancels on SIGINT/SIGTERM and on Esc or q, so a long upload can
// be stopped without killing in-flight transfers mid-write.
func runContext() (context.Context, context.CancelFunc, func()) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		// No terminal, e.g. running under a service manager.
		return ctx, cancel, func() {}
	}

	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			if key == keyboard.KeyEsc || char == 'q' {
				fmt.Println("\nStopping; waiting for in-flight transfers...")
				cancel()
				return
			}
		}
	}()

	return ctx, cancel, func() { keyboard.Close() }
}

func findSource(cfg *config.Config) (string, error) {
	entries, err := os.ReadDir(cfg.MountRoot)
	if err != nil {
		return "", fmt.Errorf("scan mount root %s: %w", cfg.MountRoot, err)
	}

	match := func(name string) bool {
		return strings.Contains(strings.ToLower(name), strings.ToLower(cfg.SourceIdentifier))
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if match(entry.Name()) {
			return filepath.Join(cfg.MountRoot, entry.Name()), nil
		}
		// Per-user mount directories hold volumes one level deeper.
		sub, err := os.ReadDir(filepath.Join(cfg.MountRoot, entry.Name()))
		if err != nil {
			continue
		}
		for _, s := range sub {
			if s.IsDir() && match(s.Name()) {
				return filepath.Join(cfg.MountRoot, entry.Name(), s.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("no volume matching %q under %s", cfg.SourceIdentifier, cfg.MountRoot)
}

func runOnce(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	source := c.String("source")
	if source == "" {
		source, err = findSource(e.cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Detected source volume: %s\n", source)
	}

	sched, err := e.scheduler(c.Int("workers"), false)
	if err != nil {
		return err
	}

	ctx, cancel, closeKeys := runContext()
	defer cancel()
	defer closeKeys()

	summary, err := e.pipeline(sched).Run(ctx, source)
	printSummary(summary)
	return err
}

func processOnly(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel, closeKeys := runContext()
	defer cancel()
	defer closeKeys()

	summary := &pipeline.RunSummary{}
	if err := e.pipeline(nil).ProcessPending(ctx, summary); err != nil {
		return err
	}
	fmt.Printf("Processed %d files (%d silent, %d failed)\n",
		summary.ProcessedFiles, summary.SilentFiles, summary.ProcessFailures)
	return nil
}

func uploadOnly(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	sched, err := e.scheduler(c.Int("workers"), c.Bool("force"))
	if err != nil {
		return err
	}
	p := e.pipeline(sched)

	ctx, cancel, closeKeys := runContext()
	defer cancel()
	defer closeKeys()

	sessionID, err := e.ldg.OpenSession(e.area.ProcessedDir())
	if err != nil {
		return err
	}

	report, err := p.UploadPending(ctx, sessionID, c.Bool("force"))
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if cerr := e.ldg.CloseSession(sessionID, err == nil, errMsg); cerr != nil {
		e.log.Error().Err(cerr).Msg("closing session")
	}
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded %d files (%s), %d skipped, %d failed in %s\n",
		report.UploadedFiles, utils.FormatSize(report.UploadedBytes),
		report.SkippedFiles, report.FailedFiles, utils.FormatDuration(report.Elapsed))
	return nil
}

func showStatus(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	stats, err := e.ldg.Statistics()
	if err != nil {
		return err
	}

	fmt.Printf("Sync history\n")
	fmt.Printf("  Sessions:       %s\n", humanize.Comma(stats.TotalSessions))
	fmt.Printf("  Files synced:   %s (%s)\n",
		humanize.Comma(stats.TotalFilesSynced), humanize.Bytes(uint64(stats.TotalBytesSynced)))
	fmt.Printf("  Unique files:   %s\n", humanize.Comma(stats.UniqueFiles))
	fmt.Printf("  Today:          %s files (%s)\n",
		humanize.Comma(stats.FilesToday), humanize.Bytes(uint64(stats.BytesToday)))
	fmt.Printf("  Recent errors:  %s (last 7 days)\n", humanize.Comma(stats.RecentErrors))

	if len(stats.ByExtension) > 0 {
		fmt.Printf("\nBy extension\n")
		for _, ext := range stats.ByExtension {
			fmt.Printf("  %-8s %6s files  %10s\n",
				ext.Extension, humanize.Comma(ext.Count), humanize.Bytes(uint64(ext.TotalSize)))
		}
	}

	usage, err := e.area.UsageReport()
	if err != nil {
		return err
	}
	fmt.Printf("\nStaging area (%s)\n", e.cfg.BaseDir)
	fmt.Printf("  Raw:            %s\n", humanize.Bytes(uint64(usage.RawBytes)))
	fmt.Printf("  Processed:      %s\n", humanize.Bytes(uint64(usage.ProcessedBytes)))
	fmt.Printf("  Archive:        %s\n", humanize.Bytes(uint64(usage.ArchiveBytes)))
	fmt.Printf("  Disk free:      %s of %s\n",
		humanize.Bytes(usage.DiskFreeBytes), humanize.Bytes(usage.DiskTotalBytes))

	sessions, err := e.ldg.SessionHistory(5)
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		fmt.Printf("\nRecent sessions\n")
		for _, s := range sessions {
			fmt.Printf("  %s  %-11s %4d synced  %4d failed  %s\n",
				s.SessionID, s.Status, s.SyncedFiles, s.FailedFiles, humanize.Time(s.StartTime))
		}
	}

	if c.Bool("duplicates") {
		groups, err := e.ldg.DuplicateReport()
		if err != nil {
			return err
		}
		fmt.Printf("\nDuplicate content\n")
		if len(groups) == 0 {
			fmt.Println("  none")
		}
		for _, g := range groups {
			fmt.Printf("  %dx %s (%s): %s\n",
				g.Count, g.Fingerprint[:12], humanize.Bytes(uint64(g.TotalSize)), g.FileNames)
		}
	}
	return nil
}

func runCleanup(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	files, bytes, err := e.pipeline(nil).Cleanup()
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d archive files (%s)\n", files, utils.FormatSize(bytes))
	return nil
}

func watchMounts(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	sched, err := e.scheduler(0, false)
	if err != nil {
		return err
	}
	p := e.pipeline(sched)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := watcher.New(watcher.Options{
		MountRoot:  e.cfg.MountRoot,
		Identifier: e.cfg.SourceIdentifier,
	}, e.log)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fmt.Printf("Watching %s for volumes matching %q (Ctrl-C to stop)\n",
		e.cfg.MountRoot, e.cfg.SourceIdentifier)

	for ev := range w.Events() {
		fmt.Printf("Volume mounted: %s\n", ev.Path)
		summary, err := p.Run(ctx, ev.Path)
		printSummary(summary)
		if err != nil {
			e.log.Error().Err(err).Str("volume", ev.Path).Msg("run failed")
		}
	}

	if err := <-done; err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func printSummary(s *pipeline.RunSummary) {
	if s == nil {
		return
	}
	fmt.Printf("\nSession %s finished in %s\n", s.SessionID, utils.FormatDuration(s.Elapsed))
	fmt.Printf("  Staged:    %d\n", s.StagedFiles)
	fmt.Printf("  Processed: %d (%d silent, %d failed)\n",
		s.ProcessedFiles, s.SilentFiles, s.ProcessFailures)
	if s.Upload != nil {
		fmt.Printf("  Uploaded:  %d (%s), %d skipped, %d failed\n",
			s.Upload.UploadedFiles, utils.FormatSize(s.Upload.UploadedBytes),
			s.Upload.SkippedFiles, s.Upload.FailedFiles)
	}
}
