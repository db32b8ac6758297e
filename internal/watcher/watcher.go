package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Event announces a source volume that became available.
type Event struct {
	Path  string // mounted volume root
	Label string // volume directory name
}

// Watcher waits for removable volumes whose label matches the configured
// identifier to appear under the mount root. On Linux volumes typically
// mount two levels deep (/media/<user>/<label>), so first-level directories
// are watched as well.
type Watcher struct {
	mountRoot  string
	identifier string
	settle     time.Duration
	log        zerolog.Logger
	events     chan Event
}

// Options configures a Watcher.
type Options struct {
	MountRoot  string
	Identifier string        // case-insensitive substring of the volume label, empty matches any
	Settle     time.Duration // wait after a mount appears before announcing it
}

func New(opts Options, logger zerolog.Logger) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	return &Watcher{
		mountRoot:  opts.MountRoot,
		identifier: opts.Identifier,
		settle:     opts.Settle,
		log:        logger,
		events:     make(chan Event, 4),
	}
}

// Events delivers matched volumes. The channel closes when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run blocks until ctx is canceled, announcing already-mounted volumes first
// and then every volume that appears afterwards.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create mount watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.mountRoot); err != nil {
		return fmt.Errorf("watch %s: %w", w.mountRoot, err)
	}

	// Pick up what is mounted already, and extend the watch to per-user
	// mount directories.
	entries, err := os.ReadDir(w.mountRoot)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.mountRoot, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		full := filepath.Join(w.mountRoot, entry.Name())
		if w.matches(entry.Name()) {
			w.announce(ctx, full)
			continue
		}
		if err := fsw.Add(full); err != nil {
			w.log.Debug().Err(err).Str("dir", full).Msg("cannot extend mount watch")
			continue
		}
		sub, err := os.ReadDir(full)
		if err != nil {
			continue
		}
		for _, s := range sub {
			if s.IsDir() && w.matches(s.Name()) {
				w.announce(ctx, filepath.Join(full, s.Name()))
			}
		}
	}

	w.log.Info().Str("root", w.mountRoot).Str("identifier", w.identifier).Msg("waiting for source volume")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || !info.IsDir() {
				continue
			}
			if w.matches(filepath.Base(event.Name)) {
				w.announce(ctx, event.Name)
				continue
			}
			// A new first-level directory could be a per-user mount dir.
			if filepath.Dir(event.Name) == w.mountRoot {
				if err := fsw.Add(event.Name); err != nil {
					w.log.Debug().Err(err).Str("dir", event.Name).Msg("cannot extend mount watch")
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("mount watch error")
		}
	}
}

func (w *Watcher) matches(label string) bool {
	if w.identifier == "" {
		return true
	}
	return strings.Contains(strings.ToLower(label), strings.ToLower(w.identifier))
}

// announce waits for the mount to settle before handing it to the consumer,
// since files may still be appearing right after the kernel creates the
// mount point.
func (w *Watcher) announce(ctx context.Context, path string) {
	select {
	case <-time.After(w.settle):
	case <-ctx.Done():
		return
	}
	label := filepath.Base(path)
	w.log.Info().Str("volume", path).Msg("source volume detected")
	select {
	case w.events <- Event{Path: path, Label: label}:
	case <-ctx.Done():
	}
}
