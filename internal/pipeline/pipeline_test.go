package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chmdznr/usb-audio-to-minio-sync/internal/audio"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/config"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/ledger"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/staging"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/transcode"
	"github.com/chmdznr/usb-audio-to-minio-sync/internal/uploader"
)

const testRate = 8000

// memStore is an in-memory remote that accepts everything.
type memStore struct {
	mu      sync.Mutex
	uploads map[string]string
}

func (m *memStore) FindOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	return strings.TrimPrefix(parentID+"/"+name, "/"), nil
}

func (m *memStore) FindExisting(ctx context.Context, name, parentID, fingerprint string) (string, error) {
	return "", nil
}

func (m *memStore) Upload(ctx context.Context, localPath, parentID, fingerprint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strings.TrimPrefix(parentID+"/"+filepath.Base(localPath), "/")
	m.uploads[localPath] = id
	return id, nil
}

func (m *memStore) About(ctx context.Context) (string, error) { return "mem", nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.TargetSampleRate = testRate
	cfg.ProcessWorkers = 2
	cfg.AudioExtensions = []string{".wav", ".mp3"}
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *memStore) {
	t.Helper()

	ldg, err := ledger.Open(filepath.Join(cfg.BaseDir, "ledger.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ldg.Close() })

	area, err := staging.New(staging.Options{
		BaseDir:    cfg.BaseDir,
		VerifyCopy: true,
		Extensions: cfg.AudioExtensions,
		Exclude:    cfg.ExcludeFolders,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("staging area: %v", err)
	}

	codec := transcode.New(zerolog.Nop())
	store := &memStore{uploads: make(map[string]string)}
	sched := uploader.New(store, ldg, uploader.Options{
		Workers:           2,
		LocalRoot:         area.ProcessedDir(),
		RemoteFolder:      "recordings",
		PreserveStructure: true,
	}, zerolog.Nop())

	return New(cfg, ldg, area, codec, sched, zerolog.Nop()), store
}

// writeWAV renders a clip to disk through the same encoder the pipeline uses.
func writeWAV(t *testing.T, path string, samples []float64) {
	t.Helper()
	clip := &audio.Clip{Samples: samples, Rate: testRate, Channels: 1}
	codec := transcode.New(zerolog.Nop())
	if err := codec.EncodeWAV(clip, path); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
}

func toneSamples(durMs int, amp float64) []float64 {
	n := testRate * durMs / 1000
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*440*float64(i)/testRate)
	}
	return out
}

func silenceSamples(durMs int) []float64 {
	return make([]float64, testRate*durMs/1000)
}

func speechLike() []float64 {
	var s []float64
	s = append(s, toneSamples(1000, 0.5)...)
	s = append(s, silenceSamples(4000)...)
	s = append(s, toneSamples(1000, 0.5)...)
	return s
}

func TestRunFullPipeline(t *testing.T) {
	cfg := testConfig(t)
	p, store := newTestPipeline(t, cfg)

	source := t.TempDir()
	writeWAV(t, filepath.Join(source, "meeting.wav"), speechLike())
	writeWAV(t, filepath.Join(source, "dead-air.wav"), silenceSamples(5000))

	summary, err := p.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.StagedFiles != 2 {
		t.Errorf("staged = %d, want 2", summary.StagedFiles)
	}
	if summary.ProcessedFiles != 1 {
		t.Errorf("processed = %d, want 1", summary.ProcessedFiles)
	}
	if summary.SilentFiles != 1 {
		t.Errorf("silent = %d, want 1", summary.SilentFiles)
	}
	if summary.ProcessFailures != 0 {
		t.Errorf("failures = %d, want 0", summary.ProcessFailures)
	}
	if summary.Upload == nil || summary.Upload.UploadedFiles != 1 {
		t.Fatalf("upload report = %+v, want 1 uploaded", summary.Upload)
	}

	if len(store.uploads) != 1 {
		t.Fatalf("remote holds %d objects, want 1", len(store.uploads))
	}
	// Output extension depends on whether an mp3 encoder is present, so only
	// the folder and base name are pinned.
	for _, id := range store.uploads {
		base := strings.TrimSuffix(filepath.Base(id), filepath.Ext(id))
		if !strings.HasPrefix(id, "recordings/") || base != "meeting" {
			t.Errorf("remote id = %q, want recordings/.../meeting.*", id)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	p, store := newTestPipeline(t, cfg)

	source := t.TempDir()
	writeWAV(t, filepath.Join(source, "meeting.wav"), speechLike())

	if _, err := p.Run(context.Background(), source); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if second.ProcessedFiles != 0 || second.SilentFiles != 0 {
		t.Errorf("second run reprocessed: %d processed, %d silent",
			second.ProcessedFiles, second.SilentFiles)
	}
	if second.Upload.UploadedFiles != 0 {
		t.Errorf("second run uploaded %d files, want 0", second.Upload.UploadedFiles)
	}
	if len(store.uploads) != 1 {
		t.Errorf("remote holds %d objects after two runs, want 1", len(store.uploads))
	}
}

func TestRunPicksUpModifiedSource(t *testing.T) {
	cfg := testConfig(t)
	p, store := newTestPipeline(t, cfg)

	source := t.TempDir()
	path := filepath.Join(source, "meeting.wav")
	writeWAV(t, path, speechLike())

	if _, err := p.Run(context.Background(), source); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The recorder re-exports the same file with more content after the
	// first run finished.
	var longer []float64
	longer = append(longer, toneSamples(2000, 0.5)...)
	longer = append(longer, silenceSamples(4000)...)
	longer = append(longer, toneSamples(1000, 0.5)...)
	writeWAV(t, path, longer)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	second, err := p.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.ProcessedFiles != 1 {
		t.Errorf("second run processed = %d, want the modified recording", second.ProcessedFiles)
	}
	if second.Upload == nil || second.Upload.UploadedFiles != 1 {
		t.Fatalf("second run upload report = %+v, want 1 uploaded", second.Upload)
	}
	// Same processed path, so the remote object is replaced, not duplicated.
	if len(store.uploads) != 1 {
		t.Errorf("remote holds %d objects, want 1", len(store.uploads))
	}
}

func TestRunArchivesLowVoiceRatio(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinVoiceRatio = 0.2
	p, store := newTestPipeline(t, cfg)

	// Half a second of tone in ten seconds of dead air: trimmable, but below
	// the ratio worth keeping.
	var mostlyQuiet []float64
	mostlyQuiet = append(mostlyQuiet, toneSamples(500, 0.5)...)
	mostlyQuiet = append(mostlyQuiet, silenceSamples(9500)...)

	source := t.TempDir()
	writeWAV(t, filepath.Join(source, "pocket.wav"), mostlyQuiet)

	summary, err := p.Run(context.Background(), source)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SilentFiles != 1 || summary.ProcessedFiles != 0 {
		t.Errorf("summary = %d silent, %d processed; want 1/0",
			summary.SilentFiles, summary.ProcessedFiles)
	}
	if len(store.uploads) != 0 {
		t.Errorf("remote holds %d objects, want 0", len(store.uploads))
	}
}

func TestRunTrimsSilenceFromOutput(t *testing.T) {
	cfg := testConfig(t)
	p, store := newTestPipeline(t, cfg)

	source := t.TempDir()
	writeWAV(t, filepath.Join(source, "rec.wav"), speechLike())

	if _, err := p.Run(context.Background(), source); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.uploads) != 1 {
		t.Fatalf("remote holds %d objects, want 1", len(store.uploads))
	}
	var processedPath string
	for local := range store.uploads {
		processedPath = local
	}

	codec := transcode.New(zerolog.Nop())
	clip, err := codec.Decode(context.Background(), processedPath, testRate)
	if err != nil {
		t.Fatalf("decode processed output: %v", err)
	}

	// Input is 6s with a 4s silent middle; the trimmed output keeps the two
	// tones plus margins, so it must land well under half the original.
	if got := clip.DurationMs(); got < 1500 || got > 3000 {
		t.Errorf("processed duration = %dms, want between 1500 and 3000", got)
	}
}
