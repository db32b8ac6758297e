package audio

import (
	"errors"
	"math"
	"testing"

	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
)

const testRate = 8000

// tone appends durMs of a sine at the given amplitude.
func tone(samples []float64, durMs int, amp float64) []float64 {
	n := durMs * testRate / 1000
	for i := 0; i < n; i++ {
		samples = append(samples, amp*math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return samples
}

// quiet appends durMs of near-digital silence.
func quiet(samples []float64, durMs int) []float64 {
	n := durMs * testRate / 1000
	for i := 0; i < n; i++ {
		samples = append(samples, 0)
	}
	return samples
}

func monoClip(samples []float64) *Clip {
	return &Clip{Samples: samples, Rate: testRate, Channels: 1}
}

func defaultConfig() TrimConfig {
	return TrimConfig{
		SilenceThresholdDb: -40,
		MinSilenceMs:       2000,
		MarginMs:           100,
		TargetSampleRate:   testRate,
		TargetLoudnessDb:   -20,
	}
}

func TestExpandAndMerge(t *testing.T) {
	tests := []struct {
		name     string
		segments []Segment
		margin   int
		total    int
		expected []Segment
	}{
		{
			name:     "overlapping after expansion merge into one span",
			segments: []Segment{{100, 200}, {210, 300}},
			margin:   20,
			total:    1000,
			expected: []Segment{{80, 320}},
		},
		{
			name:     "distant segments stay separate",
			segments: []Segment{{100, 200}, {500, 600}},
			margin:   20,
			total:    1000,
			expected: []Segment{{80, 220}, {480, 620}},
		},
		{
			name:     "expansion clamps to timeline bounds",
			segments: []Segment{{10, 100}, {900, 995}},
			margin:   50,
			total:    1000,
			expected: []Segment{{0, 150}, {850, 1000}},
		},
		{
			name:     "touching spans merge",
			segments: []Segment{{0, 100}, {140, 200}},
			margin:   20,
			total:    1000,
			expected: []Segment{{0, 220}},
		},
		{
			name:     "contained span is absorbed",
			segments: []Segment{{0, 500}, {100, 200}},
			margin:   0,
			total:    1000,
			expected: []Segment{{0, 500}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandAndMerge(tt.segments, tt.margin, tt.total)
			if len(got) != len(tt.expected) {
				t.Fatalf("got %v; want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("segment %d = %v; want %v", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestDetectNonSilent(t *testing.T) {
	// 500ms quiet, 1s tone, 3s quiet, 1s tone, 500ms quiet. Only the 3s run
	// exceeds the 2s minimum, so the short lead-in and tail attach to the
	// adjacent audio.
	var s []float64
	s = quiet(s, 500)
	s = tone(s, 1000, 0.5)
	s = quiet(s, 3000)
	s = tone(s, 1000, 0.5)
	s = quiet(s, 500)

	segments := DetectNonSilent(monoClip(s), -40, 2000)
	if len(segments) != 2 {
		t.Fatalf("detected %d segments; want 2: %v", len(segments), segments)
	}
	if segments[0].StartMs != 0 || segments[0].EndMs != 1500 {
		t.Errorf("segment 0 = %v; want [0,1500)", segments[0])
	}
	if segments[1].StartMs != 4500 || segments[1].EndMs != 6000 {
		t.Errorf("segment 1 = %v; want [4500,6000)", segments[1])
	}
}

func TestTrimRemovesLongSilence(t *testing.T) {
	var s []float64
	s = quiet(s, 500)
	s = tone(s, 1000, 0.5)
	s = quiet(s, 3000)
	s = tone(s, 1000, 0.5)
	s = quiet(s, 500)

	out, segments, err := Trim(monoClip(s), defaultConfig())
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if out == nil {
		t.Fatal("expected trimmed output")
	}

	// Kept spans: [0,1600) and [4400,6000) after margin expansion.
	wantMs := 1600 + 1600
	if got := out.DurationMs(); got != wantMs {
		t.Errorf("trimmed duration = %dms; want %dms", got, wantMs)
	}
	if len(segments) != 2 {
		t.Errorf("kept %d segments; want 2", len(segments))
	}
}

func TestTrimAllSilenceIsSkipNotError(t *testing.T) {
	out, segments, err := Trim(monoClip(quiet(nil, 5000)), defaultConfig())
	if err != nil {
		t.Fatalf("all-silence input must not error: %v", err)
	}
	if out != nil || segments != nil {
		t.Error("all-silence input should yield no output")
	}
}

func TestTrimWholeTimelineAudio(t *testing.T) {
	out, segments, err := Trim(monoClip(tone(nil, 3000, 0.3)), defaultConfig())
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if out == nil {
		t.Fatal("expected output")
	}
	if len(segments) != 1 {
		t.Fatalf("kept %d segments; want 1", len(segments))
	}
	if out.DurationMs() != 3000 {
		t.Errorf("duration = %dms; want the full 3000ms", out.DurationMs())
	}
	// Beyond normalization the trim is a no-op: level lands on target.
	if level := out.LevelDb(); math.Abs(level-(-20)) > 1 {
		t.Errorf("normalized level = %.1f dB; want -20 dB", level)
	}
}

func TestTrimDegenerateInput(t *testing.T) {
	tests := []struct {
		name string
		clip *Clip
	}{
		{name: "nil clip", clip: nil},
		{name: "no samples", clip: &Clip{Rate: testRate, Channels: 1}},
		{name: "zero rate", clip: &Clip{Samples: []float64{0.1}, Channels: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Trim(tt.clip, defaultConfig())
			if !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("err = %v; want ErrInvalidInput", err)
			}
		})
	}
}

func TestDownmix(t *testing.T) {
	stereo := &Clip{
		Samples:  []float64{1, 0, 0.5, 0.5, -1, 1},
		Rate:     testRate,
		Channels: 2,
	}
	mono := stereo.Downmix()

	if mono.Channels != 1 {
		t.Fatalf("channels = %d; want 1", mono.Channels)
	}
	want := []float64{0.5, 0.5, 0}
	if len(mono.Samples) != len(want) {
		t.Fatalf("samples = %d; want %d", len(mono.Samples), len(want))
	}
	for i := range want {
		if math.Abs(mono.Samples[i]-want[i]) > 1e-9 {
			t.Errorf("sample %d = %v; want %v", i, mono.Samples[i], want[i])
		}
	}
}

func TestResample(t *testing.T) {
	clip := monoClip(tone(nil, 1000, 0.5))
	down := clip.Resample(testRate / 2)

	if down.Rate != testRate/2 {
		t.Errorf("rate = %d; want %d", down.Rate, testRate/2)
	}
	if down.DurationMs() != clip.DurationMs() {
		t.Errorf("duration changed: %dms vs %dms", down.DurationMs(), clip.DurationMs())
	}
	if len(down.Samples) != len(clip.Samples)/2 {
		t.Errorf("samples = %d; want %d", len(down.Samples), len(clip.Samples)/2)
	}
}

func TestVoiceActivity(t *testing.T) {
	var s []float64
	s = tone(s, 1000, 0.5)
	s = quiet(s, 3000)

	stats, err := VoiceActivity(monoClip(s), defaultConfig())
	if err != nil {
		t.Fatalf("voice activity: %v", err)
	}
	if stats.TotalMs != 4000 {
		t.Errorf("total = %dms; want 4000", stats.TotalMs)
	}
	if stats.VoiceMs != 1000 {
		t.Errorf("voice = %dms; want 1000", stats.VoiceMs)
	}
	if math.Abs(stats.VoiceRatio-0.25) > 0.01 {
		t.Errorf("ratio = %.2f; want 0.25", stats.VoiceRatio)
	}
}

func TestSplitChunks(t *testing.T) {
	clip := monoClip(tone(nil, 2500, 0.5))
	chunks := SplitChunks(clip, 1000)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d; want 3", len(chunks))
	}
	if chunks[0].DurationMs() != 1000 || chunks[2].DurationMs() != 500 {
		t.Errorf("chunk durations = %d, %d, %d; want 1000, 1000, 500",
			chunks[0].DurationMs(), chunks[1].DurationMs(), chunks[2].DurationMs())
	}
}
