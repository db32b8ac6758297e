package audio

import (
	"fmt"
	"math"

	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
)

// detectFrameMs is the analysis window for silence detection. Silence runs
// are measured at this granularity.
const detectFrameMs = 10

// TrimConfig controls silence removal and normalization.
type TrimConfig struct {
	SilenceThresholdDb float64 // frames below this level count as silence
	MinSilenceMs       int     // shorter quiet runs are kept as speech pauses
	MarginMs           int     // padding around each kept segment
	TargetSampleRate   int
	TargetLoudnessDb   float64
}

// Segment is a half-open [StartMs, EndMs) interval on the timeline.
type Segment struct {
	StartMs int
	EndMs   int
}

// Trim turns a raw timeline into a trimmed, normalized mono timeline:
// downmix, resample, detect non-silent intervals, pad them with margins,
// merge overlaps, concatenate chronologically and rescale loudness.
//
// A timeline with no detected audio returns (nil, nil, nil): "nothing to
// keep" is a normal outcome the caller treats as a skip, not an error.
func Trim(clip *Clip, cfg TrimConfig) (*Clip, []Segment, error) {
	if clip == nil || len(clip.Samples) == 0 || clip.Rate <= 0 || clip.Channels <= 0 {
		return nil, nil, fmt.Errorf("%w: empty or malformed timeline", models.ErrInvalidInput)
	}

	mono := clip.Downmix()
	if cfg.TargetSampleRate > 0 {
		mono = mono.Resample(cfg.TargetSampleRate)
	}

	segments := DetectNonSilent(mono, cfg.SilenceThresholdDb, cfg.MinSilenceMs)
	if len(segments) == 0 {
		return nil, nil, nil
	}

	merged := expandAndMerge(segments, cfg.MarginMs, mono.DurationMs())

	out := &Clip{Rate: mono.Rate, Channels: 1}
	for _, seg := range merged {
		out.Samples = append(out.Samples, mono.Slice(seg.StartMs, seg.EndMs).Samples...)
	}

	if level := out.LevelDb(); !math.IsInf(level, -1) {
		out.ApplyGain(cfg.TargetLoudnessDb - level)
	}

	return out, merged, nil
}

// DetectNonSilent returns the maximal intervals whose level stays at or above
// thresholdDb, treating quiet runs shorter than minSilenceMs as part of the
// surrounding audio.
func DetectNonSilent(clip *Clip, thresholdDb float64, minSilenceMs int) []Segment {
	durMs := clip.DurationMs()
	if durMs == 0 {
		return nil
	}

	// Classify each analysis frame, then find silence runs long enough to
	// split on. The complement of those runs is the non-silent segment set.
	numFrames := (durMs + detectFrameMs - 1) / detectFrameMs
	silent := make([]bool, numFrames)
	for i := 0; i < numFrames; i++ {
		frame := clip.Slice(i*detectFrameMs, (i+1)*detectFrameMs)
		silent[i] = frame.LevelDb() < thresholdDb
	}

	minFrames := minSilenceMs / detectFrameMs
	if minFrames < 1 {
		minFrames = 1
	}

	var silences []Segment
	runStart := -1
	for i := 0; i <= numFrames; i++ {
		if i < numFrames && silent[i] {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 && i-runStart >= minFrames {
			silences = append(silences, Segment{
				StartMs: runStart * detectFrameMs,
				EndMs:   i * detectFrameMs,
			})
		}
		runStart = -1
	}

	// Complement of the silence runs, clamped to the timeline.
	var segments []Segment
	cursor := 0
	for _, s := range silences {
		if s.StartMs > cursor {
			segments = append(segments, Segment{StartMs: cursor, EndMs: s.StartMs})
		}
		cursor = s.EndMs
	}
	if cursor < durMs {
		segments = append(segments, Segment{StartMs: cursor, EndMs: durMs})
	}
	return segments
}

// expandAndMerge pads each segment by marginMs on both ends, clamps to the
// timeline and merges any spans that touch or overlap, so margin expansion
// never duplicates audio.
func expandAndMerge(segments []Segment, marginMs, totalMs int) []Segment {
	if len(segments) == 0 {
		return nil
	}

	expanded := make([]Segment, len(segments))
	for i, s := range segments {
		start := s.StartMs - marginMs
		end := s.EndMs + marginMs
		if start < 0 {
			start = 0
		}
		if end > totalMs {
			end = totalMs
		}
		expanded[i] = Segment{StartMs: start, EndMs: end}
	}

	merged := []Segment{expanded[0]}
	for _, s := range expanded[1:] {
		last := &merged[len(merged)-1]
		if s.StartMs <= last.EndMs {
			if s.EndMs > last.EndMs {
				last.EndMs = s.EndMs
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// ActivityStats summarizes how much of a timeline carries audio.
type ActivityStats struct {
	TotalMs    int
	VoiceMs    int
	SilenceMs  int
	VoiceRatio float64
	Segments   []Segment
}

// VoiceActivity analyzes a timeline without modifying it.
func VoiceActivity(clip *Clip, cfg TrimConfig) (*ActivityStats, error) {
	if clip == nil || len(clip.Samples) == 0 {
		return nil, fmt.Errorf("%w: empty timeline", models.ErrInvalidInput)
	}

	mono := clip.Downmix()
	segments := DetectNonSilent(mono, cfg.SilenceThresholdDb, cfg.MinSilenceMs)

	stats := &ActivityStats{TotalMs: mono.DurationMs(), Segments: segments}
	for _, s := range segments {
		stats.VoiceMs += s.EndMs - s.StartMs
	}
	stats.SilenceMs = stats.TotalMs - stats.VoiceMs
	if stats.TotalMs > 0 {
		stats.VoiceRatio = float64(stats.VoiceMs) / float64(stats.TotalMs)
	}
	return stats, nil
}

// SplitChunks cuts a long mono timeline into consecutive chunks of at most
// chunkMs milliseconds.
func SplitChunks(clip *Clip, chunkMs int) []*Clip {
	if clip == nil || chunkMs <= 0 {
		return nil
	}

	durMs := clip.DurationMs()
	var chunks []*Clip
	for start := 0; start < durMs; start += chunkMs {
		end := start + chunkMs
		if end > durMs {
			end = durMs
		}
		chunks = append(chunks, clip.Slice(start, end))
	}
	return chunks
}
