package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/chmdznr/usb-audio-to-minio-sync/internal/audio"
	"github.com/chmdznr/usb-audio-to-minio-sync/pkg/models"
)

// Codec bridges audio files and in-memory timelines. WAV containers are
// parsed in-process; every other format goes through ffmpeg, which also
// produces the compressed output track.
type Codec struct {
	ffmpegPath string
	log        zerolog.Logger
}

// New locates ffmpeg on PATH. A missing binary is not fatal: WAV in/out still
// works without it.
func New(logger zerolog.Logger) *Codec {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		logger.Warn().Msg("ffmpeg not found; only wav input/output is available")
		path = ""
	}
	return &Codec{ffmpegPath: path, log: logger}
}

// FFmpegAvailable reports whether compressed formats can be read and written.
func (c *Codec) FFmpegAvailable() bool { return c.ffmpegPath != "" }

// OutputExt returns the extension the encoder will produce.
func (c *Codec) OutputExt() string {
	if c.FFmpegAvailable() {
		return ".mp3"
	}
	return ".wav"
}

// Decode reads path into a timeline. Non-WAV input is decoded by ffmpeg to
// mono PCM at hintRate; WAV input keeps its native layout.
func (c *Codec) Decode(ctx context.Context, path string, hintRate int) (*audio.Clip, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return c.decodeWAV(path)
	}
	return c.decodeFFmpeg(ctx, path, hintRate)
}

func (c *Codec) decodeWAV(path string) (*audio.Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a valid wav file", models.ErrInvalidInput, path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", path, err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%w: %s has no samples", models.ErrInvalidInput, path)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) / scale
	}

	return &audio.Clip{
		Samples:  samples,
		Rate:     buf.Format.SampleRate,
		Channels: buf.Format.NumChannels,
	}, nil
}

func (c *Codec) decodeFFmpeg(ctx context.Context, path string, rate int) (*audio.Clip, error) {
	if !c.FFmpegAvailable() {
		return nil, fmt.Errorf("decode %s: ffmpeg not available", path)
	}

	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"pipe:1",
	)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	raw := out.Bytes()
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float64(v) / 32768
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s decoded to zero samples", models.ErrInvalidInput, path)
	}

	return &audio.Clip{Samples: samples, Rate: rate, Channels: 1}, nil
}

// Encode writes a mono timeline to outPath: mp3 at the configured bitrate
// when ffmpeg is present, uncompressed wav otherwise.
func (c *Codec) Encode(ctx context.Context, clip *audio.Clip, outPath, bitrate string) error {
	if clip == nil || len(clip.Samples) == 0 {
		return fmt.Errorf("%w: nothing to encode", models.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if c.FFmpegAvailable() {
		return c.encodeFFmpeg(ctx, clip, outPath, bitrate)
	}
	return c.EncodeWAV(clip, outPath)
}

func (c *Codec) encodeFFmpeg(ctx context.Context, clip *audio.Clip, outPath, bitrate string) error {
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "s16le", "-ar", strconv.Itoa(clip.Rate), "-ac", "1",
		"-i", "pipe:0",
		"-b:a", bitrate, "-ac", "1",
		outPath,
	)

	cmd.Stdin = bytes.NewReader(pcm16Bytes(clip.Samples))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg encode %s: %w: %s", outPath, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// EncodeWAV writes a mono timeline as 16-bit PCM wav.
func (c *Codec) EncodeWAV(clip *audio.Clip, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}

	enc := wav.NewEncoder(f, clip.Rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: clip.Rate},
		Data:           make([]int, len(clip.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range clip.Samples {
		buf.Data[i] = int(clampSample(s) * 32767)
	}

	if err := enc.Write(buf); err != nil {
		enc.Close()
		f.Close()
		os.Remove(outPath)
		return fmt.Errorf("encode wav %s: %w", outPath, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(outPath)
		return fmt.Errorf("finalize wav %s: %w", outPath, err)
	}
	return f.Close()
}

func pcm16Bytes(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clampSample(s)*32767)))
	}
	return out
}

func clampSample(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
