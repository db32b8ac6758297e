package audio

import "math"

// Clip is a decoded audio timeline. Samples are normalized to [-1, 1] and
// interleaved when Channels > 1.
type Clip struct {
	Samples  []float64
	Rate     int
	Channels int
}

// DurationMs returns the timeline length in milliseconds.
func (c *Clip) DurationMs() int {
	if c.Rate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return frames * 1000 / c.Rate
}

// Downmix averages all channels into mono. A mono clip is returned unchanged.
func (c *Clip) Downmix() *Clip {
	if c.Channels <= 1 {
		return c
	}

	frames := len(c.Samples) / c.Channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[i*c.Channels+ch]
		}
		mono[i] = sum / float64(c.Channels)
	}
	return &Clip{Samples: mono, Rate: c.Rate, Channels: 1}
}

// Resample converts a mono clip to the target rate by linear interpolation.
func (c *Clip) Resample(rate int) *Clip {
	if rate == c.Rate || c.Rate == 0 {
		return c
	}

	ratio := float64(c.Rate) / float64(rate)
	outLen := int(float64(len(c.Samples)) / ratio)
	out := make([]float64, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= len(c.Samples) {
			out[i] = c.Samples[len(c.Samples)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = c.Samples[idx]*(1-frac) + c.Samples[idx+1]*frac
	}
	return &Clip{Samples: out, Rate: rate, Channels: 1}
}

// Slice returns the [startMs, endMs) window of a mono clip.
func (c *Clip) Slice(startMs, endMs int) *Clip {
	start := startMs * c.Rate / 1000
	end := endMs * c.Rate / 1000
	if start < 0 {
		start = 0
	}
	if end > len(c.Samples) {
		end = len(c.Samples)
	}
	if start >= end {
		return &Clip{Rate: c.Rate, Channels: 1}
	}
	return &Clip{Samples: c.Samples[start:end], Rate: c.Rate, Channels: 1}
}

// LevelDb returns the clip's RMS level in dBFS, or -Inf for digital silence.
func (c *Clip) LevelDb() float64 {
	if len(c.Samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range c.Samples {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(c.Samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// ApplyGain scales the clip by db decibels in place, clamping to [-1, 1].
func (c *Clip) ApplyGain(db float64) {
	factor := math.Pow(10, db/20)
	for i, s := range c.Samples {
		v := s * factor
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		c.Samples[i] = v
	}
}
