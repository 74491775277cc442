// Package speaking estimates whether an audio stream carries voice.
//
// The analysis mirrors a browser AnalyserNode: the newest FFTSize samples are
// Blackman-windowed, transformed, smoothed over time, converted to decibels and
// scaled to 0..255 per bin. The mean over all bins is compared to a threshold and
// only changes of the resulting boolean are reported.
package speaking

import (
	"context"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	FFTSize  = 256
	BinCount = FFTSize / 2

	DefaultThreshold   = 30
	DefaultSmoothing   = 0.8
	DefaultMinDecibels = -100
	DefaultMaxDecibels = -30
)

type Config struct {
	// Threshold is compared against the mean bin value on the 0..255 scale.
	Threshold   float64
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64
}

func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		Smoothing:   DefaultSmoothing,
		MinDecibels: DefaultMinDecibels,
		MaxDecibels: DefaultMaxDecibels,
	}
}

// Transition is emitted when the speaking state flips.
type Transition struct {
	Speaking bool
	Average  float64
}

// Detector is safe for one writer (the audio pump) and one poller at a time.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	fft      *fourier.FFT
	ring     []float64
	pos      int
	frame    []float64
	coeffs   []complex128
	smoothed []float64
	average  float64
	speaking bool
	stopped  bool
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.MaxDecibels <= cfg.MinDecibels {
		cfg.MinDecibels, cfg.MaxDecibels = def.MinDecibels, def.MaxDecibels
	}
	return &Detector{
		cfg:      cfg,
		fft:      fourier.NewFFT(FFTSize),
		ring:     make([]float64, FFTSize),
		frame:    make([]float64, FFTSize),
		coeffs:   make([]complex128, FFTSize/2+1),
		smoothed: make([]float64, BinCount),
	}
}

// Write feeds interleaved 16-bit PCM. Channels are averaged down to mono.
func (d *Detector) Write(pcm []int16, channels int) {
	if channels < 1 {
		channels = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	for i := 0; i+channels <= len(pcm); i += channels {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(pcm[i+ch])
		}
		d.ring[d.pos] = sum / float64(channels) / 32768
		d.pos = (d.pos + 1) % FFTSize
	}
}

// Poll runs one analysis step and returns the current state. ok is true only on an edge.
func (d *Detector) Poll() (tr Transition, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return Transition{}, false
	}

	// oldest sample first
	n := copy(d.frame, d.ring[d.pos:])
	copy(d.frame[n:], d.ring[:d.pos])
	window.Blackman(d.frame)
	d.coeffs = d.fft.Coefficients(d.coeffs, d.frame)

	span := d.cfg.MaxDecibels - d.cfg.MinDecibels
	var total float64
	for k := 0; k < BinCount; k++ {
		mag := cmplxAbs(d.coeffs[k]) / FFTSize
		d.smoothed[k] = d.cfg.Smoothing*d.smoothed[k] + (1-d.cfg.Smoothing)*mag
		db := math.Inf(-1)
		if d.smoothed[k] > 0 {
			db = 20 * math.Log10(d.smoothed[k])
		}
		total += clamp(255*(db-d.cfg.MinDecibels)/span, 0, 255)
	}
	d.average = total / BinCount

	speaking := d.average > d.cfg.Threshold
	edge := speaking != d.speaking
	d.speaking = speaking
	return Transition{Speaking: speaking, Average: d.average}, edge
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Average is the last mean bin value on the 0..255 scale.
func (d *Detector) Average() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.average
}

// Level is the mic meter value in percent: min(100, average/128*100).
func (d *Detector) Level() float64 {
	return math.Min(100, d.Average()/128*100)
}

// Stop releases the analysis buffers. Write and Poll become no-ops.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	d.speaking = false
	d.average = 0
	d.ring, d.frame, d.coeffs, d.smoothed = nil, nil, nil, nil
}

func (d *Detector) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Watch polls every interval until ctx is done or the detector is stopped.
// fn sees every step from the watching goroutine; edge marks a flip of Speaking.
func (d *Detector) Watch(ctx context.Context, interval time.Duration, fn func(tr Transition, edge bool)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.Stopped() {
				return
			}
			tr, edge := d.Poll()
			if fn != nil {
				fn(tr, edge)
			}
		}
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsInf(v, -1) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
