package data

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// MelConfig controls log-mel feature extraction.
type MelConfig struct {
	SampleRate int     // Hz
	WindowSize int     // samples per frame (default 400, 25 ms at 16 kHz)
	HopSize    int     // samples between frames (default 160, 10 ms at 16 kHz)
	FFTSize    int     // zero-padded FFT length, >= WindowSize
	NumMels    int     // mel bins per frame
	LowFreq    float64 // Hz
	HighFreq   float64 // Hz, 0 means Nyquist
}

// DefaultMelConfig returns the frame layout written to <prefix>.mel.
func DefaultMelConfig(sampleRate, numMels int) MelConfig {
	return MelConfig{
		SampleRate: sampleRate,
		WindowSize: 400,
		HopSize:    160,
		FFTSize:    512,
		NumMels:    numMels,
	}
}

// MelExtractor computes log-mel filterbank frames.
type MelExtractor struct {
	cfg     MelConfig
	window  []float64   // Hann
	filters [][]float64 // [NumMels][FFTSize/2+1]
}

func NewMelExtractor(cfg MelConfig) *MelExtractor {
	if cfg.FFTSize < cfg.WindowSize {
		cfg.FFTSize = nextPow2(cfg.WindowSize)
	}
	if cfg.HighFreq <= 0 || cfg.HighFreq > float64(cfg.SampleRate)/2 {
		cfg.HighFreq = float64(cfg.SampleRate) / 2
	}

	e := &MelExtractor{cfg: cfg, window: make([]float64, cfg.WindowSize)}
	for i := range e.window {
		e.window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(cfg.WindowSize))
	}
	e.filters = melFilters(cfg)
	return e
}

// Frames returns how many frames n samples produce.
func (e *MelExtractor) Frames(n int) int {
	if n < e.cfg.WindowSize {
		return 0
	}
	return (n-e.cfg.WindowSize)/e.cfg.HopSize + 1
}

// Extract returns Frames(len(samples)) frames of NumMels natural-log energies.
func (e *MelExtractor) Extract(samples []float64) [][]float32 {
	cfg := e.cfg
	frames := make([][]float32, e.Frames(len(samples)))
	buf := make([]float64, cfg.FFTSize)
	power := make([]float64, cfg.FFTSize/2+1)

	for t := range frames {
		start := t * cfg.HopSize
		for i := range buf {
			buf[i] = 0
		}
		for i := 0; i < cfg.WindowSize; i++ {
			buf[i] = samples[start+i] * e.window[i]
		}

		spec := fft.FFTReal(buf)
		for k := range power {
			re, im := real(spec[k]), imag(spec[k])
			power[k] = re*re + im*im
		}

		mel := make([]float32, cfg.NumMels)
		for m, filter := range e.filters {
			var sum float64
			for k, w := range filter {
				sum += w * power[k]
			}
			mel[m] = float32(math.Log(max(sum, 1e-10)))
		}
		frames[t] = mel
	}
	return frames
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }
func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// melFilters builds triangular filters evenly spaced on the mel scale.
func melFilters(cfg MelConfig) [][]float64 {
	bins := cfg.FFTSize/2 + 1
	lo, hi := hzToMel(cfg.LowFreq), hzToMel(cfg.HighFreq)

	edges := make([]float64, cfg.NumMels+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(cfg.NumMels+1))
	}

	filters := make([][]float64, cfg.NumMels)
	for m := range filters {
		left, center, right := edges[m], edges[m+1], edges[m+2]
		filters[m] = make([]float64, bins)
		for k := 0; k < bins; k++ {
			f := float64(k) * float64(cfg.SampleRate) / float64(cfg.FFTSize)
			switch {
			case f > left && f <= center:
				filters[m][k] = (f - left) / (center - left)
			case f > center && f < right:
				filters[m][k] = (right - f) / (right - center)
			}
		}
	}
	return filters
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
