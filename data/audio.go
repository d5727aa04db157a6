package data

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"github.com/tphakala/go-audio-resampler/engine"
)

// LoadAudio decodes path by extension, .flac as FLAC and anything else as
// WAV, and returns mono samples in [-1, 1) at sampleRate.
func LoadAudio(path string, sampleRate int) ([]float64, error) {
	if strings.EqualFold(filepath.Ext(path), ".flac") {
		return LoadFlac(path, sampleRate)
	}
	return LoadWav(path, sampleRate)
}

// Resample converts samples from one rate to another. The result has
// round(len(samples) * to / from) samples.
func Resample(samples []float64, from, to int) ([]float64, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: %d Hz to %d Hz", ErrSampleRate, from, to)
	}
	if from == to || len(samples) == 0 {
		return samples, nil
	}

	r, err := engine.NewResampler[float64](float64(from), float64(to), engine.QualityHigh)
	if err != nil {
		return nil, err
	}
	out, err := r.Process(samples)
	if err != nil {
		return nil, err
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	out = append(out, tail...)

	n := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if len(out) >= n {
		return out[:n], nil
	}
	return append(out, make([]float64, n-len(out))...), nil
}

func resampleFile(path string, samples []float64, rate, sampleRate int) ([]float64, error) {
	if rate != sampleRate {
		slog.Debug("resampling", "path", path, "from", rate, "to", sampleRate)
	}
	out, err := Resample(samples, rate, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
