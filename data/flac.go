package data

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
)

// LoadFlac decodes a FLAC file into samples in [-1, 1), averaging channels
// and resampling to sampleRate.
func LoadFlac(path string, sampleRate int) ([]float64, error) {
	samples, rate, err := decodeFlac(path)
	if err != nil {
		return nil, err
	}
	return resampleFile(path, samples, rate, sampleRate)
}

func decodeFlac(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	stream, err := flac.New(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
	}

	channels := int(stream.Info.NChannels)
	depth := int(stream.Info.BitsPerSample)
	if channels < 1 || depth < 4 || depth > 32 {
		return nil, 0, fmt.Errorf("%s: %w: %d channels of %d bits", path, ErrFormat, channels, depth)
	}
	scale := float64(int64(1) << (depth - 1))

	samples := make([]float64, 0, stream.Info.NSamples)
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
		}
		if len(frame.Subframes) != channels {
			return nil, 0, fmt.Errorf("%s: %w: frame has %d channels, stream %d", path, ErrFormat, len(frame.Subframes), channels)
		}
		for i := range frame.Subframes[0].Samples {
			var sum float64
			for _, sub := range frame.Subframes {
				sum += float64(sub.Samples[i])
			}
			samples = append(samples, sum/float64(channels)/scale)
		}
	}
	return samples, int(stream.Info.SampleRate), nil
}
