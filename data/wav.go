package data

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

var (
	// ErrSampleRate is returned for non-positive sample rates.
	ErrSampleRate = errors.New("data: invalid sample rate")

	// ErrFormat is returned for files that are not integer PCM WAV or FLAC.
	ErrFormat = errors.New("data: unsupported audio format")
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// LoadWav decodes a PCM WAV file into samples in [-1, 1), averaging channels
// and resampling to sampleRate.
func LoadWav(path string, sampleRate int) ([]float64, error) {
	samples, rate, err := decodeWav(path)
	if err != nil {
		return nil, err
	}
	return resampleFile(path, samples, rate, sampleRate)
}

func decodeWav(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
	}
	switch dec.WavAudioFormat {
	case wavFormatPCM:
	case wavFormatExtensible:
		sub, err := extensibleSubFormat(path)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
		}
		if sub != wavFormatPCM {
			return nil, 0, fmt.Errorf("%s: %w: extensible sub-format %d", path, ErrFormat, sub)
		}
	default:
		return nil, 0, fmt.Errorf("%s: %w: WAV format tag %d", path, ErrFormat, dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}

	channels := int(dec.NumChans)
	depth := int(dec.BitDepth)
	if channels < 1 || depth < 8 || depth > 32 {
		return nil, 0, fmt.Errorf("%s: %w: %d channels of %d bits", path, ErrFormat, channels, depth)
	}

	// 8-bit WAV is unsigned, wider depths are two's complement
	offset, scale := 0.0, float64(int64(1)<<(depth-1))
	if depth == 8 {
		offset = 128
	}

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c]) - offset
		}
		samples[i] = sum / float64(channels) / scale
	}
	return samples, int(dec.SampleRate), nil
}

// extensibleSubFormat returns the format code embedded in the sub-format GUID
// of a WAVE_FORMAT_EXTENSIBLE fmt chunk.
func extensibleSubFormat(path string) (uint16, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	p := riff.New(f)
	if err := p.ParseHeaders(); err != nil {
		return 0, err
	}
	for {
		ch, err := p.NextChunk()
		if err != nil {
			return 0, fmt.Errorf("no fmt chunk: %w", err)
		}
		if ch.ID != riff.FmtID {
			ch.Drain()
			continue
		}
		if ch.Size < 40 {
			return 0, fmt.Errorf("extensible fmt chunk of %d bytes", ch.Size)
		}
		// tag, channels, rate, byte rate, align, bits, cbSize, valid bits, channel mask
		var head [24]byte
		var guid [16]byte
		if err := ch.ReadLE(&head); err != nil {
			return 0, err
		}
		if err := ch.ReadLE(&guid); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint16(guid[:2]), nil
	}
}
