package data

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfluke/wavae/envconfig"
)

// MaxQuant is the largest n_quant whose levels fit the uint16 .dat encoding.
const MaxQuant = 1 << 16

type converted struct {
	levels []int
	mel    [][]float32
}

// Convert decodes every catalog entry and writes <prefix>.dat, <prefix>.mel
// and <prefix>.ind. Files are decoded concurrently (WAVAE_WORKERS) and
// written in catalog order; the first failure cancels the rest.
func Convert(ctx context.Context, entries []Entry, prefix string, nQuant, sampleRate int) error {
	if nQuant < 2 || nQuant > MaxQuant {
		return fmt.Errorf("n_quant %d outside [2, %d]", nQuant, MaxQuant)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("%w: %d", ErrSampleRate, sampleRate)
	}

	start := time.Now()
	numMels := int(envconfig.NumMels())
	extractor := NewMelExtractor(DefaultMelConfig(sampleRate, numMels))

	results := make([]converted, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(envconfig.Workers())
	for i, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			samples, err := LoadAudio(e.Path, sampleRate)
			if err != nil {
				return fmt.Errorf("%s: %w", e.ID, err)
			}
			results[i] = converted{
				levels: MuEncode(samples, nQuant),
				mel:    extractor.Extract(samples),
			}
			slog.Debug("decoded", "id", e.ID, "samples", len(samples), "frames", len(results[i].mel))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	index := &Index{NQuant: nQuant, SampleRate: sampleRate, NumMels: numMels}
	var sampleOff, melOff int64
	for i, e := range entries {
		r := results[i]
		index.Entries = append(index.Entries, IndexEntry{
			ID:           e.ID,
			SampleOffset: sampleOff,
			NumSamples:   int64(len(r.levels)),
			MelOffset:    melOff,
			NumFrames:    int64(len(r.mel)),
		})
		sampleOff += int64(len(r.levels))
		melOff += int64(len(r.mel))
	}

	if err := writeFile(prefix+".dat", func(w *bufio.Writer) error { return writeSamples(w, results, nQuant) }); err != nil {
		return err
	}
	if err := writeFile(prefix+".mel", func(w *bufio.Writer) error { return writeMel(w, results) }); err != nil {
		return err
	}
	if err := writeFile(prefix+".ind", index.write); err != nil {
		return err
	}

	slog.Info("preprocessing complete", "prefix", prefix, "files", len(entries),
		"samples", sampleOff, "frames", melOff, "elapsed", time.Since(start))
	return nil
}

func writeFile(path string, fill func(*bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// sampleWidth is the byte width of one quantized sample in .dat.
func sampleWidth(nQuant int) int {
	if nQuant <= 256 {
		return 1
	}
	return 2
}

func writeSamples(w *bufio.Writer, results []converted, nQuant int) error {
	width := sampleWidth(nQuant)
	var buf []byte
	for _, r := range results {
		buf = buf[:0]
		for _, q := range r.levels {
			if width == 1 {
				buf = append(buf, uint8(q))
			} else {
				buf = binary.LittleEndian.AppendUint16(buf, uint16(q))
			}
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func writeMel(w *bufio.Writer, results []converted) error {
	for _, r := range results {
		for _, frame := range r.mel {
			if err := binary.Write(w, binary.LittleEndian, frame); err != nil {
				return err
			}
		}
	}
	return nil
}
