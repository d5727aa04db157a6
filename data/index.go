package data

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Index is the parsed content of <prefix>.ind. Offsets and lengths count
// samples in .dat and frames in .mel, not bytes.
type Index struct {
	NQuant     int
	SampleRate int
	NumMels    int
	Entries    []IndexEntry
}

type IndexEntry struct {
	ID           string
	SampleOffset int64
	NumSamples   int64
	MelOffset    int64
	NumFrames    int64
}

func (ix *Index) write(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d %d\n", ix.NQuant, ix.SampleRate, ix.NumMels); err != nil {
		return err
	}
	for _, e := range ix.Entries {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", e.ID, e.SampleOffset, e.NumSamples, e.MelOffset, e.NumFrames); err != nil {
			return err
		}
	}
	return nil
}

// ReadIndex parses <prefix>.ind.
func ReadIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: missing header", path)
	}
	header, err := parseInts(strings.Fields(scanner.Text()), 3)
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", path, err)
	}
	ix := &Index{NQuant: int(header[0]), SampleRate: int(header[1]), NumMels: int(header[2])}

	for n := 2; scanner.Scan(); n++ {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 5 {
			return nil, fmt.Errorf("%s: line %d: want 5 tab-separated fields, got %d", path, n, len(fields))
		}
		v, err := parseInts(fields[1:], 4)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, n, err)
		}
		ix.Entries = append(ix.Entries, IndexEntry{
			ID: fields[0], SampleOffset: v[0], NumSamples: v[1], MelOffset: v[2], NumFrames: v[3],
		})
	}
	return ix, scanner.Err()
}

func parseInts(fields []string, n int) ([]int64, error) {
	if len(fields) != n {
		return nil, fmt.Errorf("want %d integers, got %d fields", n, len(fields))
	}
	out := make([]int64, n)
	for i, s := range fields {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadSamples returns the quantized samples of entry i from a .dat file.
func (ix *Index) ReadSamples(dat io.ReaderAt, i int) ([]int, error) {
	e := ix.Entries[i]
	width := int64(sampleWidth(ix.NQuant))
	buf := make([]byte, e.NumSamples*width)
	if _, err := dat.ReadAt(buf, e.SampleOffset*width); err != nil {
		return nil, fmt.Errorf("%s: %w", e.ID, err)
	}

	out := make([]int, e.NumSamples)
	for j := range out {
		if width == 1 {
			out[j] = int(buf[j])
		} else {
			out[j] = int(binary.LittleEndian.Uint16(buf[2*j:]))
		}
	}
	return out, nil
}

// ReadMel returns the log-mel frames of entry i from a .mel file.
func (ix *Index) ReadMel(mel io.ReaderAt, i int) ([][]float32, error) {
	e := ix.Entries[i]
	frameBytes := int64(4 * ix.NumMels)
	r := io.NewSectionReader(mel, e.MelOffset*frameBytes, e.NumFrames*frameBytes)

	frames := make([][]float32, e.NumFrames)
	for t := range frames {
		frames[t] = make([]float32, ix.NumMels)
		if err := binary.Read(r, binary.LittleEndian, frames[t]); err != nil {
			return nil, fmt.Errorf("%s: frame %d: %w", e.ID, t, err)
		}
	}
	return frames, nil
}
