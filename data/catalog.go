// Package data turns a catalog of audio files into the training artifacts
// <prefix>.ind, <prefix>.dat and <prefix>.mel: mu-law quantized samples, log-mel
// frames and an index locating every file in both.
package data

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is one catalog line: an utterance id and the path of its audio file.
type Entry struct {
	ID   string
	Path string
}

// ParseCatalog reads a catalog file of "<id>\t<path>" lines.
func ParseCatalog(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ReadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// ReadCatalog parses catalog lines from r. Blank lines and lines starting
// with '#' are skipped; ids must be unique.
func ReadCatalog(r io.Reader) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		id, path, ok := strings.Cut(line, "\t")
		id, path = strings.TrimSpace(id), strings.TrimSpace(path)
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("line %d: want <id>\\t<path>, got %q", n, line)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("line %d: id %q already used on line %d", n, id, prev)
		}
		seen[id] = n
		entries = append(entries, Entry{ID: id, Path: path})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
