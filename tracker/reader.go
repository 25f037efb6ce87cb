package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethsupply/supplysim"
)

// Event is one item from a supply stream: either a parsed record, a marker
// that a rotated file has been fully consumed, or a terminal error.
type Event struct {
	Record     *supplysim.Record
	ParsedFile string
	Err        error
}

// findRotatedSet lists files in dir that belong to the rotated set of file:
// same base name prefix, same extension, sorted lexically so rotated
// segments come before the live file.
func findRotatedSet(dir, file string) ([]string, error) {
	if dir == "" {
		dir = "."
	}

	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, base) && strings.HasSuffix(name, ext) {
			files = append(files, name)
		}
	}

	sort.Strings(files)
	return files, nil
}

// StreamRecords streams supply records from the rotated file set at path in
// order, skipping files up to and including resumeAfter. With follow set,
// the live file is tailed for appended lines; otherwise the stream ends once
// all files are read. The returned channel closes when the stream stops.
func StreamRecords(ctx context.Context, path, resumeAfter string, follow bool) (<-chan Event, error) {
	dir, liveFile := filepath.Split(path)

	files, err := findRotatedSet(dir, liveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to list supply files: %w", err)
	}

	skipping := resumeAfter != ""

	events := make(chan Event, 1024)

	go func() {
		defer close(events)

		for _, name := range files {
			if skipping {
				if name == resumeAfter {
					skipping = false
				}
				continue
			}

			tail := follow && name == liveFile
			if !streamFile(ctx, filepath.Join(dir, name), name, tail, events) {
				return
			}
		}
	}()

	return events, nil
}

// streamFile reads one file line by line into out. With tail set it keeps
// polling the file for appended lines instead of returning at EOF. It
// reports whether the stream should continue with the next file.
func streamFile(ctx context.Context, path, name string, tail bool, out chan<- Event) bool {
	file, err := os.Open(path)
	if err != nil {
		out <- Event{Err: fmt.Errorf("failed to open supply file %s: %w", name, err)}
		return false
	}
	defer file.Close()

	var pos int64
	scanner := bufio.NewScanner(file)

	for {
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var rec supplysim.Record
			if err := json.Unmarshal(line, &rec); err != nil {
				out <- Event{Err: fmt.Errorf("failed to decode supply record in %s: %w", name, err)}
				return false
			}

			select {
			case out <- Event{Record: &rec}:
			case <-ctx.Done():
				return false
			}

			pos, _ = file.Seek(0, io.SeekCurrent)
		}

		if err := scanner.Err(); err != nil {
			out <- Event{Err: fmt.Errorf("failed to read supply file %s: %w", name, err)}
			return false
		}

		if !tail {
			// Fully parsed, let the consumer persist the resume point.
			// The live file never gets this marker while tailing.
			select {
			case out <- Event{ParsedFile: name}:
			case <-ctx.Done():
				return false
			}
			return true
		}

		// EOF on the live file; wait for new lines to be appended.
		select {
		case <-ctx.Done():
			return false
		case <-time.After(1 * time.Second):
		}

		if _, err := file.Seek(pos, io.SeekStart); err != nil {
			out <- Event{Err: fmt.Errorf("failed to seek in supply file %s: %w", name, err)}
			return false
		}
		scanner = bufio.NewScanner(file)
	}
}
