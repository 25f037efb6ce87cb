package supplysim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONLWriter appends newline-delimited JSON to a file, rotating it once it
// grows past MaxBytes. Rotated segments are renamed to <base>-<seq><ext> so
// they sort lexically before the live file, which is the order the tracker
// reads a rotated set back in.
type JSONLWriter struct {
	path     string
	maxBytes int64

	mu   sync.Mutex
	file *os.File
	size int64
	seq  int
}

// NewJSONLWriter opens (or creates) the file at path for appending.
// A maxBytes of zero disables rotation.
func NewJSONLWriter(path string, maxBytes int64) (*JSONLWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("output file path is required")
	}

	w := &JSONLWriter{
		path:     path,
		maxBytes: maxBytes,
	}

	if err := w.openExisting(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *JSONLWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.openExisting(); err != nil {
			return 0, err
		}
	}

	// Rotate between records, never mid-line.
	if w.maxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *JSONLWriter) openExisting() error {
	dir := filepath.Dir(w.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}

	w.file = file
	w.size = info.Size()
	w.seq = countRotatedSegments(w.path)
	return nil
}

func (w *JSONLWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	w.seq++
	if err := os.Rename(w.path, rotatedSegmentName(w.path, w.seq)); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	return nil
}

func rotatedSegmentName(path string, seq int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s-%05d%s", base, seq, ext)
}

func countRotatedSegments(path string) int {
	dir, file := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if name == file {
			continue
		}
		if strings.HasPrefix(name, base+"-") && strings.HasSuffix(name, ext) {
			count++
		}
	}
	return count
}
