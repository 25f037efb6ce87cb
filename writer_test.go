package supplysim

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supply.jsonl")

	w, err := NewJSONLWriter(path, 64)
	require.NoError(t, err)

	line := []byte(strings.Repeat("x", 39) + "\n") // 40 bytes per record
	for i := 0; i < 4; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	// Each segment holds one record: a second one would cross 64 bytes.
	assert.Equal(t, []string{
		"supply-00001.jsonl",
		"supply-00002.jsonl",
		"supply-00003.jsonl",
		"supply.jsonl",
	}, names)

	// Rotated segments sort lexically before the live file, the order the
	// tracker replays them in.
	assert.Equal(t, "supply.jsonl", names[len(names)-1])

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, string(line), string(data))
	}
}

func TestJSONLWriterResumesSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supply.jsonl")

	w, err := NewJSONLWriter(path, 16)
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("a", 15) + "\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 15) + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Reopening picks up the segment numbering where it left off.
	w, err = NewJSONLWriter(path, 16)
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("c", 15) + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "supply-00002.jsonl"))
	assert.NoError(t, err)
}

func TestJSONLWriterNoRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supply.jsonl")

	w, err := NewJSONLWriter(path, 0)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := w.Write([]byte(strings.Repeat("x", 127) + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
