package tracker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ethsupply/supplysim"
)

// genLines produces n mock records and returns the raw JSONL lines, newline
// included.
func genLines(t *testing.T, gen *supplysim.MockSupplyGenerator, buf *bytes.Buffer, n int) [][]byte {
	t.Helper()

	buf.Reset()
	if _, err := gen.GenRecords(n, nil); err != nil {
		t.Fatalf("GenRecords failed: %v", err)
	}

	lines := bytes.SplitAfter(buf.Bytes(), []byte("\n"))
	return lines[:len(lines)-1]
}

func writeLines(t *testing.T, path string, lines [][]byte) {
	t.Helper()

	if err := os.WriteFile(path, bytes.Join(lines, nil), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestFindRotatedSet(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{
		"supply.jsonl",
		"supply-00002.jsonl",
		"supply-00001.jsonl",
		"state.json",
		"unrelated.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := findRotatedSet(dir, "supply.jsonl")
	if err != nil {
		t.Fatalf("findRotatedSet failed: %v", err)
	}

	want := []string{"supply-00001.jsonl", "supply-00002.jsonl", "supply.jsonl"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("findRotatedSet returned %v, want %v", files, want)
	}
}

func TestStreamRecordsOrder(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	gen, err := supplysim.NewMockSupplyGenerator(nil, &buf)
	if err != nil {
		t.Fatal(err)
	}

	lines := genLines(t, gen, &buf, 6)
	writeLines(t, filepath.Join(dir, "supply-00001.jsonl"), lines[:3])
	writeLines(t, filepath.Join(dir, "supply.jsonl"), lines[3:])

	events, err := StreamRecords(context.Background(), filepath.Join(dir, "supply.jsonl"), "", false)
	if err != nil {
		t.Fatalf("StreamRecords failed: %v", err)
	}

	var blocks []uint64
	var parsed []string

	for ev := range events {
		switch {
		case ev.Err != nil:
			t.Fatalf("stream error: %v", ev.Err)
		case ev.Record != nil:
			blocks = append(blocks, ev.Record.BlockNumber)
		case ev.ParsedFile != "":
			parsed = append(parsed, ev.ParsedFile)
		}
	}

	if !reflect.DeepEqual(blocks, []uint64{0, 1, 2, 3, 4, 5}) {
		t.Errorf("records arrived out of order: %v", blocks)
	}
	if !reflect.DeepEqual(parsed, []string{"supply-00001.jsonl", "supply.jsonl"}) {
		t.Errorf("parsed-file markers: %v", parsed)
	}
}

func TestStreamRecordsResume(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	gen, err := supplysim.NewMockSupplyGenerator(nil, &buf)
	if err != nil {
		t.Fatal(err)
	}

	lines := genLines(t, gen, &buf, 6)
	writeLines(t, filepath.Join(dir, "supply-00001.jsonl"), lines[:3])
	writeLines(t, filepath.Join(dir, "supply.jsonl"), lines[3:])

	events, err := StreamRecords(context.Background(), filepath.Join(dir, "supply.jsonl"), "supply-00001.jsonl", false)
	if err != nil {
		t.Fatalf("StreamRecords failed: %v", err)
	}

	var blocks []uint64
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		if ev.Record != nil {
			blocks = append(blocks, ev.Record.BlockNumber)
		}
	}

	if !reflect.DeepEqual(blocks, []uint64{3, 4, 5}) {
		t.Errorf("resume skipped the wrong records: %v", blocks)
	}
}

// The tracker must land on the generator's head even when the stream carries a
// reorg: the abandoned branch is rewound and the replacement branch replayed.
func TestStateFollowsGeneratedReorg(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supply.jsonl")

	var buf bytes.Buffer
	gen, err := supplysim.NewMockSupplyGenerator(nil, &buf)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := gen.GenRecords(10, nil); err != nil {
		t.Fatalf("GenRecords failed: %v", err)
	}
	if err := gen.Reorg(3); err != nil {
		t.Fatalf("Reorg failed: %v", err)
	}
	if _, err := gen.GenRecords(3, nil); err != nil {
		t.Fatalf("GenRecords failed: %v", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := StreamRecords(context.Background(), path, "", false)
	if err != nil {
		t.Fatalf("StreamRecords failed: %v", err)
	}

	state := NewState()
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		if ev.Record != nil {
			if err := state.Apply(*ev.Record); err != nil {
				t.Fatalf("Apply failed on block %d: %v", ev.Record.BlockNumber, err)
			}
		}
	}

	num, hash := gen.Head()
	if state.BlockNumber != num || state.Hash != hash {
		t.Errorf("tracker head %d %s diverged from generator head %d %s",
			state.BlockNumber, state.Hash, num, hash)
	}

	// Placeholder amounts: genesis contributes +1, each later block -1. The
	// reorg replaces blocks without changing the canonical count.
	if state.Delta.Int64() != -8 {
		t.Errorf("tracker delta %s, want -8", state.Delta)
	}
}
