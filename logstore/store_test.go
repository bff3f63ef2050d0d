package logstore

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
)

// frame applies the same u32-size|payload|u32-size envelope walrecord.Encode
// uses, so these tests can drive Store directly without a walrecord import.
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:4+len(payload)], payload)
	binary.BigEndian.PutUint32(out[4+len(payload):], uint32(len(payload)))
	return out
}

func TestAppendScanForwardBackward(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.log")

	s, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	frames := [][]byte{
		frame([]byte("first")),
		frame([]byte("second")),
		frame([]byte("third")),
	}
	for _, f := range frames {
		if _, err := s.Append(f); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cur, err := s.ScanForward()
	if err != nil {
		t.Fatalf("ScanForward: %v", err)
	}
	var got [][]byte
	for {
		payload, _, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("forward Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, append([]byte(nil), payload...))
	}
	cur.Close()
	want := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	assertPayloadsEqual(t, got, want)

	bcur, err := s.ScanBackward()
	if err != nil {
		t.Fatalf("ScanBackward: %v", err)
	}
	var gotBack [][]byte
	for {
		payload, _, ok, err := bcur.Next()
		if err != nil {
			t.Fatalf("backward Next: %v", err)
		}
		if !ok {
			break
		}
		gotBack = append(gotBack, append([]byte(nil), payload...))
	}
	bcur.Close()
	wantBack := [][]byte{[]byte("third"), []byte("second"), []byte("first")}
	assertPayloadsEqual(t, gotBack, wantBack)
}

func TestNeedsArchival(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.log")
	s, err := Open(path, 16)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.NeedsArchival() {
		t.Fatalf("fresh segment should not need archival")
	}
	if _, err := s.Append(frame(bytes.Repeat([]byte("x"), 64))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !s.NeedsArchival() {
		t.Fatalf("segment past targetSize should need archival")
	}
}

func TestCursorSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.log")
	s, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Append(frame([]byte("before-cursor"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cur, err := s.ScanForward()
	if err != nil {
		t.Fatalf("ScanForward: %v", err)
	}
	defer cur.Close()

	if _, err := s.Append(frame([]byte("after-cursor"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var seen int
	for {
		_, _, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seen++
	}
	if seen != 1 {
		t.Fatalf("snapshot cursor saw %d records, want 1 (opened before second append)", seen)
	}
}

func assertPayloadsEqual(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d payloads, want %d", len(got), len(want))
	}
	for i := range got {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("payload %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
