package logmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "active.log")
	m := New(Config{Dir: dir, TargetLogSize: 1 << 20, LogCleanSleepSecs: 1})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	if err := m.OpenFile(file); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return m, file
}

func TestWriteFlushIsFlushed(t *testing.T) {
	m, file := newTestManager(t)

	lsn, err := m.Write(walrecord.Start(1), file)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.IsFlushed(file, lsn) {
		t.Fatalf("record should not be flushed before Flush is called")
	}
	if err := m.Flush(lsn, file); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !m.IsFlushed(file, lsn) {
		t.Fatalf("record should be flushed after Flush")
	}
}

func TestFlushAllQualifyingRecordsNotJustOne(t *testing.T) {
	m, file := newTestManager(t)

	var last walrecord.LSN
	for i := uint64(1); i <= 5; i++ {
		lsn, err := m.Write(walrecord.Commit(i), file)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		last = lsn
	}
	if err := m.Flush(last, file); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	it, err := m.ForwardIterator(file)
	if err != nil {
		t.Fatalf("ForwardIterator: %v", err)
	}
	defer it.Close()

	count := 0
	for {
		rec, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if rec.Type != walrecord.TypeCommit {
			t.Fatalf("unexpected record type %s", rec.Type)
		}
		count++
	}
	if count != 5 {
		t.Fatalf("got %d flushed records, want 5 (flush must drain every record <= upTo)", count)
	}
}

func TestCommitRollbackReadyNotReadyConvenienceWrappers(t *testing.T) {
	m, file := newTestManager(t)

	if err := m.Commit(1, file); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := m.Rollback(2, file); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := m.Ready(3, "node1:5433", file); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := m.NotReady(4, file); err != nil {
		t.Fatalf("NotReady: %v", err)
	}

	it, err := m.Iterator(file) // backward, newest first
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	defer it.Close()

	wantTypes := []walrecord.Type{walrecord.TypeNotReady, walrecord.TypeReady, walrecord.TypeRollback, walrecord.TypeCommit}
	for _, want := range wantTypes {
		rec, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			t.Fatalf("expected a record, iterator exhausted early")
		}
		if rec.Type != want {
			t.Fatalf("got type %s, want %s", rec.Type, want)
		}
	}
}

func TestOpenFileIsIdempotent(t *testing.T) {
	m, file := newTestManager(t)
	if err := m.OpenFile(file); err != nil {
		t.Fatalf("second OpenFile on the same path must succeed: %v", err)
	}
}

func TestBackgroundWorkerDrainsWithoutExplicitFlush(t *testing.T) {
	m, file := newTestManager(t)

	lsn, err := m.Write(walrecord.Commit(99), file)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsFlushed(file, lsn) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !m.IsFlushed(file, lsn) {
		t.Fatalf("background drain loop did not flush a queued record within the deadline")
	}
}

func TestCloseDrainsTailToMax(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "active.log")
	m := New(Config{Dir: dir, TargetLogSize: 1 << 20, LogCleanSleepSecs: 1})
	if err := m.OpenFile(file); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := m.Write(walrecord.Commit(1), file); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2 := New(Config{Dir: dir, TargetLogSize: 1 << 20, LogCleanSleepSecs: 1})
	defer m2.Close(context.Background())
	if err := m2.OpenFile(file); err != nil {
		t.Fatalf("reopening %s: %v", file, err)
	}
	it, err := m2.ForwardIterator(file)
	if err != nil {
		t.Fatalf("ForwardIterator: %v", err)
	}
	defer it.Close()
	rec, ok, err := it.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatalf("Close should have flushed the pending record to disk before returning")
	}
	if rec.Type != walrecord.TypeCommit {
		t.Fatalf("got type %s, want Commit", rec.Type)
	}
}
