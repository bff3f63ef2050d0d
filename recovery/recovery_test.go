package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/NghiaTiGer102/HRDBMStest/logmgr"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

type fakeApplier struct {
	undone []uint64
	redone []uint64
}

func (f *fakeApplier) Undo(rec *walrecord.Record) error {
	f.undone = append(f.undone, rec.Tx)
	return nil
}

func (f *fakeApplier) Redo(rec *walrecord.Record) error {
	f.redone = append(f.redone, rec.Tx)
	return nil
}

type fakeCoordinator struct {
	commit map[uint64]bool
}

func (f *fakeCoordinator) AskXA(tx uint64, host string) (bool, error) {
	return f.commit[tx], nil
}

type fakeBroadcaster struct {
	committed []uint64
	aborted   []uint64
}

func (f *fakeBroadcaster) Phase2Commit(tx uint64, participants []string) error {
	f.committed = append(f.committed, tx)
	return nil
}

func (f *fakeBroadcaster) Phase2Abort(tx uint64, participants []string) error {
	f.aborted = append(f.aborted, tx)
	return nil
}

func newRecoveryManager(t *testing.T) (*logmgr.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "worker.log")
	m := logmgr.New(logmgr.Config{Dir: dir, TargetLogSize: 1 << 20, LogCleanSleepSecs: 1})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	if err := m.OpenFile(file); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return m, file
}

func writeFlush(t *testing.T, m *logmgr.Manager, file string, rec *walrecord.Record) {
	t.Helper()
	lsn, err := m.Write(rec, file)
	if err != nil {
		t.Fatalf("Write(%s): %v", rec.Type, err)
	}
	if err := m.Flush(lsn, file); err != nil {
		t.Fatalf("Flush(%s): %v", rec.Type, err)
	}
}

func TestRecoveryRedoesCommittedUndoesUncommitted(t *testing.T) {
	m, file := newRecoveryManager(t)

	writeFlush(t, m, file, walrecord.Start(1))
	writeFlush(t, m, file, walrecord.Insert(1, walrecord.Block{Path: "t.dev0", Number: 1}, 0, nil, []byte("row1")))
	writeFlush(t, m, file, walrecord.Commit(1))

	writeFlush(t, m, file, walrecord.Start(2))
	writeFlush(t, m, file, walrecord.Insert(2, walrecord.Block{Path: "t.dev0", Number: 2}, 0, nil, []byte("row2")))
	// tx 2 never commits or rolls back: an uncommitted transaction at crash time.

	applier := &fakeApplier{}
	if err := Run(m, file, applier, nil, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(applier.redone) != 1 || applier.redone[0] != 1 {
		t.Fatalf("redo set = %v, want [1] (only the committed tx)", applier.redone)
	}
	if len(applier.undone) != 1 || applier.undone[0] != 2 {
		t.Fatalf("undo set = %v, want [2] (only the uncommitted tx)", applier.undone)
	}
}

func TestRecoveryRolledBackTxIsNeitherUndoneNorRedone(t *testing.T) {
	m, file := newRecoveryManager(t)

	writeFlush(t, m, file, walrecord.Start(1))
	writeFlush(t, m, file, walrecord.Insert(1, walrecord.Block{Path: "t.dev0", Number: 1}, 0, nil, []byte("row1")))
	writeFlush(t, m, file, walrecord.Rollback(1))

	applier := &fakeApplier{}
	if err := Run(m, file, applier, nil, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(applier.redone) != 0 {
		t.Fatalf("redo set = %v, want empty (already rolled back at crash)", applier.redone)
	}
	if len(applier.undone) != 0 {
		t.Fatalf("undo set = %v, want empty (the undo already happened before the rollback record)", applier.undone)
	}
}

func TestRecoveryReadyResolvedByCoordinatorCommit(t *testing.T) {
	m, file := newRecoveryManager(t)
	writeFlush(t, m, file, walrecord.Start(5))
	writeFlush(t, m, file, walrecord.Insert(5, walrecord.Block{Path: "t.dev0", Number: 1}, 0, nil, []byte("row5")))
	writeFlush(t, m, file, walrecord.Ready(5, "coordinator:5433"))

	coord := &fakeCoordinator{commit: map[uint64]bool{5: true}}
	applier := &fakeApplier{}
	if err := Run(m, file, applier, coord, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(applier.redone) != 1 || applier.redone[0] != 5 {
		t.Fatalf("redo set = %v, want [5] (coordinator said commit)", applier.redone)
	}

	it, err := m.ForwardIterator(file)
	if err != nil {
		t.Fatalf("ForwardIterator: %v", err)
	}
	defer it.Close()

	var sawCommit, sawNQCheck bool
	for {
		rec, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if rec.Type == walrecord.TypeCommit && rec.Tx == 5 {
			sawCommit = true
		}
		if rec.Type == walrecord.TypeNQCheck {
			sawNQCheck = true
		}
	}
	if !sawCommit {
		t.Fatalf("recovery must durably append a Commit record for a resolved in-doubt tx")
	}
	if !sawNQCheck {
		t.Fatalf("recovery must append the NQCheck completion barrier")
	}
}

func TestRecoveryReadyResolvedByCoordinatorAbort(t *testing.T) {
	m, file := newRecoveryManager(t)
	writeFlush(t, m, file, walrecord.Start(6))
	writeFlush(t, m, file, walrecord.Insert(6, walrecord.Block{Path: "t.dev0", Number: 1}, 0, nil, []byte("row6")))
	writeFlush(t, m, file, walrecord.Ready(6, "coordinator:5433"))

	coord := &fakeCoordinator{commit: map[uint64]bool{6: false}}
	applier := &fakeApplier{}
	if err := Run(m, file, applier, coord, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(applier.redone) != 0 {
		t.Fatalf("redo set = %v, want empty (coordinator said abort)", applier.redone)
	}
}

func TestRecoveryUndecidedPrepareDecidesAbort(t *testing.T) {
	m, file := newRecoveryManager(t)
	writeFlush(t, m, file, walrecord.Prepare(7, []string{"node1:5433", "node2:5433"}))
	// crash before a matching XACommit/XAAbort record lands.

	bcast := &fakeBroadcaster{}
	if err := Run(m, file, &fakeApplier{}, nil, bcast, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(bcast.aborted) != 1 || bcast.aborted[0] != 7 {
		t.Fatalf("abort re-dispatch = %v, want [7] (Invariant 5: undecided prepare aborts)", bcast.aborted)
	}
	if len(bcast.committed) != 0 {
		t.Fatalf("commit re-dispatch = %v, want empty", bcast.committed)
	}
}

func TestRecoveryRedispatchesAlreadyDecidedXA(t *testing.T) {
	m, file := newRecoveryManager(t)
	writeFlush(t, m, file, walrecord.Prepare(8, []string{"node1:5433"}))
	writeFlush(t, m, file, walrecord.XACommit(8, []string{"node1:5433"}))

	bcast := &fakeBroadcaster{}
	if err := Run(m, file, &fakeApplier{}, nil, bcast, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(bcast.committed) != 1 || bcast.committed[0] != 8 {
		t.Fatalf("commit re-dispatch = %v, want [8] (decision already durable)", bcast.committed)
	}
	if len(bcast.aborted) != 0 {
		t.Fatalf("abort re-dispatch = %v, want empty", bcast.aborted)
	}
}
