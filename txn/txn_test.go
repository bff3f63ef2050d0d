package txn

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/NghiaTiGer102/HRDBMStest/bufferpool"
	"github.com/NghiaTiGer102/HRDBMStest/logmgr"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

const testPageSize = 4096
const testRowSize = 64

func newTestTxn(t *testing.T, id uint64, isolation Isolation) (*LocalTransaction, string, func()) {
	t.Helper()
	dir := t.TempDir()
	logFile := filepath.Join(dir, "active.log")

	mgr := logmgr.New(logmgr.Config{Dir: dir, TargetLogSize: 1 << 20, LogCleanSleepSecs: 1})
	if err := mgr.OpenFile(logFile); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	pool := bufferpool.New(bufferpool.Config{MaxCapacity: 64, LogFile: logFile, Flushed: mgr})
	if err := pool.RegisterDevice(0, dir); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	applier := bufferpool.NewApplier(testPageSize)

	tx := New(id, isolation, mgr, pool, applier, logFile, testPageSize, testRowSize)
	cleanup := func() {
		_ = applier.Close()
		_ = pool.Close()
		_ = mgr.Close(context.Background())
	}
	return tx, filepath.Join(dir, "table.dev0"), cleanup
}

func TestInsertRowThenReadRow(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 1, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	row := []byte("hello-row")

	if err := tx.InsertRow(rid, block, row); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	got, err := tx.ReadRow(rid, block)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if !bytes.HasPrefix(got, row) {
		t.Fatalf("ReadRow = %q, want prefix %q", got, row)
	}
}

func TestInsertRowRejectsOversizedValue(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 2, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	oversized := bytes.Repeat([]byte("x"), testRowSize+1)
	if err := tx.InsertRow(rid, block, oversized); err == nil {
		t.Fatalf("InsertRow must reject a value larger than the slot capacity")
	}
}

func TestDeleteRowTombstonesSlot(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 3, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	if err := tx.InsertRow(rid, block, []byte("doomed-row")); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if err := tx.DeleteRow(rid, block); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	got, err := tx.ReadRow(rid, block)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if bytes.Contains(got, []byte("doomed-row")) {
		t.Fatalf("slot still contains the deleted row's bytes: %q", got)
	}
}

func TestUpdateRowInPlaceWhenItFits(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 4, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	if err := tx.InsertRow(rid, block, []byte("original")); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	change, err := tx.UpdateRow(rid, block, []byte("updated"), nil, walrecord.Block{})
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if change.Relocated {
		t.Fatalf("UpdateRow relocated a value that fit in the original slot")
	}
	if change.New != rid {
		t.Fatalf("UpdateRow.New = %+v, want unchanged %+v", change.New, rid)
	}
	got, err := tx.ReadRow(rid, block)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("updated")) {
		t.Fatalf("ReadRow after update = %q, want prefix %q", got, "updated")
	}
}

func TestUpdateRowRelocatesWhenExpanded(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 5, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	if err := tx.InsertRow(rid, block, []byte("small")); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	fresh := walrecord.RID{Device: 0, Block: 1, Slot: 1}
	expanded := bytes.Repeat([]byte("y"), testRowSize+1)
	change, err := tx.UpdateRow(rid, block, expanded, &fresh, block)
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if !change.Relocated {
		t.Fatalf("UpdateRow must relocate a value that exceeds slot capacity")
	}
	if change.New != fresh {
		t.Fatalf("UpdateRow.New = %+v, want %+v", change.New, fresh)
	}
}

func TestUpdateRowExpandedWithoutRelocationTargetErrors(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 6, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	if err := tx.InsertRow(rid, block, []byte("small")); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	expanded := bytes.Repeat([]byte("y"), testRowSize+1)
	if _, err := tx.UpdateRow(rid, block, expanded, nil, walrecord.Block{}); err == nil {
		t.Fatalf("UpdateRow must fail when expansion needs relocation but no target was given")
	}
}

func TestCommitThenDoubleCompleteErrors(t *testing.T) {
	tx, _, cleanup := newTestTxn(t, 7, ReadCommitted)
	defer cleanup()

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("double Commit must error")
	}
	if err := tx.Rollback(); err == nil {
		t.Fatalf("Rollback after Commit must error")
	}
}

func TestRollbackWritesRollbackRecordAndCompletesTx(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 8, ReadCommitted)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	if err := tx.InsertRow(rid, block, []byte("first")); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if _, err := tx.UpdateRow(rid, block, []byte("second"), nil, walrecord.Block{}); err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := tx.Rollback(); err == nil {
		t.Fatalf("a second Rollback on an already-completed tx must error")
	}

	it, err := tx.mgr.ForwardIterator(tx.logFile)
	if err != nil {
		t.Fatalf("ForwardIterator: %v", err)
	}
	defer it.Close()
	var sawRollback bool
	for {
		rec, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if rec.Type == walrecord.TypeRollback && rec.Tx == 8 {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatalf("Rollback must durably write a Rollback control record")
	}
}

func TestCursorStabilityFlushesEachWriteSynchronously(t *testing.T) {
	tx, file, cleanup := newTestTxn(t, 9, CursorStability)
	defer cleanup()

	rid := walrecord.RID{Device: 0, Block: 1, Slot: 0}
	block := walrecord.Block{Path: file, Number: 1}
	lsn, err := tx.mgr.Write(walrecord.Start(9), tx.logFile)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tx.InsertRow(rid, block, []byte("cs-row")); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if !tx.mgr.IsFlushed(tx.logFile, lsn) {
		t.Fatalf("CursorStability isolation must synchronously flush every data write")
	}
}
