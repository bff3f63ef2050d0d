// Package txn implements C7, the local transaction: tracks mutations
// and drives the log manager's insert/delete writes, request-page
// hints, and rollback/commit (spec.md §4.7).
package txn

import (
	"fmt"
	"sync"

	"github.com/NghiaTiGer102/HRDBMStest/bufferpool"
	"github.com/NghiaTiGer102/HRDBMStest/logmgr"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// Isolation is the transaction's isolation level (spec.md §4.7).
type Isolation int

const (
	ReadCommitted Isolation = iota
	CursorStability
)

// RIDChange reports the result of UpdateRow: the row's RID after the
// update, which differs from the original when the new value didn't
// fit in its original slot (spec.md §4.7 "may relocate row if expanded").
type RIDChange struct {
	Old       walrecord.RID
	New       walrecord.RID
	Relocated bool
}

// LocalTransaction tracks one transaction's mutation set and drives C3
// writes for each (spec.md §4.7, §3 "Transaction entity").
type LocalTransaction struct {
	tx         uint64
	isolation  Isolation
	mgr        *logmgr.Manager
	pool       *bufferpool.Pool
	applier    *bufferpool.Applier
	logFile    string
	pageSize   int
	rowSize    int // fixed per-slot capacity; see applier.go's simplified row model

	mu      sync.Mutex
	written []*walrecord.Record // in commit order, for immediate (non-crash) rollback
	rolledBack bool
	committed  bool
}

// New constructs a LocalTransaction. rowSize bounds a slot's capacity;
// a row that grows past it relocates to a fresh slot (see UpdateRow).
func New(tx uint64, isolation Isolation, mgr *logmgr.Manager, pool *bufferpool.Pool, applier *bufferpool.Applier, logFile string, pageSize, rowSize int) *LocalTransaction {
	return &LocalTransaction{
		tx: tx, isolation: isolation, mgr: mgr, pool: pool, applier: applier,
		logFile: logFile, pageSize: pageSize, rowSize: rowSize,
	}
}

// ID returns the transaction's identifier.
func (t *LocalTransaction) ID() uint64 { return t.tx }

func (t *LocalTransaction) pageKey(device uint32, block walrecord.Block) bufferpool.PageKey {
	return bufferpool.PageKey{Device: device, BlockFile: block.Path, BlockNum: block.Number}
}

// Read returns block's current page (spec.md §4.7 "read(block, schema)
// -> page"; schema is a collaborator concern this core only forwards a
// page's raw bytes past, per §1 Non-goals on page record layout).
func (t *LocalTransaction) Read(device uint32, block walrecord.Block) (*bufferpool.Page, error) {
	return t.pool.Read(t.pageKey(device, block), t.pageSize)
}

// RequestPage prefetches block (spec.md §4.7 "request_page(block)").
func (t *LocalTransaction) RequestPage(device uint32, block walrecord.Block) {
	t.pool.RequestPage(t.pageKey(device, block), t.pageSize)
}

// RequestPages prefetches blocks (spec.md §4.7 "request_pages([block])").
func (t *LocalTransaction) RequestPages(device uint32, blocks []walrecord.Block) {
	keys := make([]bufferpool.PageKey, len(blocks))
	for i, b := range blocks {
		keys[i] = t.pageKey(device, b)
	}
	t.pool.RequestPages(keys, t.pageSize)
}

func slotOffset(slot uint32, rowSize int) uint32 { return slot * uint32(rowSize) }

// RowSize returns the fixed slot capacity this transaction was
// constructed with, so callers (the node DML executor, C8) can do their
// own slot/block arithmetic without duplicating the constant.
func (t *LocalTransaction) RowSize() int { return t.rowSize }

// ReadRow returns the current bytes stored at rid's slot, for callers
// that need a row's values before mutating it (e.g. to recompute a
// secondary-index key before a delete).
func (t *LocalTransaction) ReadRow(rid walrecord.RID, block walrecord.Block) ([]byte, error) {
	return t.readSlot(rid, block)
}

// InsertRow writes a new row at (block, slot) with the given bytes
// (spec.md §4.7 "insert_row(values)"). The caller (the node DML
// executor, C8) has already chosen the target RID via device sharding.
func (t *LocalTransaction) InsertRow(rid walrecord.RID, block walrecord.Block, values []byte) error {
	if len(values) > t.rowSize {
		return fmt.Errorf("txn: row of %d bytes exceeds slot capacity %d", len(values), t.rowSize)
	}
	padded := make([]byte, t.rowSize)
	copy(padded, values)
	return t.writeData(rid, block, walrecord.Insert(t.tx, block, slotOffset(rid.Slot, t.rowSize), nil, padded), padded)
}

// DeleteRow removes the row at rid (spec.md §4.7 "delete_row(rid)"). It
// reads the slot's current bytes to form the undo (before) image.
func (t *LocalTransaction) DeleteRow(rid walrecord.RID, block walrecord.Block) error {
	before, err := t.readSlot(rid, block)
	if err != nil {
		return err
	}
	tombstone := make([]byte, t.rowSize)
	return t.writeData(rid, block, walrecord.Delete(t.tx, block, slotOffset(rid.Slot, t.rowSize), before, tombstone), tombstone)
}

// UpdateRow replaces the row at rid with newValues, relocating to a
// fresh slot on freshRID if newValues doesn't fit in the original slot
// (spec.md §4.7 "update_row(rid, slot, new_values) -> RIDChange").
func (t *LocalTransaction) UpdateRow(rid walrecord.RID, block walrecord.Block, newValues []byte, freshRID *walrecord.RID, freshBlock walrecord.Block) (RIDChange, error) {
	if len(newValues) <= t.rowSize {
		before, err := t.readSlot(rid, block)
		if err != nil {
			return RIDChange{}, err
		}
		padded := make([]byte, t.rowSize)
		copy(padded, newValues)
		if err := t.writeData(rid, block, walrecord.Insert(t.tx, block, slotOffset(rid.Slot, t.rowSize), before, padded), padded); err != nil {
			return RIDChange{}, err
		}
		return RIDChange{Old: rid, New: rid, Relocated: false}, nil
	}
	if freshRID == nil {
		return RIDChange{}, fmt.Errorf("txn: update of row %v expanded past slot capacity %d bytes but no relocation target was provided", rid, t.rowSize)
	}
	if err := t.DeleteRow(rid, block); err != nil {
		return RIDChange{}, err
	}
	if err := t.InsertRow(*freshRID, freshBlock, newValues); err != nil {
		return RIDChange{}, err
	}
	return RIDChange{Old: rid, New: *freshRID, Relocated: true}, nil
}

func (t *LocalTransaction) readSlot(rid walrecord.RID, block walrecord.Block) ([]byte, error) {
	page, err := t.Read(rid.Device, block)
	if err != nil {
		return nil, err
	}
	off := slotOffset(rid.Slot, t.rowSize)
	end := int(off) + t.rowSize
	if end > len(page.Data) {
		return make([]byte, t.rowSize), nil
	}
	before := make([]byte, t.rowSize)
	copy(before, page.Data[off:end])
	return before, nil
}

// writeData logs rec via C3, applies it to the in-memory page, and
// remembers it for immediate rollback.
func (t *LocalTransaction) writeData(rid walrecord.RID, block walrecord.Block, rec *walrecord.Record, after []byte) error {
	lsn, err := t.mgr.Write(rec, t.logFile)
	if err != nil {
		return err
	}
	rec.LSN = lsn

	page, err := t.Read(rid.Device, block)
	if err != nil {
		return err
	}
	if len(page.Data) < t.pageSize {
		page.Data = append(page.Data, make([]byte, t.pageSize-len(page.Data))...)
	}
	off := slotOffset(rid.Slot, t.rowSize)
	copy(page.Data[off:int(off)+t.rowSize], after)
	page.PageLSN = lsn
	t.pool.Write(page)

	if t.isolation == CursorStability {
		if err := t.mgr.Flush(lsn, t.logFile); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.written = append(t.written, rec)
	t.mu.Unlock()
	return nil
}

// Rollback undoes every write this transaction made (in reverse order)
// and writes the Rollback control record (spec.md §4.7 "rollback()").
func (t *LocalTransaction) Rollback() error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return fmt.Errorf("txn: tx %d already completed", t.tx)
	}
	t.rolledBack = true
	writes := t.written
	t.mu.Unlock()

	for i := len(writes) - 1; i >= 0; i-- {
		if err := t.applier.Undo(writes[i]); err != nil {
			return fmt.Errorf("txn: undo during rollback of tx %d: %w", t.tx, err)
		}
	}
	return t.mgr.Rollback(t.tx, t.logFile)
}

// Commit writes the Commit control record, synchronously flushed
// (spec.md §4.7 "commit()").
func (t *LocalTransaction) Commit() error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return fmt.Errorf("txn: tx %d already completed", t.tx)
	}
	t.committed = true
	t.mu.Unlock()
	return t.mgr.Commit(t.tx, t.logFile)
}
