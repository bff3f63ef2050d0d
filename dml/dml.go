// Package dml implements C8, the node DML executor: device-sharded
// insert/delete/update with secondary-index maintenance, one worker
// per device, all-or-nothing success (spec.md §4.8).
package dml

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NghiaTiGer102/HRDBMStest/index"
	"github.com/NghiaTiGer102/HRDBMStest/metadata"
	"github.com/NghiaTiGer102/HRDBMStest/txn"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// IndexBinding pairs an open secondary index with the function that
// derives its key-field-values bytes from a row's raw value bytes
// (column extraction is a collaborator concern spec.md §1 places out of
// scope; KeyOf is the minimal seam the executor needs to drive it).
type IndexBinding struct {
	Index index.Index
	KeyOf func(values []byte) []byte
}

// InsertRow is one row to insert: a partition key (fed to
// metadata.DetermineDevice) and its fixed-size value bytes.
type InsertRow struct {
	PartitionKey []byte
	Values       []byte
}

// DeleteRow identifies a row to delete by RID.
type DeleteRow struct {
	RID walrecord.RID
}

// UpdateRow identifies a row to update by RID, with its replacement
// value bytes.
type UpdateRow struct {
	RID       walrecord.RID
	NewValues []byte
}

// Executor is the node DML executor for one table (spec.md §4.8).
// Device sharding assigns each row to a worker goroutine keyed by
// device; all workers share the same underlying LocalTransaction, which
// is safe for concurrent use (its mutation log is mutex-guarded).
type Executor struct {
	tx            *txn.LocalTransaction
	tableFile     string
	deviceCount   int
	deviceRoots   []string
	slotsPerBlock uint32
	indexes       []IndexBinding

	mu       sync.Mutex
	nextSlot map[uint32]uint32 // device -> next free global slot, for inserts
}

// Config configures an Executor.
type Config struct {
	Tx          *txn.LocalTransaction
	TableFile   string // per-device block file name, e.g. "primary.tbl"
	DeviceCount int
	// DeviceRoots is the on-disk root directory for each device (index =
	// device number), the same roots passed to bufferpool.Pool.RegisterDevice.
	// Executor joins TableFile onto DeviceRoots[device] itself so every
	// PageKey.BlockFile/walrecord.Block.Path it writes is a complete path —
	// the buffer pool and recovery's Applier never do their own root
	// resolution, so both always agree on where a page physically lives.
	DeviceRoots   []string
	SlotsPerBlock uint32
	Indexes       []IndexBinding
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	return &Executor{
		tx: cfg.Tx, tableFile: cfg.TableFile, deviceCount: cfg.DeviceCount,
		deviceRoots: cfg.DeviceRoots, slotsPerBlock: cfg.SlotsPerBlock, indexes: cfg.Indexes,
		nextSlot: make(map[uint32]uint32),
	}
}

// blockFile returns the complete path to device's block file.
func (e *Executor) blockFile(device uint32) string {
	name := fmt.Sprintf("%s.dev%d", e.tableFile, device)
	if int(device) < len(e.deviceRoots) {
		return filepath.Join(e.deviceRoots[device], name)
	}
	return name
}

func (e *Executor) blockOf(device uint32, globalSlot uint32) (walrecord.Block, uint32) {
	block := walrecord.Block{Path: e.blockFile(device), Number: uint64(globalSlot / e.slotsPerBlock)}
	return block, globalSlot % e.slotsPerBlock
}

func (e *Executor) allocSlot(device uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.nextSlot[device]
	e.nextSlot[device]++
	return slot
}

// BlocksUsed reports, per device, one past the highest block number any
// inserted row has touched so far — the minimal bookkeeping MDELETE
// needs to know how far to scan, since a page directory is out of scope
// (spec.md §1).
func (e *Executor) BlocksUsed() map[uint32]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint32]uint64, len(e.nextSlot))
	for device, slots := range e.nextSlot {
		out[device] = (uint64(slots) + uint64(e.slotsPerBlock) - 1) / uint64(e.slotsPerBlock)
	}
	return out
}

func groupByDevice[T any](rows []T, deviceOf func(T) uint32) map[uint32][]T {
	groups := make(map[uint32][]T)
	for _, r := range rows {
		d := deviceOf(r)
		groups[d] = append(groups[d], r)
	}
	return groups
}

// Insert partitions rows by device (spec.md §4.8 step "device =
// MetaData.determine_device(row, partition_meta)") and inserts each
// group's rows under an independent worker, maintaining every bound
// secondary index. Succeeds only if every device worker succeeds
// (spec.md §4.8 step 5).
func (e *Executor) Insert(ctx context.Context, rows []InsertRow) (int, error) {
	groups := groupByDevice(rows, func(r InsertRow) uint32 {
		return metadata.DetermineDevice(r.PartitionKey, e.deviceCount)
	})

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	total := 0
	for device, group := range groups {
		device, group := device, group
		g.Go(func() error {
			n, err := e.insertDevice(device, group)
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("dml: insert failed, no partial commit: %w", err)
	}
	return total, nil
}

func (e *Executor) insertDevice(device uint32, rows []InsertRow) (int, error) {
	for _, row := range rows {
		slot := e.allocSlot(device)
		block, localSlot := e.blockOf(device, slot)
		rid := walrecord.RID{Device: device, Block: block.Number, Slot: localSlot}
		if err := e.tx.InsertRow(rid, block, row.Values); err != nil {
			return 0, fmt.Errorf("dml: insert on device %d: %w", device, err)
		}
		for _, ib := range e.indexes {
			if err := ib.Index.Insert(ib.KeyOf(row.Values), rid); err != nil {
				return 0, fmt.Errorf("dml: index maintenance on device %d: %w", device, err)
			}
		}
	}
	return len(rows), nil
}

// Delete partitions rows by rid.Device (spec.md §4.8 "device = rid.device
// for delete/update") and deletes each, removing the row from every
// bound index under its prior key.
func (e *Executor) Delete(ctx context.Context, rows []DeleteRow) (int, error) {
	groups := groupByDevice(rows, func(r DeleteRow) uint32 { return r.RID.Device })

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	total := 0
	for device, group := range groups {
		device, group := device, group
		g.Go(func() error {
			n, err := e.deleteDevice(device, group)
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("dml: delete failed, no partial commit: %w", err)
	}
	return total, nil
}

func (e *Executor) deleteDevice(device uint32, rows []DeleteRow) (int, error) {
	for _, row := range rows {
		block := walrecord.Block{Path: e.blockFile(device), Number: row.RID.Block}
		oldValues, err := e.tx.ReadRow(row.RID, block)
		if err != nil {
			return 0, fmt.Errorf("dml: delete on device %d: %w", device, err)
		}
		if err := e.tx.DeleteRow(row.RID, block); err != nil {
			return 0, fmt.Errorf("dml: delete on device %d: %w", device, err)
		}
		for _, ib := range e.indexes {
			if err := ib.Index.Delete(ib.KeyOf(oldValues), row.RID); err != nil {
				return 0, fmt.Errorf("dml: index maintenance on device %d: %w", device, err)
			}
		}
	}
	return len(rows), nil
}

// Update partitions rows by rid.Device and updates each in place,
// maintaining bound indexes per spec.md §4.8 step 4's update rule: if
// the new key is unchanged and the row was not relocated, idx.Update;
// otherwise idx.Delete the old entry and idx.Insert the new one.
func (e *Executor) Update(ctx context.Context, rows []UpdateRow) (int, error) {
	groups := groupByDevice(rows, func(r UpdateRow) uint32 { return r.RID.Device })

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	total := 0
	for device, group := range groups {
		device, group := device, group
		g.Go(func() error {
			n, err := e.updateDevice(device, group)
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("dml: update failed, no partial commit: %w", err)
	}
	return total, nil
}

func (e *Executor) updateDevice(device uint32, rows []UpdateRow) (int, error) {
	for _, row := range rows {
		block := walrecord.Block{Path: e.blockFile(device), Number: row.RID.Block}
		oldValues, err := e.tx.ReadRow(row.RID, block)
		if err != nil {
			return 0, fmt.Errorf("dml: update on device %d: %w", device, err)
		}

		var freshRID *walrecord.RID
		freshBlock := block
		if len(row.NewValues) > e.tx.RowSize() {
			slot := e.allocSlot(device)
			b, localSlot := e.blockOf(device, slot)
			rid := walrecord.RID{Device: device, Block: b.Number, Slot: localSlot}
			freshRID = &rid
			freshBlock = b
		}

		change, err := e.tx.UpdateRow(row.RID, block, row.NewValues, freshRID, freshBlock)
		if err != nil {
			return 0, fmt.Errorf("dml: update on device %d: %w", device, err)
		}

		for _, ib := range e.indexes {
			oldKey, newKey := ib.KeyOf(oldValues), ib.KeyOf(row.NewValues)
			if !change.Relocated && string(oldKey) == string(newKey) {
				if err := ib.Index.Update(oldKey, change.Old, change.New); err != nil {
					return 0, fmt.Errorf("dml: index maintenance on device %d: %w", device, err)
				}
				continue
			}
			if err := ib.Index.Delete(oldKey, change.Old); err != nil {
				return 0, fmt.Errorf("dml: index maintenance on device %d: %w", device, err)
			}
			if err := ib.Index.Insert(newKey, change.New); err != nil {
				return 0, fmt.Errorf("dml: index maintenance on device %d: %w", device, err)
			}
		}
	}
	return len(rows), nil
}

// MassDeleteAll is MassDelete over every device's currently tracked
// block range (BlocksUsed), the common case for a truncate RPC that
// carries no explicit scan bounds.
func (e *Executor) MassDeleteAll(ctx context.Context, prefetchDepth int) (int, error) {
	return e.MassDelete(ctx, e.BlocksUsed(), prefetchDepth)
}

// MassDelete truncates the table: scans every block on every device via
// a prefetch pipeline, deletes each live row, then mass-deletes every
// bound index (spec.md §4.8 "MDELETE"). blockCounts gives the number of
// blocks to scan per device; MassDeleteAll supplies it from BlocksUsed,
// since the page directory is out of scope per §1.
func (e *Executor) MassDelete(ctx context.Context, blockCounts map[uint32]uint64, prefetchDepth int) (int, error) {
	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	total := 0
	for device, numBlocks := range blockCounts {
		device, numBlocks := device, numBlocks
		g.Go(func() error {
			n, err := e.massDeleteDevice(device, numBlocks, prefetchDepth)
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("dml: mass delete failed: %w", err)
	}
	for _, ib := range e.indexes {
		if err := ib.Index.MassDelete(); err != nil {
			return 0, fmt.Errorf("dml: index mass delete: %w", err)
		}
	}
	return total, nil
}

func (e *Executor) massDeleteDevice(device uint32, numBlocks uint64, prefetchDepth int) (int, error) {
	if prefetchDepth <= 0 {
		prefetchDepth = 1
	}
	count := 0
	for start := uint64(0); start < numBlocks; start += uint64(prefetchDepth) {
		end := start + uint64(prefetchDepth)
		if end > numBlocks {
			end = numBlocks
		}
		blocks := make([]walrecord.Block, 0, end-start)
		for b := start; b < end; b++ {
			blocks = append(blocks, walrecord.Block{Path: e.blockFile(device), Number: b})
		}
		e.tx.RequestPages(device, blocks)

		for _, block := range blocks {
			for slot := uint32(0); slot < e.slotsPerBlock; slot++ {
				rid := walrecord.RID{Device: device, Block: block.Number, Slot: slot}
				values, err := e.tx.ReadRow(rid, block)
				if err != nil {
					return 0, err
				}
				if isZero(values) {
					continue // already-empty slot, nothing live to delete
				}
				if err := e.tx.DeleteRow(rid, block); err != nil {
					return 0, err
				}
				count++
			}
		}
	}
	return count, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
