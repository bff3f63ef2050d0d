// Package index defines the secondary-index collaborator contract
// (spec.md §6) and a concrete in-memory implementation, grounded on the
// teacher's in_memory backend (_examples/SharedCode-sop/in_memory),
// which plays the same "real but non-durable" role for SOP's own
// B-tree node repository.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// Index is the secondary-index collaborator contract the node DML
// executor (C8) drives (spec.md §6, §4.8).
type Index interface {
	Open() error
	Insert(keyFV []byte, rid walrecord.RID) error
	Delete(keyFV []byte, rid walrecord.RID) error
	Update(keyFV []byte, oldRID, newRID walrecord.RID) error
	MassDelete() error
}

// Memory is a concrete, process-local Index: a sorted map from encoded
// key-field-values to the set of RIDs holding that key (secondary
// indexes are not unique in general). Not durable — a real deployment
// would back this by the same page-file/B-tree machinery as primary
// storage, which spec.md §1 places out of scope for this core.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[walrecord.RID]bool
	opened  bool
}

// NewMemory constructs an unopened in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[walrecord.RID]bool)}
}

// Open marks the index ready for use (spec.md §6 "open()").
func (m *Memory) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *Memory) requireOpen() error {
	if !m.opened {
		return fmt.Errorf("index: not open")
	}
	return nil
}

// Insert adds rid under keyFV (spec.md §4.8 step 4 "idx.insert(key_fv, rid)").
func (m *Memory) Insert(keyFV []byte, rid walrecord.RID) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(keyFV)
	set, ok := m.entries[k]
	if !ok {
		set = make(map[walrecord.RID]bool)
		m.entries[k] = set
	}
	set[rid] = true
	return nil
}

// Delete removes rid from keyFV's entry (spec.md §4.8 "idx.delete(key_fv, rid)").
func (m *Memory) Delete(keyFV []byte, rid walrecord.RID) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(keyFV)
	set, ok := m.entries[k]
	if !ok {
		return nil
	}
	delete(set, rid)
	if len(set) == 0 {
		delete(m.entries, k)
	}
	return nil
}

// Update relocates a RID under an unchanged key (spec.md §4.8 "if no
// updated column overlaps the index key, idx.update(key_fv, old_rid,
// new_rid)").
func (m *Memory) Update(keyFV []byte, oldRID, newRID walrecord.RID) error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	if err := m.Delete(keyFV, oldRID); err != nil {
		return err
	}
	return m.Insert(keyFV, newRID)
}

// MassDelete clears the entire index (spec.md §4.8 MDELETE "then each
// index executes mass_delete()").
func (m *Memory) MassDelete() error {
	if err := m.requireOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]map[walrecord.RID]bool)
	return nil
}

// Lookup returns every RID stored under keyFV, in no particular order
// beyond determinism for tests (sorted by node/device/block/slot).
func (m *Memory) Lookup(keyFV []byte) []walrecord.RID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.entries[string(keyFV)]
	out := make([]walrecord.RID, 0, len(set))
	for rid := range set {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		return a.Slot < b.Slot
	})
	return out
}
