package logmgr

import (
	"github.com/NghiaTiGer102/HRDBMStest/logstore"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// Iterator is a restartable, snapshot-at-creation lazy sequence of
// decoded records over one log file, matching spec.md §4.3's
// "forward_iterator(file), iterator(file)" and the §9 Open Questions
// resolution that iterators are always closed before any return, early
// or not.
type Iterator struct {
	cursor *logstore.Cursor
}

// Next decodes the next record in the iterator's direction, or ok=false
// once the snapshot is exhausted.
func (it *Iterator) Next() (rec *walrecord.Record, ok bool, err error) {
	payload, _, ok, err := it.cursor.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err = walrecord.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Close releases the iterator's underlying file handle.
func (it *Iterator) Close() error { return it.cursor.Close() }

// ForwardIterator opens a snapshot forward iterator over file, oldest
// record first.
func (m *Manager) ForwardIterator(file string) (*Iterator, error) {
	t, err := m.tail(file)
	if err != nil {
		return nil, err
	}
	c, err := t.store.ScanForward()
	if err != nil {
		return nil, err
	}
	return &Iterator{cursor: c}, nil
}

// Iterator opens a snapshot backward iterator over file, newest record
// first — used by recovery's analysis/undo pass (spec.md §4.4).
func (m *Manager) Iterator(file string) (*Iterator, error) {
	t, err := m.tail(file)
	if err != nil {
		return nil, err
	}
	c, err := t.store.ScanBackward()
	if err != nil {
		return nil, err
	}
	return &Iterator{cursor: c}, nil
}
