// Package walrecord defines the write-ahead log's data model: LSNs,
// Blocks, RIDs, and the tagged log record variants from spec.md §3,
// together with their on-disk framing and field encodings (spec.md §6).
package walrecord

import (
	"encoding/binary"
	"fmt"
)

// LSN is a strictly monotonic 64-bit log-sequence number.
type LSN uint64

// Block identifies a fixed-size page on a device by file path and block
// number.
type Block struct {
	Path   string
	Number uint64
}

// RID is a globally unique record identifier: the worker node that owns
// the row, the storage device on that node, the block, and the slot
// within the block.
type RID struct {
	Node   uint32
	Device uint32
	Block  uint64
	Slot   uint32
}

// EncodeRID packs rid as 20 big-endian bytes (node, device, block,
// slot) — the wire form RPC args carry for DELETE/UPDATE (spec.md §6
// "length-prefixed args").
func EncodeRID(rid RID) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:4], rid.Node)
	binary.BigEndian.PutUint32(b[4:8], rid.Device)
	binary.BigEndian.PutUint64(b[8:16], rid.Block)
	binary.BigEndian.PutUint32(b[16:20], rid.Slot)
	return b
}

// DecodeRID is the inverse of EncodeRID.
func DecodeRID(b []byte) (RID, error) {
	if len(b) != 20 {
		return RID{}, fmt.Errorf("walrecord: RID must be 20 bytes, got %d", len(b))
	}
	return RID{
		Node:   binary.BigEndian.Uint32(b[0:4]),
		Device: binary.BigEndian.Uint32(b[4:8]),
		Block:  binary.BigEndian.Uint64(b[8:16]),
		Slot:   binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// Type tags the log record variant.
type Type uint8

const (
	TypeStart Type = iota
	TypeCommit
	TypeRollback
	TypeNQCheck
	TypeInsert
	TypeDelete
	TypeReady
	TypeNotReady
	TypePrepare
	TypeXACommit
	TypeXAAbort
)

func (t Type) String() string {
	switch t {
	case TypeStart:
		return "Start"
	case TypeCommit:
		return "Commit"
	case TypeRollback:
		return "Rollback"
	case TypeNQCheck:
		return "NQCheck"
	case TypeInsert:
		return "Insert"
	case TypeDelete:
		return "Delete"
	case TypeReady:
		return "Ready"
	case TypeNotReady:
		return "NotReady"
	case TypePrepare:
		return "Prepare"
	case TypeXACommit:
		return "XACommit"
	case TypeXAAbort:
		return "XAAbort"
	default:
		return "Unknown"
	}
}

// Record is one WAL entry. Only the fields relevant to Type are
// populated; the rest are zero. LSN and Timestamp are assigned by the
// log manager at write time, never by the caller.
type Record struct {
	LSN       LSN
	Timestamp int64 // unix nanos

	Type Type
	Tx   uint64

	// Insert/Delete
	Block  Block
	Offset uint32
	Before []byte
	After  []byte

	// Ready
	Host string

	// NQCheck
	ActiveSet []uint64

	// Prepare/XACommit/XAAbort
	Participants []string
}

// IsData reports whether the record carries a before/after image that
// recovery's undo/redo passes must act on.
func (r *Record) IsData() bool {
	return r.Type == TypeInsert || r.Type == TypeDelete
}

// Start builds a control record marking the beginning of a transaction.
func Start(tx uint64) *Record { return &Record{Type: TypeStart, Tx: tx} }

// Commit builds the control record for a locally-committed transaction.
func Commit(tx uint64) *Record { return &Record{Type: TypeCommit, Tx: tx} }

// Rollback builds the control record for a rolled-back transaction.
func Rollback(tx uint64) *Record { return &Record{Type: TypeRollback, Tx: tx} }

// NQCheck builds the "no quiescent transactions outstanding" barrier
// record written at the end of recovery (spec.md §4.4 "Completion").
func NQCheck(active []uint64) *Record { return &Record{Type: TypeNQCheck, ActiveSet: active} }

// Insert builds a physical-logical redo/undo record for a row insert.
func Insert(tx uint64, b Block, offset uint32, before, after []byte) *Record {
	return &Record{Type: TypeInsert, Tx: tx, Block: b, Offset: offset, Before: before, After: after}
}

// Delete builds a physical-logical redo/undo record for a row delete.
func Delete(tx uint64, b Block, offset uint32, before, after []byte) *Record {
	return &Record{Type: TypeDelete, Tx: tx, Block: b, Offset: offset, Before: before, After: after}
}

// Ready builds the record a participant writes after voting YES in 2PC.
func Ready(tx uint64, host string) *Record { return &Record{Type: TypeReady, Tx: tx, Host: host} }

// NotReady builds the record a participant writes after voting NO in 2PC.
func NotReady(tx uint64) *Record { return &Record{Type: TypeNotReady, Tx: tx} }

// Prepare builds the coordinator's durable record of the participant set,
// written before phase 1 begins.
func Prepare(tx uint64, participants []string) *Record {
	return &Record{Type: TypePrepare, Tx: tx, Participants: participants}
}

// XACommit builds the coordinator's durable COMMIT decision.
func XACommit(tx uint64, participants []string) *Record {
	return &Record{Type: TypeXACommit, Tx: tx, Participants: participants}
}

// XAAbort builds the coordinator's durable ABORT decision.
func XAAbort(tx uint64, participants []string) *Record {
	return &Record{Type: TypeXAAbort, Tx: tx, Participants: participants}
}
