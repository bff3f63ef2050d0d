package walrecord

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serializes rec into its framed on-disk representation:
// u32 size | lsn u64 | timestamp u64 | type u8 | fields... | u32 size.
// The two length prefixes (leading and trailing) let the log manager
// iterate a file forward or backward (spec.md §3 "On-disk framing", P5).
// LSN/timestamp travel on the wire (unlike the in-memory-only framing
// spec.md sketches) so that recovery and LSN-allocator restart (P1) can
// recover them by reading the log alone.
func Encode(rec *Record) ([]byte, error) {
	var body bytes.Buffer
	writeUint64(&body, uint64(rec.LSN))
	writeUint64(&body, uint64(rec.Timestamp))
	body.WriteByte(byte(rec.Type))
	writeUint64(&body, rec.Tx)

	switch rec.Type {
	case TypeStart, TypeCommit, TypeRollback, TypeNotReady:
		// tx only, already written above.
	case TypeNQCheck:
		writeUint32(&body, uint32(len(rec.ActiveSet)))
		for _, tx := range rec.ActiveSet {
			writeUint64(&body, tx)
		}
	case TypeInsert, TypeDelete:
		writeBlock(&body, rec.Block)
		writeUint32(&body, rec.Offset)
		writeBytes(&body, rec.Before)
		writeBytes(&body, rec.After)
	case TypeReady:
		writeString(&body, rec.Host)
	case TypePrepare, TypeXACommit, TypeXAAbort:
		writeStringSlice(&body, rec.Participants)
	default:
		return nil, fmt.Errorf("walrecord: unknown record type %d", rec.Type)
	}

	payload := body.Bytes()
	out := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:4+len(payload)], payload)
	binary.BigEndian.PutUint32(out[4+len(payload):], uint32(len(payload)))
	return out, nil
}

// Decode parses a framed payload (without the surrounding length
// prefix/suffix, which the caller's iterator already stripped) back into
// a Record, including its original LSN and Timestamp.
func Decode(payload []byte) (*Record, error) {
	r := bytes.NewReader(payload)
	rawLSN, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("walrecord: short record: %w", err)
	}
	rawTS, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("walrecord: short record: %w", err)
	}
	typByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("walrecord: short record: %w", err)
	}
	rec := &Record{LSN: LSN(rawLSN), Timestamp: int64(rawTS), Type: Type(typByte)}
	rec.Tx, err = readUint64(r)
	if err != nil {
		return nil, err
	}

	switch rec.Type {
	case TypeStart, TypeCommit, TypeRollback, TypeNotReady:
	case TypeNQCheck:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		rec.ActiveSet = make([]uint64, n)
		for i := range rec.ActiveSet {
			v, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			rec.ActiveSet[i] = v
		}
	case TypeInsert, TypeDelete:
		rec.Block, err = readBlock(r)
		if err != nil {
			return nil, err
		}
		rec.Offset, err = readUint32(r)
		if err != nil {
			return nil, err
		}
		rec.Before, err = readBytes(r)
		if err != nil {
			return nil, err
		}
		rec.After, err = readBytes(r)
		if err != nil {
			return nil, err
		}
	case TypeReady:
		rec.Host, err = readString(r)
		if err != nil {
			return nil, err
		}
	case TypePrepare, TypeXACommit, TypeXAAbort:
		rec.Participants, err = readStringSlice(r)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("walrecord: unknown record type %d", rec.Type)
	}
	return rec, nil
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeBytes(w *bytes.Buffer, v []byte) {
	writeUint32(w, uint32(len(v)))
	w.Write(v)
}

func writeString(w *bytes.Buffer, v string) {
	writeBytes(w, []byte(v))
}

func writeStringSlice(w *bytes.Buffer, v []string) {
	writeUint32(w, uint32(len(v)))
	for _, s := range v {
		writeString(w, s)
	}
}

func writeBlock(w *bytes.Buffer, b Block) {
	writeString(w, b.Path)
	writeUint64(w, b.Number)
}

func readBlock(r *bytes.Reader) (Block, error) {
	path, err := readString(r)
	if err != nil {
		return Block{}, err
	}
	num, err := readUint64(r)
	if err != nil {
		return Block{}, err
	}
	return Block{Path: path, Number: num}, nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readStringSlice(r *bytes.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = readString(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
