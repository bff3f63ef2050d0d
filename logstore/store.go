// Package logstore implements C2, the log file store: an append-only
// framed record file whose bounded length triggers archival (spec.md
// §3 "On-disk framing", §4.2).
package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Store is one append-only log segment on disk. Every written record is
// framed as u32 size | payload | u32 size so iteration works forward or
// backward (P5). The file descriptor used for writes is guarded by its
// own mutex (spec.md §5 "Shared-resource policy"), distinct from the log
// manager's per-file tail lock.
type Store struct {
	path        string
	targetSize  int64
	mu          sync.Mutex
	w           *alignedWriter
	logicalSize int64
}

// Open opens (creating if absent) the log segment at path for durable
// append, and returns a Store whose NeedsArchival trips once the file
// grows past targetSize bytes (spec.md §4.2).
func Open(path string, targetSize int64) (*Store, error) {
	w, err := openAlignedWriter(path)
	if err != nil {
		return nil, err
	}
	logicalSize, err := scanToLogicalEnd(path)
	if err != nil {
		w.close()
		return nil, err
	}
	// Resume at the logical end: rewind the writer to the block holding it
	// and reload that block's live bytes, so new frames overwrite the zero
	// padding instead of landing after it.
	aligned := logicalSize - logicalSize%blockSize
	w.written = aligned
	if tail := logicalSize - aligned; tail > 0 {
		w.buf = make([]byte, tail)
		f, err := os.Open(path)
		if err == nil {
			_, err = f.ReadAt(w.buf, aligned)
			f.Close()
		}
		if err != nil {
			w.file.Close()
			return nil, err
		}
	}
	return &Store{path: path, targetSize: targetSize, w: w, logicalSize: logicalSize}, nil
}

// Path returns the segment's filesystem path.
func (s *Store) Path() string { return s.path }

// Size returns the logical (unpadded) number of bytes appended so far.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logicalSize
}

// NeedsArchival reports whether the segment has grown past targetSize
// and should be rotated out by the log manager (spec.md §4.2, §6
// "target_log_size").
func (s *Store) NeedsArchival() bool {
	return s.Size() > s.targetSize
}

// Append durably queues frame for write and returns the offset at which
// it logically begins. The write is not guaranteed on disk until Flush.
func (s *Store) Append(frame []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.logicalSize
	if err := s.w.append(frame); err != nil {
		return 0, fmt.Errorf("logstore: append to %s: %w", s.path, err)
	}
	s.logicalSize += int64(len(frame))
	return offset, nil
}

// Flush forces all buffered writes to disk. A failure here is a fatal
// durability error per spec.md §4.3 "Failure semantics" — callers must
// not swallow it.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.flush()
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.close()
}

// Cursor iterates framed records in a Store, in either direction. It
// observes a snapshot of the file as of its creation time: later Appends
// are invisible to an already-open Cursor (spec.md §4.3 "Iterators must
// be closed ... observe a snapshot from their creation time").
type Cursor struct {
	file      *os.File
	pos       int64 // forward: next read position; backward: next read position (exclusive upper bound)
	limit     int64 // snapshot end-of-file (forward bound)
	floor     int64 // snapshot start (0, backward bound)
	backward  bool
}

// ScanForward opens a forward cursor over the segment's records, oldest
// first, bounded to the current logical size.
func (s *Store) ScanForward() (*Cursor, error) {
	limit := s.Size()
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s for scan: %w", s.path, err)
	}
	return &Cursor{file: f, pos: 0, limit: limit}, nil
}

// ScanBackward opens a reverse cursor over the segment's records, newest
// first, bounded to the current logical size.
func (s *Store) ScanBackward() (*Cursor, error) {
	limit := s.Size()
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s for scan: %w", s.path, err)
	}
	return &Cursor{file: f, pos: limit, limit: limit, floor: 0, backward: true}, nil
}

// Next returns the next framed payload (without its length prefix/
// suffix) and the offset at which it begins, or ok=false at the end of
// the snapshot.
func (c *Cursor) Next() (payload []byte, offset int64, ok bool, err error) {
	if c.backward {
		return c.nextBackward()
	}
	return c.nextForward()
}

func (c *Cursor) nextForward() ([]byte, int64, bool, error) {
	if c.pos >= c.limit {
		return nil, 0, false, nil
	}
	var hdr [4]byte
	if _, err := io.ReadFull(io.NewSectionReader(c.file, c.pos, 4), hdr[:]); err != nil {
		return nil, 0, false, fmt.Errorf("logstore: read length prefix at %d: %w", c.pos, err)
	}
	size := int64(binary.BigEndian.Uint32(hdr[:]))
	payload := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(c.file, c.pos+4, size), payload); err != nil {
		return nil, 0, false, fmt.Errorf("logstore: read payload at %d: %w", c.pos, err)
	}
	var trailer [4]byte
	if _, err := io.ReadFull(io.NewSectionReader(c.file, c.pos+4+size, 4), trailer[:]); err != nil {
		return nil, 0, false, fmt.Errorf("logstore: read length suffix at %d: %w", c.pos, err)
	}
	if binary.BigEndian.Uint32(trailer[:]) != uint32(size) {
		return nil, 0, false, fmt.Errorf("logstore: framing mismatch at %d", c.pos)
	}
	offset := c.pos
	c.pos += 4 + size + 4
	return payload, offset, true, nil
}

func (c *Cursor) nextBackward() ([]byte, int64, bool, error) {
	if c.pos <= c.floor {
		return nil, 0, false, nil
	}
	var trailer [4]byte
	if _, err := io.ReadFull(io.NewSectionReader(c.file, c.pos-4, 4), trailer[:]); err != nil {
		return nil, 0, false, fmt.Errorf("logstore: read length suffix at %d: %w", c.pos-4, err)
	}
	size := int64(binary.BigEndian.Uint32(trailer[:]))
	start := c.pos - 4 - size - 4
	if start < c.floor {
		return nil, 0, false, fmt.Errorf("logstore: framing underrun before %d", c.pos)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(io.NewSectionReader(c.file, start, 4), hdr[:]); err != nil {
		return nil, 0, false, err
	}
	if binary.BigEndian.Uint32(hdr[:]) != uint32(size) {
		return nil, 0, false, fmt.Errorf("logstore: framing mismatch at %d", start)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(c.file, start+4, size), payload); err != nil {
		return nil, 0, false, err
	}
	c.pos = start
	return payload, start, true, nil
}

// Close releases the cursor's file handle. Callers must always close a
// Cursor before returning, even on an early/error return (spec.md §9
// Open Questions: "iterators are always closed before early return").
func (c *Cursor) Close() error {
	return c.file.Close()
}

// scanToLogicalEnd recovers the unpadded logical size of an existing
// segment by walking its frames forward, since the physical file size
// may include zero-padding from the last direct-I/O block (directio.go).
// An empty or missing file has logical size 0.
func scanToLogicalEnd(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	var pos int64
	for pos < fi.Size() {
		var hdr [4]byte
		if _, err := io.ReadFull(io.NewSectionReader(f, pos, 4), hdr[:]); err != nil {
			break // trailing zero padding or a torn final write
		}
		size := int64(binary.BigEndian.Uint32(hdr[:]))
		if size == 0 || pos+4+size+4 > fi.Size() {
			break
		}
		var trailer [4]byte
		if _, err := io.ReadFull(io.NewSectionReader(f, pos+4+size, 4), trailer[:]); err != nil {
			break
		}
		if binary.BigEndian.Uint32(trailer[:]) != uint32(size) {
			break
		}
		pos += 4 + size + 4
	}
	return pos, nil
}
