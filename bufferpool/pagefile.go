package bufferpool

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// pageFile is one fixed-size-page file opened for direct I/O, ported
// from the teacher's fs direct-I/O wrapper (_examples/SharedCode-sop/fs)
// — the same O_DIRECT open/ReadAt/WriteAt shape `logstore` uses for the
// log, here addressed by block number instead of append offset.
type pageFile struct {
	mu       sync.Mutex
	file     *os.File
	pageSize int
}

// openPageFile opens path, a complete on-disk location the caller has
// already resolved against its device root (bufferpool never joins a
// root onto a bare filename — see Pool.RegisterDevice).
func openPageFile(path string, pageSize int) (*pageFile, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: open page file %s: %w", path, err)
	}
	aligned := alignUp(pageSize, directio.BlockSize)
	return &pageFile{file: f, pageSize: aligned}, nil
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}

func (pf *pageFile) readBlock(blockNum uint64) ([]byte, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	buf := directio.AlignedBlock(pf.pageSize)
	off := int64(blockNum) * int64(pf.pageSize)
	n, err := pf.file.ReadAt(buf, off)
	if err != nil && n == 0 {
		// A block never written yet: treat as all-zero, matching a
		// freshly-allocated page.
		return make([]byte, pf.pageSize), nil
	}
	if err != nil && n < pf.pageSize {
		return nil, fmt.Errorf("bufferpool: short read of block %d: %w", blockNum, err)
	}
	return buf, nil
}

func (pf *pageFile) writeBlock(blockNum uint64, data []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	buf := directio.AlignedBlock(pf.pageSize)
	copy(buf, data)
	off := int64(blockNum) * int64(pf.pageSize)
	if _, err := pf.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("bufferpool: write block %d: %w", blockNum, err)
	}
	return pf.file.Sync()
}

func (pf *pageFile) close() error {
	return pf.file.Close()
}
