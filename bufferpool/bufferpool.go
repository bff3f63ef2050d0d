// Package bufferpool is a real-but-minimal implementation of the buffer
// pool collaborator spec.md §6 names only as a contract: an MRU page
// cache over direct-I/O-backed page files, gating every write on the
// WAL rule (Invariant 2, P2) — SPEC_FULL.md §4.11.
package bufferpool

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// PageKey identifies one fixed-size page's backing file and offset: a
// device root, the table's block file within it, and a block number.
type PageKey struct {
	Device     uint32
	BlockFile  string
	BlockNum   uint64
}

// Page is an in-memory buffer-pool page, tagged with the LSN of the log
// record that most recently dirtied it.
type Page struct {
	Key     PageKey
	Data    []byte
	PageLSN walrecord.LSN
	dirty   bool
}

// FlushChecker is the subset of logmgr.Manager the buffer pool needs to
// enforce the WAL rule: a page may not be written until its LSN has
// left the log's in-memory tail.
type FlushChecker interface {
	IsFlushed(file string, lsn walrecord.LSN) bool
}

// Pool is the MRU page cache plus direct-I/O-backed page storage.
// Ported from the teacher's l1_cache (_examples/SharedCode-sop/l1_cache),
// whose doubly-linked-list MRU + capacity-bounded prune this follows,
// generalized from cache keys being sop.UUID object handles to
// PageKey-addressed fixed-size pages.
type Pool struct {
	mu       sync.Mutex
	elems    map[PageKey]*list.Element // list.Element.Value = *Page
	order    *list.List                // front = most recently used
	minCap   int
	maxCap   int
	stores   map[pageFileKey]*pageFile
	logFile  string // which log (active.log) a page's PageLSN must be flushed against
	flushed  FlushChecker
}

type pageFileKey struct {
	device    uint32
	blockFile string
}

// Config configures a Pool.
type Config struct {
	MinCapacity int
	MaxCapacity int
	LogFile     string // e.g. "active.log"
	Flushed     FlushChecker
}

// New constructs an empty Pool.
func New(cfg Config) *Pool {
	return &Pool{
		elems:   make(map[PageKey]*list.Element),
		order:   list.New(),
		minCap:  cfg.MinCapacity,
		maxCap:  cfg.MaxCapacity,
		stores:  make(map[pageFileKey]*pageFile),
		logFile: cfg.LogFile,
		flushed: cfg.Flushed,
	}
}

// RegisterDevice ensures device's on-disk root directory exists. Callers
// (the node DML executor, C8) build PageKey.BlockFile as a full path
// under that root themselves — the buffer pool never joins a device
// root onto a bare filename, so the same path a page is written to is
// always the one recovery's Applier patches directly by Block.Path.
func (p *Pool) RegisterDevice(device uint32, root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("bufferpool: device %d root %s: %w", device, root, err)
	}
	return nil
}

// Read returns block's current page, consulting the MRU cache first and
// falling back to the on-disk page file (spec.md §6 "Buffer pool:
// read(block, schema)").
func (p *Pool) Read(key PageKey, pageSize int) (*Page, error) {
	p.mu.Lock()
	if el, ok := p.elems[key]; ok {
		p.order.MoveToFront(el)
		page := el.Value.(*Page)
		p.mu.Unlock()
		return page, nil
	}
	p.mu.Unlock()

	store, err := p.storeFor(key, pageSize)
	if err != nil {
		return nil, err
	}
	data, err := store.readBlock(key.BlockNum)
	if err != nil {
		return nil, err
	}
	page := &Page{Key: key, Data: data}
	p.insert(page)
	return page, nil
}

// Write applies page's in-memory update to the cache, gated on the WAL
// rule: it refuses to write through to disk until page.PageLSN has left
// the log's in-memory tail (spec.md §5 "WAL: before writing P to disk
// the buffer pool must have called flush(P.pageLSN) on the log").
// Write buffers in the cache regardless; WriteThrough is what actually
// persists and is where the gate is enforced.
func (p *Pool) Write(page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page.dirty = true
	if el, ok := p.elems[page.Key]; ok {
		el.Value = page
		p.order.MoveToFront(el)
		return
	}
	p.insertLocked(page)
}

// WriteThrough flushes page's current cached content to its backing
// file, refusing if its PageLSN is not yet durable in the log.
func (p *Pool) WriteThrough(key PageKey, pageSize int) error {
	p.mu.Lock()
	el, ok := p.elems[key]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	page := el.Value.(*Page)
	if p.flushed != nil && !p.flushed.IsFlushed(p.logFile, page.PageLSN) {
		return fmt.Errorf("bufferpool: page %+v has unflushed LSN %d, refusing write-through (WAL rule)", key, page.PageLSN)
	}
	store, err := p.storeFor(key, pageSize)
	if err != nil {
		return err
	}
	if err := store.writeBlock(key.BlockNum, page.Data); err != nil {
		return err
	}
	p.mu.Lock()
	page.dirty = false
	p.mu.Unlock()
	return nil
}

// RequestPage/RequestPages are prefetch hints (spec.md §4.7/§4.8): best
// effort, never an error a caller must handle.
func (p *Pool) RequestPage(key PageKey, pageSize int) {
	_, _ = p.Read(key, pageSize)
}

func (p *Pool) RequestPages(keys []PageKey, pageSize int) {
	for _, k := range keys {
		p.RequestPage(k, pageSize)
	}
}

func (p *Pool) insert(page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insertLocked(page)
}

func (p *Pool) insertLocked(page *Page) {
	el := p.order.PushFront(page)
	p.elems[page.Key] = el
	p.prune()
}

// prune evicts from the tail while over maxCap, matching the teacher's
// l1_cache.mru.prune loop.
func (p *Pool) prune() {
	for p.maxCap > 0 && p.order.Len() > p.maxCap {
		back := p.order.Back()
		if back == nil {
			return
		}
		page := back.Value.(*Page)
		if page.dirty {
			// Never evict a dirty page silently; caller must WriteThrough
			// first. Move it to front instead of dropping data.
			p.order.MoveToFront(back)
			return
		}
		p.order.Remove(back)
		delete(p.elems, page.Key)
	}
}

func (p *Pool) storeFor(key PageKey, pageSize int) (*pageFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fk := pageFileKey{device: key.Device, blockFile: key.BlockFile}
	if s, ok := p.stores[fk]; ok {
		return s, nil
	}
	s, err := openPageFile(key.BlockFile, pageSize)
	if err != nil {
		return nil, err
	}
	p.stores[fk] = s
	return s, nil
}

// Close closes every open page file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, s := range p.stores {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
