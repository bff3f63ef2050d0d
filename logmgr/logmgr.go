// Package logmgr implements C3, the log manager: a per-file in-memory
// tail of unflushed records, batched flush-to-LSN, and forward/backward
// iteration over each log file (spec.md §4.3).
package logmgr

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NghiaTiGer102/HRDBMStest/logstore"
	"github.com/NghiaTiGer102/HRDBMStest/lsn"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// RecoveryHook is invoked once a file is opened, so the supplemented
// "ADD LOG" dynamic-attach operation (SPEC_FULL.md §Supplemented
// features item 1) can trigger recovery.Run on just that file without
// logmgr importing the recovery package (which itself imports logmgr).
type RecoveryHook func(file string) error

// fileTail is the FIFO queue of written-but-not-yet-flushed records for
// one log file, protected by its own mutex per spec.md §5's "dedicated
// mutex per file" rule.
type fileTail struct {
	mu    sync.Mutex
	queue *list.List // of *walrecord.Record
	store *logstore.Store
}

// Manager owns the open-files registry (spec.md §5: behind a single
// mutex, insert-if-absent) plus the LSN allocator and background
// flusher. Modeled on the teacher's registry-of-open-backends pattern
// (_examples/SharedCode-sop/cassandra/connection.go's singleton-open
// idiom), adapted to a per-file tail instead of a single connection.
type Manager struct {
	dir          string
	targetSize   int64
	idleSleep    time.Duration
	allocator    *lsn.Allocator
	log          *slog.Logger
	onAttach     RecoveryHook
	onArchive    ArchiveHook

	regMu sync.Mutex // open-files registry lock (outermost in the fixed lock order)
	files map[string]*fileTail

	stop   chan struct{}
	done   chan struct{}
	errMu  sync.Mutex
	fatal  error
}

// Config carries the subset of internal/config.Configuration the log
// manager needs.
type Config struct {
	Dir               string
	TargetLogSize     int64
	LogCleanSleepSecs int
	Allocator         *lsn.Allocator
	Logger            *slog.Logger
}

// New constructs a Manager and starts its background tail-draining
// worker (spec.md §4.3 "A background worker drains the tail").
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = lsn.New()
	}
	sleep := time.Duration(cfg.LogCleanSleepSecs) * time.Second
	if sleep <= 0 {
		sleep = time.Second
	}
	m := &Manager{
		dir:        cfg.Dir,
		targetSize: cfg.TargetLogSize,
		idleSleep:  sleep,
		allocator:  alloc,
		log:        logger,
		files:      make(map[string]*fileTail),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.drainLoop()
	return m
}

// ArchiveHook is invoked (off the flush path, best-effort) when a log
// file's logical size exceeds its configured target, per spec.md §4.2
// "Triggers archival (C3) when file size exceeds target_log_size".
type ArchiveHook func(path string) error

// SetArchiveHook wires the callback invoked when a log file needs
// archival; cmd/worker wires it to logstore's archival path
// (reedsolomon + optional S3 upload).
func (m *Manager) SetArchiveHook(hook ArchiveHook) { m.onArchive = hook }

// SetRecoveryHook wires the callback AttachFile invokes after opening a
// new file. Set once, before any AttachFile call; cmd/worker wires it
// to recovery.Run.
func (m *Manager) SetRecoveryHook(hook RecoveryHook) { m.onAttach = hook }

// OpenFile registers path in the open-files registry if absent (a
// second call for the same path is a no-op returning nil), matching
// spec.md §5's "insert-if-absent semantics" for the registry.
func (m *Manager) OpenFile(path string) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, ok := m.files[path]; ok {
		return nil
	}
	store, err := logstore.Open(path, m.targetSize)
	if err != nil {
		return fmt.Errorf("logmgr: open %s: %w", path, err)
	}
	m.files[path] = &fileTail{queue: list.New(), store: store}
	return nil
}

// AttachFile implements the supplemented "ADD LOG <path>" operation: it
// opens path (if not already open) and runs the recovery hook against
// just that file (SPEC_FULL.md Supplemented features item 1).
func (m *Manager) AttachFile(path string) error {
	if err := m.OpenFile(path); err != nil {
		return err
	}
	if m.onAttach != nil {
		return m.onAttach(path)
	}
	return nil
}

func (m *Manager) tail(file string) (*fileTail, error) {
	m.regMu.Lock()
	t, ok := m.files[file]
	m.regMu.Unlock()
	if !ok {
		if err := m.OpenFile(file); err != nil {
			return nil, err
		}
		m.regMu.Lock()
		t = m.files[file]
		m.regMu.Unlock()
	}
	return t, nil
}

// Write assigns an LSN via the C1 allocator, timestamps rec, appends it
// to file's in-memory tail under the tail's lock, and returns the LSN.
// It is not durable until Flush (spec.md §4.3 "write").
func (m *Manager) Write(rec *walrecord.Record, file string) (walrecord.LSN, error) {
	t, err := m.tail(file)
	if err != nil {
		return 0, err
	}
	rec.LSN = m.allocator.Next()
	rec.Timestamp = time.Now().UnixNano()
	t.mu.Lock()
	t.queue.PushBack(rec)
	t.mu.Unlock()
	return rec.LSN, nil
}

// Flush iterates file's tail from the head, appending to the on-disk
// store every record with LSN ≤ upTo, removing each as it is appended,
// and stops at the first record with a higher LSN — preserving order
// (spec.md §4.3 "flush", resolved per §9 Open Questions: flushes ALL
// qualifying records, not just one).
func (m *Manager) Flush(upTo walrecord.LSN, file string) error {
	t, err := m.tail(file)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.flushLocked(t, upTo)
}

// flushLocked assumes t.mu is already held.
func (m *Manager) flushLocked(t *fileTail, upTo walrecord.LSN) error {
	for {
		front := t.queue.Front()
		if front == nil {
			return nil
		}
		rec := front.Value.(*walrecord.Record)
		if rec.LSN > upTo {
			return nil
		}
		frame, err := walrecord.Encode(rec)
		if err != nil {
			m.fail(err)
			return err
		}
		if _, err := t.store.Append(frame); err != nil {
			m.fail(err)
			return err
		}
		if err := t.store.Flush(); err != nil {
			m.fail(err)
			return err
		}
		t.queue.Remove(front)
		if t.store.NeedsArchival() && m.onArchive != nil {
			path := t.store.Path()
			go func() {
				if err := m.onArchive(path); err != nil {
					m.log.Error("logmgr: archival failed", "file", path, "error", err)
				}
			}()
		}
	}
}

// fail records a fatal durability error; the background worker observes
// it and stops (spec.md §4.3 "Failure semantics").
func (m *Manager) fail(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.fatal == nil {
		m.fatal = err
		m.log.Error("logmgr: fatal durability error, stopping background flusher", "error", err)
	}
}

// Err returns the fatal error that stopped the background worker, if
// any.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.fatal
}

// IsFlushed reports whether every record up to lsn has already left the
// tail for file — the WAL-rule check the buffer-pool collaborator must
// make before writing a dirty page (spec.md §5, Invariant 2).
func (m *Manager) IsFlushed(file string, target walrecord.LSN) bool {
	t, err := m.tail(file)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	front := t.queue.Front()
	if front == nil {
		return true
	}
	return front.Value.(*walrecord.Record).LSN > target
}

func writeAndFlush(m *Manager, rec *walrecord.Record, file string) error {
	lsn, err := m.Write(rec, file)
	if err != nil {
		return err
	}
	return m.Flush(lsn, file)
}

// Commit composes and synchronously flushes a Commit control record
// (spec.md §4.3 "commit(tx,file)").
func (m *Manager) Commit(tx uint64, file string) error {
	return writeAndFlush(m, walrecord.Commit(tx), file)
}

// Rollback composes and synchronously flushes a Rollback control
// record.
func (m *Manager) Rollback(tx uint64, file string) error {
	return writeAndFlush(m, walrecord.Rollback(tx), file)
}

// Ready composes and synchronously flushes a Ready vote record.
func (m *Manager) Ready(tx uint64, host, file string) error {
	return writeAndFlush(m, walrecord.Ready(tx, host), file)
}

// NotReady composes and synchronously flushes a NotReady vote record.
func (m *Manager) NotReady(tx uint64, file string) error {
	return writeAndFlush(m, walrecord.NotReady(tx), file)
}

// WriteAndFlush is the general form used by recovery and xa for control
// records whose shape isn't one of the four convenience wrappers above
// (Prepare/XACommit/XAAbort/NQCheck).
func (m *Manager) WriteAndFlush(rec *walrecord.Record, file string) (walrecord.LSN, error) {
	l, err := m.Write(rec, file)
	if err != nil {
		return 0, err
	}
	if err := m.Flush(l, file); err != nil {
		return 0, err
	}
	return l, nil
}

// drainLoop is the background worker: poll each open file's queue and
// flush its head record if any; sleep idleSleep if everything is empty
// (spec.md §4.3 "A background worker drains the tail").
func (m *Manager) drainLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		if m.Err() != nil {
			return
		}
		if !m.drainOnce() {
			select {
			case <-time.After(m.idleSleep):
			case <-m.stop:
				return
			}
		}
	}
}

// drainOnce flushes one head record from each file with a non-empty
// tail and reports whether any work was done.
func (m *Manager) drainOnce() bool {
	m.regMu.Lock()
	tails := make([]*fileTail, 0, len(m.files))
	for _, t := range m.files {
		tails = append(tails, t)
	}
	m.regMu.Unlock()

	did := false
	for _, t := range tails {
		t.mu.Lock()
		front := t.queue.Front()
		if front == nil {
			t.mu.Unlock()
			continue
		}
		rec := front.Value.(*walrecord.Record)
		if err := m.flushLocked(t, rec.LSN); err != nil {
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()
		did = true
	}
	return did
}

// Close stops the background worker and drains every file's tail fully
// (flush to LSN=max) before returning, so a clean shutdown never loses
// a written-but-unflushed record (SPEC_FULL.md Supplemented features
// item 4).
func (m *Manager) Close(ctx context.Context) error {
	close(m.stop)
	<-m.done

	m.regMu.Lock()
	tails := make(map[string]*fileTail, len(m.files))
	for k, v := range m.files {
		tails[k] = v
	}
	m.regMu.Unlock()

	var firstErr error
	for path, t := range tails {
		t.mu.Lock()
		err := m.flushLocked(t, ^walrecord.LSN(0))
		t.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("logmgr: draining %s: %w", path, err)
		}
		if err := t.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
