// Package recovery implements C4, the ARIES-Lite recovery engine: a
// backward analysis/undo pass followed by a forward redo pass over one
// log file, driving the 2PC coordinator for in-doubt transactions
// (spec.md §4.4).
package recovery

import (
	"fmt"
	"log/slog"

	"github.com/NghiaTiGer102/HRDBMStest/logmgr"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// Applier is the buffer-pool collaborator's undo/redo contract
// (spec.md §6 "Collaborator contracts").
type Applier interface {
	Undo(rec *walrecord.Record) error
	Redo(rec *walrecord.Record) error
}

// Coordinator resolves an in-doubt Ready record during participant
// recovery (spec.md §4.4 "ask the XA manager at host", §4.5 `ask_xa`).
type Coordinator interface {
	AskXA(tx uint64, host string) (commit bool, err error)
}

// Broadcaster drives phase-2 delivery during recovery, for both the
// XACommit/XAAbort-already-decided case and the Prepare-without-
// decision abort case (spec.md §4.4, §4.5 `phase2`/`rollback`).
type Broadcaster interface {
	Phase2Commit(tx uint64, participants []string) error
	Phase2Abort(tx uint64, participants []string) error
}

// Run executes recovery once over file: backward analysis/undo, forward
// redo, then completion (durable Commit for each resolved in-doubt tx,
// and a flushed NQCheck barrier). Called once per file at startup and
// once per file via logmgr.AttachFile (spec.md §4.4).
func Run(m *logmgr.Manager, file string, applier Applier, coord Coordinator, bcast Broadcaster, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	sets, err := analyzeAndUndo(m, file, applier, coord, bcast, log)
	if err != nil {
		return fmt.Errorf("recovery: analysis pass on %s: %w", file, err)
	}
	if err := redo(m, file, applier, sets, log); err != nil {
		return fmt.Errorf("recovery: redo pass on %s: %w", file, err)
	}
	return complete(m, file, sets, log)
}

type txSets struct {
	committed    map[uint64]bool
	rolledBack   map[uint64]bool
	needsCommit  map[uint64]bool
	xaCommitted  map[uint64]bool
	xaRolledBack map[uint64]bool
}

func newTxSets() *txSets {
	return &txSets{
		committed:    map[uint64]bool{},
		rolledBack:   map[uint64]bool{},
		needsCommit:  map[uint64]bool{},
		xaCommitted:  map[uint64]bool{},
		xaRolledBack: map[uint64]bool{},
	}
}

// analyzeAndUndo is the backward pass over m.Iterator(file) (spec.md
// §4.4 "Backward analysis/undo pass").
func analyzeAndUndo(m *logmgr.Manager, file string, applier Applier, coord Coordinator, bcast Broadcaster, log *slog.Logger) (*txSets, error) {
	it, err := m.Iterator(file)
	if err != nil {
		return nil, err
	}
	defer it.Close() // always closed before return, per spec.md §9 Open Questions

	sets := newTxSets()
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if err := analyzeOne(rec, sets, coord, bcast, applier, log); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

func analyzeOne(rec *walrecord.Record, sets *txSets, coord Coordinator, bcast Broadcaster, applier Applier, log *slog.Logger) error {
	switch rec.Type {
	case walrecord.TypeCommit:
		sets.committed[rec.Tx] = true
	case walrecord.TypeRollback, walrecord.TypeNotReady:
		sets.rolledBack[rec.Tx] = true
	case walrecord.TypeReady:
		if coord == nil {
			return fmt.Errorf("recovery: Ready(%d) encountered with no Coordinator wired", rec.Tx)
		}
		commit, err := coord.AskXA(rec.Tx, rec.Host)
		if err != nil {
			log.Warn("recovery: CHECKTX failed, rolling back pending until operator intervenes", "tx", rec.Tx, "host", rec.Host, "error", err)
			return err
		}
		if commit {
			sets.committed[rec.Tx] = true
			sets.needsCommit[rec.Tx] = true
		} else {
			sets.rolledBack[rec.Tx] = true
		}
	case walrecord.TypeXACommit:
		if bcast != nil {
			if err := bcast.Phase2Commit(rec.Tx, rec.Participants); err != nil {
				log.Warn("recovery: phase2 commit re-dispatch had failures, deferred queue will retry", "tx", rec.Tx, "error", err)
			}
		}
		sets.xaCommitted[rec.Tx] = true
	case walrecord.TypeXAAbort:
		if bcast != nil {
			if err := bcast.Phase2Abort(rec.Tx, rec.Participants); err != nil {
				log.Warn("recovery: phase2 abort re-dispatch had failures, deferred queue will retry", "tx", rec.Tx, "error", err)
			}
		}
		sets.xaRolledBack[rec.Tx] = true
	case walrecord.TypePrepare:
		if !sets.xaCommitted[rec.Tx] && !sets.xaRolledBack[rec.Tx] {
			// Invariant 5: Prepare without a matching decision means the
			// decision was lost. Decide ABORT.
			if bcast != nil {
				if err := bcast.Phase2Abort(rec.Tx, rec.Participants); err != nil {
					log.Warn("recovery: abort-on-undecided-prepare re-dispatch had failures", "tx", rec.Tx, "error", err)
				}
			}
			sets.xaRolledBack[rec.Tx] = true
		}
	case walrecord.TypeInsert, walrecord.TypeDelete:
		if !sets.committed[rec.Tx] && !sets.rolledBack[rec.Tx] {
			if applier == nil {
				return fmt.Errorf("recovery: data record for tx %d encountered with no Applier wired", rec.Tx)
			}
			if err := applier.Undo(rec); err != nil {
				return fmt.Errorf("recovery: undo tx %d: %w", rec.Tx, err)
			}
		}
	}
	return nil
}

// redo is the forward pass over m.ForwardIterator(file) (spec.md §4.4
// "Forward redo pass").
func redo(m *logmgr.Manager, file string, applier Applier, sets *txSets, log *slog.Logger) error {
	it, err := m.ForwardIterator(file)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		rec, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !rec.IsData() || !sets.committed[rec.Tx] {
			continue
		}
		if applier == nil {
			return fmt.Errorf("recovery: data record for tx %d encountered with no Applier wired", rec.Tx)
		}
		if err := applier.Redo(rec); err != nil {
			return fmt.Errorf("recovery: redo tx %d: %w", rec.Tx, err)
		}
	}
	return nil
}

// complete durably commits every resolved in-doubt transaction and
// writes the NQCheck barrier (spec.md §4.4 "Completion").
func complete(m *logmgr.Manager, file string, sets *txSets, log *slog.Logger) error {
	for tx := range sets.needsCommit {
		if err := m.Commit(tx, file); err != nil {
			return fmt.Errorf("recovery: durable commit for resolved tx %d: %w", tx, err)
		}
	}
	if _, err := m.WriteAndFlush(walrecord.NQCheck(nil), file); err != nil {
		return fmt.Errorf("recovery: writing NQCheck barrier: %w", err)
	}
	log.Info("recovery: completed", "file", file, "committed", len(sets.committed), "rolled_back", len(sets.rolledBack))
	return nil
}
