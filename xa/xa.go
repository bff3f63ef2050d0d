// Package xa implements C5, the 2PC coordinator: prepare, phase-2
// commit/abort, outcome persistence, and in-doubt resolution over the
// XA log (spec.md §4.5).
package xa

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/NghiaTiGer102/HRDBMStest/dispatch"
	"github.com/NghiaTiGer102/HRDBMStest/logmgr"
	"github.com/NghiaTiGer102/HRDBMStest/rpcwire"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
)

// NewTxID allocates a fresh transaction identifier for a client
// beginning a 2PC round. Tx IDs ride as plain uint64 everywhere on the
// wire and in the XA log, so a generated UUID is folded down the same
// way the teacher's own sop.UUID.Split does it: the low 64 bits of a
// random UUID, not a counter, since the coordinator hands these out
// without any shared sequence across nodes.
func NewTxID() uint64 {
	id := uuid.New()
	var low uint64
	for i := 8; i < 16; i++ {
		low = low<<8 | uint64(id[i])
	}
	return low
}

// State is the coordinator's per-tx state machine (spec.md §4.5):
//
//	INIT -- try_commit --> PREPARING -- all YES --> COMMITTED -- phase2 --> DONE
//	                            |
//	                            +-- any NO/timeout --> ABORTED -- phase2 --> DONE
type State int

const (
	StateInit State = iota
	StatePreparing
	StateCommitted
	StateAborted
	StateDone
)

// Coordinator owns the XA log (xa.log) and the 2PC protocol. It is also
// the Broadcaster and Coordinator recovery expects (recovery.Broadcaster,
// recovery.Coordinator), so it is typically constructed once and passed
// into both recovery.Run and the RPC server's handler table.
type Coordinator struct {
	mgr          *logmgr.Manager
	xaLogFile    string
	dispatcher   *dispatch.Dispatcher
	maxNeighbors int
	selfHost     string
	client       *rpcwire.Client
	log          *slog.Logger

	mu     sync.Mutex
	states map[uint64]State
}

// New constructs a Coordinator. selfHost is this node's own
// host:port — used to short-circuit AskXA when the coordinator being
// asked is this very process.
func New(mgr *logmgr.Manager, xaLogFile string, d *dispatch.Dispatcher, client *rpcwire.Client, maxNeighbors int, selfHost string, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		mgr:          mgr,
		xaLogFile:    xaLogFile,
		dispatcher:   d,
		maxNeighbors: maxNeighbors,
		selfHost:     selfHost,
		client:       client,
		log:          log,
		states:       make(map[uint64]State),
	}
}

func (c *Coordinator) setState(tx uint64, s State) {
	c.mu.Lock()
	c.states[tx] = s
	c.mu.Unlock()
}

// State returns tx's current coordinator-side state (StateInit if
// unknown).
func (c *Coordinator) State(tx uint64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[tx]
}

// TryCommit drives the full 2PC protocol for tx against hostSet
// (spec.md §4.5 `try_commit`): durably records Prepare, phase-1
// prepares every participant, then durably decides and phase-2
// broadcasts COMMIT or ABORT.
func (c *Coordinator) TryCommit(ctx context.Context, tx uint64, hostSet []string) error {
	if _, err := c.mgr.WriteAndFlush(walrecord.Prepare(tx, hostSet), c.xaLogFile); err != nil {
		return fmt.Errorf("xa: durably recording Prepare(%d): %w", tx, err)
	}
	c.setState(tx, StatePreparing)

	forest := dispatch.MakeTree(hostSet, c.maxNeighbors)
	prepErr := c.dispatcher.Broadcast(ctx, rpcwire.CmdPrepare, tx, forest, dispatch.ModeStrict, nil)
	if prepErr == nil {
		if _, err := c.mgr.WriteAndFlush(walrecord.XACommit(tx, hostSet), c.xaLogFile); err != nil {
			return fmt.Errorf("xa: durably recording XACommit(%d): %w", tx, err)
		}
		c.setState(tx, StateCommitted)
		if err := c.dispatcher.Broadcast(ctx, rpcwire.CmdLCommit, tx, forest, dispatch.ModeBestEffort, nil); err != nil {
			c.log.Warn("xa: phase2 commit broadcast had branch failures, deferred queue will retry", "tx", tx, "error", err)
		}
		c.setState(tx, StateDone)
		return nil
	}

	if _, err := c.mgr.WriteAndFlush(walrecord.XAAbort(tx, hostSet), c.xaLogFile); err != nil {
		return fmt.Errorf("xa: durably recording XAAbort(%d): %w", tx, err)
	}
	c.setState(tx, StateAborted)
	if err := c.dispatcher.Broadcast(ctx, rpcwire.CmdLRollbck, tx, forest, dispatch.ModeBestEffort, nil); err != nil {
		c.log.Warn("xa: phase2 abort broadcast had branch failures, deferred queue will retry", "tx", tx, "error", err)
	}
	c.setState(tx, StateDone)
	return fmt.Errorf("xa: tx %d aborted: %w", tx, prepErr)
}

// Phase2Commit is a pure broadcast, used by recovery resuming a
// decision already found in the log (spec.md §4.5 `phase2`).
func (c *Coordinator) Phase2Commit(tx uint64, participants []string) error {
	forest := dispatch.MakeTree(participants, c.maxNeighbors)
	return c.dispatcher.Broadcast(context.Background(), rpcwire.CmdLCommit, tx, forest, dispatch.ModeBestEffort, nil)
}

// Phase2Abort is a pure broadcast (spec.md §4.5 `rollback`).
func (c *Coordinator) Phase2Abort(tx uint64, participants []string) error {
	forest := dispatch.MakeTree(participants, c.maxNeighbors)
	return c.dispatcher.Broadcast(context.Background(), rpcwire.CmdLRollbck, tx, forest, dispatch.ModeBestEffort, nil)
}

// AskXA implements recovery's Coordinator contract: resolve tx's
// outcome as known by host. When host is this process, the XA log is
// consulted directly; otherwise a CHECKTX RPC is issued (spec.md §4.4,
// §4.5 `ask_xa`).
func (c *Coordinator) AskXA(tx uint64, host string) (bool, error) {
	if host == c.selfHost || host == "" {
		return c.askXALocal(tx)
	}
	ok, err := c.client.Call(host, &rpcwire.Request{Command: rpcwire.CmdCheckTx, TxID: tx})
	if err != nil {
		return false, fmt.Errorf("xa: CHECKTX %s for tx %d: %w", host, tx, err)
	}
	return ok, nil
}

// askXALocal scans this coordinator's own XA log backward for tx's
// outcome: true iff XACommit is present; false iff XAAbort or a
// Prepare-without-decision is present; false (safe default, will roll
// back) if nothing is found (spec.md §4.5 `ask_xa`).
func (c *Coordinator) askXALocal(tx uint64) (bool, error) {
	it, err := c.mgr.Iterator(c.xaLogFile)
	if err != nil {
		return false, err
	}
	defer it.Close()

	for {
		rec, ok, err := it.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if rec.Tx != tx {
			continue
		}
		switch rec.Type {
		case walrecord.TypeXACommit:
			return true, nil
		case walrecord.TypeXAAbort:
			return false, nil
		case walrecord.TypePrepare:
			return false, nil
		}
	}
}

// InDoubt scans the XA log for transactions with a durable Prepare
// record but no matching XACommit/XAAbort decision yet — the admin
// surface's view of what spec.md §7 item 5's "operator intervention"
// escape hatch would need to act on.
func (c *Coordinator) InDoubt() ([]uint64, error) {
	it, err := c.mgr.Iterator(c.xaLogFile)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	prepared := make(map[uint64]bool)
	decided := make(map[uint64]bool)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch rec.Type {
		case walrecord.TypePrepare:
			prepared[rec.Tx] = true
		case walrecord.TypeXACommit, walrecord.TypeXAAbort:
			decided[rec.Tx] = true
		}
	}
	var out []uint64
	for tx := range prepared {
		if !decided[tx] {
			out = append(out, tx)
		}
	}
	return out, nil
}

// HandleCheckTx is the rpcwire.Handler for the CHECKTX command
// (spec.md §6): it answers with OK if tx committed, NO otherwise.
func (c *Coordinator) HandleCheckTx(req *rpcwire.Request, conn net.Conn) error {
	commit, err := c.askXALocal(req.TxID)
	if err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	if commit {
		return rpcwire.WriteOK(conn)
	}
	return rpcwire.WriteNO(conn)
}
