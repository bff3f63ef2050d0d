package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/NghiaTiGer102/HRDBMStest/cluster"
	"github.com/NghiaTiGer102/HRDBMStest/rpcwire"
)

// Mode distinguishes the two broadcast failure policies of spec.md §4.6:
// PREPARE treats an unreachable branch as a NO vote (tight coupling to
// 2PC correctness); commit/rollback/mass-delete broadcasts must
// eventually reach every host but never abort on a branch failure —
// the deferred queue (C9) guarantees eventual delivery instead.
type Mode int

const (
	// ModeStrict aborts the whole broadcast on any branch failure or NO.
	ModeStrict Mode = iota
	// ModeBestEffort never aborts; failures are blacklisted and deferred.
	ModeBestEffort
)

// Dispatcher executes n-ary spanning-tree broadcasts (spec.md §4.6).
type Dispatcher struct {
	client       *rpcwire.Client
	cluster      *cluster.Cluster
	maxNeighbors int
	log          *slog.Logger
}

// New constructs a Dispatcher. maxNeighbors is `max_neighbor_nodes`
// (spec.md §6), used when rebuilding a failed subtree.
func New(client *rpcwire.Client, cl *cluster.Cluster, maxNeighbors int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{client: client, cluster: cl, maxNeighbors: maxNeighbors, log: log}
}

// Broadcast peels the forest's top-level subtrees apart and dispatches
// to each concurrently (spec.md §4.6 "splits the rest by top-level
// subtree ... in parallel"); a subtree is fully visited before its
// root's goroutine returns, and sibling subtrees have no ordering
// relative to each other.
func (d *Dispatcher) Broadcast(ctx context.Context, command rpcwire.Command, tx uint64, forest []TreeNode, mode Mode, args [][]byte) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, subtree := range forest {
		subtree := subtree
		g.Go(func() error {
			return d.dispatchOne(gctx, command, tx, subtree, mode, args, false)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, command rpcwire.Command, tx uint64, subtree TreeNode, mode Mode, args [][]byte, retried bool) error {
	root := FirstLeaf(subtree)
	remainder := Remainder(subtree)

	ok, err := d.send(root, command, tx, remainder, args)
	if err != nil {
		d.log.Warn("dispatch: branch unreachable", "host", root, "command", command.String(), "tx", tx, "error", err)
		d.cluster.Blacklist(root)
		d.cluster.Enqueue(root, cluster.DeferredCommand{
			Command:      command,
			Tx:           tx,
			Participants: Leaves(subtree),
			Host:         root,
		})
		if mode == ModeStrict {
			return fmt.Errorf("dispatch: PREPARE branch %s unreachable, counted as NO vote: %w", root, err)
		}
		if retried {
			// Already rebuilt and redispatched once; the deferred queue
			// owns eventual delivery from here (spec.md §4.6).
			return nil
		}
		rebuilt, okRebuild := RebuildTree(subtree, root, d.maxNeighbors)
		if !okRebuild {
			return nil // host was the subtree's only member
		}
		return d.dispatchOne(ctx, command, tx, rebuilt, mode, args, true)
	}
	if !ok && mode == ModeStrict {
		return fmt.Errorf("dispatch: host %s voted NO for tx %d", root, tx)
	}
	return nil
}

// Redeliver re-broadcasts a DeferredCommand queued by a prior failed
// branch dispatch (spec.md §4.9 "A background reaper retries pending
// ops"), rebuilding a fresh tree over its recorded participant set and
// always in best-effort mode. dispatchOne enqueues on every branch
// failure, strict-mode PREPARE included, so a queued PREPARE is
// redelivered the same way; its vote is not reported to the
// coordinator, which already counted the failed branch as NO.
func (d *Dispatcher) Redeliver(ctx context.Context, cmd cluster.DeferredCommand) error {
	forest := MakeTree(cmd.Participants, d.maxNeighbors)
	return d.Broadcast(ctx, cmd.Command, cmd.Tx, forest, ModeBestEffort, nil)
}

func (d *Dispatcher) send(host string, command rpcwire.Command, tx uint64, remainder []TreeNode, args [][]byte) (bool, error) {
	req := &rpcwire.Request{
		Command: command,
		TxID:    tx,
		Args:    args,
		Graph:   EncodeForest(remainder),
	}
	return d.client.Call(host, req)
}
