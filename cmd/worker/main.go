// Command worker is a node process: it owns a shard of the cluster's
// data, runs recovery at startup, and serves the host-directed RPC
// commands a coordinator or a peer participant sends it (spec.md §4.1,
// §4.4, §4.10).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NghiaTiGer102/HRDBMStest/bufferpool"
	"github.com/NghiaTiGer102/HRDBMStest/cluster"
	"github.com/NghiaTiGer102/HRDBMStest/dispatch"
	"github.com/NghiaTiGer102/HRDBMStest/dml"
	"github.com/NghiaTiGer102/HRDBMStest/index"
	"github.com/NghiaTiGer102/HRDBMStest/internal/config"
	"github.com/NghiaTiGer102/HRDBMStest/internal/logging"
	"github.com/NghiaTiGer102/HRDBMStest/logmgr"
	"github.com/NghiaTiGer102/HRDBMStest/logstore"
	"github.com/NghiaTiGer102/HRDBMStest/lsn"
	"github.com/NghiaTiGer102/HRDBMStest/metadata"
	"github.com/NghiaTiGer102/HRDBMStest/recovery"
	"github.com/NghiaTiGer102/HRDBMStest/rpcwire"
	"github.com/NghiaTiGer102/HRDBMStest/txn"
	"github.com/NghiaTiGer102/HRDBMStest/walrecord"
	"github.com/NghiaTiGer102/HRDBMStest/xa"
)

func main() {
	configPath := flag.String("config", "node.json", "path to the node configuration file")
	flag.Parse()

	logging.Configure()
	log := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("worker: loading configuration", "error", err)
		os.Exit(1)
	}

	n, err := newNode(context.Background(), cfg, log)
	if err != nil {
		log.Error("worker: bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer n.close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.PortNumber))
	if err != nil {
		log.Error("worker: listen", "port", cfg.PortNumber, "error", err)
		os.Exit(1)
	}
	log.Info("worker: listening", "addr", ln.Addr().String())
	if err := n.server.Serve(ln); err != nil {
		log.Error("worker: serve", "error", err)
		os.Exit(1)
	}
}

// node bundles every wired collaborator for one worker process.
type node struct {
	cfg        config.Configuration
	log        *slog.Logger
	mgr        *logmgr.Manager
	pool       *bufferpool.Pool
	applier    *bufferpool.Applier
	coord      *xa.Coordinator
	dispatcher *dispatch.Dispatcher
	cl         *cluster.Cluster
	index      *index.Memory
	server     *rpcwire.Server

	activeLog string
	xaLog     string
	tableFile string

	mu  sync.Mutex
	txs map[uint64]*txState
}

type txState struct {
	tx   *txn.LocalTransaction
	exec *dml.Executor
}

func newNode(ctx context.Context, cfg config.Configuration, log *slog.Logger) (*node, error) {
	if err := metadata.OpenDeviceRoster(cfg.DataDirectories); err != nil {
		return nil, err
	}

	mgr := logmgr.New(logmgr.Config{
		Dir: cfg.LogDir, TargetLogSize: cfg.TargetLogSize,
		LogCleanSleepSecs: cfg.LogCleanSleepSecs, Allocator: lsn.New(), Logger: log,
	})

	applier := bufferpool.NewApplier(cfg.PageSize)
	activeLog := filepath.Join(cfg.LogDir, "active.log")
	xaLog := filepath.Join(cfg.LogDir, "xa.log")
	pool := bufferpool.New(bufferpool.Config{
		MinCapacity: 64, MaxCapacity: 4096, LogFile: activeLog, Flushed: mgr,
	})
	for i, dir := range cfg.DataDirectories {
		if err := pool.RegisterDevice(uint32(i), dir); err != nil {
			return nil, err
		}
	}

	if cfg.S3Bucket != "" || len(cfg.DataDirectories) > 0 {
		archiver, err := logstore.NewArchiver(ctx, logstore.ArchiverConfig{
			DataDirectories: cfg.DataDirectories, ParityShards: 1, S3Bucket: cfg.S3Bucket,
		})
		if err != nil {
			log.Warn("worker: cold archival disabled", "error", err)
		} else {
			mgr.SetArchiveHook(archiver.Archive)
		}
	}

	client := rpcwire.NewClient()
	var dispatcher *dispatch.Dispatcher
	cl := cluster.New(cluster.Config{
		Logger: log, ReapPeriod: 5 * time.Second,
		Redeliver: func(cmd cluster.DeferredCommand) error {
			return dispatcher.Redeliver(context.Background(), cmd)
		},
	})
	dispatcher = dispatch.New(client, cl, cfg.MaxNeighborNodes, log)
	coord := xa.New(mgr, xaLog, dispatcher, client, cfg.MaxNeighborNodes, cfg.SelfHost, log)

	mgr.SetRecoveryHook(func(file string) error {
		return recovery.Run(mgr, file, applier, coord, coord, log)
	})
	if err := mgr.OpenFile(activeLog); err != nil {
		return nil, err
	}
	if err := mgr.OpenFile(xaLog); err != nil {
		return nil, err
	}
	if err := recovery.Run(mgr, activeLog, applier, coord, coord, log); err != nil {
		return nil, fmt.Errorf("worker: recovering %s: %w", activeLog, err)
	}
	if err := recovery.Run(mgr, xaLog, applier, coord, coord, log); err != nil {
		return nil, fmt.Errorf("worker: recovering %s: %w", xaLog, err)
	}

	idx := index.NewMemory()
	if err := idx.Open(); err != nil {
		return nil, err
	}

	n := &node{
		cfg: cfg, log: log, mgr: mgr, pool: pool, applier: applier,
		coord: coord, dispatcher: dispatcher, cl: cl, index: idx,
		activeLog: activeLog, xaLog: xaLog,
		tableFile: filepath.Join("primary.tbl"),
		txs:       make(map[uint64]*txState),
	}
	n.server = rpcwire.NewServer(log)
	n.registerHandlers()
	return n, nil
}

func (n *node) close() {
	_ = n.pool.Close()
	_ = n.applier.Close()
	n.cl.Close()
	_ = n.mgr.Close(context.Background())
}

func (n *node) getOrCreateTx(txID uint64) *txState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.txs[txID]; ok {
		return st
	}
	t := txn.New(txID, txn.ReadCommitted, n.mgr, n.pool, n.applier, n.activeLog, n.cfg.PageSize, n.cfg.RowSize)
	exec := dml.New(dml.Config{
		Tx: t, TableFile: n.tableFile, DeviceCount: len(n.cfg.DataDirectories),
		DeviceRoots:   n.cfg.DataDirectories,
		SlotsPerBlock: uint32(n.cfg.SlotsPerBlock),
		Indexes: []dml.IndexBinding{{
			Index: n.index,
			KeyOf: func(values []byte) []byte {
				if len(values) < 8 {
					return values
				}
				return values[:8] // demo key: first 8 bytes of the row
			},
		}},
	})
	st := &txState{tx: t, exec: exec}
	n.txs[txID] = st
	return st
}

func (n *node) dropTx(txID uint64) {
	n.mu.Lock()
	delete(n.txs, txID)
	n.mu.Unlock()
}

func (n *node) registerHandlers() {
	n.server.Handle(rpcwire.CmdInsert, n.handleInsert)
	n.server.Handle(rpcwire.CmdDelete, n.handleDelete)
	n.server.Handle(rpcwire.CmdUpdate, n.handleUpdate)
	n.server.Handle(rpcwire.CmdMDelete, n.handleMassDelete)
	n.server.Handle(rpcwire.CmdPrepare, n.handlePrepare)
	n.server.Handle(rpcwire.CmdLCommit, n.handleLocalCommit)
	n.server.Handle(rpcwire.CmdLRollbck, n.handleLocalRollback)
	n.server.Handle(rpcwire.CmdCommit, n.handleLocalCommit)
	n.server.Handle(rpcwire.CmdRollback, n.handleLocalRollback)
	n.server.Handle(rpcwire.CmdCheckTx, n.coord.HandleCheckTx)
}

func (n *node) handleInsert(req *rpcwire.Request, conn net.Conn) error {
	if len(req.Args) != 2 {
		return rpcwire.WriteExcept(conn, "INSERT requires [partition_key, values]")
	}
	st := n.getOrCreateTx(req.TxID)
	if _, err := st.exec.Insert(context.Background(), []dml.InsertRow{{PartitionKey: req.Args[0], Values: req.Args[1]}}); err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	return rpcwire.WriteOK(conn)
}

func (n *node) handleDelete(req *rpcwire.Request, conn net.Conn) error {
	if len(req.Args) != 1 {
		return rpcwire.WriteExcept(conn, "DELETE requires [rid]")
	}
	rid, err := walrecord.DecodeRID(req.Args[0])
	if err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	st := n.getOrCreateTx(req.TxID)
	if _, err := st.exec.Delete(context.Background(), []dml.DeleteRow{{RID: rid}}); err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	return rpcwire.WriteOK(conn)
}

func (n *node) handleUpdate(req *rpcwire.Request, conn net.Conn) error {
	if len(req.Args) != 2 {
		return rpcwire.WriteExcept(conn, "UPDATE requires [rid, new_values]")
	}
	rid, err := walrecord.DecodeRID(req.Args[0])
	if err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	st := n.getOrCreateTx(req.TxID)
	if _, err := st.exec.Update(context.Background(), []dml.UpdateRow{{RID: rid, NewValues: req.Args[1]}}); err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	return rpcwire.WriteOK(conn)
}

func (n *node) handleMassDelete(req *rpcwire.Request, conn net.Conn) error {
	st := n.getOrCreateTx(req.TxID)
	if _, err := st.exec.MassDeleteAll(context.Background(), n.cfg.PagesInAdvance); err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	return rpcwire.WriteOK(conn)
}

// handlePrepare is the participant's phase-1 vote: write Ready/NotReady
// durably, then answer YES/NO (spec.md §4.5).
func (n *node) handlePrepare(req *rpcwire.Request, conn net.Conn) error {
	if err := n.mgr.Ready(req.TxID, n.cfg.SelfHost, n.xaLog); err != nil {
		_ = n.mgr.NotReady(req.TxID, n.xaLog)
		return rpcwire.WriteNO(conn)
	}
	return rpcwire.WriteOK(conn)
}

func (n *node) handleLocalCommit(req *rpcwire.Request, conn net.Conn) error {
	n.mu.Lock()
	st, ok := n.txs[req.TxID]
	n.mu.Unlock()
	if !ok {
		return rpcwire.WriteOK(conn) // nothing to commit, already done or never started
	}
	if err := st.tx.Commit(); err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	n.dropTx(req.TxID)
	return rpcwire.WriteOK(conn)
}

func (n *node) handleLocalRollback(req *rpcwire.Request, conn net.Conn) error {
	n.mu.Lock()
	st, ok := n.txs[req.TxID]
	n.mu.Unlock()
	if !ok {
		return rpcwire.WriteOK(conn)
	}
	if err := st.tx.Rollback(); err != nil {
		return rpcwire.WriteExcept(conn, err.Error())
	}
	n.dropTx(req.TxID)
	return rpcwire.WriteOK(conn)
}
