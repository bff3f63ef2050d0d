package dispatch

import (
	"context"
	"net"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/NghiaTiGer102/HRDBMStest/cluster"
	"github.com/NghiaTiGer102/HRDBMStest/rpcwire"
)

func TestMakeTreeFlatWhenWithinBranchingFactor(t *testing.T) {
	forest := MakeTree([]string{"a", "b", "c"}, 4)
	if len(forest) != 3 {
		t.Fatalf("got %d top-level nodes, want 3 (flat list, all leaves)", len(forest))
	}
	for _, n := range forest {
		if !n.IsLeaf() {
			t.Fatalf("expected a flat leaf list when |nodes| <= k")
		}
	}
}

func TestMakeTreeCoversEveryHostExactlyOnce(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e", "f", "g"}
	forest := MakeTree(nodes, 2)
	got := ForestLeaves(forest)
	sort.Strings(got)
	want := append([]string(nil), nodes...)
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ForestLeaves(MakeTree(nodes, 2)) = %v, want every node exactly once: %v", got, want)
	}
}

func TestFirstLeafDescendsLeftmost(t *testing.T) {
	tree := Branch([]TreeNode{Leaf("root"), Leaf("child1"), Leaf("child2")})
	if got := FirstLeaf(tree); got != "root" {
		t.Fatalf("FirstLeaf = %q, want %q", got, "root")
	}
}

func TestRemainderExcludesRootIncludesRest(t *testing.T) {
	tree := Branch([]TreeNode{Leaf("root"), Leaf("child1"), Leaf("child2")})
	rem := Remainder(tree)
	var hosts []string
	for _, n := range rem {
		hosts = append(hosts, Leaves(n)...)
	}
	sort.Strings(hosts)
	if !reflect.DeepEqual(hosts, []string{"child1", "child2"}) {
		t.Fatalf("Remainder leaves = %v, want [child1 child2]", hosts)
	}
}

func TestRebuildTreeExcludesFailedHost(t *testing.T) {
	tree := Branch([]TreeNode{Leaf("a"), Leaf("b"), Leaf("c")})
	rebuilt, ok := RebuildTree(tree, "a", 2)
	if !ok {
		t.Fatalf("RebuildTree reported no survivors left")
	}
	leaves := Leaves(rebuilt)
	for _, h := range leaves {
		if h == "a" {
			t.Fatalf("RebuildTree must exclude the failed host, got %v", leaves)
		}
	}
}

func TestRebuildTreeLastHostReturnsFalse(t *testing.T) {
	_, ok := RebuildTree(Leaf("only"), "only", 2)
	if ok {
		t.Fatalf("RebuildTree on a single-host subtree's only member must report ok=false")
	}
}

func TestRebuildTreeIdempotentOverSameSurvivors(t *testing.T) {
	tree := Branch([]TreeNode{Leaf("a"), Leaf("b"), Leaf("c"), Leaf("d"), Leaf("e")})
	first, ok1 := RebuildTree(tree, "a", 2)
	second, ok2 := RebuildTree(tree, "a", 2)
	if !ok1 || !ok2 {
		t.Fatalf("expected both rebuilds to succeed")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("RebuildTree is not idempotent over the same surviving set:\n%+v\n%+v", first, second)
	}
}

func startEchoServer(t *testing.T, cmd rpcwire.Command, ok bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := rpcwire.NewServer(nil)
	srv.Handle(cmd, func(req *rpcwire.Request, conn net.Conn) error {
		if ok {
			return rpcwire.WriteOK(conn)
		}
		return rpcwire.WriteNO(conn)
	})
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestBroadcastStrictSucceedsWhenAllYes(t *testing.T) {
	a := startEchoServer(t, rpcwire.CmdPrepare, true)
	b := startEchoServer(t, rpcwire.CmdPrepare, true)

	cl := cluster.New(cluster.Config{ReapPeriod: time.Hour})
	defer cl.Close()
	d := New(rpcwire.NewClient(), cl, 2, nil)

	forest := MakeTree([]string{a, b}, 2)
	if err := d.Broadcast(context.Background(), rpcwire.CmdPrepare, 1, forest, ModeStrict, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
}

func TestBroadcastStrictFailsOnAnyNo(t *testing.T) {
	a := startEchoServer(t, rpcwire.CmdPrepare, true)
	b := startEchoServer(t, rpcwire.CmdPrepare, false)

	cl := cluster.New(cluster.Config{ReapPeriod: time.Hour})
	defer cl.Close()
	d := New(rpcwire.NewClient(), cl, 2, nil)

	forest := MakeTree([]string{a, b}, 2)
	if err := d.Broadcast(context.Background(), rpcwire.CmdPrepare, 1, forest, ModeStrict, nil); err == nil {
		t.Fatalf("Broadcast in ModeStrict must fail when a branch votes NO")
	}
}

func TestBroadcastBestEffortBlacklistsUnreachableHost(t *testing.T) {
	a := startEchoServer(t, rpcwire.CmdLCommit, true)
	unreachable := "127.0.0.1:1"

	cl := cluster.New(cluster.Config{ReapPeriod: time.Hour})
	defer cl.Close()
	d := New(rpcwire.NewClient(), cl, 2, nil)

	forest := MakeTree([]string{a, unreachable}, 2)
	if err := d.Broadcast(context.Background(), rpcwire.CmdLCommit, 1, forest, ModeBestEffort, nil); err != nil {
		t.Fatalf("Broadcast in ModeBestEffort must never fail on branch failure: %v", err)
	}
	if !cl.IsBlacklisted(unreachable) {
		t.Fatalf("unreachable host must be blacklisted after a failed best-effort branch dispatch")
	}
	if pending := cl.Pending(unreachable); len(pending) != 1 {
		t.Fatalf("pending queue for %s = %v, want exactly one deferred command", unreachable, pending)
	}
}

func TestRedeliverRebuildsTreeOverParticipants(t *testing.T) {
	a := startEchoServer(t, rpcwire.CmdLCommit, true)

	cl := cluster.New(cluster.Config{ReapPeriod: time.Hour})
	defer cl.Close()
	d := New(rpcwire.NewClient(), cl, 2, nil)

	cmd := cluster.DeferredCommand{Command: rpcwire.CmdLCommit, Tx: 7, Participants: []string{a}}
	if err := d.Redeliver(context.Background(), cmd); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
}
