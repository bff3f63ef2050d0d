// Package dispatch implements C6, the tree dispatcher: building and
// executing n-ary spanning-tree broadcasts of PREPARE/LCOMMIT/LROLLBCK/
// MDELETE with per-branch failure repair (spec.md §4.6).
package dispatch

// TreeNode is the tagged variant from spec.md §9: a leaf names a host,
// a branch is a nested list whose "root" (per spec.md §3) is the first
// leaf reached by descending leftmost children. Go has no sum type, so
// a branch is distinguished from a leaf by Children being non-nil.
type TreeNode struct {
	host     string
	children []TreeNode
}

// Leaf constructs a hostname leaf.
func Leaf(host string) TreeNode { return TreeNode{host: host} }

// Branch constructs a non-leaf node from its children.
func Branch(children []TreeNode) TreeNode { return TreeNode{children: children} }

// IsLeaf reports whether t is a bare hostname.
func (t TreeNode) IsLeaf() bool { return t.children == nil }

// FirstLeaf returns the subtree's root: the first leaf reached by
// descending leftmost children (spec.md §3).
func FirstLeaf(t TreeNode) string {
	if t.IsLeaf() {
		return t.host
	}
	return FirstLeaf(t.children[0])
}

// Remainder returns the tree that remains once the root (FirstLeaf) is
// peeled off — the subtree a recipient must recursively dispatch to
// after doing its own local work (spec.md §4.6).
func Remainder(t TreeNode) []TreeNode {
	if t.IsLeaf() {
		return nil
	}
	return append(Remainder(t.children[0]), t.children[1:]...)
}

// Leaves flattens t into its ordered list of hostnames.
func Leaves(t TreeNode) []string {
	if t.IsLeaf() {
		return []string{t.host}
	}
	var out []string
	for _, c := range t.children {
		out = append(out, Leaves(c)...)
	}
	return out
}

// ForestLeaves flattens a forest (the top-level list spec.md §4.6 calls
// "splits the rest by top-level subtree").
func ForestLeaves(forest []TreeNode) []string {
	var out []string
	for _, t := range forest {
		out = append(out, Leaves(t)...)
	}
	return out
}

// MakeTree builds a spanning tree over nodes with branching factor k,
// per spec.md §4.6's `make_tree(nodes, k=max_neighbor_nodes)`:
//
//   - If |nodes| ≤ k: flat list of leaves.
//   - Else: keep the first k nodes as roots; distribute the remaining
//     n-k nodes into those roots' subtrees in groups of ⌈(n-k)/k⌉;
//     recurse on any subtree that still exceeds k.
func MakeTree(nodes []string, k int) []TreeNode {
	if k <= 0 {
		k = 1
	}
	if len(nodes) <= k {
		out := make([]TreeNode, len(nodes))
		for i, n := range nodes {
			out[i] = Leaf(n)
		}
		return out
	}
	roots := nodes[:k]
	rest := nodes[k:]
	groupSize := (len(rest) + k - 1) / k

	out := make([]TreeNode, k)
	for i, root := range roots {
		start := i * groupSize
		if start >= len(rest) {
			out[i] = Leaf(root)
			continue
		}
		end := start + groupSize
		if end > len(rest) {
			end = len(rest)
		}
		group := rest[start:end]
		if len(group) == 0 {
			out[i] = Leaf(root)
			continue
		}
		sub := MakeTree(group, k)
		out[i] = Branch(append([]TreeNode{Leaf(root)}, sub...))
	}
	return out
}

// RebuildTree removes host from subtree and returns the replacement,
// re-running MakeTree over the surviving hosts with the same branching
// factor k — a pragmatic reading of spec.md §4.6's "rebuild the subtree
// excluding H (promote a surviving descendant as new root)": rather than
// special-casing which descendant gets promoted, the whole surviving
// host set is re-balanced. If host is not in subtree, subtree is
// returned unchanged, which gives RebuildTree the idempotence law from
// spec.md §8 (removing an already-absent host is a no-op).
// ok is false if host was the subtree's only member.
func RebuildTree(subtree TreeNode, host string, k int) (rebuilt TreeNode, ok bool) {
	hosts := Leaves(subtree)
	filtered := hosts[:0:0]
	for _, h := range hosts {
		if h != host {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == len(hosts) {
		return subtree, true
	}
	if len(filtered) == 0 {
		return TreeNode{}, false
	}
	forest := MakeTree(filtered, k)
	if len(forest) == 1 {
		return forest[0], true
	}
	return Branch(forest), true
}
