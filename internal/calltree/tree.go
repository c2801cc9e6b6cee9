package calltree

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/getsentry/sampleagg/internal/errorutil"
	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/sample"
)

// Tree is a call tree aggregated from samples. A Tree is not safe for
// concurrent mutation; the aggregation gives each chunk its own tree.
type Tree struct {
	nodes     []*Node
	roots     []int32
	rootIndex map[*frame.Function]int32
	funcNodes map[*frame.Function][]int32
	ids       *IDAllocator
}

// New returns an empty tree minting node ids from ids. A nil allocator
// starts at id 1.
func New(ids *IDAllocator) *Tree {
	if ids == nil {
		ids = NewIDAllocator(0, 0)
	}
	return &Tree{
		rootIndex: make(map[*frame.Function]int32),
		funcNodes: make(map[*frame.Function][]int32),
		ids:       ids,
	}
}

// UpdateCallTree adds one sample to the tree. The stack is walked from the
// root to the leaf, every visited node gets the sample weight as inclusive
// weight and the leaf node gets it as exclusive weight.
func (t *Tree) UpdateCallTree(s sample.Sample, stack *sample.ResolvedStack) {
	var prev *Node
	var prevFrame frame.Resolved
	threadID := stack.ThreadID()

	for k := len(stack.Frames) - 1; k >= 0; k-- {
		f := stack.Frames[k]
		if f.IsUnknown() {
			continue
		}

		var node *Node
		if prev == nil {
			node = t.addRootNode(f.Details)
		} else {
			node = t.addChildNode(prev, f.Details)
			prev.addCallSite(prevFrame.FrameRVA, node.Function, s.Weight)
		}

		node.Weight += s.Weight
		node.accumulateThreadWeight(threadID, s.Weight, 0)
		if node.Kind == KindUnset {
			node.Kind = kindOf(f.Details)
		}

		prev = node
		prevFrame = f
	}

	if prev != nil {
		prev.ExclusiveWeight += s.Weight
		prev.accumulateThreadWeight(threadID, 0, s.Weight)
	}
}

func (t *Tree) addRootNode(d *frame.Details) *Node {
	if i, ok := t.rootIndex[d.Function]; ok {
		return t.nodes[i]
	}
	n := newNode(t.ids.Next(), d.Function, d.DebugInfo)
	t.register(n, noIndex)
	t.rootIndex[n.Function] = n.index
	t.roots = append(t.roots, n.index)
	return n
}

func (t *Tree) addChildNode(parent *Node, d *frame.Details) *Node {
	if child := t.findChild(parent, d.Function); child != nil {
		return child
	}
	n := newNode(t.ids.Next(), d.Function, d.DebugInfo)
	t.register(n, parent.index)
	parent.children = append(parent.children, n.index)
	return n
}

// register places n in the arena under caller.
func (t *Tree) register(n *Node, caller int32) {
	n.index = int32(len(t.nodes))
	n.caller = caller
	t.nodes = append(t.nodes, n)
	t.funcNodes[n.Function] = append(t.funcNodes[n.Function], n.index)
}

func (t *Tree) findChild(parent *Node, f *frame.Function) *Node {
	for _, c := range parent.children {
		if child := t.nodes[c]; child.Function == f {
			return child
		}
	}
	return nil
}

// Contains reports whether n is a node of this tree.
func (t *Tree) Contains(n *Node) bool {
	return n != nil && n.index >= 0 && int(n.index) < len(t.nodes) && t.nodes[n.index] == n
}

func (t *Tree) NodeCount() int {
	return len(t.nodes)
}

// RootNodes returns the roots in the order they were first seen.
func (t *Tree) RootNodes() []*Node {
	roots := make([]*Node, 0, len(t.roots))
	for _, i := range t.roots {
		roots = append(roots, t.nodes[i])
	}
	return roots
}

func (t *Tree) FindRootNode(f *frame.Function) *Node {
	if i, ok := t.rootIndex[f]; ok {
		return t.nodes[i]
	}
	return nil
}

func (t *Tree) TotalRootNodesWeight() time.Duration {
	var sum time.Duration
	for _, i := range t.roots {
		sum += t.nodes[i].Weight
	}
	return sum
}

// Caller returns the caller of n, or nil for a root.
func (t *Tree) Caller(n *Node) *Node {
	if n.caller == noIndex {
		return nil
	}
	return t.nodes[n.caller]
}

func (t *Tree) Children(n *Node) []*Node {
	children := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, t.nodes[c])
	}
	return children
}

func (t *Tree) FindChildNode(n *Node, f *frame.Function) *Node {
	return t.findChild(n, f)
}

// ChildrenWeight returns the summed inclusive and exclusive weight of the
// children of n.
func (t *Tree) ChildrenWeight(n *Node) (time.Duration, time.Duration) {
	var weight, exclusive time.Duration
	for _, c := range n.children {
		weight += t.nodes[c].Weight
		exclusive += t.nodes[c].ExclusiveWeight
	}
	return weight, exclusive
}

// Path returns the functions from the root down to n.
func (t *Tree) Path(n *Node) []*frame.Function {
	var path []*frame.Function
	for cur := n; cur != nil; cur = t.Caller(cur) {
		path = append(path, cur.Function)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Backtrace returns the callers of n, from its direct caller up to the root.
func (t *Tree) Backtrace(n *Node) []*Node {
	var list []*Node
	for cur := t.Caller(n); cur != nil; cur = t.Caller(cur) {
		list = append(list, cur)
	}
	return list
}

// PathFingerprint hashes the call path from the root to n. Nodes of
// different trees standing for the same call path share a fingerprint.
func (t *Tree) PathFingerprint(n *Node) uint64 {
	h := xxhash.New()
	var b [4]byte
	for _, f := range t.Path(n) {
		binary.LittleEndian.PutUint32(b[:], f.ID)
		_, _ = h.Write(b[:])
		_, _ = h.WriteString(f.ModuleName)
		_, _ = h.WriteString(f.Name)
	}
	return h.Sum64()
}

// FunctionNodes returns every node of f, one per distinct call path.
func (t *Tree) FunctionNodes(f *frame.Function) []*Node {
	indices := t.funcNodes[f]
	nodes := make([]*Node, 0, len(indices))
	for _, i := range indices {
		nodes = append(nodes, t.nodes[i])
	}
	return nodes
}

// SortedFunctionNodes returns the nodes of f, heaviest first.
func (t *Tree) SortedFunctionNodes(f *frame.Function) []*Node {
	nodes := t.FunctionNodes(f)
	sortByWeight(nodes)
	return nodes
}

func sortByWeight(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Weight > nodes[j].Weight
	})
}

func (t *Tree) FindNode(id int64) *Node {
	for _, n := range t.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// FindMatchingNode finds the node of this tree standing for the same call
// path as q, a node of other.
func (t *Tree) FindMatchingNode(q *Node, other *Tree) *Node {
	if q == nil || !other.Contains(q) {
		return nil
	}
	if t == other {
		return q
	}
	candidates := t.funcNodes[q.Function]
	if len(candidates) == 0 {
		return nil
	}
	for _, i := range candidates {
		a, b := t.nodes[i], q
		for a != nil && b != nil && a.Function == b.Function {
			a, b = t.Caller(a), other.Caller(b)
		}
		if a == nil && b == nil {
			return t.nodes[i]
		}
	}
	return nil
}

// VerifyCycles checks that no node is its own ancestor and that every caller
// link matches the parent the node hangs under.
func (t *Tree) VerifyCycles() error {
	visited := make([]bool, len(t.nodes))
	var visit func(i, caller int32) error
	visit = func(i, caller int32) error {
		if i < 0 || int(i) >= len(t.nodes) {
			return fmt.Errorf("calltree: %w: node index %d out of range", errorutil.ErrDataIntegrity, i)
		}
		if visited[i] {
			return fmt.Errorf("calltree: %w: cycle found at node %d", errorutil.ErrDataIntegrity, t.nodes[i].ID)
		}
		visited[i] = true
		n := t.nodes[i]
		if n.caller != caller {
			return fmt.Errorf("calltree: %w: node %d has a mismatching caller", errorutil.ErrDataIntegrity, n.ID)
		}
		for _, c := range n.children {
			if err := visit(c, i); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range t.roots {
		if err := visit(r, noIndex); err != nil {
			return err
		}
	}
	return nil
}

// Print writes an indented dump of the tree.
func (t *Tree) Print(w io.Writer) error {
	for _, r := range t.roots {
		if _, err := fmt.Fprintln(w, "Call tree root node\n-----------------------"); err != nil {
			return err
		}
		if err := t.print(w, t.nodes[r], 0); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) print(w io.Writer, n *Node, level int) error {
	indent := strings.Repeat(" ", level*4)
	_, err := fmt.Fprintf(w, "%s%s, RVA %d, Id %d\n%s    weight %v\n%s    exc weight %v\n%s    callees: %d\n",
		indent, n.Function, n.DebugInfo.RVA, n.ID,
		indent, n.Weight,
		indent, n.ExclusiveWeight,
		indent, len(n.children))
	if err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.print(w, t.nodes[c], level+1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) String() string {
	return fmt.Sprintf("Root nodes: %d, Weight: %v", len(t.roots), t.TotalRootNodesWeight())
}
