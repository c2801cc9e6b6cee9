package calltree

import (
	"fmt"

	"github.com/getsentry/sampleagg/internal/errorutil"
	"github.com/getsentry/sampleagg/internal/frame"
)

var errDataIntegrityNilTree = fmt.Errorf("calltree: %w: tree must be non-nil", errorutil.ErrDataIntegrity)

// MergeWith merges other into t. Nodes are matched by function and caller
// path, never by id: common nodes have their weights summed and nodes only
// present in other are moved into t with their subtree. other is consumed
// and left empty.
func (t *Tree) MergeWith(other *Tree) error {
	if t == nil || other == nil {
		return errDataIntegrityNilTree
	}
	if t == other {
		return fmt.Errorf("calltree: %w: cannot merge a tree into itself", errorutil.ErrDataIntegrity)
	}

	for _, r := range other.roots {
		root := other.nodes[r]
		if root.Function == nil {
			return fmt.Errorf("calltree: %w: root node %d has no function", errorutil.ErrDataIntegrity, root.ID)
		}
		if i, ok := t.rootIndex[root.Function]; ok {
			if err := t.mergeNode(t.nodes[i], other, root); err != nil {
				return err
			}
			continue
		}
		n := t.adopt(other, root, noIndex)
		t.rootIndex[n.Function] = n.index
		t.roots = append(t.roots, n.index)
	}

	other.reset()
	return nil
}

// mergeNode recursively merges src, a node of other, into dst.
func (t *Tree) mergeNode(dst *Node, other *Tree, src *Node) error {
	dst.mergeData(src)
	for _, c := range src.children {
		child := other.nodes[c]
		if child.Function == nil {
			return fmt.Errorf("calltree: %w: node %d has no function", errorutil.ErrDataIntegrity, child.ID)
		}
		if existing := t.findChild(dst, child.Function); existing != nil {
			if err := t.mergeNode(existing, other, child); err != nil {
				return err
			}
			continue
		}
		n := t.adopt(other, child, dst.index)
		dst.children = append(dst.children, n.index)
	}
	return nil
}

// adopt moves n and its subtree from other into the arena of t.
func (t *Tree) adopt(other *Tree, n *Node, caller int32) *Node {
	old := n.children
	t.register(n, caller)
	n.children = make([]int32, 0, len(old))
	for _, c := range old {
		child := t.adopt(other, other.nodes[c], n.index)
		n.children = append(n.children, child.index)
	}
	return n
}

func (t *Tree) reset() {
	t.nodes = nil
	t.roots = nil
	t.rootIndex = make(map[*frame.Function]int32)
	t.funcNodes = make(map[*frame.Function][]int32)
}
