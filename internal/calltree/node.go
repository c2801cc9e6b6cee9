package calltree

import (
	"time"

	"github.com/getsentry/sampleagg/internal/frame"
)

const noIndex int32 = -1

type Kind uint8

const (
	KindUnset Kind = iota
	KindNativeUser
	KindNativeKernel
	KindManaged
)

func (k Kind) String() string {
	switch k {
	case KindNativeUser:
		return "native_user"
	case KindNativeKernel:
		return "native_kernel"
	case KindManaged:
		return "managed"
	}
	return "unset"
}

func kindOf(d *frame.Details) Kind {
	switch {
	case d.IsKernelCode:
		return KindNativeKernel
	case d.IsManagedCode:
		return KindManaged
	}
	return KindNativeUser
}

type (
	ThreadWeight struct {
		Weight          time.Duration
		ExclusiveWeight time.Duration
	}

	// CallSite aggregates the calls made from one instruction of a function,
	// keyed by the callee function.
	CallSite struct {
		RVA     int64
		Weight  time.Duration
		Targets map[*frame.Function]time.Duration
	}

	// Node is one (function, call path) occurrence in a Tree. Nodes live in
	// the arena of their tree; the caller and children are arena indices.
	Node struct {
		ID              int64
		Function        *frame.Function
		DebugInfo       *frame.DebugInfo
		Kind            Kind
		Weight          time.Duration
		ExclusiveWeight time.Duration
		CallSites       map[int64]*CallSite
		ThreadWeights   map[int]ThreadWeight

		index    int32
		caller   int32
		children []int32
	}

	// Instance is a call tree node or a group standing for several instances
	// of the same function.
	Instance interface {
		InstanceNodes() []*Node
		IsGroup() bool
	}
)

func newNode(id int64, f *frame.Function, info *frame.DebugInfo) *Node {
	return &Node{
		ID:        id,
		Function:  f,
		DebugInfo: info,
		index:     noIndex,
		caller:    noIndex,
	}
}

func (n *Node) InstanceNodes() []*Node {
	return []*Node{n}
}

func (n *Node) IsGroup() bool {
	return false
}

func (n *Node) IsRoot() bool {
	return n.caller == noIndex
}

func (n *Node) HasChildren() bool {
	return len(n.children) > 0
}

func (n *Node) ChildCount() int {
	return len(n.children)
}

// ScaleWeight returns w relative to the inclusive weight of the node.
func (n *Node) ScaleWeight(w time.Duration) float64 {
	if n.Weight == 0 {
		return 0
	}
	return float64(w) / float64(n.Weight)
}

func (n *Node) accumulateThreadWeight(threadID int, weight, exclusive time.Duration) {
	if n.ThreadWeights == nil {
		n.ThreadWeights = make(map[int]ThreadWeight)
	}
	tw := n.ThreadWeights[threadID]
	tw.Weight += weight
	tw.ExclusiveWeight += exclusive
	n.ThreadWeights[threadID] = tw
}

func (n *Node) addCallSite(rva int64, target *frame.Function, weight time.Duration) {
	if n.CallSites == nil {
		n.CallSites = make(map[int64]*CallSite)
	}
	cs, ok := n.CallSites[rva]
	if !ok {
		cs = &CallSite{RVA: rva, Targets: make(map[*frame.Function]time.Duration)}
		n.CallSites[rva] = cs
	}
	cs.Weight += weight
	cs.Targets[target] += weight
}

// mergeData accumulates the weights, call sites and thread weights of other.
func (n *Node) mergeData(other *Node) {
	n.Weight += other.Weight
	n.ExclusiveWeight += other.ExclusiveWeight
	if n.Kind == KindUnset {
		n.Kind = other.Kind
	}
	for rva, cs := range other.CallSites {
		for target, w := range cs.Targets {
			n.addCallSite(rva, target, 0)
			n.CallSites[rva].Targets[target] += w
		}
		n.CallSites[rva].Weight += cs.Weight
	}
	for tid, tw := range other.ThreadWeights {
		n.accumulateThreadWeight(tid, tw.Weight, tw.ExclusiveWeight)
	}
}
