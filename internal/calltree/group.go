package calltree

import (
	"sort"
	"time"

	"github.com/getsentry/sampleagg/internal/frame"
)

type (
	// GroupNode combines several instances of one function. Children and
	// Callers are synthetic nodes, one per function, that do not belong to
	// any tree.
	GroupNode struct {
		Function        *frame.Function
		DebugInfo       *frame.DebugInfo
		Kind            Kind
		Nodes           []*Node
		Children        []*Node
		Callers         []*Node
		CallSites       map[int64]*CallSite
		ThreadWeights   map[int]ThreadWeight
		Weight          time.Duration
		ExclusiveWeight time.Duration
	}

	ModuleProfileInfo struct {
		Name       string
		Weight     time.Duration
		Percentage float64
		Functions  []*GroupNode
	}
)

func (g *GroupNode) InstanceNodes() []*Node {
	return g.Nodes
}

func (g *GroupNode) IsGroup() bool {
	return true
}

// CombinedFunctionNode combines every instance of f. With a parent, only the
// instances called directly by the parent's function are combined.
func (t *Tree) CombinedFunctionNode(f *frame.Function, parent *Node) *GroupNode {
	return t.combine(t.SortedFunctionNodes(f), parent, true)
}

// CombinedNodes combines nodes, which must all be instances of one function.
func (t *Tree) CombinedNodes(nodes []*Node) *GroupNode {
	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sortByWeight(sorted)
	return t.combine(sorted, nil, true)
}

// CombinedNodesWeight returns the inclusive weight of the combined nodes,
// without building the combined children and callers.
func (t *Tree) CombinedNodesWeight(nodes []*Node) time.Duration {
	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sortByWeight(sorted)
	return t.combine(sorted, nil, false).Weight
}

// combine expects nodes sorted by weight, so that outer instances of a
// recursive function are handled before the instances they call.
func (t *Tree) combine(nodes []*Node, parent *Node, combineLists bool) *GroupNode {
	if len(nodes) == 0 {
		return &GroupNode{}
	}

	g := &GroupNode{
		Function:  nodes[0].Function,
		DebugInfo: nodes[0].DebugInfo,
		Nodes:     nodes,
	}
	if len(nodes) == 1 && parent == nil {
		n := nodes[0]
		g.Kind = n.Kind
		g.Weight = n.Weight
		g.ExclusiveWeight = n.ExclusiveWeight
		if combineLists {
			g.Children = t.combineFunctions(nil, t.Children(n))
			if caller := t.Caller(n); caller != nil {
				g.Callers = t.combineFunctions(nil, []*Node{caller})
			}
			g.CallSites = n.CallSites
			g.ThreadWeights = n.ThreadWeights
		}
		return g
	}

	handled := make(map[*Node]struct{}, len(nodes))
	var combined []*Node
	for _, n := range nodes {
		if parent != nil {
			if caller := t.Caller(n); caller == nil || caller.Function != parent.Function {
				continue
			}
		}
		combined = append(combined, n)

		countWeight := !t.ancestorHandled(n, handled)
		if countWeight {
			g.Weight += n.Weight
			handled[n] = struct{}{}
		}
		g.ExclusiveWeight += n.ExclusiveWeight
		g.Kind = n.Kind

		if !combineLists {
			continue
		}

		for tid, tw := range n.ThreadWeights {
			if g.ThreadWeights == nil {
				g.ThreadWeights = make(map[int]ThreadWeight)
			}
			acc := g.ThreadWeights[tid]
			if countWeight {
				acc.Weight += tw.Weight
			}
			acc.ExclusiveWeight += tw.ExclusiveWeight
			g.ThreadWeights[tid] = acc
		}
		g.Children = t.combineFunctions(g.Children, t.Children(n))
		if caller := t.Caller(n); caller != nil {
			g.Callers = t.combineFunctions(g.Callers, []*Node{caller})
		}
		for rva, cs := range n.CallSites {
			if g.CallSites == nil {
				g.CallSites = make(map[int64]*CallSite)
			}
			acc, ok := g.CallSites[rva]
			if !ok {
				acc = &CallSite{RVA: rva, Targets: make(map[*frame.Function]time.Duration)}
				g.CallSites[rva] = acc
			}
			acc.Weight += cs.Weight
			for target, w := range cs.Targets {
				acc.Targets[target] += w
			}
		}
	}
	g.Nodes = combined
	return g
}

// combineFunctions folds nodes into list, keeping one synthetic node per function.
func (t *Tree) combineFunctions(list []*Node, nodes []*Node) []*Node {
	for _, n := range nodes {
		var existing *Node
		for _, e := range list {
			if e.Function == n.Function {
				existing = e
				break
			}
		}
		if existing == nil {
			existing = newNode(n.ID, n.Function, n.DebugInfo)
			existing.Kind = n.Kind
			list = append(list, existing)
		}
		existing.Weight += n.Weight
		existing.ExclusiveWeight += n.ExclusiveWeight
	}
	return list
}

// ancestorHandled reports whether an instance calling n, directly or not,
// already had its inclusive weight counted.
func (t *Tree) ancestorHandled(n *Node, handled map[*Node]struct{}) bool {
	for cur := t.Caller(n); cur != nil; cur = t.Caller(cur) {
		if _, ok := handled[cur]; ok {
			return true
		}
	}
	return false
}

// TopFunctionsAndModules combines, per function, every node below instance
// and sums the exclusive weight per module. Functions are sorted by exclusive
// weight and modules by weight, heaviest first.
func (t *Tree) TopFunctionsAndModules(instance Instance) ([]*GroupNode, []ModuleProfileInfo) {
	funcMap := make(map[*frame.Function]*GroupNode)
	moduleMap := make(map[string]*ModuleProfileInfo)
	var order []*frame.Function
	var moduleOrder []string
	var total time.Duration

	var collect func(n *Node)
	collect = func(n *Node) {
		g, ok := funcMap[n.Function]
		if !ok {
			g = &GroupNode{Function: n.Function, DebugInfo: n.DebugInfo, Kind: n.Kind}
			funcMap[n.Function] = g
			order = append(order, n.Function)
		}
		g.Nodes = append(g.Nodes, n)

		m, ok := moduleMap[n.Function.ModuleName]
		if !ok {
			m = &ModuleProfileInfo{Name: n.Function.ModuleName}
			moduleMap[m.Name] = m
			moduleOrder = append(moduleOrder, m.Name)
		}
		m.Weight += n.ExclusiveWeight
		if len(g.Nodes) == 1 {
			m.Functions = append(m.Functions, g)
		}

		for _, c := range n.children {
			collect(t.nodes[c])
		}
	}
	for _, n := range instance.InstanceNodes() {
		if !t.Contains(n) {
			continue
		}
		total += n.Weight
		collect(n)
	}

	functions := make([]*GroupNode, 0, len(order))
	for _, f := range order {
		g := funcMap[f]
		sortByWeight(g.Nodes)
		handled := make(map[*Node]struct{}, len(g.Nodes))
		for _, n := range g.Nodes {
			g.ExclusiveWeight += n.ExclusiveWeight
			if !t.ancestorHandled(n, handled) {
				g.Weight += n.Weight
				handled[n] = struct{}{}
			}
		}
		functions = append(functions, g)
	}
	sort.SliceStable(functions, func(i, j int) bool {
		return functions[i].ExclusiveWeight > functions[j].ExclusiveWeight
	})

	modules := make([]ModuleProfileInfo, 0, len(moduleOrder))
	for _, name := range moduleOrder {
		m := moduleMap[name]
		if total > 0 {
			m.Percentage = float64(m.Weight) / float64(total)
		}
		modules = append(modules, *m)
	}
	sort.SliceStable(modules, func(i, j int) bool {
		return modules[i].Weight > modules[j].Weight
	})
	return functions, modules
}
