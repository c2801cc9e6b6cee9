package aggregate

import (
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/sample"
)

// instancePaths holds the call paths, root first, of the instances of a
// filter. Group instances contribute one path per node.
type instancePaths [][]*frame.Function

func newInstancePaths(f *filter.SampleFilter) instancePaths {
	if !f.HasInstanceFilter() {
		return nil
	}
	// Instances outside of the filter tree match nothing.
	paths := make(instancePaths, 0, len(f.Instances))
	if f.Tree == nil {
		return paths
	}
	for _, inst := range f.Instances {
		for _, n := range inst.InstanceNodes() {
			if !f.Tree.Contains(n) {
				continue
			}
			paths = append(paths, f.Tree.Path(n))
		}
	}
	return paths
}

// match reports whether one of the paths is a prefix of the stack read from
// its root. A nil set admits every stack.
func (p instancePaths) match(stack *sample.ResolvedStack) bool {
	if p == nil {
		return true
	}
	for _, path := range p {
		if matchPath(path, stack) {
			return true
		}
	}
	return false
}

// matchPath compares path with the known frames of the stack, from the root
// towards the leaf.
func matchPath(path []*frame.Function, stack *sample.ResolvedStack) bool {
	j := 0
	for i := len(stack.Frames) - 1; i >= 0 && j < len(path); i-- {
		f := stack.Frames[i]
		if f.IsUnknown() {
			continue
		}
		if f.Details.Function != path[j] {
			return false
		}
		j++
	}
	return j == len(path) && len(path) > 0
}
