package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sampleagg/internal/calltree"
)

type (
	// TimeRange restricts an aggregation to the samples in
	// [StartSampleIndex, EndSampleIndex). The times are informative.
	TimeRange struct {
		StartTime        time.Duration
		EndTime          time.Duration
		StartSampleIndex int
		EndSampleIndex   int
	}

	// SampleFilter selects the samples an aggregation looks at. An empty
	// field does not restrict its axis.
	SampleFilter struct {
		TimeRange *TimeRange
		ThreadIDs []int
		// Tree is the call tree the instances are nodes of.
		Tree      *calltree.Tree
		Instances []calltree.Instance
	}
)

func (f *SampleFilter) HasThreadFilter() bool {
	return f != nil && len(f.ThreadIDs) > 0
}

func (f *SampleFilter) HasInstanceFilter() bool {
	return f != nil && len(f.Instances) > 0
}

// SingleThread returns the thread id when exactly one thread is selected.
func (f *SampleFilter) SingleThread() (int, bool) {
	if f == nil || len(f.ThreadIDs) != 1 {
		return 0, false
	}
	return f.ThreadIDs[0], true
}

func (f *SampleFilter) IncludesThread(threadID int) bool {
	if !f.HasThreadFilter() {
		return true
	}
	for _, tid := range f.ThreadIDs {
		if tid == threadID {
			return true
		}
	}
	return false
}

func (f *SampleFilter) AddThread(threadID int) {
	if f.HasThreadFilter() && f.IncludesThread(threadID) {
		return
	}
	f.ThreadIDs = append(f.ThreadIDs, threadID)
}

func (f *SampleFilter) RemoveThread(threadID int) {
	for i, tid := range f.ThreadIDs {
		if tid == threadID {
			f.ThreadIDs = append(f.ThreadIDs[:i], f.ThreadIDs[i+1:]...)
			return
		}
	}
}

func (f *SampleFilter) AddInstance(instance calltree.Instance) {
	for _, i := range f.Instances {
		if i == instance {
			return
		}
	}
	f.Instances = append(f.Instances, instance)
}

func (f *SampleFilter) RemoveInstance(instance calltree.Instance) {
	for i, existing := range f.Instances {
		if existing == instance {
			f.Instances = append(f.Instances[:i], f.Instances[i+1:]...)
			return
		}
	}
}

func (f *SampleFilter) ClearThreads() {
	f.ThreadIDs = nil
}

func (f *SampleFilter) ClearInstances() {
	f.Instances = nil
}

// Equal compares filters structurally: the time range, the set of thread ids
// and the set of call paths of the instances.
func (f *SampleFilter) Equal(other *SampleFilter) bool {
	if f == nil || other == nil {
		return f.isEmpty() && other.isEmpty()
	}
	if !timeRangeEqual(f.TimeRange, other.TimeRange) {
		return false
	}
	if !setEqual(intSet(f.ThreadIDs), intSet(other.ThreadIDs)) {
		return false
	}
	return setEqual(f.instanceKeys(), other.instanceKeys())
}

func (f *SampleFilter) isEmpty() bool {
	return f == nil || (f.TimeRange == nil && len(f.ThreadIDs) == 0 && len(f.Instances) == 0)
}

// instanceKeys identifies every instance node by its call path. Without a
// tree the nodes can only be compared by identity.
func (f *SampleFilter) instanceKeys() map[uint64]struct{} {
	keys := make(map[uint64]struct{})
	for _, inst := range f.Instances {
		for _, n := range inst.InstanceNodes() {
			if f.Tree != nil && f.Tree.Contains(n) {
				keys[f.Tree.PathFingerprint(n)] = struct{}{}
			} else {
				keys[uint64(n.ID)] = struct{}{}
			}
		}
	}
	return keys
}

func timeRangeEqual(a, b *TimeRange) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func intSet(values []int) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(values))
	for _, v := range values {
		set[uint64(v)] = struct{}{}
	}
	return set
}

func setEqual(a, b map[uint64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (f *SampleFilter) String() string {
	if f.isEmpty() {
		return "no filter"
	}
	var parts []string
	if f.TimeRange != nil {
		parts = append(parts, fmt.Sprintf("samples [%d, %d)", f.TimeRange.StartSampleIndex, f.TimeRange.EndSampleIndex))
	}
	if len(f.ThreadIDs) > 0 {
		ids := make([]int, len(f.ThreadIDs))
		copy(ids, f.ThreadIDs)
		sort.Ints(ids)
		parts = append(parts, fmt.Sprintf("threads %v", ids))
	}
	if len(f.Instances) > 0 {
		parts = append(parts, fmt.Sprintf("%d instances", len(f.Instances)))
	}
	return strings.Join(parts, ", ")
}
