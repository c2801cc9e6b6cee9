package sample

import (
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sampleagg/internal/errorutil"
	"github.com/getsentry/sampleagg/internal/frame"
)

// AllThreads is the ThreadSampleRanges key whose ranges cover every sample.
// It is reserved and cannot be the id of a sampled thread.
const AllThreads = -1

type (
	// Sample is one profiler observation. Weight is the duration credited to it.
	Sample struct {
		Time   time.Duration
		Weight time.Duration
	}

	Context struct {
		ProcessID int
		ThreadID  int
	}

	// ResolvedStack holds the frames of a sample ordered from the leaf (index
	// 0, the sampled instruction) to the root.
	ResolvedStack struct {
		Frames  []frame.Resolved
		Context Context
	}

	Entry struct {
		Sample Sample
		Stack  *ResolvedStack
	}

	// Range is a contiguous [StartIndex, EndIndex) range of sample indices.
	Range struct {
		StartIndex int
		EndIndex   int
	}

	// ThreadSampleRanges maps a thread id, or AllThreads, to its sorted and
	// disjoint sample ranges.
	ThreadSampleRanges map[int][]Range

	// Store is the read-only input of an aggregation: samples ordered by time
	// and the per-thread index over them.
	Store struct {
		Samples      []Entry
		ThreadRanges ThreadSampleRanges
	}

	ThreadWeight struct {
		ThreadID int
		Weight   time.Duration
	}
)

// NewStore builds a store over entries and computes its thread ranges.
func NewStore(entries []Entry) (*Store, error) {
	for i, e := range entries {
		if e.Stack == nil {
			return nil, fmt.Errorf("sample: %w: sample %d has no stack", errorutil.ErrInvalidInput, i)
		}
		if e.Stack.ThreadID() == AllThreads {
			return nil, fmt.Errorf("sample: %w: sample %d uses the reserved thread id %d", errorutil.ErrInvalidInput, i, AllThreads)
		}
	}
	return &Store{
		Samples:      entries,
		ThreadRanges: ComputeThreadSampleRanges(entries),
	}, nil
}

func (s *ResolvedStack) FrameCount() int {
	return len(s.Frames)
}

func (s *ResolvedStack) ThreadID() int {
	return s.Context.ThreadID
}

func (r Range) Len() int {
	return r.EndIndex - r.StartIndex
}

func (s *Store) Len() int {
	return len(s.Samples)
}

// Ranges returns the ranges of a thread. A store built without its index
// computes the ranges from the samples on every call.
func (s *Store) Ranges(threadID int) []Range {
	if s.ThreadRanges == nil {
		return ComputeThreadSampleRanges(s.Samples)[threadID]
	}
	if r, ok := s.ThreadRanges[threadID]; ok {
		return r
	}
	if threadID == AllThreads {
		return []Range{{StartIndex: 0, EndIndex: len(s.Samples)}}
	}
	return nil
}

// SortedThreadWeights returns the total weight of each thread, heaviest first.
func (s *Store) SortedThreadWeights() []ThreadWeight {
	weights := make(map[int]time.Duration)
	for i := range s.Samples {
		weights[s.Samples[i].Stack.ThreadID()] += s.Samples[i].Sample.Weight
	}
	list := make([]ThreadWeight, 0, len(weights))
	for tid, w := range weights {
		list = append(list, ThreadWeight{ThreadID: tid, Weight: w})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Weight == list[j].Weight {
			return list[i].ThreadID < list[j].ThreadID
		}
		return list[i].Weight > list[j].Weight
	})
	return list
}

// ComputeThreadSampleRanges computes the lists of contiguous ranges of samples
// running on the same thread, plus an AllThreads entry covering all samples.
func ComputeThreadSampleRanges(entries []Entry) ThreadSampleRanges {
	ranges := make(ThreadSampleRanges)
	prevThreadID := 0
	prevIndex := -1

	for i := range entries {
		tid := entries[i].Stack.ThreadID()
		if prevIndex != -1 && tid == prevThreadID {
			continue
		}
		if prevIndex != -1 {
			ranges[prevThreadID] = append(ranges[prevThreadID], Range{StartIndex: prevIndex, EndIndex: i})
		}
		prevThreadID = tid
		prevIndex = i
	}
	if prevIndex != -1 {
		ranges[prevThreadID] = append(ranges[prevThreadID], Range{StartIndex: prevIndex, EndIndex: len(entries)})
	}

	ranges[AllThreads] = []Range{{StartIndex: 0, EndIndex: len(entries)}}
	return ranges
}
