package filter

import (
	"testing"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/sample/sampletest"
	"github.com/getsentry/sampleagg/internal/testutil"
)

func buildTree(fs *sampletest.Functions, ids *calltree.IDAllocator, stacks ...[]string) *calltree.Tree {
	tree := calltree.New(ids)
	for i, names := range stacks {
		e := sampletest.Entries(fs.Stack(i, names...))[0]
		tree.UpdateCallTree(e.Sample, e.Stack)
	}
	return tree
}

func TestThreadSelection(t *testing.T) {
	var empty *SampleFilter
	if empty.HasThreadFilter() || !empty.IncludesThread(4) {
		t.Fatal("a nil filter includes every thread")
	}

	f := &SampleFilter{}
	f.AddThread(3)
	f.AddThread(3)
	if diff := testutil.Diff(f.ThreadIDs, []int{3}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if tid, ok := f.SingleThread(); !ok || tid != 3 {
		t.Fatalf("expected single thread 3, got %d, %v", tid, ok)
	}

	f.AddThread(5)
	if _, ok := f.SingleThread(); ok {
		t.Fatal("two threads are selected")
	}
	if !f.IncludesThread(5) || f.IncludesThread(4) {
		t.Fatal("unexpected thread selection")
	}

	f.RemoveThread(3)
	f.RemoveThread(42)
	if diff := testutil.Diff(f.ThreadIDs, []int{5}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	f.ClearThreads()
	if f.HasThreadFilter() {
		t.Fatal("threads were cleared")
	}
}

func TestEqual(t *testing.T) {
	fs := sampletest.NewFunctions()
	t1 := buildTree(fs, calltree.ChunkIDAllocator(0, 2), []string{"A", "B"}, []string{"C", "B"})
	t2 := buildTree(fs, calltree.ChunkIDAllocator(1, 2), []string{"C", "B"}, []string{"A", "B"})

	a1 := t1.FunctionNodes(fs.Function("A"))[0]
	a2 := t2.FunctionNodes(fs.Function("A"))[0]
	c1 := t1.FunctionNodes(fs.Function("C"))[0]

	tests := []struct {
		name string
		a    *SampleFilter
		b    *SampleFilter
		want bool
	}{
		{
			name: "both nil",
			want: true,
		},
		{
			name: "nil and empty",
			b:    &SampleFilter{},
			want: true,
		},
		{
			name: "nil and threads",
			b:    &SampleFilter{ThreadIDs: []int{1}},
			want: false,
		},
		{
			name: "thread order does not matter",
			a:    &SampleFilter{ThreadIDs: []int{1, 2}},
			b:    &SampleFilter{ThreadIDs: []int{2, 1}},
			want: true,
		},
		{
			name: "different time ranges",
			a:    &SampleFilter{TimeRange: &TimeRange{StartSampleIndex: 0, EndSampleIndex: 10}},
			b:    &SampleFilter{TimeRange: &TimeRange{StartSampleIndex: 0, EndSampleIndex: 11}},
			want: false,
		},
		{
			name: "same time ranges",
			a:    &SampleFilter{TimeRange: &TimeRange{StartSampleIndex: 2, EndSampleIndex: 10}},
			b:    &SampleFilter{TimeRange: &TimeRange{StartSampleIndex: 2, EndSampleIndex: 10}},
			want: true,
		},
		{
			name: "same call path in different trees",
			a:    &SampleFilter{Tree: t1, Instances: []calltree.Instance{a1}},
			b:    &SampleFilter{Tree: t2, Instances: []calltree.Instance{a2}},
			want: true,
		},
		{
			name: "different call paths",
			a:    &SampleFilter{Tree: t1, Instances: []calltree.Instance{a1}},
			b:    &SampleFilter{Tree: t1, Instances: []calltree.Instance{c1}},
			want: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.a.Equal(test.b); got != test.want {
				t.Fatalf("Equal: got %v want %v", got, test.want)
			}
			if got := test.b.Equal(test.a); got != test.want {
				t.Fatalf("Equal is not symmetric: got %v want %v", got, test.want)
			}
		})
	}
}

func TestInstances(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := buildTree(fs, nil, []string{"A", "B"})
	a := tree.FunctionNodes(fs.Function("A"))[0]

	f := &SampleFilter{Tree: tree}
	f.AddInstance(a)
	f.AddInstance(a)
	if len(f.Instances) != 1 || !f.HasInstanceFilter() {
		t.Fatalf("expected one instance, got %d", len(f.Instances))
	}
	if got := f.String(); got != "1 instances" {
		t.Fatalf("unexpected description %q", got)
	}
	f.RemoveInstance(a)
	if f.HasInstanceFilter() {
		t.Fatal("instance was removed")
	}
}
