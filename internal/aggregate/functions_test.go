package aggregate

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/profile"
	"github.com/getsentry/sampleagg/internal/sample"
	"github.com/getsentry/sampleagg/internal/sample/sampletest"
	"github.com/getsentry/sampleagg/internal/testutil"
)

func weights(p *profile.ProfileData) map[string][2]time.Duration {
	out := make(map[string][2]time.Duration)
	for f, d := range p.FunctionProfiles {
		out[f.Name] = [2]time.Duration{d.Weight, d.ExclusiveWeight}
	}
	return out
}

func TestFunctionProfiles(t *testing.T) {
	fs := sampletest.NewFunctions()
	tests := []struct {
		name   string
		stacks []*sample.ResolvedStack
		want   map[string][2]time.Duration
	}{
		{
			name:   "exclusive weight goes to the leaf",
			stacks: []*sample.ResolvedStack{fs.Stack(1, "A", "B", "C")},
			want: map[string][2]time.Duration{
				"A": {testutil.Ms(1), testutil.Ms(1)},
				"B": {testutil.Ms(1), 0},
				"C": {testutil.Ms(1), 0},
			},
		},
		{
			name:   "recursive leaf",
			stacks: []*sample.ResolvedStack{fs.Stack(1, "F", "F", "F", "Root")},
			want: map[string][2]time.Duration{
				"F":    {testutil.Ms(1), testutil.Ms(1)},
				"Root": {testutil.Ms(1), 0},
			},
		},
		{
			name:   "recursion below the leaf",
			stacks: []*sample.ResolvedStack{fs.Stack(1, "G", "F", "F", "F", "Root")},
			want: map[string][2]time.Duration{
				"G":    {testutil.Ms(1), testutil.Ms(1)},
				"F":    {testutil.Ms(1), 0},
				"Root": {testutil.Ms(1), 0},
			},
		},
		{
			name:   "unknown leaf",
			stacks: []*sample.ResolvedStack{fs.Stack(1, sampletest.Unknown, "A", "B")},
			want: map[string][2]time.Duration{
				"A": {testutil.Ms(1), testutil.Ms(1)},
				"B": {testutil.Ms(1), 0},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store := sampletest.Store(sampletest.Entries(test.stacks...))
			p, err := FunctionProfiles(context.Background(), store, nil, Options{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := testutil.Diff(weights(p), test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestFunctionProfilesDetails(t *testing.T) {
	fs := sampletest.NewFunctions()
	s1 := fs.Stack(1, "ntdll.dll!Wait", "A", "Main")
	s2 := fs.Stack(1, "A", "Main")
	s2.Frames[0].FrameRVA += 0x20
	s3 := fs.Stack(2, "B", "Main")
	s4 := fs.Stack(2, "ntdll.dll!Wait", "B", "Main")
	store := sampletest.Store(sampletest.Entries(s1, s2, s3, s4))

	p, err := FunctionProfiles(context.Background(), store, nil, optionsFor(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := p.FunctionProfile(fs.Function("A"))
	wantA := functionSummary{
		Weight:          testutil.Ms(2),
		ExclusiveWeight: testutil.Ms(1),
		InstructionWeight: map[int64]time.Duration{
			0x10: testutil.Ms(1),
			0x30: testutil.Ms(1),
		},
		SampleStartIndex: 0,
		SampleEndIndex:   1,
	}
	gotA := functionSummary{a.Weight, a.ExclusiveWeight, a.InstructionWeight, a.SampleStartIndex, a.SampleEndIndex}
	if diff := testutil.Diff(gotA, wantA); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	m := p.FunctionProfile(fs.Function("Main"))
	if m.SampleStartIndex != 0 || m.SampleEndIndex != 3 {
		t.Fatalf("Main sample range: got [%d, %d] want [0, 3]", m.SampleStartIndex, m.SampleEndIndex)
	}

	wantModules := map[int]time.Duration{
		fs.Details("ntdll.dll!Wait").ImageID(): testutil.Ms(2),
		fs.Details("A").ImageID():              testutil.Ms(2),
	}
	if diff := testutil.Diff(p.ModuleWeights, wantModules); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if p.TotalWeight != testutil.Ms(4) || p.ProfileWeight != testutil.Ms(4) {
		t.Fatalf("unexpected weights: total %v, profile %v", p.TotalWeight, p.ProfileWeight)
	}
}

func instanceTree(fs *sampletest.Functions) *calltree.Tree {
	tree := calltree.New(nil)
	for _, e := range sampletest.Entries(
		fs.Stack(1, "A", "B", "Root"),
		fs.Stack(1, "A", "D", "Root"),
	) {
		tree.UpdateCallTree(e.Sample, e.Stack)
	}
	return tree
}

func TestFunctionProfilesInstanceFilter(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := instanceTree(fs)
	root := tree.FindRootNode(fs.Function("Root"))
	rootBA := tree.FindChildNode(tree.FindChildNode(root, fs.Function("B")), fs.Function("A"))
	other := instanceTree(fs).FunctionNodes(fs.Function("A"))[0]

	store := sampletest.Store(sampletest.Entries(
		fs.Stack(1, "A", "B", "Root"),
		fs.Stack(1, "A", "D", "Root"),
		fs.Stack(1, "A"),
		fs.Stack(2, "X", "A", "B", "Root"),
		fs.Stack(2, "A", sampletest.Unknown, "B", "Root"),
		fs.Stack(2, "B", "Root"),
	))

	tests := []struct {
		name      string
		instances []calltree.Instance
		weight    time.Duration
		want      map[string][2]time.Duration
	}{
		{
			name:      "single instance",
			instances: []calltree.Instance{rootBA},
			weight:    testutil.Ms(3),
			want: map[string][2]time.Duration{
				"A":    {testutil.Ms(3), testutil.Ms(2)},
				"B":    {testutil.Ms(3), 0},
				"Root": {testutil.Ms(3), 0},
				"X":    {testutil.Ms(1), testutil.Ms(1)},
			},
		},
		{
			name:      "group instance",
			instances: []calltree.Instance{tree.CombinedFunctionNode(fs.Function("A"), nil)},
			weight:    testutil.Ms(4),
			want: map[string][2]time.Duration{
				"A":    {testutil.Ms(4), testutil.Ms(3)},
				"B":    {testutil.Ms(3), 0},
				"D":    {testutil.Ms(1), 0},
				"Root": {testutil.Ms(4), 0},
				"X":    {testutil.Ms(1), testutil.Ms(1)},
			},
		},
		{
			name:      "instance of another tree",
			instances: []calltree.Instance{other},
			weight:    0,
			want:      map[string][2]time.Duration{},
		},
	}

	for _, test := range tests {
		for _, chunks := range []int{1, 3} {
			t.Run(fmt.Sprintf("%s/%d chunks", test.name, chunks), func(t *testing.T) {
				f := &filter.SampleFilter{Tree: tree, Instances: test.instances}
				p, err := FunctionProfiles(context.Background(), store, f, optionsFor(chunks))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.ProfileWeight != test.weight {
					t.Fatalf("profile weight: got %v want %v", p.ProfileWeight, test.weight)
				}
				if diff := testutil.Diff(weights(p), test.want); diff != "" {
					t.Fatalf("Result mismatch: got - want +\n%s", diff)
				}
			})
		}
	}
}

func TestSingleThreadMatchesManualFilter(t *testing.T) {
	fs := sampletest.NewFunctions()
	store := workload(fs, 400)

	single, err := FunctionProfiles(context.Background(), store, &filter.SampleFilter{ThreadIDs: []int{3}}, optionsFor(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	perSample, err := FunctionProfiles(context.Background(), store, &filter.SampleFilter{ThreadIDs: []int{3, 1000}}, optionsFor(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(summarizeProfile(single), summarizeProfile(perSample)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	var entries []sample.Entry
	for _, e := range store.Samples {
		if e.Stack.ThreadID() == 3 {
			entries = append(entries, e)
		}
	}
	manual, err := FunctionProfiles(context.Background(), sampletest.Store(entries), nil, optionsFor(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(weights(single), weights(manual)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if single.ProfileWeight != manual.ProfileWeight || single.ProfileWeight == 0 {
		t.Fatalf("profile weight: got %v want %v", single.ProfileWeight, manual.ProfileWeight)
	}
}

func TestFunctionsForSamples(t *testing.T) {
	fs := sampletest.NewFunctions()
	store := sampletest.Store(sampletest.Entries(
		fs.Stack(1, "A", "B"),
		fs.Stack(2, "C", sampletest.Unknown, "B"),
		fs.Stack(3, "D"),
	))
	for _, chunks := range []int{1, 3} {
		set, err := FunctionsForSamples(context.Background(), store, &filter.SampleFilter{ThreadIDs: []int{1, 2}}, optionsFor(chunks))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var names []string
		for f := range set {
			names = append(names, f.Name)
		}
		sort.Strings(names)
		if diff := testutil.Diff(names, []string{"A", "B", "C"}); diff != "" {
			t.Fatalf("Result mismatch: got - want +\n%s", diff)
		}
	}
}

func TestFunctionSamplesByThread(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := instanceTree(fs)
	node := tree.FindChildNode(tree.FindChildNode(tree.FindRootNode(fs.Function("Root")), fs.Function("B")), fs.Function("A"))

	store := sampletest.Store(sampletest.Entries(
		fs.Stack(1, "A", "B", "Root"),
		fs.Stack(2, "A", "B", "Root"),
		fs.Stack(1, "A", "D", "Root"),
		fs.Stack(1, "X", "A", "B", "Root"),
		fs.Stack(2, "B", "Root"),
		fs.Stack(2, "A", "B", "Root"),
	))
	want := map[int][]SampleIndex{
		1:                 {{0, 0}, {3, testutil.Ms(3)}},
		2:                 {{1, testutil.Ms(1)}, {5, testutil.Ms(5)}},
		sample.AllThreads: {{0, 0}, {1, testutil.Ms(1)}, {3, testutil.Ms(3)}, {5, testutil.Ms(5)}},
	}

	for _, chunks := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d chunks", chunks), func(t *testing.T) {
			got, err := FunctionSamplesByThread(context.Background(), store, tree, node, nil, optionsFor(chunks))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := testutil.Diff(got, want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}

	group := tree.CombinedFunctionNode(fs.Function("A"), nil)
	got, err := FunctionSamplesByThread(context.Background(), store, tree, group, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("a group node matches no sample, got %v", got)
	}
}

func TestStoreWithoutIndex(t *testing.T) {
	fs := sampletest.NewFunctions()
	indexed := workload(fs, 200)
	bare := &sample.Store{Samples: indexed.Samples}

	want, err := FunctionProfiles(context.Background(), indexed, &filter.SampleFilter{ThreadIDs: []int{3}}, optionsFor(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, threads := range [][]int{{3}, {3, 1000}} {
		got, err := FunctionProfiles(context.Background(), bare, &filter.SampleFilter{ThreadIDs: threads}, optionsFor(4))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ProfileWeight == 0 || got.ProfileWeight != want.ProfileWeight {
			t.Fatalf("threads %v: profile weight %v, want %v", threads, got.ProfileWeight, want.ProfileWeight)
		}
		if diff := testutil.Diff(summarizeProfile(got), summarizeProfile(want)); diff != "" {
			t.Fatalf("Result mismatch: got - want +\n%s", diff)
		}
	}
}

func TestFunctionSamplesByThreadWithoutTree(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := instanceTree(fs)
	node := tree.FindRootNode(fs.Function("Root"))
	store := sampletest.Store(sampletest.Entries(fs.Stack(1, "A", "B", "Root")))

	got, err := FunctionSamplesByThread(context.Background(), store, nil, node, nil, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no samples without a tree, got %v", got)
	}
}
