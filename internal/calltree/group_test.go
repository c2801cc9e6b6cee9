package calltree

import (
	"testing"
	"time"

	"github.com/getsentry/sampleagg/internal/sample/sampletest"
	"github.com/getsentry/sampleagg/internal/testutil"
)

func TestCombinedFunctionNode(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := build(nil,
		fs.Stack(1, "F", "G", "F", "Root"),
		fs.Stack(1, "F", "Root"),
		fs.Stack(2, "H", "F", "Other"),
	)

	g := tree.CombinedFunctionNode(fs.Function("F"), nil)
	if !g.IsGroup() || len(g.InstanceNodes()) != 3 {
		t.Fatalf("expected a group of 3 instances, got %d", len(g.InstanceNodes()))
	}
	// The inner F is called by the outer one, its weight is already counted.
	if g.Weight != testutil.Ms(3) {
		t.Fatalf("weight: got %v want %v", g.Weight, testutil.Ms(3))
	}
	if g.ExclusiveWeight != testutil.Ms(2) {
		t.Fatalf("exclusive weight: got %v want %v", g.ExclusiveWeight, testutil.Ms(2))
	}

	children := make(map[string]time.Duration)
	for _, c := range g.Children {
		children[c.Function.Name] = c.Weight
	}
	wantChildren := map[string]time.Duration{"G": testutil.Ms(1), "H": testutil.Ms(1)}
	if diff := testutil.Diff(children, wantChildren); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	callers := make(map[string]time.Duration)
	for _, c := range g.Callers {
		callers[c.Function.Name] = c.Weight
	}
	wantCallers := map[string]time.Duration{
		"Root":  testutil.Ms(2),
		"G":     testutil.Ms(1),
		"Other": testutil.Ms(1),
	}
	if diff := testutil.Diff(callers, wantCallers); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	wantThreads := map[int]ThreadWeight{
		1: {Weight: testutil.Ms(2), ExclusiveWeight: testutil.Ms(2)},
		2: {Weight: testutil.Ms(1)},
	}
	if diff := testutil.Diff(g.ThreadWeights, wantThreads); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestCombinedFunctionNodeWithParent(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := build(nil,
		fs.Stack(1, "F", "Root"),
		fs.Stack(1, "F", "Root"),
		fs.Stack(1, "F", "Other"),
	)
	root := tree.FindRootNode(fs.Function("Root"))

	g := tree.CombinedFunctionNode(fs.Function("F"), root)
	if len(g.Nodes) != 1 || g.Weight != testutil.Ms(2) {
		t.Fatalf("expected only instances called by Root, got %d nodes weighing %v", len(g.Nodes), g.Weight)
	}
}

func TestCombinedNodesWeight(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := build(nil,
		fs.Stack(1, "F", "F", "Root"),
		fs.Stack(1, "F", "Other"),
	)
	nodes := tree.FunctionNodes(fs.Function("F"))
	if got := tree.CombinedNodesWeight(nodes); got != testutil.Ms(2) {
		t.Fatalf("weight: got %v want %v", got, testutil.Ms(2))
	}
	if got := tree.CombinedNodes(nodes[:1]).Weight; got != testutil.Ms(1) {
		t.Fatalf("single node weight: got %v want %v", got, testutil.Ms(1))
	}
	if g := tree.CombinedNodes(nil); g.Function != nil || g.Weight != 0 {
		t.Fatalf("expected an empty group, got %+v", g)
	}
}

func TestTopFunctionsAndModules(t *testing.T) {
	fs := sampletest.NewFunctions()
	tree := build(nil,
		fs.Stack(1, "ntdll.dll!Wait", "A", "Main"),
		fs.Stack(1, "ntdll.dll!Wait", "B", "Main"),
		fs.Stack(1, "A", "Main"),
		fs.Stack(1, "B", "A", "Main"),
		fs.Stack(1, "Idle"),
	)
	main := tree.FindRootNode(fs.Function("Main"))

	functions, modules := tree.TopFunctionsAndModules(main)

	type fnSummary struct {
		Name            string
		Weight          time.Duration
		ExclusiveWeight time.Duration
	}
	got := make([]fnSummary, 0, len(functions))
	for _, f := range functions {
		got = append(got, fnSummary{f.Function.Name, f.Weight, f.ExclusiveWeight})
	}
	want := []fnSummary{
		{"Wait", testutil.Ms(2), testutil.Ms(2)},
		{"A", testutil.Ms(3), testutil.Ms(1)},
		{"B", testutil.Ms(2), testutil.Ms(1)},
		{"Main", testutil.Ms(4), 0},
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	type modSummary struct {
		Name       string
		Weight     time.Duration
		Percentage float64
		Functions  int
	}
	gotModules := make([]modSummary, 0, len(modules))
	for _, m := range modules {
		gotModules = append(gotModules, modSummary{m.Name, m.Weight, m.Percentage, len(m.Functions)})
	}
	wantModules := []modSummary{
		{"app.dll", testutil.Ms(2), 0.5, 3},
		{"ntdll.dll", testutil.Ms(2), 0.5, 1},
	}
	if diff := testutil.Diff(gotModules, wantModules); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
