package aggregate

import (
	"context"

	"github.com/getsentry/sentry-go"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/sample"
)

type callTreeProcessor struct {
	opts   Options
	result *calltree.Tree
}

// CallTree aggregates the samples admitted by the time range and thread
// filters of f into one call tree.
func CallTree(ctx context.Context, store *sample.Store, f *filter.SampleFilter, opts Options) (*calltree.Tree, error) {
	s := sentry.StartSpan(ctx, "aggregate.calltree")
	s.Description = "Build the call tree"
	defer s.Finish()

	p := &callTreeProcessor{opts: opts}
	if err := Run[*calltree.Tree](s.Context(), store, f, opts, p); err != nil {
		return nil, err
	}
	return p.result, nil
}

func (p *callTreeProcessor) InitializeChunk(k, chunks int) *calltree.Tree {
	return calltree.New(calltree.ChunkIDAllocator(k, chunks))
}

func (p *callTreeProcessor) ProcessSample(t *calltree.Tree, e *sample.Entry, _ int) {
	t.UpdateCallTree(e.Sample, e.Stack)
}

func (p *callTreeProcessor) CompleteChunk(*calltree.Tree) error {
	return nil
}

func (p *callTreeProcessor) Complete(ctx context.Context, trees []*calltree.Tree) error {
	tree, rounds, err := reduce(ctx, trees, p.opts.threadCount(), func(dst, src *calltree.Tree) error {
		return dst.MergeWith(src)
	})
	if err != nil {
		return err
	}
	if p.opts.Verify {
		if err := tree.VerifyCycles(); err != nil {
			return err
		}
	}
	p.opts.logger().Debug().
		Int("trees", len(trees)).
		Int("rounds", rounds).
		Int("nodes", tree.NodeCount()).
		Msg("merged call trees")
	p.result = tree
	return nil
}
