package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/errorutil"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/sample"
)

type (
	// SampleIndex locates one sample of the store.
	SampleIndex struct {
		Index int
		Time  time.Duration
	}

	functionSetProcessor struct {
		opts   Options
		result map[*frame.Function]struct{}
	}

	functionSamplesProcessor struct {
		opts   Options
		path   []*frame.Function
		result map[int][]SampleIndex
	}
)

// FunctionsForSamples returns every function found on the stacks of the
// samples admitted by f.
func FunctionsForSamples(ctx context.Context, store *sample.Store, f *filter.SampleFilter, opts Options) (map[*frame.Function]struct{}, error) {
	s := sentry.StartSpan(ctx, "aggregate.function_set")
	defer s.Finish()

	p := &functionSetProcessor{opts: opts}
	if err := Run[map[*frame.Function]struct{}](s.Context(), store, f, opts, p); err != nil {
		return nil, err
	}
	return p.result, nil
}

func (p *functionSetProcessor) InitializeChunk(int, int) map[*frame.Function]struct{} {
	return make(map[*frame.Function]struct{})
}

func (p *functionSetProcessor) ProcessSample(set map[*frame.Function]struct{}, e *sample.Entry, _ int) {
	for _, fr := range e.Stack.Frames {
		if fn := fr.Function(); fn != nil {
			set[fn] = struct{}{}
		}
	}
}

func (p *functionSetProcessor) CompleteChunk(map[*frame.Function]struct{}) error {
	return nil
}

func (p *functionSetProcessor) Complete(_ context.Context, sets []map[*frame.Function]struct{}) error {
	p.result = sets[0]
	for _, set := range sets[1:] {
		for fn := range set {
			p.result[fn] = struct{}{}
		}
	}
	return nil
}

// FunctionSamplesByThread returns, per thread and for sample.AllThreads, the
// admitted samples running under the call path of node. The lists are sorted
// by sample index. A group instance matches no sample.
func FunctionSamplesByThread(ctx context.Context, store *sample.Store, tree *calltree.Tree, node calltree.Instance, f *filter.SampleFilter, opts Options) (map[int][]SampleIndex, error) {
	s := sentry.StartSpan(ctx, "aggregate.function_samples")
	defer s.Finish()

	p := &functionSamplesProcessor{opts: opts}
	if n, ok := node.(*calltree.Node); ok && tree != nil && tree.Contains(n) {
		p.path = tree.Path(n)
	}
	if err := Run[map[int][]SampleIndex](s.Context(), store, f, opts, p); err != nil {
		return nil, err
	}
	return p.result, nil
}

func (p *functionSamplesProcessor) InitializeChunk(int, int) map[int][]SampleIndex {
	return make(map[int][]SampleIndex)
}

func (p *functionSamplesProcessor) ProcessSample(lists map[int][]SampleIndex, e *sample.Entry, index int) {
	if p.path == nil || !matchPath(p.path, e.Stack) {
		return
	}
	si := SampleIndex{Index: index, Time: e.Sample.Time}
	tid := e.Stack.ThreadID()
	lists[tid] = append(lists[tid], si)
	if tid != sample.AllThreads {
		lists[sample.AllThreads] = append(lists[sample.AllThreads], si)
	}
}

func (p *functionSamplesProcessor) CompleteChunk(map[int][]SampleIndex) error {
	return nil
}

// Complete concatenates the chunk lists. Chunks cover increasing index
// ranges, so the lists stay sorted.
func (p *functionSamplesProcessor) Complete(_ context.Context, chunks []map[int][]SampleIndex) error {
	p.result = make(map[int][]SampleIndex)
	for _, lists := range chunks {
		for tid, list := range lists {
			p.result[tid] = append(p.result[tid], list...)
		}
	}
	if !p.opts.Verify {
		return nil
	}
	for tid, list := range p.result {
		for i := 1; i < len(list); i++ {
			if list[i].Index <= list[i-1].Index {
				return fmt.Errorf("aggregate: %w: samples of thread %d are not sorted at %d", errorutil.ErrDataIntegrity, tid, i)
			}
		}
	}
	return nil
}
