package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/frame"
	"github.com/getsentry/sampleagg/internal/profile"
	"github.com/getsentry/sampleagg/internal/sample"
)

type (
	functionChunk struct {
		functions     map[*frame.Function]*profile.FunctionProfileData
		moduleWeights map[int]time.Duration
		totalWeight   time.Duration
		profileWeight time.Duration
		// seen holds the functions of the sample being processed.
		seen map[*frame.Function]struct{}
	}

	functionProfileProcessor struct {
		opts      Options
		instances instancePaths

		mu     sync.Mutex
		result *profile.ProfileData
	}
)

// FunctionProfiles aggregates, per function, the weights and instruction
// histograms of the samples admitted by f.
func FunctionProfiles(ctx context.Context, store *sample.Store, f *filter.SampleFilter, opts Options) (*profile.ProfileData, error) {
	s := sentry.StartSpan(ctx, "aggregate.functions")
	s.Description = "Build the function profiles"
	defer s.Finish()

	p := &functionProfileProcessor{
		opts:      opts,
		instances: newInstancePaths(f),
		result:    profile.New(),
	}
	p.result.Filter = f
	if err := Run[*functionChunk](s.Context(), store, f, opts, p); err != nil {
		return nil, err
	}
	return p.result, nil
}

func (p *functionProfileProcessor) InitializeChunk(int, int) *functionChunk {
	return &functionChunk{
		functions:     make(map[*frame.Function]*profile.FunctionProfileData),
		moduleWeights: make(map[int]time.Duration),
		seen:          make(map[*frame.Function]struct{}),
	}
}

func (p *functionProfileProcessor) ProcessSample(c *functionChunk, e *sample.Entry, index int) {
	if !p.instances.match(e.Stack) {
		return
	}

	weight := e.Sample.Weight
	c.totalWeight += weight
	c.profileWeight += weight

	for k := range c.seen {
		delete(c.seen, k)
	}
	top := true
	for _, fr := range e.Stack.Frames {
		if fr.IsUnknown() {
			continue
		}
		d := fr.Details
		if top {
			c.moduleWeights[d.ImageID()] += weight
		}

		fp, ok := c.functions[d.Function]
		if !ok {
			fp = profile.NewFunctionProfileData(d.DebugInfo)
			c.functions[d.Function] = fp
		}
		// Recursive frames only count once.
		if _, ok := c.seen[d.Function]; !ok {
			c.seen[d.Function] = struct{}{}
			fp.AddInstructionSample(fr.Offset(), weight)
			fp.Weight += weight
			fp.ObserveSample(index)
		}
		if top {
			fp.ExclusiveWeight += weight
			top = false
		}
	}
}

func (p *functionProfileProcessor) CompleteChunk(c *functionChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.TotalWeight += c.totalWeight
	p.result.ProfileWeight += c.profileWeight
	for id, w := range c.moduleWeights {
		p.result.AddModuleSample(id, w)
	}
	return nil
}

func (p *functionProfileProcessor) Complete(ctx context.Context, chunks []*functionChunk) error {
	merged, rounds, err := reduce(ctx, chunks, p.opts.threadCount(), func(dst, src *functionChunk) error {
		profile.MergeFunctionProfiles(dst.functions, src.functions)
		return nil
	})
	if err != nil {
		return err
	}
	if merged != nil {
		p.result.FunctionProfiles = merged.functions
	}
	p.opts.logger().Debug().
		Int("chunks", len(chunks)).
		Int("rounds", rounds).
		Int("functions", len(p.result.FunctionProfiles)).
		Msg("merged function profiles")
	return nil
}
