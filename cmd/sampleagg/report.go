package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"

	"github.com/getsentry/sampleagg/internal/aggregate"
	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/metrics"
	"github.com/getsentry/sampleagg/internal/profile"
	"github.com/getsentry/sampleagg/internal/sample"
	"github.com/getsentry/sampleagg/internal/speedscope"
	"github.com/getsentry/sampleagg/internal/storageutil"
)

type (
	Report struct {
		Samples         int                       `json:"samples"`
		ProfileWeightNS uint64                    `json:"profile_weight_ns"`
		UniqueFunctions int                       `json:"unique_functions"`
		CallTreeNodes   int                       `json:"call_tree_nodes,omitempty"`
		Threads         []ThreadReport            `json:"threads"`
		Modules         []ModuleReport            `json:"modules"`
		Functions       []metrics.FunctionMetrics `json:"functions"`
		Roots           []RootReport              `json:"roots,omitempty"`
	}

	ThreadReport struct {
		ThreadID int    `json:"thread_id"`
		WeightNS uint64 `json:"weight_ns"`
	}

	ModuleReport struct {
		ImageID    int     `json:"image_id"`
		WeightNS   uint64  `json:"weight_ns"`
		Percentage float64 `json:"percentage"`
	}

	// RootReport summarizes the functions and modules under one root of the
	// call tree.
	RootReport struct {
		Name         string          `json:"name"`
		WeightNS     uint64          `json:"weight_ns"`
		TopFunctions []FunctionShare `json:"top_functions"`
		TopModules   []FunctionShare `json:"top_modules"`
	}

	FunctionShare struct {
		Name       string  `json:"name"`
		WeightNS   uint64  `json:"weight_ns"`
		Percentage float64 `json:"percentage,omitempty"`
	}
)

const topPerRoot = 5

func (f flags) sampleFilter(store *sample.Store) *filter.SampleFilter {
	sf := &filter.SampleFilter{ThreadIDs: f.Threads}
	end := f.End
	if end < 0 {
		end = store.Len()
	}
	if f.Start > 0 || end < store.Len() {
		sf.TimeRange = &filter.TimeRange{StartSampleIndex: f.Start, EndSampleIndex: end}
		if f.Start < end && end <= store.Len() && f.Start >= 0 {
			sf.TimeRange.StartTime = store.Samples[f.Start].Sample.Time
			sf.TimeRange.EndTime = store.Samples[end-1].Sample.Time
		}
	}
	return sf
}

func (f flags) options(c ServiceConfig) aggregate.Options {
	return aggregate.Options{
		MaxChunks:   c.MaxChunks,
		ThreadCount: c.ThreadCount,
		Verify:      c.Verify,
		Logger:      &log.Logger,
	}
}

func run(ctx context.Context, c ServiceConfig, f flags, bucket *blob.Bucket, w io.Writer) error {
	s := sentry.StartSpan(ctx, "sampleagg.read")
	var d Dump
	err := storageutil.Unmarshal(s.Context(), bucket, f.Dump, &d)
	s.Finish()
	if err != nil {
		return fmt.Errorf("can't read dump %q: %w", f.Dump, err)
	}
	store, err := d.Store()
	if err != nil {
		return err
	}
	log.Debug().Str("dump", f.Dump).Int("samples", store.Len()).Int("functions", len(d.Functions)).Msg("dump loaded")

	if f.CompressTo != "" {
		if err := storageutil.CompressedWrite(ctx, bucket, f.CompressTo, d); err != nil {
			return fmt.Errorf("can't write compressed dump: %w", err)
		}
	}

	sf := f.sampleFilter(store)
	opts := f.options(c)

	var out interface{}
	switch f.Format {
	case "flamegraph":
		start, end := 0, store.Len()
		if sf.TimeRange != nil {
			start, end = sf.TimeRange.StartSampleIndex, sf.TimeRange.EndSampleIndex
		}
		o := speedscope.FromSamples(store, start, end, f.Dump)
		o.SortSamplesForFlamegraph()
		out = o
	case "speedscope":
		tree, err := aggregate.CallTree(ctx, store, sf, opts)
		if err != nil {
			return err
		}
		out = speedscope.FromCallTree(tree, f.Dump)
	default:
		p, err := aggregate.ComputeProfile(ctx, store, sf, !f.NoCallTree, opts)
		if err != nil {
			return err
		}
		functions, err := aggregate.FunctionsForSamples(ctx, store, sf, opts)
		if err != nil {
			return err
		}
		r := newReport(store, p, f.Functions)
		r.UniqueFunctions = len(functions)
		out = r
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newReport(store *sample.Store, p *profile.ProfileData, maxFunctions uint) Report {
	r := Report{
		Samples:         store.Len(),
		ProfileWeightNS: uint64(p.ProfileWeight),
		Functions:       metrics.FromProfile(p, maxFunctions),
	}
	for _, tw := range store.SortedThreadWeights() {
		r.Threads = append(r.Threads, ThreadReport{ThreadID: tw.ThreadID, WeightNS: uint64(tw.Weight)})
	}
	for id, weight := range p.ModuleWeights {
		r.Modules = append(r.Modules, ModuleReport{
			ImageID:    id,
			WeightNS:   uint64(weight),
			Percentage: p.ScaleModuleWeight(weight),
		})
	}
	sort.Slice(r.Modules, func(i, j int) bool {
		if r.Modules[i].WeightNS != r.Modules[j].WeightNS {
			return r.Modules[i].WeightNS > r.Modules[j].WeightNS
		}
		return r.Modules[i].ImageID < r.Modules[j].ImageID
	})
	if p.CallTree != nil {
		r.CallTreeNodes = p.CallTree.NodeCount()
		for _, root := range p.CallTree.RootNodes() {
			r.Roots = append(r.Roots, rootReport(p.CallTree, root))
		}
	}
	return r
}

func rootReport(tree *calltree.Tree, root *calltree.Node) RootReport {
	rr := RootReport{Name: root.Function.String(), WeightNS: uint64(root.Weight)}
	functions, modules := tree.TopFunctionsAndModules(root)
	for i, fn := range functions {
		if i == topPerRoot {
			break
		}
		rr.TopFunctions = append(rr.TopFunctions, FunctionShare{
			Name:     fn.Function.String(),
			WeightNS: uint64(fn.ExclusiveWeight),
		})
	}
	for i, m := range modules {
		if i == topPerRoot {
			break
		}
		rr.TopModules = append(rr.TopModules, FunctionShare{
			Name:       m.Name,
			WeightNS:   uint64(m.Weight),
			Percentage: m.Percentage,
		})
	}
	return rr
}
