package aggregate

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sampleagg/internal/errorutil"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/sample"
)

type (
	// Options configures one aggregation.
	Options struct {
		// MaxChunks bounds the number of chunks. 0 means no bound other
		// than the thread count.
		MaxChunks int
		// ThreadCount bounds the number of concurrent tasks. 0 means
		// DefaultThreadCount.
		ThreadCount int
		// Verify checks the merged results for integrity.
		Verify bool
		// Logger receives debug logs. nil disables logging.
		Logger *zerolog.Logger
	}

	// Processor is driven over the chunks of a sample range. Each chunk gets
	// its own accumulator, only touched by the task running the chunk.
	Processor[C any] interface {
		InitializeChunk(k, chunks int) C
		ProcessSample(acc C, entry *sample.Entry, index int)
		CompleteChunk(acc C) error
		// Complete receives the accumulators in chunk order.
		Complete(ctx context.Context, accs []C) error
	}
)

var nopLogger = zerolog.Nop()

// DefaultThreadCount is half of the usable CPUs, at least 1.
func DefaultThreadCount() int {
	return max(1, runtime.GOMAXPROCS(0)/2)
}

func (o Options) threadCount() int {
	if o.ThreadCount > 0 {
		return o.ThreadCount
	}
	return DefaultThreadCount()
}

func (o Options) logger() *zerolog.Logger {
	if o.Logger == nil {
		return &nopLogger
	}
	return o.Logger
}

// chunkCount returns how many chunks n samples are split into.
func (o Options) chunkCount(n int) int {
	chunks := o.threadCount()
	if o.MaxChunks > 0 {
		chunks = min(chunks, o.MaxChunks)
	}
	return max(1, min(chunks, n))
}

// halved returns options for one of two aggregations running side by side.
func (o Options) halved() Options {
	o.ThreadCount = max(1, o.threadCount()/2)
	return o
}

// Run drives p over the samples of store admitted by the time range and
// thread filters of f. The instance filter is left to the processor.
func Run[C any](ctx context.Context, store *sample.Store, f *filter.SampleFilter, opts Options, p Processor[C]) error {
	startedAt := time.Now()
	start, end := activeRange(store, f)
	n := end - start
	chunks := opts.chunkCount(n)
	chunkSize := n / chunks
	ranges, filterThreads := threadRanges(store, f)

	accs := make([]C, chunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.threadCount())
	for k := 0; k < chunks; k++ {
		k := k
		lo := start + k*chunkSize
		hi := lo + chunkSize
		if k == chunks-1 {
			hi = end
		}
		g.Go(recoverPanic(func() error {
			acc := p.InitializeChunk(k, chunks)
			for _, r := range intersectRanges(ranges, lo, hi) {
				if err := gctx.Err(); err != nil {
					return err
				}
				for i := r.StartIndex; i < r.EndIndex; i++ {
					e := &store.Samples[i]
					if filterThreads && !f.IncludesThread(e.Stack.ThreadID()) {
						continue
					}
					p.ProcessSample(acc, e, i)
				}
			}
			if err := p.CompleteChunk(acc); err != nil {
				return err
			}
			accs[k] = acc
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return err
	}

	opts.logger().Debug().
		Int("samples", n).
		Int("chunks", chunks).
		Dur("elapsed", time.Since(startedAt)).
		Msg("processed sample chunks")

	return p.Complete(ctx, accs)
}

// activeRange returns the sample index range selected by the time range of
// f, clamped to the store.
func activeRange(store *sample.Store, f *filter.SampleFilter) (int, int) {
	n := store.Len()
	if f == nil || f.TimeRange == nil {
		return 0, n
	}
	start := min(max(f.TimeRange.StartSampleIndex, 0), n)
	end := min(max(f.TimeRange.EndSampleIndex, start), n)
	return start, end
}

// threadRanges returns the ranges to visit and whether each sample still has
// to be checked against the thread filter. A single thread is handled by
// only visiting its own ranges.
func threadRanges(store *sample.Store, f *filter.SampleFilter) ([]sample.Range, bool) {
	if tid, ok := f.SingleThread(); ok {
		return store.Ranges(tid), false
	}
	return store.Ranges(sample.AllThreads), f.HasThreadFilter()
}

// intersectRanges clips the sorted, disjoint ranges to [lo, hi).
func intersectRanges(ranges []sample.Range, lo, hi int) []sample.Range {
	i := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].EndIndex > lo
	})
	var out []sample.Range
	for ; i < len(ranges) && ranges[i].StartIndex < hi; i++ {
		r := sample.Range{
			StartIndex: max(ranges[i].StartIndex, lo),
			EndIndex:   min(ranges[i].EndIndex, hi),
		}
		if r.Len() > 0 {
			out = append(out, r)
		}
	}
	return out
}

// recoverPanic returns fn with its panics turned into ErrDataIntegrity errors.
func recoverPanic(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("aggregate: %w: %v", errorutil.ErrDataIntegrity, r)
			}
		}()
		return fn()
	}
}
