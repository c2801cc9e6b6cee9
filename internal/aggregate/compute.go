package aggregate

import (
	"context"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/sampleagg/internal/calltree"
	"github.com/getsentry/sampleagg/internal/filter"
	"github.com/getsentry/sampleagg/internal/profile"
	"github.com/getsentry/sampleagg/internal/sample"
)

// ComputeProfile builds the function profiles of the samples admitted by f
// and, if asked, their call tree. Both run side by side, sharing the thread
// count of opts.
func ComputeProfile(ctx context.Context, store *sample.Store, f *filter.SampleFilter, computeCallTree bool, opts Options) (*profile.ProfileData, error) {
	s := sentry.StartSpan(ctx, "aggregate.profile")
	s.Description = "Compute the profile"
	defer s.Finish()

	if computeCallTree {
		opts = opts.halved()
	}

	var (
		data *profile.ProfileData
		tree *calltree.Tree
	)
	g, gctx := errgroup.WithContext(s.Context())
	g.Go(func() error {
		var err error
		data, err = FunctionProfiles(gctx, store, f, opts)
		return err
	})
	if computeCallTree {
		g.Go(func() error {
			var err error
			tree, err = CallTree(gctx, store, f, opts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data.CallTree = tree
	opts.logger().Debug().
		Int("functions", len(data.FunctionProfiles)).
		Dur("profile_weight", data.ProfileWeight).
		Bool("call_tree", tree != nil).
		Msg("computed profile")
	return data, nil
}
