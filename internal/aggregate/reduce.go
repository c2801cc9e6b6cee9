package aggregate

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// reduce merges items in rounds of disjoint pairs until one is left. In each
// round items[2i+1] is merged into items[2i] concurrently; with an odd count
// the last item is then merged into the first one. It returns the merged item
// and the number of rounds.
func reduce[T any](ctx context.Context, items []T, limit int, merge func(dst, src T) error) (T, int, error) {
	var zero T
	if len(items) == 0 {
		return zero, 0, nil
	}

	rounds := 0
	for len(items) > 1 {
		if err := ctx.Err(); err != nil {
			return zero, rounds, err
		}

		pairs := len(items) / 2
		g := new(errgroup.Group)
		g.SetLimit(limit)
		next := make([]T, 0, pairs)
		for i := 0; i < pairs; i++ {
			dst, src := items[2*i], items[2*i+1]
			next = append(next, dst)
			g.Go(recoverPanic(func() error {
				return merge(dst, src)
			}))
		}
		if err := g.Wait(); err != nil {
			return zero, rounds, err
		}

		if len(items)%2 == 1 {
			last := items[len(items)-1]
			err := recoverPanic(func() error {
				return merge(next[0], last)
			})()
			if err != nil {
				return zero, rounds, err
			}
		}
		items = next
		rounds++
	}
	return items[0], rounds, nil
}
