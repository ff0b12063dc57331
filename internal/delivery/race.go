package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// WatchFunc runs one watcher until it completes or ctx ends.
type WatchFunc func(ctx context.Context) Result

var errRaceWon = errors.New("delivery: watcher completed")

// Race runs the watchers concurrently. The first one to deliver every id in
// want wins; the others are cancelled and joined before Race returns. When
// none completes, the partial results are merged, earlier watchers taking
// precedence for ids seen by more than one.
func Race(ctx context.Context, want []common.Hash, watchers ...WatchFunc) Result {
	if len(watchers) == 0 {
		return Result{}
	}

	var (
		once   sync.Once
		winner Result
	)
	partials := make([]Result, len(watchers))
	g, gctx := errgroup.WithContext(ctx)
	for i, watch := range watchers {
		g.Go(func() error {
			res := watch(gctx)
			partials[i] = res
			if len(want) > 0 && res.Complete(want) {
				won := false
				once.Do(func() {
					winner = res
					won = true
				})
				if won {
					return errRaceWon
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if winner != nil {
		return winner
	}
	merged := make(Result)
	for _, partial := range partials {
		for id, d := range partial {
			if _, ok := merged[id]; !ok {
				merged[id] = d
			}
		}
	}
	return merged
}
