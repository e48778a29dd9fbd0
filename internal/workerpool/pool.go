// Package workerpool fans independent work items out over a bounded number
// of goroutines and hands the results back to a single collector.
package workerpool

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool bounds concurrency. It holds no goroutines between calls.
type Pool struct {
	size   int
	logger *zap.Logger
}

// New returns a pool running at most size items at once. size < 1 means one
// worker per CPU.
func New(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, logger: logger.Named("workerpool")}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return p.size }

// Map runs fn for every item and calls collect with each result, in
// completion order, on the calling goroutine. A collect error stops the
// remaining work and is returned. Otherwise Map returns ctx.Err().
//
// An item whose fn panics produces no result; the panic is logged.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) R, collect func(R) error) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	results := make(chan R, p.size)

	go func() {
		defer close(results)
		for i := range items {
			if gctx.Err() != nil {
				break
			}
			item := items[i]
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error("Recovered panic in worker", zap.Any("panic", r))
					}
				}()
				res := fn(gctx, item)
				select {
				case results <- res:
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	var collectErr error
	for res := range results {
		if collectErr != nil {
			continue
		}
		if err := collect(res); err != nil {
			collectErr = err
			cancel()
		}
	}
	if collectErr != nil {
		return collectErr
	}
	return parent.Err()
}
