package main

import (
	"context"

	"golang.org/x/sync/errgroup"
)

//runPool 在固定大小的协程池中执行同一类任务，按输入顺序返回结果。
// 任一任务失败则不再派发新任务，等待已派发的任务结束后返回第一个错误
func runPool[T, R any](ctx context.Context, workers int, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range items {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := fn(gctx, items[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
