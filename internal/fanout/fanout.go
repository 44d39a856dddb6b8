// Package fanout runs independent labelled tasks concurrently and joins
// their results.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group collects results of labelled tasks. The first task to fail cancels
// the shared context and its error is the one returned by Wait.
type Group[T any] struct {
	g       *errgroup.Group
	ctx     context.Context
	mu      sync.Mutex
	results map[string]T
}

// New creates a group whose tasks share a context derived from ctx.
func New[T any](ctx context.Context) *Group[T] {
	g, gctx := errgroup.WithContext(ctx)
	return &Group[T]{g: g, ctx: gctx, results: make(map[string]T)}
}

// SetLimit bounds the number of tasks running at once.
func (g *Group[T]) SetLimit(n int) {
	g.g.SetLimit(n)
}

// Go launches fn under label. Launching the same label twice keeps the
// result of whichever task finishes last.
func (g *Group[T]) Go(label string, fn func(ctx context.Context) (T, error)) {
	g.g.Go(func() error {
		v, err := fn(g.ctx)
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.results[label] = v
		g.mu.Unlock()
		return nil
	})
}

// Wait blocks until every task has finished and returns the results keyed
// by label.
func (g *Group[T]) Wait() (map[string]T, error) {
	if err := g.g.Wait(); err != nil {
		return nil, err
	}
	return g.results, nil
}

// Pending tracks operations started in the background, such as writes
// issued while later steps of a request are still running. The zero value
// is ready to use.
type Pending struct {
	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

// Go starts fn in the background.
func (p *Pending) Go(fn func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := fn(); err != nil {
			p.mu.Lock()
			if p.err == nil {
				p.err = err
			}
			p.mu.Unlock()
		}
	}()
}

// Wait blocks until every operation has settled and returns the first error.
func (p *Pending) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
