// Package groutine starts named background workers. Names show up as pprof
// labels and can be read back from the worker's context for logging.
package groutine

import (
	"context"
	"runtime/pprof"
	"sort"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labelled with name.
//
//	groutine.Go(ctx, "gatt-read", func(ctx context.Context) {
//	    data, err := transport.Read(ctx, addr, ref)
//	    post(ReadResult{...})
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group tracks the workers it started so their owner can wait for them on
// shutdown. The zero value is ready to use.
type Group struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	running map[string]int
}

// Go starts a named worker tracked by the group.
func (g *Group) Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.running == nil {
		g.running = make(map[string]int)
	}
	g.running[name]++
	g.wg.Add(1)
	g.mu.Unlock()

	Go(parentCtx, name, func(ctx context.Context) {
		defer g.done(name)
		fn(ctx)
	})
}

func (g *Group) done(name string) {
	g.mu.Lock()
	if g.running[name]--; g.running[name] <= 0 {
		delete(g.running, name)
	}
	g.mu.Unlock()
	g.wg.Done()
}

// Running returns the names of the workers still running, sorted.
func (g *Group) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.running))
	for name := range g.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every worker returned or timeout elapsed. It returns
// the names of the workers that were still running.
func (g *Group) Wait(timeout time.Duration) []string {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return g.Running()
	}
}
