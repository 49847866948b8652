// Package ddtaskgroup implements the "task group" primitive the spec's
// cooperative-actor model assumes: a set of sibling activities that can be
// cancelled together, with the group able to wait for all of them. No
// example in the retrieval pack imports golang.org/x/sync/errgroup, so this
// stays on sync.WaitGroup plus a small cancellation helper, matching the
// hand-rolled concurrency idiom used throughout the teacher's reconciler
// and rebalance loops.
package ddtaskgroup

import (
	"context"
	"sync"
)

// Group owns a cancellable context shared by all of its members. Go(fn)
// spawns fn in its own goroutine; Wait blocks until every spawned fn has
// returned. Cancel tears the group's context down, which every member is
// expected to observe at its own suspension points.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New derives a Group from parent whose context is cancelled either when
// Cancel is called explicitly or when parent is itself cancelled.
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group's context; members should select on
// Context().Done() at their suspension points.
func (g *Group) Context() context.Context { return g.ctx }

// Go spawns fn in a new goroutine owned by the group.
func (g *Group) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Wait blocks until every member spawned via Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Cancel cancels the group's context. It does not wait for members to
// observe the cancellation; call Wait afterward if that is required.
func (g *Group) Cancel() {
	g.cancel()
}

// CancelAndWait cancels the group and blocks until every member has
// returned. The supervisor's inner-scope teardown uses it to tear down a
// generation's subtree; DDAudit.Cancel uses Cancel, which does not wait.
func (g *Group) CancelAndWait() {
	g.cancel()
	g.wg.Wait()
}
