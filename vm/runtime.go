package vm

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("tern.vm")

// ---------------------------------------------------------------------------
// Runtime: a program plus the contexts executing it
// ---------------------------------------------------------------------------

// DefaultMaxDepth bounds the call stack of one context.
const DefaultMaxDepth = 1024

// Config tunes a Runtime. Zero values select defaults.
type Config struct {
	MaxDepth  int // frames per context
	InboxSize int // initial inbox capacity per context
}

// Runtime executes a Program. It owns the frame arena shared by all of its
// contexts and tracks the contexts that are still running.
type Runtime struct {
	program   *Program
	maxDepth  int
	inboxSize int
	frames    frameArena

	mu       sync.Mutex
	seq      uint64
	contexts map[uuid.UUID]*Context
}

// NewRuntime creates a runtime for p.
func NewRuntime(p *Program, cfg Config) *Runtime {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 4
	}
	return &Runtime{
		program:   p,
		maxDepth:  cfg.MaxDepth,
		inboxSize: cfg.InboxSize,
		contexts:  make(map[uuid.UUID]*Context),
	}
}

// Program returns the program being executed.
func (rt *Runtime) Program() *Program {
	return rt.program
}

// Frame resolves a frame reference. Released frames do not resolve.
func (rt *Runtime) Frame(ref FrameRef) (*Frame, bool) {
	f := rt.frames.get(ref)
	return f, f != nil
}

// LiveFrames returns the number of frames not yet released.
func (rt *Runtime) LiveFrames() int {
	return rt.frames.count()
}

// Contexts returns the running contexts in creation order.
func (rt *Runtime) Contexts() []*Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Context, 0, len(rt.contexts))
	for _, c := range rt.contexts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (rt *Runtime) forget(c *Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.contexts, c.id)
}

// ---------------------------------------------------------------------------
// Forking
// ---------------------------------------------------------------------------

// ForkOptions control a forked context.
type ForkOptions struct {
	// Creator is recorded as the root frame's creator link.
	Creator FrameRef
	// Manual contexts get no driver goroutine; drive them with
	// Context.RunUntilIdle or Runtime.RunUntilIdle.
	Manual bool
}

// Fork admits fn as the root frame of a new, independent context and starts
// driving it without blocking the caller. Arguments must match the
// function's parameter types.
func (rt *Runtime) Fork(ctx context.Context, fn *Function, args []Value, opts ForkOptions) (*Task, error) {
	if err := checkArgs(fn, args); err != nil {
		return nil, err
	}
	root := rt.newFrame(fn, NoFrame, opts.Creator)
	root.bindArgs(args)
	c := rt.newContext(ctx, root, opts.Manual)
	c.start()
	return c.task, nil
}

// ForkByName forks the named function.
func (rt *Runtime) ForkByName(ctx context.Context, name string, args []Value, opts ForkOptions) (*Task, error) {
	fn, ok := rt.program.Function(name)
	if !ok {
		return nil, newError(KindLinkage, "unknown function %s", name)
	}
	return rt.Fork(ctx, fn, args, opts)
}

// Invoke forks the named function and waits for its result.
func (rt *Runtime) Invoke(ctx context.Context, name string, args ...Value) (Value, error) {
	task, err := rt.ForkByName(ctx, name, args, ForkOptions{})
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

// ForkFrame admits an existing frame, typically one rebuilt by Restore, as
// the root of a new context. A Suspended frame waits for an Accept call; a
// Created or Running frame continues at its program counter.
func (rt *Runtime) ForkFrame(ctx context.Context, root *Frame, opts ForkOptions) (*Task, error) {
	if root.ctx != nil {
		return nil, newError(KindProtocolViolation, "%s already belongs to a context", root.ref)
	}
	if root.State().Done() {
		return nil, newError(KindProtocolViolation, "%s has already finished", root.ref)
	}
	c := rt.newContext(ctx, root, opts.Manual)
	if root.State() == FrameSuspended {
		c.awaiting = root
	}
	c.start()
	return c.task, nil
}

func (rt *Runtime) newContext(ctx context.Context, root *Frame, manual bool) *Context {
	goctx, cancel := context.WithCancel(ctx)
	c := &Context{
		id:     uuid.New(),
		rt:     rt,
		goctx:  goctx,
		cancel: cancel,
		manual: manual,
		stack:  []*Frame{root},
		inbox:  make([]message, 0, rt.inboxSize),
		wake:   make(chan struct{}, 1),
	}
	root.ctx = c
	c.task = newTask(c, root)
	context.AfterFunc(goctx, func() {
		if !c.task.Finished() {
			log.Infof("context %s: cancelled, interrupting", c.id)
			c.Interrupt()
		}
	})
	rt.mu.Lock()
	rt.seq++
	c.seq = rt.seq
	rt.contexts[c.id] = c
	rt.mu.Unlock()
	log.Infof("context %s: started %s", c.id, root.fn.Name)
	return c
}

// forkAsync starts callee in a child context on behalf of a callasync in
// caller, suspending the caller until the child's root finishes.
func (c *Context) forkAsync(caller *Frame, callee *Function, args []Value) {
	root := c.rt.newFrame(callee, caller.ref, caller.ref)
	root.bindArgs(args)
	child := c.rt.newContext(c.goctx, root, c.manual)
	child.parent = c
	child.parentFrame = caller
	c.suspend(caller, child)
	child.start()
}

// RunUntilIdle drives every manual context on the calling goroutine, in
// creation order, until none of them can make progress.
func (rt *Runtime) RunUntilIdle() {
	for {
		progressed := false
		for _, c := range rt.Contexts() {
			if c.manual && c.runUntilIdle() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// checkArgs validates call arguments against a function's parameters.
func checkArgs(fn *Function, args []Value) error {
	if len(args) != len(fn.Params) {
		return newError(KindLinkage, "%s: called with %d arguments, want %d", fn.Name, len(args), len(fn.Params))
	}
	for i, p := range fn.Params {
		if k := fn.Slots[p].Type; !Assignable(k, args[i]) {
			return newError(KindSlotTypeMismatch, "%s: argument %d (%s) is %s, want %s", fn.Name, i, fn.Slots[p].Name, TypeOf(args[i]), k)
		}
	}
	return nil
}
