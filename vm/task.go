package vm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Task is the top-level unit of work of an execution context: its root
// frame running to completion or failure.
type Task struct {
	ctx  *Context
	root *Frame
	done chan struct{}

	once     sync.Once
	finished atomic.Bool
	value    Value
	err      error
}

func newTask(c *Context, root *Frame) *Task {
	return &Task{ctx: c, root: root, done: make(chan struct{})}
}

// ID returns the identity of the task's context.
func (t *Task) ID() uuid.UUID { return t.ctx.id }

// Context returns the execution context running the task.
func (t *Task) Context() *Context { return t.ctx }

// Root returns the task's root frame.
func (t *Task) Root() *Frame { return t.root }

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished reports whether the task has finished.
func (t *Task) Finished() bool { return t.finished.Load() }

// Result returns the root frame's result, or the error that failed the
// task. It returns (nil, nil) while the task is still running.
func (t *Task) Result() (Value, error) {
	if !t.Finished() {
		return nil, nil
	}
	return t.value, t.err
}

// Wait blocks until the task finishes or ctx is done. An unhandled
// exception is reported as an *Error matching ErrUnhandledException.
func (t *Task) Wait(ctx context.Context) (Value, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the task's host context, interrupting its frames.
func (t *Task) Cancel() {
	t.ctx.cancel()
	t.ctx.signal()
}

// resolve records the outcome once. It reports whether this call did so.
func (t *Task) resolve(v Value, err error) bool {
	first := false
	t.once.Do(func() {
		first = true
		t.value = v
		t.err = err
		t.finished.Store(true)
		close(t.done)
	})
	return first
}
