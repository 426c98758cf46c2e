package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Inbox messages
// ---------------------------------------------------------------------------

type messageKind uint8

const (
	msgValue     messageKind = iota // resume a frame with a value
	msgVoid                         // resume a frame without a value
	msgException                    // resume a frame by raising an exception
	msgFault                        // fail the task with a host-level error
)

// message is the unit of cross-goroutine communication with a context.
// Other goroutines never touch frame state directly; they post messages
// that the context's driver applies in order.
type message struct {
	kind  messageKind
	frame *Frame
	value Value
	exc   *Instance
	err   error
}

// ---------------------------------------------------------------------------
// Context: an independent logical call stack
// ---------------------------------------------------------------------------

// Context owns one call stack and drives it. Frames in one context run
// strictly one at a time; concurrency comes from running many contexts.
type Context struct {
	id     uuid.UUID
	seq    uint64
	rt     *Runtime
	goctx  context.Context
	cancel context.CancelFunc
	manual bool
	task   *Task

	// Set for contexts forked by callasync: the frame waiting for our root.
	parent      *Context
	parentFrame *Frame

	runMu        sync.Mutex // held while driving
	unwindOrigin *Error

	mu       sync.Mutex // guards the fields below
	stack    []*Frame
	inbox    []message
	awaiting *Frame
	pending  any // what awaiting waits on: *NativeCall, child *Context or nil
	wake     chan struct{}
}

// ID returns the context's identity.
func (c *Context) ID() uuid.UUID { return c.id }

// Task returns the task the context runs.
func (c *Context) Task() *Task { return c.task }

// Runtime returns the owning runtime.
func (c *Context) Runtime() *Runtime { return c.rt }

// Current returns the frame on top of the call stack, or nil once the
// stack is empty.
func (c *Context) Current() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topLocked()
}

// Depth returns the number of frames on the call stack.
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Awaiting returns the frame suspended waiting for a result, if any.
func (c *Context) Awaiting() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaiting
}

// Interrupt interrupts every frame on the call stack.
func (c *Context) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.stack {
		f.Interrupt()
	}
}

// Abort fails the task with err as a host-level error. Interpreted handlers
// do not run and every frame is released. A finished task is unaffected.
func (c *Context) Abort(err error) {
	if !c.task.Finished() {
		c.post(message{kind: msgFault, err: err})
	}
}

func (c *Context) topLocked() *Frame {
	if n := len(c.stack); n > 0 {
		return c.stack[n-1]
	}
	return nil
}

// top is called on the driver goroutine, the only writer of the stack.
func (c *Context) top() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topLocked()
}

func (c *Context) push(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) >= c.rt.maxDepth {
		c.rt.frames.release(f.ref)
		fault(KindStackOverflow, "call depth exceeds %d calling %s", c.rt.maxDepth, f.fn.Name)
	}
	f.ctx = c
	c.stack = append(c.stack, f)
}

func (c *Context) pop(f *Frame) {
	c.mu.Lock()
	if n := len(c.stack); n > 0 && c.stack[n-1] == f {
		c.stack[n-1] = nil
		c.stack = c.stack[:n-1]
	}
	c.mu.Unlock()
	c.rt.frames.release(f.ref)
}

// ---------------------------------------------------------------------------
// Suspension and resumption
// ---------------------------------------------------------------------------

// WaitResult suspends the current frame until one of the Accept methods
// delivers its result. It must be called on the goroutine driving the
// context, which in practice means from a native's Invoke. The engine calls
// it itself when Invoke returns without finishing.
func (c *Context) WaitResult() error {
	f := c.top()
	if f == nil || f.State() != FrameRunning {
		return newError(KindProtocolViolation, "wait without a running frame")
	}
	if call := f.native; call != nil {
		call.mu.Lock()
		defer call.mu.Unlock()
		if call.phase != phaseInvoking {
			return newError(KindProtocolViolation, "%s: wait after finishing", call.native.Name)
		}
		call.phase = phaseSuspended
		c.suspend(f, call)
		return nil
	}
	c.suspend(f, nil)
	return nil
}

// suspend parks f waiting on op, the operation whose completion resumes it.
func (c *Context) suspend(f *Frame, op any) {
	c.mu.Lock()
	f.setState(FrameSuspended)
	c.awaiting = f
	c.pending = op
	c.mu.Unlock()
	log.Debugf("context %s: %s suspended at pc %d", c.id, f.fn.Name, f.lastPC)
}

// deliver posts a resumption message for f on behalf of op. It fails with
// ErrProtocolViolation unless f is the frame awaiting a result and op is
// the operation it waits on, and with ErrSlotTypeMismatch if the value does
// not fit the frame's result slot.
func (c *Context) deliver(f *Frame, op any, m message) error {
	c.mu.Lock()
	if c.awaiting != f || f.State() != FrameSuspended {
		c.mu.Unlock()
		return newError(KindProtocolViolation, "%s (%s) is %s, not awaiting a result", f.fn.Name, f.ref, f.State())
	}
	if c.pending != op {
		c.mu.Unlock()
		return newError(KindProtocolViolation, "%s (%s) was resumed by a stale completion", f.fn.Name, f.ref)
	}
	if m.kind == msgValue && f.dst != NoSlot && int(f.dst) < f.slots.Len() {
		if k := f.slots.Kind(int(f.dst)); !Assignable(k, m.value) {
			c.mu.Unlock()
			return newError(KindSlotTypeMismatch, "%s: result slot %d holds %s, cannot accept %s", f.fn.Name, f.dst, k, TypeOf(m.value))
		}
	}
	c.awaiting = nil
	c.pending = nil
	m.frame = f
	c.inbox = append(c.inbox, m)
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Context) post(m message) {
	c.mu.Lock()
	c.inbox = append(c.inbox, m)
	c.mu.Unlock()
	c.signal()
}

func (c *Context) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// violation reports a protocol violation. It is fatal to the task if the
// task is still running and never affects other contexts.
func (c *Context) violation(err error) {
	log.Errorf("context %s: %s", c.id, err)
	if !c.task.Finished() {
		c.post(message{kind: msgFault, err: err})
	}
}

func (c *Context) accept(m message) error {
	return c.resumeHost(nil, m)
}

// resumeHost resumes the awaiting frame on behalf of the host, completing
// whatever operation it waits on. A non-nil want must be that frame. An
// outstanding native call is claimed first so its own later Finish fails
// as a second finishing call.
func (c *Context) resumeHost(want *Frame, m message) error {
	c.mu.Lock()
	f, op := c.awaiting, c.pending
	c.mu.Unlock()
	if f == nil || (want != nil && f != want) {
		err := newError(KindProtocolViolation, "context %s has no frame awaiting a result", c.id)
		if want != nil {
			err = newError(KindProtocolViolation, "%s (%s) is %s, not awaiting a result", want.fn.Name, want.ref, want.State())
		}
		c.violation(err)
		return err
	}
	call, _ := op.(*NativeCall)
	if call != nil && !call.claim() {
		err := newError(KindProtocolViolation, "%s already finished", call.native.Name)
		c.violation(err)
		return err
	}
	err := c.deliver(f, op, m)
	switch {
	case err == nil:
	case IsKind(err, KindProtocolViolation):
		c.violation(err)
	case call != nil:
		call.unclaim()
	}
	return err
}

// The Accept family resumes the frame awaiting a result, storing the value
// into its result slot. The methods are safe to call from any goroutine;
// concurrent attempts on one frame are serialized and all but the first
// fail with ErrProtocolViolation.
//
// When the awaiting frame is the caller of a callasync, delivering the
// value also hands control back to the caller's context: the caller is the
// top of that context's stack and becomes current again.

func (c *Context) AcceptInt(v int32) error        { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptByte(v int8) error        { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptShort(v int16) error      { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptLong(v int64) error       { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptFloat(v float32) error    { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptDouble(v float64) error   { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptChar(v Char) error        { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptBoolean(v bool) error     { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptString(v string) error    { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptBytes(v []byte) error     { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptObject(v *Instance) error { return c.accept(message{kind: msgValue, value: nilIfNone(v)}) }
func (c *Context) AcceptClass(v *Class) error     { return c.accept(message{kind: msgValue, value: nilIfNone(v)}) }
func (c *Context) AcceptAny(v Value) error        { return c.accept(message{kind: msgValue, value: v}) }
func (c *Context) AcceptNull() error              { return c.accept(message{kind: msgValue}) }
func (c *Context) AcceptVoid() error              { return c.accept(message{kind: msgVoid}) }

// AcceptException resumes the awaiting frame by raising exc at its
// suspension point.
func (c *Context) AcceptException(exc *Instance) error {
	if exc == nil {
		exc = c.rt.program.NewException(ClassNullPointerException, "null exception")
	}
	return c.accept(message{kind: msgException, exc: exc})
}

func nilIfNone[T comparable](v T) Value {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// start launches the driver goroutine unless the context is driven by hand.
func (c *Context) start() {
	if c.manual {
		return
	}
	go c.loop()
}

// loop drains the inbox and runs frames until the task finishes, idling on
// the wake channel while the top frame is suspended.
func (c *Context) loop() {
	done := c.goctx.Done()
	for {
		if c.RunUntilIdle() {
			return
		}
		select {
		case <-c.wake:
		case <-done:
			done = nil
		case <-c.task.done:
			return
		}
	}
}

// RunUntilIdle drives the context on the calling goroutine until no frame
// is runnable: either the task has finished or the top frame is suspended
// waiting for a result. It reports whether the task has finished.
func (c *Context) RunUntilIdle() bool {
	c.runUntilIdle()
	return c.task.Finished()
}

// runUntilIdle reports whether any message was applied or any frame ran.
func (c *Context) runUntilIdle() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	progressed := false
	for !c.task.Finished() {
		drained := c.drain()
		if f := c.top(); f != nil {
			if s := f.State(); s == FrameCreated || s == FrameRunning {
				c.guard(c.run)
				progressed = true
				continue
			}
		}
		if !drained {
			break
		}
		progressed = true
	}
	return progressed
}

// drain applies every pending message. It reports whether there were any.
func (c *Context) drain() bool {
	c.mu.Lock()
	msgs := c.inbox
	c.inbox = nil
	c.mu.Unlock()
	for _, m := range msgs {
		if c.task.Finished() {
			break
		}
		c.guard(func() { c.apply(m) })
	}
	return len(msgs) > 0
}

func (c *Context) apply(m message) {
	if m.kind == msgFault {
		c.failHost(m.err)
		return
	}
	f := m.frame
	if f != c.top() || f.State() != FrameSuspended {
		fault(KindProtocolViolation, "resumption of %s, which is not the suspended top frame", f.fn.Name)
	}
	f.native = nil
	f.setState(FrameRunning)
	log.Debugf("context %s: %s resumed", c.id, f.fn.Name)
	c.applyResult(f, m)
}

// applyResult completes the outstanding call of f with a delivered result.
func (c *Context) applyResult(f *Frame, m message) {
	dst := f.dst
	f.dst = NoSlot
	switch m.kind {
	case msgValue:
		if dst != NoSlot {
			f.slots.Store(int(dst), m.value)
		}
	case msgException:
		c.raise(m.exc)
	}
}

// guard runs fn and converts any escaping panic into a host-level failure
// of this context's task.
func (c *Context) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.failHost(c.hostError(r))
		}
	}()
	fn()
}

func (c *Context) hostError(r any) *Error {
	var e *Error
	switch x := r.(type) {
	case *Error:
		cp := *x
		e = &cp
	case error:
		e = &Error{Kind: KindInvalidInstruction, Msg: "engine panic", Err: x}
	default:
		e = &Error{Kind: KindInvalidInstruction, Msg: fmt.Sprintf("engine panic: %v", x)}
	}
	if f := c.top(); f != nil && e.Function == "" {
		e.Function = f.fn.Name
		e.PC = f.lastPC
		e.Loc = f.SourceLocation()
	}
	return e
}

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

// failHost halts the context after a host-level error. Frames are faulted
// and released; interpreted handlers never see the error.
func (c *Context) failHost(err error) {
	log.Errorf("context %s: %s", c.id, err)
	c.mu.Lock()
	frames := c.stack
	c.stack = nil
	c.awaiting = nil
	c.pending = nil
	c.mu.Unlock()
	for i := len(frames) - 1; i >= 0; i-- {
		frames[i].setState(FrameFaulted)
		c.rt.frames.release(frames[i].ref)
	}
	c.finish(nil, err)
}

// unhandled fails the task with an exception that escaped the root frame.
func (c *Context) unhandled(exc *Instance) {
	e := &Error{Kind: KindUnhandledException, Exception: exc}
	if o := c.unwindOrigin; o != nil {
		e.Function, e.PC, e.Loc = o.Function, o.PC, o.Loc
	}
	log.Warningf("context %s: unhandled %s", c.id, exc)
	c.finish(nil, e)
}

func (c *Context) finish(v Value, err error) {
	if !c.task.resolve(v, err) {
		return
	}
	c.rt.forget(c)
	if err == nil {
		log.Infof("context %s: %s completed", c.id, c.task.root.fn.Name)
	}
	if c.parent != nil {
		c.resumeParent(v, err)
	}
	c.cancel()
}

// resumeParent hands the result of a callasync callee back to the waiting
// caller in the parent context.
func (c *Context) resumeParent(v Value, err error) {
	var m message
	switch e, _ := err.(*Error); {
	case err == nil && c.task.root.fn.Result == TypeVoid:
		m = message{kind: msgVoid}
	case err == nil:
		m = message{kind: msgValue, value: v}
	case e != nil && e.Kind == KindUnhandledException:
		m = message{kind: msgException, exc: e.Exception}
	default:
		m = message{kind: msgException, exc: c.rt.program.NewException(ClassNativeException, err.Error())}
	}
	if derr := c.parent.deliver(c.parentFrame, c, m); derr != nil {
		log.Errorf("context %s: resuming parent %s: %s", c.id, c.parent.id, derr)
		c.parent.violation(derr)
	}
}
