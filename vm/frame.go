package vm

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Frame states
// ---------------------------------------------------------------------------

// FrameState is the lifecycle state of a call frame.
type FrameState uint32

const (
	FrameCreated   FrameState = iota // allocated, not yet dispatched
	FrameRunning                     // dispatching or runnable
	FrameSuspended                   // waiting for a native or async result
	FrameCompleted                   // returned normally
	FrameFaulted                     // finished with an unhandled exception
)

var frameStateNames = [...]string{"created", "running", "suspended", "completed", "faulted"}

func (s FrameState) String() string {
	if int(s) < len(frameStateNames) {
		return frameStateNames[s]
	}
	return "unknown"
}

// ParseFrameState is the inverse of FrameState.String.
func ParseFrameState(s string) (FrameState, bool) {
	for i, n := range frameStateNames {
		if n == s {
			return FrameState(i), true
		}
	}
	return 0, false
}

// Done reports whether the state is terminal.
func (s FrameState) Done() bool {
	return s == FrameCompleted || s == FrameFaulted
}

// ---------------------------------------------------------------------------
// Frame: one activation of a function
// ---------------------------------------------------------------------------

// Frame is one activation of a Function. A frame is exclusively owned by the
// execution context that runs it; other goroutines observe it only through
// State, the Accept family and Interrupt.
type Frame struct {
	ref   FrameRef
	id    uuid.UUID
	fn    *Function
	slots *Slots
	ctx   *Context

	pc     int // next instruction
	lastPC int // instruction being executed

	// Calls and callasync children link both to the calling frame. The
	// links differ only for roots forked with ForkOptions.Creator, whose
	// caller is NoFrame.
	caller  FrameRef // receives the result
	creator FrameRef // originated this frame

	dst    uint32      // slot receiving the outstanding call's result
	native *NativeCall // outstanding native call, if any

	state       atomic.Uint32
	interrupted atomic.Bool

	result    Value
	exception *Instance
}

func (rt *Runtime) newFrame(fn *Function, caller, creator FrameRef) *Frame {
	f := &Frame{
		id:      uuid.New(),
		fn:      fn,
		slots:   NewSlots(fn.SlotKinds()),
		caller:  caller,
		creator: creator,
		dst:     NoSlot,
	}
	f.ref = rt.frames.alloc(f)
	return f
}

// bindArgs stores call arguments into the parameter slots.
func (f *Frame) bindArgs(args []Value) {
	if len(args) != len(f.fn.Params) {
		fault(KindLinkage, "%s: called with %d arguments, want %d", f.fn.Name, len(args), len(f.fn.Params))
	}
	for i, p := range f.fn.Params {
		f.slots.Store(p, args[i])
	}
}

func (f *Frame) Ref() FrameRef         { return f.ref }
func (f *Frame) UUID() uuid.UUID       { return f.id }
func (f *Frame) Function() *Function   { return f.fn }
func (f *Frame) Slots() *Slots         { return f.slots }
func (f *Frame) PC() int               { return f.pc }
func (f *Frame) Caller() FrameRef      { return f.caller }
func (f *Frame) Creator() FrameRef     { return f.creator }
func (f *Frame) Context() *Context     { return f.ctx }
func (f *Frame) State() FrameState     { return FrameState(f.state.Load()) }
func (f *Frame) setState(s FrameState) { f.state.Store(uint32(s)) }

// Result returns the value a completed frame returned.
func (f *Frame) Result() Value {
	return f.result
}

// Exception returns the exception a faulted frame finished with.
func (f *Frame) Exception() *Instance {
	return f.exception
}

// Interrupt requests cooperative cancellation. The next dispatch step of the
// frame raises InterruptedException instead of executing an instruction. A
// frame suspended in a native call is not cancelled until it resumes.
func (f *Frame) Interrupt() {
	f.interrupted.Store(true)
}

// Interrupted reports whether an interrupt is pending.
func (f *Frame) Interrupted() bool {
	return f.interrupted.Load()
}

// SourceLocation resolves the instruction being executed through the
// function's source map.
func (f *Frame) SourceLocation() SourceLoc {
	return f.fn.SourceLocation(f.lastPC)
}

// Resume delivers a result to a suspended frame. It fails with
// ErrProtocolViolation unless the frame is Suspended awaiting a result.
func (f *Frame) Resume(v Value) error {
	if f.ctx == nil {
		return newError(KindProtocolViolation, "resume of detached %s", f.ref)
	}
	return f.ctx.resumeHost(f, message{kind: msgValue, value: v})
}

// ResumeWithException resumes a suspended frame by raising exc at its
// suspension point.
func (f *Frame) ResumeWithException(exc *Instance) error {
	if f.ctx == nil {
		return newError(KindProtocolViolation, "resume of detached %s", f.ref)
	}
	return f.ctx.resumeHost(f, message{kind: msgException, exc: exc})
}

// fetch decodes the instruction at pc and advances past its operands.
func (f *Frame) fetch() (Instruction, []uint32) {
	code := f.fn.Code
	pc := f.pc
	f.lastPC = pc
	if pc < 0 || pc >= len(code) {
		fault(KindInvalidInstruction, "pc %d outside code (len=%d)", pc, len(code))
	}
	in, err := Decode(Code(code[pc]))
	if err != nil {
		panic(err)
	}
	end := pc + 1 + in.Count
	if end > len(code) {
		fault(KindInvalidInstruction, "%s at pc %d: truncated operands", in, pc)
	}
	f.pc = end
	return in, code[pc+1 : end]
}

// jump transfers control within the frame.
func (f *Frame) jump(target uint32) {
	if int(target) >= len(f.fn.Code) {
		fault(KindInvalidInstruction, "jump target %d outside code (len=%d)", target, len(f.fn.Code))
	}
	f.pc = int(target)
}

// findHandler searches the try/catch items covering the current instruction
// for one whose filter matches exc.
func (f *Frame) findHandler(exc *Instance) (TryCatchItem, bool) {
	for _, item := range f.fn.TryCatch {
		if !item.Covers(f.lastPC) {
			continue
		}
		if item.Class == "" || exc.IsA(item.Class) {
			return item, true
		}
	}
	return TryCatchItem{}, false
}
