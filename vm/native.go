package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Native table
// ---------------------------------------------------------------------------

// Native is a host function callable from bytecode through callnative. The
// table of natives is built once at load time; no code is generated at run
// time.
type Native struct {
	Name   string     // entry id, e.g. "time.sleep"
	Params []DataType // declared parameter types
	Result DataType   // TypeVoid for natives without a result

	// Invoke runs on the context's driver goroutine. It either finishes the
	// call before returning (a synchronous return) or arranges for exactly
	// one later Finish call from any goroutine.
	Invoke func(call *NativeCall)
}

// NativeTable maps entry ids to natives.
type NativeTable struct {
	mu      sync.RWMutex
	entries map[string]*Native
}

// NewNativeTable creates an empty table.
func NewNativeTable() *NativeTable {
	return &NativeTable{entries: make(map[string]*Native)}
}

// Register adds a native. Duplicate names are rejected.
func (t *NativeTable) Register(n *Native) error {
	if n.Name == "" || n.Invoke == nil {
		return fmt.Errorf("native %q: name and Invoke are required", n.Name)
	}
	for i, p := range n.Params {
		if !p.IsSlotKind() {
			return fmt.Errorf("native %s: parameter %d has invalid type %s", n.Name, i, p)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.entries[n.Name]; dup {
		return fmt.Errorf("native %s already registered", n.Name)
	}
	t.entries[n.Name] = n
	return nil
}

// Lookup finds a native by entry id.
func (t *NativeTable) Lookup(name string) (*Native, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.entries[name]
	return n, ok
}

// Names returns the registered entry ids in sorted order.
func (t *NativeTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for name := range t.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// NativeCall: one invocation of a native
// ---------------------------------------------------------------------------

type callPhase uint8

const (
	phaseInvoking  callPhase = iota // inside Invoke on the driver goroutine
	phaseFinished                   // finished during Invoke
	phaseSuspended                  // Invoke returned, frame waits for Finish
	phaseDelivered                  // result handed to the context
)

// NativeCall is the bridge between one callnative instruction and the host.
// Exactly one Finish method may be called per invocation.
type NativeCall struct {
	native *Native
	ctx    *Context
	frame  *Frame
	args   []Value

	mu     sync.Mutex
	phase  callPhase
	result message
}

// Name returns the native's entry id.
func (c *NativeCall) Name() string { return c.native.Name }

// Context returns the host context of the task running the call. It is
// cancelled when the task is cancelled.
func (c *NativeCall) Context() context.Context { return c.ctx.goctx }

// Program returns the program the call belongs to.
func (c *NativeCall) Program() *Program { return c.ctx.rt.program }

// Frame returns a reference to the calling frame.
func (c *NativeCall) Frame() FrameRef { return c.frame.ref }

// Suspend parks the calling frame until a later Finish call. It may only be
// called from Invoke; returning from Invoke without finishing has the same
// effect.
func (c *NativeCall) Suspend() error {
	if c.ctx.top() != c.frame {
		return newError(KindProtocolViolation, "%s: suspend outside Invoke", c.native.Name)
	}
	return c.ctx.WaitResult()
}

// Args returns the boxed arguments.
func (c *NativeCall) Args() []Value { return c.args }

// Arg returns argument i boxed.
func (c *NativeCall) Arg(i int) Value {
	if i < 0 || i >= len(c.args) {
		fault(KindSlotTypeMismatch, "%s: argument %d out of range (argc=%d)", c.native.Name, i, len(c.args))
	}
	return c.args[i]
}

func argAs[T any](c *NativeCall, i int, t DataType) T {
	v := c.Arg(i)
	x, ok := v.(T)
	if !ok && v != nil {
		fault(KindSlotTypeMismatch, "%s: argument %d is %s, accessed as %s", c.native.Name, i, TypeOf(v), t)
	}
	return x
}

func (c *NativeCall) Int(i int) int32        { return argAs[int32](c, i, TypeInt) }
func (c *NativeCall) Byte(i int) int8        { return argAs[int8](c, i, TypeByte) }
func (c *NativeCall) Short(i int) int16      { return argAs[int16](c, i, TypeShort) }
func (c *NativeCall) Long(i int) int64       { return argAs[int64](c, i, TypeLong) }
func (c *NativeCall) Float(i int) float32    { return argAs[float32](c, i, TypeFloat) }
func (c *NativeCall) Double(i int) float64   { return argAs[float64](c, i, TypeDouble) }
func (c *NativeCall) Char(i int) Char        { return argAs[Char](c, i, TypeChar) }
func (c *NativeCall) Bool(i int) bool        { return argAs[bool](c, i, TypeBoolean) }
func (c *NativeCall) String(i int) string    { return argAs[string](c, i, TypeString) }
func (c *NativeCall) Bytes(i int) []byte     { return argAs[[]byte](c, i, TypeBytes) }
func (c *NativeCall) Object(i int) *Instance { return argAs[*Instance](c, i, TypeObject) }
func (c *NativeCall) Class(i int) *Class     { return argAs[*Class](c, i, TypeClass) }

// ---------------------------------------------------------------------------
// Finishing
// ---------------------------------------------------------------------------

func (c *NativeCall) FinishInt(v int32) error        { return c.finishValue(TypeInt, v) }
func (c *NativeCall) FinishByte(v int8) error        { return c.finishValue(TypeByte, v) }
func (c *NativeCall) FinishShort(v int16) error      { return c.finishValue(TypeShort, v) }
func (c *NativeCall) FinishLong(v int64) error       { return c.finishValue(TypeLong, v) }
func (c *NativeCall) FinishFloat(v float32) error    { return c.finishValue(TypeFloat, v) }
func (c *NativeCall) FinishDouble(v float64) error   { return c.finishValue(TypeDouble, v) }
func (c *NativeCall) FinishChar(v Char) error        { return c.finishValue(TypeChar, v) }
func (c *NativeCall) FinishBoolean(v bool) error     { return c.finishValue(TypeBoolean, v) }
func (c *NativeCall) FinishString(v string) error    { return c.finishValue(TypeString, v) }
func (c *NativeCall) FinishBytes(v []byte) error     { return c.finishValue(TypeBytes, v) }
func (c *NativeCall) FinishObject(v *Instance) error { return c.finishValue(TypeObject, v) }
func (c *NativeCall) FinishClass(v *Class) error     { return c.finishValue(TypeClass, v) }

// FinishAny finishes with a boxed value of any type.
func (c *NativeCall) FinishAny(v Value) error {
	if c.native.Result != TypeAny && !Assignable(c.native.Result, v) {
		return c.mismatch(TypeOf(v))
	}
	return c.finish(message{kind: msgValue, value: v})
}

// FinishNull finishes a native with a reference result with null.
func (c *NativeCall) FinishNull() error {
	if !c.native.Result.IsReference() {
		return c.mismatch(TypeVoid)
	}
	return c.finish(message{kind: msgValue})
}

// FinishVoid finishes a native without a result.
func (c *NativeCall) FinishVoid() error {
	if c.native.Result != TypeVoid {
		return c.mismatch(TypeVoid)
	}
	return c.finish(message{kind: msgVoid})
}

// FinishException raises exc at the call site.
func (c *NativeCall) FinishException(exc *Instance) error {
	if exc == nil {
		exc = c.Program().NewException(ClassNullPointerException, "native finished with null exception")
	}
	return c.finish(message{kind: msgException, exc: exc})
}

// Throw raises a new exception of the named class at the call site.
func (c *NativeCall) Throw(className, format string, args ...any) error {
	return c.FinishException(c.Program().NewException(className, fmt.Sprintf(format, args...)))
}

func (c *NativeCall) finishValue(t DataType, v Value) error {
	if c.native.Result != t && c.native.Result != TypeAny {
		return c.mismatch(t)
	}
	return c.finish(message{kind: msgValue, value: v})
}

func (c *NativeCall) mismatch(got DataType) error {
	return newError(KindSlotTypeMismatch, "%s declares result %s, finished with %s", c.native.Name, c.native.Result, got)
}

// finish routes the result by phase: during Invoke it becomes a synchronous
// return, after suspension it resumes the frame through the context inbox.
func (c *NativeCall) finish(m message) error {
	c.mu.Lock()
	switch c.phase {
	case phaseInvoking:
		c.phase = phaseFinished
		c.result = m
		c.mu.Unlock()
		return nil
	case phaseSuspended:
		c.phase = phaseDelivered
		c.mu.Unlock()
		err := c.ctx.deliver(c.frame, c, m)
		switch {
		case err == nil:
		case IsKind(err, KindProtocolViolation):
			c.ctx.violation(err)
		default:
			c.unclaim()
		}
		return err
	}
	c.mu.Unlock()
	err := newError(KindProtocolViolation, "%s finished more than once", c.native.Name)
	c.ctx.violation(err)
	return err
}

// claim marks a suspended call delivered on behalf of a host Accept. It
// reports false if the call already finished.
func (c *NativeCall) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseSuspended {
		return false
	}
	c.phase = phaseDelivered
	return true
}

// unclaim reopens a call whose delivery was rejected without resuming the
// frame, so a corrected finish may follow.
func (c *NativeCall) unclaim() {
	c.mu.Lock()
	if c.phase == phaseDelivered {
		c.phase = phaseSuspended
	}
	c.mu.Unlock()
}
