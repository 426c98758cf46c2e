package vm

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run dispatches frames until the stack is empty or its top frame stops
// being runnable. Interpreted exceptions raised by instruction semantics
// are unwound here; host-level faults propagate to the caller's guard.
func (c *Context) run() {
	for c.runSlice() {
	}
}

// runSlice runs until the next interpreted exception or until no frame is
// runnable. It reports whether dispatching should continue.
func (c *Context) runSlice() (more bool) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(*thrown)
			if !ok {
				panic(r)
			}
			c.raise(c.rt.program.NewException(t.class, t.msg))
			more = true
		}
	}()
	for {
		f := c.top()
		if f == nil {
			return false
		}
		switch f.State() {
		case FrameCreated:
			f.setState(FrameRunning)
		case FrameRunning:
		default:
			return false
		}
		if f.interrupted.CompareAndSwap(true, false) {
			f.lastPC = f.pc
			c.raise(c.rt.program.NewException(ClassInterruptedException, "interrupted"))
			continue
		}
		c.step(f)
	}
}

// step executes one instruction of f.
func (c *Context) step(f *Frame) {
	in, ops := f.fetch()
	s := f.slots

	switch in.Op {
	// --- Data movement ---
	case OpNop:

	case OpMove:
		s.Store(int(ops[0]), c.load(f, in.Type, ops[1]))

	case OpLoad:
		s.Store(int(ops[0]), constOf(f, in.Type, ops[1]))

	case OpLoadImm:
		s.Store(int(ops[0]), decodeImmediate(in.Type, ops[1:]))

	case OpLoadNull:
		s.check(int(ops[0]), in.Type)
		s.SetNull(int(ops[0]))

	// --- Comparisons ---
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterEquals, OpLessThan, OpLessEquals:
		c.compare(f, in, ops)

	case OpInstanceOf:
		c.instanceOf(f, in, ops)

	// --- Bitwise and logical ---
	case OpBitAnd, OpBitOr, OpBitXor:
		c.bitwise(f, in, ops)

	case OpBitShiftLeft, OpBitShiftRight, OpBitUnsignedShiftRight:
		c.shift(f, in, ops)

	case OpLogicalOr, OpLogicalAnd:
		if in.Type == TypeBoolean {
			s.SetBool(int(ops[0]), logical(in.Op, s.Bool(int(ops[1])), rhs(f, in, ops, s.Bool)))
		} else {
			a, b := c.operands(f, in, ops)
			s.Store(int(ops[0]), genericLogical(in.Op, a, b))
		}

	case OpLogicalNot:
		if in.Type == TypeBoolean {
			s.SetBool(int(ops[0]), !s.Bool(int(ops[1])))
		} else {
			s.Store(int(ops[0]), genericNot(s.Box(int(ops[1]))))
		}

	case OpBitNot, OpNeg:
		c.unary(f, in, ops)

	// --- Arithmetic ---
	case OpAdd, OpSub, OpMul, OpDiv, OpRem:
		c.arith(f, in, ops)

	// --- Control flow ---
	case OpJump:
		f.jump(ops[0])

	case OpJumpIf:
		if s.Bool(int(ops[0])) {
			f.jump(ops[1])
		}

	case OpJumpIfNot:
		if !s.Bool(int(ops[0])) {
			f.jump(ops[1])
		}

	case OpSwitch:
		v := c.load(f, in.Type, ops[0])
		if v == nil {
			throwNull(in.Op)
		}
		f.jump(uint32(f.fn.switchTable(ops[1]).Lookup(v)))

	// --- Calls ---
	case OpCall:
		callee := c.function(f, ops[1])
		args := argValues(f, ops[2], ops[3])
		if err := checkArgs(callee, args); err != nil {
			panic(err)
		}
		frame := c.rt.newFrame(callee, f.ref, f.ref)
		f.dst = ops[0]
		c.push(frame)
		frame.bindArgs(args)

	case OpCallNative:
		c.callNative(f, ops)

	case OpCallAsync:
		callee := c.function(f, ops[1])
		args := argValues(f, ops[2], ops[3])
		if err := checkArgs(callee, args); err != nil {
			panic(err)
		}
		f.dst = ops[0]
		c.forkAsync(f, callee, args)

	case OpReturn:
		var v Value
		if in.Shape == ShapeV {
			v = c.load(f, in.Type, ops[0])
		}
		c.returnFrom(f, v)

	case OpThrow:
		v := c.load(f, in.Type, ops[0])
		exc, ok := v.(*Instance)
		switch {
		case v == nil:
			throwNull(in.Op)
		case !ok || !exc.IsA(ClassThrowable):
			throwBuiltin(ClassClassCastException, "%s is not throwable", TypeOf(v))
		}
		c.raise(exc)

	// --- Objects ---
	case OpNew:
		s.SetObject(int(ops[0]), NewInstance(classConst(f, ops[1])))

	case OpGetField:
		obj := instanceIn(f, in.Op, ops[1])
		name := constAs[string](f, ops[2], TypeString)
		v, ok := obj.Field(name)
		if !ok {
			fault(KindLinkage, "%s has no field %s", obj.Class.Name, name)
		}
		s.Store(int(ops[0]), v)

	case OpPutField:
		obj := instanceIn(f, in.Op, ops[0])
		name := constAs[string](f, ops[2], TypeString)
		if !obj.SetField(name, s.Box(int(ops[1]))) {
			fault(KindLinkage, "%s has no field %s", obj.Class.Name, name)
		}

	default:
		fault(KindInvalidInstruction, "no dispatch for %s", in)
	}
}

// ---------------------------------------------------------------------------
// Operand access
// ---------------------------------------------------------------------------

// load reads register reg as a value of type t. The generic type reads any
// slot boxed; a specific type requires the slot to be of that kind.
func (c *Context) load(f *Frame, t DataType, reg uint32) Value {
	if t == TypeGeneric {
		return f.slots.Box(int(reg))
	}
	if t.IsReference() {
		return f.slots.ref(int(reg), t)
	}
	f.slots.check(int(reg), t)
	return f.slots.Box(int(reg))
}

// operands returns both operands of a binary instruction boxed.
func (c *Context) operands(f *Frame, in Instruction, ops []uint32) (Value, Value) {
	a := c.load(f, in.Type, ops[1])
	switch in.Shape {
	case ShapeVVV:
		return a, c.load(f, in.Type, ops[2])
	case ShapeVVC:
		return a, constOf(f, in.Type, ops[2])
	case ShapeVVI:
		return a, decodeImmediate(in.Type, ops[2:])
	}
	return a, nil
}

// rhs reads the second operand of a specialized binary instruction.
func rhs[T any](f *Frame, in Instruction, ops []uint32, reg func(int) T) T {
	switch in.Shape {
	case ShapeVVV:
		return reg(int(ops[2]))
	case ShapeVVC:
		return constAs[T](f, ops[2], in.Type)
	case ShapeVVI:
		return decodeImmediate(in.Type, ops[2:]).(T)
	}
	fault(KindInvalidInstruction, "%s has no second operand", in)
	var zero T
	return zero
}

func constAs[T any](f *Frame, i uint32, t DataType) T {
	v := f.fn.constant(i)
	x, ok := v.(T)
	if !ok {
		fault(KindInvalidInstruction, "%s: constant %d is %s, want %s", f.fn.Name, i, TypeOf(v), t)
	}
	return x
}

// constOf reads a constant, checking it against a specific type.
func constOf(f *Frame, t DataType, i uint32) Value {
	v := f.fn.constant(i)
	if t != TypeGeneric && !Assignable(t, v) {
		fault(KindInvalidInstruction, "%s: constant %d is %s, want %s", f.fn.Name, i, TypeOf(v), t)
	}
	return v
}

func classConst(f *Frame, i uint32) *Class {
	cls := constAs[*Class](f, i, TypeClass)
	if cls == nil {
		fault(KindInvalidInstruction, "%s: constant %d is a null class", f.fn.Name, i)
	}
	return cls
}

func instanceIn(f *Frame, op Opcode, reg uint32) *Instance {
	v := f.slots.Box(int(reg))
	if v == nil {
		throwNull(op)
	}
	obj, ok := v.(*Instance)
	if !ok {
		throwBuiltin(ClassClassCastException, "%s on %s", op, TypeOf(v))
	}
	return obj
}

func argValues(f *Frame, first, argc uint32) []Value {
	args := make([]Value, argc)
	for i := range args {
		args[i] = f.slots.Box(int(first) + i)
	}
	return args
}

// function resolves a FuncRef constant.
func (c *Context) function(f *Frame, i uint32) *Function {
	name := constAs[FuncRef](f, i, TypeAny)
	fn, ok := c.rt.program.Function(string(name))
	if !ok {
		fault(KindLinkage, "unknown function %s", name)
	}
	return fn
}

// ---------------------------------------------------------------------------
// Instruction groups
// ---------------------------------------------------------------------------

func (c *Context) compare(f *Frame, in Instruction, ops []uint32) {
	s := f.slots
	a := int(ops[1])
	var r bool
	switch in.Type {
	case TypeInt:
		r = relate(in.Op, s.Int(a), rhs(f, in, ops, s.Int))
	case TypeByte:
		r = relate(in.Op, s.Byte(a), rhs(f, in, ops, s.Byte))
	case TypeShort:
		r = relate(in.Op, s.Short(a), rhs(f, in, ops, s.Short))
	case TypeLong:
		r = relate(in.Op, s.Long(a), rhs(f, in, ops, s.Long))
	case TypeFloat:
		r = relate(in.Op, s.Float(a), rhs(f, in, ops, s.Float))
	case TypeDouble:
		r = relate(in.Op, s.Double(a), rhs(f, in, ops, s.Double))
	case TypeChar:
		r = relate(in.Op, s.Char(a), rhs(f, in, ops, s.Char))
	case TypeBoolean:
		r = boolEquality(in.Op, s.Bool(a), rhs(f, in, ops, s.Bool))
	default:
		x, y := c.operands(f, in, ops)
		r = genericCompare(in.Op, x, y)
	}
	if in.Type == TypeGeneric {
		s.Store(int(ops[0]), r)
		return
	}
	s.SetBool(int(ops[0]), r)
}

// instanceOf resolves primitive and final reference operand types from the
// instruction's data type alone; Object, Any and generic operands are
// checked against the runtime class hierarchy.
func (c *Context) instanceOf(f *Frame, in Instruction, ops []uint32) {
	s := f.slots
	cls := classConst(f, ops[2])
	var r bool
	switch in.Type {
	case TypeObject, TypeAny, TypeGeneric:
		v := c.load(f, in.Type, ops[1])
		r = v != nil && c.rt.program.classOf(v).IsSubclassOf(cls)
	default:
		s.check(int(ops[1]), in.Type)
		static := c.rt.program.mustClass(boxClassNames[in.Type])
		r = !s.IsNull(int(ops[1])) && static.IsSubclassOf(cls)
	}
	s.Store(int(ops[0]), r)
}

func (c *Context) bitwise(f *Frame, in Instruction, ops []uint32) {
	s := f.slots
	dst, a := int(ops[0]), int(ops[1])
	switch in.Type {
	case TypeInt:
		s.SetInt(dst, bitwise(in.Op, s.Int(a), rhs(f, in, ops, s.Int)))
	case TypeByte:
		s.SetByte(dst, bitwise(in.Op, s.Byte(a), rhs(f, in, ops, s.Byte)))
	case TypeShort:
		s.SetShort(dst, bitwise(in.Op, s.Short(a), rhs(f, in, ops, s.Short)))
	case TypeLong:
		s.SetLong(dst, bitwise(in.Op, s.Long(a), rhs(f, in, ops, s.Long)))
	case TypeBoolean:
		s.SetBool(dst, boolBitwise(in.Op, s.Bool(a), rhs(f, in, ops, s.Bool)))
	default:
		x, y := c.operands(f, in, ops)
		s.Store(dst, genericBitwise(in.Op, x, y))
	}
}

func (c *Context) shift(f *Frame, in Instruction, ops []uint32) {
	s := f.slots
	dst, a := int(ops[0]), int(ops[1])
	switch in.Type {
	case TypeInt:
		s.SetInt(dst, shift(in.Op, s.Int(a), int64(rhs(f, in, ops, s.Int))))
	case TypeByte:
		s.SetByte(dst, shift(in.Op, s.Byte(a), int64(rhs(f, in, ops, s.Byte))))
	case TypeShort:
		s.SetShort(dst, shift(in.Op, s.Short(a), int64(rhs(f, in, ops, s.Short))))
	case TypeLong:
		s.SetLong(dst, shift(in.Op, s.Long(a), rhs(f, in, ops, s.Long)))
	default:
		x, y := c.operands(f, in, ops)
		s.Store(dst, genericShift(in.Op, x, y))
	}
}

func (c *Context) arith(f *Frame, in Instruction, ops []uint32) {
	s := f.slots
	dst, a := int(ops[0]), int(ops[1])
	switch in.Type {
	case TypeInt:
		s.SetInt(dst, intArith(in.Op, s.Int(a), rhs(f, in, ops, s.Int)))
	case TypeByte:
		s.SetByte(dst, intArith(in.Op, s.Byte(a), rhs(f, in, ops, s.Byte)))
	case TypeShort:
		s.SetShort(dst, intArith(in.Op, s.Short(a), rhs(f, in, ops, s.Short)))
	case TypeLong:
		s.SetLong(dst, intArith(in.Op, s.Long(a), rhs(f, in, ops, s.Long)))
	case TypeFloat:
		s.SetFloat(dst, floatArith(in.Op, s.Float(a), rhs(f, in, ops, s.Float)))
	case TypeDouble:
		s.SetDouble(dst, floatArith(in.Op, s.Double(a), rhs(f, in, ops, s.Double)))
	default:
		x, y := c.operands(f, in, ops)
		s.Store(dst, genericArith(in.Op, x, y))
	}
}

func (c *Context) unary(f *Frame, in Instruction, ops []uint32) {
	s := f.slots
	dst, a := int(ops[0]), int(ops[1])
	if in.Op == OpBitNot {
		switch in.Type {
		case TypeInt:
			s.SetInt(dst, ^s.Int(a))
		case TypeByte:
			s.SetByte(dst, ^s.Byte(a))
		case TypeShort:
			s.SetShort(dst, ^s.Short(a))
		case TypeLong:
			s.SetLong(dst, ^s.Long(a))
		default:
			s.Store(dst, genericBitNot(s.Box(a)))
		}
		return
	}
	switch in.Type {
	case TypeInt:
		s.SetInt(dst, -s.Int(a))
	case TypeByte:
		s.SetByte(dst, -s.Byte(a))
	case TypeShort:
		s.SetShort(dst, -s.Short(a))
	case TypeLong:
		s.SetLong(dst, -s.Long(a))
	case TypeFloat:
		s.SetFloat(dst, -s.Float(a))
	case TypeDouble:
		s.SetDouble(dst, -s.Double(a))
	default:
		s.Store(dst, genericNeg(s.Box(a)))
	}
}

// ---------------------------------------------------------------------------
// Native calls and returns
// ---------------------------------------------------------------------------

// callNative invokes a native. A native that finishes inside Invoke returns
// synchronously; otherwise the frame suspends until the native's Finish
// call is delivered through the inbox.
func (c *Context) callNative(f *Frame, ops []uint32) {
	ref := constAs[NativeRef](f, ops[1], TypeAny)
	n, ok := c.rt.program.natives.Lookup(string(ref))
	if !ok {
		fault(KindLinkage, "unknown native %s", ref)
	}
	args := argValues(f, ops[2], ops[3])
	if len(args) != len(n.Params) {
		fault(KindLinkage, "native %s: called with %d arguments, want %d", n.Name, len(args), len(n.Params))
	}
	for i, p := range n.Params {
		if !Assignable(p, args[i]) {
			fault(KindSlotTypeMismatch, "native %s: argument %d is %s, want %s", n.Name, i, TypeOf(args[i]), p)
		}
	}

	call := &NativeCall{native: n, ctx: c, frame: f, args: args}
	f.dst = ops[0]
	if n.Result == TypeVoid {
		f.dst = NoSlot
	}
	f.native = call
	n.Invoke(call)

	call.mu.Lock()
	switch call.phase {
	case phaseFinished:
		call.phase = phaseDelivered
		m := call.result
		call.mu.Unlock()
		f.native = nil
		c.applyResult(f, m)
	case phaseInvoking:
		call.phase = phaseSuspended
		c.suspend(f, call)
		call.mu.Unlock()
	default:
		// Suspended through WaitResult during Invoke.
		call.mu.Unlock()
	}
}

// returnFrom completes f and hands its result to the caller.
func (c *Context) returnFrom(f *Frame, v Value) {
	if f.fn.Result != TypeVoid && !Assignable(f.fn.Result, v) {
		fault(KindSlotTypeMismatch, "%s returns %s, declared %s", f.fn.Name, TypeOf(v), f.fn.Result)
	}
	f.result = v
	f.setState(FrameCompleted)
	c.pop(f)

	caller := c.top()
	if caller == nil {
		c.finish(v, nil)
		return
	}
	dst := caller.dst
	caller.dst = NoSlot
	if dst != NoSlot && f.fn.Result != TypeVoid {
		caller.slots.Store(int(dst), v)
	}
}

// ---------------------------------------------------------------------------
// Exception unwinding
// ---------------------------------------------------------------------------

// raise unwinds exc from the top frame. Each frame's try/catch items are
// searched for a range covering the faulting instruction whose filter
// matches; the first match resumes at its handler in the same frame.
// Frames without a match fault and hand the exception to their caller. An
// exception escaping the root frame fails the task.
func (c *Context) raise(exc *Instance) {
	origin := c.top()
	if origin == nil {
		return
	}
	c.unwindOrigin = &Error{Function: origin.fn.Name, PC: origin.lastPC, Loc: origin.SourceLocation()}
	for {
		f := c.top()
		if item, ok := f.findHandler(exc); ok {
			f.pc = item.Handler
			f.dst = NoSlot
			if item.CatchSlot >= 0 {
				f.slots.SetObject(item.CatchSlot, exc)
			}
			f.setState(FrameRunning)
			log.Debugf("context %s: %s caught %s at pc %d", c.id, f.fn.Name, exc.Class.Name, item.Handler)
			return
		}
		f.exception = exc
		f.setState(FrameFaulted)
		c.pop(f)
		if c.top() == nil {
			c.unhandled(exc)
			return
		}
	}
}
