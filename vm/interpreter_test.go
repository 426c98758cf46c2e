package vm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestEqualsIntConstant(t *testing.T) {
	// r1 = r0 == 5
	b := NewCodeBuilder()
	b.EmitOp(OpEquals, TypeInt, ShapeVVC, 1, 0, 0)
	b.EmitOp(OpReturn, TypeBoolean, ShapeV, 1)
	p := newTestProgram(t, &Function{
		Name:      "isFive",
		Slots:     slotsOf(TypeInt, TypeBoolean),
		Params:    []int{0},
		Result:    TypeBoolean,
		Code:      b.Code(),
		Constants: []Value{int32(5)},
	})

	for _, tt := range []struct {
		in   int32
		want bool
	}{{5, true}, {6, false}} {
		_, task := runManual(t, p, "isFive", tt.in)
		if got := mustResult(t, task); got != tt.want {
			t.Errorf("isFive(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadMoveAndNull(t *testing.T) {
	// r0 = "hi"; r1 = r0; r2 = null; r3 = r2 == null; return r1 + r3
	b := NewCodeBuilder()
	b.EmitOp(OpLoad, TypeString, ShapeVC, 0, 0)
	b.EmitOp(OpMove, TypeString, ShapeVV, 1, 0)
	b.EmitOp(OpLoadNull, TypeObject, ShapeV, 2)
	b.EmitOp(OpEquals, TypeObject, ShapeVVN, 3, 2)
	b.EmitOp(OpAdd, TypeGeneric, ShapeVVV, 1, 1, 3)
	b.EmitOp(OpReturn, TypeString, ShapeV, 1)
	p := newTestProgram(t, &Function{
		Name:      "concat",
		Slots:     slotsOf(TypeString, TypeString, TypeObject, TypeBoolean),
		Result:    TypeString,
		Code:      b.Code(),
		Constants: []Value{"hi"},
	})
	_, task := runManual(t, p, "concat")
	if got := mustResult(t, task); got != "hitrue" {
		t.Errorf("result = %v, want hitrue", got)
	}
}

func TestLoopSum(t *testing.T) {
	// sum 1..n
	b := NewCodeBuilder()
	top := b.NewLabel()
	done := b.NewLabel()
	b.EmitImm(OpLoadImm, TypeLong, ShapeVI, int64(0), 1)
	b.Mark(top)
	b.EmitImm(OpLessEquals, TypeLong, ShapeVVI, int64(0), 2, 0)
	b.EmitJump(MustEncode(OpJumpIf, TypeBoolean, ShapeVJ), done, 2)
	b.EmitOp(OpAdd, TypeLong, ShapeVVV, 1, 1, 0)
	b.EmitImm(OpSub, TypeLong, ShapeVVI, int64(1), 0, 0)
	b.EmitJump(MustEncode(OpJump, TypeGeneric, ShapeJ), top)
	b.Mark(done)
	b.EmitOp(OpReturn, TypeLong, ShapeV, 1)
	p := newTestProgram(t, &Function{
		Name:   "sum",
		Slots:  slotsOf(TypeLong, TypeLong, TypeBoolean),
		Params: []int{0},
		Result: TypeLong,
		Code:   b.Code(),
	})
	_, task := runManual(t, p, "sum", int64(100))
	if got := mustResult(t, task); got != int64(5050) {
		t.Errorf("sum(100) = %v, want 5050", got)
	}
}

func TestObjectsAndFields(t *testing.T) {
	p := NewProgram()
	point, err := p.DefineClass("Point", "", "x", "y")
	if err != nil {
		t.Fatal(err)
	}
	// o = new Point; o.x = r0; r2 = o.x; r3 = o instanceof Object
	b := NewCodeBuilder()
	b.EmitOp(OpNew, TypeObject, ShapeVC, 1, 0)
	b.EmitOp(OpPutField, TypeGeneric, ShapeVVC, 1, 0, 1)
	b.EmitOp(OpGetField, TypeGeneric, ShapeVVC, 2, 1, 1)
	b.EmitOp(OpInstanceOf, TypeObject, ShapeVVC, 3, 1, 2)
	b.EmitOp(OpInstanceOf, TypeInt, ShapeVVC, 4, 0, 3)
	b.EmitOp(OpLogicalAnd, TypeBoolean, ShapeVVV, 3, 3, 4)
	b.EmitOp(OpReturn, TypeBoolean, ShapeV, 3)
	addFunctions(t, p, &Function{
		Name:      "fields",
		Slots:     slotsOf(TypeInt, TypeObject, TypeAny, TypeBoolean, TypeBoolean),
		Params:    []int{0},
		Result:    TypeBoolean,
		Code:      b.Code(),
		Constants: []Value{point, "x", mustClass(t, p, ClassObject), mustClass(t, p, ClassNumber)},
	})
	_, task := runManual(t, p, "fields", int32(3))
	if got := mustResult(t, task); got != true {
		t.Fatalf("result = %v, want true", got)
	}
	obj := task.Root().Slots().Object(1)
	if x, _ := obj.Field("x"); x != int32(3) {
		t.Errorf("x = %v, want 3", x)
	}
	if got := task.Root().Slots().Any(2); got != int32(3) {
		t.Errorf("getfield = %v, want 3", got)
	}
}

func TestMissingFieldIsLinkageError(t *testing.T) {
	p := NewProgram()
	empty, _ := p.DefineClass("Empty", "")
	b := NewCodeBuilder()
	b.EmitOp(OpNew, TypeObject, ShapeVC, 0, 0)
	b.EmitOp(OpGetField, TypeGeneric, ShapeVVC, 1, 0, 1)
	b.EmitOp(OpReturn, TypeGeneric, ShapeN)
	addFunctions(t, p, &Function{
		Name:      "missing",
		Slots:     slotsOf(TypeObject, TypeAny),
		Code:      b.Code(),
		Constants: []Value{empty, "nope"},
	})
	_, task := runManual(t, p, "missing")
	if e := taskError(t, task); e.Kind != KindLinkage {
		t.Errorf("kind = %s, want LinkageError", e.Kind)
	}
}

// ---------------------------------------------------------------------------
// Specialized and generic variants agree
// ---------------------------------------------------------------------------

var samplePairs = map[DataType][2]Value{
	TypeInt:     {int32(-7), int32(3)},
	TypeByte:    {int8(-7), int8(3)},
	TypeShort:   {int16(-700), int16(3)},
	TypeLong:    {int64(-7) << 40, int64(3)},
	TypeFloat:   {float32(7.5), float32(-2)},
	TypeDouble:  {-7.25, 2.0},
	TypeChar:    {Char('a'), Char('c')},
	TypeBoolean: {true, false},
}

func TestSpecializedMatchesGeneric(t *testing.T) {
	type group struct {
		ops     []Opcode
		types   []DataType
		boolean bool // result is a boolean
	}
	groups := []group{
		{[]Opcode{OpAdd, OpSub, OpMul, OpDiv, OpRem}, numericTypes, false},
		{[]Opcode{OpBitAnd, OpBitOr, OpBitXor}, types(integralTypes, []DataType{TypeBoolean}), false},
		{[]Opcode{OpBitShiftLeft, OpBitShiftRight, OpBitUnsignedShiftRight}, integralTypes, false},
		{[]Opcode{OpLogicalAnd, OpLogicalOr}, []DataType{TypeBoolean}, false},
		{[]Opcode{OpEquals, OpNotEquals}, primTypes, true},
		{[]Opcode{OpGreaterThan, OpGreaterEquals, OpLessThan, OpLessEquals}, orderedTypes, true},
	}
	for _, g := range groups {
		for _, op := range g.ops {
			for _, typ := range g.types {
				name := fmt.Sprintf("%s_%s", op, typ.Suffix())
				t.Run(name, func(t *testing.T) {
					pair := samplePairs[typ]
					result := typ
					if g.boolean {
						result = TypeBoolean
					}
					b := NewCodeBuilder()
					b.EmitOp(op, typ, ShapeVVV, 2, 0, 1)
					b.EmitOp(op, typ, ShapeVVC, 3, 0, 0)
					b.EmitImm(op, typ, ShapeVVI, pair[1], 4, 0)
					b.EmitOp(op, TypeGeneric, ShapeVVV, 5, 0, 1)
					b.EmitOp(OpReturn, TypeGeneric, ShapeN)
					p := newTestProgram(t, &Function{
						Name:      name,
						Slots:     slotsOf(typ, typ, result, result, result, TypeAny),
						Params:    []int{0, 1},
						Code:      b.Code(),
						Constants: []Value{pair[1]},
					})
					_, task := runManual(t, p, name, pair[0], pair[1])
					mustResult(t, task)
					s := task.Root().Slots()
					want := s.Box(5)
					for i, shape := range []string{"vvv", "vvc", "vvi"} {
						if got := s.Box(2 + i); got != want {
							t.Errorf("%s: specialized = %v (%T), generic = %v (%T)", shape, got, got, want, want)
						}
					}
				})
			}
		}
	}
}

func TestUnarySpecializedMatchesGeneric(t *testing.T) {
	for _, op := range []Opcode{OpNeg, OpBitNot} {
		list := numericTypes
		if op == OpBitNot {
			list = integralTypes
		}
		for _, typ := range list {
			name := fmt.Sprintf("%s_%s", op, typ.Suffix())
			b := NewCodeBuilder()
			b.EmitOp(op, typ, ShapeVV, 1, 0)
			b.EmitOp(op, TypeGeneric, ShapeVV, 2, 0)
			b.EmitOp(OpReturn, TypeGeneric, ShapeN)
			p := newTestProgram(t, &Function{
				Name:   name,
				Slots:  slotsOf(typ, typ, TypeAny),
				Params: []int{0},
				Code:   b.Code(),
			})
			_, task := runManual(t, p, name, samplePairs[typ][0])
			mustResult(t, task)
			s := task.Root().Slots()
			if s.Box(1) != s.Box(2) {
				t.Errorf("%s: specialized = %v, generic = %v", name, s.Box(1), s.Box(2))
			}
		}
	}
}

func TestGenericPromotion(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b Value
		want Value
	}{
		{OpAdd, int32(1), 2.5, 3.5},
		{OpAdd, int32(1), float32(0.5), float32(1.5)},
		{OpAdd, int8(1), int16(2), int32(3)},
		{OpAdd, int64(1), int32(2), int64(3)},
		{OpAdd, Char('a'), Char('b'), int32(195)},
		{OpAdd, "x", int32(1), "x1"},
		{OpAdd, Char('a'), "b", "ab"},
		{OpAdd, "n=", nil, "n=null"},
		{OpMul, int8(100), int8(3), int8(44)},
		{OpDiv, int32(7), int32(2), int32(3)},
		{OpRem, -7.5, 2.0, math.Mod(-7.5, 2)},
	}
	for _, tt := range tests {
		if got := genericArith(tt.op, tt.a, tt.b); got != tt.want {
			t.Errorf("%s(%v, %v) = %v (%T), want %v (%T)", tt.op, tt.a, tt.b, got, got, tt.want, tt.want)
		}
	}
	if !genericCompare(OpLessThan, Char('a'), int32(98)) {
		t.Error("'a' < 98 is false")
	}
	if !genericCompare(OpEquals, int64(3), 3.0) {
		t.Error("3L == 3.0 is false")
	}
	if genericCompare(OpEquals, "a", int32(1)) {
		t.Error(`"a" == 1 is true`)
	}
	if got := genericShift(OpBitUnsignedShiftRight, int8(-1), int32(4)); got != int8(0x0F) {
		t.Errorf("ushr byte = %v, want 15", got)
	}
	if got := genericShift(OpBitShiftLeft, int32(1), int32(33)); got != int32(2) {
		t.Errorf("shl mask = %v, want 2", got)
	}
}

func TestGenericExceptions(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
		want string
	}{
		{"int div zero", func() { genericArith(OpDiv, int32(1), int32(0)) }, ClassArithmeticException},
		{"long rem zero", func() { genericArith(OpRem, int64(1), int8(0)) }, ClassArithmeticException},
		{"order null", func() { genericCompare(OpLessThan, nil, int32(1)) }, ClassNullPointerException},
		{"order unrelated", func() { genericCompare(OpLessThan, "a", int32(1)) }, ClassClassCastException},
		{"sub strings", func() { genericArith(OpSub, "a", "b") }, ClassClassCastException},
		{"neg null", func() { genericNeg(nil) }, ClassNullPointerException},
		{"not int", func() { genericNot(int32(1)) }, ClassClassCastException},
		{"bool ordering", func() { boolEquality(OpGreaterThan, true, false) }, ClassClassCastException},
	}
	for _, tt := range tests {
		if got := expectThrown(t, tt.fn); got != tt.want {
			t.Errorf("%s: raised %s, want %s", tt.name, got, tt.want)
		}
	}
	if got := floatArith(OpDiv, 1.0, 0.0); !math.IsInf(got, 1) {
		t.Errorf("1.0/0.0 = %v, want +Inf", got)
	}
}

// ---------------------------------------------------------------------------
// Switch
// ---------------------------------------------------------------------------

func switchFunction() *Function {
	b := NewCodeBuilder()
	b.EmitOp(OpSwitch, TypeInt, ShapeVS, 0, 0)
	for _, target := range []int32{10, 20, 30} {
		padTo(b, int(target))
		b.EmitImm(OpLoadImm, TypeInt, ShapeVI, target, 1)
		b.EmitOp(OpReturn, TypeInt, ShapeV, 1)
	}
	return &Function{
		Name:     "pick",
		Slots:    slotsOf(TypeInt, TypeInt),
		Params:   []int{0},
		Result:   TypeInt,
		Code:     b.Code(),
		Switches: []SwitchTable{{Low: 1, Dense: []int{10, 20}, Default: 30}},
	}
}

func TestSwitchJumpsToCase(t *testing.T) {
	p := newTestProgram(t, switchFunction())
	rt := NewRuntime(p, Config{})
	task, err := rt.ForkByName(context.Background(), "pick", []Value{int32(2)}, ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	root := task.Root()
	root.setState(FrameRunning)
	task.Context().step(root)
	if root.PC() != 20 {
		t.Errorf("pc after switch = %d, want 20", root.PC())
	}

	for _, tt := range []struct{ in, want int32 }{{1, 10}, {2, 20}, {0, 30}, {3, 30}, {-9, 30}} {
		_, task := runManual(t, p, "pick", tt.in)
		if got := mustResult(t, task); got != tt.want {
			t.Errorf("pick(%d) = %v, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSwitchTableLookup(t *testing.T) {
	sparse := &SwitchTable{
		Cases:   []SwitchCase{{Key: "red", Target: 4}, {Key: int64(1000), Target: 8}},
		Default: 2,
	}
	tests := []struct {
		v    Value
		want int
	}{
		{"red", 4},
		{"blue", 2},
		{int32(1000), 8},
		{Char('x'), 2},
	}
	for _, tt := range tests {
		if got := sparse.Lookup(tt.v); got != tt.want {
			t.Errorf("Lookup(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestDenseSwitchExtremeBounds(t *testing.T) {
	dense := &SwitchTable{Low: math.MinInt64, Dense: []int{10, 20}, Default: 30}
	tests := []struct {
		v    Value
		want int
	}{
		{int64(math.MinInt64), 10},
		{int64(math.MinInt64 + 1), 20},
		{int64(math.MinInt64 + 2), 30},
		{int64(5), 30},
		{int64(math.MaxInt64), 30},
		{int32(-1), 30},
	}
	for _, tt := range tests {
		if got := dense.Lookup(tt.v); got != tt.want {
			t.Errorf("Lookup(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestSwitchOnNullRaises(t *testing.T) {
	b := NewCodeBuilder()
	b.EmitOp(OpSwitch, TypeString, ShapeVS, 0, 0)
	b.EmitOp(OpReturn, TypeGeneric, ShapeN)
	p := newTestProgram(t, &Function{
		Name:     "nullSwitch",
		Slots:    slotsOf(TypeString),
		Code:     b.Code(),
		Switches: []SwitchTable{{Default: 3}},
	})
	_, task := runManual(t, p, "nullSwitch")
	e := taskError(t, task)
	if e.Kind != KindUnhandledException || !e.Exception.IsA(ClassNullPointerException) {
		t.Errorf("err = %v, want unhandled NullPointerException", e)
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// divider returns r0 / r1, or -1 when the division raises an exception
// matching class.
func divider(class string) *Function {
	b := NewCodeBuilder()
	b.EmitOp(OpDiv, TypeInt, ShapeVVV, 2, 0, 1)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 2)
	b.EmitImm(OpLoadImm, TypeInt, ShapeVI, int32(-1), 2)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 2)
	return &Function{
		Name:      "divide",
		File:      "divide.tern",
		Slots:     slotsOf(TypeInt, TypeInt, TypeInt, TypeObject),
		Params:    []int{0, 1},
		Result:    TypeInt,
		Code:      b.Code(),
		TryCatch:  []TryCatchItem{{Start: 0, End: 4, Handler: 6, Class: class, CatchSlot: 3}},
		SourceMap: []SourceLoc{{PC: 0, Line: 3, Column: 9}, {PC: 4, Line: 4, Column: 5}},
	}
}

func TestTryCatchMatch(t *testing.T) {
	p := newTestProgram(t, divider(ClassArithmeticException))
	_, task := runManual(t, p, "divide", int32(7), int32(2))
	if got := mustResult(t, task); got != int32(3) {
		t.Errorf("7/2 = %v, want 3", got)
	}
	_, task = runManual(t, p, "divide", int32(7), int32(0))
	if got := mustResult(t, task); got != int32(-1) {
		t.Errorf("7/0 = %v, want -1", got)
	}
	exc := task.Root().Slots().Object(3)
	if exc == nil || !exc.IsA(ClassArithmeticException) || exc.Message() != "/ by zero" {
		t.Errorf("caught %v, want ArithmeticException: / by zero", exc)
	}
}

func TestRaiseResumesAtHandler(t *testing.T) {
	p := newTestProgram(t, divider(ClassRuntimeException))
	rt := NewRuntime(p, Config{})
	task, err := rt.ForkByName(context.Background(), "divide", []Value{int32(1), int32(1)}, ForkOptions{Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	root := task.Root()
	root.setState(FrameRunning)
	root.lastPC = 0
	task.Context().raise(p.NewException(ClassArithmeticException, "boom"))
	if root.State() != FrameRunning || root.PC() != 6 {
		t.Errorf("state %s pc %d, want running at 6", root.State(), root.PC())
	}
}

func TestUnhandledExceptionFaultsTask(t *testing.T) {
	p := newTestProgram(t, divider(ClassNullPointerException))
	_, task := runManual(t, p, "divide", int32(7), int32(0))
	e := taskError(t, task)
	if !errors.Is(e, ErrUnhandledException) {
		t.Fatalf("err = %v, want ErrUnhandledException", e)
	}
	if !e.Exception.IsA(ClassArithmeticException) {
		t.Errorf("exception = %v", e.Exception)
	}
	if task.Root().State() != FrameFaulted {
		t.Errorf("root state = %s, want faulted", task.Root().State())
	}
	if e.Function != "divide" || e.PC != 0 || e.Loc.String() != "divide.tern:3:9" {
		t.Errorf("origin = %s pc %d at %s", e.Function, e.PC, e.Loc)
	}
}

func TestExceptionUnwindsToCaller(t *testing.T) {
	p := NewProgram()
	arith := mustClass(t, p, ClassArithmeticException)

	inner := NewCodeBuilder()
	inner.EmitOp(OpNew, TypeObject, ShapeVC, 0, 0)
	inner.EmitOp(OpThrow, TypeObject, ShapeV, 0)

	outer := NewCodeBuilder()
	call(outer, OpCall, 0, 0, 0, 0)
	outer.EmitOp(OpReturn, TypeInt, ShapeV, 0)
	outer.EmitImm(OpLoadImm, TypeInt, ShapeVI, int32(99), 0)
	outer.EmitOp(OpReturn, TypeInt, ShapeV, 0)

	addFunctions(t, p,
		&Function{Name: "inner", Slots: slotsOf(TypeObject), Result: TypeInt, Code: inner.Code(), Constants: []Value{arith}},
		&Function{
			Name:      "outer",
			Slots:     slotsOf(TypeInt, TypeObject),
			Result:    TypeInt,
			Code:      outer.Code(),
			Constants: []Value{FuncRef("inner")},
			TryCatch:  []TryCatchItem{{Start: 0, End: 5, Handler: 7, CatchSlot: 1}},
		},
	)
	rt, task := runManual(t, p, "outer")
	if got := mustResult(t, task); got != int32(99) {
		t.Errorf("result = %v, want 99", got)
	}
	if n := rt.LiveFrames(); n != 0 {
		t.Errorf("%d frames still live", n)
	}
}

func TestThrowNonThrowable(t *testing.T) {
	p := NewProgram()
	b := NewCodeBuilder()
	b.EmitOp(OpNew, TypeObject, ShapeVC, 0, 0)
	b.EmitOp(OpThrow, TypeGeneric, ShapeV, 0)
	addFunctions(t, p, &Function{
		Name:      "throwObject",
		Slots:     slotsOf(TypeObject),
		Code:      b.Code(),
		Constants: []Value{mustClass(t, p, ClassObject)},
	})
	_, task := runManual(t, p, "throwObject")
	if e := taskError(t, task); e.Exception == nil || !e.Exception.IsA(ClassClassCastException) {
		t.Errorf("err = %v, want ClassCastException", e)
	}
}

// ---------------------------------------------------------------------------
// Host faults
// ---------------------------------------------------------------------------

func TestInvalidInstructionHaltsOnlyItsContext(t *testing.T) {
	good := NewCodeBuilder()
	good.EmitImm(OpLoadImm, TypeInt, ShapeVI, int32(1), 0)
	good.EmitOp(OpReturn, TypeInt, ShapeV, 0)
	p := newTestProgram(t,
		&Function{Name: "corrupt", Code: []uint32{0xFFFFFFFF}},
		&Function{Name: "good", Slots: slotsOf(TypeInt), Result: TypeInt, Code: good.Code()},
	)
	rt := NewRuntime(p, Config{})
	bad := forkManual(t, rt, "corrupt")
	ok := forkManual(t, rt, "good")

	if e := taskError(t, bad); !errors.Is(e, ErrInvalidInstruction) || e.Function != "corrupt" {
		t.Errorf("err = %v, want ErrInvalidInstruction in corrupt", e)
	}
	if got := mustResult(t, ok); got != int32(1) {
		t.Errorf("good = %v, want 1", got)
	}
}

func TestSlotMismatchIsHostFault(t *testing.T) {
	// A typed read of a slot of another kind is never caught by try/catch.
	b := NewCodeBuilder()
	b.EmitOp(OpAdd, TypeInt, ShapeVVV, 0, 0, 1)
	b.EmitOp(OpReturn, TypeGeneric, ShapeN)
	padTo(b, 8)
	b.EmitOp(OpReturn, TypeGeneric, ShapeN)
	p := newTestProgram(t, &Function{
		Name:     "mismatch",
		Slots:    slotsOf(TypeInt, TypeLong, TypeObject),
		Code:     b.Code(),
		TryCatch: []TryCatchItem{{Start: 0, End: 4, Handler: 8, CatchSlot: 2}},
	})
	_, task := runManual(t, p, "mismatch")
	if e := taskError(t, task); !errors.Is(e, ErrSlotTypeMismatch) {
		t.Errorf("err = %v, want ErrSlotTypeMismatch", e)
	}
}

func TestStackOverflow(t *testing.T) {
	b := NewCodeBuilder()
	call(b, OpCall, 0, 0, 0, 0)
	b.EmitOp(OpReturn, TypeInt, ShapeV, 0)
	p := newTestProgram(t, &Function{
		Name:      "recurse",
		Slots:     slotsOf(TypeInt),
		Result:    TypeInt,
		Code:      b.Code(),
		Constants: []Value{FuncRef("recurse")},
	})
	rt := NewRuntime(p, Config{MaxDepth: 8})
	task := forkManual(t, rt, "recurse")
	if e := taskError(t, task); !errors.Is(e, ErrStackOverflow) {
		t.Errorf("err = %v, want ErrStackOverflow", e)
	}
	if n := rt.LiveFrames(); n != 0 {
		t.Errorf("%d frames still live", n)
	}
}

func TestForkRejectsBadArguments(t *testing.T) {
	p := newTestProgram(t, switchFunction())
	rt := NewRuntime(p, Config{})
	ctx := context.Background()
	if _, err := rt.ForkByName(ctx, "pick", nil, ForkOptions{}); !errors.Is(err, ErrLinkage) {
		t.Errorf("missing argument: %v, want ErrLinkage", err)
	}
	if _, err := rt.ForkByName(ctx, "pick", []Value{"2"}, ForkOptions{}); !errors.Is(err, ErrSlotTypeMismatch) {
		t.Errorf("string argument: %v, want ErrSlotTypeMismatch", err)
	}
	if _, err := rt.ForkByName(ctx, "nope", nil, ForkOptions{}); !errors.Is(err, ErrLinkage) {
		t.Errorf("unknown function: %v, want ErrLinkage", err)
	}
}
