package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Data types and boxed values
// ---------------------------------------------------------------------------

func TestDataTypeNames(t *testing.T) {
	for _, typ := range types(slotTypes, generic) {
		back, ok := ParseDataType(typ.String())
		if !ok || back != typ {
			t.Errorf("ParseDataType(%q) = %v, %v", typ.String(), back, ok)
		}
	}
	if TypeGeneric.IsSlotKind() || TypeVoid.IsSlotKind() {
		t.Error("generic and void must not be slot kinds")
	}
	if !TypeAny.IsReference() || TypeLong.IsReference() {
		t.Error("reference classification is wrong")
	}
}

func TestAssignable(t *testing.T) {
	tests := []struct {
		typ  DataType
		v    Value
		want bool
	}{
		{TypeInt, int32(1), true},
		{TypeInt, int64(1), false},
		{TypeInt, nil, false},
		{TypeString, nil, true},
		{TypeString, "s", true},
		{TypeChar, Char('c'), true},
		{TypeChar, int32('c'), false},
		{TypeAny, 3.5, true},
		{TypeObject, (*Instance)(nil), true},
	}
	for _, tt := range tests {
		if got := Assignable(tt.typ, tt.v); got != tt.want {
			t.Errorf("Assignable(%s, %#v) = %v, want %v", tt.typ, tt.v, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{nil, "null"},
		{int32(-3), "-3"},
		{"a\"b", `"a\"b"`},
		{Char('x'), `'x'`},
		{float32(0.1), "0.1"},
		{[]byte{1, 2}, "bytes[2]"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.v); got != tt.want {
			t.Errorf("FormatValue(%#v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

func TestSlotsTypedAccess(t *testing.T) {
	s := NewSlots([]DataType{TypeInt, TypeByte, TypeDouble, TypeString, TypeAny, TypeChar})
	s.SetInt(0, -42)
	s.SetByte(1, -3)
	s.SetDouble(2, 2.5)
	s.SetString(3, "x")
	s.SetAny(4, int64(9))
	s.SetChar(5, 'é')

	if s.Int(0) != -42 || s.Byte(1) != -3 || s.Double(2) != 2.5 || s.String(3) != "x" || s.Char(5) != 'é' {
		t.Errorf("typed reads: %d %d %v %q %v", s.Int(0), s.Byte(1), s.Double(2), s.String(3), s.Char(5))
	}
	if s.Box(1) != int8(-3) || s.Box(4) != int64(9) {
		t.Errorf("boxed reads: %#v %#v", s.Box(1), s.Box(4))
	}
	if s.IsNull(0) || s.IsNull(3) {
		t.Error("IsNull on a set slot")
	}
	s.SetNull(3)
	if !s.IsNull(3) {
		t.Error("SetNull did not clear the slot")
	}
}

func TestSlotsRejectMismatchedAccess(t *testing.T) {
	s := NewSlots([]DataType{TypeInt, TypeString})
	tests := []struct {
		name string
		fn   func()
	}{
		{"long read of int", func() { s.Long(0) }},
		{"float write to int", func() { s.SetFloat(0, 1) }},
		{"string read of int", func() { s.String(0) }},
		{"null into int", func() { s.SetNull(0) }},
		{"store long into int", func() { s.Store(0, int64(1)) }},
		{"store int into string", func() { s.Store(1, int32(1)) }},
		{"out of range", func() { s.Int(5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectFault(t, KindSlotTypeMismatch, tt.fn)
		})
	}
	expectFault(t, KindSlotTypeMismatch, func() { NewSlots([]DataType{TypeGeneric}) })
}

// ---------------------------------------------------------------------------
// Classes and errors
// ---------------------------------------------------------------------------

func TestBuiltinHierarchy(t *testing.T) {
	p := NewProgram()
	arith := mustClass(t, p, ClassArithmeticException)
	if !arith.IsSubclassOf(mustClass(t, p, ClassThrowable)) {
		t.Error("ArithmeticException is not Throwable")
	}
	exc := p.NewException(ClassArithmeticException, "boom")
	if !exc.IsA(ClassRuntimeException) || exc.String() != "ArithmeticException: boom" {
		t.Errorf("exception = %s", exc)
	}
	if got := p.NewException("NoSuchClass", "x"); got.Class.Name != ClassRuntimeException {
		t.Errorf("fallback class = %s", got.Class.Name)
	}
	if got := p.NewException(ClassString, "x"); got.Class.Name != ClassRuntimeException {
		t.Errorf("non-throwable fallback class = %s", got.Class.Name)
	}
}

func TestDefineClass(t *testing.T) {
	p := NewProgram()
	base, err := p.DefineClass("Shape", "", "name")
	if err != nil {
		t.Fatal(err)
	}
	circle, err := p.DefineClass("Circle", "Shape", "radius")
	if err != nil {
		t.Fatal(err)
	}
	if !circle.IsSubclassOf(base) || base.IsSubclassOf(circle) {
		t.Error("subclass relation is wrong")
	}
	if got := strings.Join(circle.AllFields(), ","); got != "name,radius" {
		t.Errorf("AllFields = %s", got)
	}
	if _, err := p.DefineClass("Circle", ""); err == nil {
		t.Error("duplicate class accepted")
	}
	if _, err := p.DefineClass("Orphan", "Missing"); err == nil {
		t.Error("unknown superclass accepted")
	}
	inst := NewInstance(circle)
	if !inst.SetField("name", "c") || inst.SetField("area", 1.0) {
		t.Error("SetField accepted an undeclared field or rejected a declared one")
	}
}

func TestErrorMatching(t *testing.T) {
	err := &Error{Kind: KindCoercion, Msg: "bad", Function: "main#", PC: 4, Loc: SourceLoc{File: "m.tern", Line: 2, Column: 1}}
	if !errors.Is(err, ErrCoercion) || errors.Is(err, ErrLinkage) {
		t.Error("sentinel matching is wrong")
	}
	if !IsKind(err, KindCoercion) {
		t.Error("IsKind failed")
	}
	if got := err.Error(); got != "CoercionError: bad (in main# at pc 4, m.tern:2:1)" {
		t.Errorf("Error() = %q", got)
	}
}
