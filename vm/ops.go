package vm

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strconv"
)

// ---------------------------------------------------------------------------
// Interpreted exceptions raised by instruction semantics
// ---------------------------------------------------------------------------

// thrown is panicked by instruction helpers to raise an interpreted
// exception. The dispatch loop recovers it and unwinds through try/catch
// items; it never escapes a context.
type thrown struct {
	class string
	msg   string
}

func throwBuiltin(class, format string, args ...any) {
	panic(&thrown{class: class, msg: fmt.Sprintf(format, args...)})
}

func throwNull(op Opcode) {
	throwBuiltin(ClassNullPointerException, "%s on null", op)
}

func throwCast(op Opcode, a, b Value) {
	throwBuiltin(ClassClassCastException, "%s not applicable to %s and %s", op, TypeOf(a), TypeOf(b))
}

// ---------------------------------------------------------------------------
// Typed semantics, shared by specialized and generic variants
// ---------------------------------------------------------------------------

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64
}

type float interface {
	~float32 | ~float64
}

type number interface {
	integer | float
}

// relate applies a comparison opcode. Comparisons involving NaN are false
// except notequals.
func relate[T cmp.Ordered](op Opcode, x, y T) bool {
	switch op {
	case OpEquals:
		return x == y
	case OpNotEquals:
		return x != y
	case OpGreaterThan:
		return x > y
	case OpGreaterEquals:
		return x >= y
	case OpLessThan:
		return x < y
	case OpLessEquals:
		return x <= y
	}
	fault(KindInvalidInstruction, "%s is not a comparison", op)
	return false
}

func boolEquality(op Opcode, x, y bool) bool {
	switch op {
	case OpEquals:
		return x == y
	case OpNotEquals:
		return x != y
	}
	throwBuiltin(ClassClassCastException, "%s not applicable to boolean", op)
	return false
}

// intArith wraps on overflow. Division and remainder by zero raise
// ArithmeticException.
func intArith[T integer](op Opcode, x, y T) T {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		if y == 0 {
			throwBuiltin(ClassArithmeticException, "/ by zero")
		}
		return x / y
	case OpRem:
		if y == 0 {
			throwBuiltin(ClassArithmeticException, "%% by zero")
		}
		return x % y
	}
	fault(KindInvalidInstruction, "%s is not arithmetic", op)
	return 0
}

// floatArith follows IEEE 754; remainder truncates like fmod.
func floatArith[T float](op Opcode, x, y T) T {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		return x / y
	case OpRem:
		return T(math.Mod(float64(x), float64(y)))
	}
	fault(KindInvalidInstruction, "%s is not arithmetic", op)
	return 0
}

func bitwise[T integer](op Opcode, x, y T) T {
	switch op {
	case OpBitAnd:
		return x & y
	case OpBitOr:
		return x | y
	case OpBitXor:
		return x ^ y
	}
	fault(KindInvalidInstruction, "%s is not bitwise", op)
	return 0
}

func boolBitwise(op Opcode, x, y bool) bool {
	switch op {
	case OpBitAnd:
		return x && y
	case OpBitOr:
		return x || y
	case OpBitXor:
		return x != y
	}
	fault(KindInvalidInstruction, "%s is not bitwise", op)
	return false
}

func widthOf[T integer]() uint {
	var zero T
	switch any(zero).(type) {
	case int8:
		return 8
	case int16:
		return 16
	case int32:
		return 32
	}
	return 64
}

// shift masks the count by the operand width. Unsigned right shift treats
// the operand as unsigned of the same width.
func shift[T integer](op Opcode, x T, n int64) T {
	bits := widthOf[T]()
	k := uint(n) & (bits - 1)
	switch op {
	case OpBitShiftLeft:
		return x << k
	case OpBitShiftRight:
		return x >> k
	case OpBitUnsignedShiftRight:
		mask := uint64(1)<<bits - 1
		return T((uint64(x) & mask) >> k)
	}
	fault(KindInvalidInstruction, "%s is not a shift", op)
	return 0
}

func logical(op Opcode, x, y bool) bool {
	switch op {
	case OpLogicalAnd:
		return x && y
	case OpLogicalOr:
		return x || y
	}
	fault(KindInvalidInstruction, "%s is not logical", op)
	return false
}

// ---------------------------------------------------------------------------
// Generic (boxed) semantics
// ---------------------------------------------------------------------------

func isNumberLike(t DataType) bool {
	return t.IsNumeric() || t == TypeChar
}

// promote returns the type two boxed numbers are combined in. Equal types
// are kept; chars are kept only when keepChar is set. Mixed types widen to
// double, float, long or int, in that order of preference.
func promote(a, b Value, keepChar bool) (DataType, bool) {
	ta, tb := TypeOf(a), TypeOf(b)
	if !isNumberLike(ta) || !isNumberLike(tb) {
		return 0, false
	}
	if ta == tb && (ta != TypeChar || keepChar) {
		return ta, true
	}
	switch {
	case ta == TypeDouble || tb == TypeDouble:
		return TypeDouble, true
	case ta == TypeFloat || tb == TypeFloat:
		return TypeFloat, true
	case ta == TypeLong || tb == TypeLong:
		return TypeLong, true
	}
	return TypeInt, true
}

// conv converts a boxed number or char to T.
func conv[T number](v Value) T {
	switch x := v.(type) {
	case int32:
		return T(x)
	case int8:
		return T(x)
	case int16:
		return T(x)
	case int64:
		return T(x)
	case float32:
		return T(x)
	case float64:
		return T(x)
	case Char:
		return T(x)
	}
	fault(KindInvalidInstruction, "%s is not numeric", TypeOf(v))
	return 0
}

func relateAs(op Opcode, k DataType, a, b Value) bool {
	switch k {
	case TypeInt:
		return relate(op, conv[int32](a), conv[int32](b))
	case TypeByte:
		return relate(op, conv[int8](a), conv[int8](b))
	case TypeShort:
		return relate(op, conv[int16](a), conv[int16](b))
	case TypeLong:
		return relate(op, conv[int64](a), conv[int64](b))
	case TypeFloat:
		return relate(op, conv[float32](a), conv[float32](b))
	case TypeDouble:
		return relate(op, conv[float64](a), conv[float64](b))
	case TypeChar:
		return relate(op, a.(Char), b.(Char))
	}
	fault(KindInvalidInstruction, "cannot compare as %s", k)
	return false
}

// genericEqual is value equality for primitives, strings and bytes, and
// identity for objects and classes.
func genericEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if k, ok := promote(a, b, true); ok {
		return relateAs(OpEquals, k, a, b)
	}
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *Instance:
		y, ok := b.(*Instance)
		return ok && x == y
	case *Class:
		y, ok := b.(*Class)
		return ok && x == y
	}
	return false
}

// genericCompare applies any comparison opcode to boxed operands. Ordering
// null raises NullPointerException; ordering unrelated or unordered types
// raises ClassCastException.
func genericCompare(op Opcode, a, b Value) bool {
	switch op {
	case OpEquals:
		return genericEqual(a, b)
	case OpNotEquals:
		return !genericEqual(a, b)
	}
	if a == nil || b == nil {
		throwNull(op)
	}
	if k, ok := promote(a, b, true); ok {
		return relateAs(op, k, a, b)
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return relate(op, x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return relate(op, bytes.Compare(x, y), 0)
		}
	}
	throwCast(op, a, b)
	return false
}

// genericArith applies add, sub, mul, div or rem to boxed operands. Add with
// a string operand concatenates.
func genericArith(op Opcode, a, b Value) Value {
	if op == OpAdd {
		_, sa := a.(string)
		_, sb := b.(string)
		if sa || sb {
			return displayString(a) + displayString(b)
		}
	}
	if a == nil || b == nil {
		throwNull(op)
	}
	k, ok := promote(a, b, false)
	if !ok {
		throwCast(op, a, b)
	}
	switch k {
	case TypeInt:
		return intArith(op, conv[int32](a), conv[int32](b))
	case TypeByte:
		return intArith(op, conv[int8](a), conv[int8](b))
	case TypeShort:
		return intArith(op, conv[int16](a), conv[int16](b))
	case TypeLong:
		return intArith(op, conv[int64](a), conv[int64](b))
	case TypeFloat:
		return floatArith(op, conv[float32](a), conv[float32](b))
	}
	return floatArith(op, conv[float64](a), conv[float64](b))
}

func genericNeg(a Value) Value {
	switch x := a.(type) {
	case nil:
		throwNull(OpNeg)
	case int32:
		return -x
	case int8:
		return -x
	case int16:
		return -x
	case int64:
		return -x
	case float32:
		return -x
	case float64:
		return -x
	case Char:
		return -int32(x)
	}
	throwCast(OpNeg, a, nil)
	return nil
}

func genericBitNot(a Value) Value {
	switch x := a.(type) {
	case nil:
		throwNull(OpBitNot)
	case int32:
		return ^x
	case int8:
		return ^x
	case int16:
		return ^x
	case int64:
		return ^x
	case Char:
		return ^int32(x)
	}
	throwCast(OpBitNot, a, nil)
	return nil
}

func genericBitwise(op Opcode, a, b Value) Value {
	if a == nil || b == nil {
		throwNull(op)
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return boolBitwise(op, x, y)
		}
		throwCast(op, a, b)
	}
	k, ok := promote(a, b, false)
	if !ok || !k.IsIntegral() {
		throwCast(op, a, b)
	}
	switch k {
	case TypeInt:
		return bitwise(op, conv[int32](a), conv[int32](b))
	case TypeByte:
		return bitwise(op, conv[int8](a), conv[int8](b))
	case TypeShort:
		return bitwise(op, conv[int16](a), conv[int16](b))
	}
	return bitwise(op, conv[int64](a), conv[int64](b))
}

// genericShift keeps the type of the left operand; chars shift as ints.
func genericShift(op Opcode, a, b Value) Value {
	if a == nil || b == nil {
		throwNull(op)
	}
	tb := TypeOf(b)
	if !tb.IsIntegral() && tb != TypeChar {
		throwCast(op, a, b)
	}
	n := conv[int64](b)
	switch x := a.(type) {
	case int32:
		return shift(op, x, n)
	case int8:
		return shift(op, x, n)
	case int16:
		return shift(op, x, n)
	case int64:
		return shift(op, x, n)
	case Char:
		return shift(op, int32(x), n)
	}
	throwCast(op, a, b)
	return nil
}

func genericNot(a Value) Value {
	switch x := a.(type) {
	case nil:
		throwNull(OpLogicalNot)
	case bool:
		return !x
	}
	throwCast(OpLogicalNot, a, nil)
	return nil
}

func genericLogical(op Opcode, a, b Value) Value {
	if a == nil || b == nil {
		throwNull(op)
	}
	x, okA := a.(bool)
	y, okB := b.(bool)
	if !okA || !okB {
		throwCast(op, a, b)
	}
	return logical(op, x, y)
}

// displayString renders a value for string concatenation.
func displayString(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case Char:
		return string(rune(x))
	case bool:
		return strconv.FormatBool(x)
	case *Class:
		return x.Name
	}
	return FormatValue(v)
}
