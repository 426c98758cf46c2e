package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Data types
// ---------------------------------------------------------------------------

// DataType tags the operand type an instruction variant specializes for,
// and the declared kind of a slot.
type DataType uint8

const (
	TypeVoid    DataType = 0x00 // no value (function results, void returns)
	TypeInt     DataType = 0x01 // int32
	TypeByte    DataType = 0x02 // int8
	TypeShort   DataType = 0x03 // int16
	TypeLong    DataType = 0x04 // int64
	TypeFloat   DataType = 0x05 // float32
	TypeDouble  DataType = 0x06 // float64
	TypeChar    DataType = 0x07 // Char
	TypeBoolean DataType = 0x08 // bool
	TypeString  DataType = 0x09 // string (nullable)
	TypeBytes   DataType = 0x0A // []byte (nullable)
	TypeObject  DataType = 0x0B // *Instance (nullable)
	TypeClass   DataType = 0x0C // *Class (nullable)
	TypeAny     DataType = 0x0D // any boxed Value

	// TypeGeneric is the sentinel tag for the fully generic, boxed variant of
	// an instruction family. It is never a slot kind.
	TypeGeneric DataType = 0xFF
)

type typeInfo struct {
	name   string
	suffix string
}

var typeTable = map[DataType]typeInfo{
	TypeVoid:    {"void", "v"},
	TypeInt:     {"int", "i"},
	TypeByte:    {"byte", "b"},
	TypeShort:   {"short", "s"},
	TypeLong:    {"long", "l"},
	TypeFloat:   {"float", "f"},
	TypeDouble:  {"double", "d"},
	TypeChar:    {"char", "c"},
	TypeBoolean: {"boolean", "z"},
	TypeString:  {"string", "str"},
	TypeBytes:   {"bytes", "bin"},
	TypeObject:  {"object", "o"},
	TypeClass:   {"class", "cls"},
	TypeAny:     {"any", "a"},
	TypeGeneric: {"generic", "g"},
}

// String returns the type's name.
func (t DataType) String() string {
	if info, ok := typeTable[t]; ok {
		return info.name
	}
	return fmt.Sprintf("type(0x%02X)", byte(t))
}

// Suffix returns the short mnemonic suffix for the type.
func (t DataType) Suffix() string {
	if info, ok := typeTable[t]; ok {
		return info.suffix
	}
	return fmt.Sprintf("t%02x", byte(t))
}

// ParseDataType resolves a type name ("int") or suffix ("i").
func ParseDataType(s string) (DataType, bool) {
	for t, info := range typeTable {
		if info.name == s || info.suffix == s {
			return t, true
		}
	}
	return 0, false
}

// IsSlotKind reports whether t can be the declared kind of a slot.
func (t DataType) IsSlotKind() bool {
	return t >= TypeInt && t <= TypeAny
}

// IsReference reports whether values of t may be null.
func (t DataType) IsReference() bool {
	switch t {
	case TypeString, TypeBytes, TypeObject, TypeClass, TypeAny, TypeGeneric:
		return true
	}
	return false
}

// IsIntegral reports whether t is a fixed-width signed integer type.
func (t DataType) IsIntegral() bool {
	switch t {
	case TypeInt, TypeByte, TypeShort, TypeLong:
		return true
	}
	return false
}

// IsNumeric reports whether t is an integral or floating point type.
func (t DataType) IsNumeric() bool {
	return t.IsIntegral() || t == TypeFloat || t == TypeDouble
}

// IsWide reports whether t occupies two operand words as an immediate.
func (t DataType) IsWide() bool {
	return t == TypeLong || t == TypeDouble
}

// ---------------------------------------------------------------------------
// Boxed values
// ---------------------------------------------------------------------------

// Value is a boxed value. Generic instructions, the constant pool and the
// native bridge exchange values in this form. The dynamic type of a Value is
// one of int32, int8, int16, int64, float32, float64, Char, bool, string,
// []byte, *Instance or *Class; nil is null.
type Value = any

// Char is a character value. It is distinct from int32 so that boxed chars
// and boxed ints can be told apart.
type Char rune

// String renders the character.
func (c Char) String() string {
	return string(rune(c))
}

// FuncRef names a bytecode function in a constant pool.
type FuncRef string

// NativeRef names a native entry in a constant pool.
type NativeRef string

// TypeOf returns the data type of a boxed value. Null reports TypeVoid.
func TypeOf(v Value) DataType {
	switch v.(type) {
	case nil:
		return TypeVoid
	case int32:
		return TypeInt
	case int8:
		return TypeByte
	case int16:
		return TypeShort
	case int64:
		return TypeLong
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	case Char:
		return TypeChar
	case bool:
		return TypeBoolean
	case string:
		return TypeString
	case []byte:
		return TypeBytes
	case *Instance:
		return TypeObject
	case *Class:
		return TypeClass
	}
	return TypeAny
}

// Assignable reports whether v can be stored in a slot of kind t.
func Assignable(t DataType, v Value) bool {
	if t == TypeAny {
		return true
	}
	if v == nil {
		return t.IsReference()
	}
	return TypeOf(v) == t
}

// FormatValue renders a value for diagnostics and the CLI.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case []byte:
		return fmt.Sprintf("bytes[%d]", len(x))
	case Char:
		return strconv.QuoteRune(rune(x))
	case *Instance:
		return x.String()
	case *Class:
		return "class " + x.Name
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
