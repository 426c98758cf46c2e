package vm

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction encoding
//
// A code word is a uint32 packed, most significant byte first, as
//
//	opcode (8) | data type (8) | operand shape (8) | operand count (8)
//
// and is followed in the bytecode by exactly `operand count` operand words.
// 64-bit immediates occupy two operand words, high word first.
// ---------------------------------------------------------------------------

// Opcode identifies an instruction family.
type Opcode uint8

// Data movement
const (
	OpNop      Opcode = 0x00 // no operation
	OpMove     Opcode = 0x01 // R(a) = R(b)
	OpLoad     Opcode = 0x02 // R(a) = K(b)
	OpLoadImm  Opcode = 0x03 // R(a) = immediate
	OpLoadNull Opcode = 0x04 // R(a) = null
)

// Comparisons (boolean result)
const (
	OpEquals        Opcode = 0x10
	OpNotEquals     Opcode = 0x11
	OpGreaterThan   Opcode = 0x12
	OpGreaterEquals Opcode = 0x13
	OpLessThan      Opcode = 0x14
	OpLessEquals    Opcode = 0x15
	OpInstanceOf    Opcode = 0x16
)

// Bitwise and logical
const (
	OpBitAnd                Opcode = 0x20
	OpBitOr                 Opcode = 0x21
	OpBitXor                Opcode = 0x22
	OpBitNot                Opcode = 0x23
	OpBitShiftLeft          Opcode = 0x24
	OpBitShiftRight         Opcode = 0x25
	OpBitUnsignedShiftRight Opcode = 0x26
	OpLogicalNot            Opcode = 0x27
	OpLogicalOr             Opcode = 0x28
	OpLogicalAnd            Opcode = 0x29
)

// Arithmetic
const (
	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33
	OpRem Opcode = 0x34
	OpNeg Opcode = 0x35
)

// Control flow
const (
	OpJump      Opcode = 0x40 // pc = target
	OpJumpIf    Opcode = 0x41 // if R(a) { pc = target }
	OpJumpIfNot Opcode = 0x42 // if !R(a) { pc = target }
	OpSwitch    Opcode = 0x43 // pc = Switch[b].Lookup(R(a))
)

// Calls and returns
const (
	OpCallNative Opcode = 0x50 // R(dst) = native K(f)(R(first)..R(first+n-1))
	OpCall       Opcode = 0x51 // R(dst) = K(f)(R(first)..R(first+n-1))
	OpCallAsync  Opcode = 0x52 // same as OpCall, callee runs in a forked context
	OpReturn     Opcode = 0x53
	OpThrow      Opcode = 0x54
)

// Objects
const (
	OpNew      Opcode = 0x60 // R(a) = new K(b)
	OpGetField Opcode = 0x61 // R(a) = R(b).K(c)
	OpPutField Opcode = 0x62 // R(a).K(c) = R(b)
)

// Shape describes how many operands follow a code word and what they are:
// v is a register index, c a constant pool index, i an immediate, n null,
// j a jump target and s a switch table index.
type Shape uint8

const (
	ShapeN    Shape = 0x00 // no operands
	ShapeV    Shape = 0x01 // a
	ShapeVV   Shape = 0x02 // a, b
	ShapeVVV  Shape = 0x03 // a, b, c
	ShapeVVC  Shape = 0x04 // a, b, K
	ShapeVVI  Shape = 0x05 // a, b, imm
	ShapeVVN  Shape = 0x06 // a, b (compared against null)
	ShapeVC   Shape = 0x07 // a, K
	ShapeVI   Shape = 0x08 // a, imm
	ShapeJ    Shape = 0x09 // target
	ShapeVJ   Shape = 0x0A // a, target
	ShapeVS   Shape = 0x0B // a, switch table
	ShapeCall Shape = 0x0C // dst, K(callee), first argument, argument count
)

var shapeNames = map[Shape]string{
	ShapeN: "n", ShapeV: "v", ShapeVV: "vv", ShapeVVV: "vvv", ShapeVVC: "vvc",
	ShapeVVI: "vvi", ShapeVVN: "vvn", ShapeVC: "vc", ShapeVI: "vi", ShapeJ: "j",
	ShapeVJ: "vj", ShapeVS: "vs", ShapeCall: "call",
}

// shapeWords is the operand word count of each shape, excluding the extra
// word a 64-bit immediate needs.
var shapeWords = map[Shape]int{
	ShapeN: 0, ShapeV: 1, ShapeVV: 2, ShapeVVV: 3, ShapeVVC: 3, ShapeVVI: 3,
	ShapeVVN: 2, ShapeVC: 2, ShapeVI: 2, ShapeJ: 1, ShapeVJ: 2, ShapeVS: 2,
	ShapeCall: 4,
}

func (s Shape) String() string {
	if n, ok := shapeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("shape(0x%02X)", byte(s))
}

// HasImmediate reports whether the shape ends in an immediate operand.
func (s Shape) HasImmediate() bool {
	return s == ShapeVVI || s == ShapeVI
}

// NoSlot is the destination operand of a call whose result is discarded.
const NoSlot = ^uint32(0)

// ---------------------------------------------------------------------------
// Instruction families
// ---------------------------------------------------------------------------

var (
	primTypes     = []DataType{TypeInt, TypeByte, TypeShort, TypeLong, TypeFloat, TypeDouble, TypeChar, TypeBoolean}
	refTypes      = []DataType{TypeString, TypeBytes, TypeObject, TypeClass, TypeAny}
	numericTypes  = []DataType{TypeInt, TypeByte, TypeShort, TypeLong, TypeFloat, TypeDouble}
	integralTypes = []DataType{TypeInt, TypeByte, TypeShort, TypeLong}
	orderedTypes  = []DataType{TypeInt, TypeByte, TypeShort, TypeLong, TypeFloat, TypeDouble, TypeChar}
	switchTypes   = []DataType{TypeInt, TypeByte, TypeShort, TypeLong, TypeChar, TypeString}
	slotTypes     = append(append([]DataType{}, primTypes...), refTypes...)
	generic       = []DataType{TypeGeneric}
)

type variant struct {
	types  []DataType
	shapes []Shape
}

type family struct {
	name     string
	variants []variant
}

func shapes(s ...Shape) []Shape { return s }

func types(groups ...[]DataType) []DataType {
	var out []DataType
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// families is the single definition table of every valid
// (opcode, data type, shape) combination.
var families = map[Opcode]family{
	OpNop:      {"nop", []variant{{generic, shapes(ShapeN)}}},
	OpMove:     {"move", []variant{{types(slotTypes, generic), shapes(ShapeVV)}}},
	OpLoad:     {"load", []variant{{types(slotTypes, generic), shapes(ShapeVC)}}},
	OpLoadImm:  {"loadimm", []variant{{primTypes, shapes(ShapeVI)}}},
	OpLoadNull: {"loadnull", []variant{{refTypes, shapes(ShapeV)}}},

	OpEquals:        {"equals", equalityVariants},
	OpNotEquals:     {"notequals", equalityVariants},
	OpGreaterThan:   {"greaterthan", orderingVariants},
	OpGreaterEquals: {"greaterequals", orderingVariants},
	OpLessThan:      {"lessthan", orderingVariants},
	OpLessEquals:    {"lessequals", orderingVariants},
	OpInstanceOf:    {"instanceof", []variant{{types(slotTypes, generic), shapes(ShapeVVC)}}},

	OpBitAnd: {"bitand", bitwiseVariants},
	OpBitOr:  {"bitor", bitwiseVariants},
	OpBitXor: {"bitxor", bitwiseVariants},
	OpBitNot: {"bitnot", []variant{{types(integralTypes, generic), shapes(ShapeVV)}}},

	OpBitShiftLeft:          {"shl", shiftVariants},
	OpBitShiftRight:         {"shr", shiftVariants},
	OpBitUnsignedShiftRight: {"ushr", shiftVariants},

	OpLogicalNot: {"not", []variant{{[]DataType{TypeBoolean, TypeGeneric}, shapes(ShapeVV)}}},
	OpLogicalOr:  {"or", logicalVariants},
	OpLogicalAnd: {"and", logicalVariants},

	OpAdd: {"add", []variant{
		{numericTypes, shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
		{[]DataType{TypeString, TypeGeneric}, shapes(ShapeVVV, ShapeVVC)},
	}},
	OpSub: {"sub", arithmeticVariants},
	OpMul: {"mul", arithmeticVariants},
	OpDiv: {"div", arithmeticVariants},
	OpRem: {"rem", arithmeticVariants},
	OpNeg: {"neg", []variant{{types(numericTypes, generic), shapes(ShapeVV)}}},

	OpJump:      {"jump", []variant{{generic, shapes(ShapeJ)}}},
	OpJumpIf:    {"jumpif", []variant{{[]DataType{TypeBoolean}, shapes(ShapeVJ)}}},
	OpJumpIfNot: {"jumpifnot", []variant{{[]DataType{TypeBoolean}, shapes(ShapeVJ)}}},
	OpSwitch:    {"switch", []variant{{types(switchTypes, generic), shapes(ShapeVS)}}},

	OpCallNative: {"callnative", []variant{{generic, shapes(ShapeCall)}}},
	OpCall:       {"call", []variant{{generic, shapes(ShapeCall)}}},
	OpCallAsync:  {"callasync", []variant{{generic, shapes(ShapeCall)}}},
	OpReturn: {"return", []variant{
		{types(slotTypes, generic), shapes(ShapeV)},
		{generic, shapes(ShapeN)},
	}},
	OpThrow: {"throw", []variant{{[]DataType{TypeObject, TypeGeneric}, shapes(ShapeV)}}},

	OpNew:      {"new", []variant{{[]DataType{TypeObject}, shapes(ShapeVC)}}},
	OpGetField: {"getfield", []variant{{generic, shapes(ShapeVVC)}}},
	OpPutField: {"putfield", []variant{{generic, shapes(ShapeVVC)}}},
}

var equalityVariants = []variant{
	{primTypes, shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
	{refTypes, shapes(ShapeVVV, ShapeVVC, ShapeVVN)},
	{generic, shapes(ShapeVVV, ShapeVVC, ShapeVVN)},
}

// Object ordering has register and constant forms only; there is no null
// form.
var orderingVariants = []variant{
	{orderedTypes, shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
	{[]DataType{TypeString, TypeBytes, TypeObject, TypeAny, TypeGeneric}, shapes(ShapeVVV, ShapeVVC)},
}

var bitwiseVariants = []variant{
	{types(integralTypes, []DataType{TypeBoolean}), shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
	{generic, shapes(ShapeVVV, ShapeVVC)},
}

var shiftVariants = []variant{
	{integralTypes, shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
	{generic, shapes(ShapeVVV, ShapeVVC)},
}

var logicalVariants = []variant{
	{[]DataType{TypeBoolean}, shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
	{generic, shapes(ShapeVVV, ShapeVVC)},
}

var arithmeticVariants = []variant{
	{numericTypes, shapes(ShapeVVV, ShapeVVC, ShapeVVI)},
	{generic, shapes(ShapeVVV, ShapeVVC)},
}

// String returns the family name.
func (op Opcode) String() string {
	if f, ok := families[op]; ok {
		return f.name
	}
	return fmt.Sprintf("UNKNOWN_%02X", byte(op))
}

// ---------------------------------------------------------------------------
// Codes and decoding
// ---------------------------------------------------------------------------

// Code is a packed instruction code word.
type Code uint32

// Instruction is a decoded code word.
type Instruction struct {
	Op    Opcode
	Type  DataType
	Shape Shape
	Count int // operand words following the code word
}

// operandCount returns the operand words for a shape at a data type.
func operandCount(t DataType, s Shape) int {
	n := shapeWords[s]
	if s.HasImmediate() && t.IsWide() {
		n++
	}
	return n
}

func pack(op Opcode, t DataType, s Shape, count int) Code {
	return Code(uint32(op)<<24 | uint32(t)<<16 | uint32(s)<<8 | uint32(count))
}

// decodeTable holds every defined code; it is the exhaustive decoder.
var (
	decodeTable   = make(map[Code]Instruction)
	mnemonicTable = make(map[Code]string)
	mnemonicCodes = make(map[string]Code)
)

func init() {
	for op, f := range families {
		for _, v := range f.variants {
			for _, t := range v.types {
				for _, s := range v.shapes {
					n := operandCount(t, s)
					c := pack(op, t, s, n)
					decodeTable[c] = Instruction{Op: op, Type: t, Shape: s, Count: n}
					name := f.name + "_" + t.Suffix() + "_" + s.String()
					if _, dup := mnemonicCodes[name]; dup {
						panic("vm: duplicate mnemonic " + name)
					}
					mnemonicTable[c] = name
					mnemonicCodes[name] = c
				}
			}
		}
	}
}

// Decode splits a code word into its fields. Codes outside the definition
// table fail with ErrInvalidInstruction.
func Decode(c Code) (Instruction, error) {
	if in, ok := decodeTable[c]; ok {
		return in, nil
	}
	return Instruction{}, newError(KindInvalidInstruction, "undefined instruction code 0x%08X", uint32(c))
}

// Encode packs an (opcode, data type, shape) combination, deriving the
// operand count from the data type's storage width.
func Encode(op Opcode, t DataType, s Shape) (Code, error) {
	c := pack(op, t, s, operandCount(t, s))
	if _, ok := decodeTable[c]; !ok {
		return 0, newError(KindInvalidInstruction, "%s has no %s variant with shape %s", op, t, s)
	}
	return c, nil
}

// MustEncode is Encode for statically known combinations.
func MustEncode(op Opcode, t DataType, s Shape) Code {
	c, err := Encode(op, t, s)
	if err != nil {
		panic(err)
	}
	return c
}

// Code returns the code word of a decoded instruction.
func (in Instruction) Code() Code {
	return pack(in.Op, in.Type, in.Shape, in.Count)
}

// Mnemonic returns the instruction's diagnostic name.
func (in Instruction) Mnemonic() string {
	return mnemonicTable[in.Code()]
}

func (in Instruction) String() string {
	return in.Mnemonic()
}

// Mnemonic returns the diagnostic name of a code, e.g. "equals_i_vvc".
func (c Code) Mnemonic() string {
	if name, ok := mnemonicTable[c]; ok {
		return name
	}
	return fmt.Sprintf("invalid_%08x", uint32(c))
}

func (c Code) String() string {
	return c.Mnemonic()
}

// ParseMnemonic is the inverse of Code.Mnemonic.
func ParseMnemonic(name string) (Code, error) {
	if c, ok := mnemonicCodes[strings.ToLower(name)]; ok {
		return c, nil
	}
	return 0, newError(KindInvalidInstruction, "unknown mnemonic %q", name)
}

// Codes returns every defined code in ascending order.
func Codes() []Code {
	out := make([]Code, 0, len(decodeTable))
	for c := range decodeTable {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---------------------------------------------------------------------------
// Immediates
// ---------------------------------------------------------------------------

// Immediate encodes a primitive value as the immediate operand words for
// data type t.
func Immediate(t DataType, v Value) ([]uint32, error) {
	if !Assignable(t, v) || v == nil {
		return nil, newError(KindInvalidInstruction, "immediate %v is not a %s", v, t)
	}
	switch x := v.(type) {
	case int32:
		return []uint32{uint32(x)}, nil
	case int8:
		return []uint32{uint32(int32(x))}, nil
	case int16:
		return []uint32{uint32(int32(x))}, nil
	case Char:
		return []uint32{uint32(x)}, nil
	case bool:
		if x {
			return []uint32{1}, nil
		}
		return []uint32{0}, nil
	case float32:
		return []uint32{math.Float32bits(x)}, nil
	case int64:
		return []uint32{uint32(uint64(x) >> 32), uint32(x)}, nil
	case float64:
		bits := math.Float64bits(x)
		return []uint32{uint32(bits >> 32), uint32(bits)}, nil
	}
	return nil, newError(KindInvalidInstruction, "no immediate form for %s", t)
}

// decodeImmediate is the inverse of Immediate.
func decodeImmediate(t DataType, w []uint32) Value {
	switch t {
	case TypeInt:
		return int32(w[0])
	case TypeByte:
		return int8(int32(w[0]))
	case TypeShort:
		return int16(int32(w[0]))
	case TypeChar:
		return Char(w[0])
	case TypeBoolean:
		return w[0] != 0
	case TypeFloat:
		return math.Float32frombits(w[0])
	case TypeLong:
		return int64(uint64(w[0])<<32 | uint64(w[1]))
	case TypeDouble:
		return math.Float64frombits(uint64(w[0])<<32 | uint64(w[1]))
	}
	fault(KindInvalidInstruction, "no immediate form for %s", t)
	return nil
}

// ---------------------------------------------------------------------------
// CodeBuilder: helper for assembling bytecode
// ---------------------------------------------------------------------------

// CodeBuilder assembles code words and operands.
type CodeBuilder struct {
	words []uint32
}

// NewCodeBuilder creates an empty builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{words: make([]uint32, 0, 64)}
}

// Code returns the assembled bytecode.
func (b *CodeBuilder) Code() []uint32 {
	return b.words
}

// PC returns the position the next instruction will occupy.
func (b *CodeBuilder) PC() int {
	return len(b.words)
}

// Emit appends an instruction. The operand count must match the code.
func (b *CodeBuilder) Emit(c Code, operands ...uint32) int {
	in, err := Decode(c)
	if err != nil {
		panic(err)
	}
	if len(operands) != in.Count {
		panic(fmt.Sprintf("%s: got %d operands, want %d", in, len(operands), in.Count))
	}
	pc := len(b.words)
	b.words = append(b.words, uint32(c))
	b.words = append(b.words, operands...)
	return pc
}

// EmitOp encodes and appends an instruction in one step.
func (b *CodeBuilder) EmitOp(op Opcode, t DataType, s Shape, operands ...uint32) int {
	return b.Emit(MustEncode(op, t, s), operands...)
}

// EmitImm appends an instruction whose last operand is an immediate of the
// instruction's data type.
func (b *CodeBuilder) EmitImm(op Opcode, t DataType, s Shape, imm Value, regs ...uint32) int {
	words, err := Immediate(t, imm)
	if err != nil {
		panic(err)
	}
	return b.EmitOp(op, t, s, append(regs, words...)...)
}

// ---------------------------------------------------------------------------
// Labels for jumps
// ---------------------------------------------------------------------------

// Label is a jump target that may be referenced before it is placed.
type Label struct {
	resolved bool
	position int   // target pc once resolved
	refs     []int // operand words to patch
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches references.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.words)
	for _, ref := range label.refs {
		b.words[ref] = uint32(label.position)
	}
	label.refs = nil
}

// PC returns the resolved target of the label.
func (l *Label) PC() int {
	if !l.resolved {
		panic("label not resolved")
	}
	return l.position
}

// EmitJump appends a jump-shaped instruction whose final operand is the
// label's target; regs are the leading register operands.
func (b *CodeBuilder) EmitJump(c Code, label *Label, regs ...uint32) int {
	target := uint32(0)
	if label.resolved {
		target = uint32(label.position)
	}
	pc := b.Emit(c, append(regs, target)...)
	if !label.resolved {
		label.refs = append(label.refs, len(b.words)-1)
	}
	return pc
}
