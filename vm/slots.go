package vm

import "math"

// ---------------------------------------------------------------------------
// Slots: a frame's typed register file
// ---------------------------------------------------------------------------

// Slots is the register file of a call frame. Every slot has a declared kind
// fixed for the lifetime of the frame. Primitive kinds are stored as raw bits,
// reference kinds as boxed values.
//
// Reading or writing a slot through the accessor of another kind is a bug in
// the generated code; the accessor panics with ErrSlotTypeMismatch and never
// reinterprets the stored bits.
type Slots struct {
	kinds []DataType
	prims []uint64
	refs  []Value
}

// NewSlots allocates a slot file with the given declared kinds. Primitive
// slots start at zero, reference slots at null.
func NewSlots(kinds []DataType) *Slots {
	s := &Slots{
		kinds: make([]DataType, len(kinds)),
		prims: make([]uint64, len(kinds)),
		refs:  make([]Value, len(kinds)),
	}
	for i, k := range kinds {
		if !k.IsSlotKind() {
			fault(KindSlotTypeMismatch, "slot %d: %s is not a slot kind", i, k)
		}
		s.kinds[i] = k
	}
	return s
}

// Len returns the number of slots.
func (s *Slots) Len() int {
	return len(s.kinds)
}

// Kind returns the declared kind of slot i.
func (s *Slots) Kind(i int) DataType {
	if i < 0 || i >= len(s.kinds) {
		fault(KindSlotTypeMismatch, "slot index %d out of range (len=%d)", i, len(s.kinds))
	}
	return s.kinds[i]
}

func (s *Slots) check(i int, want DataType) {
	if got := s.Kind(i); got != want {
		fault(KindSlotTypeMismatch, "slot %d holds %s, accessed as %s", i, got, want)
	}
}

// ---------------------------------------------------------------------------
// Primitive accessors
// ---------------------------------------------------------------------------

func (s *Slots) Int(i int) int32         { s.check(i, TypeInt); return int32(s.prims[i]) }
func (s *Slots) SetInt(i int, v int32)   { s.check(i, TypeInt); s.prims[i] = uint64(uint32(v)) }
func (s *Slots) Byte(i int) int8         { s.check(i, TypeByte); return int8(s.prims[i]) }
func (s *Slots) SetByte(i int, v int8)   { s.check(i, TypeByte); s.prims[i] = uint64(uint8(v)) }
func (s *Slots) Short(i int) int16       { s.check(i, TypeShort); return int16(s.prims[i]) }
func (s *Slots) SetShort(i int, v int16) { s.check(i, TypeShort); s.prims[i] = uint64(uint16(v)) }
func (s *Slots) Long(i int) int64        { s.check(i, TypeLong); return int64(s.prims[i]) }
func (s *Slots) SetLong(i int, v int64)  { s.check(i, TypeLong); s.prims[i] = uint64(v) }
func (s *Slots) Char(i int) Char         { s.check(i, TypeChar); return Char(int32(s.prims[i])) }
func (s *Slots) SetChar(i int, v Char)   { s.check(i, TypeChar); s.prims[i] = uint64(uint32(v)) }

func (s *Slots) Float(i int) float32 {
	s.check(i, TypeFloat)
	return math.Float32frombits(uint32(s.prims[i]))
}

func (s *Slots) SetFloat(i int, v float32) {
	s.check(i, TypeFloat)
	s.prims[i] = uint64(math.Float32bits(v))
}

func (s *Slots) Double(i int) float64 {
	s.check(i, TypeDouble)
	return math.Float64frombits(s.prims[i])
}

func (s *Slots) SetDouble(i int, v float64) {
	s.check(i, TypeDouble)
	s.prims[i] = math.Float64bits(v)
}

func (s *Slots) Bool(i int) bool {
	s.check(i, TypeBoolean)
	return s.prims[i] != 0
}

func (s *Slots) SetBool(i int, v bool) {
	s.check(i, TypeBoolean)
	if v {
		s.prims[i] = 1
	} else {
		s.prims[i] = 0
	}
}

// ---------------------------------------------------------------------------
// Reference accessors
// ---------------------------------------------------------------------------

// String returns the string in slot i, or "" when it is null.
func (s *Slots) String(i int) string {
	s.check(i, TypeString)
	str, _ := s.refs[i].(string)
	return str
}

func (s *Slots) SetString(i int, v string) { s.check(i, TypeString); s.refs[i] = v }

// Bytes returns the byte slice in slot i, or nil when it is null.
func (s *Slots) Bytes(i int) []byte {
	s.check(i, TypeBytes)
	b, _ := s.refs[i].([]byte)
	return b
}

func (s *Slots) SetBytes(i int, v []byte) { s.check(i, TypeBytes); s.refs[i] = v }

func (s *Slots) Object(i int) *Instance {
	s.check(i, TypeObject)
	o, _ := s.refs[i].(*Instance)
	return o
}

func (s *Slots) SetObject(i int, v *Instance) {
	s.check(i, TypeObject)
	if v == nil {
		s.refs[i] = nil
		return
	}
	s.refs[i] = v
}

func (s *Slots) Class(i int) *Class {
	s.check(i, TypeClass)
	c, _ := s.refs[i].(*Class)
	return c
}

func (s *Slots) SetClass(i int, v *Class) {
	s.check(i, TypeClass)
	if v == nil {
		s.refs[i] = nil
		return
	}
	s.refs[i] = v
}

func (s *Slots) Any(i int) Value       { s.check(i, TypeAny); return s.refs[i] }
func (s *Slots) SetAny(i int, v Value) { s.check(i, TypeAny); s.refs[i] = v }

// ref returns the raw reference of a reference-kind slot after checking its
// kind, preserving null.
func (s *Slots) ref(i int, want DataType) Value {
	s.check(i, want)
	return s.refs[i]
}

// IsNull reports whether a reference slot holds null. Primitive slots are
// never null.
func (s *Slots) IsNull(i int) bool {
	if !s.Kind(i).IsReference() {
		return false
	}
	return s.refs[i] == nil
}

// SetNull stores null into a reference slot.
func (s *Slots) SetNull(i int) {
	if k := s.Kind(i); !k.IsReference() {
		fault(KindSlotTypeMismatch, "slot %d holds %s, cannot be null", i, k)
	}
	s.refs[i] = nil
}

// ---------------------------------------------------------------------------
// Boxing
// ---------------------------------------------------------------------------

// Box returns the value of slot i in boxed form, whatever its kind.
func (s *Slots) Box(i int) Value {
	switch s.Kind(i) {
	case TypeInt:
		return s.Int(i)
	case TypeByte:
		return s.Byte(i)
	case TypeShort:
		return s.Short(i)
	case TypeLong:
		return s.Long(i)
	case TypeFloat:
		return s.Float(i)
	case TypeDouble:
		return s.Double(i)
	case TypeChar:
		return s.Char(i)
	case TypeBoolean:
		return s.Bool(i)
	}
	return s.refs[i]
}

// Store writes a boxed value into slot i. The value's dynamic type must match
// the slot kind; Any slots accept every value and reference slots accept null.
func (s *Slots) Store(i int, v Value) {
	k := s.Kind(i)
	if !Assignable(k, v) {
		fault(KindSlotTypeMismatch, "slot %d holds %s, cannot store %s", i, k, TypeOf(v))
	}
	switch x := v.(type) {
	case int32:
		if k == TypeInt {
			s.SetInt(i, x)
			return
		}
	case int8:
		if k == TypeByte {
			s.SetByte(i, x)
			return
		}
	case int16:
		if k == TypeShort {
			s.SetShort(i, x)
			return
		}
	case int64:
		if k == TypeLong {
			s.SetLong(i, x)
			return
		}
	case float32:
		if k == TypeFloat {
			s.SetFloat(i, x)
			return
		}
	case float64:
		if k == TypeDouble {
			s.SetDouble(i, x)
			return
		}
	case Char:
		if k == TypeChar {
			s.SetChar(i, x)
			return
		}
	case bool:
		if k == TypeBoolean {
			s.SetBool(i, x)
			return
		}
	case *Instance:
		if x == nil {
			s.refs[i] = nil
			return
		}
	case *Class:
		if x == nil {
			s.refs[i] = nil
			return
		}
	}
	s.refs[i] = v
}

// Kinds returns a copy of the declared slot kinds.
func (s *Slots) Kinds() []DataType {
	out := make([]DataType, len(s.kinds))
	copy(out, s.kinds)
	return out
}
