package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Function: immutable metadata of a callable
// ---------------------------------------------------------------------------

// Function describes one callable produced by the compiler front end. It is
// shared read-only by every frame instantiated from it and is never mutated
// by the engine.
type Function struct {
	Name   string     // entry identifier, e.g. "main#"
	File   string     // source file for diagnostics
	Slots  []SlotDecl // register layout
	Params []int      // slot indices of the parameters, in call order
	Result DataType   // TypeVoid for functions without a result

	Code      []uint32       // code words and operands
	Constants []Value        // constant pool
	TryCatch  []TryCatchItem // protected ranges, innermost first
	Switches  []SwitchTable  // multi-way branch tables
	SourceMap []SourceLoc    // pc → source position, sorted by PC
}

// SlotDecl declares one slot of a function's register file.
type SlotDecl struct {
	Name string
	Type DataType
}

// TryCatchItem is a protected program-counter range [Start, End). When an
// exception whose class is Class (or a subclass) is raised inside the range,
// control transfers to Handler. An empty Class catches every Throwable.
type TryCatchItem struct {
	Start     int
	End       int
	Handler   int
	Class     string
	CatchSlot int // Object slot receiving the exception, or -1
}

// Covers reports whether pc lies inside the protected range.
func (t TryCatchItem) Covers(pc int) bool {
	return pc >= t.Start && pc < t.End
}

// SourceLoc maps a program counter to a source position.
type SourceLoc struct {
	PC     int
	File   string
	Line   int // 1-based
	Column int // 1-based
}

func (l SourceLoc) String() string {
	if l.File == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// ---------------------------------------------------------------------------
// Switch tables
// ---------------------------------------------------------------------------

// SwitchTable maps a scrutinee to a target pc. A dense table indexes Dense by
// (key - Low); a sparse table searches Cases. Unmatched keys go to Default.
type SwitchTable struct {
	Low     int64
	Dense   []int
	Cases   []SwitchCase
	Default int
}

// SwitchCase is one entry of a sparse switch table.
type SwitchCase struct {
	Key    Value
	Target int
}

// Lookup returns the target pc for a scrutinee.
func (s *SwitchTable) Lookup(v Value) int {
	if len(s.Dense) > 0 {
		if k, ok := integralKey(v); ok && k >= s.Low {
			// k >= Low, so the unsigned difference is exact even when k-Low overflows int64.
			if off := uint64(k) - uint64(s.Low); off < uint64(len(s.Dense)) {
				return s.Dense[off]
			}
		}
		return s.Default
	}
	for _, c := range s.Cases {
		if switchKeyEqual(c.Key, v) {
			return c.Target
		}
	}
	return s.Default
}

func integralKey(v Value) (int64, bool) {
	switch x := v.(type) {
	case int32:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int64:
		return x, true
	case Char:
		return int64(x), true
	}
	return 0, false
}

func switchKeyEqual(key, v Value) bool {
	if a, ok := integralKey(key); ok {
		b, ok := integralKey(v)
		return ok && a == b
	}
	if a, ok := key.(string); ok {
		b, ok := v.(string)
		return ok && a == b
	}
	return false
}

// ---------------------------------------------------------------------------
// Validation and queries
// ---------------------------------------------------------------------------

// Validate checks the structural consistency of the metadata. It does not
// verify bytecode; instructions are decoded as they are dispatched.
func (f *Function) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("function has no name")
	}
	for i, s := range f.Slots {
		if !s.Type.IsSlotKind() {
			return fmt.Errorf("%s: slot %d (%s) has invalid kind %s", f.Name, i, s.Name, s.Type)
		}
	}
	for i, p := range f.Params {
		if p < 0 || p >= len(f.Slots) {
			return fmt.Errorf("%s: parameter %d refers to slot %d of %d", f.Name, i, p, len(f.Slots))
		}
	}
	if f.Result != TypeVoid && !f.Result.IsSlotKind() {
		return fmt.Errorf("%s: invalid result type %s", f.Name, f.Result)
	}
	for i, t := range f.TryCatch {
		if t.Start > t.End || t.Handler < 0 || t.Handler >= len(f.Code) {
			return fmt.Errorf("%s: try/catch item %d is malformed", f.Name, i)
		}
		if t.CatchSlot >= 0 && (t.CatchSlot >= len(f.Slots) || f.Slots[t.CatchSlot].Type != TypeObject) {
			return fmt.Errorf("%s: try/catch item %d catch slot must be an object slot", f.Name, i)
		}
	}
	if !sort.SliceIsSorted(f.SourceMap, func(i, j int) bool { return f.SourceMap[i].PC < f.SourceMap[j].PC }) {
		return fmt.Errorf("%s: source map is not sorted by pc", f.Name)
	}
	return nil
}

// SlotKinds returns the declared kinds of the register layout.
func (f *Function) SlotKinds() []DataType {
	kinds := make([]DataType, len(f.Slots))
	for i, s := range f.Slots {
		kinds[i] = s.Type
	}
	return kinds
}

// ParamTypes returns the declared types of the parameters.
func (f *Function) ParamTypes() []DataType {
	out := make([]DataType, len(f.Params))
	for i, p := range f.Params {
		out[i] = f.Slots[p].Type
	}
	return out
}

// ParamNames returns the parameter names in call order.
func (f *Function) ParamNames() []string {
	out := make([]string, len(f.Params))
	for i, p := range f.Params {
		out[i] = f.Slots[p].Name
	}
	return out
}

// SourceLocation resolves pc through the source map. The entry with the
// greatest PC not after pc wins; the zero SourceLoc means unknown.
func (f *Function) SourceLocation(pc int) SourceLoc {
	i := sort.Search(len(f.SourceMap), func(i int) bool { return f.SourceMap[i].PC > pc })
	if i == 0 {
		return SourceLoc{}
	}
	loc := f.SourceMap[i-1]
	if loc.File == "" {
		loc.File = f.File
	}
	return loc
}

// constant returns a constant pool entry.
func (f *Function) constant(i uint32) Value {
	if int(i) >= len(f.Constants) {
		fault(KindInvalidInstruction, "%s: constant index %d out of bounds (len=%d)", f.Name, i, len(f.Constants))
	}
	return f.Constants[i]
}

// switchTable returns a switch table.
func (f *Function) switchTable(i uint32) *SwitchTable {
	if int(i) >= len(f.Switches) {
		fault(KindInvalidInstruction, "%s: switch table %d out of bounds (len=%d)", f.Name, i, len(f.Switches))
	}
	return &f.Switches[i]
}
