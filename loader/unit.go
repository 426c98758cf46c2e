package loader

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/tern/vm"
)

// UnitFormat is the version tag of binary units.
const UnitFormat = 1

// Unit is the linkable output of the compiler front end: a set of classes
// and functions. Binary units (.tbc) are canonical CBOR encodings of Unit.
type Unit struct {
	Format    int           `cbor:"1,keyasint"`
	Source    string        `cbor:"2,keyasint,omitempty"` // where the unit was read from
	Classes   []ClassDef    `cbor:"3,keyasint,omitempty"`
	Functions []FunctionDef `cbor:"4,keyasint,omitempty"`
}

// ClassDef declares a class. An empty Super means Object.
type ClassDef struct {
	Name   string   `cbor:"1,keyasint" yaml:"name"`
	Super  string   `cbor:"2,keyasint,omitempty" yaml:"super,omitempty"`
	Fields []string `cbor:"3,keyasint,omitempty" yaml:"fields,omitempty"`
}

// SlotDef declares one slot by name and type name.
type SlotDef struct {
	Name string `cbor:"1,keyasint" yaml:"name"`
	Type string `cbor:"2,keyasint" yaml:"type"`
}

// ConstDef is a constant pool entry. Type is a data type name, or one of
// "null", "func", "native" and "class"; Value is its external string form.
type ConstDef struct {
	Type  string `cbor:"1,keyasint" yaml:"type"`
	Value string `cbor:"2,keyasint,omitempty" yaml:"value,omitempty"`
}

// TryDef is a protected range. CatchSlot is -1 when the exception is not
// stored.
type TryDef struct {
	Start     int    `cbor:"1,keyasint"`
	End       int    `cbor:"2,keyasint"`
	Handler   int    `cbor:"3,keyasint"`
	Class     string `cbor:"4,keyasint,omitempty"`
	CatchSlot int    `cbor:"5,keyasint"`
}

// SwitchDef is a switch table.
type SwitchDef struct {
	Low     int64     `cbor:"1,keyasint,omitempty"`
	Dense   []int     `cbor:"2,keyasint,omitempty"`
	Cases   []CaseDef `cbor:"3,keyasint,omitempty"`
	Default int       `cbor:"4,keyasint"`
}

// CaseDef is one sparse switch case.
type CaseDef struct {
	Key    ConstDef `cbor:"1,keyasint"`
	Target int      `cbor:"2,keyasint"`
}

// LocDef is a source map entry.
type LocDef struct {
	PC     int    `cbor:"1,keyasint"`
	File   string `cbor:"2,keyasint,omitempty"`
	Line   int    `cbor:"3,keyasint"`
	Column int    `cbor:"4,keyasint,omitempty"`
}

// FunctionDef is the binary form of a function.
type FunctionDef struct {
	Name      string      `cbor:"1,keyasint"`
	File      string      `cbor:"2,keyasint,omitempty"`
	Slots     []SlotDef   `cbor:"3,keyasint,omitempty"`
	Params    []string    `cbor:"4,keyasint,omitempty"` // slot names
	Result    string      `cbor:"5,keyasint,omitempty"` // empty means void
	Code      []uint32    `cbor:"6,keyasint"`
	Constants []ConstDef  `cbor:"7,keyasint,omitempty"`
	TryCatch  []TryDef    `cbor:"8,keyasint,omitempty"`
	Switches  []SwitchDef `cbor:"9,keyasint,omitempty"`
	SourceMap []LocDef    `cbor:"10,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// CBOR encoding
// ---------------------------------------------------------------------------

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("loader: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// MarshalUnit serializes a unit to CBOR bytes.
func MarshalUnit(u *Unit) ([]byte, error) {
	if u.Format == 0 {
		u.Format = UnitFormat
	}
	return encMode.Marshal(u)
}

// UnmarshalUnit deserializes a unit from CBOR bytes.
func UnmarshalUnit(data []byte) (*Unit, error) {
	var u Unit
	if err := cbor.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("loader: unmarshal unit: %w", err)
	}
	if u.Format != UnitFormat {
		return nil, fmt.Errorf("loader: unsupported unit format %d", u.Format)
	}
	return &u, nil
}

// WriteUnitFile writes u as a binary unit.
func WriteUnitFile(path string, u *Unit) error {
	data, err := MarshalUnit(u)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing unit %s: %w", path, err)
	}
	return nil
}

// Merge concatenates the classes and functions of several units.
func Merge(units ...*Unit) *Unit {
	out := &Unit{Format: UnitFormat}
	for _, u := range units {
		out.Classes = append(out.Classes, u.Classes...)
		out.Functions = append(out.Functions, u.Functions...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Conversion to engine metadata
// ---------------------------------------------------------------------------

func parseType(name string) (vm.DataType, error) {
	if name == "" {
		return vm.TypeVoid, nil
	}
	t, ok := vm.ParseDataType(name)
	if !ok {
		return 0, fmt.Errorf("unknown type %q", name)
	}
	return t, nil
}

// constant resolves a constant definition against the program's classes.
func constant(p *vm.Program, c ConstDef) (vm.Value, error) {
	switch c.Type {
	case "null":
		return nil, nil
	case "func":
		return vm.FuncRef(c.Value), nil
	case "native":
		return vm.NativeRef(c.Value), nil
	case "class":
		cls, ok := p.Class(c.Value)
		if !ok {
			return nil, fmt.Errorf("unknown class %s", c.Value)
		}
		return cls, nil
	}
	t, err := parseType(c.Type)
	if err != nil {
		return nil, err
	}
	return vm.Coerce(t, c.Value)
}

func (d *FunctionDef) function(p *vm.Program) (*vm.Function, error) {
	fn := &vm.Function{Name: d.Name, File: d.File, Code: d.Code}
	slotIndex := make(map[string]int, len(d.Slots))
	for i, s := range d.Slots {
		t, err := parseType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("%s: slot %s: %w", d.Name, s.Name, err)
		}
		fn.Slots = append(fn.Slots, vm.SlotDecl{Name: s.Name, Type: t})
		slotIndex[s.Name] = i
	}
	for _, name := range d.Params {
		i, ok := slotIndex[name]
		if !ok {
			return nil, fmt.Errorf("%s: parameter %s is not a slot", d.Name, name)
		}
		fn.Params = append(fn.Params, i)
	}
	result, err := parseType(d.Result)
	if err != nil {
		return nil, fmt.Errorf("%s: result: %w", d.Name, err)
	}
	fn.Result = result

	for i, c := range d.Constants {
		v, err := constant(p, c)
		if err != nil {
			return nil, fmt.Errorf("%s: constant %d: %w", d.Name, i, err)
		}
		fn.Constants = append(fn.Constants, v)
	}
	for _, t := range d.TryCatch {
		fn.TryCatch = append(fn.TryCatch, vm.TryCatchItem{
			Start: t.Start, End: t.End, Handler: t.Handler, Class: t.Class, CatchSlot: t.CatchSlot,
		})
	}
	for i, s := range d.Switches {
		table := vm.SwitchTable{Low: s.Low, Dense: s.Dense, Default: s.Default}
		for _, c := range s.Cases {
			key, err := constant(p, c.Key)
			if err != nil {
				return nil, fmt.Errorf("%s: switch %d: %w", d.Name, i, err)
			}
			table.Cases = append(table.Cases, vm.SwitchCase{Key: key, Target: c.Target})
		}
		fn.Switches = append(fn.Switches, table)
	}
	for _, l := range d.SourceMap {
		fn.SourceMap = append(fn.SourceMap, vm.SourceLoc{PC: l.PC, File: l.File, Line: l.Line, Column: l.Column})
	}
	return fn, nil
}
