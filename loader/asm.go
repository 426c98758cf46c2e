package loader

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chazu/tern/vm"
)

// ---------------------------------------------------------------------------
// YAML assembly units
// ---------------------------------------------------------------------------

// AsmUnit is the text form of a unit. Code is written one instruction per
// line as a mnemonic followed by comma-separated operands:
//
//	loop:
//	  .loc 3 5
//	  add_i_vvv total, total, i
//	  lessthan_i_vvc done, i, k0
//	  jumpifnot_z_vj done, @loop
//
// Register operands are slot names, rN or "_" (no slot). Constants are kN,
// immediates #value, jump targets @label or an absolute pc, switch tables
// sN. Text after ';' is a comment.
type AsmUnit struct {
	Classes   []ClassDef    `yaml:"classes,omitempty"`
	Functions []AsmFunction `yaml:"functions"`
}

// AsmFunction is the text form of a function.
type AsmFunction struct {
	Name      string      `yaml:"name"`
	File      string      `yaml:"file,omitempty"`
	Slots     []SlotDef   `yaml:"slots,omitempty"`
	Params    []string    `yaml:"params,omitempty"`
	Result    string      `yaml:"result,omitempty"`
	Constants []ConstDef  `yaml:"constants,omitempty"`
	Code      []string    `yaml:"code"`
	Try       []AsmTry    `yaml:"try,omitempty"`
	Switches  []AsmSwitch `yaml:"switches,omitempty"`
}

// AsmTry is a protected range between two labels.
type AsmTry struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Handler string `yaml:"handler"`
	Class   string `yaml:"class,omitempty"`
	Catch   string `yaml:"catch,omitempty"` // slot receiving the exception
}

// AsmSwitch is a switch table whose targets are labels.
type AsmSwitch struct {
	Low     int64     `yaml:"low,omitempty"`
	Dense   []string  `yaml:"dense,omitempty"`
	Cases   []AsmCase `yaml:"cases,omitempty"`
	Default string    `yaml:"default"`
}

// AsmCase is one sparse switch case.
type AsmCase struct {
	Key    ConstDef `yaml:"key"`
	Target string   `yaml:"target"`
}

// ParseAsm parses and assembles a YAML unit.
func ParseAsm(data []byte, path string) (*Unit, error) {
	var au AsmUnit
	if err := yaml.Unmarshal(data, &au); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	u, err := Assemble(&au)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	u.Source = path
	return u, nil
}

// Assemble translates a text unit into its binary form.
func Assemble(au *AsmUnit) (*Unit, error) {
	u := &Unit{Format: UnitFormat, Classes: au.Classes}
	for i := range au.Functions {
		fd, err := assembleFunction(&au.Functions[i])
		if err != nil {
			return nil, err
		}
		u.Functions = append(u.Functions, *fd)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

type asmLine struct {
	num      int // 1-based index into Code
	code     vm.Code
	inst     vm.Instruction
	operands []string
	pc       int
}

type assembler struct {
	fn     *AsmFunction
	slots  map[string]int
	labels map[string]int
}

func assembleFunction(fn *AsmFunction) (*FunctionDef, error) {
	a := &assembler{
		fn:     fn,
		slots:  make(map[string]int, len(fn.Slots)),
		labels: make(map[string]int),
	}
	for i, s := range fn.Slots {
		a.slots[s.Name] = i
	}
	fd := &FunctionDef{
		Name:      fn.Name,
		File:      fn.File,
		Slots:     fn.Slots,
		Params:    fn.Params,
		Result:    fn.Result,
		Constants: fn.Constants,
	}

	// Pass 1: sizes, labels and source positions.
	var lines []asmLine
	pc := 0
	for i, raw := range fn.Code {
		text := strings.TrimSpace(stripComment(raw))
		switch {
		case text == "":
			continue
		case strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t,"):
			name := strings.TrimSuffix(text, ":")
			if _, dup := a.labels[name]; dup {
				return nil, a.errorf(i+1, "label %s defined twice", name)
			}
			a.labels[name] = pc
			continue
		case strings.HasPrefix(text, ".loc"):
			loc, err := parseLoc(strings.Fields(text)[1:])
			if err != nil {
				return nil, a.errorf(i+1, "%v", err)
			}
			loc.PC = pc
			fd.SourceMap = append(fd.SourceMap, loc)
			continue
		}
		mnemonic, rest, _ := strings.Cut(text, " ")
		code, err := vm.ParseMnemonic(mnemonic)
		if err != nil {
			return nil, a.errorf(i+1, "%v", err)
		}
		inst, _ := vm.Decode(code)
		lines = append(lines, asmLine{num: i + 1, code: code, inst: inst, operands: splitOperands(rest), pc: pc})
		pc += 1 + inst.Count
	}

	// Pass 2: operands.
	for _, l := range lines {
		words, err := a.operands(l)
		if err != nil {
			return nil, a.errorf(l.num, "%s: %v", l.inst, err)
		}
		if len(words) != l.inst.Count {
			return nil, a.errorf(l.num, "%s: %d operand words, want %d", l.inst, len(words), l.inst.Count)
		}
		fd.Code = append(fd.Code, uint32(l.code))
		fd.Code = append(fd.Code, words...)
	}

	for i, t := range fn.Try {
		item, err := a.tryItem(t)
		if err != nil {
			return nil, fmt.Errorf("%s: try %d: %w", fn.Name, i, err)
		}
		fd.TryCatch = append(fd.TryCatch, item)
	}
	for i, s := range fn.Switches {
		table, err := a.switchTable(s)
		if err != nil {
			return nil, fmt.Errorf("%s: switch %d: %w", fn.Name, i, err)
		}
		fd.Switches = append(fd.Switches, table)
	}
	return fd, nil
}

func (a *assembler) errorf(line int, format string, args ...any) error {
	return fmt.Errorf("%s: code line %d: %s", a.fn.Name, line, fmt.Sprintf(format, args...))
}

// operands encodes the operand words of one instruction.
func (a *assembler) operands(l asmLine) ([]uint32, error) {
	ops := l.operands
	want := map[vm.Shape]int{
		vm.ShapeN: 0, vm.ShapeV: 1, vm.ShapeVV: 2, vm.ShapeVVV: 3, vm.ShapeVVC: 3,
		vm.ShapeVVI: 3, vm.ShapeVVN: 2, vm.ShapeVC: 2, vm.ShapeVI: 2, vm.ShapeJ: 1,
		vm.ShapeVJ: 2, vm.ShapeVS: 2, vm.ShapeCall: 4,
	}[l.inst.Shape]
	if len(ops) != want {
		return nil, fmt.Errorf("got %d operands, want %d", len(ops), want)
	}

	var words []uint32
	regs := func(ss ...string) error {
		for _, s := range ss {
			r, err := a.reg(s)
			if err != nil {
				return err
			}
			words = append(words, r)
		}
		return nil
	}
	var err error
	switch l.inst.Shape {
	case vm.ShapeV, vm.ShapeVV, vm.ShapeVVV, vm.ShapeVVN:
		err = regs(ops...)
	case vm.ShapeVVC, vm.ShapeVC:
		if err = regs(ops[:len(ops)-1]...); err == nil {
			var k uint32
			k, err = a.konst(ops[len(ops)-1])
			words = append(words, k)
		}
	case vm.ShapeVVI, vm.ShapeVI:
		if err = regs(ops[:len(ops)-1]...); err == nil {
			var imm []uint32
			imm, err = immediate(l.inst.Type, ops[len(ops)-1])
			words = append(words, imm...)
		}
	case vm.ShapeJ, vm.ShapeVJ:
		if err = regs(ops[:len(ops)-1]...); err == nil {
			var target int
			target, err = a.target(ops[len(ops)-1])
			words = append(words, uint32(target))
		}
	case vm.ShapeVS:
		if err = regs(ops[0]); err == nil {
			var s uint32
			s, err = a.switchIndex(ops[1])
			words = append(words, s)
		}
	case vm.ShapeCall:
		var dst, callee, first uint32
		if dst, err = a.reg(ops[0]); err != nil {
			return nil, err
		}
		if callee, err = a.konst(ops[1]); err != nil {
			return nil, err
		}
		if ops[2] != "_" {
			if first, err = a.reg(ops[2]); err != nil {
				return nil, err
			}
		}
		argc, aerr := strconv.ParseUint(strings.TrimPrefix(ops[3], "argc="), 10, 32)
		if aerr != nil {
			return nil, fmt.Errorf("bad argument count %q", ops[3])
		}
		words = append(words, dst, callee, first, uint32(argc))
	}
	return words, err
}

func (a *assembler) reg(s string) (uint32, error) {
	if s == "_" {
		return vm.NoSlot, nil
	}
	if i, ok := a.slots[s]; ok {
		return uint32(i), nil
	}
	if strings.HasPrefix(s, "r") {
		if n, err := strconv.Atoi(s[1:]); err == nil && n >= 0 && n < len(a.fn.Slots) {
			return uint32(n), nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", s)
}

func (a *assembler) konst(s string) (uint32, error) {
	if i := strings.IndexByte(s, '('); i > 0 {
		s = s[:i]
	}
	if strings.HasPrefix(s, "k") {
		if n, err := strconv.Atoi(s[1:]); err == nil && n >= 0 && n < len(a.fn.Constants) {
			return uint32(n), nil
		}
	}
	return 0, fmt.Errorf("unknown constant %q", s)
}

func (a *assembler) switchIndex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "switch#"), "s")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= len(a.fn.Switches) {
		return 0, fmt.Errorf("unknown switch table %q", s)
	}
	return uint32(n), nil
}

func (a *assembler) target(s string) (int, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		pc, ok := a.labels[name]
		if !ok {
			return 0, fmt.Errorf("undefined label %s", name)
		}
		return pc, nil
	}
	if name, ok := strings.CutSuffix(s, ":"); ok {
		s = name
	}
	if pc, ok := a.labels[s]; ok {
		return pc, nil
	}
	pc, err := strconv.Atoi(s)
	if err != nil || pc < 0 {
		return 0, fmt.Errorf("bad jump target %q", s)
	}
	return pc, nil
}

func (a *assembler) tryItem(t AsmTry) (TryDef, error) {
	item := TryDef{Class: t.Class, CatchSlot: -1}
	var err error
	if item.Start, err = a.target(t.Start); err != nil {
		return item, err
	}
	if item.End, err = a.target(t.End); err != nil {
		return item, err
	}
	if item.Handler, err = a.target(t.Handler); err != nil {
		return item, err
	}
	if t.Catch != "" {
		r, err := a.reg(t.Catch)
		if err != nil {
			return item, err
		}
		item.CatchSlot = int(r)
	}
	return item, nil
}

func (a *assembler) switchTable(s AsmSwitch) (SwitchDef, error) {
	table := SwitchDef{Low: s.Low}
	var err error
	if table.Default, err = a.target(s.Default); err != nil {
		return table, err
	}
	for _, d := range s.Dense {
		pc, err := a.target(d)
		if err != nil {
			return table, err
		}
		table.Dense = append(table.Dense, pc)
	}
	for _, c := range s.Cases {
		pc, err := a.target(c.Target)
		if err != nil {
			return table, err
		}
		table.Cases = append(table.Cases, CaseDef{Key: c.Key, Target: pc})
	}
	return table, nil
}

// immediate parses "#value" as an immediate of type t.
func immediate(t vm.DataType, s string) ([]uint32, error) {
	s = strings.TrimPrefix(s, "#")
	if t == vm.TypeChar && len(s) >= 3 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = s[1 : len(s)-1]
	}
	v, err := vm.Coerce(t, s)
	if err != nil {
		return nil, err
	}
	return vm.Immediate(t, v)
}

// parseLoc parses the arguments of ".loc [file] line [column]".
func parseLoc(args []string) (LocDef, error) {
	var loc LocDef
	if len(args) > 0 {
		if _, err := strconv.Atoi(args[0]); err != nil {
			loc.File = args[0]
			args = args[1:]
		}
	}
	if len(args) == 0 || len(args) > 2 {
		return loc, fmt.Errorf(".loc wants [file] line [column]")
	}
	var err error
	if loc.Line, err = strconv.Atoi(args[0]); err != nil {
		return loc, fmt.Errorf(".loc: bad line %q", args[0])
	}
	if len(args) == 2 {
		if loc.Column, err = strconv.Atoi(args[1]); err != nil {
			return loc, fmt.Errorf(".loc: bad column %q", args[1])
		}
	}
	return loc, nil
}

// stripComment removes a trailing ';' comment outside quotes.
func stripComment(s string) string {
	quote := byte(0)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			return s[:i]
		}
	}
	return s
}

// splitOperands splits on commas outside parentheses. "->" separates a
// jump target as the disassembler prints it.
func splitOperands(s string) []string {
	s = strings.ReplaceAll(s, "->", ",")
	var out []string
	depth, start := 0, 0
	flush := func(end int) {
		if op := strings.TrimSpace(s[start:end]); op != "" {
			out = append(out, op)
		}
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(s))
	return out
}
