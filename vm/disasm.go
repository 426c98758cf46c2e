package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at pc and returns the pc of
// the next instruction. fn may be nil, in which case constants are shown by
// index only.
func DisassembleInstruction(code []uint32, pc int, fn *Function) (string, int) {
	in, err := Decode(Code(code[pc]))
	if err != nil {
		return fmt.Sprintf("%04d  %s", pc, Code(code[pc]).Mnemonic()), pc + 1
	}
	end := pc + 1 + in.Count
	if end > len(code) {
		return fmt.Sprintf("%04d  %s <truncated>", pc, in), len(code)
	}
	ops := code[pc+1 : end]

	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %s", pc, in)
	reg := func(r uint32) string {
		if r == NoSlot {
			return "_"
		}
		return fmt.Sprintf("r%d", r)
	}
	konst := func(i uint32) string {
		if fn == nil || int(i) >= len(fn.Constants) {
			return fmt.Sprintf("k%d", i)
		}
		switch v := fn.Constants[i].(type) {
		case FuncRef:
			return fmt.Sprintf("k%d(%s)", i, string(v))
		case NativeRef:
			return fmt.Sprintf("k%d(%s)", i, string(v))
		}
		return fmt.Sprintf("k%d(%s)", i, FormatValue(fn.Constants[i]))
	}

	switch in.Shape {
	case ShapeV:
		fmt.Fprintf(&sb, " %s", reg(ops[0]))
	case ShapeVV, ShapeVVN:
		fmt.Fprintf(&sb, " %s, %s", reg(ops[0]), reg(ops[1]))
	case ShapeVVV:
		fmt.Fprintf(&sb, " %s, %s, %s", reg(ops[0]), reg(ops[1]), reg(ops[2]))
	case ShapeVVC:
		fmt.Fprintf(&sb, " %s, %s, %s", reg(ops[0]), reg(ops[1]), konst(ops[2]))
	case ShapeVVI:
		fmt.Fprintf(&sb, " %s, %s, #%s", reg(ops[0]), reg(ops[1]), FormatValue(decodeImmediate(in.Type, ops[2:])))
	case ShapeVC:
		fmt.Fprintf(&sb, " %s, %s", reg(ops[0]), konst(ops[1]))
	case ShapeVI:
		fmt.Fprintf(&sb, " %s, #%s", reg(ops[0]), FormatValue(decodeImmediate(in.Type, ops[1:])))
	case ShapeJ:
		fmt.Fprintf(&sb, " -> %04d", ops[0])
	case ShapeVJ:
		fmt.Fprintf(&sb, " %s -> %04d", reg(ops[0]), ops[1])
	case ShapeVS:
		fmt.Fprintf(&sb, " %s, switch#%d", reg(ops[0]), ops[1])
	case ShapeCall:
		fmt.Fprintf(&sb, " %s, %s, r%d, argc=%d", reg(ops[0]), konst(ops[1]), ops[2], ops[3])
	}
	return sb.String(), end
}

// Disassemble renders a function's code with mnemonics, try/catch ranges
// and source locations.
func Disassemble(fn *Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s(%s)", fn.Name, strings.Join(fn.ParamNames(), ", "))
	if fn.Result != TypeVoid {
		fmt.Fprintf(&sb, " %s", fn.Result)
	}
	sb.WriteByte('\n')
	for i, s := range fn.Slots {
		fmt.Fprintf(&sb, "  slot r%d %s %s\n", i, s.Type, s.Name)
	}
	for _, t := range fn.TryCatch {
		class := t.Class
		if class == "" {
			class = "*"
		}
		fmt.Fprintf(&sb, "  try [%04d, %04d) catch %s -> %04d\n", t.Start, t.End, class, t.Handler)
	}
	next := 0
	for pc := 0; pc < len(fn.Code); {
		line, end := DisassembleInstruction(fn.Code, pc, fn)
		sb.WriteString(line)
		for next < len(fn.SourceMap) && fn.SourceMap[next].PC <= pc {
			if fn.SourceMap[next].PC == pc {
				fmt.Fprintf(&sb, "    ; %s", fn.SourceLocation(pc))
			}
			next++
		}
		sb.WriteByte('\n')
		pc = end
	}
	return sb.String()
}
