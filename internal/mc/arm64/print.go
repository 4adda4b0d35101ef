package arm64

import "strings"

func (c *codec) print(ins instruction) string {
	if len(ins.ops) == 0 {
		return ins.mnemonic
	}
	parts := make([]string, len(ins.ops))
	for i, op := range ins.ops {
		parts[i] = c.printOperand(op)
	}
	return ins.mnemonic + " " + strings.Join(parts, ", ")
}

func (c *codec) printOperand(op operand) string {
	switch op.kind {
	case opReg:
		return op.reg.name
	case opImm:
		return "#" + c.style.FormatImm(op.imm)
	case opSym:
		return op.sym
	case opShift:
		return "lsl #" + c.style.FormatImm(op.shift)
	case opMem:
		if op.mem.offset == 0 {
			return "[" + op.mem.base.name + "]"
		}
		return "[" + op.mem.base.name + ", #" + c.style.FormatImm(op.mem.offset) + "]"
	}
	return "?"
}
