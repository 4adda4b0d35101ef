package riscv

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
		return abiNames[op.reg]
	case opImm:
		return c.style.FormatImm(op.imm)
	case opSym:
		return op.sym
	case opMem:
		return c.style.FormatImm(op.offset) + "(" + abiNames[op.base] + ")"
	}
	return "?"
}
