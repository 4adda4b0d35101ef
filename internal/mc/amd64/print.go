package amd64

import (
	"math"
	"strconv"
	"strings"
)

// print renders the canonical text of a parsed instruction. Label operands
// keep their symbolic names; immediates follow the configured style.
func (c *codec) print(ins instruction) string {
	mnem := ins.mnemonic
	switch {
	case mnem == "sal":
		mnem = "shl"
	case mnem == "mov" && len(ins.ops) == 2 && ins.ops[0].kind == opReg &&
		ins.ops[0].reg.size == 8 && ins.ops[1].kind == opImm &&
		(ins.ops[1].imm < math.MinInt32 || ins.ops[1].imm > math.MaxInt32):
		mnem = "movabs"
	case len(mnem) > 1 && mnem[0] == 'j' && mnem != "jmp":
		if cc, ok := condCodes[mnem[1:]]; ok {
			mnem = "j" + condNames[cc]
		}
	}

	if len(ins.ops) == 0 {
		return mnem
	}

	parts := make([]string, len(ins.ops))
	for i, op := range ins.ops {
		parts[i] = c.printOperand(op)
	}
	return mnem + " " + strings.Join(parts, ", ")
}

func (c *codec) printOperand(op operand) string {
	switch op.kind {
	case opReg:
		return op.reg.name
	case opImm:
		return c.style.FormatImm(op.imm)
	case opSym:
		return op.sym
	case opMem:
		return c.printMem(op.mem)
	}
	return "?"
}

func (c *codec) printMem(mem memArg) string {
	var sb strings.Builder
	sb.WriteByte('[')
	wrote := false
	if mem.hasBase {
		sb.WriteString(mem.base.name)
		wrote = true
	}
	if mem.hasIndex {
		if wrote {
			sb.WriteByte('+')
		}
		sb.WriteString(mem.index.name)
		if mem.scale != 1 {
			sb.WriteByte('*')
			sb.WriteString(strconv.Itoa(int(mem.scale)))
		}
		wrote = true
	}
	if mem.disp != 0 || !wrote {
		if wrote {
			if mem.disp < 0 {
				sb.WriteByte('-')
				sb.WriteString(c.style.FormatUint(uint64(-mem.disp)))
			} else {
				sb.WriteByte('+')
				sb.WriteString(c.style.FormatUint(uint64(mem.disp)))
			}
		} else {
			sb.WriteString(c.style.FormatImm(mem.disp))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
