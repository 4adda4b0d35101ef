package arm64

import (
	"strings"

	"github.com/tinyrange/asmkit/internal/mc"
)

type opKind int

const (
	opReg opKind = iota
	opImm
	opSym
	opMem
	opShift // "lsl #n" modifier
)

type memArg struct {
	base   reg
	offset int64
}

type operand struct {
	kind  opKind
	col   int
	reg   reg
	imm   int64
	sym   string
	mem   memArg
	shift int64 // for opShift: the lsl amount
}

type instruction struct {
	mnemonic string
	ops      []operand
}

func parseStatement(text string) (instruction, error) {
	var ins instruction

	i := 0
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	start := i
	for i < len(text) && text[i] != ' ' && text[i] != '\t' {
		i++
	}
	ins.mnemonic = strings.ToLower(text[start:i])
	if ins.mnemonic == "" {
		return ins, mc.Errorf(1, "expected an instruction")
	}

	rest := text[i:]
	restBase := i
	if strings.TrimSpace(rest) == "" {
		return ins, nil
	}

	for _, sp := range splitOperands(rest) {
		raw := rest[sp.start:sp.end]
		trimmed := strings.TrimSpace(raw)
		lead := sp.start + (len(raw) - len(strings.TrimLeft(raw, " \t")))
		col := restBase + lead + 1
		if trimmed == "" {
			return ins, mc.Errorf(col, "empty operand")
		}
		op, err := parseOperand(trimmed, col)
		if err != nil {
			return ins, err
		}
		ins.ops = append(ins.ops, op)
	}
	return ins, nil
}

type span struct{ start, end int }

func splitOperands(s string) []span {
	var spans []span
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				spans = append(spans, span{start, i})
				start = i + 1
			}
		}
	}
	spans = append(spans, span{start, len(s)})
	return spans
}

func parseOperand(tok string, col int) (operand, error) {
	lower := strings.ToLower(tok)

	if strings.HasPrefix(lower, "[") {
		mem, err := parseMemory(lower, col)
		if err != nil {
			return operand{}, err
		}
		return operand{kind: opMem, col: col, mem: mem}, nil
	}

	if strings.HasPrefix(lower, "lsl") {
		rest := strings.TrimSpace(lower[3:])
		rest = strings.TrimPrefix(rest, "#")
		v, err := mc.ParseImm(rest)
		if err != nil {
			return operand{}, mc.Errorf(col, "invalid shift %q", tok)
		}
		return operand{kind: opShift, col: col, shift: v}, nil
	}

	if r, ok := regsByName[lower]; ok {
		return operand{kind: opReg, col: col, reg: r}, nil
	}

	if strings.HasPrefix(tok, "#") {
		v, err := mc.ParseImm(tok[1:])
		if err != nil {
			return operand{}, mc.Errorf(col, "invalid immediate %q", tok)
		}
		return operand{kind: opImm, col: col, imm: v}, nil
	}

	if v, err := mc.ParseImm(tok); err == nil {
		return operand{kind: opImm, col: col, imm: v}, nil
	}

	if mc.IsLabelName(tok) {
		return operand{kind: opSym, col: col, sym: tok}, nil
	}

	return operand{}, mc.Errorf(col, "invalid operand %q", tok)
}

func parseMemory(tok string, col int) (memArg, error) {
	if !strings.HasSuffix(tok, "]") {
		return memArg{}, mc.Errorf(col, "unterminated memory operand %q", tok)
	}
	inner := strings.TrimSpace(tok[1 : len(tok)-1])
	parts := strings.SplitN(inner, ",", 2)

	base, ok := regsByName[strings.TrimSpace(parts[0])]
	if !ok {
		return memArg{}, mc.Errorf(col, "invalid base register %q", strings.TrimSpace(parts[0]))
	}
	if !base.wide {
		return memArg{}, mc.Errorf(col, "base register must be 64-bit")
	}
	if base.code == 31 && !base.isSP {
		return memArg{}, mc.Errorf(col, "xzr cannot be a base register")
	}

	mem := memArg{base: base}
	if len(parts) == 2 {
		off := strings.TrimSpace(parts[1])
		off = strings.TrimPrefix(off, "#")
		v, err := mc.ParseImm(off)
		if err != nil {
			return memArg{}, mc.Errorf(col, "invalid offset %q", parts[1])
		}
		mem.offset = v
	}
	return mem, nil
}
