package amd64

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
)

type memArg struct {
	base     reg
	index    reg
	hasBase  bool
	hasIndex bool
	scale    uint8
	disp     int64
	size     int // operand size from a ptr prefix; 0 when unspecified
}

type operand struct {
	kind opKind
	col  int // 1-based column within the statement text
	reg  reg
	imm  int64
	sym  string
	mem  memArg
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

	for _, span := range splitOperands(rest) {
		raw := rest[span.start:span.end]
		trimmed := strings.TrimSpace(raw)
		lead := span.start + (len(raw) - len(strings.TrimLeft(raw, " \t")))
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

// splitOperands splits on commas outside brackets.
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

var ptrSizes = map[string]int{"byte": 1, "word": 2, "dword": 4, "qword": 8}

func parseOperand(tok string, col int) (operand, error) {
	lower := strings.ToLower(tok)

	// Optional "qword ptr" style prefix before a memory operand.
	memSize := 0
	for name, size := range ptrSizes {
		if strings.HasPrefix(lower, name+" ") || strings.HasPrefix(lower, name+"\t") {
			rest := strings.TrimSpace(lower[len(name):])
			if strings.HasPrefix(rest, "ptr") {
				rest = strings.TrimSpace(rest[3:])
			}
			if strings.HasPrefix(rest, "[") {
				memSize = size
				shift := len(tok) - len(rest)
				tok = tok[shift:]
				lower = rest
				col += shift
			}
			break
		}
	}

	if strings.HasPrefix(lower, "[") {
		mem, err := parseMemory(lower, col)
		if err != nil {
			return operand{}, err
		}
		mem.size = memSize
		return operand{kind: opMem, col: col, mem: mem}, nil
	}

	if r, ok := regsByName[lower]; ok {
		return operand{kind: opReg, col: col, reg: r}, nil
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
	if inner == "" {
		return memArg{}, mc.Errorf(col, "empty memory operand")
	}

	mem := memArg{scale: 1}

	// Split on top-level + and -; a leading sign binds to the first term.
	sign := int64(1)
	term := strings.Builder{}
	terms := []struct {
		text string
		sign int64
	}{}
	flush := func() {
		if term.Len() > 0 {
			terms = append(terms, struct {
				text string
				sign int64
			}{term.String(), sign})
			term.Reset()
		}
	}
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '+':
			flush()
			sign = 1
		case '-':
			flush()
			sign = -1
		case ' ', '\t':
		default:
			term.WriteByte(inner[i])
		}
	}
	flush()

	for _, t := range terms {
		if err := applyMemTerm(&mem, t.text, t.sign, col); err != nil {
			return memArg{}, err
		}
	}
	if !mem.hasBase && !mem.hasIndex && mem.disp == 0 && len(terms) == 0 {
		return memArg{}, mc.Errorf(col, "empty memory operand")
	}
	return mem, nil
}

func applyMemTerm(mem *memArg, text string, sign int64, col int) error {
	// reg*scale or scale*reg
	if star := strings.IndexByte(text, '*'); star >= 0 {
		left, right := text[:star], text[star+1:]
		r, rOK := regsByName[left]
		if !rOK {
			r, rOK = regsByName[right]
			left, right = right, left
		}
		if !rOK {
			return mc.Errorf(col, "invalid scaled index %q", text)
		}
		scale, err := mc.ParseImm(right)
		if err != nil {
			return mc.Errorf(col, "invalid scale %q", right)
		}
		switch scale {
		case 1, 2, 4, 8:
		default:
			return mc.Errorf(col, "invalid scale %d", scale)
		}
		if mem.hasIndex {
			return mc.Errorf(col, "multiple index registers in memory operand")
		}
		if sign < 0 {
			return mc.Errorf(col, "index register cannot be subtracted")
		}
		mem.index = r
		mem.hasIndex = true
		mem.scale = uint8(scale)
		return nil
	}

	if r, ok := regsByName[text]; ok {
		if sign < 0 {
			return mc.Errorf(col, "register cannot be subtracted in memory operand")
		}
		if !mem.hasBase {
			mem.base = r
			mem.hasBase = true
			return nil
		}
		if !mem.hasIndex {
			mem.index = r
			mem.hasIndex = true
			mem.scale = 1
			return nil
		}
		return mc.Errorf(col, "too many registers in memory operand")
	}

	v, err := mc.ParseImm(text)
	if err != nil {
		return mc.Errorf(col, "invalid memory operand term %q", text)
	}
	mem.disp += sign * v
	return nil
}

func (m memArg) validate(col int) error {
	if m.hasBase && m.base.size != 8 {
		return mc.Errorf(col, "base register must be 64-bit")
	}
	if m.hasIndex {
		if m.index.size != 8 {
			return mc.Errorf(col, "index register must be 64-bit")
		}
		if m.index.code == 4 && !m.index.high {
			return mc.Errorf(col, "rsp cannot be used as index register")
		}
	}
	return nil
}
