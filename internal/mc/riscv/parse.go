package riscv

import (
	"strings"

	"github.com/tinyrange/asmkit/internal/mc"
)

type opKind int

const (
	opReg opKind = iota
	opImm
	opSym
	opMem // offset(base)
)

type operand struct {
	kind   opKind
	col    int
	reg    uint32
	imm    int64
	sym    string
	base   uint32
	offset int64
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

	start = 0
	for idx := 0; idx <= len(rest); idx++ {
		if idx < len(rest) && rest[idx] != ',' {
			continue
		}
		raw := rest[start:idx]
		trimmed := strings.TrimSpace(raw)
		lead := start + (len(raw) - len(strings.TrimLeft(raw, " \t")))
		col := restBase + lead + 1
		start = idx + 1
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

func parseOperand(tok string, col int) (operand, error) {
	lower := strings.ToLower(tok)

	// offset(base) memory form.
	if open := strings.IndexByte(lower, '('); open >= 0 && strings.HasSuffix(lower, ")") {
		baseName := strings.TrimSpace(lower[open+1 : len(lower)-1])
		base, ok := regsByName[baseName]
		if !ok {
			return operand{}, mc.Errorf(col, "invalid base register %q", baseName)
		}
		offText := strings.TrimSpace(lower[:open])
		var off int64
		if offText != "" {
			v, err := mc.ParseImm(offText)
			if err != nil {
				return operand{}, mc.Errorf(col, "invalid offset %q", offText)
			}
			off = v
		}
		return operand{kind: opMem, col: col, base: base, offset: off}, nil
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
