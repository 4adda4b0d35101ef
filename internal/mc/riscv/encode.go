package riscv

import (
	"encoding/binary"

	"github.com/tinyrange/asmkit/internal/mc"
)

const (
	opLoad    = 0x03
	opOpImm   = 0x13
	opAuipc   = 0x17
	opOpImm32 = 0x1B
	opStore   = 0x23
	opOp      = 0x33
	opLui     = 0x37
	opOp32    = 0x3B
	opBranch  = 0x63
	opJalr    = 0x67
	opJal     = 0x6F
	opSystem  = 0x73
)

func encR(funct7, rs2, rs1, f3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | opcode
}

func encI(imm int64, rs1, f3, rd, opcode uint32) uint32 {
	return uint32(imm&0xFFF)<<20 | rs1<<15 | f3<<12 | rd<<7 | opcode
}

func encS(imm int64, rs2, rs1, f3, opcode uint32) uint32 {
	return uint32(imm>>5&0x7F)<<25 | rs2<<20 | rs1<<15 | f3<<12 |
		uint32(imm&0x1F)<<7 | opcode
}

func encB(imm int64, rs2, rs1, f3, opcode uint32) uint32 {
	return uint32(imm>>12&1)<<31 | uint32(imm>>5&0x3F)<<25 | rs2<<20 |
		rs1<<15 | f3<<12 | uint32(imm>>1&0xF)<<8 | uint32(imm>>11&1)<<7 | opcode
}

func encU(imm int64, rd, opcode uint32) uint32 {
	return uint32(imm&0xFFFFF)<<12 | rd<<7 | opcode
}

func encJ(imm int64, rd, opcode uint32) uint32 {
	return uint32(imm>>20&1)<<31 | uint32(imm>>1&0x3FF)<<21 |
		uint32(imm>>11&1)<<20 | uint32(imm>>12&0xFF)<<12 | rd<<7 | opcode
}

var opImmF3 = map[string]uint32{
	"addi": 0, "slti": 2, "sltiu": 3, "xori": 4, "ori": 6, "andi": 7,
}

type rOp struct {
	f3     uint32
	funct7 uint32
	opcode uint32
	needsM bool
}

var rOps = map[string]rOp{
	"add": {0, 0x00, opOp, false}, "sub": {0, 0x20, opOp, false},
	"sll": {1, 0x00, opOp, false}, "slt": {2, 0x00, opOp, false},
	"sltu": {3, 0x00, opOp, false}, "xor": {4, 0x00, opOp, false},
	"srl": {5, 0x00, opOp, false}, "sra": {5, 0x20, opOp, false},
	"or": {6, 0x00, opOp, false}, "and": {7, 0x00, opOp, false},

	"addw": {0, 0x00, opOp32, false}, "subw": {0, 0x20, opOp32, false},
	"sllw": {1, 0x00, opOp32, false}, "srlw": {5, 0x00, opOp32, false},
	"sraw": {5, 0x20, opOp32, false},

	"mul": {0, 0x01, opOp, true}, "mulh": {1, 0x01, opOp, true},
	"mulhsu": {2, 0x01, opOp, true}, "mulhu": {3, 0x01, opOp, true},
	"div": {4, 0x01, opOp, true}, "divu": {5, 0x01, opOp, true},
	"rem": {6, 0x01, opOp, true}, "remu": {7, 0x01, opOp, true},

	"mulw": {0, 0x01, opOp32, true}, "divw": {4, 0x01, opOp32, true},
	"divuw": {5, 0x01, opOp32, true}, "remw": {6, 0x01, opOp32, true},
	"remuw": {7, 0x01, opOp32, true},
}

var loadF3 = map[string]uint32{
	"lb": 0, "lh": 1, "lw": 2, "ld": 3, "lbu": 4, "lhu": 5, "lwu": 6,
}

var storeF3 = map[string]uint32{"sb": 0, "sh": 1, "sw": 2, "sd": 3}

var branchF3 = map[string]uint32{
	"beq": 0, "bne": 1, "blt": 4, "bge": 5, "bltu": 6, "bgeu": 7,
}

type encoder struct {
	codec *codec
	addr  uint64
	syms  mc.SymbolResolver
	refs  []mc.SymbolRef
}

func (c *codec) Encode(stmt mc.Statement, addr uint64, syms mc.SymbolResolver) (mc.Encoded, error) {
	ins, err := parseStatement(stmt.Text)
	if err != nil {
		return mc.Encoded{}, err
	}

	e := &encoder{codec: c, addr: addr, syms: syms}
	word, err := e.encode(ins)
	if err != nil {
		return mc.Encoded{}, err
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	return mc.Encoded{
		Bytes: b[:],
		Text:  c.print(ins),
		Refs:  e.refs,
	}, nil
}

func wantOps(ins instruction, n int) error {
	if len(ins.ops) == n {
		return nil
	}
	col := 1
	if len(ins.ops) > n {
		col = ins.ops[n].col
	}
	return mc.Errorf(col, "%s expects %d operand(s), got %d", ins.mnemonic, n, len(ins.ops))
}

func wantReg(op operand) (uint32, error) {
	if op.kind != opReg {
		return 0, mc.Errorf(op.col, "expected a register operand")
	}
	return op.reg, nil
}

func wantImm(op operand, lo, hi int64) (int64, error) {
	if op.kind != opImm {
		return 0, mc.Errorf(op.col, "expected an immediate operand")
	}
	if op.imm < lo || op.imm > hi {
		return 0, mc.Errorf(op.col, "immediate %d out of range [%d, %d]", op.imm, lo, hi)
	}
	return op.imm, nil
}

func (e *encoder) encode(ins instruction) (uint32, error) {
	m := ins.mnemonic

	if f3, ok := opImmF3[m]; ok {
		return e.encodeOpImm(ins, f3, opOpImm)
	}
	if m == "addiw" {
		return e.encodeOpImm(ins, 0, opOpImm32)
	}
	if op, ok := rOps[m]; ok {
		if op.needsM && !e.codec.hasM {
			return 0, mc.Errorf(1, "instruction %q requires the m extension", m)
		}
		return e.encodeR(ins, op)
	}
	if f3, ok := loadF3[m]; ok {
		return e.encodeLoad(ins, f3)
	}
	if f3, ok := storeF3[m]; ok {
		return e.encodeStore(ins, f3)
	}
	if f3, ok := branchF3[m]; ok {
		return e.encodeBranch(ins, f3)
	}

	switch m {
	case "slli", "srli", "srai":
		return e.encodeShiftImm(ins, m, false)
	case "slliw", "srliw", "sraiw":
		return e.encodeShiftImm(ins, m[:len(m)-1], true)
	case "lui", "auipc":
		return e.encodeUpper(ins)
	case "jal":
		return e.encodeJal(ins)
	case "jalr":
		return e.encodeJalr(ins)
	case "ecall":
		if err := wantOps(ins, 0); err != nil {
			return 0, err
		}
		return encI(0, 0, 0, 0, opSystem), nil
	case "ebreak":
		if err := wantOps(ins, 0); err != nil {
			return 0, err
		}
		return encI(1, 0, 0, 0, opSystem), nil

	// Aliases.
	case "nop":
		if err := wantOps(ins, 0); err != nil {
			return 0, err
		}
		return encI(0, 0, 0, 0, opOpImm), nil
	case "mv":
		rd, rs, err := e.twoRegs(ins)
		if err != nil {
			return 0, err
		}
		return encI(0, rs, 0, rd, opOpImm), nil
	case "li":
		return e.encodeLi(ins)
	case "not":
		rd, rs, err := e.twoRegs(ins)
		if err != nil {
			return 0, err
		}
		return encI(-1, rs, 4, rd, opOpImm), nil
	case "neg":
		rd, rs, err := e.twoRegs(ins)
		if err != nil {
			return 0, err
		}
		return encR(0x20, rs, 0, 0, rd, opOp), nil
	case "seqz":
		rd, rs, err := e.twoRegs(ins)
		if err != nil {
			return 0, err
		}
		return encI(1, rs, 3, rd, opOpImm), nil
	case "snez":
		rd, rs, err := e.twoRegs(ins)
		if err != nil {
			return 0, err
		}
		return encR(0, rs, 0, 3, rd, opOp), nil
	case "beqz", "bnez":
		if err := wantOps(ins, 2); err != nil {
			return 0, err
		}
		rs, err := wantReg(ins.ops[0])
		if err != nil {
			return 0, err
		}
		off, err := e.branchOffset(ins.ops[1], 1<<12)
		if err != nil {
			return 0, err
		}
		f3 := uint32(0)
		if m == "bnez" {
			f3 = 1
		}
		return encB(off, 0, rs, f3, opBranch), nil
	case "j":
		if err := wantOps(ins, 1); err != nil {
			return 0, err
		}
		off, err := e.branchOffset(ins.ops[0], 1<<20)
		if err != nil {
			return 0, err
		}
		return encJ(off, 0, opJal), nil
	case "jr":
		if err := wantOps(ins, 1); err != nil {
			return 0, err
		}
		rs, err := wantReg(ins.ops[0])
		if err != nil {
			return 0, err
		}
		return encI(0, rs, 0, 0, opJalr), nil
	case "ret":
		if err := wantOps(ins, 0); err != nil {
			return 0, err
		}
		return encI(0, 1, 0, 0, opJalr), nil
	}

	return 0, mc.Errorf(1, "unknown instruction %q", m)
}

func (e *encoder) twoRegs(ins instruction) (uint32, uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, 0, err
	}
	rs, err := wantReg(ins.ops[1])
	if err != nil {
		return 0, 0, err
	}
	return rd, rs, nil
}

func (e *encoder) encodeOpImm(ins instruction, f3, opcode uint32) (uint32, error) {
	if err := wantOps(ins, 3); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	rs1, err := wantReg(ins.ops[1])
	if err != nil {
		return 0, err
	}
	imm, err := wantImm(ins.ops[2], -2048, 2047)
	if err != nil {
		return 0, err
	}
	return encI(imm, rs1, f3, rd, opcode), nil
}

func (e *encoder) encodeShiftImm(ins instruction, base string, word bool) (uint32, error) {
	if err := wantOps(ins, 3); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	rs1, err := wantReg(ins.ops[1])
	if err != nil {
		return 0, err
	}
	max := int64(63)
	opcode := uint32(opOpImm)
	if word {
		max = 31
		opcode = opOpImm32
	}
	shamt, err := wantImm(ins.ops[2], 0, max)
	if err != nil {
		return 0, err
	}

	var f3, top uint32
	switch base {
	case "slli":
		f3 = 1
	case "srli":
		f3 = 5
	case "srai":
		f3, top = 5, 0x20<<25
	}
	return top | uint32(shamt)<<20 | rs1<<15 | f3<<12 | rd<<7 | opcode, nil
}

func (e *encoder) encodeR(ins instruction, op rOp) (uint32, error) {
	if err := wantOps(ins, 3); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	rs1, err := wantReg(ins.ops[1])
	if err != nil {
		return 0, err
	}
	rs2, err := wantReg(ins.ops[2])
	if err != nil {
		return 0, err
	}
	return encR(op.funct7, rs2, rs1, op.f3, rd, op.opcode), nil
}

func (e *encoder) encodeLoad(ins instruction, f3 uint32) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	mem := ins.ops[1]
	if mem.kind != opMem {
		return 0, mc.Errorf(mem.col, "expected an offset(base) memory operand")
	}
	if mem.offset < -2048 || mem.offset > 2047 {
		return 0, mc.Errorf(mem.col, "offset %d out of 12-bit range", mem.offset)
	}
	return encI(mem.offset, mem.base, f3, rd, opLoad), nil
}

func (e *encoder) encodeStore(ins instruction, f3 uint32) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rs2, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	mem := ins.ops[1]
	if mem.kind != opMem {
		return 0, mc.Errorf(mem.col, "expected an offset(base) memory operand")
	}
	if mem.offset < -2048 || mem.offset > 2047 {
		return 0, mc.Errorf(mem.col, "offset %d out of 12-bit range", mem.offset)
	}
	return encS(mem.offset, rs2, mem.base, f3, opStore), nil
}

// branchOffset resolves a branch operand to a byte offset from the current
// instruction and checks it against the ±limit displacement range.
func (e *encoder) branchOffset(op operand, limit int64) (int64, error) {
	var target uint64
	switch op.kind {
	case opSym:
		v, ok := e.syms.Resolve(op.sym)
		if !ok {
			return 0, mc.Errorf(op.col, "undefined symbol %q", op.sym)
		}
		e.refs = append(e.refs, mc.SymbolRef{Name: op.sym, Col: op.col})
		target = v
	case opImm:
		target = uint64(op.imm)
	default:
		return 0, mc.Errorf(op.col, "branch target must be a label or address")
	}
	off := int64(target - e.addr)
	if off%2 != 0 {
		return 0, mc.Errorf(op.col, "misaligned branch target")
	}
	if off < -limit || off >= limit {
		return 0, mc.Errorf(op.col, "branch target out of range")
	}
	return off, nil
}

func (e *encoder) encodeBranch(ins instruction, f3 uint32) (uint32, error) {
	if err := wantOps(ins, 3); err != nil {
		return 0, err
	}
	rs1, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	rs2, err := wantReg(ins.ops[1])
	if err != nil {
		return 0, err
	}
	off, err := e.branchOffset(ins.ops[2], 1<<12)
	if err != nil {
		return 0, err
	}
	return encB(off, rs2, rs1, f3, opBranch), nil
}

func (e *encoder) encodeUpper(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	imm, err := wantImm(ins.ops[1], 0, 0xFFFFF)
	if err != nil {
		return 0, err
	}
	opcode := uint32(opLui)
	if ins.mnemonic == "auipc" {
		opcode = opAuipc
	}
	return encU(imm, rd, opcode), nil
}

func (e *encoder) encodeJal(ins instruction) (uint32, error) {
	// "jal target" writes the return address to ra.
	rd := uint32(1)
	targetOp := 0
	switch len(ins.ops) {
	case 1:
	case 2:
		r, err := wantReg(ins.ops[0])
		if err != nil {
			return 0, err
		}
		rd = r
		targetOp = 1
	default:
		return 0, wantOps(ins, 2)
	}
	off, err := e.branchOffset(ins.ops[targetOp], 1<<20)
	if err != nil {
		return 0, err
	}
	return encJ(off, rd, opJal), nil
}

func (e *encoder) encodeJalr(ins instruction) (uint32, error) {
	switch len(ins.ops) {
	case 1:
		// "jalr rs" links through ra.
		rs, err := wantReg(ins.ops[0])
		if err != nil {
			return 0, err
		}
		return encI(0, rs, 0, 1, opJalr), nil
	case 2:
		rd, err := wantReg(ins.ops[0])
		if err != nil {
			return 0, err
		}
		mem := ins.ops[1]
		if mem.kind == opMem {
			if mem.offset < -2048 || mem.offset > 2047 {
				return 0, mc.Errorf(mem.col, "offset %d out of 12-bit range", mem.offset)
			}
			return encI(mem.offset, mem.base, 0, rd, opJalr), nil
		}
		rs, err := wantReg(mem)
		if err != nil {
			return 0, err
		}
		return encI(0, rs, 0, rd, opJalr), nil
	case 3:
		rd, err := wantReg(ins.ops[0])
		if err != nil {
			return 0, err
		}
		rs, err := wantReg(ins.ops[1])
		if err != nil {
			return 0, err
		}
		imm, err := wantImm(ins.ops[2], -2048, 2047)
		if err != nil {
			return 0, err
		}
		return encI(imm, rs, 0, rd, opJalr), nil
	}
	return 0, wantOps(ins, 3)
}

func (e *encoder) encodeLi(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0])
	if err != nil {
		return 0, err
	}
	src := ins.ops[1]
	if src.kind != opImm {
		return 0, mc.Errorf(src.col, "li requires an immediate operand")
	}
	v := src.imm
	if v >= -2048 && v <= 2047 {
		return encI(v, 0, 0, rd, opOpImm), nil
	}
	// A single lui covers page-aligned 32-bit values.
	if v&0xFFF == 0 && v >= -(1<<31) && v < 1<<31 {
		return encU(v>>12&0xFFFFF, rd, opLui), nil
	}
	return 0, mc.Errorf(src.col, "immediate %d cannot be loaded with a single instruction", v)
}
