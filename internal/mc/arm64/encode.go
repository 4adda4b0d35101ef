package arm64

import (
	"encoding/binary"
	"strings"

	"github.com/tinyrange/asmkit/internal/mc"
)

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

func sf(r reg) uint32 {
	if r.wide {
		return 1 << 31
	}
	return 0
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

func wantReg(op operand, what string) (reg, error) {
	if op.kind != opReg {
		return reg{}, mc.Errorf(op.col, "expected %s register", what)
	}
	return op.reg, nil
}

func (e *encoder) encode(ins instruction) (uint32, error) {
	m := ins.mnemonic

	if strings.HasPrefix(m, "b.") {
		cond, ok := condCodes[m[2:]]
		if !ok {
			return 0, mc.Errorf(1, "unknown condition %q", m[2:])
		}
		return e.encodeCondBranch(ins, cond)
	}

	switch m {
	case "nop":
		if err := wantOps(ins, 0); err != nil {
			return 0, err
		}
		return 0xD503201F, nil
	case "svc", "brk":
		return e.encodeException(ins)
	case "ret":
		return e.encodeRet(ins)
	case "br", "blr":
		return e.encodeBranchReg(ins)
	case "b", "bl":
		return e.encodeBranch(ins)
	case "cbz", "cbnz":
		return e.encodeCompareBranch(ins)
	case "adr":
		return e.encodeAdr(ins)
	case "mov":
		return e.encodeMov(ins)
	case "movz", "movn", "movk":
		return e.encodeMovWide(ins)
	case "add", "adds", "sub", "subs":
		return e.encodeAddSub(ins)
	case "cmp", "cmn":
		return e.encodeCmp(ins)
	case "and", "orr", "eor", "ands":
		return e.encodeLogical(ins)
	case "mvn":
		return e.encodeMvn(ins)
	case "ldr", "str", "ldrb", "strb":
		return e.encodeLoadStore(ins)
	}

	return 0, mc.Errorf(1, "unknown instruction %q", m)
}

func (e *encoder) encodeException(ins instruction) (uint32, error) {
	if err := wantOps(ins, 1); err != nil {
		return 0, err
	}
	op := ins.ops[0]
	if op.kind != opImm || op.imm < 0 || op.imm > 0xFFFF {
		return 0, mc.Errorf(op.col, "%s requires a 16-bit immediate", ins.mnemonic)
	}
	if ins.mnemonic == "svc" {
		return 0xD4000001 | uint32(op.imm)<<5, nil
	}
	return 0xD4200000 | uint32(op.imm)<<5, nil
}

func (e *encoder) encodeRet(ins instruction) (uint32, error) {
	rn := uint32(30)
	if len(ins.ops) > 1 {
		return 0, wantOps(ins, 1)
	}
	if len(ins.ops) == 1 {
		r, err := wantReg(ins.ops[0], "a 64-bit")
		if err != nil {
			return 0, err
		}
		if !r.wide || r.isSP {
			return 0, mc.Errorf(ins.ops[0].col, "ret requires a 64-bit register")
		}
		rn = r.code
	}
	return 0xD65F0000 | rn<<5, nil
}

func (e *encoder) encodeBranchReg(ins instruction) (uint32, error) {
	if err := wantOps(ins, 1); err != nil {
		return 0, err
	}
	r, err := wantReg(ins.ops[0], "a 64-bit")
	if err != nil {
		return 0, err
	}
	if !r.wide || r.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "%s requires a 64-bit register", ins.mnemonic)
	}
	if ins.mnemonic == "br" {
		return 0xD61F0000 | r.code<<5, nil
	}
	return 0xD63F0000 | r.code<<5, nil
}

// branchOffset resolves a branch operand and returns the byte offset from
// the current instruction.
func (e *encoder) branchOffset(op operand) (int64, error) {
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
	return int64(target - e.addr), nil
}

func (e *encoder) encodeBranch(ins instruction) (uint32, error) {
	if err := wantOps(ins, 1); err != nil {
		return 0, err
	}
	off, err := e.branchOffset(ins.ops[0])
	if err != nil {
		return 0, err
	}
	if off%4 != 0 {
		return 0, mc.Errorf(ins.ops[0].col, "misaligned branch target")
	}
	if off < -(1<<27) || off >= 1<<27 {
		return 0, mc.Errorf(ins.ops[0].col, "branch target out of range")
	}
	base := uint32(0x14000000)
	if ins.mnemonic == "bl" {
		base = 0x94000000
	}
	return base | uint32(off>>2)&0x03FFFFFF, nil
}

func (e *encoder) encodeCondBranch(ins instruction, cond uint32) (uint32, error) {
	if err := wantOps(ins, 1); err != nil {
		return 0, err
	}
	off, err := e.branchOffset(ins.ops[0])
	if err != nil {
		return 0, err
	}
	if off%4 != 0 {
		return 0, mc.Errorf(ins.ops[0].col, "misaligned branch target")
	}
	if off < -(1<<20) || off >= 1<<20 {
		return 0, mc.Errorf(ins.ops[0].col, "branch target out of range")
	}
	return 0x54000000 | (uint32(off>>2)&0x7FFFF)<<5 | cond, nil
}

func (e *encoder) encodeCompareBranch(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rt, err := wantReg(ins.ops[0], "a source")
	if err != nil {
		return 0, err
	}
	if rt.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "%s cannot test the stack pointer", ins.mnemonic)
	}
	off, err := e.branchOffset(ins.ops[1])
	if err != nil {
		return 0, err
	}
	if off%4 != 0 {
		return 0, mc.Errorf(ins.ops[1].col, "misaligned branch target")
	}
	if off < -(1<<20) || off >= 1<<20 {
		return 0, mc.Errorf(ins.ops[1].col, "branch target out of range")
	}
	base := uint32(0x34000000)
	if ins.mnemonic == "cbnz" {
		base = 0x35000000
	}
	return sf(rt) | base | (uint32(off>>2)&0x7FFFF)<<5 | rt.code, nil
}

func (e *encoder) encodeAdr(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0], "a destination")
	if err != nil {
		return 0, err
	}
	if !rd.wide || rd.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "adr destination must be a 64-bit register")
	}
	off, err := e.branchOffset(ins.ops[1])
	if err != nil {
		return 0, err
	}
	if off < -(1<<20) || off >= 1<<20 {
		return 0, mc.Errorf(ins.ops[1].col, "adr target out of range")
	}
	return 0x10000000 | uint32(off&3)<<29 | (uint32(off>>2)&0x7FFFF)<<5 | rd.code, nil
}

func (e *encoder) encodeMov(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0], "a destination")
	if err != nil {
		return 0, err
	}
	src := ins.ops[1]

	if src.kind == opReg {
		rm := src.reg
		if rd.wide != rm.wide {
			return 0, mc.Errorf(src.col, "mismatched register widths")
		}
		// Moves involving the stack pointer are an add-immediate alias;
		// everything else is orr with the zero register.
		if rd.isSP || rm.isSP {
			return sf(rd) | 0x11000000 | rm.code<<5 | rd.code, nil
		}
		return sf(rd) | 0x2A000000 | rm.code<<16 | 31<<5 | rd.code, nil
	}

	if src.kind != opImm {
		return 0, mc.Errorf(src.col, "mov source must be a register or immediate")
	}
	if rd.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "mov immediate destination cannot be the stack pointer")
	}

	v := uint64(src.imm)
	if !rd.wide {
		v &= 0xFFFFFFFF
	}
	maxHW := uint32(1)
	if rd.wide {
		maxHW = 3
	}
	for hw := uint32(0); hw <= maxHW; hw++ {
		if v == (v>>(hw*16)&0xFFFF)<<(hw*16) && v>>(hw*16) <= 0xFFFF {
			return sf(rd) | 0x52800000 | hw<<21 | uint32(v>>(hw*16)&0xFFFF)<<5 | rd.code, nil
		}
	}
	inv := ^v
	if !rd.wide {
		inv &= 0xFFFFFFFF
	}
	for hw := uint32(0); hw <= maxHW; hw++ {
		if inv == (inv>>(hw*16)&0xFFFF)<<(hw*16) && inv>>(hw*16) <= 0xFFFF {
			return sf(rd) | 0x12800000 | hw<<21 | uint32(inv>>(hw*16)&0xFFFF)<<5 | rd.code, nil
		}
	}
	return 0, mc.Errorf(src.col, "immediate %d cannot be encoded in a single mov", src.imm)
}

func (e *encoder) encodeMovWide(ins instruction) (uint32, error) {
	if len(ins.ops) != 2 && len(ins.ops) != 3 {
		return 0, wantOps(ins, 2)
	}
	rd, err := wantReg(ins.ops[0], "a destination")
	if err != nil {
		return 0, err
	}
	if rd.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "%s destination cannot be the stack pointer", ins.mnemonic)
	}
	imm := ins.ops[1]
	if imm.kind != opImm || imm.imm < 0 || imm.imm > 0xFFFF {
		return 0, mc.Errorf(imm.col, "%s requires a 16-bit immediate", ins.mnemonic)
	}

	hw := uint32(0)
	if len(ins.ops) == 3 {
		sh := ins.ops[2]
		if sh.kind != opShift {
			return 0, mc.Errorf(sh.col, "expected lsl shift modifier")
		}
		maxShift := int64(16)
		if rd.wide {
			maxShift = 48
		}
		if sh.shift%16 != 0 || sh.shift < 0 || sh.shift > maxShift {
			return 0, mc.Errorf(sh.col, "shift must be a multiple of 16 in range 0..%d", maxShift)
		}
		hw = uint32(sh.shift / 16)
	}

	var base uint32
	switch ins.mnemonic {
	case "movz":
		base = 0x52800000
	case "movn":
		base = 0x12800000
	case "movk":
		base = 0x72800000
	}
	return sf(rd) | base | hw<<21 | uint32(imm.imm)<<5 | rd.code, nil
}

var addSubRegBase = map[string]uint32{
	"add": 0x0B000000, "adds": 0x2B000000,
	"sub": 0x4B000000, "subs": 0x6B000000,
}

var addSubImmBase = map[string]uint32{
	"add": 0x11000000, "adds": 0x31000000,
	"sub": 0x51000000, "subs": 0x71000000,
}

func (e *encoder) encodeAddSub(ins instruction) (uint32, error) {
	if len(ins.ops) != 3 && len(ins.ops) != 4 {
		return 0, wantOps(ins, 3)
	}
	rd, err := wantReg(ins.ops[0], "a destination")
	if err != nil {
		return 0, err
	}
	rn, err := wantReg(ins.ops[1], "a source")
	if err != nil {
		return 0, err
	}
	if rd.wide != rn.wide {
		return 0, mc.Errorf(ins.ops[1].col, "mismatched register widths")
	}
	src := ins.ops[2]

	if src.kind == opReg {
		if len(ins.ops) != 3 {
			return 0, wantOps(ins, 3)
		}
		rm := src.reg
		if rm.wide != rd.wide {
			return 0, mc.Errorf(src.col, "mismatched register widths")
		}
		if rd.isSP || rn.isSP || rm.isSP {
			return 0, mc.Errorf(src.col, "register form cannot use the stack pointer")
		}
		return sf(rd) | addSubRegBase[ins.mnemonic] | rm.code<<16 | rn.code<<5 | rd.code, nil
	}

	if src.kind != opImm {
		return 0, mc.Errorf(src.col, "expected register or immediate operand")
	}
	if src.imm < 0 || src.imm > 0xFFF {
		return 0, mc.Errorf(src.col, "immediate %d out of 12-bit range", src.imm)
	}
	sh := uint32(0)
	if len(ins.ops) == 4 {
		mod := ins.ops[3]
		if mod.kind != opShift || mod.shift != 12 {
			return 0, mc.Errorf(mod.col, "only lsl #12 is valid here")
		}
		sh = 1
	}
	return sf(rd) | addSubImmBase[ins.mnemonic] | sh<<22 | uint32(src.imm)<<10 | rn.code<<5 | rd.code, nil
}

func (e *encoder) encodeCmp(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rn, err := wantReg(ins.ops[0], "a source")
	if err != nil {
		return 0, err
	}
	src := ins.ops[1]
	mnem := "subs"
	if ins.mnemonic == "cmn" {
		mnem = "adds"
	}

	if src.kind == opReg {
		rm := src.reg
		if rm.wide != rn.wide {
			return 0, mc.Errorf(src.col, "mismatched register widths")
		}
		if rn.isSP || rm.isSP {
			return 0, mc.Errorf(src.col, "register form cannot use the stack pointer")
		}
		return sf(rn) | addSubRegBase[mnem] | rm.code<<16 | rn.code<<5 | 31, nil
	}
	if src.kind != opImm || src.imm < 0 || src.imm > 0xFFF {
		return 0, mc.Errorf(src.col, "immediate out of 12-bit range")
	}
	return sf(rn) | addSubImmBase[mnem] | uint32(src.imm)<<10 | rn.code<<5 | 31, nil
}

var logicalBase = map[string]uint32{
	"and": 0x0A000000, "orr": 0x2A000000,
	"eor": 0x4A000000, "ands": 0x6A000000,
}

func (e *encoder) encodeLogical(ins instruction) (uint32, error) {
	if err := wantOps(ins, 3); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0], "a destination")
	if err != nil {
		return 0, err
	}
	rn, err := wantReg(ins.ops[1], "a source")
	if err != nil {
		return 0, err
	}
	rm, err := wantReg(ins.ops[2], "a source")
	if err != nil {
		return 0, err
	}
	if rd.wide != rn.wide || rd.wide != rm.wide {
		return 0, mc.Errorf(ins.ops[2].col, "mismatched register widths")
	}
	if rd.isSP || rn.isSP || rm.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "%s cannot use the stack pointer", ins.mnemonic)
	}
	return sf(rd) | logicalBase[ins.mnemonic] | rm.code<<16 | rn.code<<5 | rd.code, nil
}

func (e *encoder) encodeMvn(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rd, err := wantReg(ins.ops[0], "a destination")
	if err != nil {
		return 0, err
	}
	rm, err := wantReg(ins.ops[1], "a source")
	if err != nil {
		return 0, err
	}
	if rd.wide != rm.wide {
		return 0, mc.Errorf(ins.ops[1].col, "mismatched register widths")
	}
	if rd.isSP || rm.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "mvn cannot use the stack pointer")
	}
	// orn rd, zr, rm
	return sf(rd) | 0x2A200000 | rm.code<<16 | 31<<5 | rd.code, nil
}

func (e *encoder) encodeLoadStore(ins instruction) (uint32, error) {
	if err := wantOps(ins, 2); err != nil {
		return 0, err
	}
	rt, err := wantReg(ins.ops[0], "a transfer")
	if err != nil {
		return 0, err
	}
	if rt.isSP {
		return 0, mc.Errorf(ins.ops[0].col, "%s cannot transfer the stack pointer", ins.mnemonic)
	}
	memOp := ins.ops[1]
	if memOp.kind != opMem {
		return 0, mc.Errorf(memOp.col, "%s requires a memory operand", ins.mnemonic)
	}
	mem := memOp.mem

	byteOp := ins.mnemonic == "ldrb" || ins.mnemonic == "strb"
	if byteOp && rt.wide {
		return 0, mc.Errorf(ins.ops[0].col, "%s requires a 32-bit register", ins.mnemonic)
	}

	scale := 1
	var base uint32
	switch {
	case byteOp:
		if ins.mnemonic == "ldrb" {
			base = 0x39400000
		} else {
			base = 0x39000000
		}
	case rt.wide:
		scale = 8
		if ins.mnemonic == "ldr" {
			base = 0xF9400000
		} else {
			base = 0xF9000000
		}
	default:
		scale = 4
		if ins.mnemonic == "ldr" {
			base = 0xB9400000
		} else {
			base = 0xB9000000
		}
	}

	if mem.offset < 0 || mem.offset%int64(scale) != 0 || mem.offset/int64(scale) > 0xFFF {
		return 0, mc.Errorf(memOp.col, "offset %d not encodable (must be a multiple of %d in range 0..%d)",
			mem.offset, scale, 0xFFF*scale)
	}
	return base | uint32(mem.offset/int64(scale))<<10 | mem.base.code<<5 | rt.code, nil
}
