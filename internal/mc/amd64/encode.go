package amd64

import (
	"encoding/binary"
	"math"

	"github.com/tinyrange/asmkit/internal/mc"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem memArg, col int) (memEncoding, error) {
	if err := mem.validate(col); err != nil {
		return memEncoding{}, err
	}
	if mem.disp < math.MinInt32 || mem.disp > math.MaxInt32 {
		return memEncoding{}, mc.Errorf(col, "displacement %d out of 32-bit range", mem.disp)
	}
	disp := int32(mem.disp)

	var enc memEncoding

	scaleBits := byte(0)
	switch mem.scale {
	case 1:
		scaleBits = 0
	case 2:
		scaleBits = 1
	case 4:
		scaleBits = 2
	case 8:
		scaleBits = 3
	default:
		return memEncoding{}, mc.Errorf(col, "invalid scale %d", mem.scale)
	}

	if !mem.hasBase {
		// [index*scale+disp] or bare [disp]: mod=00, rm=100, SIB with
		// base=101 and a mandatory 32-bit displacement.
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = mem.index.code
			enc.rex.x = mem.index.high
		}
		enc.modrm = 0x04
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | 5}
		enc.disp = disp32(disp)
		return enc, nil
	}

	enc.rex.b = mem.base.high
	if mem.hasIndex {
		enc.rex.x = mem.index.high
	}

	rm := mem.base.code
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= -128 && disp <= 127:
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		enc.disp = disp32(disp)
	}

	if mem.hasIndex || rm == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = mem.index.code
		}
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | rm}
		rm = 4
	}

	// [rbp] / [r13] with zero displacement must use an 8-bit zero.
	if enc.modrm == 0x00 && mem.base.code == 5 {
		enc.modrm = 0x40
		enc.disp = []byte{0}
	}

	enc.modrm |= rm
	return enc, nil
}

func disp32(v int32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	return buf[:]
}

// modrmArgs describes a ModRM-form instruction to assemble.
type modrmArgs struct {
	opSize   int // operand size driving the 66 prefix and REX.W
	opcode   []byte
	reg      byte // value for the modrm reg field
	regHigh  bool
	forceRex bool
	rm       operand // opReg or opMem
	imm      []byte
}

func buildRM(a modrmArgs) ([]byte, error) {
	var (
		rex   rexState
		modrm byte
		sib   []byte
		disp  []byte
	)
	rex.w = a.opSize == 8
	rex.r = a.regHigh
	rex.force = a.forceRex

	switch a.rm.kind {
	case opReg:
		rex.b = a.rm.reg.high
		rex.force = rex.force || (a.opSize == 1 && a.rm.reg.needsRex)
		modrm = 0xC0 | a.reg<<3 | a.rm.reg.code
	case opMem:
		memEnc, err := encodeMemoryOperand(a.rm.mem, a.rm.col)
		if err != nil {
			return nil, err
		}
		rex.b = memEnc.rex.b
		rex.x = memEnc.rex.x
		modrm = memEnc.modrm | a.reg<<3
		sib = memEnc.sib
		disp = memEnc.disp
	default:
		return nil, mc.Errorf(a.rm.col, "expected register or memory operand")
	}

	out := make([]byte, 0, 16)
	if a.opSize == 2 {
		out = append(out, 0x66)
	}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, a.opcode...)
	out = append(out, modrm)
	out = append(out, sib...)
	out = append(out, disp...)
	out = append(out, a.imm...)
	return out, nil
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
	b, err := e.encode(ins)
	if err != nil {
		return mc.Encoded{}, err
	}

	return mc.Encoded{
		Bytes: b,
		Text:  c.print(ins),
		Refs:  e.refs,
	}, nil
}

// aluSubcodes maps the classic group-1 instructions to their opcode slot.
var aluSubcodes = map[string]byte{
	"add": 0, "or": 1, "adc": 2, "sbb": 3,
	"and": 4, "sub": 5, "xor": 6, "cmp": 7,
}

var shiftSubcodes = map[string]byte{"shl": 4, "sal": 4, "shr": 5, "sar": 7}

var group3Subcodes = map[string]byte{
	"not": 2, "neg": 3, "mul": 4, "imul": 5, "div": 6, "idiv": 7,
}

// condCodes maps jcc suffixes to condition nibbles.
var condCodes = map[string]byte{
	"o": 0x0, "no": 0x1,
	"b": 0x2, "c": 0x2, "nae": 0x2,
	"ae": 0x3, "nb": 0x3, "nc": 0x3,
	"e": 0x4, "z": 0x4,
	"ne": 0x5, "nz": 0x5,
	"be": 0x6, "na": 0x6,
	"a": 0x7, "nbe": 0x7,
	"s": 0x8, "ns": 0x9,
	"p": 0xA, "pe": 0xA,
	"np": 0xB, "po": 0xB,
	"l": 0xC, "nge": 0xC,
	"ge": 0xD, "nl": 0xD,
	"le": 0xE, "ng": 0xE,
	"g": 0xF, "nle": 0xF,
}

// condNames holds the canonical suffix for each condition nibble.
var condNames = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (e *encoder) encode(ins instruction) ([]byte, error) {
	m := ins.mnemonic

	switch m {
	case "ret":
		return e.fixed(ins, 0xC3)
	case "nop":
		return e.fixed(ins, 0x90)
	case "int3":
		return e.fixed(ins, 0xCC)
	case "syscall":
		return e.fixed(ins, 0x0F, 0x05)
	case "hlt":
		return e.fixed(ins, 0xF4)
	case "ud2":
		return e.fixed(ins, 0x0F, 0x0B)
	case "leave":
		return e.fixed(ins, 0xC9)
	case "cpuid":
		return e.fixed(ins, 0x0F, 0xA2)
	case "pause":
		return e.fixed(ins, 0xF3, 0x90)
	case "int":
		if err := wantOps(ins, 1); err != nil {
			return nil, err
		}
		if ins.ops[0].kind != opImm || ins.ops[0].imm < 0 || ins.ops[0].imm > 0xFF {
			return nil, mc.Errorf(ins.ops[0].col, "int requires an 8-bit immediate")
		}
		return []byte{0xCD, byte(ins.ops[0].imm)}, nil
	case "mov", "movabs":
		return e.encodeMov(ins)
	case "lea":
		return e.encodeLea(ins)
	case "test":
		return e.encodeTest(ins)
	case "push", "pop":
		return e.encodePushPop(ins)
	case "inc", "dec":
		return e.encodeIncDec(ins)
	case "jmp":
		return e.encodeJmp(ins)
	case "call":
		return e.encodeCall(ins)
	case "imul":
		if len(ins.ops) >= 2 {
			return e.encodeImul(ins)
		}
		return e.encodeGroup3(ins)
	}

	if _, ok := aluSubcodes[m]; ok {
		return e.encodeALU(ins)
	}
	if _, ok := shiftSubcodes[m]; ok {
		return e.encodeShift(ins)
	}
	if _, ok := group3Subcodes[m]; ok {
		return e.encodeGroup3(ins)
	}
	if len(m) > 1 && m[0] == 'j' {
		if _, ok := condCodes[m[1:]]; ok {
			return e.encodeJcc(ins)
		}
	}

	return nil, mc.Errorf(1, "unknown instruction %q", m)
}

func (e *encoder) fixed(ins instruction, b ...byte) ([]byte, error) {
	if err := wantOps(ins, 0); err != nil {
		return nil, err
	}
	return b, nil
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

func (e *encoder) encodeMov(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 2); err != nil {
		return nil, err
	}
	dst, src := ins.ops[0], ins.ops[1]

	switch {
	case dst.kind == opReg && src.kind == opReg:
		if dst.reg.size != src.reg.size {
			return nil, mc.Errorf(src.col, "mismatched register widths: %d vs %d", dst.reg.size*8, src.reg.size*8)
		}
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, 0x89, 0x88)},
			reg:      src.reg.code,
			regHigh:  src.reg.high,
			forceRex: dst.reg.size == 1 && src.reg.needsRex,
			rm:       dst,
		})

	case dst.kind == opReg && src.kind == opMem:
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, 0x8B, 0x8A)},
			reg:      dst.reg.code,
			regHigh:  dst.reg.high,
			forceRex: dst.reg.size == 1 && dst.reg.needsRex,
			rm:       src,
		})

	case dst.kind == opMem && src.kind == opReg:
		return buildRM(modrmArgs{
			opSize:   src.reg.size,
			opcode:   []byte{chooseOpcode(src.reg.size, 0x89, 0x88)},
			reg:      src.reg.code,
			regHigh:  src.reg.high,
			forceRex: src.reg.size == 1 && src.reg.needsRex,
			rm:       dst,
		})

	case dst.kind == opReg && src.kind == opImm:
		return encodeMovRegImm(dst.reg, src.imm, ins.mnemonic == "movabs", src.col)

	case dst.kind == opReg && src.kind == opSym:
		v, ok := e.syms.Resolve(src.sym)
		if !ok {
			return nil, mc.Errorf(src.col, "undefined symbol %q", src.sym)
		}
		e.refs = append(e.refs, mc.SymbolRef{Name: src.sym, Col: src.col})
		return encodeMovRegImm(dst.reg, int64(v), ins.mnemonic == "movabs", src.col)
	}

	if dst.kind == opSym {
		return nil, mc.Errorf(dst.col, "invalid operand %q", dst.sym)
	}
	return nil, mc.Errorf(src.col, "unsupported mov operand combination")
}

func encodeMovRegImm(r reg, value int64, wide bool, col int) ([]byte, error) {
	if !wide && !immFits(value, r.size) {
		return nil, mc.Errorf(col, "immediate %d does not fit in %d bits", value, r.size*8)
	}

	var rex rexState
	rex.b = r.high
	rex.force = r.size == 1 && r.needsRex

	out := make([]byte, 0, 10)
	switch {
	case r.size == 1:
		if p := rex.prefix(); p != 0 {
			out = append(out, p)
		}
		return append(out, 0xB0+r.code, byte(value)), nil
	case r.size == 2:
		out = append(out, 0x66)
		if p := rex.prefix(); p != 0 {
			out = append(out, p)
		}
		out = append(out, 0xB8+r.code)
		var imm [2]byte
		binary.LittleEndian.PutUint16(imm[:], uint16(value))
		return append(out, imm[:]...), nil
	case r.size == 4:
		if p := rex.prefix(); p != 0 {
			out = append(out, p)
		}
		out = append(out, 0xB8+r.code)
		return append(out, disp32(int32(value))...), nil
	}

	// 64-bit: sign-extended imm32 form when it fits, otherwise the full
	// movabs form.
	if !wide && value >= math.MinInt32 && value <= math.MaxInt32 {
		rex.w = true
		out = append(out, rex.prefix(), 0xC7, 0xC0|r.code)
		return append(out, disp32(int32(value))...), nil
	}
	rex.w = true
	out = append(out, rex.prefix(), 0xB8+r.code)
	var imm [8]byte
	binary.LittleEndian.PutUint64(imm[:], uint64(value))
	return append(out, imm[:]...), nil
}

func immFits(v int64, size int) bool {
	switch size {
	case 1:
		return v >= math.MinInt8 && v <= math.MaxUint8
	case 2:
		return v >= math.MinInt16 && v <= math.MaxUint16
	case 4:
		return v >= math.MinInt32 && v <= math.MaxUint32
	default:
		return true
	}
}

func (e *encoder) encodeLea(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 2); err != nil {
		return nil, err
	}
	dst, src := ins.ops[0], ins.ops[1]
	if dst.kind != opReg || src.kind != opMem {
		return nil, mc.Errorf(dst.col, "lea requires a register destination and memory source")
	}
	if dst.reg.size == 1 {
		return nil, mc.Errorf(dst.col, "lea destination must be 16-, 32-, or 64-bit")
	}
	return buildRM(modrmArgs{
		opSize:  dst.reg.size,
		opcode:  []byte{0x8D},
		reg:     dst.reg.code,
		regHigh: dst.reg.high,
		rm:      src,
	})
}

func (e *encoder) encodeALU(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 2); err != nil {
		return nil, err
	}
	sub := aluSubcodes[ins.mnemonic]
	dst, src := ins.ops[0], ins.ops[1]

	switch {
	case dst.kind == opReg && src.kind == opReg:
		if dst.reg.size != src.reg.size {
			return nil, mc.Errorf(src.col, "mismatched register widths: %d vs %d", dst.reg.size*8, src.reg.size*8)
		}
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, sub<<3|0x01, sub<<3)},
			reg:      src.reg.code,
			regHigh:  src.reg.high,
			forceRex: dst.reg.size == 1 && src.reg.needsRex,
			rm:       dst,
		})

	case dst.kind == opReg && src.kind == opMem:
		return buildRM(modrmArgs{
			opSize:  dst.reg.size,
			opcode:  []byte{chooseOpcode(dst.reg.size, sub<<3|0x03, sub<<3|0x02)},
			reg:     dst.reg.code,
			regHigh: dst.reg.high,
			rm:      src,
		})

	case dst.kind == opMem && src.kind == opReg:
		return buildRM(modrmArgs{
			opSize:  src.reg.size,
			opcode:  []byte{chooseOpcode(src.reg.size, sub<<3|0x01, sub<<3)},
			reg:     src.reg.code,
			regHigh: src.reg.high,
			rm:      dst,
		})

	case dst.kind == opReg && src.kind == opImm:
		return encodeALURegImm(sub, dst.reg, src.imm, src.col)
	}

	return nil, mc.Errorf(src.col, "unsupported %s operand combination", ins.mnemonic)
}

func encodeALURegImm(sub byte, r reg, value int64, col int) ([]byte, error) {
	if !immFits(value, r.size) {
		return nil, mc.Errorf(col, "immediate %d does not fit in %d bits", value, r.size*8)
	}

	if r.size == 1 {
		return buildRM(modrmArgs{
			opSize:   1,
			opcode:   []byte{0x80},
			reg:      sub,
			forceRex: r.needsRex,
			rm:       operand{kind: opReg, reg: r},
			imm:      []byte{byte(value)},
		})
	}

	// imm8 sign-compressed form when it fits.
	if value >= math.MinInt8 && value <= math.MaxInt8 {
		return buildRM(modrmArgs{
			opSize: r.size,
			opcode: []byte{0x83},
			reg:    sub,
			rm:     operand{kind: opReg, reg: r},
			imm:    []byte{byte(value)},
		})
	}

	var imm []byte
	if r.size == 2 {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(value))
		imm = buf[:]
	} else {
		if value < math.MinInt32 || value > math.MaxInt32 {
			return nil, mc.Errorf(col, "immediate %d does not fit in 32 bits", value)
		}
		imm = disp32(int32(value))
	}
	return buildRM(modrmArgs{
		opSize: r.size,
		opcode: []byte{0x81},
		reg:    sub,
		rm:     operand{kind: opReg, reg: r},
		imm:    imm,
	})
}

func (e *encoder) encodeTest(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 2); err != nil {
		return nil, err
	}
	dst, src := ins.ops[0], ins.ops[1]

	switch {
	case dst.kind == opReg && src.kind == opReg:
		if dst.reg.size != src.reg.size {
			return nil, mc.Errorf(src.col, "mismatched register widths: %d vs %d", dst.reg.size*8, src.reg.size*8)
		}
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, 0x85, 0x84)},
			reg:      src.reg.code,
			regHigh:  src.reg.high,
			forceRex: dst.reg.size == 1 && src.reg.needsRex,
			rm:       dst,
		})
	case dst.kind == opReg && src.kind == opImm:
		if !immFits(src.imm, dst.reg.size) {
			return nil, mc.Errorf(src.col, "immediate %d does not fit in %d bits", src.imm, dst.reg.size*8)
		}
		var imm []byte
		switch dst.reg.size {
		case 1:
			imm = []byte{byte(src.imm)}
		case 2:
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(src.imm))
			imm = buf[:]
		default:
			if src.imm < math.MinInt32 || src.imm > math.MaxInt32 {
				return nil, mc.Errorf(src.col, "immediate %d does not fit in 32 bits", src.imm)
			}
			imm = disp32(int32(src.imm))
		}
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, 0xF7, 0xF6)},
			reg:      0,
			forceRex: dst.reg.size == 1 && dst.reg.needsRex,
			rm:       dst,
			imm:      imm,
		})
	}

	return nil, mc.Errorf(src.col, "unsupported test operand combination")
}

func (e *encoder) encodePushPop(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 1); err != nil {
		return nil, err
	}
	op := ins.ops[0]
	if op.kind != opReg || op.reg.size != 8 {
		return nil, mc.Errorf(op.col, "%s requires a 64-bit register", ins.mnemonic)
	}
	base := byte(0x50)
	if ins.mnemonic == "pop" {
		base = 0x58
	}
	rex := rexState{b: op.reg.high}
	out := make([]byte, 0, 2)
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	return append(out, base+op.reg.code), nil
}

func (e *encoder) encodeIncDec(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 1); err != nil {
		return nil, err
	}
	op := ins.ops[0]
	if op.kind != opReg {
		return nil, mc.Errorf(op.col, "%s requires a register operand", ins.mnemonic)
	}
	sub := byte(0)
	if ins.mnemonic == "dec" {
		sub = 1
	}
	return buildRM(modrmArgs{
		opSize:   op.reg.size,
		opcode:   []byte{chooseOpcode(op.reg.size, 0xFF, 0xFE)},
		reg:      sub,
		forceRex: op.reg.size == 1 && op.reg.needsRex,
		rm:       op,
	})
}

func (e *encoder) encodeGroup3(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 1); err != nil {
		return nil, err
	}
	op := ins.ops[0]
	if op.kind != opReg {
		return nil, mc.Errorf(op.col, "%s requires a register operand", ins.mnemonic)
	}
	return buildRM(modrmArgs{
		opSize:   op.reg.size,
		opcode:   []byte{chooseOpcode(op.reg.size, 0xF7, 0xF6)},
		reg:      group3Subcodes[ins.mnemonic],
		forceRex: op.reg.size == 1 && op.reg.needsRex,
		rm:       op,
	})
}

func (e *encoder) encodeImul(ins instruction) ([]byte, error) {
	dst := ins.ops[0]
	if dst.kind != opReg || dst.reg.size == 1 {
		return nil, mc.Errorf(dst.col, "imul destination must be a 16-, 32-, or 64-bit register")
	}
	src := ins.ops[1]

	if len(ins.ops) == 2 {
		if src.kind != opReg && src.kind != opMem {
			return nil, mc.Errorf(src.col, "imul source must be a register or memory operand")
		}
		if src.kind == opReg && src.reg.size != dst.reg.size {
			return nil, mc.Errorf(src.col, "mismatched register widths: %d vs %d", dst.reg.size*8, src.reg.size*8)
		}
		return buildRM(modrmArgs{
			opSize:  dst.reg.size,
			opcode:  []byte{0x0F, 0xAF},
			reg:     dst.reg.code,
			regHigh: dst.reg.high,
			rm:      src,
		})
	}

	if len(ins.ops) != 3 {
		return nil, wantOps(ins, 3)
	}
	immOp := ins.ops[2]
	if src.kind != opReg || immOp.kind != opImm {
		return nil, mc.Errorf(immOp.col, "imul requires reg, reg, imm operands")
	}
	if src.reg.size != dst.reg.size {
		return nil, mc.Errorf(src.col, "mismatched register widths: %d vs %d", dst.reg.size*8, src.reg.size*8)
	}

	if immOp.imm >= math.MinInt8 && immOp.imm <= math.MaxInt8 {
		return buildRM(modrmArgs{
			opSize:  dst.reg.size,
			opcode:  []byte{0x6B},
			reg:     dst.reg.code,
			regHigh: dst.reg.high,
			rm:      src,
			imm:     []byte{byte(immOp.imm)},
		})
	}
	if immOp.imm < math.MinInt32 || immOp.imm > math.MaxInt32 {
		return nil, mc.Errorf(immOp.col, "immediate %d does not fit in 32 bits", immOp.imm)
	}
	return buildRM(modrmArgs{
		opSize:  dst.reg.size,
		opcode:  []byte{0x69},
		reg:     dst.reg.code,
		regHigh: dst.reg.high,
		rm:      src,
		imm:     disp32(int32(immOp.imm)),
	})
}

func (e *encoder) encodeShift(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 2); err != nil {
		return nil, err
	}
	sub := shiftSubcodes[ins.mnemonic]
	dst, count := ins.ops[0], ins.ops[1]
	if dst.kind != opReg {
		return nil, mc.Errorf(dst.col, "%s requires a register destination", ins.mnemonic)
	}

	if count.kind == opReg {
		if count.reg.name != "cl" {
			return nil, mc.Errorf(count.col, "shift count register must be cl")
		}
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, 0xD3, 0xD2)},
			reg:      sub,
			forceRex: dst.reg.size == 1 && dst.reg.needsRex,
			rm:       dst,
		})
	}
	if count.kind != opImm || count.imm < 0 || count.imm > 255 {
		return nil, mc.Errorf(count.col, "shift count must be an 8-bit immediate or cl")
	}
	if count.imm == 1 {
		return buildRM(modrmArgs{
			opSize:   dst.reg.size,
			opcode:   []byte{chooseOpcode(dst.reg.size, 0xD1, 0xD0)},
			reg:      sub,
			forceRex: dst.reg.size == 1 && dst.reg.needsRex,
			rm:       dst,
		})
	}
	return buildRM(modrmArgs{
		opSize:   dst.reg.size,
		opcode:   []byte{chooseOpcode(dst.reg.size, 0xC1, 0xC0)},
		reg:      sub,
		forceRex: dst.reg.size == 1 && dst.reg.needsRex,
		rm:       dst,
		imm:      []byte{byte(count.imm)},
	})
}

// branchTarget resolves a branch operand to an absolute address.
func (e *encoder) branchTarget(op operand) (uint64, error) {
	switch op.kind {
	case opSym:
		v, ok := e.syms.Resolve(op.sym)
		if !ok {
			return 0, mc.Errorf(op.col, "undefined symbol %q", op.sym)
		}
		e.refs = append(e.refs, mc.SymbolRef{Name: op.sym, Col: op.col})
		return v, nil
	case opImm:
		return uint64(op.imm), nil
	}
	return 0, mc.Errorf(op.col, "branch target must be a label or address")
}

func (e *encoder) encodeJmp(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 1); err != nil {
		return nil, err
	}
	op := ins.ops[0]

	if op.kind == opReg || op.kind == opMem {
		if op.kind == opReg && op.reg.size != 8 {
			return nil, mc.Errorf(op.col, "jmp register target must be 64-bit")
		}
		return buildRM(modrmArgs{opcode: []byte{0xFF}, reg: 4, rm: op})
	}

	target, err := e.branchTarget(op)
	if err != nil {
		return nil, err
	}

	// Shortest encoding that reaches the target; an exact boundary fit
	// stays short.
	if rel, ok := relDisp(e.addr, 2, target, 8); ok {
		return []byte{0xEB, byte(rel)}, nil
	}
	rel, ok := relDisp(e.addr, 5, target, 32)
	if !ok {
		return nil, mc.Errorf(op.col, "branch target out of range")
	}
	out := []byte{0xE9}
	return append(out, disp32(int32(rel))...), nil
}

func (e *encoder) encodeJcc(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 1); err != nil {
		return nil, err
	}
	cc := condCodes[ins.mnemonic[1:]]
	target, err := e.branchTarget(ins.ops[0])
	if err != nil {
		return nil, err
	}

	if rel, ok := relDisp(e.addr, 2, target, 8); ok {
		return []byte{0x70 + cc, byte(rel)}, nil
	}
	rel, ok := relDisp(e.addr, 6, target, 32)
	if !ok {
		return nil, mc.Errorf(ins.ops[0].col, "branch target out of range")
	}
	out := []byte{0x0F, 0x80 + cc}
	return append(out, disp32(int32(rel))...), nil
}

func (e *encoder) encodeCall(ins instruction) ([]byte, error) {
	if err := wantOps(ins, 1); err != nil {
		return nil, err
	}
	op := ins.ops[0]

	if op.kind == opReg || op.kind == opMem {
		if op.kind == opReg && op.reg.size != 8 {
			return nil, mc.Errorf(op.col, "call register target must be 64-bit")
		}
		return buildRM(modrmArgs{opcode: []byte{0xFF}, reg: 2, rm: op})
	}

	target, err := e.branchTarget(op)
	if err != nil {
		return nil, err
	}
	rel, ok := relDisp(e.addr, 5, target, 32)
	if !ok {
		return nil, mc.Errorf(op.col, "call target out of range")
	}
	out := []byte{0xE8}
	return append(out, disp32(int32(rel))...), nil
}

// relDisp computes the signed displacement from the end of an insnLen-byte
// instruction at addr to target, reporting whether it fits in bits.
func relDisp(addr uint64, insnLen int, target uint64, bits int) (int64, bool) {
	rel := int64(target - addr - uint64(insnLen))
	switch bits {
	case 8:
		return rel, rel >= math.MinInt8 && rel <= math.MaxInt8
	default:
		return rel, rel >= math.MinInt32 && rel <= math.MaxInt32
	}
}

func chooseOpcode(size int, wide, narrow byte) byte {
	if size == 1 {
		return narrow
	}
	return wide
}
