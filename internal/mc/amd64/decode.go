package amd64

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/asmkit/internal/mc"
)

var errTruncated = errors.New("truncated instruction")

type decoder struct {
	codec *codec
	buf   []byte
	pos   int
	addr  uint64

	rex      byte
	hasRex   bool
	opsize16 bool
	rep      bool
}

func (c *codec) Decode(buf []byte, addr uint64) (mc.Decoded, error) {
	d := &decoder{codec: c, buf: buf, addr: addr}
	text, err := d.decode()
	if err != nil {
		return mc.Decoded{}, err
	}
	return mc.Decoded{Size: d.pos, Text: text}, nil
}

func (d *decoder) u8() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, errTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) u16() (uint16, error) {
	if d.pos+2 > len(d.buf) {
		return 0, errTruncated
	}
	v := uint16(d.buf[d.pos]) | uint16(d.buf[d.pos+1])<<8
	d.pos += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, errTruncated
	}
	v := uint32(d.buf[d.pos]) | uint32(d.buf[d.pos+1])<<8 |
		uint32(d.buf[d.pos+2])<<16 | uint32(d.buf[d.pos+3])<<24
	d.pos += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	lo, err := d.u32()
	if err != nil {
		return 0, err
	}
	hi, err := d.u32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// opSize is the operand size implied by the active prefixes for a
// full-width opcode.
func (d *decoder) opSize() int {
	if d.hasRex && d.rex&0x08 != 0 {
		return 8
	}
	if d.opsize16 {
		return 2
	}
	return 4
}

func (d *decoder) rexBit(mask byte) bool { return d.hasRex && d.rex&mask != 0 }

func (d *decoder) decode() (string, error) {
	for {
		b, err := d.u8()
		if err != nil {
			return "", err
		}
		switch {
		case b == 0x66:
			d.opsize16 = true
			continue
		case b == 0xF3:
			d.rep = true
			continue
		case b >= 0x40 && b <= 0x4F:
			d.rex = b
			d.hasRex = true
			continue
		}
		return d.decodeOpcode(b)
	}
}

func (d *decoder) decodeOpcode(b byte) (string, error) {
	style := d.codec.style

	// Group-1 ALU opcodes 0x00..0x3B follow a regular pattern.
	if b < 0x40 && b&0x04 == 0 && b&0x07 <= 3 {
		mnem := []string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}[b>>3]
		return d.decodeALUForm(mnem, b&3)
	}

	switch {
	case b >= 0x50 && b <= 0x57:
		return "push " + regName(b-0x50, d.rexBit(0x01), 8), nil
	case b >= 0x58 && b <= 0x5F:
		return "pop " + regName(b-0x58, d.rexBit(0x01), 8), nil
	case b >= 0x70 && b <= 0x7F:
		return d.decodeBranchRel("j"+condNames[b-0x70], 1)
	case b >= 0xB0 && b <= 0xB7:
		imm, err := d.u8()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("mov %s, %s", d.decodeRegByte(b-0xB0, 1), style.FormatImm(int64(imm))), nil
	case b >= 0xB8 && b <= 0xBF:
		name := d.decodeRegByte(b-0xB8, d.opSize())
		switch d.opSize() {
		case 8:
			imm, err := d.u64()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("movabs %s, %s", name, style.FormatImm(int64(imm))), nil
		case 2:
			imm, err := d.u16()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("mov %s, %s", name, style.FormatImm(int64(imm))), nil
		default:
			imm, err := d.u32()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("mov %s, %s", name, style.FormatImm(int64(imm))), nil
		}
	}

	switch b {
	case 0x0F:
		return d.decodeTwoByte()
	case 0x80, 0x81, 0x83:
		return d.decodeGroup1(b)
	case 0x84, 0x85:
		size := 1
		if b == 0x85 {
			size = d.opSize()
		}
		regStr, rmStr, err := d.decodeModRM(size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("test %s, %s", rmStr, regStr), nil
	case 0x88, 0x89:
		size := 1
		if b == 0x89 {
			size = d.opSize()
		}
		regStr, rmStr, err := d.decodeModRM(size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("mov %s, %s", rmStr, regStr), nil
	case 0x8A, 0x8B:
		size := 1
		if b == 0x8B {
			size = d.opSize()
		}
		regStr, rmStr, err := d.decodeModRM(size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("mov %s, %s", regStr, rmStr), nil
	case 0x8D:
		regStr, rmStr, err := d.decodeModRM(d.opSize())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("lea %s, %s", regStr, rmStr), nil
	case 0x90:
		if d.rep {
			return "pause", nil
		}
		return "nop", nil
	case 0x69, 0x6B:
		regStr, rmStr, err := d.decodeModRM(d.opSize())
		if err != nil {
			return "", err
		}
		var imm int64
		if b == 0x6B {
			v, err := d.u8()
			if err != nil {
				return "", err
			}
			imm = int64(int8(v))
		} else {
			v, err := d.u32()
			if err != nil {
				return "", err
			}
			imm = int64(int32(v))
		}
		return fmt.Sprintf("imul %s, %s, %s", regStr, rmStr, style.FormatImm(imm)), nil
	case 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3:
		return d.decodeShift(b)
	case 0xC3:
		return "ret", nil
	case 0xC7:
		sub, rmStr, err := d.decodeModRMSub(d.opSize())
		if err != nil {
			return "", err
		}
		if sub != 0 {
			return "", fmt.Errorf("invalid instruction encoding")
		}
		v, err := d.u32()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("mov %s, %s", rmStr, style.FormatImm(int64(int32(v)))), nil
	case 0xC9:
		return "leave", nil
	case 0xCC:
		return "int3", nil
	case 0xCD:
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		return "int " + style.FormatImm(int64(v)), nil
	case 0xE8:
		return d.decodeBranchRel("call", 4)
	case 0xE9:
		return d.decodeBranchRel("jmp", 4)
	case 0xEB:
		return d.decodeBranchRel("jmp", 1)
	case 0xF4:
		return "hlt", nil
	case 0xF6, 0xF7:
		return d.decodeGroup3(b)
	case 0xFE:
		sub, rmStr, err := d.decodeModRMSub(1)
		if err != nil {
			return "", err
		}
		switch sub {
		case 0:
			return "inc " + rmStr, nil
		case 1:
			return "dec " + rmStr, nil
		}
		return "", fmt.Errorf("invalid instruction encoding")
	case 0xFF:
		sub, rmStr, err := d.decodeModRMSub(d.opSize())
		if err != nil {
			return "", err
		}
		switch sub {
		case 0:
			return "inc " + rmStr, nil
		case 1:
			return "dec " + rmStr, nil
		case 2:
			return "call " + rmStr, nil
		case 4:
			return "jmp " + rmStr, nil
		}
		return "", fmt.Errorf("invalid instruction encoding")
	}

	return "", fmt.Errorf("invalid opcode 0x%02x", b)
}

func (d *decoder) decodeTwoByte() (string, error) {
	b, err := d.u8()
	if err != nil {
		return "", err
	}

	if b >= 0x80 && b <= 0x8F {
		return d.decodeBranchRel("j"+condNames[b-0x80], 4)
	}

	switch b {
	case 0x05:
		return "syscall", nil
	case 0x0B:
		return "ud2", nil
	case 0xA2:
		return "cpuid", nil
	case 0xAF:
		regStr, rmStr, err := d.decodeModRM(d.opSize())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("imul %s, %s", regStr, rmStr), nil
	}

	return "", fmt.Errorf("invalid opcode 0x0f 0x%02x", b)
}

func (d *decoder) decodeALUForm(mnem string, form byte) (string, error) {
	size := d.opSize()
	if form == 0 || form == 2 {
		size = 1
	}
	regStr, rmStr, err := d.decodeModRM(size)
	if err != nil {
		return "", err
	}
	if form <= 1 {
		return fmt.Sprintf("%s %s, %s", mnem, rmStr, regStr), nil
	}
	return fmt.Sprintf("%s %s, %s", mnem, regStr, rmStr), nil
}

func (d *decoder) decodeGroup1(b byte) (string, error) {
	size := d.opSize()
	if b == 0x80 {
		size = 1
	}
	sub, rmStr, err := d.decodeModRMSub(size)
	if err != nil {
		return "", err
	}
	mnem := []string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}[sub]

	var imm int64
	switch b {
	case 0x80:
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		imm = int64(int8(v))
	case 0x83:
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		imm = int64(int8(v))
	default:
		if size == 2 {
			v, err := d.u16()
			if err != nil {
				return "", err
			}
			imm = int64(int16(v))
		} else {
			v, err := d.u32()
			if err != nil {
				return "", err
			}
			imm = int64(int32(v))
		}
	}
	return fmt.Sprintf("%s %s, %s", mnem, rmStr, d.codec.style.FormatImm(imm)), nil
}

func (d *decoder) decodeGroup3(b byte) (string, error) {
	size := d.opSize()
	if b == 0xF6 {
		size = 1
	}
	sub, rmStr, err := d.decodeModRMSub(size)
	if err != nil {
		return "", err
	}
	switch sub {
	case 0:
		var imm int64
		if size == 1 {
			v, err := d.u8()
			if err != nil {
				return "", err
			}
			imm = int64(int8(v))
		} else if size == 2 {
			v, err := d.u16()
			if err != nil {
				return "", err
			}
			imm = int64(int16(v))
		} else {
			v, err := d.u32()
			if err != nil {
				return "", err
			}
			imm = int64(int32(v))
		}
		return fmt.Sprintf("test %s, %s", rmStr, d.codec.style.FormatImm(imm)), nil
	case 2:
		return "not " + rmStr, nil
	case 3:
		return "neg " + rmStr, nil
	case 4:
		return "mul " + rmStr, nil
	case 5:
		return "imul " + rmStr, nil
	case 6:
		return "div " + rmStr, nil
	case 7:
		return "idiv " + rmStr, nil
	}
	return "", fmt.Errorf("invalid instruction encoding")
}

func (d *decoder) decodeShift(b byte) (string, error) {
	size := d.opSize()
	if b == 0xC0 || b == 0xD0 || b == 0xD2 {
		size = 1
	}
	sub, rmStr, err := d.decodeModRMSub(size)
	if err != nil {
		return "", err
	}
	var mnem string
	switch sub {
	case 4:
		mnem = "shl"
	case 5:
		mnem = "shr"
	case 7:
		mnem = "sar"
	default:
		return "", fmt.Errorf("invalid instruction encoding")
	}
	switch b {
	case 0xC0, 0xC1:
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s, %s", mnem, rmStr, d.codec.style.FormatImm(int64(v))), nil
	case 0xD0, 0xD1:
		return fmt.Sprintf("%s %s, %s", mnem, rmStr, d.codec.style.FormatImm(1)), nil
	default:
		return fmt.Sprintf("%s %s, cl", mnem, rmStr), nil
	}
}

func (d *decoder) decodeBranchRel(mnem string, immBytes int) (string, error) {
	var rel int64
	if immBytes == 1 {
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		rel = int64(int8(v))
	} else {
		v, err := d.u32()
		if err != nil {
			return "", err
		}
		rel = int64(int32(v))
	}
	target := d.addr + uint64(d.pos) + uint64(rel)
	return mnem + " " + d.codec.style.FormatUint(target), nil
}

// decodeRegByte names a register embedded in the opcode's low bits.
func (d *decoder) decodeRegByte(code byte, size int) string {
	name := regName(code, d.rexBit(0x01), size)
	if size == 1 && !d.hasRex && code >= 4 {
		name = []string{"ah", "ch", "dh", "bh"}[code-4]
	}
	return name
}

// decodeModRM reads a ModRM byte (plus SIB/displacement) and returns the
// reg-field register name and the r/m operand text.
func (d *decoder) decodeModRM(size int) (string, string, error) {
	sub, rmStr, err := d.decodeModRMSub(size)
	if err != nil {
		return "", "", err
	}
	name := regName(sub, d.rexBit(0x04), size)
	if size == 1 && !d.hasRex && sub >= 4 {
		name = []string{"ah", "ch", "dh", "bh"}[sub-4]
	}
	return name, rmStr, nil
}

// decodeModRMSub is decodeModRM for opcodes that use the reg field as a
// sub-opcode; it returns the raw field value instead of a register name.
func (d *decoder) decodeModRMSub(size int) (byte, string, error) {
	modrm, err := d.u8()
	if err != nil {
		return 0, "", err
	}
	mod := modrm >> 6
	sub := (modrm >> 3) & 7
	rm := modrm & 7

	if mod == 3 {
		name := regName(rm, d.rexBit(0x01), size)
		if size == 1 && !d.hasRex && rm >= 4 {
			name = []string{"ah", "ch", "dh", "bh"}[rm-4]
		}
		return sub, name, nil
	}

	var (
		baseStr  string
		indexStr string
		scale    byte = 1
		disp     int64
		hasDisp  bool
		hasBase  bool
	)

	if rm == 4 {
		sib, err := d.u8()
		if err != nil {
			return 0, "", err
		}
		scale = 1 << (sib >> 6)
		indexCode := (sib >> 3) & 7
		baseCode := sib & 7

		if indexCode != 4 || d.rexBit(0x02) {
			indexStr = regName(indexCode, d.rexBit(0x02), 8)
		}
		if baseCode == 5 && mod == 0 {
			v, err := d.u32()
			if err != nil {
				return 0, "", err
			}
			disp = int64(int32(v))
			hasDisp = true
		} else {
			baseStr = regName(baseCode, d.rexBit(0x01), 8)
			hasBase = true
		}
	} else if rm == 5 && mod == 0 {
		// RIP-relative addressing is not part of this codec's subset.
		return 0, "", fmt.Errorf("unsupported rip-relative operand")
	} else {
		baseStr = regName(rm, d.rexBit(0x01), 8)
		hasBase = true
	}

	switch mod {
	case 1:
		v, err := d.u8()
		if err != nil {
			return 0, "", err
		}
		disp = int64(int8(v))
		hasDisp = true
	case 2:
		v, err := d.u32()
		if err != nil {
			return 0, "", err
		}
		disp = int64(int32(v))
		hasDisp = true
	}

	var sb strings.Builder
	sb.WriteByte('[')
	wrote := false
	if hasBase {
		sb.WriteString(baseStr)
		wrote = true
	}
	if indexStr != "" {
		if wrote {
			sb.WriteByte('+')
		}
		sb.WriteString(indexStr)
		if scale != 1 {
			sb.WriteByte('*')
			sb.WriteString(strconv.Itoa(int(scale)))
		}
		wrote = true
	}
	if (hasDisp && disp != 0) || !wrote {
		if wrote {
			if disp < 0 {
				sb.WriteByte('-')
				sb.WriteString(d.codec.style.FormatUint(uint64(-disp)))
			} else {
				sb.WriteByte('+')
				sb.WriteString(d.codec.style.FormatUint(uint64(disp)))
			}
		} else {
			sb.WriteString(d.codec.style.FormatImm(disp))
		}
	}
	sb.WriteByte(']')
	return sub, sb.String(), nil
}
