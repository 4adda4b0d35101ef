package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/asmkit/internal/mc"
)

func (c *codec) Decode(buf []byte, addr uint64) (mc.Decoded, error) {
	if len(buf) < 4 {
		return mc.Decoded{}, fmt.Errorf("truncated instruction")
	}
	word := binary.LittleEndian.Uint32(buf)
	text, err := c.decodeWord(word, addr)
	if err != nil {
		return mc.Decoded{}, err
	}
	return mc.Decoded{Size: 4, Text: text}, nil
}

func signExtend(v uint32, bits int) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

func (c *codec) decodeWord(word uint32, addr uint64) (string, error) {
	wide := word>>31 == 1
	rd := word & 0x1F
	rn := word >> 5 & 0x1F
	rm := word >> 16 & 0x1F

	target := func(off int64) string {
		return c.style.FormatUint(addr + uint64(off))
	}
	imm := func(v int64) string { return "#" + c.style.FormatImm(v) }

	switch {
	case word == 0xD503201F:
		return "nop", nil
	case word&0xFFE0001F == 0xD4000001:
		return "svc " + imm(int64(word>>5&0xFFFF)), nil
	case word&0xFFE0001F == 0xD4200000:
		return "brk " + imm(int64(word>>5&0xFFFF)), nil
	case word&0xFFFFFC1F == 0xD65F0000:
		if rn == 30 {
			return "ret", nil
		}
		return "ret " + regName(rn, true, false), nil
	case word&0xFFFFFC1F == 0xD61F0000:
		return "br " + regName(rn, true, false), nil
	case word&0xFFFFFC1F == 0xD63F0000:
		return "blr " + regName(rn, true, false), nil
	}

	switch word & 0xFC000000 {
	case 0x14000000:
		return "b " + target(signExtend(word&0x03FFFFFF, 26)<<2), nil
	case 0x94000000:
		return "bl " + target(signExtend(word&0x03FFFFFF, 26)<<2), nil
	}

	if word&0xFF000010 == 0x54000000 {
		cond := condNames[word&0xF]
		return "b." + cond + " " + target(signExtend(word>>5&0x7FFFF, 19)<<2), nil
	}

	if word&0x7F000000 == 0x34000000 || word&0x7F000000 == 0x35000000 {
		name := "cbz"
		if word&0x01000000 != 0 {
			name = "cbnz"
		}
		return fmt.Sprintf("%s %s, %s", name, regName(rd, wide, false),
			target(signExtend(word>>5&0x7FFFF, 19)<<2)), nil
	}

	if word&0x9F000000 == 0x10000000 {
		off := signExtend(word>>5&0x7FFFF<<2|word>>29&3, 21)
		return "adr " + regName(rd, true, false) + ", " + target(off), nil
	}

	// Wide moves; movz and movn print as the mov alias.
	switch word & 0x7F800000 {
	case 0x52800000:
		v := uint64(word>>5&0xFFFF) << (word >> 21 & 3 * 16)
		return fmt.Sprintf("mov %s, %s", regName(rd, wide, false), imm(int64(v))), nil
	case 0x12800000:
		v := ^(uint64(word>>5&0xFFFF) << (word >> 21 & 3 * 16))
		if !wide {
			v &= 0xFFFFFFFF
			return fmt.Sprintf("mov %s, %s", regName(rd, false, false), imm(int64(int32(uint32(v))))), nil
		}
		return fmt.Sprintf("mov %s, %s", regName(rd, true, false), imm(int64(v))), nil
	case 0x72800000:
		hw := word >> 21 & 3
		s := fmt.Sprintf("movk %s, %s", regName(rd, wide, false), imm(int64(word>>5&0xFFFF)))
		if hw != 0 {
			s += ", lsl #" + c.style.FormatImm(int64(hw*16))
		}
		return s, nil
	}

	// Add/subtract immediate.
	if op := word & 0x7F800000; op == 0x11000000 || op == 0x31000000 ||
		op == 0x51000000 || op == 0x71000000 {
		sh := word >> 22 & 1
		imm12 := int64(word >> 10 & 0xFFF)
		setFlags := word&0x20000000 != 0
		sub := word&0x40000000 != 0

		rdName := regName(rd, wide, !setFlags)
		rnName := regName(rn, wide, true)

		if !sub && !setFlags && imm12 == 0 && sh == 0 && (rd == 31 || rn == 31) {
			return fmt.Sprintf("mov %s, %s", rdName, rnName), nil
		}

		var name string
		switch {
		case setFlags && rd == 31:
			if sub {
				name = "cmp"
			} else {
				name = "cmn"
			}
		case sub:
			name = "subs"
			if !setFlags {
				name = "sub"
			}
		default:
			name = "adds"
			if !setFlags {
				name = "add"
			}
		}

		s := name + " "
		if !(setFlags && rd == 31) {
			s += rdName + ", "
		}
		s += rnName + ", " + imm(imm12)
		if sh != 0 {
			s += ", lsl #" + c.style.FormatImm(12)
		}
		return s, nil
	}

	// Add/subtract shifted register (shift amount zero only).
	if op := word & 0x7F20FC00; op == 0x0B000000 || op == 0x2B000000 ||
		op == 0x4B000000 || op == 0x6B000000 {
		setFlags := word&0x20000000 != 0
		sub := word&0x40000000 != 0

		if setFlags && rd == 31 {
			name := "cmn"
			if sub {
				name = "cmp"
			}
			return fmt.Sprintf("%s %s, %s", name,
				regName(rn, wide, false), regName(rm, wide, false)), nil
		}

		var name string
		switch {
		case sub && setFlags:
			name = "subs"
		case sub:
			name = "sub"
		case setFlags:
			name = "adds"
		default:
			name = "add"
		}
		return fmt.Sprintf("%s %s, %s, %s", name,
			regName(rd, wide, false), regName(rn, wide, false), regName(rm, wide, false)), nil
	}

	// Logical shifted register (shift amount zero only).
	switch word & 0x7F20FC00 {
	case 0x0A000000:
		return fmt.Sprintf("and %s, %s, %s",
			regName(rd, wide, false), regName(rn, wide, false), regName(rm, wide, false)), nil
	case 0x2A000000:
		if rn == 31 {
			return fmt.Sprintf("mov %s, %s", regName(rd, wide, false), regName(rm, wide, false)), nil
		}
		return fmt.Sprintf("orr %s, %s, %s",
			regName(rd, wide, false), regName(rn, wide, false), regName(rm, wide, false)), nil
	case 0x4A000000:
		return fmt.Sprintf("eor %s, %s, %s",
			regName(rd, wide, false), regName(rn, wide, false), regName(rm, wide, false)), nil
	case 0x6A000000:
		return fmt.Sprintf("ands %s, %s, %s",
			regName(rd, wide, false), regName(rn, wide, false), regName(rm, wide, false)), nil
	case 0x2A200000:
		if rn == 31 {
			return fmt.Sprintf("mvn %s, %s", regName(rd, wide, false), regName(rm, wide, false)), nil
		}
	}

	// Load/store with unsigned immediate offset.
	if name, scale, ok := loadStoreOp(word); ok {
		rtWide := word>>30 == 3
		off := int64(word>>10&0xFFF) * scale
		mem := "[" + regName(rn, true, true) + "]"
		if off != 0 {
			mem = "[" + regName(rn, true, true) + ", " + imm(off) + "]"
		}
		return fmt.Sprintf("%s %s, %s", name, regName(rd, rtWide, false), mem), nil
	}

	return "", fmt.Errorf("invalid instruction word %#08x", word)
}

func loadStoreOp(word uint32) (string, int64, bool) {
	switch word & 0xFFC00000 {
	case 0xF9400000:
		return "ldr", 8, true
	case 0xF9000000:
		return "str", 8, true
	case 0xB9400000:
		return "ldr", 4, true
	case 0xB9000000:
		return "str", 4, true
	case 0x39400000:
		return "ldrb", 1, true
	case 0x39000000:
		return "strb", 1, true
	}
	return "", 0, false
}
