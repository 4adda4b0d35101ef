package riscv

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
	opcode := word & 0x7F
	rd := word >> 7 & 0x1F
	f3 := word >> 12 & 7
	rs1 := word >> 15 & 0x1F
	rs2 := word >> 20 & 0x1F
	funct7 := word >> 25

	reg := func(n uint32) string { return abiNames[n] }
	imm := func(v int64) string { return c.style.FormatImm(v) }

	switch opcode {
	case opOpImm:
		iimm := signExtend(word>>20, 12)
		switch f3 {
		case 0:
			switch {
			case rd == 0 && rs1 == 0 && iimm == 0:
				return "nop", nil
			case rs1 == 0:
				return fmt.Sprintf("li %s, %s", reg(rd), imm(iimm)), nil
			case iimm == 0:
				return fmt.Sprintf("mv %s, %s", reg(rd), reg(rs1)), nil
			}
			return fmt.Sprintf("addi %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		case 1:
			if funct7&^1 != 0 {
				break
			}
			return fmt.Sprintf("slli %s, %s, %s", reg(rd), reg(rs1), imm(int64(word>>20&0x3F))), nil
		case 2:
			return fmt.Sprintf("slti %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		case 3:
			if iimm == 1 {
				return fmt.Sprintf("seqz %s, %s", reg(rd), reg(rs1)), nil
			}
			return fmt.Sprintf("sltiu %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		case 4:
			if iimm == -1 {
				return fmt.Sprintf("not %s, %s", reg(rd), reg(rs1)), nil
			}
			return fmt.Sprintf("xori %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		case 5:
			shamt := int64(word >> 20 & 0x3F)
			switch funct7 &^ 1 {
			case 0x00:
				return fmt.Sprintf("srli %s, %s, %s", reg(rd), reg(rs1), imm(shamt)), nil
			case 0x20:
				return fmt.Sprintf("srai %s, %s, %s", reg(rd), reg(rs1), imm(shamt)), nil
			}
		case 6:
			return fmt.Sprintf("ori %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		case 7:
			return fmt.Sprintf("andi %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		}

	case opOpImm32:
		iimm := signExtend(word>>20, 12)
		switch {
		case f3 == 0:
			return fmt.Sprintf("addiw %s, %s, %s", reg(rd), reg(rs1), imm(iimm)), nil
		case f3 == 1 && funct7 == 0:
			return fmt.Sprintf("slliw %s, %s, %s", reg(rd), reg(rs1), imm(int64(rs2))), nil
		case f3 == 5 && funct7 == 0:
			return fmt.Sprintf("srliw %s, %s, %s", reg(rd), reg(rs1), imm(int64(rs2))), nil
		case f3 == 5 && funct7 == 0x20:
			return fmt.Sprintf("sraiw %s, %s, %s", reg(rd), reg(rs1), imm(int64(rs2))), nil
		}

	case opOp, opOp32:
		for name, op := range rOps {
			if op.opcode == opcode && op.f3 == f3 && op.funct7 == funct7 {
				if op.needsM && !c.hasM {
					return "", fmt.Errorf("invalid instruction word %#08x", word)
				}
				switch {
				case name == "sub" && rs1 == 0:
					return fmt.Sprintf("neg %s, %s", reg(rd), reg(rs2)), nil
				case name == "sltu" && rs1 == 0:
					return fmt.Sprintf("snez %s, %s", reg(rd), reg(rs2)), nil
				}
				return fmt.Sprintf("%s %s, %s, %s", name, reg(rd), reg(rs1), reg(rs2)), nil
			}
		}

	case opLoad:
		for name, lf3 := range loadF3 {
			if lf3 == f3 {
				off := signExtend(word>>20, 12)
				return fmt.Sprintf("%s %s, %s(%s)", name, reg(rd), imm(off), reg(rs1)), nil
			}
		}

	case opStore:
		for name, sf3 := range storeF3 {
			if sf3 == f3 {
				off := signExtend(funct7<<5|rd, 12)
				return fmt.Sprintf("%s %s, %s(%s)", name, reg(rs2), imm(off), reg(rs1)), nil
			}
		}

	case opBranch:
		for name, bf3 := range branchF3 {
			if bf3 == f3 {
				off := signExtend(word>>31<<12|word>>7&1<<11|word>>25&0x3F<<5|word>>8&0xF<<1, 13)
				target := c.style.FormatUint(addr + uint64(off))
				if rs2 == 0 && name == "beq" {
					return "beqz " + reg(rs1) + ", " + target, nil
				}
				if rs2 == 0 && name == "bne" {
					return "bnez " + reg(rs1) + ", " + target, nil
				}
				return fmt.Sprintf("%s %s, %s, %s", name, reg(rs1), reg(rs2), target), nil
			}
		}

	case opJal:
		off := signExtend(word>>31<<20|word>>12&0xFF<<12|word>>20&1<<11|word>>21&0x3FF<<1, 21)
		target := c.style.FormatUint(addr + uint64(off))
		switch rd {
		case 0:
			return "j " + target, nil
		case 1:
			return "jal " + target, nil
		}
		return fmt.Sprintf("jal %s, %s", reg(rd), target), nil

	case opJalr:
		if f3 == 0 {
			iimm := signExtend(word>>20, 12)
			switch {
			case rd == 0 && rs1 == 1 && iimm == 0:
				return "ret", nil
			case rd == 0 && iimm == 0:
				return "jr " + reg(rs1), nil
			case rd == 1 && iimm == 0:
				return "jalr " + reg(rs1), nil
			}
			return fmt.Sprintf("jalr %s, %s(%s)", reg(rd), imm(iimm), reg(rs1)), nil
		}

	case opLui:
		return fmt.Sprintf("lui %s, %s", reg(rd), imm(int64(word>>12))), nil

	case opAuipc:
		return fmt.Sprintf("auipc %s, %s", reg(rd), imm(int64(word>>12))), nil

	case opSystem:
		switch word {
		case 0x00000073:
			return "ecall", nil
		case 0x00100073:
			return "ebreak", nil
		}
	}

	return "", fmt.Errorf("invalid instruction word %#08x", word)
}
