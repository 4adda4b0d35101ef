package riscv

import (
	"encoding/hex"
	"testing"

	"github.com/tinyrange/asmkit/internal/mc"
)

type symtab map[string]uint64

func (s symtab) Resolve(name string) (uint64, bool) {
	v, ok := s[name]
	return v, ok
}

func testCodec(t *testing.T, style mc.ImmediateStyle, features string) *codec {
	t.Helper()
	feats, err := mc.ParseFeatures(features)
	if err != nil {
		t.Fatalf("ParseFeatures(%q): %v", features, err)
	}
	c, err := newCodec(mc.Config{Triple: "riscv64-linux-gnu", Style: style, Features: feats})
	if err != nil {
		t.Fatalf("newCodec: %v", err)
	}
	return c
}

func encodeOne(t *testing.T, c *codec, text string, addr uint64, syms symtab) mc.Encoded {
	t.Helper()
	enc, err := c.Encode(mc.Statement{Text: text, Line: 1, Col: 1, Source: text}, addr, syms)
	if err != nil {
		t.Fatalf("Encode(%q): %v", text, err)
	}
	return enc
}

func TestEncode(t *testing.T) {
	tests := []struct {
		text string
		want string // little-endian instruction bytes
	}{
		{"nop", "13000000"},
		{"addi a0, a1, 16", "13850501"},
		{"mv a0, a1", "13850500"},
		{"li a0, 1", "13051000"},
		{"add a0, a1, a2", "3385c500"},
		{"sub a0, a1, a2", "3385c540"},
		{"neg a0, a1", "3305b040"},
		{"seqz a0, a1", "13b51500"},
		{"slli a0, a1, 2", "13952500"},
		{"srai a0, a1, 3", "13d53540"},
		{"lui a0, 0x12345", "37553412"},
		{"ld a0, 8(sp)", "03358100"},
		{"sd a0, 8(sp)", "2334a100"},
		{"ecall", "73000000"},
		{"ebreak", "73001000"},
		{"ret", "67800000"},
		{"jr a0", "67000500"},
		{"mul a0, a1, a2", "3385c502"},

		// x-numbered registers are accepted and canonicalize to ABI names.
		{"addi x10, x11, 16", "13850501"},
	}

	c := testCodec(t, mc.Decimal, "")
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			enc := encodeOne(t, c, tt.text, 0, nil)
			if got := hex.EncodeToString(enc.Bytes); got != tt.want {
				t.Errorf("Encode(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestEncodeBranches(t *testing.T) {
	c := testCodec(t, mc.Decimal, "")

	tests := []struct {
		text string
		addr uint64
		syms symtab
		want string
	}{
		{"beq a0, a1, label", 0, symtab{"label": 8}, "6304b500"},
		{"bnez a0, label", 0, symtab{"label": 8}, "63140500"},
		{"jal label", 0, symtab{"label": 16}, "ef000001"},
		{"j label", 0, symtab{"label": 8}, "6f008000"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			enc := encodeOne(t, c, tt.text, tt.addr, tt.syms)
			if got := hex.EncodeToString(enc.Bytes); got != tt.want {
				t.Errorf("Encode(%q) = %s, want %s", tt.text, got, tt.want)
			}
			if len(enc.Refs) != 1 || enc.Refs[0].Name != "label" {
				t.Errorf("Refs = %+v, want one ref to label", enc.Refs)
			}
		})
	}
}

func TestBranchRange(t *testing.T) {
	c := testCodec(t, mc.Decimal, "")

	// Conditional branches reach ±4KiB.
	if _, err := c.Encode(mc.Statement{Text: "beq a0, a1, far", Source: "beq a0, a1, far", Line: 1, Col: 1},
		0, symtab{"far": 1 << 13}); err == nil {
		t.Error("beq to 8KiB succeeded, want range error")
	}
	// jal reaches ±1MiB.
	if _, err := c.Encode(mc.Statement{Text: "jal far", Source: "jal far", Line: 1, Col: 1},
		0, symtab{"far": 1 << 13}); err != nil {
		t.Errorf("jal to 8KiB failed: %v", err)
	}
	if _, err := c.Encode(mc.Statement{Text: "jal far", Source: "jal far", Line: 1, Col: 1},
		0, symtab{"far": 1 << 21}); err == nil {
		t.Error("jal to 2MiB succeeded, want range error")
	}
}

func TestMExtensionGating(t *testing.T) {
	noM := testCodec(t, mc.Decimal, "-m")
	if _, err := noM.Encode(mc.Statement{Text: "mul a0, a1, a2", Source: "mul a0, a1, a2", Line: 1, Col: 1}, 0, nil); err == nil {
		t.Error("mul encoded without the m extension, want error")
	}
	if _, err := noM.Encode(mc.Statement{Text: "add a0, a1, a2", Source: "add a0, a1, a2", Line: 1, Col: 1}, 0, nil); err != nil {
		t.Errorf("add failed without the m extension: %v", err)
	}
	mulWord := []byte{0x33, 0x85, 0xc5, 0x02}
	if _, err := noM.Decode(mulWord, 0); err == nil {
		t.Error("mul decoded without the m extension, want error")
	}

	withM := testCodec(t, mc.Decimal, "+m")
	if _, err := withM.Decode(mulWord, 0); err != nil {
		t.Errorf("mul failed to decode with the m extension: %v", err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		bytes string
		want  string
	}{
		{"13000000", "nop"},
		{"13850501", "addi a0, a1, 16"},
		{"13850500", "mv a0, a1"},
		{"13051000", "li a0, 1"},
		{"3385c500", "add a0, a1, a2"},
		{"3385c540", "sub a0, a1, a2"},
		{"3305b040", "neg a0, a1"},
		{"13b51500", "seqz a0, a1"},
		{"13952500", "slli a0, a1, 2"},
		{"13d53540", "srai a0, a1, 3"},
		{"03358100", "ld a0, 8(sp)"},
		{"2334a100", "sd a0, 8(sp)"},
		{"73000000", "ecall"},
		{"67800000", "ret"},
		{"67000500", "jr a0"},
		{"3385c502", "mul a0, a1, a2"},
	}

	c := testCodec(t, mc.Decimal, "")
	for _, tt := range tests {
		buf, err := hex.DecodeString(tt.bytes)
		if err != nil {
			t.Fatalf("bad test bytes %q: %v", tt.bytes, err)
		}
		dec, err := c.Decode(buf, 0)
		if err != nil {
			t.Errorf("Decode(%s): %v", tt.bytes, err)
			continue
		}
		if dec.Text != tt.want {
			t.Errorf("Decode(%s) = %q, want %q", tt.bytes, dec.Text, tt.want)
		}
	}
}

func TestDecodeBranchTargets(t *testing.T) {
	c := testCodec(t, mc.HexPrefix, "")

	dec, err := c.Decode([]byte{0x63, 0x04, 0xb5, 0x00}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Text != "beq a0, a1, 0x1008" {
		t.Errorf("Decode(beq) = %q, want %q", dec.Text, "beq a0, a1, 0x1008")
	}

	dec, err = c.Decode([]byte{0x6f, 0x00, 0x80, 0x00}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Text != "j 0x1008" {
		t.Errorf("Decode(j) = %q, want %q", dec.Text, "j 0x1008")
	}
}

func TestDecodeErrors(t *testing.T) {
	c := testCodec(t, mc.Decimal, "")
	if _, err := c.Decode([]byte{0x13, 0x00}, 0); err == nil {
		t.Error("short buffer decoded, want error")
	}
	if _, err := c.Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0); err == nil {
		t.Error("invalid word decoded, want error")
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"addi a0, a1, 16",
		"add a0, a1, a2",
		"ld a0, 8(sp)",
		"sd a0, 8(sp)",
		"slli a0, a1, 2",
		"mv a0, a1",
		"ret",
	}
	c := testCodec(t, mc.Decimal, "")
	for _, text := range inputs {
		enc := encodeOne(t, c, text, 0, nil)
		dec, err := c.Decode(enc.Bytes, 0)
		if err != nil {
			t.Errorf("Decode(%q bytes): %v", text, err)
			continue
		}
		reenc := encodeOne(t, c, dec.Text, 0, nil)
		if hex.EncodeToString(reenc.Bytes) != hex.EncodeToString(enc.Bytes) {
			t.Errorf("%q: reassembly of %q gave % x, want % x", text, dec.Text, reenc.Bytes, enc.Bytes)
		}
	}
}
