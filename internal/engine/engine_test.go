package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/tinyrange/asmkit/internal/mc"
)

// fakeCodec is a tiny two-instruction architecture: "nop" is one byte, and
// "jmp name" is two bytes when the target is within ±127 of the next
// instruction and five bytes otherwise. That is enough relaxation behavior
// to exercise the fixed-point loop.
type fakeCodec struct {
	encode func(stmt mc.Statement, addr uint64, syms mc.SymbolResolver) (mc.Encoded, error)
	decode func(buf []byte, addr uint64) (mc.Decoded, error)
}

func (f *fakeCodec) Arch() string { return "fake" }

func (f *fakeCodec) MaxSize() int { return 5 }

func (f *fakeCodec) Encode(stmt mc.Statement, addr uint64, syms mc.SymbolResolver) (mc.Encoded, error) {
	return f.encode(stmt, addr, syms)
}

func (f *fakeCodec) Decode(buf []byte, addr uint64) (mc.Decoded, error) {
	return f.decode(buf, addr)
}

func relaxEncode(stmt mc.Statement, addr uint64, syms mc.SymbolResolver) (mc.Encoded, error) {
	fields := strings.Fields(stmt.Text)
	switch fields[0] {
	case "nop":
		return mc.Encoded{Bytes: []byte{0x90}, Text: "nop"}, nil
	case "jmp":
		name := fields[1]
		col := strings.Index(stmt.Text, name) + 1
		target, ok := syms.Resolve(name)
		if !ok {
			return mc.Encoded{}, mc.Errorf(col, "undefined symbol %q", name)
		}
		ref := mc.SymbolRef{Name: name, Col: col}
		rel := int64(target - addr - 2)
		if rel >= math.MinInt8 && rel <= math.MaxInt8 {
			return mc.Encoded{
				Bytes: []byte{0xEB, byte(rel)},
				Text:  "jmp " + name,
				Refs:  []mc.SymbolRef{ref},
			}, nil
		}
		return mc.Encoded{
			Bytes: []byte{0xE9, 0, 0, 0, 0},
			Text:  "jmp " + name,
			Refs:  []mc.SymbolRef{ref},
		}, nil
	}
	return mc.Encoded{}, mc.Errorf(1, "unknown instruction %q", fields[0])
}

func fakeEngine(c mc.Codec) *Engine {
	return &Engine{
		triple: "fake",
		arch:   "fake",
		codec:  c,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAssembleFixedPoint(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})

	// Forward jump over one nop relaxes to the short form.
	got, err := e.Assemble("jmp end\nnop\nend:", 0x1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xEB, 0x01, 0x90}
	if string(got) != string(want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}
}

func TestAssembleCallerLabels(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})

	// A caller label close to the base address still allows the short form.
	got, err := e.Assemble("jmp near", 0x1000, map[string]uint64{"near": 0x1010})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("near jump encoded as %d bytes, want 2", len(got))
	}

	// A distant caller label forces the long form.
	got, err = e.Assemble("jmp far", 0x1000, map[string]uint64{"far": 0x10000})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("far jump encoded as %d bytes, want 5", len(got))
	}
}

func TestAssembleInstructionRecords(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})

	insns, err := e.AssembleInstructions("nop\nstart: nop; jmp start", 0x2000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(insns) != 3 {
		t.Fatalf("got %d instructions, want 3", len(insns))
	}
	wantAddrs := []uint64{0x2000, 0x2001, 0x2002}
	for i, insn := range insns {
		if insn.Address != wantAddrs[i] {
			t.Errorf("insn %d address = %#x, want %#x", i, insn.Address, wantAddrs[i])
		}
	}
	if insns[2].Assembly != "jmp start" {
		t.Errorf("insn 2 text = %q", insns[2].Assembly)
	}
}

func TestAssembleEmptyInput(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})
	got, err := e.Assemble("", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Assemble(\"\") = % x, want empty", got)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})
	src := "jmp b\na: nop\njmp a\nb: nop"
	first, err := e.Assemble(src, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := e.Assemble(src, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != string(first) {
			t.Fatalf("run %d produced % x, first run % x", i, again, first)
		}
	}
}

func TestUndefinedLabel(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})
	_, err := e.Assemble("nop\njmp nowhere", 0, nil)
	if err == nil {
		t.Fatal("assembly with undefined label succeeded")
	}
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("error type %T, want *AssemblyError", err)
	}
	if aerr.Diag == nil {
		t.Fatal("no diagnostic attached")
	}
	if aerr.Diag.Line != 2 || aerr.Diag.Col != 5 {
		t.Errorf("diagnostic at %d:%d, want 2:5", aerr.Diag.Line, aerr.Diag.Col)
	}
	if !strings.Contains(err.Error(), "undefined symbol") {
		t.Errorf("error %q does not name the undefined symbol", err)
	}
	if !strings.Contains(err.Error(), "Error during assembly:") {
		t.Errorf("error %q missing assembly prefix", err)
	}
}

func TestDuplicateLabels(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})

	if _, err := e.Assemble("x: nop\nx: nop", 0, nil); err == nil {
		t.Error("duplicate inline label accepted")
	}
	if _, err := e.Assemble("x: nop", 0, map[string]uint64{"x": 8}); err == nil {
		t.Error("inline label shadowing a caller label accepted")
	}
}

func TestSyntaxErrorDiagnostic(t *testing.T) {
	e := fakeEngine(&fakeCodec{encode: relaxEncode})
	_, err := e.Assemble("nop\n  bogus x", 0, nil)
	if err == nil {
		t.Fatal("bogus instruction accepted")
	}
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("error type %T, want *AssemblyError", err)
	}
	rendered := aerr.Error()
	// The rendered diagnostic echoes the source line with a caret under
	// the offending column.
	if !strings.Contains(rendered, "  bogus x\n  ^") {
		t.Errorf("rendered diagnostic missing caret line:\n%s", rendered)
	}
}

// oscillating never produces the same size on consecutive passes, so the
// layout cannot converge.
func TestResolutionError(t *testing.T) {
	n := 0
	osc := &fakeCodec{
		encode: func(stmt mc.Statement, addr uint64, syms mc.SymbolResolver) (mc.Encoded, error) {
			if strings.HasPrefix(stmt.Text, "jmp") {
				syms.Resolve("end")
				n++
				return mc.Encoded{
					Bytes: make([]byte, 1+n%2),
					Text:  stmt.Text,
					Refs:  []mc.SymbolRef{{Name: "end", Col: 5}},
				}, nil
			}
			return mc.Encoded{Bytes: []byte{0x90}, Text: "nop"}, nil
		},
	}
	e := fakeEngine(osc)
	_, err := e.Assemble("jmp end\nend: nop", 0, nil)
	var rerr *ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v (%T), want *ResolutionError", err, err)
	}
	if rerr.Passes < 8 {
		t.Errorf("Passes = %d, want at least 8", rerr.Passes)
	}
}

func TestPlaceholderLayout(t *testing.T) {
	base := uint64(0x400000)
	ph := newPlaceholders(base, 4)

	if got := ph.bind("a", 0); got != base {
		t.Errorf("bind(a, 0) = %#x, want %#x", got, base)
	}
	if got := ph.bind("b", 3); got != base+12 {
		t.Errorf("bind(b, 3) = %#x, want %#x", got, base+12)
	}

	// Rebinding an assigned name keeps the original address.
	if got := ph.bind("a", 7); got != base {
		t.Errorf("rebind of a = %#x, want %#x", got, base)
	}
	if len(ph.addresses()) != 2 {
		t.Errorf("addresses() has %d entries, want 2", len(ph.addresses()))
	}
}

// Provisional label addresses must stay within reach of short-range
// branches: a codec with a tight displacement limit still has to encode a
// forward reference on the first pass.
func TestAssembleShortReachBranch(t *testing.T) {
	shortEncode := func(stmt mc.Statement, addr uint64, syms mc.SymbolResolver) (mc.Encoded, error) {
		fields := strings.Fields(stmt.Text)
		switch fields[0] {
		case "nop":
			return mc.Encoded{Bytes: []byte{0, 0, 0, 0}, Text: "nop"}, nil
		case "beq":
			name := fields[1]
			col := strings.Index(stmt.Text, name) + 1
			target, ok := syms.Resolve(name)
			if !ok {
				return mc.Encoded{}, mc.Errorf(col, "undefined symbol %q", name)
			}
			rel := int64(target - addr)
			if rel < -128 || rel > 127 {
				return mc.Encoded{}, mc.Errorf(col, "branch target out of range")
			}
			return mc.Encoded{
				Bytes: []byte{1, byte(rel), 0, 0},
				Text:  "beq " + name,
				Refs:  []mc.SymbolRef{{Name: name, Col: col}},
			}, nil
		}
		return mc.Encoded{}, mc.Errorf(1, "unknown instruction %q", fields[0])
	}
	e := fakeEngine(&fakeCodec{encode: shortEncode})

	got, err := e.Assemble("beq done\nnop\ndone: nop", 0x1000, nil)
	if err != nil {
		t.Fatalf("short-reach forward branch failed: %v", err)
	}
	if len(got) != 12 {
		t.Errorf("Assemble produced %d bytes, want 12", len(got))
	}
	if got[1] != 8 {
		t.Errorf("branch displacement = %d, want 8", got[1])
	}
}

func TestDisassemble(t *testing.T) {
	// One-byte instructions, each printed as its value.
	byteDecode := func(buf []byte, addr uint64) (mc.Decoded, error) {
		if buf[0] == 0xFF {
			return mc.Decoded{}, fmt.Errorf("invalid opcode 0xff")
		}
		return mc.Decoded{Size: 1, Text: fmt.Sprintf("op%d", buf[0])}, nil
	}
	e := fakeEngine(&fakeCodec{decode: byteDecode})

	text, err := e.Disassemble([]byte{1, 2, 3}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if text != "op1\nop2\nop3\n" {
		t.Errorf("Disassemble = %q", text)
	}

	// count limits the number of decoded instructions.
	insns, err := e.DisassembleInstructions([]byte{1, 2, 3}, 0x100, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(insns) != 2 {
		t.Fatalf("count=2 decoded %d instructions", len(insns))
	}
	if insns[1].Address != 0x101 {
		t.Errorf("insn 1 address = %#x, want 0x101", insns[1].Address)
	}

	// Empty input is empty output.
	insns, err = e.DisassembleInstructions(nil, 0, 0)
	if err != nil || insns != nil {
		t.Errorf("empty input gave %v, %v", insns, err)
	}
}

func TestDisassemblyError(t *testing.T) {
	byteDecode := func(buf []byte, addr uint64) (mc.Decoded, error) {
		if buf[0] == 0xFF {
			return mc.Decoded{}, fmt.Errorf("invalid opcode 0xff")
		}
		return mc.Decoded{Size: 1, Text: "op"}, nil
	}
	e := fakeEngine(&fakeCodec{decode: byteDecode})

	_, err := e.Disassemble([]byte{1, 1, 0xFF}, 0x1000, 0)
	var derr *DisassemblyError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v (%T), want *DisassemblyError", err, err)
	}
	if derr.Pos != 2 || derr.Address != 0x1002 {
		t.Errorf("error at pos %d addr %#x, want 2 / 0x1002", derr.Pos, derr.Address)
	}
	want := "Could not disassemble at position 2 / address 1002 (= invalid opcode 0xff )"
	if derr.Error() != want {
		t.Errorf("Error() = %q, want %q", derr.Error(), want)
	}
}

func TestNewRejectsBadTriple(t *testing.T) {
	_, err := New("m68k-linux-gnu")
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v (%T), want *ConfigError", err, err)
	}
	if cerr.Msg != "Invalid architecture / LLVM target triple" {
		t.Errorf("Msg = %q", cerr.Msg)
	}
}
