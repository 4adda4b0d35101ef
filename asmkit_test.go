package asmkit

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newEngine(t *testing.T, triple string, opts ...Option) *Engine {
	t.Helper()
	e, err := New(triple, opts...)
	if err != nil {
		t.Fatalf("New(%q): %v", triple, err)
	}
	return e
}

func TestAssembleSimple(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	got, err := e.Assemble("mov rax, rax", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x48, 0x89, 0xC0}) {
		t.Errorf("Assemble = % x, want 48 89 c0", got)
	}
}

func TestDisassembleSimple(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	got, err := e.Disassemble([]byte{0x48, 0x89, 0xC0}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "mov rax, rax\n" {
		t.Errorf("Disassemble = %q, want %q", got, "mov rax, rax\n")
	}
}

func TestAssembleInlineLabel(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	got, err := e.Assemble("jmp .label\nnop\n.label:", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xEB, 0x01, 0x90}) {
		t.Errorf("Assemble = % x, want eb 01 90", got)
	}
}

func TestAssembleCallerLabel(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	got, err := e.Assemble("jmp .label", 0, map[string]uint64{".label": 0x1000})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}) {
		t.Errorf("Assemble = % x, want e9 fb 0f 00 00", got)
	}
}

func TestDisassembleSequence(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	insns, err := e.DisassembleInstructions([]byte{0x48, 0x01, 0xD8, 0x48, 0x31, 0xC0}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(insns) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insns))
	}
	if insns[0].Assembly != "add rax, rbx" {
		t.Errorf("insn 0 = %q, want %q", insns[0].Assembly, "add rax, rbx")
	}
	if insns[1].Assembly != "xor rax, rax" {
		t.Errorf("insn 1 = %q, want %q", insns[1].Assembly, "xor rax, rax")
	}
	if insns[1].Address != 3 {
		t.Errorf("insn 1 address = %#x, want 3", insns[1].Address)
	}
}

func TestAssembleBadRegister(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	_, err := e.Assemble("mov r20, r20", 0, nil)
	if err == nil {
		t.Fatal("mov r20, r20 assembled")
	}
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("error type %T, want *AssemblyError", err)
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "Error during assembly: error: ") {
		t.Errorf("error %q missing prefix", msg)
	}
	// The diagnostic echoes the line and points a caret at the operand.
	if !strings.Contains(msg, "mov r20, r20\n    ^") {
		t.Errorf("error missing caret diagnostic:\n%s", msg)
	}
}

func TestAssembleDeterministic(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	src := "start:\nxor rax, rax\ninc rax\ncmp rax, 10\njne start\nret"
	first, err := e.Assemble(src, 0x400000, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := e.Assemble(src, 0x400000, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("run %d: % x != % x", i, again, first)
		}
	}
}

func TestStyleIsolation(t *testing.T) {
	dec := newEngine(t, "x86_64-linux-gnu")
	hex := newEngine(t, "x86_64-linux-gnu", WithImmediateStyle(HexPrefix))

	code := []byte{0x48, 0xC7, 0xC0, 0xFF, 0x00, 0x00, 0x00} // mov rax, 255

	d1, err := dec.Disassemble(code, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := hex.Disassemble(code, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := dec.Disassemble(code, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if d1 != "mov rax, 255\n" || d2 != d1 {
		t.Errorf("decimal engine produced %q then %q", d1, d2)
	}
	if h1 != "mov rax, 0xff\n" {
		t.Errorf("hex engine produced %q", h1)
	}
}

func TestHexSuffixStyle(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu", WithImmediateStyle(HexSuffix))
	got, err := e.Disassemble([]byte{0x48, 0xC7, 0xC0, 0xFF, 0x00, 0x00, 0x00}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "mov rax, 0ffh\n" {
		t.Errorf("Disassemble = %q, want %q", got, "mov rax, 0ffh\n")
	}
}

func TestDisassembleCount(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	code := []byte{0x90, 0x90, 0x90, 0x90}

	insns, err := e.DisassembleInstructions(code, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(insns) != 2 {
		t.Errorf("count=2 decoded %d instructions", len(insns))
	}

	// count larger than the buffer decodes what is there.
	insns, err = e.DisassembleInstructions(code, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(insns) != 4 {
		t.Errorf("count=100 decoded %d instructions", len(insns))
	}
}

func TestRoundTrip(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	src := "push rbp\nmov rbp, rsp\nxor rax, rax\npop rbp\nret"

	code, err := e.Assemble(src, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	text, err := e.Disassemble(code, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	again, err := e.Assemble(strings.TrimSuffix(text, "\n"), 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(code, again) {
		t.Errorf("round trip: % x != % x", again, code)
	}
}

func TestAArch64(t *testing.T) {
	e := newEngine(t, "aarch64-linux-gnu")
	got, err := e.Assemble("mov x0, x1\nret", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xE0, 0x03, 0x01, 0xAA, 0xC0, 0x03, 0x5F, 0xD6}
	if !bytes.Equal(got, want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}

	text, err := e.Disassemble(want, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if text != "mov x0, x1\nret\n" {
		t.Errorf("Disassemble = %q", text)
	}
}

func TestAArch64Branch(t *testing.T) {
	e := newEngine(t, "arm64-apple-darwin")
	got, err := e.Assemble("cbz x0, done\nnop\ndone: ret", 0x1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	// cbz forward by 8 bytes, nop, ret.
	want := []byte{0x40, 0x00, 0x00, 0xB4, 0x1F, 0x20, 0x03, 0xD5, 0xC0, 0x03, 0x5F, 0xD6}
	if !bytes.Equal(got, want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}
}

func TestAArch64Immediates(t *testing.T) {
	// '#' marks an immediate in this dialect, not a comment.
	e := newEngine(t, "aarch64-linux-gnu")
	got, err := e.Assemble("mov x0, #255\nadd sp, sp, #16", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xE0, 0x1F, 0x80, 0xD2, 0xFF, 0x43, 0x00, 0x91}
	if !bytes.Equal(got, want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}
}

func TestAArch64Adr(t *testing.T) {
	e := newEngine(t, "aarch64-linux-gnu")
	got, err := e.Assemble("adr x0, data\nnop\ndata:", 0x1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	// adr forward by 8 bytes, then nop.
	want := []byte{0x40, 0x00, 0x00, 0x10, 0x1F, 0x20, 0x03, 0xD5}
	if !bytes.Equal(got, want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}
}

func TestRISCV(t *testing.T) {
	e := newEngine(t, "riscv64-linux-gnu")
	got, err := e.Assemble("addi a0, a1, 16\nret", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x13, 0x85, 0x05, 0x01, 0x67, 0x80, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}
}

func TestRISCVInlineBranch(t *testing.T) {
	// Conditional branches reach only ±4 KiB; a forward reference to an
	// inline label must still encode on the first pass.
	e := newEngine(t, "riscv64-linux-gnu")
	got, err := e.Assemble("beq a0, a1, done\nnop\ndone: ret", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x63, 0x04, 0xB5, 0x00,
		0x13, 0x00, 0x00, 0x00,
		0x67, 0x80, 0x00, 0x00,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Assemble = % x, want % x", got, want)
	}
}

func TestRISCVFeatureGate(t *testing.T) {
	noM, err := New("riscv64-linux-gnu", WithFeatures("-m"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noM.Assemble("mul a0, a1, a2", 0, nil); err == nil {
		t.Error("mul assembled with the m extension disabled")
	}

	withM := newEngine(t, "riscv64-linux-gnu")
	if _, err := withM.Assemble("mul a0, a1, a2", 0, nil); err != nil {
		t.Errorf("mul failed with default features: %v", err)
	}
}

func TestConfigErrors(t *testing.T) {
	var cerr *ConfigError

	_, err := New("sparc-sun-solaris")
	if !errors.As(err, &cerr) {
		t.Errorf("bad triple error = %v (%T)", err, err)
	}

	_, err = New("x86_64-linux-gnu", WithCPU("not-a-cpu"))
	if !errors.As(err, &cerr) {
		t.Errorf("bad cpu error = %v (%T)", err, err)
	}

	_, err = New("x86_64-linux-gnu", WithFeatures("sse2"))
	if !errors.As(err, &cerr) {
		t.Errorf("unsigned feature token error = %v (%T)", err, err)
	}
}

func TestDisassembleInvalid(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	_, err := e.Disassemble([]byte{0x90, 0x06}, 0x1000, 0)
	var derr *DisassemblyError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v (%T), want *DisassemblyError", err, err)
	}
	if derr.Pos != 1 || derr.Address != 0x1001 {
		t.Errorf("error at pos %d addr %#x, want 1 / 0x1001", derr.Pos, derr.Address)
	}
	if !strings.HasPrefix(derr.Error(), "Could not disassemble at position 1 / address 1001") {
		t.Errorf("Error() = %q", derr.Error())
	}
}

func TestAssembleAtHighAddress(t *testing.T) {
	e := newEngine(t, "x86_64-linux-gnu")
	// Placeholder addresses must stay usable when the code window sits
	// near the top of the address space.
	got, err := e.Assemble("jmp .l\nnop\n.l: ret", 0xFFFFFFFFFFFFF000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xEB, 0x01, 0x90, 0xC3}) {
		t.Errorf("Assemble = % x, want eb 01 90 c3", got)
	}
}
