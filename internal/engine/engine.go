// Package engine implements the label-resolution and multi-pass
// assembly/disassembly core. It drives a per-architecture instruction
// codec (internal/mc) and reconciles the circular dependency between label
// addresses and instruction sizes by iterating to a fixed point.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tinyrange/asmkit/internal/mc"
)

// Instruction is one encoded or decoded machine instruction.
type Instruction struct {
	Address  uint64
	Assembly string
	Bytes    []byte
}

// Option configures an Engine. Concrete options are constructed by the
// public package.
type Option interface {
	IsOption()
}

// Engine assembles text to bytes and disassembles bytes to text for one
// validated target configuration. An Engine is not safe for concurrent
// use; independent instances are.
type Engine struct {
	triple string
	arch   string
	codec  mc.Codec
	style  mc.ImmediateStyle
	logger *slog.Logger
}

var archAliases = map[string]string{
	"x86_64":  "x86_64",
	"x86-64":  "x86_64",
	"amd64":   "x86_64",
	"aarch64": "aarch64",
	"arm64":   "aarch64",
	"riscv64": "riscv64",
}

// New validates the target triple and options and constructs a ready
// engine. Invalid triples, CPUs, or feature strings are rejected here,
// never at use time.
func New(triple string, opts ...Option) (*Engine, error) {
	e := &Engine{
		triple: triple,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	var cpu, features string
	for _, opt := range opts {
		switch o := opt.(type) {
		case interface{ CPU() string }:
			cpu = o.CPU()
		case interface{ Features() string }:
			features = o.Features()
		case interface{ Style() mc.ImmediateStyle }:
			e.style = o.Style()
		case interface{ Logger() *slog.Logger }:
			e.logger = o.Logger()
		default:
			return nil, &ConfigError{Msg: fmt.Sprintf("unsupported option %T", opt)}
		}
	}

	archToken := triple
	if idx := strings.IndexByte(triple, '-'); idx >= 0 {
		archToken = triple[:idx]
	}
	arch, ok := archAliases[strings.ToLower(archToken)]
	if !ok {
		return nil, &ConfigError{Msg: "Invalid architecture / LLVM target triple"}
	}
	e.arch = arch

	builder, ok := mc.Lookup(arch)
	if !ok {
		return nil, &ConfigError{Msg: "Invalid architecture / LLVM target triple"}
	}

	feats, err := mc.ParseFeatures(features)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}

	codec, err := builder(mc.Config{
		Triple:   triple,
		CPU:      cpu,
		Features: feats,
		Style:    e.style,
	})
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	e.codec = codec

	e.logger.Debug("engine configured", "triple", triple, "arch", arch, "cpu", cpu, "features", features)
	return e, nil
}

// Triple returns the triple the engine was constructed with.
func (e *Engine) Triple() string { return e.triple }

// Arch returns the canonical architecture name selected from the triple.
func (e *Engine) Arch() string { return e.arch }

// Style returns the configured immediate-printing style.
func (e *Engine) Style() mc.ImmediateStyle { return e.style }

// Assemble encodes the assembly text at the given base address and returns
// the machine code. Labels supplies external label addresses; labels
// defined inline in the text are resolved from the converged layout.
func (e *Engine) Assemble(text string, address uint64, labels map[string]uint64) ([]byte, error) {
	insns, err := e.assemble(text, address, labels)
	if err != nil {
		return nil, err
	}
	var total int
	for _, insn := range insns {
		total += len(insn.Bytes)
	}
	out := make([]byte, 0, total)
	for _, insn := range insns {
		out = append(out, insn.Bytes...)
	}
	return out, nil
}

// AssembleInstructions is Assemble with per-instruction address, text, and
// byte records instead of a flat byte stream.
func (e *Engine) AssembleInstructions(text string, address uint64, labels map[string]uint64) ([]Instruction, error) {
	return e.assemble(text, address, labels)
}

// passResolver binds symbol names for one encoding pass: caller labels are
// fixed, inline labels carry the current provisional address. Unknown
// names are reported unresolved and rejected by the codec at the
// referencing operand.
type passResolver struct {
	caller map[string]uint64
	inline map[string]uint64
}

func (r *passResolver) Resolve(name string) (uint64, bool) {
	if v, ok := r.caller[name]; ok {
		return v, true
	}
	v, ok := r.inline[name]
	return v, ok
}

func (e *Engine) assemble(text string, address uint64, labels map[string]uint64) ([]Instruction, error) {
	// AArch64 spells immediates with a '#' sigil, so only the other
	// dialects treat '#' as a comment starter.
	stmts := mc.Scan(text, e.arch != "aarch64")
	if len(stmts) == 0 {
		return nil, nil
	}

	// Inline label definitions, checked against each other and against the
	// caller-supplied table.
	inlineAt := make(map[string]int)
	for i, stmt := range stmts {
		for _, def := range stmt.Labels {
			if _, dup := inlineAt[def.Name]; dup {
				return nil, labelError(def, stmt, "label %q defined more than once", def.Name)
			}
			if _, dup := labels[def.Name]; dup {
				return nil, labelError(def, stmt, "label %q is already defined by the caller", def.Name)
			}
			inlineAt[def.Name] = i
		}
	}

	ph := newPlaceholders(address, e.codec.MaxSize())

	maxPasses := len(stmts) + 4
	if maxPasses < 8 {
		maxPasses = 8
	}

	encs := make([]mc.Encoded, len(stmts))
	var prev []int

	for pass := 0; pass < maxPasses; pass++ {
		inline := make(map[string]uint64, len(inlineAt))
		if pass == 0 {
			for i, stmt := range stmts {
				for _, def := range stmt.Labels {
					inline[def.Name] = ph.bind(def.Name, i)
				}
			}
		} else {
			// Rebind inline labels from the previous pass's sizes.
			offsets := make([]uint64, len(stmts)+1)
			for i := range stmts {
				offsets[i+1] = offsets[i] + uint64(prev[i])
			}
			for name, at := range inlineAt {
				inline[name] = address + offsets[at]
			}
		}

		resolver := &passResolver{caller: labels, inline: inline}

		cur := make([]int, len(stmts))
		pc := address
		for i, stmt := range stmts {
			if stmt.Text == "" {
				continue
			}
			enc, err := e.codec.Encode(stmt, pc, resolver)
			if err != nil {
				return nil, e.assemblyError(stmt, err)
			}
			encs[i] = enc
			cur[i] = len(enc.Bytes)
			pc += uint64(len(enc.Bytes))
		}

		if pass == 0 && len(inlineAt) == 0 {
			// With no inline labels every symbol address is fixed, so the
			// layout cannot change between passes.
			prev = cur
			break
		}

		if prev != nil && sizesEqual(prev, cur) {
			e.logger.Debug("layout converged", "passes", pass+1)
			prev = cur
			break
		}

		e.logger.Debug("layout pass", "pass", pass, "changed", prev == nil || !sizesEqual(prev, cur))
		prev = cur

		if pass == maxPasses-1 {
			return nil, &ResolutionError{Passes: maxPasses}
		}
	}

	// Instruction mapper: one record per encoded instruction, addresses
	// assigned from cumulative byte lengths. Label-only statements are
	// elided.
	var insns []Instruction
	pc := address
	var total int
	for i, stmt := range stmts {
		if stmt.Text == "" {
			continue
		}
		insns = append(insns, Instruction{
			Address:  pc,
			Assembly: encs[i].Text,
			Bytes:    encs[i].Bytes,
		})
		pc += uint64(len(encs[i].Bytes))
		total += len(encs[i].Bytes)
	}

	// Pedantic: the concatenated record bytes must account for every
	// produced byte.
	var sum int
	for _, insn := range insns {
		sum += len(insn.Bytes)
	}
	if sum != total {
		return nil, &AssemblyError{Msg: fmt.Sprintf("Internal error (= insn_byte_length '%d' != output_bytes.size %d)", sum, total)}
	}

	return insns, nil
}

// assemblyError rebases a codec syntax error onto the full source text.
func (e *Engine) assemblyError(stmt mc.Statement, err error) error {
	diag := &Diagnostic{
		Line:   stmt.Line,
		Col:    stmt.Col,
		Msg:    err.Error(),
		Source: stmt.Source,
	}
	if syn, ok := err.(*mc.SyntaxError); ok && syn.Col > 0 {
		diag.Col = stmt.Col + syn.Col - 1
	}
	return &AssemblyError{Diag: diag}
}

func labelError(def mc.LabelDef, stmt mc.Statement, format string, args ...any) error {
	return &AssemblyError{Diag: &Diagnostic{
		Line:   def.Line,
		Col:    def.Col,
		Msg:    fmt.Sprintf(format, args...),
		Source: stmt.Source,
	}}
}

func sizesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Disassemble decodes the byte buffer into assembly text, one instruction
// per line. count limits the number of instructions; zero or a negative
// value decodes until the buffer is exhausted.
func (e *Engine) Disassemble(code []byte, address uint64, count int) (string, error) {
	insns, err := e.DisassembleInstructions(code, address, count)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, insn := range insns {
		sb.WriteString(insn.Assembly)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// DisassembleInstructions decodes the byte buffer into per-instruction
// records. The decode fails rather than return a truncated instruction
// when the buffer ends mid-instruction.
func (e *Engine) DisassembleInstructions(code []byte, address uint64, count int) ([]Instruction, error) {
	if len(code) == 0 {
		return nil, nil
	}

	var insns []Instruction
	pos := 0
	for {
		dec, err := e.codec.Decode(code[pos:], address+uint64(pos))
		if err != nil {
			return nil, &DisassemblyError{
				Pos:     pos,
				Address: address + uint64(pos),
				Msg:     err.Error(),
			}
		}
		insns = append(insns, Instruction{
			Address:  address + uint64(pos),
			Assembly: dec.Text,
			Bytes:    append([]byte(nil), code[pos:pos+dec.Size]...),
		})

		if count > 0 && len(insns) >= count {
			break
		}
		pos += dec.Size
		if pos >= len(code) {
			break
		}
	}
	return insns, nil
}
