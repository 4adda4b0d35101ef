// Package mc defines the boundary between the assembly engine and the
// per-architecture instruction codecs. A Codec turns one statement of
// assembly text into machine bytes at a given address, and turns machine
// bytes back into text. Codecs register themselves by architecture name so
// the engine can select one from a validated target triple.
package mc

import "fmt"

// Statement is a single instruction extracted from the source text by Scan.
// Line and Col locate the first byte of Text within the original input
// (1-based). Source holds the full source line for diagnostics.
type Statement struct {
	Text   string
	Line   int
	Col    int
	Source string
	Labels []LabelDef
}

// LabelDef is a label definition ("name:") positioned in the source text.
type LabelDef struct {
	Name string
	Line int
	Col  int
}

// SymbolResolver supplies label addresses during encoding. Resolve reports
// whether the name is a known symbol; codecs treat unresolvable operands as
// errors.
type SymbolResolver interface {
	Resolve(name string) (uint64, bool)
}

// SymbolRef records that an encoded statement referenced a symbol, along
// with the column of the reference inside the statement text.
type SymbolRef struct {
	Name string
	Col  int
}

// Encoded is the result of encoding one statement.
type Encoded struct {
	Bytes []byte
	Text  string
	Refs  []SymbolRef
}

// Decoded is the result of decoding one instruction from a byte buffer.
type Decoded struct {
	Size int
	Text string
}

// Codec encodes and decodes single instructions for one architecture.
// A Codec is configured once (CPU, features, immediate style) and is not
// safe for concurrent use.
type Codec interface {
	// Arch returns the canonical architecture name, e.g. "x86_64".
	Arch() string

	// MaxSize returns the largest number of bytes a single instruction can
	// encode to. The engine lays out provisional label addresses at this
	// spacing before any real sizes are known, so it must be an upper
	// bound, and on fixed-width architectures it must be exact.
	MaxSize() int

	// Encode assembles one statement at the given address. Label operands
	// are resolved through syms; every symbol the statement referenced is
	// reported in Encoded.Refs. Encoding is a pure function of
	// (statement, address, symbol values).
	Encode(stmt Statement, addr uint64, syms SymbolResolver) (Encoded, error)

	// Decode decodes a single instruction from the start of buf, which the
	// caller guarantees is non-empty. addr is the instruction's address and
	// only affects how relative operands are printed.
	Decode(buf []byte, addr uint64) (Decoded, error)
}

// Config carries the validated target configuration into a codec builder.
type Config struct {
	Triple   string
	CPU      string
	Features []Feature
	Style    ImmediateStyle
}

// Feature is a single parsed feature-string token.
type Feature struct {
	Name    string
	Enabled bool
}

// ParseFeatures splits a comma-separated feature string into tokens. Every
// token must be prefixed with '+' (enable) or '-' (disable).
func ParseFeatures(s string) ([]Feature, error) {
	if s == "" {
		return nil, nil
	}
	var out []Feature
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ',' {
			continue
		}
		tok := s[start:i]
		start = i + 1
		if tok == "" {
			return nil, fmt.Errorf("empty feature token in %q", s)
		}
		switch tok[0] {
		case '+':
			out = append(out, Feature{Name: tok[1:], Enabled: true})
		case '-':
			out = append(out, Feature{Name: tok[1:], Enabled: false})
		default:
			return nil, fmt.Errorf("feature %q must start with '+' or '-'", tok)
		}
		if len(tok) == 1 {
			return nil, fmt.Errorf("feature token %q has no name", tok)
		}
	}
	return out, nil
}

// SyntaxError is a codec-level parse or encode failure. Col is the 1-based
// column of the offending token within the statement text; the engine
// rebases it onto the full source line before rendering.
type SyntaxError struct {
	Col int
	Msg string
}

func (e *SyntaxError) Error() string { return e.Msg }

// Errorf builds a SyntaxError pointing at col.
func Errorf(col int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Col: col, Msg: fmt.Sprintf(format, args...)}
}
