package engine

import (
	"fmt"
	"strings"
)

// Diagnostic is a codec failure rebased onto the caller's source text.
// Line and Col are 1-based positions in the full input; Source is the
// offending source line.
type Diagnostic struct {
	Line   int
	Col    int
	Msg    string
	Source string
}

// Render formats the diagnostic the way an assembler reports it: the
// message, the echoed source line, and a caret under the offending column.
func (d *Diagnostic) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "error: %s\n", d.Msg)
	sb.WriteString(d.Source)
	sb.WriteByte('\n')
	if d.Col > 0 {
		sb.WriteString(strings.Repeat(" ", d.Col-1))
	}
	sb.WriteString("^\n")
	return sb.String()
}

// ConfigError reports an unsupported or malformed triple, CPU, or feature
// string. The message carries the codec's rejection verbatim.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// AssemblyError reports that the input text was rejected during assembly.
// Diag carries the codec's diagnostic when one is available.
type AssemblyError struct {
	Diag *Diagnostic
	Msg  string
}

func (e *AssemblyError) Error() string {
	if e.Diag != nil {
		return "Error during assembly: " + e.Diag.Render()
	}
	return "Error during assembly: " + e.Msg
}

// ResolutionError reports that label fixed-point iteration did not reach a
// stable layout within the pass bound.
type ResolutionError struct {
	Passes int
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("label layout did not converge after %d passes", e.Passes)
}

// DisassemblyError reports a malformed or truncated byte buffer. Pos is the
// byte offset into the input buffer; Address is the instruction address.
type DisassemblyError struct {
	Pos     int
	Address uint64
	Msg     string
}

func (e *DisassemblyError) Error() string {
	s := fmt.Sprintf("Could not disassemble at position %d / address %x", e.Pos, e.Address)
	if e.Msg != "" {
		s += fmt.Sprintf(" (= %s )", e.Msg)
	}
	return s
}
