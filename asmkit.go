// Package asmkit assembles human-readable assembly text into machine code
// and disassembles machine code back into text, across multiple target
// architectures. Callers may supply symbolic labels whose addresses the
// instruction encoder cannot see; the engine resolves them iteratively,
// re-encoding until instruction sizes and label addresses agree.
package asmkit

import (
	"log/slog"

	"github.com/tinyrange/asmkit/internal/engine"
	"github.com/tinyrange/asmkit/internal/mc"

	// Instruction codecs register themselves by architecture name.
	_ "github.com/tinyrange/asmkit/internal/mc/amd64"
	_ "github.com/tinyrange/asmkit/internal/mc/arm64"
	_ "github.com/tinyrange/asmkit/internal/mc/riscv"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/engine
// -----------------------------------------------------------------------------

// Engine assembles and disassembles for one validated target
// configuration. An Engine is not safe for concurrent use; independent
// instances are.
type Engine = engine.Engine

// Instruction is one encoded or decoded machine instruction: its address,
// canonical assembly text, and bytes.
type Instruction = engine.Instruction

// Option configures an Engine.
type Option = engine.Option

// ImmediateStyle selects how immediate operands are printed in produced
// assembly text. It never changes encoded or decoded bytes.
type ImmediateStyle = mc.ImmediateStyle

// Immediate style constants.
const (
	Decimal   = mc.Decimal
	HexPrefix = mc.HexPrefix
	HexSuffix = mc.HexSuffix
)

// ConfigError reports an unsupported triple, CPU, or feature string.
type ConfigError = engine.ConfigError

// AssemblyError reports rejected assembly text, carrying the codec's
// diagnostic (echoed source line and caret) verbatim.
type AssemblyError = engine.AssemblyError

// ResolutionError reports that label layout did not reach a fixed point
// within the iteration bound.
type ResolutionError = engine.ResolutionError

// DisassemblyError reports a malformed or truncated byte buffer.
type DisassemblyError = engine.DisassemblyError

// -----------------------------------------------------------------------------
// Engine Options
// -----------------------------------------------------------------------------

// WithCPU selects a specific CPU for the target, e.g. "haswell". The codec
// validates the name at construction.
func WithCPU(cpu string) Option {
	return &cpuOption{cpu: cpu}
}

type cpuOption struct{ cpu string }

func (*cpuOption) IsOption()     {}
func (o *cpuOption) CPU() string { return o.cpu }

// WithFeatures enables or disables target features. The string is a
// comma-separated list of tokens prefixed with '+' or '-', e.g.
// "+sse4.2,-avx".
func WithFeatures(features string) Option {
	return &featuresOption{features: features}
}

type featuresOption struct{ features string }

func (*featuresOption) IsOption()          {}
func (o *featuresOption) Features() string { return o.features }

// WithImmediateStyle sets the textual style for immediate operands in
// produced assembly text.
func WithImmediateStyle(style ImmediateStyle) Option {
	return &styleOption{style: style}
}

type styleOption struct{ style ImmediateStyle }

func (*styleOption) IsOption()                  {}
func (o *styleOption) Style() mc.ImmediateStyle { return o.style }

// WithLogger routes engine debug logging (codec selection, layout passes)
// to the provided logger. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return &loggerOption{logger: logger}
}

type loggerOption struct{ logger *slog.Logger }

func (*loggerOption) IsOption()              {}
func (o *loggerOption) Logger() *slog.Logger { return o.logger }

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New validates the target triple and options and returns a ready engine.
// Only the architecture component of the triple selects the codec; vendor
// and OS components are accepted and kept. Supported architectures:
// x86_64 (aliases x86-64, amd64), aarch64 (alias arm64), and riscv64.
//
// Invalid triples, CPUs, and feature strings fail here with a
// *ConfigError; a constructed engine never fails for configuration
// reasons.
func New(triple string, opts ...Option) (*Engine, error) {
	return engine.New(triple, opts...)
}
