// Package amd64 implements the x86-64 instruction codec: an Intel-syntax
// parser and encoder, and a matching decoder. Branch instructions relax
// between rel8 and rel32 forms depending on the distance to their target,
// which is what drives the engine's fixed-point layout.
package amd64

import (
	"fmt"

	"github.com/tinyrange/asmkit/internal/mc"
)

func init() {
	mc.Register("x86_64", func(cfg mc.Config) (mc.Codec, error) {
		return newCodec(cfg)
	})
}

type codec struct {
	style mc.ImmediateStyle
}

func newCodec(cfg mc.Config) (*codec, error) {
	if cfg.CPU != "" && !knownCPUs[cfg.CPU] {
		return nil, fmt.Errorf("%q is not a recognized processor for this target", cfg.CPU)
	}
	for _, feat := range cfg.Features {
		if !knownFeatures[feat.Name] {
			return nil, fmt.Errorf("%q is not a recognized feature for this target", feat.Name)
		}
	}
	return &codec{style: cfg.Style}, nil
}

func (c *codec) Arch() string { return "x86_64" }

// MaxSize is the architectural instruction length limit.
func (c *codec) MaxSize() int { return 15 }

// knownCPUs lists the processor names accepted for this target. The base
// instruction subset is identical across them; validation exists so a
// mistyped CPU fails at configuration time.
var knownCPUs = map[string]bool{
	"generic":        true,
	"x86-64":         true,
	"x86-64-v2":      true,
	"x86-64-v3":      true,
	"x86-64-v4":      true,
	"nehalem":        true,
	"westmere":       true,
	"sandybridge":    true,
	"ivybridge":      true,
	"haswell":        true,
	"broadwell":      true,
	"skylake":        true,
	"icelake-client": true,
	"znver1":         true,
	"znver2":         true,
	"znver3":         true,
	"znver4":         true,
}

var knownFeatures = map[string]bool{
	"sse":     true,
	"sse2":    true,
	"sse3":    true,
	"ssse3":   true,
	"sse4.1":  true,
	"sse4.2":  true,
	"avx":     true,
	"avx2":    true,
	"avx512f": true,
	"bmi":     true,
	"bmi2":    true,
	"popcnt":  true,
	"aes":     true,
	"fma":     true,
	"adx":     true,
}

type reg struct {
	name     string
	code     byte // low three bits of the register number
	high     bool // requires REX extension bit
	size     int  // operand size in bytes: 1, 2, 4, or 8
	needsRex bool // spl/bpl/sil/dil require a REX prefix in 8-bit form
}

var regsByName = map[string]reg{}

func defineReg(name string, code byte, high bool, size int, needsRex bool) {
	regsByName[name] = reg{name: name, code: code, high: high, size: size, needsRex: needsRex}
}

func init() {
	base := []string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
	for i, b := range base {
		defineReg("r"+b, byte(i), false, 8, false)
		defineReg("e"+b, byte(i), false, 4, false)
		defineReg(b, byte(i), false, 2, false)
	}
	low8 := []string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil"}
	for i, b := range low8 {
		defineReg(b, byte(i), false, 1, i >= 4)
	}
	for i := 8; i <= 15; i++ {
		code := byte(i - 8)
		defineReg(fmt.Sprintf("r%d", i), code, true, 8, false)
		defineReg(fmt.Sprintf("r%dd", i), code, true, 4, false)
		defineReg(fmt.Sprintf("r%dw", i), code, true, 2, false)
		defineReg(fmt.Sprintf("r%db", i), code, true, 1, false)
	}
}

// regName returns the register name for a decoded (code, extension, size)
// triple.
func regName(code byte, high bool, size int) string {
	num := int(code)
	if high {
		num += 8
	}
	if num >= 8 {
		switch size {
		case 8:
			return fmt.Sprintf("r%d", num)
		case 4:
			return fmt.Sprintf("r%dd", num)
		case 2:
			return fmt.Sprintf("r%dw", num)
		default:
			return fmt.Sprintf("r%db", num)
		}
	}
	base := []string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}[num]
	switch size {
	case 8:
		return "r" + base
	case 4:
		return "e" + base
	case 2:
		return base
	default:
		return []string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil"}[num]
	}
}
