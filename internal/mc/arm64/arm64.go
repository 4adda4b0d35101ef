// Package arm64 implements the AArch64 instruction codec. Every
// instruction is a fixed 4-byte word, so the engine's layout converges in
// two passes; branch instructions still range-check their targets against
// the encoding's displacement field.
package arm64

import (
	"fmt"
	"strconv"

	"github.com/tinyrange/asmkit/internal/mc"
)

func init() {
	mc.Register("aarch64", func(cfg mc.Config) (mc.Codec, error) {
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

func (c *codec) Arch() string { return "aarch64" }

// MaxSize reflects the fixed 4-byte instruction width.
func (c *codec) MaxSize() int { return 4 }

var knownCPUs = map[string]bool{
	"generic":     true,
	"cortex-a53":  true,
	"cortex-a55":  true,
	"cortex-a57":  true,
	"cortex-a72":  true,
	"cortex-a76":  true,
	"cortex-a78":  true,
	"neoverse-n1": true,
	"neoverse-n2": true,
	"neoverse-v1": true,
	"apple-m1":    true,
	"apple-m2":    true,
}

var knownFeatures = map[string]bool{
	"neon":   true,
	"fp":     true,
	"crc":    true,
	"crypto": true,
	"lse":    true,
	"sve":    true,
	"sve2":   true,
}

// reg is an AArch64 general-purpose register. code 31 is either the zero
// register or the stack pointer depending on context; isSP distinguishes
// the two spellings.
type reg struct {
	name string
	code uint32
	wide bool // 64-bit (x/sp) vs 32-bit (w/wsp)
	isSP bool
}

var regsByName = map[string]reg{}

func init() {
	for i := 0; i < 31; i++ {
		n := strconv.Itoa(i)
		regsByName["x"+n] = reg{name: "x" + n, code: uint32(i), wide: true}
		regsByName["w"+n] = reg{name: "w" + n, code: uint32(i), wide: false}
	}
	regsByName["xzr"] = reg{name: "xzr", code: 31, wide: true}
	regsByName["wzr"] = reg{name: "wzr", code: 31, wide: false}
	regsByName["sp"] = reg{name: "sp", code: 31, wide: true, isSP: true}
	regsByName["wsp"] = reg{name: "wsp", code: 31, wide: false, isSP: true}
	regsByName["lr"] = reg{name: "lr", code: 30, wide: true}
}

func regName(code uint32, wide, isSP bool) string {
	if code == 31 {
		switch {
		case isSP && wide:
			return "sp"
		case isSP:
			return "wsp"
		case wide:
			return "xzr"
		default:
			return "wzr"
		}
	}
	prefix := "w"
	if wide {
		prefix = "x"
	}
	return prefix + strconv.Itoa(int(code))
}

// condCodes maps condition mnemonic suffixes to their encoding.
var condCodes = map[string]uint32{
	"eq": 0x0, "ne": 0x1,
	"cs": 0x2, "hs": 0x2,
	"cc": 0x3, "lo": 0x3,
	"mi": 0x4, "pl": 0x5,
	"vs": 0x6, "vc": 0x7,
	"hi": 0x8, "ls": 0x9,
	"ge": 0xA, "lt": 0xB,
	"gt": 0xC, "le": 0xD,
	"al": 0xE,
}

var condNames = [16]string{
	"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al", "nv",
}
