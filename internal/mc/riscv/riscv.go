// Package riscv implements the RV64I instruction codec, with the M
// multiply/divide extension gated behind the "m" feature (enabled by
// default).
package riscv

import (
	"fmt"
	"strconv"

	"github.com/tinyrange/asmkit/internal/mc"
)

func init() {
	mc.Register("riscv64", func(cfg mc.Config) (mc.Codec, error) {
		return newCodec(cfg)
	})
}

type codec struct {
	style mc.ImmediateStyle
	hasM  bool
}

func newCodec(cfg mc.Config) (*codec, error) {
	if cfg.CPU != "" && !knownCPUs[cfg.CPU] {
		return nil, fmt.Errorf("%q is not a recognized processor for this target", cfg.CPU)
	}
	c := &codec{style: cfg.Style, hasM: true}
	for _, feat := range cfg.Features {
		if !knownFeatures[feat.Name] {
			return nil, fmt.Errorf("%q is not a recognized feature for this target", feat.Name)
		}
		if feat.Name == "m" {
			c.hasM = feat.Enabled
		}
	}
	return c, nil
}

func (c *codec) Arch() string { return "riscv64" }

// MaxSize reflects the fixed 4-byte instruction width.
func (c *codec) MaxSize() int { return 4 }

var knownCPUs = map[string]bool{
	"generic":      true,
	"generic-rv64": true,
	"rocket":       true,
	"sifive-s54":   true,
	"sifive-s76":   true,
	"sifive-u54":   true,
	"sifive-u74":   true,
}

var knownFeatures = map[string]bool{
	"m": true,
	"a": true,
	"f": true,
	"d": true,
	"c": true,
}

var regsByName = map[string]uint32{}

// abiNames maps register numbers to their ABI names, which is how the
// decoder prints them.
var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func init() {
	for i := 0; i < 32; i++ {
		regsByName["x"+strconv.Itoa(i)] = uint32(i)
		regsByName[abiNames[i]] = uint32(i)
	}
	regsByName["fp"] = 8
}
