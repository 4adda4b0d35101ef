// Command asmkit assembles and disassembles single inputs from the command
// line, or runs batches of jobs from a YAML file.
//
// Assemble one input:
//
//	asmkit -arch x86_64-linux-gnu -A "mov rax, rax"
//
// Disassemble bytes at an address:
//
//	asmkit -arch aarch64-linux-gnu -address 0x1000 -D "e00301aa"
//
// Run a batch file:
//
//	asmkit -batch jobs.yaml
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/asmkit"
	"github.com/tinyrange/asmkit/internal/mc"
	"golang.org/x/term"
)

var (
	archFlag     = flag.String("arch", "x86_64-linux-gnu", "LLVM target triple (architecture component selects the codec)")
	cpuFlag      = flag.String("cpu", "", "target cpu, e.g. haswell")
	featuresFlag = flag.String("features", "", "feature string, e.g. +sse4.2,-avx")
	addressFlag  = flag.String("address", "0", "start address for assembly or disassembly")
	labelsFlag   = flag.String("labels", "", `external labels as name=addr pairs, comma separated`)
	styleFlag    = flag.String("style", "decimal", "immediate style: decimal, hex, or masm")
	asmFlag      = flag.String("A", "", "assembly text to assemble")
	disFlag      = flag.String("D", "", "hex bytes to disassemble")
	countFlag    = flag.Int("count", 0, "stop disassembling after this many instructions (0 = all)")
	batchFlag    = flag.String("batch", "", "run jobs from a YAML file")
	noColorFlag  = flag.Bool("no-color", false, "disable colored output")
	debugFlag    = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "asmkit: %v\n", renderError(err))
		os.Exit(1)
	}
}

func useColor() bool {
	return !*noColorFlag && term.IsTerminal(int(os.Stderr.Fd()))
}

// renderError colors the caret line of assembly diagnostics when stderr is
// a terminal.
func renderError(err error) string {
	msg := err.Error()
	if !useColor() {
		return msg
	}
	var aerr *asmkit.AssemblyError
	if !errors.As(err, &aerr) {
		return msg
	}
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		if strings.HasSuffix(strings.TrimRight(line, " "), "^") {
			lines[i] = ansi.Style{}.Bold().ForegroundColor(ansi.Red).Styled(line)
		}
	}
	return strings.Join(lines, "\n")
}

func run() error {
	if *debugFlag {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if *batchFlag != "" {
		return runBatch(*batchFlag)
	}

	if (*asmFlag == "") == (*disFlag == "") {
		return fmt.Errorf("exactly one of -A or -D is required (or -batch)")
	}

	style, err := parseStyle(*styleFlag)
	if err != nil {
		return err
	}

	opts := []asmkit.Option{asmkit.WithImmediateStyle(style)}
	if *cpuFlag != "" {
		opts = append(opts, asmkit.WithCPU(*cpuFlag))
	}
	if *featuresFlag != "" {
		opts = append(opts, asmkit.WithFeatures(*featuresFlag))
	}
	if *debugFlag {
		opts = append(opts, asmkit.WithLogger(slog.Default()))
	}

	engine, err := asmkit.New(*archFlag, opts...)
	if err != nil {
		return err
	}

	address, err := mc.ParseAddr(*addressFlag)
	if err != nil {
		return fmt.Errorf("invalid -address: %w", err)
	}

	if *asmFlag != "" {
		labels, err := parseLabels(*labelsFlag)
		if err != nil {
			return err
		}
		insns, err := engine.AssembleInstructions(*asmFlag, address, labels)
		if err != nil {
			return err
		}
		printInstructions(insns)
		return nil
	}

	code, err := parseHexBytes(*disFlag)
	if err != nil {
		return fmt.Errorf("invalid -D input: %w", err)
	}
	insns, err := engine.DisassembleInstructions(code, address, *countFlag)
	if err != nil {
		return err
	}
	printInstructions(insns)
	return nil
}

func printInstructions(insns []asmkit.Instruction) {
	for _, insn := range insns {
		fmt.Printf("\t0x%08x: %s - [ %s]\n", insn.Address, insn.Assembly, hexBytes(insn.Bytes))
	}
}

func hexBytes(b []byte) string {
	var sb strings.Builder
	for _, v := range b {
		fmt.Fprintf(&sb, "%02x ", v)
	}
	return sb.String()
}

func parseStyle(s string) (asmkit.ImmediateStyle, error) {
	switch strings.ToLower(s) {
	case "", "decimal":
		return asmkit.Decimal, nil
	case "hex", "hex-prefix":
		return asmkit.HexPrefix, nil
	case "masm", "hex-suffix":
		return asmkit.HexSuffix, nil
	}
	return 0, fmt.Errorf("unknown style %q (want decimal, hex, or masm)", s)
}

func parseLabels(s string) (map[string]uint64, error) {
	if s == "" {
		return nil, nil
	}
	labels := make(map[string]uint64)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q (want name=addr)", pair)
		}
		addr, err := mc.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("invalid label address %q: %w", value, err)
		}
		labels[name] = addr
	}
	return labels, nil
}

// parseHexBytes accepts hex strings with optional whitespace, commas, and
// 0x prefixes between bytes, e.g. "48 89 c0" or "0x48,0x89,0xc0".
func parseHexBytes(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", "\t", "", "\n", "", ",", "", "0x", "", "0X", "").Replace(s)
	return hex.DecodeString(clean)
}
