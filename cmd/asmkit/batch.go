package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/asmkit"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// batchJob is one entry of a YAML batch file. Address and label values are
// YAML integers; Expect, when set, is hex bytes for assembly jobs or
// assembly text for disassembly jobs and turns the job into a check.
type batchJob struct {
	Name     string            `yaml:"name"`
	Arch     string            `yaml:"arch"`
	CPU      string            `yaml:"cpu"`
	Features string            `yaml:"features"`
	Style    string            `yaml:"style"`
	Action   string            `yaml:"action"` // "assemble" (default) or "disassemble"
	Input    string            `yaml:"input"`
	Address  uint64            `yaml:"address"`
	Labels   map[string]uint64 `yaml:"labels"`
	Count    int               `yaml:"count"`
	Expect   string            `yaml:"expect"`
}

type batchFailure struct {
	job batchJob
	err error
}

func runBatch(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var jobs []batchJob
	if err := yaml.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("%s contains no jobs", path)
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(len(jobs),
			progressbar.OptionSetDescription("running jobs"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var failures []batchFailure
	for i, job := range jobs {
		if job.Name == "" {
			job.Name = fmt.Sprintf("job %d", i+1)
		}
		if err := runJob(job); err != nil {
			failures = append(failures, batchFailure{job: job, err: err})
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	fmt.Printf("%d/%d jobs succeeded\n", len(jobs)-len(failures), len(jobs))
	if len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", f.job.Name, renderError(f.err))
		}
		return fmt.Errorf("%d job(s) failed", len(failures))
	}
	return nil
}

func runJob(job batchJob) error {
	arch := job.Arch
	if arch == "" {
		arch = *archFlag
	}
	style, err := parseStyle(job.Style)
	if err != nil {
		return err
	}

	opts := []asmkit.Option{asmkit.WithImmediateStyle(style)}
	if job.CPU != "" {
		opts = append(opts, asmkit.WithCPU(job.CPU))
	}
	if job.Features != "" {
		opts = append(opts, asmkit.WithFeatures(job.Features))
	}

	engine, err := asmkit.New(arch, opts...)
	if err != nil {
		return err
	}

	switch job.Action {
	case "", "assemble":
		code, err := engine.Assemble(job.Input, job.Address, job.Labels)
		if err != nil {
			return err
		}
		if job.Expect != "" {
			want, err := parseHexBytes(job.Expect)
			if err != nil {
				return fmt.Errorf("invalid expect bytes: %w", err)
			}
			if !bytes.Equal(code, want) {
				return fmt.Errorf("assembled %s, expected %s",
					hex.EncodeToString(code), hex.EncodeToString(want))
			}
		}
		return nil

	case "disassemble":
		code, err := parseHexBytes(job.Input)
		if err != nil {
			return fmt.Errorf("invalid input bytes: %w", err)
		}
		text, err := engine.Disassemble(code, job.Address, job.Count)
		if err != nil {
			return err
		}
		if job.Expect != "" {
			got := strings.TrimSpace(text)
			want := strings.TrimSpace(job.Expect)
			if got != want {
				return fmt.Errorf("disassembled %q, expected %q", got, want)
			}
		}
		return nil
	}

	return fmt.Errorf("unknown action %q", job.Action)
}
