// zfvm CLI - assembles, verifies and runs zero-free VM containers
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/zfvm/asm"
	"github.com/chazu/zfvm/cache"
	"github.com/chazu/zfvm/manifest"
	"github.com/chazu/zfvm/module"
	"github.com/chazu/zfvm/trace"
	"github.com/chazu/zfvm/verify"
	"github.com/chazu/zfvm/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("zfvm")

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	output := flag.String("o", "", "Assemble only: write the container here and exit")
	verifyOnly := flag.Bool("verify-only", false, "Verify without executing")
	policyFlag := flag.String("policy", "", "Verifier policy: permissive or strict")
	disasmMode := flag.Bool("disasm", false, "Print a disassembly listing and exit")
	reportPath := flag.String("report", "", "Write a CBOR run report to this file")
	cachePath := flag.String("cache", "", "SQLite verification cache path")
	noManifest := flag.Bool("no-manifest", false, "Ignore any zfvm.toml in scope")
	maxSteps := flag.Uint64("max-steps", 0, "Abort execution after this many instructions (0 = unlimited)")
	stackSize := flag.Uint64("stack", vm.DefaultStackSize, "Stack size in bytes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: zfvm [options] [file]\n\n")
		fmt.Fprintf(os.Stderr, "Assembles .zfa listings, verifies .zfm containers, and runs them.\n")
		fmt.Fprintf(os.Stderr, "With no file, settings come from the nearest zfvm.toml.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  zfvm prog.zfa                  # Assemble, verify, run\n")
		fmt.Fprintf(os.Stderr, "  zfvm prog.zfa -o prog.zfm      # Assemble only\n")
		fmt.Fprintf(os.Stderr, "  zfvm prog.zfm -policy strict   # Verify strictly, then run\n")
		fmt.Fprintf(os.Stderr, "  zfvm prog.zfm -verify-only     # Check without running\n")
		fmt.Fprintf(os.Stderr, "  zfvm prog.zfm -disasm          # Show the listing\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	if err := run(flag.Args(), options{
		output:     *output,
		verifyOnly: *verifyOnly,
		policy:     *policyFlag,
		disasm:     *disasmMode,
		report:     *reportPath,
		cache:      *cachePath,
		noManifest: *noManifest,
		maxSteps:   *maxSteps,
		stackSize:  *stackSize,
	}); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	output     string
	verifyOnly bool
	policy     string
	disasm     bool
	report     string
	cache      string
	noManifest bool
	maxSteps   uint64
	stackSize  uint64
}

// exitError carries a process exit status that is already explained on
// stderr.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func run(args []string, opts options) error {
	var mf *manifest.Manifest
	if !opts.noManifest {
		var err error
		mf, err = manifest.FindAndLoad(".")
		if err != nil {
			return err
		}
	}

	input := ""
	switch {
	case len(args) == 1:
		input = args[0]
	case len(args) > 1:
		return fmt.Errorf("expected one input file, got %d", len(args))
	case mf != nil:
		input = mf.EntryPath()
		log.Infof("using manifest entry %s", input)
	default:
		flag.Usage()
		return &exitError{code: 2}
	}

	raw, err := loadContainer(input)
	if err != nil {
		return err
	}

	if opts.output != "" {
		if err := os.WriteFile(opts.output, raw, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", opts.output, err)
		}
		log.Infof("wrote %s (%d bytes)", opts.output, len(raw))
		return nil
	}

	m, err := module.Parse(raw)
	if err != nil {
		return err
	}

	if opts.disasm {
		p, err := m.Program()
		if err != nil {
			return err
		}
		listing, err := asm.Disassemble(p)
		if err != nil {
			return err
		}
		fmt.Print(listing)
		return nil
	}

	policy, err := resolvePolicy(opts, mf)
	if err != nil {
		return err
	}
	if err := verifyContainer(raw, m, policy, resolveCachePath(opts, mf)); err != nil {
		return err
	}
	log.Infof("verified under %s policy", policy)

	if opts.verifyOnly {
		fmt.Printf("%s: verified (%s)\n", input, policy)
		return nil
	}

	return execute(raw, m, policy, opts)
}

// loadContainer reads input, assembling it first when it is a listing.
func loadContainer(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".zfa") {
		raw, err := asm.Assemble(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return raw, nil
	}
	return data, nil
}

func resolvePolicy(opts options, mf *manifest.Manifest) (verify.Policy, error) {
	s := opts.policy
	if s == "" && mf != nil {
		s = mf.Verify.Policy
	}
	p, ok := verify.ParsePolicy(s)
	if !ok {
		return p, fmt.Errorf("unknown policy %q (want permissive or strict)", s)
	}
	return p, nil
}

func resolveCachePath(opts options, mf *manifest.Manifest) string {
	if opts.cache != "" {
		return opts.cache
	}
	if mf != nil {
		return mf.CachePath()
	}
	return ""
}

// verifyContainer checks the module, consulting the verdict cache when one
// is configured.
func verifyContainer(raw []byte, m *module.Module, policy verify.Policy, cachePath string) error {
	if cachePath == "" {
		return verify.Verify(m, policy)
	}

	c, err := cache.Open(cachePath)
	if err != nil {
		log.Warningf("cache unavailable: %v", err)
		return verify.Verify(m, policy)
	}
	defer c.Close()

	key := cache.Key(raw)
	if v, err := c.Lookup(key, policy.String()); err == nil {
		log.Debugf("cache hit for %s", key[:12])
		if v.Accepted {
			return nil
		}
		return fmt.Errorf("rejected (cached): %s", v.Reason)
	}

	verr := verify.Verify(m, policy)
	verdict := cache.Verdict{Accepted: verr == nil}
	if verr != nil {
		verdict.Reason = verr.Error()
	}
	if err := c.Store(key, policy.String(), verdict); err != nil {
		log.Warningf("cache store failed: %v", err)
	}
	return verr
}

func execute(raw []byte, m *module.Module, policy verify.Policy, opts options) error {
	p, err := m.Program()
	if err != nil {
		return err
	}

	var engOpts []vm.EngineOption
	if opts.maxSteps > 0 {
		engOpts = append(engOpts, vm.WithMaxSteps(opts.maxSteps))
	}
	if opts.stackSize != vm.DefaultStackSize {
		engOpts = append(engOpts, vm.WithStackSize(opts.stackSize))
	}

	eng, err := vm.NewEngine(p, engOpts...)
	if err != nil {
		return err
	}

	_, runErr := eng.Run()

	if opts.report != "" {
		report := trace.Capture(eng, trace.ModuleHash(raw), policy.String())
		data, err := trace.MarshalReport(report)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.report, data, 0644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		log.Debugf("wrote report to %s", opts.report)
	}

	switch {
	case runErr == nil:
		log.Infof("halted with code %d after %d steps", eng.HaltCode(), eng.Steps())
		return &exitError{code: processExit(eng.HaltCode())}
	case errors.Is(runErr, vm.ErrStepLimit):
		fmt.Fprintf(os.Stderr, "stopped after %d steps (step limit)\n", eng.Steps())
		return &exitError{code: 3}
	default:
		fmt.Fprintf(os.Stderr, "%v\n", vm.AsTrap(runErr, vm.TrapIllegal))
		return &exitError{code: 1}
	}
}

// processExit maps a halt code onto a process exit status. Halt code 1 is
// the conventional success code in a zero-free program, so it maps to 0;
// anything else is truncated into the 1..255 range.
func processExit(code uint64) int {
	if code == 1 {
		return 0
	}
	c := int(code & 0xFF)
	if c == 0 {
		c = 255
	}
	return c
}
