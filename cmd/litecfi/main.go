package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-litecfi/litecfi"
	"github.com/go-litecfi/litecfi/pkg/emit"
	"github.com/go-litecfi/litecfi/pkg/rewriter"
)

var root = &cobra.Command{
	Use: "litecfi",
}

func main() {
	root.AddCommand(hardenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func panicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

var (
	flagElfPath     string
	flagOutputPath  string
	flagCachePath   string
	flagVerbose     bool

	flagShadowStack           string
	flagShadowStackProtection string
	flagValidateFrame         bool
	flagOptimizeRegs          bool
	flagDryRun                string
	flagStackSize             int
	flagCaptureAt             int

	flagEnableExceptionSafety bool
)

func hardenCmd() *cobra.Command {
	harden := &cobra.Command{
		Use:   "harden {--elf=path}",
		Short: "Instrument an ELF-64 x86-64 binary with shadow-return-stack checks",
		RunE:  runHarden,
	}

	fs := harden.Flags()

	fs.StringVar(&flagElfPath, "elf", "", "Path to the ELF file to harden")
	panicOnError(harden.MarkFlagFilename("elf"))
	panicOnError(harden.MarkFlagRequired("elf"))

	fs.StringVar(&flagOutputPath, "output", "", "Path to write the patched binary (defaults to <elf>_cfi)")

	fs.StringVar(&flagCachePath, "cache", "", "Path to the analysis cache file (§5); omit to disable caching")

	fs.BoolVar(&flagVerbose, "verbose", false, "Dump every function's final analysis summary to stderr")

	fs.StringVar(&flagShadowStack, "shadow-stack", "mem", "Shadow stack backend: avx2, avx512, or mem")
	fs.StringVar(&flagShadowStackProtection, "shadow-stack-protection", "none",
		"Memory-write protection for the mem backend: sanitize, mpx, or none")
	fs.BoolVar(&flagValidateFrame, "validate-frame", false, "Enable the frame-pointer cross-check variant")
	fs.BoolVar(&flagOptimizeRegs, "optimize-regs", true, "Permit dead-register scratch elision")
	fs.StringVar(&flagDryRun, "dry-run", "", `Cost-measurement mode: "", "empty", or "only-save"`)
	fs.IntVar(&flagStackSize, "stack-size", 0, "Depth-profile stack_size parameter (0 disables depth capture)")
	fs.IntVar(&flagCaptureAt, "capture-at", 0, "Depth-profile capture_at parameter")

	fs.BoolVar(&flagEnableExceptionSafety, "exception-safety", false,
		"Run the supplemented exception-safety passes (diagnostic only, never affects classification)")

	return harden
}

func parseBackend(s string) (emit.Backend, error) {
	switch s {
	case "avx2":
		return emit.BackendAVX2, nil
	case "avx512":
		return emit.BackendAVX512, nil
	case "mem", "":
		return emit.BackendMem, nil
	default:
		return 0, fmt.Errorf("invalid --shadow-stack value %q, pick from: avx2, avx512, mem", s)
	}
}

func parseProtection(s string) (emit.Protection, error) {
	switch s {
	case "sanitize":
		return emit.ProtectionSanitize, nil
	case "mpx":
		return emit.ProtectionMPX, nil
	case "none", "":
		return emit.ProtectionNone, nil
	default:
		return 0, fmt.Errorf("invalid --shadow-stack-protection value %q, pick from: sanitize, mpx, none", s)
	}
}

func parseDryRun(s string) (emit.DryRun, error) {
	switch s {
	case "":
		return emit.DryRunOff, nil
	case "empty":
		return emit.DryRunEmpty, nil
	case "only-save":
		return emit.DryRunOnlySave, nil
	default:
		return 0, fmt.Errorf(`invalid --dry-run value %q, pick from: "", "empty", "only-save"`, s)
	}
}

func runHarden(cmd *cobra.Command, args []string) error {
	backend, err := parseBackend(flagShadowStack)
	if err != nil {
		return err
	}
	protection, err := parseProtection(flagShadowStackProtection)
	if err != nil {
		return err
	}
	dryRun, err := parseDryRun(flagDryRun)
	if err != nil {
		return err
	}

	outputPath := flagOutputPath
	if outputPath == "" {
		outputPath = flagElfPath + "_cfi"
	}

	var verbose *os.File
	if flagVerbose {
		verbose = os.Stderr
	}

	cfg := litecfi.Config{
		BinaryPath:            flagElfPath,
		OutputPath:            outputPath,
		CachePath:             flagCachePath,
		EnableExceptionSafety: flagEnableExceptionSafety,
		Emit: emit.Options{
			Backend:       backend,
			Protection:    protection,
			ValidateFrame: flagValidateFrame,
			OptimizeRegs:  flagOptimizeRegs,
			DryRun:        dryRun,
			StackSize:     flagStackSize,
			CaptureAt:     flagCaptureAt,
		},
	}
	if verbose != nil {
		cfg.Verbose = verbose
	}

	result, err := litecfi.Harden(cfg)
	if err != nil {
		return fmt.Errorf("harden %s: %w", flagElfPath, err)
	}

	patcher, err := rewriter.OpenELFPatcher(flagElfPath, outputPath)
	if err != nil {
		return fmt.Errorf("open patcher: %w", err)
	}

	if err := rewriter.Apply(patcher, result.Plan); err != nil {
		return fmt.Errorf("apply instrumentation plan: %w", err)
	}

	fmt.Printf("litecfi: patched %d call/return sites, wrote %s\n", len(result.Plan.Splices), outputPath)

	return nil
}
