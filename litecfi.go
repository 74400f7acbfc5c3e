// Package litecfi is the top-level orchestrator: it owns the single
// Context spec.md §9's "no hidden singletons" redesign note calls for
// (the CFG facade handle, the summary store, the analysis cache, and
// the emitter configuration all live on one value instead of behind
// package-level globals) and drives Harden, the end-to-end pipeline
// from an input ELF path to a rewriter.Plan.
package litecfi

import (
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/go-litecfi/litecfi/pkg/cache"
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/emit"
	"github.com/go-litecfi/litecfi/pkg/lowering"
	"github.com/go-litecfi/litecfi/pkg/passes"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/regfile"
	"github.com/go-litecfi/litecfi/pkg/rewriter"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// Error taxonomy (spec.md §7). Only StructuralViolation and
// EmissionFailure are fatal to a Harden run; AnalysisFailure and
// IOFailure degrade the affected function or the cache, respectively,
// and the run continues. lowering.ErrStructuralViolation and
// emit.ErrEmissionFailure are the package-local sentinels this package
// classifies against with errors.Is at the orchestrator boundary.
var (
	// ErrAnalysisFailure marks a per-function degrade-and-continue
	// condition (an undecodable instruction, a stack height query with
	// no answer). Harden never returns this itself; it is wrapped
	// around whichever function forced AssumeUnsafe, for the caller's
	// diagnostic.
	ErrAnalysisFailure = errors.New("analysis failure")
	// ErrIOFailure marks a cache file that could not be opened or
	// locked. Harden logs and continues with an empty cache rather than
	// returning this as a hard failure.
	ErrIOFailure = errors.New("io failure")
)

// Config mirrors the CLI-facing flags of spec.md §6.1.
type Config struct {
	BinaryPath string
	OutputPath string
	CachePath  string

	Emit                  emit.Options
	EnableExceptionSafety bool

	// Verbose, when non-nil, receives a spew.Fdump of every function's
	// final FuncSummary after the pipeline completes - the same
	// "thread a plain io.Writer through, dump structured state to it"
	// idiom the teacher's InstrumentAndLoadCollection uses for its
	// verifier-log trace.
	Verbose io.Writer
}

// Context owns every stateful collaborator one Harden run touches:
// the CFG facade, the call graph, the summary store, and the loaded
// cache. It is not reused across runs - each Harden call constructs a
// fresh one - because the summary store's invariants (§3: "mutated by
// every pass, never destroyed during a run") are scoped to a single
// pipeline execution.
type Context struct {
	Facade *cfgfacade.Facade
	Graph  *callgraph.Graph
	Store  summary.Store
	Cache  *cache.Cache

	cfg Config
}

// Result is Harden's report: the splice plan ready for a
// rewriter.Patcher, plus the pass manager's per-pass counters for
// diagnostics.
type Result struct {
	Plan     rewriter.Plan
	Analysis passmgr.AnalysisResult
}

// Harden runs the full pipeline against cfg.BinaryPath: recover the
// CFG, build the call graph, run the canonical passes (plus the
// supplemented exception-safety passes if enabled), then synthesize
// and collect instrumentation for every function the pipeline could
// not prove safe.
func Harden(cfg Config) (*Result, error) {
	parser, err := cfgfacade.OpenELF(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailure, err)
	}
	defer parser.Close()

	obj, err := parser.Recover()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisFailure, err)
	}

	facade := cfgfacade.NewFacade(obj)
	graph := callgraph.Build(facade)
	callgraph.ResolveIndirectCalls(graph)

	c := cache.Empty()
	if cfg.CachePath != "" {
		loaded, err := cache.Load(cfg.CachePath)
		if err != nil {
			// IOFailure policy (§7): log via Verbose if present, continue
			// without cache rather than aborting the run.
			if cfg.Verbose != nil {
				fmt.Fprintf(cfg.Verbose, "%v: %v, continuing with empty cache\n", ErrIOFailure, err)
			}
		} else {
			c = loaded
		}
	}

	ctx := &Context{Facade: facade, Graph: graph, Cache: c, cfg: cfg}

	pm := passmgr.New(passes.Pipeline(facade, passes.PipelineOptions{
		EnableExceptionSafety: cfg.EnableExceptionSafety,
	})...)
	analysis, err := pm.Run(graph)
	if err != nil {
		// A local-analysis error from the pass manager is, per §7,
		// either an AnalysisFailure (degrade, never reaches here because
		// passes record it on the summary instead of returning it) or a
		// StructuralViolation (ValidateCFG's fatal abort) - anything the
		// pass manager itself returns is therefore structural.
		return nil, fmt.Errorf("%w: %v", lowering.ErrStructuralViolation, err)
	}
	ctx.Store = pm.Store

	plan, err := ctx.buildPlan()
	if err != nil {
		return nil, err
	}

	if cfg.CachePath != "" {
		ctx.recordCache()
		if err := c.Flush(); err != nil && cfg.Verbose != nil {
			fmt.Fprintf(cfg.Verbose, "%v: %v\n", ErrIOFailure, err)
		}
	}

	if cfg.Verbose != nil {
		for fn, s := range ctx.Store {
			fmt.Fprintf(cfg.Verbose, "=== %s ===\n", fn.Name)
			spew.Fdump(cfg.Verbose, s)
		}
	}

	return &Result{Plan: *plan, Analysis: analysis}, nil
}

// recordCache stores every analyzed leaf function's unused-register set
// in the cache, keyed by its owning object's path (§5's
// `library_path%function,...` record).
func (ctx *Context) recordCache() {
	for fn, s := range ctx.Store {
		if len(s.UnusedRegs) == 0 {
			continue
		}
		// Walk the fixed register order rather than the map, so the
		// flushed cache file's record layout is stable across runs.
		regs := make([]cfgfacade.Reg, 0, len(s.UnusedRegs))
		for _, r := range cfgfacade.GPRegisters {
			if s.UnusedRegs[r] {
				regs = append(regs, r)
			}
		}
		libPath := ""
		if fn.Obj != nil {
			libPath = fn.Obj.Path
		}
		ctx.Cache.Record(libPath, fn.Name, regs)
	}
}

// buildPlan walks every function the pass pipeline analyzed and
// synthesizes instrumentation for every SCComponent the lowering stage
// marked StackPush or HeaderInstrumentation (§4.5's "every program
// path passes through a stack_push at most once before reaching any
// unsafe block"), plus a validate sequence at every return block of an
// unsafe function. Safe functions - §8 invariant 4 - contribute zero
// splices.
func (ctx *Context) buildPlan() (*rewriter.Plan, error) {
	plan := &rewriter.Plan{NeededLibrary: RuntimeSharedObjectName}

	for fn, s := range ctx.Store {
		if s.CFG == nil || s.Safe {
			continue
		}

		backendLanes := 0
		var regAssign regfile.Assignment
		if ctx.cfg.Emit.Backend == emit.BackendAVX2 || ctx.cfg.Emit.Backend == emit.BackendAVX512 {
			regAssign = regfile.Assign(fn)
			backendLanes = len(regAssign.FreeLanes)
		}

		for _, comp := range s.CFG.All() {
			switch {
			case comp.StackPush:
				// Synthetic node: no Blocks of its own. The real splice
				// point is the entry of whatever component it was
				// interposed in front of (§4.5: "a copy of the target").
				if len(comp.Targets) == 0 {
					continue
				}
				target := s.CFG.Get(comp.Targets[0])
				if target == nil || len(target.Blocks) == 0 {
					continue
				}
				if err := ctx.emitPushAtBlock(fn, s, target.Blocks[0], backendLanes, plan); err != nil {
					return nil, err
				}
			case comp.HeaderInstrumentation && len(comp.Blocks) > 0:
				if err := ctx.emitPushAtBlock(fn, s, comp.Blocks[0], backendLanes, plan); err != nil {
					return nil, err
				}
			}
			for _, b := range comp.Returns {
				if err := ctx.emitValidateForBlock(fn, s, b, plan); err != nil {
					return nil, err
				}
			}
		}

		if err := ctx.emitDepthProfile(fn, plan); err != nil {
			return nil, err
		}
		if err := ctx.emitSanitizeChecks(fn, s, plan); err != nil {
			return nil, err
		}
	}

	return plan, nil
}

// emitDepthProfile adds the optional depth-profiling capture
// (stack_size/capture_at, §6.1) to an instrumented function: one
// counter increment at entry, one decrement before each return. It
// never fires in a dry-run cost measurement, and a zero stack_size
// disables it entirely.
func (ctx *Context) emitDepthProfile(fn *cfgfacade.Function, plan *rewriter.Plan) error {
	opts := ctx.cfg.Emit
	if opts.StackSize <= 0 || opts.DryRun != emit.DryRunOff || fn.Entry == nil {
		return nil
	}

	push, err := emit.DepthPush(0, int32(opts.StackSize), int32(opts.CaptureAt), opts)
	if err != nil {
		return fmt.Errorf("%s: %w", fn.Name, err)
	}
	plan.Splices = append(plan.Splices, rewriter.Splice{
		Func:  fn,
		Point: emit.Point{Kind: emit.FunctionEntry, Func: fn, Block: fn.Entry, Addr: fn.Entry.Start},
		Code:  push,
	})

	for _, b := range fn.Returns {
		pop, err := emit.DepthPop(0, int32(opts.StackSize), int32(opts.CaptureAt), opts)
		if err != nil {
			return fmt.Errorf("%s: %w", fn.Name, err)
		}
		plan.Splices = append(plan.Splices, rewriter.Splice{
			Func:  fn,
			Point: emit.Point{Kind: emit.FunctionExit, Func: fn, Block: b, Addr: b.Last()},
			Code:  pop,
		})
	}
	return nil
}

// emitSanitizeChecks adds §4.8.4's pre-instruction bounds check to
// every memory-writing instruction of an unsafe function when the
// sanitize protection is selected. The scratch register carrying the
// effective address comes from the block-local dead set at the write
// site when one exists; otherwise rax is spilled around the check.
func (ctx *Context) emitSanitizeChecks(fn *cfgfacade.Function, s *summary.FuncSummary, plan *rewriter.Plan) error {
	if ctx.cfg.Emit.Protection != emit.ProtectionSanitize {
		return nil
	}
	redZone := len(s.RedZoneAccess) > 0

	for _, b := range fn.Blocks {
		prevAddr := uint64(0)
		hasPrev := false
		for _, in := range b.Instructions {
			if len(in.MemWrites) == 0 || in.Category == cfgfacade.CategoryCall || in.Category == cfgfacade.CategoryReturn {
				prevAddr, hasPrev = in.Addr, true
				continue
			}

			// Registers dead after the previous instruction are dead
			// before this one; with no placement fact, rax gets spilled.
			scratch, spill := cfgfacade.RAX, true
			if hasPrev {
				if dead := s.BlockLocalDead[prevAddr]; len(dead) > 0 {
					for _, r := range cfgfacade.CallerSavedGPRegisters {
						if dead[r] {
							scratch, spill = r, false
							break
						}
					}
				}
			}

			for _, op := range in.MemWrites {
				code, err := emit.SanitizeWrite(op, scratch, redZone, spill, ctx.cfg.Emit)
				if errors.Is(err, emit.ErrSanitizeSuppressed) {
					continue
				}
				if err != nil {
					return fmt.Errorf("%s: %w", fn.Name, err)
				}
				if code == nil {
					continue
				}
				plan.Splices = append(plan.Splices, rewriter.Splice{
					Func:  fn,
					Point: emit.Point{Kind: emit.MemoryWrite, Func: fn, Block: b, Addr: in.Addr},
					Code:  code,
				})
			}
			prevAddr, hasPrev = in.Addr, true
		}
	}
	return nil
}

// pickUnusedReg returns the first unused register in the fixed GPR
// order, so repeat runs over the same binary choose the same carrier
// (the §8 idempotence property would otherwise hinge on map iteration
// order).
func pickUnusedReg(s *summary.FuncSummary) (cfgfacade.Reg, bool) {
	for _, r := range cfgfacade.GPRegisters {
		if s.UnusedRegs[r] {
			return r, true
		}
	}
	return cfgfacade.RegNone, false
}

func (ctx *Context) emitPushAtBlock(fn *cfgfacade.Function, s *summary.FuncSummary, target *cfgfacade.Block, laneCount int, plan *rewriter.Plan) error {
	if ctx.cfg.Emit.Backend != emit.BackendAVX2 && ctx.cfg.Emit.Backend != emit.BackendAVX512 {
		if r, ok := pickUnusedReg(s); ok {
			code := emit.ShortCircuitPush(0, r, ctx.cfg.Emit)
			plan.Splices = append(plan.Splices, rewriter.Splice{
				Func:  fn,
				Point: emit.Point{Kind: emit.FunctionEntry, Func: fn, Block: target, Addr: target.Start},
				Code:  code,
			})
			return nil
		}
	}

	var (
		code []byte
		err  error
	)
	switch ctx.cfg.Emit.Backend {
	case emit.BackendAVX2, emit.BackendAVX512:
		if laneCount == 0 {
			return fmt.Errorf("%s: %w: no free register-file lane and no unused GPR available", fn.Name, emit.ErrEmissionFailure)
		}
		code, err = emit.AVXPush(s, target.Start, laneCount, ctx.cfg.Emit)
	default:
		code, err = emit.MemPush(s, target.Start, ctx.cfg.Emit)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", fn.Name, err)
	}
	if code == nil {
		return nil
	}
	plan.Splices = append(plan.Splices, rewriter.Splice{
		Func:  fn,
		Point: emit.Point{Kind: emit.FunctionEntry, Func: fn, Block: target, Addr: target.Start},
		Code:  code,
	})
	return nil
}

func (ctx *Context) emitValidateForBlock(fn *cfgfacade.Function, s *summary.FuncSummary, b *cfgfacade.Block, plan *rewriter.Plan) error {
	exitAddr := b.Last()

	var (
		fallback []byte
		err      error
	)
	switch ctx.cfg.Emit.Backend {
	case emit.BackendAVX2, emit.BackendAVX512:
		fallback, err = emit.AVXValidate(s, b.Start, ctx.cfg.Emit)
	default:
		fallback, err = emit.MemValidate(s, b.Start, ctx.cfg.Emit)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", fn.Name, err)
	}

	code := fallback
	// Mirror emitPushAtBlock's choice: a function this entry's push
	// sequence carried through an unused_reg gets the matching short-
	// circuit compare at exit, falling back to the full unwind-search
	// sequence above on a miss. flagsLive stays true here - nothing
	// upstream of this point proves flags dead at exitAddr yet, and §9's
	// resolved open question says elision needs proof, not assumption.
	if ctx.cfg.Emit.Backend != emit.BackendAVX2 && ctx.cfg.Emit.Backend != emit.BackendAVX512 {
		if r, ok := pickUnusedReg(s); ok {
			code, err = emit.ShortCircuitValidate(0, r, true, fallback, ctx.cfg.Emit)
			if err != nil {
				return fmt.Errorf("%s: %w", fn.Name, err)
			}
		}
	}
	if code == nil {
		return nil
	}
	plan.Splices = append(plan.Splices, rewriter.Splice{
		Func:  fn,
		Point: emit.Point{Kind: emit.FunctionExit, Func: fn, Block: b, Addr: exitAddr},
		Code:  code,
	})
	return nil
}

// RuntimeSharedObjectName is the DT_NEEDED soname Harden requests for
// every patched binary (§6.2), named here rather than inline so
// cmd/litecfi and tests share one literal.
const RuntimeSharedObjectName = "litecfi_runtime.so"
