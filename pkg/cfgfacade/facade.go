package cfgfacade

import "strings"

// Facade mediates between the recovered Objects and the rest of the
// analyzer: it is the only thing passes are allowed to query for
// control-flow facts, so that a future whole-program-CFG library can
// be swapped in behind it without touching a single pass (§4.1).
type Facade struct {
	objects []*Object
	heights map[*Function]*StackHeights
}

// NewFacade wraps already-recovered objects (typically produced by
// Parser.Recover, one per input ELF file plus any shared libraries the
// caller chooses to also analyze).
func NewFacade(objects ...*Object) *Facade {
	return &Facade{objects: objects, heights: map[*Function]*StackHeights{}}
}

func (f *Facade) Objects() []*Object { return f.objects }

// Functions returns every recovered Function across all objects.
func (f *Facade) Functions() []*Function {
	var out []*Function
	for _, obj := range f.objects {
		out = append(out, obj.Functions...)
	}
	return out
}

// NonPLTFunctions filters out functions whose entry address appears in
// any object's linkage map (PLT stubs are not real function bodies;
// the call-graph engine treats them separately, per §4.2).
func (f *Facade) NonPLTFunctions() []*Function {
	var out []*Function
	for _, obj := range f.objects {
		for _, fn := range obj.Functions {
			if _, isPLT := obj.Linkage[fn.Addr]; isPLT {
				continue
			}
			out = append(out, fn)
		}
	}
	return out
}

func (f *Facade) Blocks(fn *Function) []*Block { return fn.Blocks }

func (f *Facade) Instructions(b *Block) []Instruction { return b.Instructions }

// FindSP answers the facade's stack-analysis query: the height of RSP
// (relative to fn's own entry RSP) at the given address, or Top/Bottom
// for degenerate queries. Unknown-tracking functions report Bottom,
// which every caller must treat as "no safe assumption".
func (f *Facade) FindSP(fn *Function, b *Block, addr uint64) int64 {
	sh, ok := f.heights[fn]
	if !ok {
		sh = ComputeStackHeights(fn)
		f.heights[fn] = sh
	}
	if sh.Unknown {
		return Bottom
	}
	entry, ok := sh.Entry[b.Start]
	if !ok {
		return Top
	}
	if addr == b.Start {
		return entry
	}
	// Walk forward within the block to the requested instruction.
	height := entry
	for _, in := range b.Instructions {
		if in.Addr >= addr {
			break
		}
		if d, known := spDelta(in); known {
			height += d
		} else {
			return Bottom
		}
	}
	return height
}

// StackHeightsOf exposes the cached per-block entry/end heights for a
// function, computing them on first use.
func (f *Facade) StackHeightsOf(fn *Function) *StackHeights {
	sh, ok := f.heights[fn]
	if !ok {
		sh = ComputeStackHeights(fn)
		f.heights[fn] = sh
	}
	return sh
}

// LinkageMap returns obj's address-to-PLT-symbol map (§4.1).
func (f *Facade) LinkageMap(obj *Object) map[uint64]string { return obj.Linkage }

// canonicalSystemLibraries lists the shared objects whose own call
// edges are never worth resolving further (ld.so, libc and friends):
// anything loaded from one of these is system code, not
// application logic, and the call-graph engine's "first seen wins"
// identity policy (§9) only needs to apply within this set.
var canonicalSystemLibraries = []string{
	"ld-linux", "ld.so", "libc.so", "libpthread.so", "libm.so",
	"libdl.so", "librt.so", "libresolv.so",
}

// IsSystemCode reports whether obj's path matches one of the canonical
// dynamic libraries the runtime always loads, by pathname substring.
func (f *Facade) IsSystemCode(obj *Object) bool {
	for _, lib := range canonicalSystemLibraries {
		if strings.Contains(obj.Path, lib) {
			return true
		}
	}
	return false
}

// IsSharedLibrary reports whether obj looks like a shared object
// rather than the main executable, by filename convention (".so").
func (f *Facade) IsSharedLibrary(obj *Object) bool {
	return strings.Contains(obj.Path, ".so")
}
