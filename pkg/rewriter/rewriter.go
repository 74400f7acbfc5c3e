// Package rewriter defines the boundary between this repository's
// analyzer/emitter and the binary splicer that actually mutates
// machine code bytes inside an ELF image. Per spec.md §1, "the binary
// rewriter that splices emitted bytes into functions" is an external
// collaborator - only its interface is specified here, not a
// production-grade relocation-safe patcher. The implementation in
// this package is deliberately thin: extending .text and detouring
// into a trampoline is enough to exercise the interface end to end,
// but a real deployment would hand Patcher to whatever dedicated
// rewriter library fits its section-layout constraints.
package rewriter

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/emit"
)

// Patcher is the interface the emitter's byte sequences are handed
// to. Splice must preserve every other function's bytes and the
// object's existing section layout (spec.md §6.2: "preserving section
// layout").
type Patcher interface {
	// Splice installs code at point, redirecting control through it
	// without disturbing any instruction outside fn's own body that the
	// splice didn't explicitly intend to touch.
	Splice(fn *cfgfacade.Function, point emit.Point, code []byte) error

	// AddNeededLibrary records a DT_NEEDED entry for the runtime shared
	// library the emitted code's gs-relative accesses depend on
	// (spec.md §6.2, §6.3).
	AddNeededLibrary(soname string) error

	// Close finalizes the patched image, writing it to the configured
	// output path (spec.md §6.2).
	Close() error
}

// Splice describes one patch site: where, and what bytes to install.
// The orchestrator accumulates these as the emitter runs, then Apply
// replays the whole batch against a Patcher, one Splice call per
// entry in plan order.
type Splice struct {
	Func  *cfgfacade.Function
	Point emit.Point
	Code  []byte
}

// Plan is the ordered set of splices one Harden run produced, handed
// to a Patcher as a unit.
type Plan struct {
	Splices       []Splice
	NeededLibrary string
}

// Apply replays p's splices against a Patcher in order, and records
// the needed-library entry. It stops at the first error: spec.md §7's
// EmissionFailure policy is "abort; no partial patching", and a
// Splice failure partway through a Plan is exactly that case, so
// Apply does not attempt to undo splices already applied - the
// caller's output path should not be treated as valid on error.
func Apply(pt Patcher, p Plan) error {
	for _, s := range p.Splices {
		if err := pt.Splice(s.Func, s.Point, s.Code); err != nil {
			return err
		}
	}
	if p.NeededLibrary != "" {
		if err := pt.AddNeededLibrary(p.NeededLibrary); err != nil {
			return err
		}
	}
	return pt.Close()
}
