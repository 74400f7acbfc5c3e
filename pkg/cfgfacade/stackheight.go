package cfgfacade

// StackHeights holds the per-block entry/end RSP heights (absolute
// signed offset from the function's own entry RSP; 0 at entry,
// becoming more negative as the function pushes) computed by a single
// forward sweep over the function's blocks. This is the facade's
// findSP(block, address) query (§4.1), computed once per function and
// cached rather than recomputed per instruction.
type StackHeights struct {
	Entry map[uint64]int64 // block start address -> height
	End   map[uint64]int64 // block start address -> height
	// Unknown marks functions where SP tracking could not be resolved
	// (e.g. a computed adjustment), matching the AnalysisFailure policy
	// of §7: callers must treat every query against such a function as
	// "no answer" and fall back to assume_unsafe.
	Unknown bool
}

// Top and Bottom are sentinel heights findSP can report instead of an
// exact value, matching the facade's documented
// `{height|Top|Bottom}` result shape: Top for a block that has no
// computed entry height (not reached from the function entry), Bottom
// when the function's tracking is Unknown or an instruction before the
// queried address adjusts RSP in an unresolvable way.
const (
	Top    = int64(1<<63 - 1)
	Bottom = -Top
)

// ComputeStackHeights performs the forward sweep. It assumes a
// reducible, single-entry intraprocedural CFG (true for compiler
// output without hand-written SP trickery); if two predecessors
// disagree on a block's entry height, tracking is abandoned for the
// whole function and Unknown is set, which is the conservative,
// AnalysisFailure-compatible outcome.
func ComputeStackHeights(fn *Function) *StackHeights {
	sh := &StackHeights{Entry: map[uint64]int64{}, End: map[uint64]int64{}}
	if fn.Entry == nil {
		sh.Unknown = true
		return sh
	}

	visited := map[uint64]bool{}
	queue := []*Block{fn.Entry}
	sh.Entry[fn.Entry.Start] = 0

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if visited[b.Start] {
			continue
		}
		visited[b.Start] = true

		entry, ok := sh.Entry[b.Start]
		if !ok {
			sh.Unknown = true
			continue
		}

		end, blockOK := deltaForBlock(b, entry)
		if !blockOK {
			sh.Unknown = true
			continue
		}
		sh.End[b.Start] = end

		for _, e := range b.Out {
			if e.Target == nil || e.Interproc {
				continue
			}
			// A call's fallthrough resumes at the same height the
			// call executed at: the callee's own prologue/epilogue
			// nets to zero net change to the caller's frame.
			nextHeight := end
			if existing, seen := sh.Entry[e.Target.Start]; seen {
				if existing != nextHeight {
					sh.Unknown = true
					continue
				}
			} else {
				sh.Entry[e.Target.Start] = nextHeight
			}
			queue = append(queue, e.Target)
		}
	}

	return sh
}

// deltaForBlock returns the height at the end of b, given its entry
// height, by walking its instructions and accounting for
// push/pop/call and direct RSP arithmetic. ok is false if the block
// contains an RSP write this simple model cannot account for (e.g. a
// computed adjustment from a non-immediate source).
func deltaForBlock(b *Block, entry int64) (int64, bool) {
	height := entry
	for _, in := range b.Instructions {
		delta, known := spDelta(in)
		if !known {
			return 0, false
		}
		height += delta
	}
	return height, true
}

// spDelta returns how much an instruction changes RSP by, or
// (0, false) if it adjusts RSP in a way this facade can't resolve
// (e.g. `and rsp, imm` stack realignment, or moving a computed value
// into RSP).
func spDelta(in Instruction) (int64, bool) {
	if !in.WritesRegister(RSP) {
		return 0, true
	}
	switch {
	case isPush(in):
		return -8, true
	case isPop(in):
		return 8, true
	case in.Category == CategoryCall:
		return 0, true
	case in.Category == CategoryReturn:
		return 0, true
	}
	if d, ok := in.immediateSPAdjustment(); ok {
		return d, true
	}
	return 0, false
}

func isPush(in Instruction) bool {
	for _, mw := range in.MemWrites {
		if mw.Base == RSP && mw.Disp == 0 && len(in.MemWrites) == 1 {
			return in.WritesRegister(RSP)
		}
	}
	return false
}

func isPop(in Instruction) bool {
	for _, mr := range in.MemReads {
		if mr.Base == RSP && mr.Disp == 0 && len(in.MemReads) == 1 {
			return in.WritesRegister(RSP)
		}
	}
	return false
}

// immediateSPAdjustment is populated by the decoder for `add/sub/lea
// rsp, imm` forms; see decode.go.
func (i Instruction) immediateSPAdjustment() (int64, bool) {
	if i.spAdjustKnown {
		return i.spAdjustDelta, true
	}
	return 0, false
}
