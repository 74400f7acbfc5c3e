package cfgfacade

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Parser recovers a control-flow graph from an ELF-64 x86-64 object.
// It is intentionally the thin side of the facade: whole-program CFG
// recovery from stripped or obfuscated binaries is explicitly out of
// this spec's scope (see package doc); Parser only has to handle
// unstripped binaries whose function boundaries are in the symbol
// table, which is the documented input contract (spec §6.1).
type Parser struct {
	file *elf.File
	path string
}

// OpenELF opens path as an ELF-64 x86-64 object for CFG recovery.
func OpenELF(path string) (*Parser, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		f.Close()
		return nil, fmt.Errorf("unsupported object: only ELF-64 x86-64 is supported")
	}
	return &Parser{file: f, path: path}, nil
}

func (p *Parser) Close() error { return p.file.Close() }

// funcSym is a resolved STT_FUNC symbol bounding a function body.
type funcSym struct {
	name string
	addr uint64
	size uint64
}

// Recover builds the Object's Function/Block/Edge graph by decoding
// every STT_FUNC symbol's instructions and splitting them into blocks
// at every branch target and fallthrough, exactly as spec §4.1/§3
// describe the Block/Edge model.
func (p *Parser) Recover() (*Object, error) {
	syms, err := p.file.Symbols()
	if err != nil {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}

	var funcs []funcSym
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		funcs = append(funcs, funcSym{name: s.Name, addr: s.Value, size: s.Size})
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].addr < funcs[j].addr })

	obj := &Object{Path: p.path, Linkage: map[uint64]string{}}

	if err := p.populateLinkage(obj, syms); err != nil {
		return nil, err
	}

	addrToFunc := make(map[uint64]*Function, len(funcs))
	for _, fs := range funcs {
		code, base, err := p.readRange(fs.addr, fs.size)
		if err != nil {
			// AnalysisFailure-equivalent at recovery time: skip this
			// function's body rather than abort the whole object.
			continue
		}
		fn, err := p.decodeFunction(fs.name, fs.addr, base, code)
		if err != nil {
			continue
		}
		fn.Obj = obj
		obj.Functions = append(obj.Functions, fn)
		addrToFunc[fs.addr] = fn
	}

	p.linkEdges(obj, addrToFunc)

	return obj, nil
}

func (p *Parser) readRange(addr, size uint64) ([]byte, uint64, error) {
	for _, sec := range p.file.Sections {
		if sec.Addr == 0 || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if addr >= sec.Addr && addr+size <= sec.Addr+sec.Size {
			data, err := sec.Data()
			if err != nil {
				return nil, 0, err
			}
			off := addr - sec.Addr
			return data[off : off+size], addr, nil
		}
	}
	return nil, 0, fmt.Errorf("address %#x not in any executable section", addr)
}

// decodeFunction linearly decodes a function's instructions and splits
// them into Blocks at branch instructions (and their targets).
func (p *Parser) decodeFunction(name string, addr, base uint64, code []byte) (*Function, error) {
	var insns []Instruction
	off := 0
	for off < len(code) {
		a := base + uint64(off)
		inst, err := DecodeInstruction(a, code[off:])
		if err != nil || inst.Len == 0 {
			// Unreadable trailing bytes (alignment padding); stop.
			break
		}
		insns = append(insns, inst)
		off += inst.Len
	}
	if len(insns) == 0 {
		return nil, fmt.Errorf("empty function body")
	}

	leaders := map[uint64]bool{addr: true}
	for _, in := range insns {
		switch in.Category {
		case CategoryCall:
			leaders[in.End()] = true
		case CategoryConditional:
			leaders[in.End()] = true
			if in.HasJumpTarget {
				leaders[in.JumpTarget] = true
			}
		case CategoryReturn:
			leaders[in.End()] = true
		default:
			if in.HasJumpTarget {
				leaders[in.JumpTarget] = true
				leaders[in.End()] = true
			}
		}
	}

	fn := &Function{Name: name, Addr: addr, End: base + uint64(off)}

	var cur *Block
	blockByStart := map[uint64]*Block{}
	for _, in := range insns {
		if leaders[in.Addr] || cur == nil {
			cur = &Block{Start: in.Addr, Func: fn}
			blockByStart[in.Addr] = cur
			fn.Blocks = append(fn.Blocks, cur)
		}
		cur.Instructions = append(cur.Instructions, in)
	}

	fn.Entry = blockByStart[addr]

	// Wire intra-function fallthrough and direct-jump/branch edges.
	for idx, b := range fn.Blocks {
		last := b.LastInsn()
		if last == nil {
			continue
		}
		var fallthroughBlock *Block
		if idx+1 < len(fn.Blocks) {
			fallthroughBlock = fn.Blocks[idx+1]
		}

		switch last.Category {
		case CategoryReturn:
			fn.Returns = append(fn.Returns, b)
			fn.Exits = append(fn.Exits, b)
			continue
		case CategoryCall:
			addEdge(b, fallthroughBlock, EdgeCallFT, false)
			continue
		case CategoryConditional:
			if last.HasJumpTarget {
				addEdge(b, blockByStart[last.JumpTarget], EdgeCondTaken, false)
			}
			addEdge(b, fallthroughBlock, EdgeCondNotTaken, false)
			continue
		}

		if last.CallTargetUnknown {
			// Unconditional indirect jump: sink edge, function exits here.
			sinkEdge(b, EdgeIndirect)
			fn.Exits = append(fn.Exits, b)
			continue
		}
		if last.HasJumpTarget {
			if tgt, ok := blockByStart[last.JumpTarget]; ok {
				addEdge(b, tgt, EdgeDirect, false)
			} else {
				// Tail call or jump outside the function body.
				sinkEdge(b, EdgeDirect)
				fn.Exits = append(fn.Exits, b)
			}
			continue
		}

		// Plain fallthrough (no branch at block end).
		addEdge(b, fallthroughBlock, EdgeDirect, false)
	}

	if len(fn.Exits) == 0 && len(fn.Blocks) > 0 {
		fn.Exits = append(fn.Exits, fn.Blocks[len(fn.Blocks)-1])
	}

	return fn, nil
}

func addEdge(src, dst *Block, t EdgeType, interproc bool) {
	if dst == nil {
		sinkEdge(src, t)
		return
	}
	e := &Edge{Type: t, Source: src, Target: dst, Interproc: interproc}
	src.Out = append(src.Out, e)
	dst.In = append(dst.In, e)
}

func sinkEdge(src *Block, t EdgeType) {
	e := &Edge{Type: t, Source: src, Sink: true}
	src.Out = append(src.Out, e)
}

// linkEdges resolves inter-procedural call edges once every function
// in the object has been decoded, marking them Interproc and wiring
// Source/Target across function boundaries for the call-graph engine
// to consume.
func (p *Parser) linkEdges(obj *Object, addrToFunc map[uint64]*Function) {
	for _, fn := range obj.Functions {
		for _, b := range fn.Blocks {
			last := b.LastInsn()
			if last == nil || last.Category != CategoryCall {
				continue
			}
			if !last.HasJumpTarget {
				sinkEdge(b, EdgeCall)
				continue
			}
			if callee, ok := addrToFunc[last.JumpTarget]; ok && callee.Entry != nil {
				addEdge(b, callee.Entry, EdgeCall, true)
				continue
			}
			if _, ok := obj.Linkage[last.JumpTarget]; ok {
				// PLT stub target: still a call edge, just to a stub
				// block outside any recovered Function; represent as
				// a sink. The call-graph analysis pass flags such calls
				// as PLT calls by looking the target up in obj.Linkage.
				sinkEdge(b, EdgeCall)
				continue
			}
			sinkEdge(b, EdgeCall)
		}
	}
}

// populateLinkage builds the PLT-stub-address -> symbol-name map the
// spec's linkage map query (§4.1) and the call-graph engine's
// PLT/non-PLT identity resolution (§4.2) both rely on.
func (p *Parser) populateLinkage(obj *Object, syms []elf.Symbol) error {
	pltSec := p.file.Section(".plt")
	relaSec := p.file.Section(".rela.plt")
	if pltSec == nil || relaSec == nil {
		// No dynamic linking (static binary): empty linkage map.
		return nil
	}

	dynSyms, err := p.file.DynamicSymbols()
	if err != nil {
		return nil
	}

	data, err := relaSec.Data()
	if err != nil {
		return nil
	}

	const relaEntrySize = 24 // Elf64_Rela: r_offset, r_info, r_addend
	const pltEntrySize = 16  // PLT0 is the reserved first entry
	for i := 0; i+relaEntrySize <= len(data); i += relaEntrySize {
		info := littleEndianUint64(data[i+8 : i+16])
		symIdx := info >> 32
		if symIdx == 0 || int(symIdx) > len(dynSyms) {
			continue
		}
		name := dynSyms[symIdx-1].Name
		if name == "" {
			continue
		}
		pltAddr := pltSec.Addr + uint64(i/relaEntrySize+1)*pltEntrySize
		obj.Linkage[pltAddr] = name
	}
	return nil
}

func littleEndianUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
