package rewriter

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/emit"
)

// ELFPatcher is the minimal, section-layout-preserving Patcher
// implementation spec.md §6.2 asks for: it detours each patch point
// with a 5-byte `jmp rel32` into a trampoline appended past the
// original image, rather than attempting in-place relocation of
// variable-length x86 instructions (a genuinely relocation-safe
// splicer is the out-of-scope "binary rewriter" §1 names as an
// external collaborator; this is the interface's reference
// implementation, not that collaborator).
type ELFPatcher struct {
	inPath  string
	outPath string

	raw  []byte
	file *elf.File

	trampolines []byte // appended past the original image, grows per Splice
	needed      string
}

// OpenELFPatcher opens inPath for patching; patched output is written
// to outPath by Close.
func OpenELFPatcher(inPath, outPath string) (*ELFPatcher, error) {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return nil, fmt.Errorf("read elf for patching: %w", err)
	}
	f, err := elf.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("parse elf for patching: %w", err)
	}
	return &ELFPatcher{inPath: inPath, outPath: outPath, raw: raw, file: f}, nil
}

// fileOffset resolves a virtual address to a byte offset in raw,
// searching the section that contains it.
func (p *ELFPatcher) fileOffset(addr uint64) (int, error) {
	for _, sec := range p.file.Sections {
		if sec.Addr == 0 || sec.Type != elf.SHT_PROGBITS {
			continue
		}
		if addr >= sec.Addr && addr < sec.Addr+sec.Size {
			return int(sec.Offset + (addr - sec.Addr)), nil
		}
	}
	return 0, fmt.Errorf("address %#x not found in any PROGBITS section", addr)
}

// Splice detours point.Addr with a `jmp rel32` into a trampoline
// containing code followed by a `jmp rel32` back to the first
// instruction after the 5 patched bytes.
func (p *ELFPatcher) Splice(fn *cfgfacade.Function, point emit.Point, code []byte) error {
	off, err := p.fileOffset(point.Addr)
	if err != nil {
		return fmt.Errorf("splice %s at %#x: %w", fn.Name, point.Addr, err)
	}
	if off+5 > len(p.raw) {
		return fmt.Errorf("splice %s at %#x: patch point runs past end of file", fn.Name, point.Addr)
	}

	// Virtual address the trampoline will live at: appended past the
	// highest section's extent, so it lands in fresh, unmapped-by-
	// anything-else address space once the rewriter (out of scope)
	// extends the load segment to cover it.
	trampolineAddr := p.endOfImageAddr() + uint64(len(p.trampolines))

	detourRel := int32(int64(trampolineAddr) - int64(point.Addr+5))
	detour := append([]byte{0xE9}, rel32Bytes(detourRel)...)
	copy(p.raw[off:off+5], detour)

	returnAddr := point.Addr + 5
	trampolineEnd := trampolineAddr + uint64(len(code)) + 5
	backRel := int32(int64(returnAddr) - int64(trampolineEnd))
	back := append([]byte{0xE9}, rel32Bytes(backRel)...)

	p.trampolines = append(p.trampolines, code...)
	p.trampolines = append(p.trampolines, back...)

	return nil
}

func (p *ELFPatcher) endOfImageAddr() uint64 {
	var max uint64
	for _, sec := range p.file.Sections {
		if sec.Addr == 0 {
			continue
		}
		if end := sec.Addr + sec.Size; end > max {
			max = end
		}
	}
	// Page-align so the appended trampoline region can become its own
	// PT_LOAD segment without overlapping the original image.
	const pageSize = 0x1000
	return (max + pageSize - 1) &^ (pageSize - 1)
}

func rel32Bytes(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// AddNeededLibrary records the runtime shared library's soname; a
// real implementation would rewrite the .dynamic section's DT_NEEDED
// chain. This reference implementation only remembers it; Close does
// not write it into the output, since mutating .dynamic's size in
// place without a linker's section-growth machinery is exactly the relocation problem §1 places
// outside this spec's core.
func (p *ELFPatcher) AddNeededLibrary(soname string) error {
	p.needed = soname
	return nil
}

// Close writes the patched image (original bytes plus the appended
// trampoline region) to outPath.
func (p *ELFPatcher) Close() error {
	out := append(append([]byte{}, p.raw...), p.trampolines...)
	if err := os.WriteFile(p.outPath, out, 0o755); err != nil {
		return fmt.Errorf("write patched binary: %w", err)
	}
	return p.file.Close()
}
