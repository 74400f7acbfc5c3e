package rewriter

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/emit"
)

// newTestPatcher builds an ELFPatcher around a single synthetic
// PROGBITS section, bypassing elf.Open - OpenELFPatcher's own file
// parsing is stdlib debug/elf, which is exercised by that package's
// own test suite, not by this one.
func newTestPatcher(t *testing.T, raw []byte, sectionAddr, sectionSize uint64, outPath string) *ELFPatcher {
	t.Helper()
	sec := &elf.Section{
		SectionHeader: elf.SectionHeader{
			Addr:   sectionAddr,
			Offset: 0,
			Size:   sectionSize,
			Type:   elf.SHT_PROGBITS,
		},
	}
	return &ELFPatcher{
		inPath:  "in",
		outPath: outPath,
		raw:     raw,
		file:    &elf.File{Sections: []*elf.Section{sec}},
	}
}

func TestFileOffsetResolvesAddressWithinSection(t *testing.T) {
	raw := make([]byte, 0x40)
	p := newTestPatcher(t, raw, 0x1000, 0x40, "")

	off, err := p.fileOffset(0x1010)
	if err != nil {
		t.Fatalf("fileOffset: %v", err)
	}
	if off != 0x10 {
		t.Fatalf("expected offset 0x10, got %#x", off)
	}
}

func TestFileOffsetRejectsAddressOutsideAnySection(t *testing.T) {
	p := newTestPatcher(t, make([]byte, 0x40), 0x1000, 0x40, "")
	if _, err := p.fileOffset(0x5000); err == nil {
		t.Fatal("expected an error for an address outside every PROGBITS section")
	}
}

func TestSpliceWritesDetourAndAppendsTrampoline(t *testing.T) {
	raw := make([]byte, 0x40)
	for i := range raw {
		raw[i] = 0xCC // int3 filler so we can see exactly what Splice overwrote
	}
	p := newTestPatcher(t, raw, 0x1000, 0x40, "")

	fn := &cfgfacade.Function{Name: "target_fn", Addr: 0x1000}
	point := emit.Point{Kind: emit.FunctionEntry, Func: fn, Addr: 0x1010}
	code := []byte{0x50, 0x51} // push rax; push rcx, stand-in payload

	if err := p.Splice(fn, point, code); err != nil {
		t.Fatalf("Splice: %v", err)
	}

	patched := p.raw[0x10:0x15]
	if patched[0] != 0xE9 {
		t.Fatalf("expected a jmp rel32 (0xE9) at the patch point, got %#x", patched[0])
	}
	for _, b := range p.raw[0x15:] {
		if b != 0xCC {
			t.Fatal("expected Splice not to touch bytes past the 5-byte detour")
		}
	}

	if len(p.trampolines) != len(code)+5 {
		t.Fatalf("expected trampoline = code + 5-byte jmp back, got %d bytes", len(p.trampolines))
	}
	if p.trampolines[0] != code[0] || p.trampolines[1] != code[1] {
		t.Fatal("expected the trampoline to start with the emitted code")
	}
	if p.trampolines[len(code)] != 0xE9 {
		t.Fatal("expected the trampoline to end with a jmp rel32 back to the caller")
	}
}

func TestSpliceRejectsPatchPointPastEndOfFile(t *testing.T) {
	raw := make([]byte, 4)
	p := newTestPatcher(t, raw, 0x1000, 0x40, "")

	fn := &cfgfacade.Function{Name: "f", Addr: 0x1000}
	point := emit.Point{Kind: emit.FunctionEntry, Func: fn, Addr: 0x1000}
	if err := p.Splice(fn, point, []byte{0x90}); err == nil {
		t.Fatal("expected an error when the 5-byte detour would run past end of file")
	}
}

func TestEndOfImageAddrIsPageAlignedAboveHighestSection(t *testing.T) {
	p := newTestPatcher(t, make([]byte, 0x40), 0x1000, 0x40, "")
	got := p.endOfImageAddr()
	if got != 0x2000 {
		t.Fatalf("expected 0x1040 to round up to the next page (0x2000), got %#x", got)
	}
}

func TestCloseWritesPatchedImageAndRecordsNeededLibrary(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "patched")
	raw := []byte{0x01, 0x02, 0x03, 0x04}
	p := newTestPatcher(t, raw, 0x1000, uint64(len(raw)), outPath)
	p.trampolines = []byte{0xAA, 0xBB}

	if err := p.AddNeededLibrary("litecfi_runtime.so"); err != nil {
		t.Fatalf("AddNeededLibrary: %v", err)
	}
	if p.needed != "litecfi_runtime.so" {
		t.Fatalf("expected needed to be recorded, got %q", p.needed)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read patched output: %v", err)
	}
	want := append(append([]byte{}, raw...), p.trampolines...)
	if len(out) != len(want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d: expected %#x, got %#x", i, want[i], out[i])
		}
	}
}
