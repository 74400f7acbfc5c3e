package cfgfacade

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestNormalizeFoldsSubRegisterAliases(t *testing.T) {
	cases := []struct {
		name string
		reg  x86asm.Reg
		want Reg
	}{
		{"AL->RAX", x86asm.AL, RAX},
		{"AX->RAX", x86asm.AX, RAX},
		{"EAX->RAX", x86asm.EAX, RAX},
		{"RAX->RAX", x86asm.RAX, RAX},
		{"AH->RAX", x86asm.AH, RAX},
		{"R8B->R8", x86asm.R8B, R8},
		{"R15->R15", x86asm.R15, R15},
		{"RIP->RIP", x86asm.RIP, RIP},
		{"zero->RegNone", x86asm.Reg(0), RegNone},
	}
	for _, c := range cases {
		if got := normalize(c.reg); got != c.want {
			t.Errorf("%s: normalize(%v) = %v, want %v", c.name, c.reg, got, c.want)
		}
	}
}

func TestNormalizeAllBankMembersFoldToSameOwner(t *testing.T) {
	// AL, AX, EAX, RAX must all fold to the same owning register so
	// read/write-set tracking never double-counts a partial write as a
	// distinct register (§3's register fact fields are keyed by Reg).
	bank := []x86asm.Reg{x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX}
	var want Reg
	for i, r := range bank {
		got := normalize(r)
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			t.Errorf("normalize(%v) = %v, want %v (same bank as %v)", r, got, want, bank[0])
		}
	}
}
