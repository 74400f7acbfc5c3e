package cfgfacade

import "testing"

func TestIsSystemCode(t *testing.T) {
	f := NewFacade()
	cases := []struct {
		path string
		want bool
	}{
		{"/lib/x86_64-linux-gnu/libc.so.6", true},
		{"/lib64/ld-linux-x86-64.so.2", true},
		{"/usr/bin/myapp", false},
		{"/opt/myapp/libcustom.so", false},
	}
	for _, c := range cases {
		obj := &Object{Path: c.path}
		if got := f.IsSystemCode(obj); got != c.want {
			t.Errorf("IsSystemCode(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestIsSharedLibrary(t *testing.T) {
	f := NewFacade()
	if !f.IsSharedLibrary(&Object{Path: "libfoo.so"}) {
		t.Errorf("expected a .so path to be classified as a shared library")
	}
	if f.IsSharedLibrary(&Object{Path: "myapp"}) {
		t.Errorf("expected a plain executable path not to be classified as a shared library")
	}
}

func TestLinkageMap(t *testing.T) {
	obj := &Object{Path: "a.out", Linkage: map[uint64]string{0x4000: "puts@plt"}}
	f := NewFacade(obj)
	got := f.LinkageMap(obj)
	if name, ok := got[0x4000]; !ok || name != "puts@plt" {
		t.Errorf("expected LinkageMap to expose obj's own linkage entries, got %v", got)
	}
}

func TestNonPLTFunctionsExcludesLinkageAddresses(t *testing.T) {
	plt := &Function{Name: "puts", Addr: 0x4000}
	real := &Function{Name: "main", Addr: 0x5000}
	obj := &Object{
		Path:      "a.out",
		Functions: []*Function{plt, real},
		Linkage:   map[uint64]string{0x4000: "puts@plt"},
	}
	f := NewFacade(obj)

	nonPLT := f.NonPLTFunctions()
	if len(nonPLT) != 1 || nonPLT[0] != real {
		t.Fatalf("expected only the non-PLT function, got %v", nonPLT)
	}
}
