// Package cache implements the process-global, file-backed analysis
// cache (spec.md §5, §6.2): a line-oriented record of which registers
// a given library's function was already proven to leave dead, so a
// rerun against the same shared library doesn't have to repeat the
// dead-register analysis (§4.6) from scratch.
//
// The cache is a plain text file, not a database: one record per
// line, `library_path%function,reg1:reg2:...`. Writers take an
// exclusive OS advisory lock for the duration of a rewrite; readers
// that find the file missing or malformed fall back to an empty
// cache rather than failing the run (§5, §7 IOFailure policy).
package cache

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"
)

// Cache maps a (library path, function name) pair to the set of
// registers the prior run proved dead at that function's exits.
type Cache struct {
	path    string
	entries map[key][]cfgfacade.Reg
}

type key struct {
	libPath string
	fn      string
}

// Empty returns a cache with no backing file; every lookup misses.
// This is the fallback §5/§7 requires when the cache file is missing
// or malformed.
func Empty() *Cache {
	return &Cache{entries: map[key][]cfgfacade.Reg{}}
}

// Load reads path into a new Cache. A missing file is not an error:
// it is treated exactly like a malformed one, per §5 ("readers
// tolerate a missing or malformed file by starting with an empty
// cache"). A malformed line is skipped rather than aborting the load,
// matching the same degrade-don't-fail policy.
func Load(path string) (*Cache, error) {
	c := &Cache{path: path, entries: map[key][]cfgfacade.Reg{}}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("open cache: %w", err) // IOFailure: caller may log.
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err == nil {
		defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, regs, ok := parseLine(line)
		if !ok {
			continue
		}
		c.entries[k] = regs
	}

	return c, nil
}

// parseLine splits one `library_path%function,reg1:reg2:...` record.
// A line with no register list (no registers proven dead) is valid:
// `library_path%function,`.
func parseLine(line string) (key, []cfgfacade.Reg, bool) {
	pct := strings.IndexByte(line, '%')
	if pct < 0 {
		return key{}, nil, false
	}
	libPath := line[:pct]
	rest := line[pct+1:]

	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return key{}, nil, false
	}
	fn := rest[:comma]
	regList := rest[comma+1:]

	k := key{libPath: libPath, fn: fn}
	if regList == "" {
		return k, nil, true
	}

	var regs []cfgfacade.Reg
	for _, name := range strings.Split(regList, ":") {
		if name == "" {
			continue
		}
		regs = append(regs, cfgfacade.Reg(name))
	}
	return k, regs, true
}

// Lookup returns the register set a prior run recorded as dead for
// fn in libPath, and whether the cache had an entry at all.
func (c *Cache) Lookup(libPath, fn string) ([]cfgfacade.Reg, bool) {
	regs, ok := c.entries[key{libPath: libPath, fn: fn}]
	return regs, ok
}

// Record stores fn's dead-register set for libPath, overwriting any
// prior entry. It does not touch disk; call Flush to persist.
func (c *Cache) Record(libPath, fn string, regs []cfgfacade.Reg) {
	c.entries[key{libPath: libPath, fn: fn}] = regs
}

// Flush rewrites the whole cache file under an exclusive advisory
// lock, matching §5's "loads and flushes are whole-file operations".
// A lock-acquisition failure degrades to a best-effort unlocked write
// rather than aborting the pipeline (§7 IOFailure: "log, continue
// without cache").
func (c *Cache) Flush() error {
	if c.path == "" {
		return nil
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open cache for write: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err == nil {
		defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}

	keys := make([]key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	// Map iteration order is random; a cache file's diff should only
	// ever reflect real changes between runs, so the write order is
	// sorted by (library, function) instead of left to range order.
	slices.SortFunc(keys, func(a, b key) bool {
		if a.libPath != b.libPath {
			return a.libPath < b.libPath
		}
		return a.fn < b.fn
	})

	w := bufio.NewWriter(f)
	for _, k := range keys {
		regs := c.entries[k]
		names := make([]string, len(regs))
		for i, r := range regs {
			names[i] = string(r)
		}
		fmt.Fprintf(w, "%s%%%s,%s\n", k.libPath, k.fn, strings.Join(names, ":"))
	}
	return w.Flush()
}
