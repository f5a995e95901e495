// Package codecache is the shared executable memory translations are
// installed into. Installation is append-only; chaining cells inside
// installed fragments are rewritten in place through LoadWord/StoreWord.
package codecache

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/google/btree"
)

const (
	DefaultSize = 4 * 1024 * 1024
	// Alignment of every fragment start.
	Alignment = 8
)

// Fragment is one installed translation.
type Fragment struct {
	Start uintptr
	Size  int
	// Entry is the first executable instruction, past the header word.
	Entry uintptr
	// Tag identifies the translation, normally its trace fingerprint.
	Tag string
}

// End returns the first address past the fragment.
func (f Fragment) End() uintptr { return f.Start + uintptr(f.Size) }

func (f Fragment) String() string {
	return fmt.Sprintf("%s@%#x+%d", f.Tag, f.Start, f.Size)
}

// Cache manages one mapped region.
type Cache struct {
	mu     sync.Mutex
	buffer []byte
	used   int
	full   bool
	// executable is false for heap-backed caches.
	executable bool
	index      *btree.BTreeG[Fragment]
}

func newIndex() *btree.BTreeG[Fragment] {
	return btree.NewG[Fragment](8, func(a, b Fragment) bool { return a.Start < b.Start })
}

// New maps size bytes of RWX memory. If the platform refuses an executable
// mapping the cache falls back to heap memory.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	buf, exec, err := mapExecutable(size)
	if err != nil {
		log.Printf("[codecache] %v; using heap memory", err)
		buf, exec = make([]byte, size), false
	}
	return &Cache{buffer: buf, executable: exec, index: newIndex()}, nil
}

// NewHeap returns a cache backed by ordinary memory.
func NewHeap(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{buffer: make([]byte, size), index: newIndex()}
}

// Executable reports whether installed code can run.
func (c *Cache) Executable() bool { return c.executable }

func alignUp(n int) int { return (n + Alignment - 1) &^ (Alignment - 1) }

// Install copies a finished fragment into the cache and indexes it. Nothing
// is written when the fragment does not fit; the cache is then marked full
// until Reset.
func (c *Cache) Install(code []byte, entryOffset int, tag string) (Fragment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buffer == nil {
		return Fragment{}, errors.Abortf(errors.ReasonInvariantViolation, "code cache released")
	}
	start := alignUp(c.used)
	if len(code) == 0 || start+len(code) > len(c.buffer) {
		if len(code) > 0 {
			c.full = true
		}
		return Fragment{}, errors.Exhaustedf(errors.ReasonCodeCacheFull,
			"need %d bytes, have %d", len(code), len(c.buffer)-start)
	}
	copy(c.buffer[start:], code)
	c.used = start + len(code)

	base := c.baseLocked()
	f := Fragment{
		Start: base + uintptr(start),
		Size:  len(code),
		Entry: base + uintptr(start+entryOffset),
		Tag:   tag,
	}
	c.index.ReplaceOrInsert(f)
	return f, nil
}

// Lookup returns the fragment containing addr.
func (c *Cache) Lookup(addr uintptr) (Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found Fragment
	ok := false
	c.index.DescendLessOrEqual(Fragment{Start: addr}, func(f Fragment) bool {
		found, ok = f, addr < f.End()
		return false
	})
	return found, ok
}

// Fragments returns every installed fragment in address order.
func (c *Cache) Fragments() []Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Fragment, 0, c.index.Len())
	c.index.Ascend(func(f Fragment) bool {
		out = append(out, f)
		return true
	})
	return out
}

func (c *Cache) baseLocked() uintptr {
	if len(c.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&c.buffer[0]))
}

// BaseAddress returns the start of the region.
func (c *Cache) BaseAddress() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseLocked()
}

// Bounds returns the start and end addresses of the region.
func (c *Cache) Bounds() (start, end uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start = c.baseLocked()
	return start, start + uintptr(len(c.buffer))
}

// Contains reports whether addr lies inside the region.
func (c *Cache) Contains(addr uintptr) bool {
	start, end := c.Bounds()
	return addr >= start && addr < end
}

// Used returns the number of bytes consumed.
func (c *Cache) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Capacity returns the region size.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Full reports whether an install has failed for lack of room.
func (c *Cache) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full
}

// Reset discards every fragment. Callers must have unchained all cells
// pointing into the cache and stopped executing its code.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buffer[:c.used] {
		c.buffer[i] = 0
	}
	c.used = 0
	c.full = false
	c.index.Clear(false)
}

// Free releases the region.
func (c *Cache) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == nil {
		return nil
	}
	var err error
	if c.executable {
		err = unmap(c.buffer)
	}
	c.buffer = nil
	c.used = 0
	c.index.Clear(false)
	return err
}

// GetBytes returns a copy of size bytes at addr, or nil if out of range.
func (c *Cache) GetBytes(addr uintptr, size int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := int(addr - c.baseLocked())
	if off < 0 || size < 0 || off+size > len(c.buffer) {
		return nil
	}
	out := make([]byte, size)
	copy(out, c.buffer[off:off+size])
	return out
}

func (c *Cache) wordPtr(addr uintptr) *uint32 {
	base := c.BaseAddress()
	off := int(addr - base)
	if addr < base || off+4 > c.Capacity() || addr&3 != 0 {
		panic(fmt.Sprintf("codecache: bad word address %#x", addr))
	}
	return (*uint32)(unsafe.Pointer(&c.buffer[off]))
}

// LoadWord atomically reads the aligned word at addr.
func (c *Cache) LoadWord(addr uintptr) uint32 {
	return atomic.LoadUint32(c.wordPtr(addr))
}

// StoreWord atomically writes the aligned word at addr. Concurrent readers
// see either the old or the new value.
func (c *Cache) StoreWord(addr uintptr, v uint32) {
	atomic.StoreUint32(c.wordPtr(addr), v)
}
