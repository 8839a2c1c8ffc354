package slab

import (
	"sync"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

// Ctor and Dtor initialize and tear down an object's backing bytes in place,
// mirroring the function-pointer constructor/destructor pair of
// xv6-riscv's kernel/slab.h's kmem_cache_create.
type Ctor func([]byte)
type Dtor func([]byte)

// Cache is one object-size pool: a kmem_cache_s analog holding the
// partial/full/free slab lists, coloring state, and per-cache error code.
// All fields are guarded by mu. The only other lock ever acquired while mu
// is held is the buddy allocator's own (leaf) lock, when a slab is grown or
// returned; the registry lock is never nested inside a cache lock because
// each cache keeps its own address-to-slab index instead of sharing one
// global map.
type Cache struct {
	mu sync.Mutex

	name    string
	objSize uint64
	ctor    Ctor
	dtor    Dtor

	buddy *buddy.Allocator

	slabOrder  int
	objPerSlab int
	colorMax   int
	colorNext  int

	partial  []*Slab
	full     []*Slab
	freeList []*Slab

	slabsByBase map[uint64]*Slab

	slabCount  int
	totalObjs  int
	freeObjs   int
	allocCount uint64
	freeTotal  uint64

	grownSinceShrink bool
	lastErr          ErrCode
}

// newCache builds a Cache descriptor. Unlike xv6-riscv's kernel/slab.c,
// which carves the kmem_cache_s struct itself from the buddy at order 0,
// the descriptor here is an ordinary Go value: embedding a live Go struct
// inside raw arena bytes would require unsafe.Pointer games this module
// deliberately avoids (see DESIGN.md). Only slab backing (object arrays)
// comes from the buddy.
func newCache(b *buddy.Allocator, name string, objSize uint64, ctor Ctor, dtor Dtor) (*Cache, error) {
	if objSize == 0 {
		return nil, ErrZeroSize
	}
	objSize = alignUp8(objSize)

	order := chooseSlabOrder(objSize, b.PageSize(), b.MinOrder(), b.MaxOrder())
	if order < 0 {
		return nil, ErrNoOrderFits
	}
	slabBytes := b.PageSize() << uint(order)
	objPerSlab := computeObjPerSlab(objSize, slabBytes)
	if objPerSlab < 1 {
		return nil, ErrNoOrderFits
	}

	c := &Cache{
		name:        name,
		objSize:     objSize,
		ctor:        ctor,
		dtor:        dtor,
		buddy:       b,
		slabOrder:   order,
		objPerSlab:  objPerSlab,
		colorMax:    colorMaxFor(slabBytes, objSize, objPerSlab),
		slabsByBase: make(map[uint64]*Slab),
	}
	klog.Info("slab: cache %q created obj_size=%d slab_order=%d obj_per_slab=%d color_max=%d", name, objSize, order, objPerSlab, c.colorMax)
	return c, nil
}

// Name, ObjSize report the cache's identity.
func (c *Cache) Name() string    { return c.name }
func (c *Cache) ObjSize() uint64 { return c.objSize }

// Alloc returns one object from the cache, growing a new slab when every
// existing one is full. Mirrors xv6-riscv's kernel/slab.c's
// kmem_cache_alloc.
func (c *Cache) Alloc() ([]byte, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s *Slab
	switch {
	case len(c.partial) > 0:
		s = c.partial[len(c.partial)-1]
	case len(c.freeList) > 0:
		n := len(c.freeList) - 1
		s = c.freeList[n]
		c.freeList = c.freeList[:n]
		c.partial = append(c.partial, s)
	default:
		grown, err := c.growSlab()
		if err != nil {
			c.lastErr = ErrOutOfMemory
			return nil, 0, err
		}
		c.grownSinceShrink = true
		c.slabsByBase[grown.addr] = grown
		c.slabCount++
		c.totalObjs += c.objPerSlab
		c.freeObjs += c.objPerSlab
		c.partial = append(c.partial, grown)
		s = grown
	}

	i := s.nextFree
	if i < 0 || i >= c.objPerSlab {
		i = s.scanNextFree(0)
	}
	if i < 0 {
		// Should not happen: a slab only stays on partial/free while it
		// has a clear bit. Defensive, logged, never fatal.
		klog.Error("slab: cache %q slab at %d reported free but has no clear bit", c.name, s.addr)
		c.lastErr = ErrOutOfMemory
		return nil, 0, ErrOutOfMemoryPages
	}

	s.inuse.Set(uint(i))
	s.freeCount--
	c.freeObjs--
	c.allocCount++
	s.nextFree = s.scanNextFree(i + 1)

	if s.freeCount == 0 {
		c.movePartialToFull(s)
	}

	addr := s.objBase + uint64(i)*s.objSize
	buf, err := c.buddy.Bytes(addr, int(s.objSize))
	if err != nil {
		c.lastErr = ErrOutOfMemory
		return nil, 0, err
	}
	return buf, addr, nil
}

// Free returns an object to its owning slab, re-running the constructor (if
// any) to leave the slot in canonical fresh state, and relists the slab
// afterward if its fullness state changed.
func (c *Cache) Free(addr uint64) error {
	base := slabBaseFor(c.buddy.Start(), c.buddy.PageSize(), c.slabOrder, addr)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slabsByBase[base]
	if !ok || s.cache != c {
		c.lastErr = ErrWrongCache
		klog.Error("slab: free addr=%d does not belong to cache %q", addr, c.name)
		return ErrWrongCacheAddr
	}
	if addr < s.objBase {
		c.lastErr = ErrInvalidIndex
		return ErrInvalidIndexAddr
	}
	offset := addr - s.objBase
	if offset%c.objSize != 0 {
		c.lastErr = ErrInvalidIndex
		return ErrInvalidIndexAddr
	}
	i := int(offset / c.objSize)
	if i < 0 || i >= c.objPerSlab {
		c.lastErr = ErrInvalidIndex
		return ErrInvalidIndexAddr
	}
	if !s.inuse.Test(uint(i)) {
		c.lastErr = ErrDoubleFree
		klog.Error("slab: double free addr=%d cache=%q index=%d", addr, c.name, i)
		return ErrDoubleFreeAddr
	}

	wasFull := s.freeCount == 0
	s.inuse.Clear(uint(i))
	s.freeCount++
	c.freeObjs++
	c.freeTotal++
	if s.nextFree < 0 || i < s.nextFree {
		s.nextFree = i
	}

	if c.ctor != nil {
		if buf, err := c.buddy.Bytes(addr, int(c.objSize)); err == nil {
			c.ctor(buf)
		}
	}

	switch {
	case s.freeCount == c.objPerSlab:
		c.removeFromList(&c.partial, s)
		c.removeFromList(&c.full, s)
		c.freeList = append(c.freeList, s)
	case wasFull:
		c.removeFromList(&c.full, s)
		c.partial = append(c.partial, s)
	}
	return nil
}

// ownsAddr reports whether addr lands on an object-slot boundary inside one
// of this cache's slabs, without mutating any state. It does not check the
// slot index range or whether the slot is currently allocated; Free does. Used by Kfree's per-cache probe so a
// failed candidate never perturbs another cache's error state.
func (c *Cache) ownsAddr(addr uint64) bool {
	base := slabBaseFor(c.buddy.Start(), c.buddy.PageSize(), c.slabOrder, addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slabsByBase[base]
	if !ok || s.cache != c {
		return false
	}
	if addr < s.objBase || (addr-s.objBase)%c.objSize != 0 {
		return false
	}
	return true
}

// Shrink releases every wholly-free slab back to the buddy, unless the
// cache has grown since the previous shrink — a gate that keeps a cache
// still under active use from paying to reallocate its own slabs back.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.grownSinceShrink {
		c.grownSinceShrink = false
		return 0
	}

	pages := 0
	for _, s := range c.freeList {
		if err := c.buddy.Free(s.addr, s.order); err != nil {
			klog.Error("slab: cache %q shrink failed to return slab %d: %v", c.name, s.addr, err)
			continue
		}
		delete(c.slabsByBase, s.addr)
		c.slabCount--
		c.totalObjs -= c.objPerSlab
		c.freeObjs -= c.objPerSlab
		pages += 1 << uint(s.order)
	}
	c.freeList = nil
	klog.Info("slab: cache %q shrink reclaimed %d pages", c.name, pages)
	return pages
}

// Destroy runs the destructor (if any) over every live object, returns
// every slab to the buddy, and clears the cache's own bookkeeping. Objects
// still allocated from the cache are reclaimed with it; the caller must not
// hold references to them afterward. The caller (Registry.DestroyCache) is
// responsible for unlinking the cache itself from the registry.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, list := range [][]*Slab{c.partial, c.full, c.freeList} {
		for _, s := range list {
			if c.dtor != nil {
				for i := 0; i < c.objPerSlab; i++ {
					if s.inuse.Test(uint(i)) {
						addr := s.objBase + uint64(i)*c.objSize
						if buf, err := c.buddy.Bytes(addr, int(c.objSize)); err == nil {
							c.dtor(buf)
						}
					}
				}
			}
			_ = c.buddy.Free(s.addr, s.order)
			delete(c.slabsByBase, s.addr)
		}
	}
	c.partial, c.full, c.freeList = nil, nil, nil
	c.slabCount, c.totalObjs, c.freeObjs = 0, 0, 0
	klog.Info("slab: cache %q destroyed", c.name)
}

// Info is a diagnostic snapshot, the Go analog of kmem_cache_info's printed
// report in xv6-riscv's kernel/slab.h.
type Info struct {
	Name             string
	ObjSize          uint64
	SlabOrder        int
	ObjPerSlab       int
	SlabCount        int
	TotalObjs        int
	FreeObjs         int
	AllocCount       uint64
	FreeCountTotal   uint64
	ColorMax         int
	ColorNext        int
	GrownSinceShrink bool
	LastError        ErrCode
}

func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Name: c.name, ObjSize: c.objSize, SlabOrder: c.slabOrder, ObjPerSlab: c.objPerSlab,
		SlabCount: c.slabCount, TotalObjs: c.totalObjs, FreeObjs: c.freeObjs,
		AllocCount: c.allocCount, FreeCountTotal: c.freeTotal,
		ColorMax: c.colorMax, ColorNext: c.colorNext,
		GrownSinceShrink: c.grownSinceShrink, LastError: c.lastErr,
	}
}

// Error returns and clears the cache's last recorded fault, matching
// kmem_cache_error's consult-and-clear semantics.
func (c *Cache) Error() ErrCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lastErr
	c.lastErr = ErrNone
	return e
}

func (c *Cache) movePartialToFull(s *Slab) {
	c.removeFromList(&c.partial, s)
	c.full = append(c.full, s)
}

func (c *Cache) removeFromList(list *[]*Slab, s *Slab) {
	for i, x := range *list {
		if x == s {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// slabBaseFor computes the owning slab's base address by masking addr down
// to a slab-size boundary relative to the buddy's arena start — the
// memory-safe stand-in for xv6-riscv's kernel/slab.c's raw
// "p & ~(slab_size-1)" pointer arithmetic (see DESIGN.md's owning-slab
// lookup resolution).
func slabBaseFor(buddyStart, pageSize uint64, slabOrder int, addr uint64) uint64 {
	slabBytes := pageSize << uint(slabOrder)
	rel := addr - buddyStart
	return buddyStart + (rel &^ (slabBytes - 1))
}
