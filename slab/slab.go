package slab

import (
	"encoding/binary"

	"github.com/shenjiangwei/kmemalloc/internal/klog"

	"github.com/bits-and-blooms/bitset"
)

// slabHeaderBytes is the reserved byte footprint a slab's bookkeeping would
// occupy if it were stored in-arena the way xv6-riscv's kernel/slab.h's
// slab_s sits at the foot of its own page range. This implementation keeps
// the actual header (Slab below) as an ordinary Go value reachable through
// cache.slabsByBase, so the bytes themselves are never read back — the
// reservation exists only so obj_per_slab and color_max arithmetic match the
// byte layout an in-arena header would cost.
const slabHeaderBytes = 48

// Slab tracks one buddy-backed slab: a contiguous run of pages divided into
// objPerSlab fixed-size object slots, plus an inuse bitmap (bits-and-blooms/
// bitset, mirrors the in-arena bitmap xv6-riscv's kernel/slab.h embeds
// at the foot of each slab).
type Slab struct {
	cache      *Cache
	addr       uint64 // buddy block base for this slab
	order      int
	objPerSlab int
	objSize    uint64
	objBase    uint64 // first object's address
	color      int

	inuse     *bitset.BitSet
	freeCount int
	nextFree  int // hint index into the object array, -1 if none known free
}

func alignUp8(v uint64) uint64 { return (v + 7) &^ 7 }

// computeObjPerSlab returns how many fixed-size objects fit in a slab of
// slabBytes once the (notional) header and per-object bitmap are accounted
// for, shrinking the candidate count until it fits. Mirrors the iterative
// sizing xv6-riscv's kernel/slab.c's choose_slab_order performs.
func computeObjPerSlab(objSize, slabBytes uint64) int {
	hdr := alignUp8(slabHeaderBytes)
	if hdr >= slabBytes || objSize == 0 {
		return 0
	}
	n := int((slabBytes - hdr) / objSize)
	for n > 0 {
		bitmapBytes := uint64((n + 7) / 8)
		overhead := alignUp8(slabHeaderBytes + bitmapBytes)
		if overhead+uint64(n)*objSize <= slabBytes {
			break
		}
		n--
	}
	return n
}

// colorMaxFor returns the largest color offset (in units of 8 bytes) that still
// leaves room for objPerSlab objects after the header and bitmap, per
// cache coloring: shifting each new slab's object array start by a
// multiple of 8 bytes spreads slab bases across cache lines.
func colorMaxFor(slabBytes, objSize uint64, objPerSlab int) int {
	if objPerSlab == 0 {
		return 0
	}
	bitmapBytes := uint64((objPerSlab + 7) / 8)
	hdr := alignUp8(slabHeaderBytes + bitmapBytes)
	used := hdr + uint64(objPerSlab)*objSize
	if used >= slabBytes {
		return 0
	}
	return int((slabBytes - used) / 8)
}

// chooseSlabOrder finds the smallest buddy order whose slab can hold at
// least minObjsPerSlab objects, falling back to the smallest order that
// holds even one object, or -1 if none does.
func chooseSlabOrder(objSize, pageSize uint64, minOrder, maxOrder int) int {
	const minObjsPerSlab = 4
	for order := minOrder; order <= maxOrder; order++ {
		slabBytes := pageSize << uint(order)
		if computeObjPerSlab(objSize, slabBytes) >= minObjsPerSlab {
			return order
		}
	}
	for order := minOrder; order <= maxOrder; order++ {
		slabBytes := pageSize << uint(order)
		if computeObjPerSlab(objSize, slabBytes) >= 1 {
			return order
		}
	}
	return -1
}

// growSlab allocates a fresh slab from the buddy, lays out its object array
// with the configured color offset, threads an embedded free-list hint
// through the first 4 bytes of every slot, and runs the constructor over
// every slot. Caller must hold c.mu.
func (c *Cache) growSlab() (*Slab, error) {
	addr, ok := c.buddy.Alloc(c.slabOrder)
	if !ok {
		klog.Error("slab: cache %q failed to grow, buddy exhausted at order %d", c.name, c.slabOrder)
		return nil, ErrOutOfMemoryPages
	}

	bitmapBytes := uint64((c.objPerSlab + 7) / 8)
	hdr := alignUp8(slabHeaderBytes + bitmapBytes)
	objBase := addr + hdr + uint64(c.colorNext)*8

	s := &Slab{
		cache:      c,
		addr:       addr,
		order:      c.slabOrder,
		objPerSlab: c.objPerSlab,
		objSize:    c.objSize,
		objBase:    objBase,
		color:      c.colorNext,
		inuse:      bitset.New(uint(c.objPerSlab)),
		freeCount:  c.objPerSlab,
		nextFree:   0,
	}
	if c.colorMax > 0 {
		c.colorNext = (c.colorNext + 1) % (c.colorMax + 1)
	}

	// Thread the embedded free-list hint: slot i's first 4 bytes hold i+1,
	// terminated by 0xFFFFFFFF. A constructor may immediately clobber this;
	// CacheAlloc never reads it back, it only reflects the on-disk layout a
	// real in-arena slab header would carry.
	for i := 0; i < c.objPerSlab; i++ {
		next := uint32(i + 1)
		if i == c.objPerSlab-1 {
			next = 0xFFFFFFFF
		}
		if buf, err := c.buddy.Bytes(objBase+uint64(i)*c.objSize, 4); err == nil {
			binary.LittleEndian.PutUint32(buf, next)
		}
	}

	if c.ctor != nil {
		for i := 0; i < c.objPerSlab; i++ {
			buf, err := c.buddy.Bytes(objBase+uint64(i)*c.objSize, int(c.objSize))
			if err != nil {
				continue
			}
			c.ctor(buf)
		}
	}

	klog.Debug("slab: cache %q grew slab at addr=%d order=%d objs=%d color=%d", c.name, addr, c.slabOrder, c.objPerSlab, s.color)
	return s, nil
}

// scanNextFree finds the next clear bit starting at from, wrapping once
// around the bitmap. Returns -1 if every slot is in use.
func (s *Slab) scanNextFree(from int) int {
	n := s.objPerSlab
	for k := 0; k < n; k++ {
		i := (from + k) % n
		if !s.inuse.Test(uint(i)) {
			return i
		}
	}
	return -1
}
