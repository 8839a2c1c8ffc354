package slab

import (
	"testing"

	"github.com/shenjiangwei/kmemalloc/buddy"
)

func newTestCache(t *testing.T, objSize uint64, ctor Ctor, dtor Dtor) (*buddy.Allocator, *Cache) {
	t.Helper()
	arena := make([]byte, 4*1024*1024)
	b := buddy.New(arena, 0, buddy.Config{PageSize: buddy.PageSize, MinOrder: 0, MaxOrder: 10})
	c, err := newCache(b, "test", objSize, ctor, dtor)
	if err != nil {
		t.Fatalf("newCache failed: %v", err)
	}
	return b, c
}

// S3: slab saturation. A cache whose slab holds exactly objPerSlab objects
// grows a second slab on the (objPerSlab+1)th allocation.
func TestSlabSaturationGrowsNewSlab(t *testing.T) {
	_, c := newTestCache(t, 64, nil, nil)
	n := c.objPerSlab

	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		_, addr, err := c.Alloc()
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		seen[addr] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct addresses, got %d", n, len(seen))
	}
	if len(c.partial) != 0 || len(c.full) != 1 {
		t.Fatalf("expected slab to be full after %d allocs: partial=%d full=%d", n, len(c.partial), len(c.full))
	}

	_, addr, err := c.Alloc()
	if err != nil {
		t.Fatalf("alloc beyond first slab failed: %v", err)
	}
	if seen[addr] {
		t.Fatal("expected a fresh address from a newly grown slab")
	}
	if c.slabCount != 2 {
		t.Fatalf("expected 2 slabs after growth, got %d", c.slabCount)
	}
}

// Invariant: double free on the same address is detected and reported, not
// silently corrupted.
func TestDoubleFreeDetected(t *testing.T) {
	_, c := newTestCache(t, 32, nil, nil)

	_, addr, err := c.Alloc()
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := c.Free(addr); err != nil {
		t.Fatalf("first free failed: %v", err)
	}
	if err := c.Free(addr); err != ErrDoubleFreeAddr {
		t.Fatalf("expected ErrDoubleFreeAddr, got %v", err)
	}
	if c.Error() != ErrDoubleFree {
		t.Fatal("expected cache error code to be ErrDoubleFree")
	}
}

// S4: constructor persistence. A constructor stamping every byte with 0xA5
// must see that pattern on every fresh slot across many grow cycles, and
// CacheFree must re-run it so the freed slot is restored to that pattern
// even after the caller scribbles on it.
func TestConstructorPersistsAcrossGrowthAndFree(t *testing.T) {
	ctor := func(b []byte) {
		for i := range b {
			b[i] = 0xA5
		}
	}
	_, c := newTestCache(t, 48, ctor, nil)

	var addrs []uint64
	for i := 0; i < 500; i++ {
		buf, addr, err := c.Alloc()
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		for _, bb := range buf {
			if bb != 0xA5 {
				t.Fatalf("alloc %d: slot not constructed, got %x", i, bb)
			}
		}
		for j := range buf {
			buf[j] = byte(i)
		}
		addrs = append(addrs, addr)
	}

	for _, addr := range addrs {
		if err := c.Free(addr); err != nil {
			t.Fatalf("free failed: %v", err)
		}
	}

	buf, _, err := c.Alloc()
	if err != nil {
		t.Fatalf("realloc failed: %v", err)
	}
	for _, bb := range buf {
		if bb != 0xA5 {
			t.Fatalf("recycled slot was not reconstructed, got %x", bb)
		}
	}
}

// S6: shrink gating. The first shrink after the cache grew is gated and
// returns 0 (clearing the flag); the next one reclaims the free slab; a
// further shrink with nothing left to free returns 0.
func TestShrinkGating(t *testing.T) {
	_, c := newTestCache(t, 64, nil, nil)

	var addrs []uint64
	for i := 0; i < c.objPerSlab; i++ {
		_, addr, err := c.Alloc()
		if err != nil {
			t.Fatalf("alloc failed: %v", err)
		}
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		if err := c.Free(addr); err != nil {
			t.Fatalf("free failed: %v", err)
		}
	}
	if len(c.freeList) != 1 {
		t.Fatalf("expected 1 wholly-free slab, got %d", len(c.freeList))
	}

	if got := c.Shrink(); got != 0 {
		t.Fatalf("first shrink after growth must return 0 (gated), got %d", got)
	}
	if got := c.Shrink(); got == 0 {
		t.Fatal("second consecutive shrink should reclaim the free slab")
	}
	if len(c.freeList) != 0 {
		t.Fatal("expected free list empty after reclaiming shrink")
	}

	if got := c.Shrink(); got != 0 {
		t.Fatalf("shrink with nothing free must return 0, got %d", got)
	}
}

func TestCacheFreeRejectsForeignAddress(t *testing.T) {
	_, c1 := newTestCache(t, 64, nil, nil)
	_, c2 := newTestCache(t, 64, nil, nil)

	_, addr, err := c2.Alloc()
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := c1.Free(addr); err != ErrWrongCacheAddr {
		t.Fatalf("expected ErrWrongCacheAddr, got %v", err)
	}
}

func TestCacheDestroyRunsDestructorOnLiveObjects(t *testing.T) {
	destroyed := 0
	dtor := func(b []byte) { destroyed++ }
	_, c := newTestCache(t, 32, nil, dtor)

	for i := 0; i < 3; i++ {
		if _, _, err := c.Alloc(); err != nil {
			t.Fatalf("alloc failed: %v", err)
		}
	}
	c.Destroy()
	if destroyed != 3 {
		t.Fatalf("expected destructor run on 3 live objects, got %d", destroyed)
	}
	if c.slabCount != 0 || c.totalObjs != 0 {
		t.Fatalf("expected cache bookkeeping zeroed after destroy, got slabCount=%d totalObjs=%d", c.slabCount, c.totalObjs)
	}
}
