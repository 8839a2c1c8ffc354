package slab

import (
	"fmt"
	"sync"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/internal/klog"

	"github.com/bits-and-blooms/bloom/v3"
)

// SmallBufMinOrder/SmallBufMaxOrder bound the size classes Kmalloc/Kfree
// serve: 2^5=32 bytes up to 2^17=128KiB, matching the small-buffer range
// the small-buffer interface needs.
const (
	SmallBufMinOrder = 5
	SmallBufMaxOrder = 17
)

const numSmallBufClasses = SmallBufMaxOrder - SmallBufMinOrder + 1

// Registry is the global cache directory: the set of live caches (created
// by name or lazily by size class), plus the probabilistic pre-filter used
// to speed up Kfree's "which cache owns this address" search. The registry
// lock is only ever held alone — never nested with a Cache's own lock — so
// cache operations and registry operations never need a consistent global
// order between the two.
type Registry struct {
	mu     sync.Mutex
	buddy  *buddy.Allocator
	caches []*Cache

	smallBufMu sync.Mutex
	smallBuf   [numSmallBufClasses]*Cache

	filterMu sync.Mutex
	filter   *bloom.BloomFilter
}

// NewRegistry builds a registry over a single buddy allocator. estBases is
// a rough estimate of how many distinct slab base addresses will ever be
// registered, used to size the bloom filter's bit array.
func NewRegistry(b *buddy.Allocator, estBases uint) *Registry {
	if estBases == 0 {
		estBases = 1024
	}
	return &Registry{
		buddy:  b,
		filter: bloom.NewWithEstimates(estBases, 0.01),
	}
}

// CreateCache registers a new named cache. Mirrors kmem_cache_create.
func (r *Registry) CreateCache(name string, objSize uint64, ctor Ctor, dtor Dtor) (*Cache, error) {
	c, err := newCache(r.buddy, name, objSize, ctor, dtor)
	if err != nil {
		klog.Error("slab: cache %q creation failed: %v", name, err)
		return nil, err
	}
	r.mu.Lock()
	r.caches = append(r.caches, c)
	r.mu.Unlock()
	return c, nil
}

// DestroyCache tears down a cache and unlinks it from the registry.
func (r *Registry) DestroyCache(c *Cache) {
	c.Destroy()
	r.mu.Lock()
	for i, x := range r.caches {
		if x == c {
			r.caches = append(r.caches[:i], r.caches[i+1:]...)
			break
		}
	}
	for i, x := range r.smallBuf {
		if x == c {
			r.smallBuf[i] = nil
		}
	}
	r.mu.Unlock()
}

// Caches returns a snapshot of every live cache, including the size-class
// caches Kmalloc creates, for diagnostics.
func (r *Registry) Caches() []*Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Cache, len(r.caches))
	copy(out, r.caches)
	return out
}

func sizeClassOrder(size uint64) int {
	order := SmallBufMinOrder
	for (uint64(1) << uint(order)) < size {
		order++
	}
	return order
}

// Kmalloc satisfies a small-buffer request, lazily creating the backing
// size-class cache on first use. Every call checks and, if needed, creates
// the size-class cache while holding smallBufMu; there is no lock-free
// fast path.
func (r *Registry) Kmalloc(size uint64) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, ErrZeroSize
	}
	order := sizeClassOrder(size)
	if order > SmallBufMaxOrder {
		return nil, 0, ErrSizeTooLarge
	}
	idx := order - SmallBufMinOrder

	r.smallBufMu.Lock()
	c := r.smallBuf[idx]
	if c == nil {
		name := fmt.Sprintf("size-%d", uint64(1)<<uint(order))
		created, err := r.CreateCache(name, uint64(1)<<uint(order), nil, nil)
		if err != nil {
			r.smallBufMu.Unlock()
			klog.Error("slab: kmalloc could not create size class %s: %v", name, err)
			return nil, 0, err
		}
		r.smallBuf[idx] = created
		c = created
	}
	r.smallBufMu.Unlock()

	buf, addr, err := c.Alloc()
	if err != nil {
		return nil, 0, err
	}
	r.registerBase(addr, c.slabOrder)
	return buf[:size], addr, nil
}

// registerBase records a slab's base address in the bloom pre-filter. A
// cache's own slabsByBase map is the exact source of truth; the filter only
// short-circuits candidates that can't possibly match.
func (r *Registry) registerBase(addr uint64, slabOrder int) {
	base := slabBaseFor(r.buddy.Start(), r.buddy.PageSize(), slabOrder, addr)
	r.filterMu.Lock()
	r.filter.Add(uint64ToBytes(base))
	r.filterMu.Unlock()
}

func (r *Registry) maybeRegistered(base uint64) bool {
	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	return r.filter.Test(uint64ToBytes(base))
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(8*i))
	}
	return b
}

// Kfree frees a small-buffer allocation without the caller naming a cache.
// It walks the live size-class caches, using the bloom filter to skip
// caches whose candidate slab base was never registered before doing the
// exact, safe address-to-slab lookup on the remaining candidates — the
// search a small-buffer free needs, minus any unsafe pointer dereference.
func (r *Registry) Kfree(addr uint64) error {
	r.smallBufMu.Lock()
	candidates := make([]*Cache, 0, numSmallBufClasses)
	for _, c := range r.smallBuf {
		if c != nil {
			candidates = append(candidates, c)
		}
	}
	r.smallBufMu.Unlock()

	for _, c := range candidates {
		base := slabBaseFor(r.buddy.Start(), r.buddy.PageSize(), c.slabOrder, addr)
		if !r.maybeRegistered(base) {
			continue
		}
		if c.ownsAddr(addr) {
			return c.Free(addr)
		}
	}
	klog.Error("slab: kfree found no owning size class for addr=%d", addr)
	return ErrCacheNotFound
}
