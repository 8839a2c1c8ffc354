// Package kmem assembles the buddy and slab packages into the two physical
// memory deployment modes xv6-riscv's kernel/kalloc.c supports: a
// single global buddy backing everything (the SLAB_KERNEL build), or a
// legacy whole-page free list for general allocation with a private buddy
// reserved for the slab layer alone (the Deo-1 build).
package kmem

import (
	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/internal/klog"
	"github.com/shenjiangwei/kmemalloc/kmem/pagefreelist"
	"github.com/shenjiangwei/kmemalloc/slab"

	"github.com/sony/gobreaker"
)

// Mode identifies which of kalloc.c's two deployment strategies an
// Allocator implements.
type Mode int

const (
	// ModeKernelGlobal: one buddy allocator owns the entire arena; the slab
	// layer carves its slabs from that same buddy. Matches kalloc.c's
	// SLAB_KERNEL branch.
	ModeKernelGlobal Mode = iota
	// ModePrivateSlabBuddy: a plain page free list serves general
	// page-granularity allocation, while the slab layer owns a private
	// buddy allocator over a reserved window at the top of the arena.
	// Matches kalloc.c's legacy Deo-1 branch.
	ModePrivateSlabBuddy
)

type kmallocResult struct {
	buf  []byte
	addr uint64
}

// Allocator is the top-level physical memory manager for one of the two
// deployment modes. It is the entry point cmd/kmemstress and the rpc
// package build on.
type Allocator struct {
	mode     Mode
	buddy    *buddy.Allocator
	pages    *pagefreelist.FreeList // nil in ModeKernelGlobal
	registry *slab.Registry
	breaker  *gobreaker.CircuitBreaker // nil in ModeKernelGlobal
}

// NewKernelGlobal builds an Allocator in ModeKernelGlobal: a single buddy
// allocator over the whole arena, with the slab registry drawing its slabs
// from it.
func NewKernelGlobal(arena []byte) (*Allocator, error) {
	b := buddy.New(arena, 0, buddy.DefaultConfig())
	if b.Disabled() {
		klog.Error("kmem: kernel-global buddy failed to initialize over %d bytes", len(arena))
		return nil, ErrBootFault
	}
	a := &Allocator{
		mode:     ModeKernelGlobal,
		buddy:    b,
		registry: slab.NewRegistry(b, 1024),
	}
	klog.Info("kmem: kernel-global mode initialized over %d bytes", len(arena))
	return a, nil
}

// NewPrivateSlabBuddy builds an Allocator in ModePrivateSlabBuddy: the
// bottom of the arena becomes a page free list for general allocation, and
// the top reserveBytes becomes a private buddy reserved exclusively for
// the slab layer, matching xv6-riscv's kernel/kalloc.c's
// SLAB_RESERVE_START split.
func NewPrivateSlabBuddy(arena []byte, reserveBytes uint64) (*Allocator, error) {
	if reserveBytes == 0 || reserveBytes >= uint64(len(arena)) {
		return nil, ErrReservationTooLarge
	}
	split := uint64(len(arena)) - reserveBytes

	pages := pagefreelist.New(arena[:split], 0, buddy.PageSize)

	slabArena := arena[split:]
	b := buddy.New(slabArena, 0, buddy.DefaultConfig())
	if b.Disabled() {
		klog.Error("kmem: private slab buddy failed to initialize over %d reserved bytes", reserveBytes)
		return nil, ErrBootFault
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "private-slab-buddy",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Error("kmem: circuit breaker %q %s -> %s", name, from, to)
		},
	})

	a := &Allocator{
		mode:     ModePrivateSlabBuddy,
		buddy:    b,
		pages:    pages,
		registry: slab.NewRegistry(b, 1024),
		breaker:  breaker,
	}
	klog.Info("kmem: private-slab-buddy mode initialized, %d general pages + %d reserved bytes", pages.TotalPages(), reserveBytes)
	return a, nil
}

// Mode reports which deployment mode this Allocator implements.
func (a *Allocator) Mode() Mode { return a.mode }

// AllocPage returns one whole page for general-purpose use: from the
// kernel-global buddy at order 0 in ModeKernelGlobal, or from the page free
// list in ModePrivateSlabBuddy.
func (a *Allocator) AllocPage() (uint64, bool) {
	if a.mode == ModeKernelGlobal {
		return a.buddy.Alloc(a.buddy.MinOrder())
	}
	return a.pages.Alloc()
}

// FreePage returns a page obtained from AllocPage.
func (a *Allocator) FreePage(addr uint64) error {
	if a.mode == ModeKernelGlobal {
		return a.buddy.Free(addr, a.buddy.MinOrder())
	}
	return a.pages.Free(addr)
}

// KallocOrder allocates a 2^order-page block directly from the buddy
// allocator, matching xv6-riscv's kernel/kalloc.c's kalloc_order. Only
// meaningful in ModeKernelGlobal: the legacy page free list backing
// ModePrivateSlabBuddy's general allocation has no multi-page notion, so
// this returns ErrOrderedAllocUnavailable there instead of the panic
// kalloc.c's Deo-1 branch raises.
func (a *Allocator) KallocOrder(order int) (uint64, bool, error) {
	if a.mode != ModeKernelGlobal {
		return 0, false, ErrOrderedAllocUnavailable
	}
	addr, ok := a.buddy.Alloc(order)
	return addr, ok, nil
}

// PgfreeOrder returns a block obtained from KallocOrder. Unavailable in
// ModePrivateSlabBuddy for the same reason as KallocOrder.
func (a *Allocator) PgfreeOrder(addr uint64, order int) error {
	if a.mode != ModeKernelGlobal {
		return ErrOrderedAllocUnavailable
	}
	return a.buddy.Free(addr, order)
}

// CreateCache, DestroyCache and Caches pass straight through to the slab
// registry, without the circuit breaker, since cache lifecycle isn't part
// of the exhaustion-storm path the breaker guards.
func (a *Allocator) CreateCache(name string, objSize uint64, ctor slab.Ctor, dtor slab.Dtor) (*slab.Cache, error) {
	return a.registry.CreateCache(name, objSize, ctor, dtor)
}

func (a *Allocator) DestroyCache(c *slab.Cache) { a.registry.DestroyCache(c) }

func (a *Allocator) Caches() []*slab.Cache { return a.registry.Caches() }

// Kmalloc serves a small-buffer request. In ModePrivateSlabBuddy, repeated
// failures (the private buddy's fixed reservation is the one spot in this
// deployment mode that can be driven into sustained exhaustion by a single
// noisy caller) trip a circuit breaker so subsequent calls fail fast
// instead of reaching the slab registry on each attempt.
func (a *Allocator) Kmalloc(size uint64) ([]byte, uint64, error) {
	if a.breaker == nil {
		return a.registry.Kmalloc(size)
	}
	v, err := a.breaker.Execute(func() (interface{}, error) {
		buf, addr, ierr := a.registry.Kmalloc(size)
		if ierr != nil {
			return nil, ierr
		}
		return kmallocResult{buf: buf, addr: addr}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	res := v.(kmallocResult)
	return res.buf, res.addr, nil
}

// Kfree frees a small-buffer allocation obtained from Kmalloc.
func (a *Allocator) Kfree(addr uint64) error {
	return a.registry.Kfree(addr)
}

// Buddy exposes the underlying buddy allocator for diagnostics (buddy.Dump
// et al.) and for the rpc package's Stats RPC.
func (a *Allocator) Buddy() *buddy.Allocator { return a.buddy }

// Pages exposes the page free list. Returns nil in ModeKernelGlobal.
func (a *Allocator) Pages() *pagefreelist.FreeList { return a.pages }
