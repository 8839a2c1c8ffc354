// Package buddy implements a binary buddy allocator over a contiguous,
// page-aligned arena. It mirrors the split/coalesce design of
// xv6-riscv's kernel/buddy.c: greedy multi-order placement at init,
// address-XOR buddy identification, and in-band free-list threading where
// the first machine word of every free block holds the address of the next
// free block of the same order.
package buddy

import (
	"encoding/binary"
	"sync"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

// PageSize is the fixed page size the allocator carves blocks from.
const PageSize = 4096

// DefaultMinOrder and DefaultMaxOrder cover blocks from one page (4KiB) up
// to 128MiB, the typical working range for a teaching kernel's arena.
const (
	DefaultMinOrder = 0
	DefaultMaxOrder = 15
)

// noBlock is the free-list terminator. Real addresses are always < 2^64-1
// because the arena backing any allocator in this module is far smaller.
const noBlock = ^uint64(0)

// Config holds the allocator's tunables.
type Config struct {
	PageSize int
	MinOrder int
	MaxOrder int
}

// DefaultConfig returns MinOrder=0, MaxOrder=15, PageSize=4096.
func DefaultConfig() Config {
	return Config{PageSize: PageSize, MinOrder: DefaultMinOrder, MaxOrder: DefaultMaxOrder}
}

// Allocator is a single buddy instance over one arena. Multiple instances
// may coexist (e.g. the reserved slab buddy of deployment mode 2); each
// owns an explicit, disjoint arena rather than a shared global.
type Allocator struct {
	mu sync.Mutex

	arena []byte
	start uint64
	total uint64

	pageSize uint64
	minOrder int
	maxOrder int // maxOrder < minOrder means the allocator is disabled

	free []uint64 // free[o-minOrder] = head address of order o's free list
}

// New creates a buddy allocator over arena, treating arena[0] as physical
// address start. It performs the same rounding and greedy placement as
// xv6-riscv's kernel/buddy.c's buddy_init: start is rounded up to a
// page boundary, the largest order that fits the (possibly shrunk) region
// is found, and every order from that max down to MinOrder is packed with
// as many blocks as remain.
func New(arena []byte, start uint64, cfg Config) *Allocator {
	if cfg.PageSize == 0 {
		cfg.PageSize = PageSize
	}
	pageSize := uint64(cfg.PageSize)

	aligned := roundUp(start, pageSize)
	skip := aligned - start
	if skip > uint64(len(arena)) {
		skip = uint64(len(arena))
	}
	usable := arena[skip:]
	total := uint64(len(usable))

	a := &Allocator{
		arena:    usable,
		start:    aligned,
		total:    total,
		pageSize: pageSize,
		minOrder: cfg.MinOrder,
		maxOrder: cfg.MinOrder - 1, // disabled until proven otherwise
	}

	maxOrder := cfg.MaxOrder
	for maxOrder >= cfg.MinOrder && a.blockSize(maxOrder) > total {
		maxOrder--
	}
	if maxOrder < cfg.MinOrder {
		klog.Error("buddy: init failed, region of %d bytes fits no block at order>=%d", total, cfg.MinOrder)
		return a
	}
	a.maxOrder = maxOrder
	a.free = make([]uint64, maxOrder-cfg.MinOrder+1)
	for i := range a.free {
		a.free[i] = noBlock
	}

	addr := aligned
	remaining := total
	placed := 0
	for order := maxOrder; order >= cfg.MinOrder; order-- {
		bsize := a.blockSize(order)
		for remaining >= bsize {
			a.pushFree(order, addr)
			addr += bsize
			remaining -= bsize
			placed++
		}
	}
	klog.Info("buddy: initialized %d bytes in %d blocks, max_order=%d", total-remaining, placed, maxOrder)
	return a
}

// Disabled reports a boot fault: no block of any configured order fit.
func (a *Allocator) Disabled() bool { return a.maxOrder < a.minOrder }

// MinOrder, MaxOrder, Start, and TotalSize expose the allocator's bounds so
// callers (the slab package, deployment-mode constructors) can size their
// own requests correctly.
func (a *Allocator) MinOrder() int     { return a.minOrder }
func (a *Allocator) MaxOrder() int     { return a.maxOrder }
func (a *Allocator) Start() uint64     { return a.start }
func (a *Allocator) TotalSize() uint64 { return a.total }
func (a *Allocator) PageSize() uint64  { return a.pageSize }

func (a *Allocator) blockSize(order int) uint64 {
	return a.pageSize << uint(order)
}

// Alloc satisfies a request for a block of the given order. It fails softly,
// returning ok=false rather than an error for both out-of-range orders and
// exhaustion, so the caller checks for null instead of handling an error.
func (a *Allocator) Alloc(order int) (addr uint64, ok bool) {
	if a.Disabled() || order < a.minOrder || order > a.maxOrder {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	o := order
	for o <= a.maxOrder && a.free[o-a.minOrder] == noBlock {
		o++
	}
	if o > a.maxOrder {
		klog.Debug("buddy: exhausted at order>=%d", order)
		return 0, false
	}

	block := a.free[o-a.minOrder]
	a.free[o-a.minOrder] = a.readLink(block)

	for o > order {
		o--
		upper := block + a.blockSize(o)
		a.pushFree(o, upper)
	}

	klog.Debug("buddy: alloc order=%d addr=%d", order, block)
	return block, true
}

// Free returns a block to the allocator, coalescing with its buddy at each
// order as long as the buddy is free.
// An out-of-range address is logged and rejected; it is never fatal.
func (a *Allocator) Free(addr uint64, order int) error {
	if a.Disabled() {
		return ErrDisabled
	}
	if order < a.minOrder || order > a.maxOrder {
		klog.Error("buddy: free with invalid order %d", order)
		return ErrInvalidOrder
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if addr < a.start || addr+a.blockSize(order) > a.start+a.total || (addr-a.start)%a.blockSize(order) != 0 {
		klog.Error("buddy: invalid free addr=%d order=%d", addr, order)
		return ErrInvalidAddress
	}

	cur := addr
	o := order
	for o < a.maxOrder {
		bsize := a.blockSize(o)
		buddyAddr := a.start + ((cur - a.start) ^ bsize)
		if !a.removeFree(o, buddyAddr) {
			break
		}
		if buddyAddr < cur {
			cur = buddyAddr
		}
		o++
	}
	a.pushFree(o, cur)
	klog.Debug("buddy: free addr=%d order=%d coalesced_order=%d", addr, order, o)
	return nil
}

// Bytes returns a bounds-checked window into the arena for [addr, addr+n).
// The slab package uses this to lay out slab headers, bitmaps, and objects
// directly in the memory the buddy owns.
func (a *Allocator) Bytes(addr uint64, n int) ([]byte, error) {
	if addr < a.start || addr+uint64(n) > a.start+a.total {
		return nil, ErrInvalidAddress
	}
	idx := addr - a.start
	return a.arena[idx : idx+uint64(n)], nil
}

// OrderStat is one line of a Dump report.
type OrderStat struct {
	Order      int
	BlockSize  uint64
	FreeBlocks int
	Addrs      []uint64
}

// Dump reports free-list counts per order for interactive inspection.
func (a *Allocator) Dump() []OrderStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stats []OrderStat
	for o := a.minOrder; o <= a.maxOrder; o++ {
		var addrs []uint64
		cur := a.free[o-a.minOrder]
		for cur != noBlock {
			addrs = append(addrs, cur)
			cur = a.readLink(cur)
		}
		if len(addrs) == 0 {
			continue
		}
		stats = append(stats, OrderStat{Order: o, BlockSize: a.blockSize(o), FreeBlocks: len(addrs), Addrs: addrs})
	}
	klog.Info("buddy: dump %d non-empty orders", len(stats))
	return stats
}

// FreeBytes sums the bytes currently sitting on free lists.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for o := a.minOrder; o <= a.maxOrder; o++ {
		cur := a.free[o-a.minOrder]
		for cur != noBlock {
			free += a.blockSize(o)
			cur = a.readLink(cur)
		}
	}
	return free
}

func (a *Allocator) readLink(addr uint64) uint64 {
	idx := addr - a.start
	return binary.LittleEndian.Uint64(a.arena[idx : idx+8])
}

func (a *Allocator) writeLink(addr, next uint64) {
	idx := addr - a.start
	binary.LittleEndian.PutUint64(a.arena[idx:idx+8], next)
}

func (a *Allocator) pushFree(order int, addr uint64) {
	i := order - a.minOrder
	a.writeLink(addr, a.free[i])
	a.free[i] = addr
}

// removeFree unlinks addr from free[order] if present, reporting whether it
// was found. This doubles as the "is the buddy free?" test in Free: a
// single list walk both checks and splices.
func (a *Allocator) removeFree(order int, addr uint64) bool {
	i := order - a.minOrder
	head := a.free[i]
	if head == noBlock {
		return false
	}
	if head == addr {
		a.free[i] = a.readLink(head)
		return true
	}
	prev := head
	cur := a.readLink(prev)
	for cur != noBlock {
		if cur == addr {
			a.writeLink(prev, a.readLink(cur))
			return true
		}
		prev = cur
		cur = a.readLink(cur)
	}
	return false
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
