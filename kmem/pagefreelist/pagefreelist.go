// Package pagefreelist is a plain whole-page free list in the style of
// xv6-riscv's kernel/kalloc.c's legacy (non-SLAB_KERNEL) allocator: a
// singly-linked list threaded through the first machine word of every free
// page, exactly like struct run's embedded next pointer. It backs the
// general-purpose side of kmem's "private slab buddy" deployment mode.
//
// A page free list has only one size (one page), so allocation tracking
// collapses to a single linked list plus mutex-guarded alloc/free/miss
// counters for diagnostics.
package pagefreelist

import (
	"encoding/binary"
	"sync"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

const noPage = ^uint64(0)

// Stats reports hit/miss style counters for the single size class a page
// free list actually has.
type Stats struct {
	Allocs      uint64
	Frees       uint64
	AllocMisses uint64 // Alloc calls that found the list empty
}

// FreeList manages whole pages of a single arena.
type FreeList struct {
	mu sync.Mutex

	arena    []byte
	start    uint64
	pageSize uint64

	head      uint64
	total     int
	freePages int
	stats     Stats
}

// New builds a free list over arena, chaining every whole page into it —
// the Go analog of kalloc.c's kinit walking from the kernel's end to
// PHYSTOP calling kfree on each page.
func New(arena []byte, start uint64, pageSize uint64) *FreeList {
	aligned := roundUp(start, pageSize)
	skip := aligned - start
	if skip > uint64(len(arena)) {
		skip = uint64(len(arena))
	}
	usable := arena[skip:]
	npages := uint64(len(usable)) / pageSize

	fl := &FreeList{
		arena:    usable,
		start:    aligned,
		pageSize: pageSize,
		head:     noPage,
	}
	for i := uint64(0); i < npages; i++ {
		fl.push(aligned + i*pageSize)
	}
	fl.total = int(npages)
	fl.freePages = int(npages)
	klog.Info("pagefreelist: chained %d pages from %d", npages, aligned)
	return fl
}

// Alloc pops one free page, returning ok=false if the list is empty.
func (fl *FreeList) Alloc() (addr uint64, ok bool) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.stats.Allocs++
	if fl.head == noPage {
		fl.stats.AllocMisses++
		klog.Debug("pagefreelist: exhausted")
		return 0, false
	}
	addr = fl.head
	fl.head = fl.readLink(addr)
	fl.freePages--
	return addr, true
}

// Free returns a page to the list. An out-of-range or misaligned address is
// logged and rejected, never fatal.
func (fl *FreeList) Free(addr uint64) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.stats.Frees++
	end := fl.start + uint64(fl.total)*fl.pageSize
	if addr < fl.start || addr+fl.pageSize > end || (addr-fl.start)%fl.pageSize != 0 {
		klog.Error("pagefreelist: invalid free addr=%d", addr)
		return ErrInvalidAddress
	}
	fl.push(addr)
	fl.freePages++
	return nil
}

// Stats reports a snapshot of allocation counters.
func (fl *FreeList) Stats() Stats {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.stats
}

// FreePages and TotalPages report current and total page counts.
func (fl *FreeList) FreePages() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.freePages
}

func (fl *FreeList) TotalPages() int { return fl.total }

func (fl *FreeList) push(addr uint64) {
	fl.writeLink(addr, fl.head)
	fl.head = addr
}

func (fl *FreeList) readLink(addr uint64) uint64 {
	idx := addr - fl.start
	return binary.LittleEndian.Uint64(fl.arena[idx : idx+8])
}

func (fl *FreeList) writeLink(addr, next uint64) {
	idx := addr - fl.start
	binary.LittleEndian.PutUint64(fl.arena[idx:idx+8], next)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
