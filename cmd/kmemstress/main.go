// Command kmemstress drives concurrent alloc/free traffic against a
// kmem.Allocator: flag-parsed options, CPU/heap profiling via
// runtime/pprof, and a worker-goroutine pool issuing random-sized requests
// and periodically freeing a fraction of what they hold.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
	"github.com/shenjiangwei/kmemalloc/kmem"
)

const (
	MB = 1024 * 1024
	GB = 1024 * 1024 * 1024

	minReqSize = 32
	maxReqSize = 64 * 1024
)

type block struct {
	addr uint64
	size uint64
}

func main() {
	mode := flag.String("mode", "kernel-global", "deployment mode: kernel-global or private-slab")
	arenaMB := flag.Int("arena-mb", 64, "arena size in MiB")
	reserveMB := flag.Int("reserve-mb", 8, "private-slab mode: reserved slab window in MiB")
	workers := flag.Int("workers", 8, "concurrent worker goroutines")
	ops := flag.Int("ops", 200000, "total operations across all workers")
	cpuProfile := flag.String("cpuprofile", "", "write CPU profile to file")
	memProfile := flag.String("memprofile", "", "write heap profile to file")
	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatalf("could not create CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("could not start CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	arena := make([]byte, *arenaMB*MB)
	var mem *kmem.Allocator
	var err error
	switch *mode {
	case "kernel-global":
		mem, err = kmem.NewKernelGlobal(arena)
	case "private-slab":
		mem, err = kmem.NewPrivateSlabBuddy(arena, uint64(*reserveMB*MB))
	default:
		fmt.Printf("unknown mode: %s (want kernel-global or private-slab)\n", *mode)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("failed to initialize allocator: %v", err)
	}

	klog.Info("kmemstress: mode=%s arena=%dMiB workers=%d ops=%d", *mode, *arenaMB, *workers, *ops)

	result := runStress(mem, *workers, *ops)
	fmt.Printf("allocs=%d frees=%d failures=%d duration=%v\n", result.allocs, result.frees, result.failures, result.duration)

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			log.Fatalf("could not create memory profile: %v", err)
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatalf("could not write memory profile: %v", err)
		}
	}
}

type stressResult struct {
	allocs, frees, failures uint64
	duration                time.Duration
}

func runStress(mem *kmem.Allocator, workers, totalOps int) stressResult {
	var mu sync.Mutex
	var live []block
	var allocs, frees, failures uint64
	var completed int

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if completed >= totalOps {
					mu.Unlock()
					return
				}
				completed++
				mu.Unlock()

				if rand.Float64() < 0.7 {
					size := randomSize()
					buf, addr, err := mem.Kmalloc(size)
					if err != nil {
						mu.Lock()
						failures++
						mu.Unlock()
						continue
					}
					for i := range buf {
						buf[i] = byte(i)
					}
					mu.Lock()
					live = append(live, block{addr: addr, size: size})
					allocs++
					mu.Unlock()
				} else {
					mu.Lock()
					if len(live) == 0 {
						mu.Unlock()
						continue
					}
					idx := rand.Intn(len(live))
					b := live[idx]
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]
					mu.Unlock()

					if err := mem.Kfree(b.addr); err != nil {
						mu.Lock()
						failures++
						mu.Unlock()
						continue
					}
					mu.Lock()
					frees++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	return stressResult{allocs: allocs, frees: frees, failures: failures, duration: time.Since(start)}
}

func randomSize() uint64 {
	span := maxReqSize - minReqSize
	return uint64(minReqSize + rand.Intn(span))
}
