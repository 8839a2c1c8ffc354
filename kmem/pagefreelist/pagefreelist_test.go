package pagefreelist

import "testing"

func TestChainsEveryPage(t *testing.T) {
	const pageSize = 4096
	arena := make([]byte, pageSize*8)
	fl := New(arena, 0, pageSize)

	if fl.TotalPages() != 8 {
		t.Fatalf("expected 8 pages, got %d", fl.TotalPages())
	}
	if fl.FreePages() != 8 {
		t.Fatalf("expected 8 free pages, got %d", fl.FreePages())
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	const pageSize = 4096
	arena := make([]byte, pageSize*4)
	fl := New(arena, 0, pageSize)

	var got []uint64
	for i := 0; i < 4; i++ {
		addr, ok := fl.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		got = append(got, addr)
	}
	if _, ok := fl.Alloc(); ok {
		t.Fatal("expected exhaustion after 4 pages")
	}
	for _, addr := range got {
		if err := fl.Free(addr); err != nil {
			t.Fatalf("free failed: %v", err)
		}
	}
	if fl.FreePages() != 4 {
		t.Fatalf("expected all pages free again, got %d", fl.FreePages())
	}
}

func TestFreeRejectsMisalignedAddress(t *testing.T) {
	const pageSize = 4096
	arena := make([]byte, pageSize*2)
	fl := New(arena, 0, pageSize)

	if err := fl.Free(pageSize / 2); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
