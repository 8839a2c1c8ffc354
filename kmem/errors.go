package kmem

import "errors"

var (
	// ErrBootFault is returned when the underlying buddy allocator could not
	// seat a single block over the given arena.
	ErrBootFault = errors.New("kmem: boot fault, buddy allocator disabled")
	// ErrReservationTooLarge is returned when the requested slab reservation
	// leaves no room for the general-purpose page free list.
	ErrReservationTooLarge = errors.New("kmem: slab reservation leaves no room for the page free list")
	// ErrOrderedAllocUnavailable is returned by KallocOrder/PgfreeOrder in
	// ModePrivateSlabBuddy: the legacy page free list has no notion of
	// order, so multi-page allocation only exists when a single buddy owns
	// the whole arena.
	ErrOrderedAllocUnavailable = errors.New("kmem: ordered page allocation unavailable in this deployment mode")
)
