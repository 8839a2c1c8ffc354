package buddy

import "errors"

var (
	// ErrInvalidOrder is returned when order falls outside [MinOrder, MaxOrder].
	ErrInvalidOrder = errors.New("buddy: order out of range")
	// ErrInvalidAddress is returned when a freed address falls outside the
	// managed region, or is not aligned to the block size implied by order.
	ErrInvalidAddress = errors.New("buddy: invalid address")
	// ErrDisabled is returned by Free once New could not seat a single
	// block: a boot fault. Alloc reports the same condition with ok=false.
	ErrDisabled = errors.New("buddy: allocator disabled, no block fits the region")
)
