package pagefreelist

import "errors"

// ErrInvalidAddress is returned when Free is given an address outside the
// managed region or not aligned to a page boundary.
var ErrInvalidAddress = errors.New("pagefreelist: invalid address")
