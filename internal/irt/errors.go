package irt

import "errors"

// Sentinel errors for the irt package.
// Use errors.Is to check: errors.Is(err, irt.ErrInvalidParameter)
var (
	ErrInvalidParameter = errors.New("irt: invalid item parameters")
	ErrNoItemsAvailable = errors.New("irt: no items available")
)
