package ports

import (
	"context"
)

// NullPtr is the guest address used for an absent optional argument.
const NullPtr uint32 = 0

// GuestMemory is the memory shared across the native boundary.
// Buffers handed to native entry points are allocated here and must be
// freed by the host after the call returns.
type GuestMemory interface {
	// Allocate reserves size bytes and returns their guest address.
	// A zero address is never returned for a successful allocation.
	Allocate(ctx context.Context, size uint32) (uint32, error)

	// Free releases a buffer returned by Allocate.
	Free(ctx context.Context, ptr, size uint32) error

	// Write copies data to ptr. It reports false if the range is out of bounds.
	Write(ptr uint32, data []byte) bool

	// Read returns a copy of n bytes at ptr. It reports false if the range is out of bounds.
	Read(ptr, n uint32) ([]byte, bool)
}

// NativeBoundary is the set of native entry points of the guest runtime.
//
// Pointer arguments are addresses in Memory(); NullPtr means "use default".
// A returned error means the call did not complete (the guest trapped or
// the engine failed); the int32 is only meaningful when the error is nil.
type NativeBoundary interface {
	// Memory returns the memory used to pass arguments to the entry points.
	Memory() GuestMemory

	// Start initializes the guest runtime.
	Start(ctx context.Context, home, search, bridgeLib uint32) (int32, error)

	// Run executes the guest script at scriptPath.
	Run(ctx context.Context, scriptPath uint32) (int32, error)

	// Stop tears the guest runtime down.
	Stop(ctx context.Context) error

	// Close releases the engine resources behind the boundary.
	Close(ctx context.Context) error
}
