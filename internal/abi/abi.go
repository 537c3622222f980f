// Package abi marshals host values into guest memory for native calls.
//
// Strings cross the boundary as NUL-terminated byte buffers allocated in
// guest memory. Absent optional strings cross as ports.NullPtr and never
// allocate. Every buffer is owned by the host and released exactly once
// after the native call returns, on success and error paths alike.
package abi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-embed/domain/ports"
)

// DefaultDecodeLimit bounds DecodeString when no explicit limit is given.
const DefaultDecodeLimit = 64 * 1024

var (
	// ErrEmbeddedNUL is returned for strings that contain a NUL byte and
	// therefore cannot be represented as a C string.
	ErrEmbeddedNUL = errors.New("string contains NUL byte")

	// ErrTooLarge is returned for strings that do not fit a 32-bit guest address space.
	ErrTooLarge = errors.New("string exceeds guest address space")

	// ErrOutOfBounds is returned when guest memory rejects a read or write.
	ErrOutOfBounds = errors.New("guest memory access out of bounds")

	// ErrUnterminated is returned by DecodeString when no NUL is found within the limit.
	ErrUnterminated = errors.New("string not NUL-terminated within limit")
)

// CString is a NUL-terminated string in guest memory.
// The zero value and null strings have Ptr() == ports.NullPtr.
type CString struct {
	mem  ports.GuestMemory
	once sync.Once
	err  error
	ptr  uint32
	size uint32
}

// Ptr returns the guest address of the string, or ports.NullPtr.
func (c *CString) Ptr() uint32 {
	if c == nil {
		return ports.NullPtr
	}
	return c.ptr
}

// Size returns the allocated size in bytes, including the terminator.
func (c *CString) Size() uint32 {
	if c == nil {
		return 0
	}
	return c.size
}

// IsNull reports whether the string is the null sentinel.
func (c *CString) IsNull() bool {
	return c.Ptr() == ports.NullPtr
}

// Release frees the guest buffer. Only the first call frees; later calls
// return the first call's result. Null strings release without touching memory.
func (c *CString) Release(ctx context.Context) error {
	if c == nil || c.ptr == ports.NullPtr {
		return nil
	}
	c.once.Do(func() {
		c.err = c.mem.Free(ctx, c.ptr, c.size)
	})
	return c.err
}

// Null returns the null sentinel string.
func Null() *CString {
	return &CString{}
}

// EncodeString copies s plus a NUL terminator into freshly allocated guest memory.
// Bytes are copied verbatim, so any encoding (including non-UTF-8) round-trips.
func EncodeString(ctx context.Context, mem ports.GuestMemory, s string) (*CString, error) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return nil, fmt.Errorf("%w at offset %d", ErrEmbeddedNUL, i)
	}
	if uint64(len(s))+1 > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	size := uint32(len(s) + 1) //nolint:gosec // G115: bounded above
	ptr, err := mem.Allocate(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	if ptr == ports.NullPtr {
		return nil, fmt.Errorf("allocate %d bytes: guest returned null", size)
	}

	cs := &CString{mem: mem, ptr: ptr, size: size}

	buf := make([]byte, size)
	copy(buf, s)
	if !mem.Write(ptr, buf) {
		_ = cs.Release(ctx)
		return nil, ErrOutOfBounds
	}
	return cs, nil
}

// EncodeOptional encodes s, or returns the null sentinel when s is nil.
// A non-nil empty string is allocated as a single NUL byte, which the
// guest can tell apart from the null sentinel.
func EncodeOptional(ctx context.Context, mem ports.GuestMemory, s *string) (*CString, error) {
	if s == nil {
		return Null(), nil
	}
	return EncodeString(ctx, mem, *s)
}

// DecodeString reads a NUL-terminated string at ptr, reading at most limit
// bytes (DefaultDecodeLimit when limit is zero). NullPtr decodes to ok=false.
func DecodeString(mem ports.GuestMemory, ptr, limit uint32) (s string, ok bool, err error) {
	if ptr == ports.NullPtr {
		return "", false, nil
	}
	if limit == 0 {
		limit = DefaultDecodeLimit
	}

	const chunk = 256
	var out []byte
	for off := uint32(0); off < limit; {
		n := uint32(chunk)
		if limit-off < n {
			n = limit - off
		}
		data, readOK := mem.Read(ptr+off, n)
		if !readOK {
			// Near the end of memory: fall back to single bytes.
			b, byteOK := mem.Read(ptr+off, 1)
			if !byteOK {
				return "", false, ErrOutOfBounds
			}
			data = b
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			out = append(out, data[:i]...)
			return string(out), true, nil
		}
		out = append(out, data...)
		off += uint32(len(data)) //nolint:gosec // G115: len(data) <= chunk
	}
	return "", false, ErrUnterminated
}
