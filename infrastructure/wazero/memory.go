package wazero

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/reglet-embed/domain/ports"
)

var _ ports.GuestMemory = (*guestMemory)(nil)

// guestMemory allocates through the guest's allocate/deallocate exports
// and tracks every live buffer so double frees are caught on the host.
type guestMemory struct {
	b *Bridge
}

func (m *guestMemory) Allocate(ctx context.Context, size uint32) (uint32, error) {
	b := m.b
	b.mu.Lock()
	defer b.mu.Unlock()

	results, err := b.call(ctx, b.cfg.exports.Allocate, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, errors.New("allocate returned no results")
	}

	ptr := api.DecodeU32(results[0])
	if ptr == ports.NullPtr {
		return 0, fmt.Errorf("guest could not allocate %d bytes", size)
	}
	b.buffers[ptr] = size
	return ptr, nil
}

func (m *guestMemory) Free(ctx context.Context, ptr, size uint32) error {
	b := m.b
	b.mu.Lock()
	defer b.mu.Unlock()

	// Buffers die with the instance that held them.
	if b.module == nil {
		return nil
	}

	got, ok := b.buffers[ptr]
	if !ok || got != size {
		return fmt.Errorf("%w: ptr=%d size=%d", ErrUnknownBuffer, ptr, size)
	}
	delete(b.buffers, ptr)

	_, err := b.call(ctx, b.cfg.exports.Deallocate, api.EncodeU32(ptr), api.EncodeU32(size))
	return err
}

func (m *guestMemory) Write(ptr uint32, data []byte) bool {
	b := m.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.module == nil {
		return false
	}
	return b.module.Memory().Write(ptr, data)
}

func (m *guestMemory) Read(ptr, n uint32) ([]byte, bool) {
	b := m.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.module == nil {
		return nil, false
	}
	data, ok := b.module.Memory().Read(ptr, n)
	if !ok {
		return nil, false
	}
	// Read returns a view that the guest may overwrite.
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}
