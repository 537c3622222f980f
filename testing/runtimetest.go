// Package runtimetest provides test doubles and assertions for code that
// drives the guest runtime lifecycle.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-embed/domain/entities"
	domainErrors "github.com/reglet-dev/reglet-embed/domain/errors"
	"github.com/reglet-dev/reglet-embed/domain/ports"
	"github.com/reglet-dev/reglet-embed/internal/abi"
)

// ErrUnknownBuffer is returned by Memory.Free for addresses it did not hand out
// or already freed.
var ErrUnknownBuffer = errors.New("runtimetest: free of unknown buffer")

// DefaultMemorySize is the size of a Memory created with NewMemory(0).
const DefaultMemorySize = 64 * 1024

// Memory is an in-process ports.GuestMemory that accounts for every buffer.
type Memory struct {
	mu          sync.Mutex
	data        []byte
	live        map[uint32]uint32
	allocErr    error
	next        uint32
	allocs      int
	frees       int
	allocBudget int
}

var _ ports.GuestMemory = (*Memory)(nil)

// NewMemory returns a Memory of size bytes (DefaultMemorySize when zero).
func NewMemory(size uint32) *Memory {
	if size == 0 {
		size = DefaultMemorySize
	}
	return &Memory{
		data:        make([]byte, size),
		live:        make(map[uint32]uint32),
		next:        8,
		allocBudget: -1,
	}
}

// FailAllocations makes every later Allocate fail with err. A nil err restores normal behavior.
func (m *Memory) FailAllocations(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocErr = err
}

// FailAfter lets n more allocations succeed, then fails the rest.
func (m *Memory) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocBudget = n
}

// Allocate implements ports.GuestMemory with a bump allocator.
func (m *Memory) Allocate(_ context.Context, size uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allocErr != nil {
		return 0, m.allocErr
	}
	if m.allocBudget == 0 {
		return 0, errors.New("runtimetest: allocation budget exhausted")
	}
	if uint64(m.next)+uint64(size) > uint64(len(m.data)) {
		return 0, fmt.Errorf("runtimetest: out of memory allocating %d bytes", size)
	}
	if m.allocBudget > 0 {
		m.allocBudget--
	}

	ptr := m.next
	m.next += (size + 7) &^ 7
	m.live[ptr] = size
	m.allocs++
	return ptr, nil
}

// Free implements ports.GuestMemory.
func (m *Memory) Free(_ context.Context, ptr, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	got, ok := m.live[ptr]
	if !ok || got != size {
		return fmt.Errorf("%w: ptr=%d size=%d", ErrUnknownBuffer, ptr, size)
	}
	delete(m.live, ptr)
	m.frees++
	return nil
}

// Write implements ports.GuestMemory.
func (m *Memory) Write(ptr uint32, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint64(ptr)+uint64(len(data)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[ptr:], data)
	return true
}

// Read implements ports.GuestMemory.
func (m *Memory) Read(ptr, n uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint64(ptr)+uint64(n) > uint64(len(m.data)) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, m.data[ptr:])
	return out, true
}

// Outstanding returns the number of buffers allocated and not freed.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Allocs returns the number of successful allocations.
func (m *Memory) Allocs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocs
}

// Frees returns the number of successful frees.
func (m *Memory) Frees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frees
}

// Call is one recorded native entry point invocation.
// String arguments are decoded at call time; nil means the null sentinel.
type Call struct {
	Home   *string
	Search *string
	Bridge *string
	Script *string
	Op     string
}

// Hook runs inside a native entry point before it returns.
type Hook func(ctx context.Context)

// Boundary is a recording ports.NativeBoundary backed by Memory.
type Boundary struct {
	mem *Memory

	mu        sync.Mutex
	calls     []Call
	hooks     map[string]Hook
	startErr  error
	runErr    error
	stopErr   error
	startCode int32
	runCode   int32
	closes    int
}

var _ ports.NativeBoundary = (*Boundary)(nil)

// NewBoundary returns a Boundary whose entry points succeed.
func NewBoundary() *Boundary {
	return &Boundary{
		mem:   NewMemory(0),
		hooks: make(map[string]Hook),
	}
}

// Mem returns the boundary's memory.
func (b *Boundary) Mem() *Memory {
	return b.mem
}

// SetStartCode sets the code returned by Start.
func (b *Boundary) SetStartCode(code int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startCode = code
}

// SetRunCode sets the code returned by Run.
func (b *Boundary) SetRunCode(code int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runCode = code
}

// SetStartError makes Start fail as if the guest trapped.
func (b *Boundary) SetStartError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
}

// SetRunError makes Run fail as if the guest trapped.
func (b *Boundary) SetRunError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runErr = err
}

// SetStopError makes Stop fail.
func (b *Boundary) SetStopError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopErr = err
}

// SetHook installs h for op ("start", "run" or "stop"). A nil h removes it.
func (b *Boundary) SetHook(op string, h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		delete(b.hooks, op)
		return
	}
	b.hooks[op] = h
}

// Memory implements ports.NativeBoundary.
func (b *Boundary) Memory() ports.GuestMemory {
	return b.mem
}

// Start implements ports.NativeBoundary.
func (b *Boundary) Start(ctx context.Context, home, search, bridgeLib uint32) (int32, error) {
	b.record(Call{
		Op:     "start",
		Home:   b.decode(home),
		Search: b.decode(search),
		Bridge: b.decode(bridgeLib),
	})
	b.runHook(ctx, "start")

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startCode, b.startErr
}

// Run implements ports.NativeBoundary.
func (b *Boundary) Run(ctx context.Context, scriptPath uint32) (int32, error) {
	b.record(Call{Op: "run", Script: b.decode(scriptPath)})
	b.runHook(ctx, "run")

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runCode, b.runErr
}

// Stop implements ports.NativeBoundary.
func (b *Boundary) Stop(ctx context.Context) error {
	b.record(Call{Op: "stop"})
	b.runHook(ctx, "stop")

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErr
}

// Close implements ports.NativeBoundary.
func (b *Boundary) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

// Calls returns a copy of the recorded calls in order.
func (b *Boundary) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Count returns the number of recorded calls to op.
func (b *Boundary) Count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Closes returns how many times Close was called.
func (b *Boundary) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *Boundary) record(c Call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
}

func (b *Boundary) runHook(ctx context.Context, op string) {
	b.mu.Lock()
	h := b.hooks[op]
	b.mu.Unlock()
	if h != nil {
		h(ctx)
	}
}

func (b *Boundary) decode(ptr uint32) *string {
	s, ok, err := abi.DecodeString(b.mem, ptr, 0)
	if err != nil || !ok {
		return nil
	}
	return &s
}

// Event is one observed transition or call.
type Event struct {
	Op      string
	From    entities.RuntimeState
	To      entities.RuntimeState
	Status  entities.StatusCode
	Elapsed time.Duration
}

// Recorder is a ports.Observer that keeps every event.
type Recorder struct {
	mu          sync.Mutex
	transitions []Event
	calls       []Event
}

var _ ports.Observer = (*Recorder)(nil)

// Transition implements ports.Observer.
func (r *Recorder) Transition(from, to entities.RuntimeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, Event{From: from, To: to})
}

// Call implements ports.Observer.
func (r *Recorder) Call(op string, status entities.StatusCode, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Event{Op: op, Status: status, Elapsed: elapsed})
}

// Transitions returns the recorded transitions as to-states, in order.
func (r *Recorder) Transitions() []entities.RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.RuntimeState, len(r.transitions))
	for i, e := range r.transitions {
		out[i] = e.To
	}
	return out
}

// Calls returns the recorded call events, in order.
func (r *Recorder) Calls() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.calls...)
}

// AssertStatus asserts err maps to want.
func AssertStatus(t *testing.T, err error, want entities.StatusCode) {
	t.Helper()
	if got := domainErrors.Status(err); got != want {
		t.Errorf("status = %s, want %s (err: %v)", got, want, err)
	}
}

// AssertState asserts the lifecycle state reported by r.
func AssertState(t *testing.T, r interface{ State() entities.RuntimeState }, want entities.RuntimeState) {
	t.Helper()
	if got := r.State(); got != want {
		t.Errorf("state = %s, want %s", got, want)
	}
}

// AssertNoLeaks asserts every buffer allocated in m was freed.
func AssertNoLeaks(t *testing.T, m *Memory) {
	t.Helper()
	if n := m.Outstanding(); n != 0 {
		t.Errorf("%d guest buffers leaked (allocs=%d frees=%d)", n, m.Allocs(), m.Frees())
	}
}

// Str returns the string behind p, or "<null>".
func Str(p *string) string {
	if p == nil {
		return "<null>"
	}
	return *p
}
