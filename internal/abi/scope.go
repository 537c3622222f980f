package abi

import (
	"context"
	"errors"
	"sync"

	"github.com/reglet-dev/reglet-embed/domain/ports"
)

// ErrScopeReleased is returned when encoding into a scope that was already released.
var ErrScopeReleased = errors.New("abi scope already released")

// Scope owns the strings encoded for one native call and releases them together.
//
//	scope := abi.NewScope(mem)
//	defer scope.Release(ctx)
//	home, err := scope.Optional(ctx, cfg.HomePath)
//	if err != nil {
//	    return err
//	}
//	code, err := boundary.Start(ctx, home.Ptr(), ...)
type Scope struct {
	mem     ports.GuestMemory
	mu      sync.Mutex
	strings []*CString
	done    bool
}

// NewScope returns an empty scope allocating into mem.
func NewScope(mem ports.GuestMemory) *Scope {
	return &Scope{mem: mem}
}

// String encodes s and ties its lifetime to the scope.
func (s *Scope) String(ctx context.Context, v string) (*CString, error) {
	cs, err := EncodeString(ctx, s.mem, v)
	if err != nil {
		return nil, err
	}
	if err := s.track(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// Optional encodes v, or the null sentinel for nil, and ties its lifetime to the scope.
func (s *Scope) Optional(ctx context.Context, v *string) (*CString, error) {
	cs, err := EncodeOptional(ctx, s.mem, v)
	if err != nil {
		return nil, err
	}
	if err := s.track(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// Len returns the number of strings owned by the scope.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strings)
}

// Release frees every owned string in reverse allocation order. It is safe
// to call more than once; only the first call frees. Errors from individual
// frees are joined; a failed free does not stop the others.
func (s *Scope) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	owned := s.strings
	s.strings = nil
	s.mu.Unlock()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) track(ctx context.Context, cs *CString) error {
	s.mu.Lock()
	if !s.done {
		s.strings = append(s.strings, cs)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	_ = cs.Release(ctx)
	return ErrScopeReleased
}
