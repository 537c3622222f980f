package host

import (
	"github.com/reglet-dev/reglet-embed/domain/ports"
	"go.uber.org/zap"
)

// Option defines a functional option for configuring a Runtime.
type Option func(*Runtime)

// WithBoundary uses a boundary whose entry points are already resolvable.
// No load step runs. The caller keeps ownership: Close does not close it.
func WithBoundary(b ports.NativeBoundary) Option {
	return func(r *Runtime) {
		r.boundary = b
		r.ownsBoundary = false
		r.loader = nil
	}
}

// WithLoader configures a load step that resolves the boundary on the first
// start. A successful load is kept for the Runtime's lifetime and closed by Close.
func WithLoader(l ports.BridgeLoader) Option {
	return func(r *Runtime) {
		r.loader = l
		r.boundary = nil
		r.ownsBoundary = false
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver registers an observer for transitions and call outcomes.
func WithObserver(o ports.Observer) Option {
	return func(r *Runtime) {
		r.observer = o
	}
}
