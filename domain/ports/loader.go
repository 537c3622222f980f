package ports

import "context"

// BridgeLoader locates and loads the bridge library that provides the
// native entry points. Loading is a one-time side effect: the lifecycle
// core calls Load at most once successfully per runtime.
type BridgeLoader interface {
	Load(ctx context.Context) (NativeBoundary, error)
}

// BridgeLoaderFunc adapts a function to BridgeLoader.
type BridgeLoaderFunc func(ctx context.Context) (NativeBoundary, error)

// Load calls f.
func (f BridgeLoaderFunc) Load(ctx context.Context) (NativeBoundary, error) {
	return f(ctx)
}
