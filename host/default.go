package host

import (
	"context"

	"github.com/reglet-dev/reglet-embed/domain/entities"
)

// defaultRuntime is the process-wide guest runtime behind the package-level API.
var defaultRuntime = New()

// Default returns the process-wide Runtime used by Start, Run and Stop.
func Default() *Runtime {
	return defaultRuntime
}

// Configure applies opts to the process-wide Runtime. It fails with
// errors.ErrAlreadyRunning unless the runtime is uninitialized.
func Configure(ctx context.Context, opts ...Option) error {
	return defaultRuntime.Configure(ctx, opts...)
}

// Start starts the process-wide guest runtime.
func Start(ctx context.Context, cfg entities.StartConfig) error {
	return defaultRuntime.Start(ctx, cfg)
}

// Run executes a guest script on the process-wide guest runtime.
func Run(ctx context.Context, scriptPath string) error {
	return defaultRuntime.Run(ctx, scriptPath)
}

// Stop stops the process-wide guest runtime.
func Stop(ctx context.Context) error {
	return defaultRuntime.Stop(ctx)
}
