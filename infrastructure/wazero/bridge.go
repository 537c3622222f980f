package wazero

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/reglet-dev/reglet-embed/domain/ports"
)

var (
	// ErrGuestExited is returned for calls into a guest instance that ended with proc_exit.
	// The instance is replaced on the first start after stop.
	ErrGuestExited = errors.New("guest instance exited")

	// ErrBridgeClosed is returned for calls after Close.
	ErrBridgeClosed = errors.New("bridge closed")

	// ErrUnknownBuffer is returned when freeing a buffer the bridge did not allocate,
	// or freeing the same buffer twice.
	ErrUnknownBuffer = errors.New("buffer not allocated by this bridge")
)

var _ ports.NativeBoundary = (*Bridge)(nil)

// Bridge is a native boundary backed by a WebAssembly guest.
// Guest calls are serialized; a Bridge is safe for concurrent use.
type Bridge struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      bridgeConfig
	logger   *zap.Logger

	mu          sync.Mutex
	module      api.Module
	buffers     map[uint32]uint32
	restartable bool
	closed      bool
}

// NewBridge compiles and instantiates the guest in wasm.
func NewBridge(ctx context.Context, wasm []byte, opts ...BridgeOption) (*Bridge, error) {
	cfg := defaultBridgeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(cfg.closeOnDone))

	b := &Bridge{
		runtime: rt,
		cfg:     cfg,
		logger:  cfg.logger.With(zap.String("module", cfg.moduleName)),
		buffers: make(map[uint32]uint32),
	}

	if err := b.init(ctx, wasm); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return b, nil
}

func (b *Bridge) init(ctx context.Context, wasm []byte) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, b.runtime); err != nil {
		return fmt.Errorf("instantiate wasi: %w", err)
	}
	if err := registerHostModule(ctx, b.runtime, b.cfg); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := b.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("compile guest: %w", err)
	}
	if err := checkExports(compiled, b.cfg.exports); err != nil {
		return err
	}
	b.compiled = compiled

	mod, err := b.instantiate(ctx)
	if err != nil {
		return err
	}
	b.module = mod
	return nil
}

// checkExports verifies the guest implements the bridge ABI.
func checkExports(compiled wazero.CompiledModule, e Exports) error {
	if len(compiled.ExportedMemories()) == 0 {
		return errors.New("guest exports no memory")
	}

	i32 := api.ValueTypeI32
	want := []struct {
		name    string
		params  []api.ValueType
		results []api.ValueType
	}{
		{e.Allocate, []api.ValueType{i32}, []api.ValueType{i32}},
		{e.Deallocate, []api.ValueType{i32, i32}, nil},
		{e.Start, []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
		{e.Run, []api.ValueType{i32}, []api.ValueType{i32}},
		{e.Stop, nil, nil},
	}

	fns := compiled.ExportedFunctions()
	for _, w := range want {
		def, ok := fns[w.name]
		if !ok {
			return fmt.Errorf("guest does not export %q", w.name)
		}
		if !sameTypes(def.ParamTypes(), w.params) || !sameTypes(def.ResultTypes(), w.results) {
			return fmt.Errorf("guest export %q has signature %v -> %v, want %v -> %v",
				w.name, def.ParamTypes(), def.ResultTypes(), w.params, w.results)
		}
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Bridge) instantiate(ctx context.Context) (api.Module, error) {
	mc := wazero.NewModuleConfig().
		WithName(b.cfg.moduleName).
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	if b.cfg.stdout != nil {
		mc = mc.WithStdout(b.cfg.stdout)
	}
	if b.cfg.stderr != nil {
		mc = mc.WithStderr(b.cfg.stderr)
	}
	for k, v := range b.cfg.env {
		mc = mc.WithEnv(k, v)
	}
	if len(b.cfg.mounts) > 0 {
		fsc := wazero.NewFSConfig()
		for _, m := range b.cfg.mounts {
			if m.ReadOnly {
				fsc = fsc.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
			} else {
				fsc = fsc.WithDirMount(m.HostPath, m.GuestPath)
			}
		}
		mc = mc.WithFSConfig(fsc)
	}

	mod, err := b.runtime.InstantiateModule(ctx, b.compiled, mc)
	if err != nil {
		return nil, fmt.Errorf("instantiate guest: %w", err)
	}
	b.logger.Debug("guest instantiated")
	return mod, nil
}

// live returns the current instance, replacing an exited one when a stop
// has been observed since the exit. Caller holds b.mu.
func (b *Bridge) live(ctx context.Context) (api.Module, error) {
	if b.closed {
		return nil, ErrBridgeClosed
	}
	if b.module != nil {
		return b.module, nil
	}
	if !b.restartable {
		return nil, ErrGuestExited
	}

	mod, err := b.instantiate(ctx)
	if err != nil {
		return nil, err
	}
	b.module = mod
	b.restartable = false
	return mod, nil
}

// call invokes an export on the live instance. Caller holds b.mu.
// A guest exit is returned as *sys.ExitError after the instance is dropped.
func (b *Bridge) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	mod, err := b.live(ctx)
	if err != nil {
		return nil, err
	}

	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("guest does not export %q", name)
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			b.logger.Warn("guest exited",
				zap.String("export", name),
				zap.Uint32("exit_code", exitErr.ExitCode()))
			b.dropInstance(ctx)
			return nil, exitErr
		}
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return results, nil
}

// dropInstance forgets the current instance and every buffer in its memory.
func (b *Bridge) dropInstance(ctx context.Context) {
	if b.module != nil {
		_ = b.module.Close(ctx)
	}
	b.module = nil
	b.restartable = false
	clear(b.buffers)
}

// callCode invokes an entry point that returns a status code.
// A guest exit reports its exit code as the status. An exit during start
// is never a success: code 0 is returned as ErrGuestExited, and the
// instance is replaced on the next call.
func (b *Bridge) callCode(ctx context.Context, name string, params ...uint64) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	results, err := b.call(ctx, name, params...)
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return 0, err
		}
		code := exitErr.ExitCode()
		if name == b.cfg.exports.Start {
			// The runtime never came up, so the next start gets a fresh instance.
			b.restartable = true
			if code == 0 {
				return 0, fmt.Errorf("%w during %s with code 0", ErrGuestExited, name)
			}
		}
		return int32(code), nil //nolint:gosec // G115: codes above MaxInt32 are re-tagged out of range
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%s returned no results", name)
	}
	return api.DecodeI32(results[0]), nil
}

// Memory implements ports.NativeBoundary.
func (b *Bridge) Memory() ports.GuestMemory {
	return &guestMemory{b: b}
}

// Start implements ports.NativeBoundary.
func (b *Bridge) Start(ctx context.Context, home, searchPath, bridgeLib uint32) (int32, error) {
	return b.callCode(ctx, b.cfg.exports.Start,
		api.EncodeU32(home), api.EncodeU32(searchPath), api.EncodeU32(bridgeLib))
}

// Run implements ports.NativeBoundary.
func (b *Bridge) Run(ctx context.Context, scriptPath uint32) (int32, error) {
	return b.callCode(ctx, b.cfg.exports.Run, api.EncodeU32(scriptPath))
}

// Stop implements ports.NativeBoundary. Stopping an exited instance succeeds
// without a guest call. Either way the next start may use a fresh instance.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBridgeClosed
	}
	defer func() { b.restartable = true }()

	if b.module == nil {
		b.logger.Debug("stop on exited guest")
		return nil
	}

	_, err := b.call(ctx, b.cfg.exports.Stop)
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return err
}

// Close releases the engine and every guest instance.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.module = nil
	clear(b.buffers)
	return b.runtime.Close(ctx)
}

// Outstanding returns the number of guest buffers allocated and not yet freed.
func (b *Bridge) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers)
}
