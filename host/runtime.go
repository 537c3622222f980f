package host

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reglet-dev/reglet-embed/domain/entities"
	"github.com/reglet-dev/reglet-embed/domain/errors"
	"github.com/reglet-dev/reglet-embed/domain/ports"
	"github.com/reglet-dev/reglet-embed/internal/abi"
	"go.uber.org/zap"
)

// Runtime errors.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = stdErrors.New("guest runtime closed")

	// ErrNoBoundary is returned by Start when neither a boundary nor a loader is configured.
	ErrNoBoundary = stdErrors.New("no native boundary or bridge loader configured")
)

// Operation names reported to observers and logs.
const (
	OpStart = "start"
	OpRun   = "run"
	OpStop  = "stop"
)

// Runtime is the lifecycle state machine of one embedded guest runtime.
// It is safe for concurrent use.
type Runtime struct {
	boundary ports.NativeBoundary
	loader   ports.BridgeLoader
	observer ports.Observer
	logger   *zap.Logger
	handle   *runtimeHandle
	tel      atomic.Pointer[telemetry]

	mu           sync.Mutex
	state        entities.RuntimeState
	ownsBoundary bool
	closed       bool
}

// telemetry is the logger and observer published for lock-free reads.
type telemetry struct {
	logger   *zap.Logger
	observer ports.Observer
}

// runtimeHandle is the live guest runtime. It exists exactly while the
// state is running or stopping.
type runtimeHandle struct {
	boundary ports.NativeBoundary
	started  time.Time
	inflight sync.WaitGroup
	running  atomic.Int64
	id       uuid.UUID
}

// Snapshot is a consistent view of the runtime, taken under its lock.
type Snapshot struct {
	StartedAt  time.Time
	HandleID   string
	State      entities.RuntimeState
	InFlight   int64
	HandleLive bool
}

// liveRuntime is the Runtime holding the process-wide guest runtime slot.
// It is claimed on entering starting and released on the return to
// uninitialized.
var liveRuntime atomic.Pointer[Runtime]

// New creates an uninitialized Runtime. Every Runtime shares the
// process-wide slot with Default: while one is starting, running or
// stopping, Start on any other returns errors.ErrAlreadyRunning.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger: zap.NewNop(),
		state:  entities.StateUninitialized,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.publishTelemetry()
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() entities.RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns the state and handle validity observed atomically.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{State: r.state}
	if h := r.handle; h != nil {
		s.HandleLive = true
		s.HandleID = h.id.String()
		s.StartedAt = h.started
		s.InFlight = h.running.Load()
	}
	return s
}

// Start starts the guest runtime with cfg.
//
// It returns errors.ErrAlreadyRunning while starting or running, or while
// another Runtime holds the process-wide slot, and errors.ErrShuttingDown
// while stopping. A failed start (loader, marshaling
// or native failure) leaves the runtime uninitialized, so Start may be retried.
func (r *Runtime) Start(ctx context.Context, cfg entities.StartConfig) (err error) {
	began := time.Now()
	defer func() { r.observeCall(OpStart, err, began) }()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	switch r.state {
	case entities.StateStarting, entities.StateRunning:
		r.mu.Unlock()
		return errors.ErrAlreadyRunning
	case entities.StateStopping:
		r.mu.Unlock()
		return errors.ErrShuttingDown
	}
	if !liveRuntime.CompareAndSwap(nil, r) {
		r.mu.Unlock()
		return errors.ErrAlreadyRunning
	}
	r.transitionLocked(entities.StateStarting)
	r.mu.Unlock()

	boundary, err := r.resolveBoundary(ctx)
	if err == nil {
		err = r.nativeStart(ctx, boundary, cfg.Clone())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.transitionLocked(entities.StateUninitialized)
		return err
	}
	r.handle = &runtimeHandle{
		id:       uuid.New(),
		boundary: boundary,
		started:  time.Now(),
	}
	r.transitionLocked(entities.StateRunning)
	r.log().Info("guest runtime started", zap.String("handle", r.handle.id.String()))
	return nil
}

// Run executes the guest script at scriptPath on the running guest runtime.
//
// It returns errors.ErrNotRunning (without any native call) unless the runtime
// is running, or errors.ErrShuttingDown while stopping. A failing script
// returns a *errors.NativeError and leaves the runtime running.
func (r *Runtime) Run(ctx context.Context, scriptPath string) (err error) {
	began := time.Now()
	defer func() { r.observeCall(OpRun, err, began) }()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	switch r.state {
	case entities.StateRunning:
	case entities.StateStopping:
		r.mu.Unlock()
		return errors.ErrShuttingDown
	default:
		r.mu.Unlock()
		return errors.ErrNotRunning
	}
	h := r.handle
	h.inflight.Add(1)
	h.running.Add(1)
	r.mu.Unlock()

	defer func() {
		h.running.Add(-1)
		h.inflight.Done()
	}()

	return r.nativeRun(ctx, h, scriptPath)
}

// Stop tears the running guest runtime down.
//
// Stop on an uninitialized runtime is a no-op. While starting it returns
// errors.ErrNotRunning; while another stop is in progress,
// errors.ErrShuttingDown. Stop waits for in-flight runs before calling the
// native stop. The runtime always ends uninitialized, and a native stop
// failure is reported as a *errors.NativeError with StatusNativeStopFailure.
func (r *Runtime) Stop(ctx context.Context) (err error) {
	began := time.Now()
	defer func() { r.observeCall(OpStop, err, began) }()

	r.mu.Lock()
	switch r.state {
	case entities.StateUninitialized:
		r.mu.Unlock()
		return nil
	case entities.StateStarting:
		r.mu.Unlock()
		return errors.ErrNotRunning
	case entities.StateStopping:
		r.mu.Unlock()
		return errors.ErrShuttingDown
	}
	h := r.handle
	r.transitionLocked(entities.StateStopping)
	r.mu.Unlock()

	h.inflight.Wait()

	if stopErr := h.boundary.Stop(ctx); stopErr != nil {
		err = errors.NewNativeTrap(OpStop, stopErr)
		r.log().Warn("native stop failed", zap.String("handle", h.id.String()), zap.Error(stopErr))
	}

	r.mu.Lock()
	r.handle = nil
	r.transitionLocked(entities.StateUninitialized)
	r.mu.Unlock()

	r.log().Info("guest runtime stopped",
		zap.String("handle", h.id.String()),
		zap.Duration("uptime", time.Since(h.started)))
	return err
}

// Close stops the guest runtime if it is running and releases a boundary
// obtained from the loader. A closed Runtime rejects every operation.
func (r *Runtime) Close(ctx context.Context) error {
	stopErr := r.Stop(ctx)
	if stdErrors.Is(stopErr, errors.ErrNotRunning) || stdErrors.Is(stopErr, errors.ErrShuttingDown) {
		return fmt.Errorf("close: %w", stopErr)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return stopErr
	}
	if r.state != entities.StateUninitialized {
		// A start raced in between Stop and here.
		r.mu.Unlock()
		return fmt.Errorf("close: %w", errors.ErrAlreadyRunning)
	}
	r.closed = true
	b, owned := r.boundary, r.ownsBoundary
	r.boundary = nil
	r.mu.Unlock()

	if b != nil && owned {
		if err := b.Close(ctx); err != nil {
			return stdErrors.Join(stopErr, fmt.Errorf("close boundary: %w", err))
		}
	}
	return stopErr
}

// Configure applies opts. It is only allowed while the runtime is uninitialized.
// A boundary previously obtained from a loader is closed when replaced.
func (r *Runtime) Configure(ctx context.Context, opts ...Option) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state != entities.StateUninitialized {
		r.mu.Unlock()
		return errors.ErrAlreadyRunning
	}
	prev, prevOwned := r.boundary, r.ownsBoundary
	for _, opt := range opts {
		opt(r)
	}
	replaced := prevOwned && prev != nil && r.boundary != prev
	r.publishTelemetry()
	r.mu.Unlock()

	if replaced {
		return prev.Close(ctx)
	}
	return nil
}

// resolveBoundary returns the configured boundary, running the loader on
// first use. Only one goroutine can be here at a time: the caller holds the
// starting state.
func (r *Runtime) resolveBoundary(ctx context.Context) (ports.NativeBoundary, error) {
	r.mu.Lock()
	b, loader := r.boundary, r.loader
	r.mu.Unlock()

	if b != nil {
		return b, nil
	}
	if loader == nil {
		return nil, &errors.LoaderError{Err: ErrNoBoundary}
	}

	loaded, err := loader.Load(ctx)
	if err == nil && loaded == nil {
		err = stdErrors.New("loader returned no boundary")
	}
	if err != nil {
		var loaderErr *errors.LoaderError
		if !stdErrors.As(err, &loaderErr) {
			err = &errors.LoaderError{Err: err}
		}
		r.log().Error("bridge load failed", zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	r.boundary = loaded
	r.ownsBoundary = true
	r.mu.Unlock()
	r.log().Debug("bridge loaded")
	return loaded, nil
}

func (r *Runtime) nativeStart(ctx context.Context, b ports.NativeBoundary, cfg entities.StartConfig) error {
	scope := abi.NewScope(b.Memory())
	defer r.release(ctx, scope, OpStart)

	home, err := scope.Optional(ctx, cfg.HomePath)
	if err != nil {
		return &errors.MarshalError{Field: "home", Err: err}
	}
	search, err := scope.Optional(ctx, cfg.SearchPath)
	if err != nil {
		return &errors.MarshalError{Field: "search_path", Err: err}
	}
	bridge, err := scope.Optional(ctx, cfg.BridgeLibraryPath)
	if err != nil {
		return &errors.MarshalError{Field: "bridge_library", Err: err}
	}

	raw, err := b.Start(ctx, home.Ptr(), search.Ptr(), bridge.Ptr())
	if err != nil {
		r.log().Warn("native start did not complete", zap.Error(err))
		return errors.NewNativeTrap(OpStart, err)
	}
	if raw != 0 {
		r.log().Warn("native start failed", zap.Int32("code", raw))
		return errors.NewNativeError(OpStart, raw)
	}
	return nil
}

func (r *Runtime) nativeRun(ctx context.Context, h *runtimeHandle, scriptPath string) error {
	scope := abi.NewScope(h.boundary.Memory())
	defer r.release(ctx, scope, OpRun)

	script, err := scope.String(ctx, scriptPath)
	if err != nil {
		return &errors.MarshalError{Field: "script", Err: err}
	}

	raw, err := h.boundary.Run(ctx, script.Ptr())
	if err != nil {
		r.log().Warn("native run did not complete",
			zap.String("handle", h.id.String()), zap.String("script", scriptPath), zap.Error(err))
		return errors.NewNativeTrap(OpRun, err)
	}
	if raw != 0 {
		r.log().Warn("native run failed",
			zap.String("handle", h.id.String()), zap.String("script", scriptPath), zap.Int32("code", raw))
		return errors.NewNativeError(OpRun, raw)
	}
	r.log().Debug("script completed", zap.String("handle", h.id.String()), zap.String("script", scriptPath))
	return nil
}

func (r *Runtime) release(ctx context.Context, scope *abi.Scope, op string) {
	if err := scope.Release(ctx); err != nil {
		r.log().Warn("releasing guest buffers failed", zap.String("op", op), zap.Error(err))
	}
}

// transitionLocked moves to the next state. The caller holds r.mu.
func (r *Runtime) transitionLocked(to entities.RuntimeState) {
	from := r.state
	if !entities.CanTransition(from, to) {
		panic(fmt.Sprintf("host: invalid lifecycle transition %s -> %s", from, to))
	}
	r.state = to
	if to == entities.StateUninitialized {
		liveRuntime.CompareAndSwap(r, nil)
	}
	r.log().Debug("lifecycle transition", zap.Stringer("from", from), zap.Stringer("to", to))
	if obs := r.tel.Load().observer; obs != nil {
		obs.Transition(from, to)
	}
}

func (r *Runtime) observeCall(op string, err error, began time.Time) {
	if obs := r.tel.Load().observer; obs != nil {
		obs.Call(op, errors.Status(err), time.Since(began))
	}
}

func (r *Runtime) log() *zap.Logger {
	return r.tel.Load().logger
}

// publishTelemetry makes option changes visible to lock-free readers.
// The caller holds r.mu or owns r exclusively.
func (r *Runtime) publishTelemetry() {
	r.tel.Store(&telemetry{logger: r.logger, observer: r.observer})
}
