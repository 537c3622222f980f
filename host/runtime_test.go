package host

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/reglet-dev/reglet-embed/domain/entities"
	"github.com/reglet-dev/reglet-embed/domain/errors"
	"github.com/reglet-dev/reglet-embed/domain/ports"
	runtimetest "github.com/reglet-dev/reglet-embed/testing"
)

func newTestRuntime(t *testing.T, opts ...Option) (*Runtime, *runtimetest.Boundary, *runtimetest.Recorder) {
	t.Helper()
	b := runtimetest.NewBoundary()
	rec := &runtimetest.Recorder{}
	r := New(append([]Option{WithBoundary(b), WithObserver(rec)}, opts...)...)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, b, rec
}

func TestRuntime_StartRunStop(t *testing.T) {
	ctx := context.Background()
	r, b, rec := newTestRuntime(t)

	cfg := entities.StartConfig{
		HomePath:          entities.Some("/opt/guest"),
		SearchPath:        entities.Some("/opt/guest/lib"),
		BridgeLibraryPath: entities.Some("/opt/guest/bridge.so"),
	}
	require.NoError(t, r.Start(ctx, cfg))
	runtimetest.AssertState(t, r, entities.StateRunning)

	require.NoError(t, r.Run(ctx, "/scripts/main.py"))
	require.NoError(t, r.Stop(ctx))
	runtimetest.AssertState(t, r, entities.StateUninitialized)

	calls := b.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "start", calls[0].Op)
	assert.Equal(t, "/opt/guest", runtimetest.Str(calls[0].Home))
	assert.Equal(t, "/opt/guest/lib", runtimetest.Str(calls[0].Search))
	assert.Equal(t, "/opt/guest/bridge.so", runtimetest.Str(calls[0].Bridge))
	assert.Equal(t, "run", calls[1].Op)
	assert.Equal(t, "/scripts/main.py", runtimetest.Str(calls[1].Script))
	assert.Equal(t, "stop", calls[2].Op)

	assert.Equal(t, []entities.RuntimeState{
		entities.StateStarting, entities.StateRunning,
		entities.StateStopping, entities.StateUninitialized,
	}, rec.Transitions())

	events := rec.Calls()
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, entities.StatusOK, e.Status, e.Op)
	}
	runtimetest.AssertNoLeaks(t, b.Mem())
}

func TestRuntime_StartTwice(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)

	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	before := r.Snapshot()

	err := r.Start(ctx, entities.StartConfig{HomePath: entities.Some("/other")})
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
	runtimetest.AssertStatus(t, err, entities.StatusAlreadyRunning)

	after := r.Snapshot()
	assert.Equal(t, before.HandleID, after.HandleID)
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.Equal(t, 1, b.Count("start"))
}

func TestRuntime_RunBeforeStart(t *testing.T) {
	r, b, _ := newTestRuntime(t)

	err := r.Run(context.Background(), "main.py")
	assert.ErrorIs(t, err, errors.ErrNotRunning)
	runtimetest.AssertStatus(t, err, entities.StatusNotRunning)
	assert.Empty(t, b.Calls())
	assert.Equal(t, 0, b.Mem().Allocs())
}

func TestRuntime_StopBeforeStart(t *testing.T) {
	r, b, rec := newTestRuntime(t)

	assert.NoError(t, r.Stop(context.Background()))
	assert.NoError(t, r.Stop(context.Background()))
	assert.Empty(t, b.Calls())
	assert.Empty(t, rec.Transitions())
	runtimetest.AssertState(t, r, entities.StateUninitialized)
}

func TestRuntime_FailedStartCanBeRetried(t *testing.T) {
	ctx := context.Background()
	r, b, rec := newTestRuntime(t)
	b.SetStartCode(3)

	err := r.Start(ctx, entities.StartConfig{HomePath: entities.Some("/h")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNativeFailure)
	runtimetest.AssertStatus(t, err, entities.StatusCode(3))
	runtimetest.AssertState(t, r, entities.StateUninitialized)
	assert.False(t, r.Snapshot().HandleLive)
	runtimetest.AssertNoLeaks(t, b.Mem())

	b.SetStartCode(0)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	runtimetest.AssertState(t, r, entities.StateRunning)

	assert.Equal(t, []entities.RuntimeState{
		entities.StateStarting, entities.StateUninitialized,
		entities.StateStarting, entities.StateRunning,
	}, rec.Transitions())
}

func TestRuntime_StartFailureStatuses(t *testing.T) {
	tests := []struct {
		setup func(b *runtimetest.Boundary)
		name  string
		want  entities.StatusCode
	}{
		{
			name:  "native code passes through",
			setup: func(b *runtimetest.Boundary) { b.SetStartCode(0xFFFF) },
			want:  entities.StatusCode(0xFFFF),
		},
		{
			name:  "negative code is out of range",
			setup: func(b *runtimetest.Boundary) { b.SetStartCode(-1) },
			want:  entities.StatusNativeOutOfRange,
		},
		{
			name:  "code above range is out of range",
			setup: func(b *runtimetest.Boundary) { b.SetStartCode(0x10000) },
			want:  entities.StatusNativeOutOfRange,
		},
		{
			name:  "trap",
			setup: func(b *runtimetest.Boundary) { b.SetStartError(stdErrors.New("unreachable")) },
			want:  entities.StatusNativeTrap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, b, rec := newTestRuntime(t)
			tt.setup(b)

			err := r.Start(context.Background(), entities.StartConfig{})
			runtimetest.AssertStatus(t, err, tt.want)
			runtimetest.AssertState(t, r, entities.StateUninitialized)

			events := rec.Calls()
			require.Len(t, events, 1)
			assert.Equal(t, OpStart, events[0].Op)
			assert.Equal(t, tt.want, events[0].Status)
		})
	}
}

func TestRuntime_AllAbsentConfigPassesNullSentinels(t *testing.T) {
	r, b, _ := newTestRuntime(t)

	require.NoError(t, r.Start(context.Background(), entities.StartConfig{}))

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Home)
	assert.Nil(t, calls[0].Search)
	assert.Nil(t, calls[0].Bridge)
	assert.Equal(t, 0, b.Mem().Allocs(), "absent fields must not allocate")
}

func TestRuntime_EmptyStringIsForwarded(t *testing.T) {
	r, b, _ := newTestRuntime(t)

	require.NoError(t, r.Start(context.Background(), entities.StartConfig{SearchPath: entities.Some("")}))

	calls := b.Calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Home)
	require.NotNil(t, calls[0].Search)
	assert.Equal(t, "", *calls[0].Search)
	assert.Nil(t, calls[0].Bridge)
}

func TestRuntime_ScriptPathRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))

	paths := []string{
		"/srv/scripts/main.py",
		"/home/zoë/données/été.py",
		"/tmp/スクリプト/実行.py",
		"C:\\Users\\Δ\\run.py",
	}
	for _, p := range paths {
		require.NoError(t, r.Run(ctx, p))
	}

	var got []string
	for _, c := range b.Calls() {
		if c.Op == "run" {
			got = append(got, runtimetest.Str(c.Script))
		}
	}
	assert.Equal(t, paths, got)
	runtimetest.AssertNoLeaks(t, b.Mem())
}

func TestRuntime_MarshalFailure(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)

	err := r.Start(ctx, entities.StartConfig{
		HomePath:   entities.Some("/ok"),
		SearchPath: entities.Some("bad\x00path"),
	})
	assert.ErrorIs(t, err, errors.ErrMarshalFailure)
	runtimetest.AssertStatus(t, err, entities.StatusMarshalFailure)

	var me *errors.MarshalError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "search_path", me.Field)

	assert.Zero(t, b.Count("start"), "no native call after a marshaling failure")
	runtimetest.AssertState(t, r, entities.StateUninitialized)
	runtimetest.AssertNoLeaks(t, b.Mem())

	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	err = r.Run(ctx, "x\x00y")
	runtimetest.AssertStatus(t, err, entities.StatusMarshalFailure)
	assert.Zero(t, b.Count("run"))
	runtimetest.AssertState(t, r, entities.StateRunning)
}

func TestRuntime_AllocationFailureReleasesEarlierBuffers(t *testing.T) {
	r, b, _ := newTestRuntime(t)
	b.Mem().FailAfter(1)

	err := r.Start(context.Background(), entities.StartConfig{
		HomePath:          entities.Some("/home"),
		BridgeLibraryPath: entities.Some("/bridge"),
	})
	runtimetest.AssertStatus(t, err, entities.StatusMarshalFailure)
	assert.Equal(t, 1, b.Mem().Frees())
	runtimetest.AssertNoLeaks(t, b.Mem())
}

func TestRuntime_RunFailureKeepsRunning(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))

	b.SetRunCode(1)
	err := r.Run(ctx, "fails.py")
	runtimetest.AssertStatus(t, err, entities.StatusCode(1))
	runtimetest.AssertState(t, r, entities.StateRunning)

	b.SetRunCode(0)
	b.SetRunError(stdErrors.New("wasm error: unreachable"))
	err = r.Run(ctx, "traps.py")
	runtimetest.AssertStatus(t, err, entities.StatusNativeTrap)
	runtimetest.AssertState(t, r, entities.StateRunning)
	runtimetest.AssertNoLeaks(t, b.Mem())
}

func TestRuntime_StopFailureIsReportedAndResets(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))

	b.SetStopError(stdErrors.New("teardown failed"))
	err := r.Stop(ctx)
	assert.ErrorIs(t, err, errors.ErrNativeFailure)
	runtimetest.AssertStatus(t, err, entities.StatusNativeStopFailure)
	runtimetest.AssertState(t, r, entities.StateUninitialized)
	assert.False(t, r.Snapshot().HandleLive)

	b.SetStopError(nil)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
}

func TestRuntime_StopWaitsForInFlightRuns(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))

	entered := make(chan struct{})
	release := make(chan struct{})
	b.SetHook("run", func(context.Context) {
		close(entered)
		<-release
	})

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx, "long.py") }()
	<-entered
	assert.Equal(t, int64(1), r.Snapshot().InFlight)

	stopErr := make(chan error, 1)
	go func() { stopErr <- r.Stop(ctx) }()
	require.Eventually(t, func() bool {
		return r.State() == entities.StateStopping
	}, time.Second, time.Millisecond)

	// Barrier state: everything else is rejected while stopping.
	assert.ErrorIs(t, r.Run(ctx, "other.py"), errors.ErrShuttingDown)
	assert.ErrorIs(t, r.Start(ctx, entities.StartConfig{}), errors.ErrShuttingDown)
	assert.ErrorIs(t, r.Stop(ctx), errors.ErrShuttingDown)
	assert.True(t, r.Snapshot().HandleLive)
	assert.Zero(t, b.Count("stop"), "native stop must wait for the run")

	close(release)
	require.NoError(t, <-runErr)
	require.NoError(t, <-stopErr)

	calls := b.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "run", calls[1].Op)
	assert.Equal(t, "stop", calls[2].Op)
	runtimetest.AssertState(t, r, entities.StateUninitialized)
}

func TestRuntime_CallsDuringStart(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	b.SetHook("start", func(context.Context) {
		close(entered)
		<-release
	})

	startErr := make(chan error, 1)
	go func() { startErr <- r.Start(ctx, entities.StartConfig{}) }()
	<-entered

	runtimetest.AssertState(t, r, entities.StateStarting)
	assert.False(t, r.Snapshot().HandleLive)
	assert.ErrorIs(t, r.Start(ctx, entities.StartConfig{}), errors.ErrAlreadyRunning)
	assert.ErrorIs(t, r.Run(ctx, "early.py"), errors.ErrNotRunning)
	assert.ErrorIs(t, r.Stop(ctx), errors.ErrNotRunning)

	close(release)
	require.NoError(t, <-startErr)
	runtimetest.AssertState(t, r, entities.StateRunning)
	assert.Equal(t, 1, b.Count("start"))
	assert.Zero(t, b.Count("run"))
	assert.Zero(t, b.Count("stop"))
}

// consistencyObserver fails the test on an invalid transition.
type consistencyObserver struct {
	t    *testing.T
	mu   sync.Mutex
	last entities.RuntimeState
}

func (o *consistencyObserver) Transition(from, to entities.RuntimeState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if from != o.last || !entities.CanTransition(from, to) {
		o.t.Errorf("invalid transition %s -> %s (last %s)", from, to, o.last)
	}
	o.last = to
}

func (o *consistencyObserver) Call(string, entities.StatusCode, time.Duration) {}

func TestRuntime_ConcurrentLifecycleStaysConsistent(t *testing.T) {
	ctx := context.Background()
	b := runtimetest.NewBoundary()
	obs := &consistencyObserver{t: t}
	r := New(WithBoundary(b), WithObserver(obs))
	defer r.Close(ctx) //nolint:errcheck

	const workers = 8
	const iterations = 200

	done := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			s := r.Snapshot()
			if s.HandleLive != s.State.Live() {
				t.Errorf("handle live=%v in state %s", s.HandleLive, s.State)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed)) //nolint:gosec // test scheduling only
			for i := 0; i < iterations; i++ {
				var err error
				switch rng.Intn(3) {
				case 0:
					err = r.Start(ctx, entities.StartConfig{HomePath: entities.Some("/h")})
				case 1:
					err = r.Run(ctx, "s.py")
				default:
					err = r.Stop(ctx)
				}
				if err != nil && !stdErrors.Is(err, errors.ErrAlreadyRunning) &&
					!stdErrors.Is(err, errors.ErrShuttingDown) && !stdErrors.Is(err, errors.ErrNotRunning) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(done)
	sampler.Wait()

	require.NoError(t, r.Stop(ctx))
	runtimetest.AssertState(t, r, entities.StateUninitialized)
	assert.Equal(t, b.Count("start"), b.Count("stop"), "every successful start is stopped exactly once")
	runtimetest.AssertNoLeaks(t, b.Mem())
}

func TestRuntime_LoaderRunsOnceAndIsOwned(t *testing.T) {
	ctx := context.Background()
	b := runtimetest.NewBoundary()
	loads := 0
	r := New(WithLoader(ports.BridgeLoaderFunc(func(context.Context) (ports.NativeBoundary, error) {
		loads++
		return b, nil
	})))

	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	assert.Equal(t, 1, loads)

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 1, b.Closes())
	assert.Equal(t, 2, b.Count("stop"))
}

func TestRuntime_LoaderFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	b := runtimetest.NewBoundary()
	fail := true
	r := New(WithLoader(ports.BridgeLoaderFunc(func(context.Context) (ports.NativeBoundary, error) {
		if fail {
			return nil, stdErrors.New("bridge.wasm: no such file")
		}
		return b, nil
	})))
	defer r.Close(ctx) //nolint:errcheck

	err := r.Start(ctx, entities.StartConfig{})
	assert.ErrorIs(t, err, errors.ErrLoaderFailure)
	runtimetest.AssertStatus(t, err, entities.StatusLoaderFailure)
	runtimetest.AssertState(t, r, entities.StateUninitialized)

	fail = false
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
}

func TestRuntime_LoaderReturnsNothing(t *testing.T) {
	r := New(WithLoader(ports.BridgeLoaderFunc(func(context.Context) (ports.NativeBoundary, error) {
		return nil, nil
	})))

	err := r.Start(context.Background(), entities.StartConfig{})
	runtimetest.AssertStatus(t, err, entities.StatusLoaderFailure)
}

func TestRuntime_NoBoundary(t *testing.T) {
	r := New()

	err := r.Start(context.Background(), entities.StartConfig{})
	assert.ErrorIs(t, err, ErrNoBoundary)
	runtimetest.AssertStatus(t, err, entities.StatusLoaderFailure)
	runtimetest.AssertState(t, r, entities.StateUninitialized)
}

func TestRuntime_CloseStopsAndRejects(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newTestRuntime(t)
	require.NoError(t, r.Start(ctx, entities.StartConfig{}))

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 1, b.Count("stop"))
	assert.Zero(t, b.Closes(), "a boundary passed with WithBoundary belongs to the caller")

	assert.ErrorIs(t, r.Start(ctx, entities.StartConfig{}), ErrClosed)
	assert.ErrorIs(t, r.Run(ctx, "x"), ErrClosed)
	assert.ErrorIs(t, r.Configure(ctx), ErrClosed)
	assert.NoError(t, r.Stop(ctx))
	assert.NoError(t, r.Close(ctx))
}

func TestRuntime_Configure(t *testing.T) {
	ctx := context.Background()
	first := runtimetest.NewBoundary()
	r := New(WithLoader(ports.BridgeLoaderFunc(func(context.Context) (ports.NativeBoundary, error) {
		return first, nil
	})))

	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	assert.ErrorIs(t, r.Configure(ctx, WithLogger(zap.NewNop())), errors.ErrAlreadyRunning)
	require.NoError(t, r.Stop(ctx))

	second := runtimetest.NewBoundary()
	require.NoError(t, r.Configure(ctx, WithBoundary(second)))
	assert.Equal(t, 1, first.Closes(), "replaced loader boundary is closed")

	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	assert.Equal(t, 1, second.Count("start"))
	require.NoError(t, r.Close(ctx))
	assert.Zero(t, second.Closes())
}

func TestRuntime_Logging(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	r, b, _ := newTestRuntime(t, WithLogger(zap.New(core)))

	require.NoError(t, r.Start(ctx, entities.StartConfig{}))
	b.SetRunCode(4)
	_ = r.Run(ctx, "bad.py")
	require.NoError(t, r.Stop(ctx))

	assert.Equal(t, 1, logs.FilterMessage("guest runtime started").Len())
	assert.Equal(t, 1, logs.FilterMessage("guest runtime stopped").Len())
	failed := logs.FilterMessage("native run failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, 4, logs.FilterMessage("lifecycle transition").Len())
}

func TestRuntime_InvalidTransitionPanics(t *testing.T) {
	r := New()
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Panics(t, func() { r.transitionLocked(entities.StateRunning) })
}

func TestRuntime_OneLiveRuntimePerProcess(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTestRuntime(t)
	c := New(WithBoundary(b))
	t.Cleanup(func() { _ = c.Close(ctx) })

	require.NoError(t, a.Start(ctx, entities.StartConfig{}))
	assert.ErrorIs(t, c.Start(ctx, entities.StartConfig{}), errors.ErrAlreadyRunning)
	assert.ErrorIs(t, Start(ctx, entities.StartConfig{}), errors.ErrAlreadyRunning)
	runtimetest.AssertState(t, c, entities.StateUninitialized)
	assert.False(t, c.Snapshot().HandleLive)
	assert.Equal(t, 1, b.Count("start"))

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, c.Start(ctx, entities.StartConfig{}))
	assert.ErrorIs(t, a.Start(ctx, entities.StartConfig{}), errors.ErrAlreadyRunning)
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 2, b.Count("start"))
}

func TestRuntime_FailedStartReleasesProcessSlot(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newTestRuntime(t)
	c := New(WithBoundary(runtimetest.NewBoundary()))
	t.Cleanup(func() { _ = c.Close(ctx) })

	b.SetStartCode(2)
	require.Error(t, a.Start(ctx, entities.StartConfig{}))
	require.NoError(t, c.Start(ctx, entities.StartConfig{}))
	require.NoError(t, c.Stop(ctx))
}
