package abi_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-embed/domain/entities"
	"github.com/reglet-dev/reglet-embed/internal/abi"
	runtimetest "github.com/reglet-dev/reglet-embed/testing"
)

func TestScope_AllAbsentAllocatesNothing(t *testing.T) {
	ctx := context.Background()
	mem := runtimetest.NewMemory(0)
	scope := abi.NewScope(mem)

	cfg := entities.StartConfig{}
	for _, v := range []*string{cfg.HomePath, cfg.SearchPath, cfg.BridgeLibraryPath} {
		cs, err := scope.Optional(ctx, v)
		require.NoError(t, err)
		assert.True(t, cs.IsNull())
	}

	require.NoError(t, scope.Release(ctx))
	assert.Equal(t, 0, mem.Allocs())
	assert.Equal(t, 0, mem.Frees())
}

func TestScope_ReleasesEverything(t *testing.T) {
	ctx := context.Background()
	mem := runtimetest.NewMemory(0)
	scope := abi.NewScope(mem)

	_, err := scope.String(ctx, "a")
	require.NoError(t, err)
	_, err = scope.Optional(ctx, entities.Some("b"))
	require.NoError(t, err)
	_, err = scope.Optional(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, scope.Len())
	assert.Equal(t, 2, mem.Outstanding())

	require.NoError(t, scope.Release(ctx))
	require.NoError(t, scope.Release(ctx))
	assert.Equal(t, 0, scope.Len())
	assert.Equal(t, 2, mem.Frees())
	runtimetest.AssertNoLeaks(t, mem)
}

func TestScope_PartialFailureReleasesEarlierStrings(t *testing.T) {
	ctx := context.Background()
	mem := runtimetest.NewMemory(0)
	mem.FailAfter(1)
	scope := abi.NewScope(mem)

	_, err := scope.String(ctx, "first")
	require.NoError(t, err)
	_, err = scope.String(ctx, "second")
	require.Error(t, err)

	require.NoError(t, scope.Release(ctx))
	runtimetest.AssertNoLeaks(t, mem)
}

func TestScope_UseAfterRelease(t *testing.T) {
	ctx := context.Background()
	mem := runtimetest.NewMemory(0)
	scope := abi.NewScope(mem)
	require.NoError(t, scope.Release(ctx))

	_, err := scope.String(ctx, "late")
	assert.ErrorIs(t, err, abi.ErrScopeReleased)
	runtimetest.AssertNoLeaks(t, mem)
}

func TestScope_ReleaseJoinsErrors(t *testing.T) {
	ctx := context.Background()
	mem := runtimetest.NewMemory(0)
	scope := abi.NewScope(mem)

	cs, err := scope.String(ctx, "freed elsewhere")
	require.NoError(t, err)
	require.NoError(t, mem.Free(ctx, cs.Ptr(), cs.Size()))

	err = scope.Release(ctx)
	assert.ErrorIs(t, err, runtimetest.ErrUnknownBuffer)
}
