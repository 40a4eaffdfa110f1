package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicplug/quicplug/internal/memory"
	"github.com/quicplug/quicplug/plugintest"
	"github.com/quicplug/quicplug/sandbox"
)

func newBridge(t *testing.T) *memory.Bridge {
	t.Helper()
	mod := plugintest.NewModule().WithAllocator()
	b, err := memory.New(mod)
	require.NoError(t, err)
	return b
}

func TestAllocateFree(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t)

	ptr, err := b.Allocate(ctx, 128)
	require.NoError(t, err)
	assert.NotZero(t, ptr)
	assert.Equal(t, 1, b.Live())

	require.NoError(t, b.Free(ctx, ptr))
	assert.Zero(t, b.Live())
}

func TestFreeUnknownOffset(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t)

	err := b.Free(ctx, 4096)
	var herr *memory.InvalidHandleError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint32(4096), herr.Offset)
}

func TestDoubleFree(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t)

	ptr, err := b.Allocate(ctx, 16)
	require.NoError(t, err)
	require.NoError(t, b.Free(ctx, ptr))

	err = b.Free(ctx, ptr)
	var herr *memory.InvalidHandleError
	require.ErrorAs(t, err, &herr)
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t)

	ptr, err := b.Allocate(ctx, 8)
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, b.Write(ptr, payload))

	got, err := b.Read(ptr, 8)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOutOfBoundsRead(t *testing.T) {
	b := newBridge(t)

	_, err := b.Read(b.Size()-4, 8)
	var berr *memory.BoundsError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "read", berr.Op)
	assert.Equal(t, b.Size(), berr.Size)
}

func TestOutOfBoundsWrite(t *testing.T) {
	b := newBridge(t)

	before, err := b.Read(b.Size()-4, 4)
	require.NoError(t, err)

	err = b.Write(b.Size()-4, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	var berr *memory.BoundsError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "write", berr.Op)

	// A rejected write must not have touched the bytes inside the region.
	after, err := b.Read(b.Size()-4, 4)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAllocateWithoutAllocator(t *testing.T) {
	ctx := context.Background()
	mod := plugintest.NewModule() // no allocator exports
	b, err := memory.New(mod)
	require.NoError(t, err)

	_, err = b.Allocate(ctx, 16)
	assert.ErrorIs(t, err, memory.ErrNoAllocator)
}

func TestAllocateExhaustion(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t)

	_, err := b.Allocate(ctx, b.Size())
	var oom *memory.OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, b.Size(), oom.Requested)
}

func TestAllocateTrapKeepsCause(t *testing.T) {
	ctx := context.Background()
	mod := plugintest.NewModule()
	mod.Export(memory.AllocateExport, []sandbox.ValueType{sandbox.I32}, []sandbox.ValueType{sandbox.I32},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			return nil, assert.AnError
		})
	mod.Export(memory.DeallocateExport, []sandbox.ValueType{sandbox.I32, sandbox.I32}, nil,
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			return nil, nil
		})
	b, err := memory.New(mod)
	require.NoError(t, err)

	_, err = b.Allocate(ctx, 16)
	var oom *memory.OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, oom.Error(), assert.AnError.Error())
}

func TestPackPtrLen(t *testing.T) {
	packed := memory.PackPtrLen(0xAABBCCDD, 0x11223344)
	ptr, n := memory.UnpackPtrLen(packed)
	assert.Equal(t, uint32(0xAABBCCDD), ptr)
	assert.Equal(t, uint32(0x11223344), n)

	ptr, n = memory.UnpackPtrLen(0)
	assert.Zero(t, ptr)
	assert.Zero(t, n)
}
