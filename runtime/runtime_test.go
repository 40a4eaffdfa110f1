package runtime_test

import (
	"context"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/internal/memory"
	"github.com/quicplug/quicplug/plugintest"
	"github.com/quicplug/quicplug/runtime"
	"github.com/quicplug/quicplug/sandbox"
	"github.com/quicplug/quicplug/wire"
)

const catVersion = 1

// Operation identifiers used throughout the runtime tests.
const (
	opArm       catalogue.OperationID = 2
	opOnTimeout catalogue.OperationID = 3
	opScanFrame catalogue.OperationID = 5
	opDouble    catalogue.OperationID = 7
	opSumPair   catalogue.OperationID = 9
	opInit      catalogue.OperationID = 12
	opGuarded   catalogue.OperationID = 20
	opControl   catalogue.OperationID = 30
	opRemember  catalogue.OperationID = 40
	opRecall    catalogue.OperationID = 41
)

func testCatalogue(t testing.TB) *catalogue.Catalogue {
	t.Helper()
	cat, err := catalogue.New(catVersion, []catalogue.Operation{
		{ID: opArm, Name: "arm", Params: []wire.Kind{wire.KindU64}, Results: []wire.Kind{wire.KindU64}, AlwaysEnabled: true},
		{ID: opOnTimeout, Name: "on_timeout", Params: []wire.Kind{wire.KindU64}, AlwaysEnabled: true},
		{ID: opScanFrame, Name: "scan_frame", Params: []wire.Kind{wire.KindBytes}, Results: []wire.Kind{wire.KindU32}, AlwaysEnabled: true},
		{ID: opDouble, Name: "double", Params: []wire.Kind{wire.KindU64}, Results: []wire.Kind{wire.KindU64}, AlwaysEnabled: true},
		{ID: opSumPair, Name: "sum_pair", Params: []wire.Kind{wire.KindU64, wire.KindU64}, Results: []wire.Kind{wire.KindU64, wire.KindU64}, AlwaysEnabled: true},
		{ID: opInit, Name: "init", AlwaysEnabled: true},
		{ID: opGuarded, Name: "guarded", Params: []wire.Kind{wire.KindU64}, Results: []wire.Kind{wire.KindU64}},
		{ID: opControl, Name: "plugin_control_1", Results: []wire.Kind{wire.KindU64}, AlwaysEnabled: true},
		{ID: opRemember, Name: "remember", Params: []wire.Kind{wire.KindU64}, AlwaysEnabled: true},
		{ID: opRecall, Name: "recall", Results: []wire.Kind{wire.KindU64}, AlwaysEnabled: true},
	})
	require.NoError(t, err)
	return cat
}

// basePlugin builds the reference fake plugin used by most tests: it enables
// itself from init and implements one operation of every calling shape.
func basePlugin(wasm []byte) (*plugintest.Module, error) {
	i32 := sandbox.I32
	i64 := sandbox.I64
	m := plugintest.NewModule().WithVersion(catVersion).WithAllocator()

	m.Export("init", nil, nil,
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			_, err := m.CallHost(ctx, runtime.HostModule, "enable", 1)
			return nil, err
		})

	m.Export("double", []sandbox.ValueType{i64}, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			return []uint64{args[0] * 2}, nil
		})

	m.Export("guarded", []sandbox.ValueType{i64}, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			return []uint64{args[0]*2 + 1}, nil
		})

	m.Export("sum_pair", []sandbox.ValueType{i32, i32}, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			in, ok := m.Memory().Read(uint32(args[0]), uint32(args[1]))
			if !ok {
				return nil, assert.AnError
			}
			vals, err := wire.DecodeValues(in)
			if err != nil {
				return nil, err
			}
			a, _ := vals[0].U64()
			b, _ := vals[1].U64()
			out := wire.EncodeValues([]wire.Value{wire.U64(a + b), wire.U64(a - b)})
			ptr := m.WriteBytes(out)
			return []uint64{memory.PackPtrLen(ptr, uint32(len(out)))}, nil
		})

	m.Export("scan_frame", []sandbox.ValueType{i32, i32}, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			in, ok := m.Memory().Read(uint32(args[0]), uint32(args[1]))
			if !ok {
				return nil, assert.AnError
			}
			vals, err := wire.DecodeValues(in)
			if err != nil {
				return nil, err
			}
			tag, readLen, writeLen, _ := vals[0].BytesHandle()

			buf := m.Alloc(uint32(readLen))
			res, err := m.CallHost(ctx, runtime.HostModule, "bytes_get", tag, 0, uint64(buf), readLen)
			if err != nil {
				return nil, err
			}
			n := int32(uint32(res[0]))
			if n < 0 {
				return nil, assert.AnError
			}
			frame, _ := m.Memory().Read(buf, uint32(n))
			var sum uint32
			for _, b := range frame {
				sum += uint32(b)
			}

			if writeLen > 0 {
				mark := m.WriteBytes([]byte{0xEE})
				if _, err := m.CallHost(ctx, runtime.HostModule, "bytes_put", tag, 0, uint64(mark), 1); err != nil {
					return nil, err
				}
			}

			out := wire.EncodeValues([]wire.Value{wire.U32(sum)})
			ptr := m.WriteBytes(out)
			return []uint64{memory.PackPtrLen(ptr, uint32(len(out)))}, nil
		})

	m.Export("arm", []sandbox.ValueType{i64}, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			payload := wire.EncodeValues([]wire.Value{wire.U64(9)})
			ptr := m.WriteBytes(payload)
			return m.CallHost(ctx, runtime.HostModule, "timer_schedule",
				uint64(opOnTimeout), args[0], uint64(ptr), uint64(len(payload)))
		})

	m.Export("remember", []sandbox.ValueType{i64}, nil,
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			key := m.WriteBytes([]byte("count"))
			val := make([]byte, 8)
			binary.LittleEndian.PutUint64(val, args[0])
			ptr := m.WriteBytes(val)
			_, err := m.CallHost(ctx, runtime.HostModule, "store_set", uint64(key), 5, uint64(ptr), 8)
			return nil, err
		})

	m.Export("recall", nil, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			key := m.WriteBytes([]byte("count"))
			dst := m.Alloc(8)
			res, err := m.CallHost(ctx, runtime.HostModule, "store_get", uint64(key), 5, uint64(dst), 8)
			if err != nil {
				return nil, err
			}
			if int32(uint32(res[0])) < 0 {
				return []uint64{0}, nil
			}
			val, _ := m.Memory().Read(dst, 8)
			return []uint64{binary.LittleEndian.Uint64(val)}, nil
		})

	m.Export("plugin_control_1", nil, []sandbox.ValueType{i64},
		func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
			return []uint64{77}, nil
		})

	return m, nil
}

// newLoader wires a loader over a fake engine producing modules from build.
func newLoader(t testing.TB, build func([]byte) (*plugintest.Module, error), opts ...runtime.LoaderOption) (*runtime.Loader, *plugintest.Engine) {
	t.Helper()
	ctx := context.Background()
	engine := plugintest.NewEngine(build)
	ld, err := runtime.NewLoader(ctx, testCatalogue(t), engine, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ld.Close(context.Background()) })
	return ld, engine
}

func TestLoadResolvesOperations(t *testing.T) {
	ctx := context.Background()
	ld, _ := newLoader(t, basePlugin)

	inst, err := ld.Load(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID())

	assert.True(t, inst.Implements(opDouble))
	assert.True(t, inst.Implements(opInit))
	assert.False(t, inst.Implements(opOnTimeout), "on_timeout has no export in the base plugin")
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	ctx := context.Background()
	ld, _ := newLoader(t, func(wasm []byte) (*plugintest.Module, error) {
		return plugintest.NewModule().WithVersion(catVersion + 1).WithAllocator(), nil
	})

	_, err := ld.Load(ctx, nil)
	var lerr *runtime.LoadError
	require.ErrorAs(t, err, &lerr)
	var verr *runtime.VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint32(catVersion+1), verr.Plugin)
	assert.Equal(t, uint32(catVersion), verr.Host)
}

func TestLoadRejectsMissingVersionExport(t *testing.T) {
	ctx := context.Background()
	ld, engine := newLoader(t, func(wasm []byte) (*plugintest.Module, error) {
		return plugintest.NewModule().WithAllocator(), nil
	})

	_, err := ld.Load(ctx, nil)
	var lerr *runtime.LoadError
	require.ErrorAs(t, err, &lerr)

	// A rejected module must not stay instantiated.
	require.Len(t, engine.Modules(), 1)
	assert.True(t, engine.Modules()[0].Closed())
}

func TestSignatureMismatchRecordsAbsent(t *testing.T) {
	ctx := context.Background()
	ld, _ := newLoader(t, func(wasm []byte) (*plugintest.Module, error) {
		m := plugintest.NewModule().WithVersion(catVersion).WithAllocator()
		// double declared with an i32 parameter instead of i64
		m.Export("double", []sandbox.ValueType{sandbox.I32}, []sandbox.ValueType{sandbox.I64},
			func(ctx context.Context, m *plugintest.Module, args []uint64) ([]uint64, error) {
				return []uint64{args[0] * 2}, nil
			})
		return m, nil
	})

	inst, err := ld.Load(ctx, nil)
	require.NoError(t, err, "a signature mismatch must not fail the load")
	assert.False(t, inst.Implements(opDouble))

	conn := runtime.NewConn()
	require.NoError(t, conn.Attach(ctx, inst))
	_, ok, err := conn.TryDispatch(ctx, opDouble, []wire.Value{wire.U64(21)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolutionIdempotence(t *testing.T) {
	ctx := context.Background()
	ld, _ := newLoader(t, basePlugin)

	first, err := ld.Load(ctx, nil)
	require.NoError(t, err)
	second, err := ld.Load(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, opsOf(first), opsOf(second))
	for _, id := range opsOf(first) {
		assert.Equal(t, first.Implements(id), second.Implements(id), "%s", id)
	}
}

func opsOf(inst *runtime.Instance) []catalogue.OperationID {
	ops := inst.Operations()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
