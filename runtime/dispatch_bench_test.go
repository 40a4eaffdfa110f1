package runtime_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quicplug/quicplug/runtime"
	"github.com/quicplug/quicplug/wire"
)

func benchConn(b *testing.B) *runtime.Conn {
	b.Helper()
	ctx := context.Background()
	ld, _ := newLoader(b, basePlugin, runtime.WithBudget(0))
	inst, err := ld.Load(ctx, nil)
	require.NoError(b, err)
	conn := runtime.NewConn()
	require.NoError(b, conn.Attach(ctx, inst))
	b.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func BenchmarkScalarDispatch(b *testing.B) {
	ctx := context.Background()
	conn := benchConn(b)
	inputs := []wire.Value{wire.U64(21)}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := conn.TryDispatch(ctx, opDouble, inputs); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBufferedDispatch(b *testing.B) {
	ctx := context.Background()
	conn := benchConn(b)
	inputs := []wire.Value{wire.U64(30), wire.U64(12)}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := conn.TryDispatch(ctx, opSumPair, inputs); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnimplementedDispatch(b *testing.B) {
	ctx := context.Background()
	conn := benchConn(b)
	inputs := []wire.Value{wire.U64(1)}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := conn.TryDispatch(ctx, opOnTimeout, inputs); err != nil {
			b.Fatal(err)
		}
	}
}
