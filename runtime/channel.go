package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/internal/memory"
	"github.com/quicplug/quicplug/sandbox"
	"github.com/quicplug/quicplug/wire"
)

// byteSlot is one host buffer exposed to guest code by tag for the duration
// of a single dispatch.
type byteSlot struct {
	data     []byte
	writable bool
}

// callEnv is what the guest import surface can reach during one call: the
// instance owning the call and the byte slots bound for this dispatch. It
// travels through the call context so import handlers can find it.
type callEnv struct {
	inst  *Instance
	slots []byteSlot
}

type envKey struct{}

func withEnv(ctx context.Context, env *callEnv) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

func envFrom(ctx context.Context) (*callEnv, bool) {
	env, ok := ctx.Value(envKey{}).(*callEnv)
	return env, ok
}

// invoke runs one resolved export. The scalar path passes raw bits straight
// through the call stack; the buffered path serialises inputs into guest
// memory, hands the export (offset, length), and reads back the packed
// (offset, length) it returns. Whatever happens inside the guest, the only
// outcomes are typed results or a typed error; traps and panics never cross
// this boundary.
func (in *Instance) invoke(ctx context.Context, op catalogue.Operation, export string, fn sandbox.Function, inputs []wire.Value, env *callEnv) (outs []wire.Value, err error) {
	if len(inputs) != len(op.Params) {
		return nil, &CallError{Op: op.ID, Export: export,
			Cause: fmt.Errorf("got %d inputs, operation declares %d", len(inputs), len(op.Params))}
	}
	for i, v := range inputs {
		if v.Kind() != op.Params[i] {
			return nil, &CallError{Op: op.ID, Export: export,
				Cause: fmt.Errorf("input %d is %s, operation declares %s", i, v.Kind(), op.Params[i])}
		}
	}

	if in.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.budget)
		defer cancel()
	}
	ctx = withEnv(ctx, env)

	defer func() {
		if r := recover(); r != nil {
			err = &TrapError{Op: op.ID, Export: export, Cause: fmt.Errorf("panic in call path: %v", r)}
		}
		in.observe(op.ID, err)
	}()

	start := in.clock()
	if op.Scalar() {
		outs, err = in.invokeScalar(ctx, op, export, fn, inputs)
	} else {
		outs, err = in.invokeBuffered(ctx, op, export, fn, inputs)
	}
	if err != nil {
		in.logger.ErrorContext(ctx, "plugin call failed",
			slog.String("instance", in.id),
			slog.String("export", export),
			slog.Any("error", err))
		return nil, err
	}
	in.observeDuration(op.ID, in.clock().Sub(start))
	return outs, nil
}

func (in *Instance) invokeScalar(ctx context.Context, op catalogue.Operation, export string, fn sandbox.Function, inputs []wire.Value) ([]wire.Value, error) {
	raw := make([]uint64, len(inputs))
	for i, v := range inputs {
		raw[i] = v.Bits()
	}
	res, err := fn.Call(ctx, raw...)
	if err != nil {
		return nil, &TrapError{Op: op.ID, Export: export, Cause: err}
	}
	if len(op.Results) == 0 {
		return nil, nil
	}
	if len(res) != 1 {
		return nil, &TrapError{Op: op.ID, Export: export,
			Cause: fmt.Errorf("export returned %d values, expected 1", len(res))}
	}
	out, ok := wire.FromBits(op.Results[0], res[0])
	if !ok {
		return nil, &CallError{Op: op.ID, Export: export,
			Cause: fmt.Errorf("result kind %s cannot be rebuilt from raw bits", op.Results[0])}
	}
	return []wire.Value{out}, nil
}

func (in *Instance) invokeBuffered(ctx context.Context, op catalogue.Operation, export string, fn sandbox.Function, inputs []wire.Value) ([]wire.Value, error) {
	buf := wire.EncodeValues(inputs)
	ptr, err := in.bridge.Allocate(ctx, uint32(len(buf)))
	if err != nil {
		return nil, &CallError{Op: op.ID, Export: export, Cause: err}
	}
	// The input frame is freed whatever the call outcome; nothing from this
	// invocation stays allocated in guest memory afterwards.
	defer func() {
		if ferr := in.bridge.Free(ctx, ptr); ferr != nil {
			in.logger.Warn("failed to free input frame",
				slog.String("instance", in.id),
				slog.Any("error", ferr))
		}
	}()
	if err := in.bridge.Write(ptr, buf); err != nil {
		return nil, &CallError{Op: op.ID, Export: export, Cause: err}
	}

	res, err := fn.Call(ctx, uint64(ptr), uint64(uint32(len(buf))))
	if err != nil {
		return nil, &TrapError{Op: op.ID, Export: export, Cause: err}
	}
	if len(res) != 1 {
		return nil, &TrapError{Op: op.ID, Export: export,
			Cause: fmt.Errorf("export returned %d values, expected packed buffer", len(res))}
	}
	outPtr, outLen := memory.UnpackPtrLen(res[0])
	if outLen == 0 {
		if len(op.Results) != 0 {
			return nil, &CallError{Op: op.ID, Export: export,
				Cause: fmt.Errorf("export returned no output, operation declares %d results", len(op.Results))}
		}
		return nil, nil
	}
	data, err := in.bridge.Read(outPtr, outLen)
	if err != nil {
		return nil, &CallError{Op: op.ID, Export: export, Cause: err}
	}
	// The output buffer was allocated by the guest; return it to the guest
	// allocator now that the bytes are copied out.
	if rerr := in.bridge.Release(ctx, outPtr, outLen); rerr != nil {
		in.logger.Warn("failed to release output frame",
			slog.String("instance", in.id),
			slog.Any("error", rerr))
	}

	outs, err := wire.DecodeValues(data)
	if err != nil {
		return nil, &CallError{Op: op.ID, Export: export, Cause: err}
	}
	if len(outs) != len(op.Results) {
		return nil, &CallError{Op: op.ID, Export: export,
			Cause: fmt.Errorf("export returned %d values, operation declares %d", len(outs), len(op.Results))}
	}
	for i, v := range outs {
		if v.Kind() != op.Results[i] {
			return nil, &CallError{Op: op.ID, Export: export,
				Cause: fmt.Errorf("result %d is %s, operation declares %s", i, v.Kind(), op.Results[i])}
		}
	}
	return outs, nil
}
