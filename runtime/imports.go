package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/sandbox"
	"github.com/quicplug/quicplug/timer"
)

// HostModule is the name of the import module exposing the host capability
// surface to guest code. This surface is everything a plugin can do to host
// state; there is no other channel.
const HostModule = "quicplug_host"

// Import call status codes. Imports never trap on bad arguments; they return
// a status the guest can check, keeping host faults out of band.
const (
	statusOK     int32 = 0
	statusAbsent int32 = -1
	statusFault  int32 = -2
)

// hostFuncs builds the guest import surface. Each function recovers the
// calling instance from the context; a call arriving outside a dispatch (no
// environment bound) gets a fault status and touches nothing.
func hostFuncs(logger *slog.Logger) []sandbox.HostFunc {
	i32 := sandbox.I32
	i64 := sandbox.I64

	return []sandbox.HostFunc{
		{
			// store_get(key_ptr, key_len, dst_ptr, dst_cap) -> i32
			// Returns the full value length, copying min(len, cap) bytes into
			// dst, or a negative status. A short dst still reports the full
			// length so the guest can retry with a larger buffer.
			Name:    "store_get",
			Params:  []sandbox.ValueType{i32, i32, i32, i32},
			Results: []sandbox.ValueType{i32},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = ret32(statusFault)
					return
				}
				key, err := env.inst.bridge.Read(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					stack[0] = ret32(statusFault)
					return
				}
				val, ok := env.inst.store.Get(string(key))
				if !ok {
					stack[0] = ret32(statusAbsent)
					return
				}
				dst, dstCap := uint32(stack[2]), uint32(stack[3])
				n := uint32(len(val))
				if n > dstCap {
					n = dstCap
				}
				if n > 0 {
					if err := env.inst.bridge.Write(dst, val[:n]); err != nil {
						stack[0] = ret32(statusFault)
						return
					}
				}
				stack[0] = ret32(int32(len(val)))
			},
		},
		{
			// store_set(key_ptr, key_len, val_ptr, val_len) -> i32
			Name:    "store_set",
			Params:  []sandbox.ValueType{i32, i32, i32, i32},
			Results: []sandbox.ValueType{i32},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = ret32(statusFault)
					return
				}
				key, err := env.inst.bridge.Read(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					stack[0] = ret32(statusFault)
					return
				}
				val, err := env.inst.bridge.Read(uint32(stack[2]), uint32(stack[3]))
				if err != nil {
					stack[0] = ret32(statusFault)
					return
				}
				env.inst.store.Set(string(key), val)
				stack[0] = ret32(statusOK)
			},
		},
		{
			// store_delete(key_ptr, key_len) -> i32
			Name:    "store_delete",
			Params:  []sandbox.ValueType{i32, i32},
			Results: []sandbox.ValueType{i32},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = ret32(statusFault)
					return
				}
				key, err := env.inst.bridge.Read(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					stack[0] = ret32(statusFault)
					return
				}
				env.inst.store.Delete(string(key))
				stack[0] = ret32(statusOK)
			},
		},
		{
			// timer_schedule(op, deadline_unix_nanos, payload_ptr, payload_len) -> i64
			// Returns the timer handle, or 0 on fault. The payload is the
			// encoded argument list replayed to the operation when it fires.
			Name:    "timer_schedule",
			Params:  []sandbox.ValueType{i64, i64, i32, i32},
			Results: []sandbox.ValueType{i64},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = 0
					return
				}
				op := catalogue.OperationID(stack[0])
				if _, known := env.inst.cat.Lookup(op); !known {
					stack[0] = 0
					return
				}
				var payload []byte
				if n := uint32(stack[3]); n > 0 {
					var err error
					payload, err = env.inst.bridge.Read(uint32(stack[2]), n)
					if err != nil {
						stack[0] = 0
						return
					}
				}
				deadline := time.Unix(0, int64(stack[1]))
				h := env.inst.timers.Schedule(op, deadline, payload)
				stack[0] = uint64(h)
			},
		},
		{
			// timer_cancel(handle) -> i32
			// Cancelling an already-fired or unknown handle is a no-op.
			Name:    "timer_cancel",
			Params:  []sandbox.ValueType{i64},
			Results: []sandbox.ValueType{i32},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = ret32(statusFault)
					return
				}
				env.inst.timers.Cancel(timer.Handle(stack[0]))
				stack[0] = ret32(statusOK)
			},
		},
		{
			// bytes_get(tag, offset, dst_ptr, count) -> i32
			// Copies from the bound host buffer into guest memory, returning
			// the number of bytes copied (short at the end of the slot).
			Name:    "bytes_get",
			Params:  []sandbox.ValueType{i32, i32, i32, i32},
			Results: []sandbox.ValueType{i32},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = ret32(statusFault)
					return
				}
				slot, ok := env.slot(uint32(stack[0]))
				if !ok {
					stack[0] = ret32(statusAbsent)
					return
				}
				offset, count := uint32(stack[1]), uint32(stack[3])
				if uint64(offset) >= uint64(len(slot.data)) {
					stack[0] = ret32(0)
					return
				}
				chunk := slot.data[offset:]
				if uint64(count) < uint64(len(chunk)) {
					chunk = chunk[:count]
				}
				if err := env.inst.bridge.Write(uint32(stack[2]), chunk); err != nil {
					stack[0] = ret32(statusFault)
					return
				}
				stack[0] = ret32(int32(len(chunk)))
			},
		},
		{
			// bytes_put(tag, offset, src_ptr, count) -> i32
			// Copies from guest memory into the bound host buffer. Writes to
			// a read-only slot or past its end are rejected whole.
			Name:    "bytes_put",
			Params:  []sandbox.ValueType{i32, i32, i32, i32},
			Results: []sandbox.ValueType{i32},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = ret32(statusFault)
					return
				}
				slot, ok := env.slot(uint32(stack[0]))
				if !ok || !slot.writable {
					stack[0] = ret32(statusAbsent)
					return
				}
				offset, count := uint32(stack[1]), uint32(stack[3])
				if uint64(offset)+uint64(count) > uint64(len(slot.data)) {
					stack[0] = ret32(statusFault)
					return
				}
				src, err := env.inst.bridge.Read(uint32(stack[2]), count)
				if err != nil {
					stack[0] = ret32(statusFault)
					return
				}
				copy(slot.data[offset:], src)
				stack[0] = ret32(int32(count))
			},
		},
		{
			// now() -> i64 unix nanoseconds, from the instance clock so tests
			// and simulations can drive time.
			Name:    "now",
			Params:  nil,
			Results: []sandbox.ValueType{i64},
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					stack[0] = 0
					return
				}
				stack[0] = uint64(env.inst.clock().UnixNano())
			},
		},
		{
			// enable(flag) -> ()
			// Plugins opt into regular dispatch from their init operation.
			Name:    "enable",
			Params:  []sandbox.ValueType{i32},
			Results: nil,
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					return
				}
				env.inst.enabled = uint32(stack[0]) != 0
			},
		},
		{
			// log_message(ptr, len) -> ()
			Name:    "log_message",
			Params:  []sandbox.ValueType{i32, i32},
			Results: nil,
			Fn: func(ctx context.Context, mod sandbox.Module, stack []uint64) {
				env, ok := envFrom(ctx)
				if !ok {
					return
				}
				msg, err := env.inst.bridge.Read(uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					return
				}
				logger.DebugContext(ctx, "plugin log",
					slog.String("instance", env.inst.id),
					slog.String("message", string(msg)))
			},
		},
	}
}

func (env *callEnv) slot(tag uint32) (*byteSlot, bool) {
	if uint64(tag) >= uint64(len(env.slots)) {
		return nil, false
	}
	return &env.slots[tag], true
}

// ret32 widens an i32 status into the 64-bit stack slot representation.
func ret32(v int32) uint64 { return uint64(uint32(v)) }
