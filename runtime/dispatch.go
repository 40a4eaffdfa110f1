package runtime

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/wire"
)

// Policy selects which plugin's replacement body runs when several attached
// plugins implement the same operation. Observer anchors always run for every
// plugin regardless of policy.
type Policy uint8

const (
	// FirstMatch runs the body of the earliest-attached plugin implementing
	// the operation. This is the default.
	FirstMatch Policy = iota
	// LastMatch runs the body of the latest-attached plugin implementing the
	// operation.
	LastMatch
)

// Conn is the dispatch facade one host connection owns: the ordered set of
// plugin instances attached to it and the entry points the protocol logic
// calls. A Conn and everything under it belongs to a single connection; the
// host's per-connection serialisation is the only locking involved. All
// attached instances must come from loaders sharing one catalogue, since
// operation lookups are resolved against it once per connection.
type Conn struct {
	plugins []*Instance
	policy  Policy
	logger  *slog.Logger
	slots   []byteSlot
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithPolicy sets the multi-plugin override policy.
func WithPolicy(p Policy) ConnOption {
	return func(c *Conn) { c.policy = p }
}

// WithConnLogger sets the logger for dispatch diagnostics.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = l }
}

// NewConn builds an empty dispatch facade.
func NewConn(opts ...ConnOption) *Conn {
	c := &Conn{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach adds a loaded instance to the connection and runs its init
// operation if the catalogue defines one and the plugin implements it. An
// init failure detaches and closes the instance; the connection continues
// without it. An instance loaded through a different catalogue than the
// already-attached plugins is rejected with ErrCatalogueMismatch.
func (c *Conn) Attach(ctx context.Context, inst *Instance) error {
	if len(c.plugins) > 0 && inst.cat != c.plugins[0].cat {
		return ErrCatalogueMismatch
	}
	c.plugins = append(c.plugins, inst)
	initOp, ok := inst.cat.LookupName(catalogue.InitName)
	if !ok || !inst.Implements(initOp.ID) {
		return nil
	}
	if _, _, err := c.dispatchOn(ctx, inst, initOp, nil); err != nil {
		c.plugins = c.plugins[:len(c.plugins)-1]
		_ = inst.Close(ctx)
		return err
	}
	return nil
}

// Detach removes the instance with the given id and closes it, releasing its
// memory, store and pending timers.
func (c *Conn) Detach(ctx context.Context, id string) error {
	for i, inst := range c.plugins {
		if inst.ID() == id {
			c.plugins = append(c.plugins[:i], c.plugins[i+1:]...)
			return inst.Close(ctx)
		}
	}
	return ErrDetached
}

// Plugins returns the attached instances in attach order.
func (c *Conn) Plugins() []*Instance {
	out := make([]*Instance, len(c.plugins))
	copy(out, c.plugins)
	return out
}

// BindBytes exposes a host buffer to guest code for the next dispatch and
// returns the bytes value to pass as an argument. The binding lasts for one
// TryDispatch or Control call; the returned value must not be reused after
// it.
func (c *Conn) BindBytes(data []byte, writable bool) wire.Value {
	tag := uint64(len(c.slots))
	c.slots = append(c.slots, byteSlot{data: data, writable: writable})
	writeLen := uint64(0)
	if writable {
		writeLen = uint64(len(data))
	}
	return wire.Bytes(tag, uint64(len(data)), writeLen)
}

// TryDispatch asks the attached plugins to handle op. Observer anchors run on
// every eligible plugin in attach order; the replacement body runs on the
// plugin the policy selects. It returns ok=false when no plugin provides a
// body, in which case the host must run its native path. Trap and call
// failures propagate so the host's fallback policy can see them.
func (c *Conn) TryDispatch(ctx context.Context, id catalogue.OperationID, inputs []wire.Value) (outs []wire.Value, ok bool, err error) {
	defer c.clearSlots()
	op, known := c.lookup(id)
	if !known {
		return nil, false, nil
	}
	return c.dispatch(ctx, op, inputs)
}

// Control invokes the plugin control operation with the given control
// identifier, outside any protocol event. Control operations are always
// enabled, so applications can drive plugins that have not enabled
// themselves yet.
func (c *Conn) Control(ctx context.Context, control uint64, inputs []wire.Value) (outs []wire.Value, ok bool, err error) {
	defer c.clearSlots()
	if len(c.plugins) == 0 {
		return nil, false, nil
	}
	op, known := c.plugins[0].cat.LookupName(catalogue.ControlName(control))
	if !known {
		return nil, false, nil
	}
	return c.dispatch(ctx, op, inputs)
}

func (c *Conn) dispatch(ctx context.Context, op catalogue.Operation, inputs []wire.Value) ([]wire.Value, bool, error) {
	target := c.selectBody(op)

	for _, inst := range c.plugins {
		if !inst.callable(op) {
			continue
		}
		b := inst.binding(op.ID)
		if b == nil || b.before == nil {
			continue
		}
		if _, err := inst.invoke(ctx, observerShape(op), beforeName(op), b.before, inputs, c.env(inst)); err != nil {
			return nil, false, err
		}
	}

	var outs []wire.Value
	replaced := false
	if target != nil {
		var err error
		outs, replaced, err = c.dispatchOn(ctx, target, op, inputs)
		if err != nil {
			return nil, false, err
		}
	}

	for _, inst := range c.plugins {
		if !inst.callable(op) {
			continue
		}
		b := inst.binding(op.ID)
		if b == nil || b.after == nil {
			continue
		}
		if _, err := inst.invoke(ctx, observerShape(op), afterName(op), b.after, inputs, c.env(inst)); err != nil {
			return nil, false, err
		}
	}

	return outs, replaced, nil
}

// dispatchOn runs op's replacement body on one specific instance.
func (c *Conn) dispatchOn(ctx context.Context, inst *Instance, op catalogue.Operation, inputs []wire.Value) ([]wire.Value, bool, error) {
	b := inst.binding(op.ID)
	if b == nil || b.replace == nil || !inst.callable(op) {
		return nil, false, nil
	}
	outs, err := inst.invoke(ctx, op, op.Name, b.replace, inputs, c.env(inst))
	if err != nil {
		return nil, false, err
	}
	return outs, true, nil
}

// selectBody picks the instance whose replacement body runs, per policy.
func (c *Conn) selectBody(op catalogue.Operation) *Instance {
	var target *Instance
	for _, inst := range c.plugins {
		if !inst.callable(op) || !inst.Implements(op.ID) {
			continue
		}
		if c.policy == FirstMatch {
			return inst
		}
		target = inst
	}
	return target
}

// FireTimers polls every attached plugin's timer queue and dispatches each
// due entry to the plugin that scheduled it, decoding the payload it stored.
// Every due entry is consumed; the return value counts those whose dispatch
// completed without error. A failing timer callback is logged and does not
// stop the remaining entries.
func (c *Conn) FireTimers(ctx context.Context, now time.Time) int {
	fired := 0
	for _, inst := range c.plugins {
		for _, e := range inst.timers.Poll(now) {
			op, known := inst.cat.Lookup(e.Op)
			if !known {
				continue
			}
			var inputs []wire.Value
			if len(e.Payload) > 0 {
				var err error
				inputs, err = wire.DecodeValues(e.Payload)
				if err != nil {
					c.logger.Warn("dropping timer with malformed payload",
						slog.String("instance", inst.ID()),
						slog.String("op", e.Op.String()),
						slog.Any("error", err))
					continue
				}
			}
			if _, _, err := c.dispatchOn(ctx, inst, op, inputs); err != nil {
				c.logger.Warn("timer callback failed",
					slog.String("instance", inst.ID()),
					slog.String("op", e.Op.String()),
					slog.Any("error", err))
				continue
			}
			fired++
		}
	}
	return fired
}

// NextTimer returns the earliest pending deadline across all attached
// plugins, for the host's event loop to arm against.
func (c *Conn) NextTimer() (time.Time, bool) {
	var next time.Time
	found := false
	for _, inst := range c.plugins {
		if t, ok := inst.timers.Next(); ok && (!found || t.Before(next)) {
			next, found = t, true
		}
	}
	return next, found
}

// Close detaches and closes every attached plugin.
func (c *Conn) Close(ctx context.Context) error {
	var first error
	for _, inst := range c.plugins {
		if err := inst.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	c.plugins = nil
	return first
}

func (c *Conn) lookup(id catalogue.OperationID) (catalogue.Operation, bool) {
	if len(c.plugins) == 0 {
		return catalogue.Operation{}, false
	}
	return c.plugins[0].cat.Lookup(id)
}

func (c *Conn) env(inst *Instance) *callEnv {
	return &callEnv{inst: inst, slots: c.slots}
}

func (c *Conn) clearSlots() {
	c.slots = c.slots[:0]
}

// observerShape is op with its results stripped: observer anchors see the
// same inputs as the body but return nothing.
func observerShape(op catalogue.Operation) catalogue.Operation {
	op.Results = nil
	return op
}

func beforeName(op catalogue.Operation) string { return "pre_" + op.Name }
func afterName(op catalogue.Operation) string  { return "post_" + op.Name }
