package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/internal/memory"
	"github.com/quicplug/quicplug/sandbox"
	"github.com/quicplug/quicplug/store"
	"github.com/quicplug/quicplug/timer"
)

// binding holds the resolved exports for one operation: the optional
// replacement body plus the optional observers running around it.
type binding struct {
	before  sandbox.Function
	replace sandbox.Function
	after   sandbox.Function
}

// Instance is one loaded plugin bound to one host connection. It exclusively
// owns its guest memory, resolved operation table, store and timer queue; none
// of these are ever shared with another instance. Not safe for concurrent
// use; the owning connection serialises all calls.
type Instance struct {
	id     string
	mod    sandbox.Module
	bridge *memory.Bridge
	cat    *catalogue.Catalogue

	bindings map[catalogue.OperationID]*binding

	store  *store.Store
	timers *timer.Queue

	// enabled gates dispatch of regular operations. Plugins flip it through
	// the enable import, typically from their init operation; operations
	// marked always-enabled bypass the gate.
	enabled bool

	logger  *slog.Logger
	metrics *Metrics
	budget  time.Duration
	clock   func() time.Time

	closed bool
}

// ID returns the instance's unique identifier, assigned at load.
func (in *Instance) ID() string { return in.id }

// Enabled reports whether the plugin has enabled itself for regular dispatch.
func (in *Instance) Enabled() bool { return in.enabled }

// SetEnabled overrides the plugin's enablement state from the host side.
func (in *Instance) SetEnabled(v bool) { in.enabled = v }

// Store returns the instance's private key value store.
func (in *Instance) Store() *store.Store { return in.store }

// Timers returns the instance's pending timer queue.
func (in *Instance) Timers() *timer.Queue { return in.timers }

// Implements reports whether the instance resolved a replacement body for op.
// Observer-only bindings (pre or post without a body) report false.
func (in *Instance) Implements(op catalogue.OperationID) bool {
	b, ok := in.bindings[op]
	return ok && b.replace != nil
}

// Operations returns the identifiers the instance resolved any export for, in
// unspecified order.
func (in *Instance) Operations() []catalogue.OperationID {
	out := make([]catalogue.OperationID, 0, len(in.bindings))
	for id := range in.bindings {
		out = append(out, id)
	}
	return out
}

func (in *Instance) binding(op catalogue.OperationID) *binding {
	return in.bindings[op]
}

// callable reports whether op may be dispatched to this instance right now,
// applying the enable gate.
func (in *Instance) callable(op catalogue.Operation) bool {
	if in.closed {
		return false
	}
	return in.enabled || op.AlwaysEnabled
}

// Close tears the instance down: the sandbox module, its memory, the store
// and every pending timer are released together. Idempotent.
func (in *Instance) Close(ctx context.Context) error {
	if in.closed {
		return nil
	}
	in.closed = true
	if in.bridge.Live() > 0 {
		in.logger.Warn("closing instance with live host allocations",
			slog.String("instance", in.id),
			slog.Int("live", in.bridge.Live()))
	}
	in.store.Clear()
	in.timers.Clear()
	return in.mod.Close(ctx)
}
