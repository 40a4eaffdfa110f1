package runtime

import (
	"errors"
	"fmt"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/sandbox"
)

// ErrDetached is returned when a connection is asked to detach a plugin it
// does not hold.
var ErrDetached = errors.New("runtime: plugin not attached")

// ErrCatalogueMismatch is returned by Attach when the instance was loaded
// through a different catalogue than the connection's other plugins.
var ErrCatalogueMismatch = errors.New("runtime: plugin loaded from a different catalogue")

// LoadError reports a plugin that could not be attached: malformed bytecode,
// a missing memory or version export, or a catalogue version disagreement.
// The connection continues without that plugin.
type LoadError struct {
	Reason string
	Cause  error
}

func (e *LoadError) Error() string {
	if e.Cause == nil {
		return "runtime: load failed: " + e.Reason
	}
	return fmt.Sprintf("runtime: load failed: %s: %v", e.Reason, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// VersionError reports a plugin built against a different catalogue version
// than the host's.
type VersionError struct {
	Plugin uint32
	Host   uint32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("runtime: plugin built for catalogue version %d, host has %d", e.Plugin, e.Host)
}

// SignatureError reports an export whose declared type disagrees with the
// catalogue's expected signature for its operation. Resolution records the
// operation absent and keeps this only for diagnostics; it is never fatal.
type SignatureError struct {
	Export string
	Want   sandbox.Signature
	Got    sandbox.Signature
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("runtime: export %q has signature %s, catalogue expects %s", e.Export, e.Got, e.Want)
}

// TrapError reports an aborted sandboxed call: a guest-raised trap, an
// engine fault, or an exceeded execution budget. The cause carries whatever
// the engine reported.
type TrapError struct {
	Op     catalogue.OperationID
	Export string
	Cause  error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("runtime: %s export %q trapped: %v", e.Op, e.Export, e.Cause)
}

func (e *TrapError) Unwrap() error { return e.Cause }

// CallError reports a call that failed outside guest execution, such as a
// marshaling failure or a memory bridge fault. The cause is one of the wire
// or memory package errors.
type CallError struct {
	Op     catalogue.OperationID
	Export string
	Cause  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("runtime: call to %s export %q failed: %v", e.Op, e.Export, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }
