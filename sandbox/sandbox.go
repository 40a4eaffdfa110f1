// Package sandbox defines the narrow interface the plugin runtime requires
// from an isolated execution environment. The production implementation wraps
// wazero (see sandbox/wazero); tests substitute in-process fakes. Keeping
// the surface this small is what lets the runtime stay agnostic of the engine
// while still passing raw stack values on the call fast path.
package sandbox

import "context"

// ValueType is a machine-level sandbox value type, mirroring the WebAssembly
// core value types.
type ValueType byte

const (
	I32 ValueType = iota + 1
	I64
	F32
	F64
)

func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return "unknown"
}

// Signature is the declared machine-level type of an exported or imported
// function.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// Equal reports whether two signatures agree exactly in arity and types.
func (s Signature) Equal(o Signature) bool {
	if len(s.Params) != len(o.Params) || len(s.Results) != len(o.Results) {
		return false
	}
	for i, p := range s.Params {
		if o.Params[i] != p {
			return false
		}
	}
	for i, r := range s.Results {
		if o.Results[i] != r {
			return false
		}
	}
	return true
}

func (s Signature) String() string {
	out := "("
	for i, p := range s.Params {
		if i > 0 {
			out += ", "
		}
		out += p.String()
	}
	out += ") -> ("
	for i, r := range s.Results {
		if i > 0 {
			out += ", "
		}
		out += r.String()
	}
	return out + ")"
}

// Function is a callable guest export. Raw values use the 64-bit stack slot
// representation: i32/f32 occupy the low 32 bits.
type Function interface {
	// Signature returns the declared type of the export.
	Signature() Signature
	// Call invokes the export synchronously. A trap, a resource-budget abort
	// or an engine fault surfaces as a non-nil error; the caller treats every
	// such error as a trap.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Memory is the guest linear memory. All offsets are guest-relative; the
// implementations bound-check every access against the current size.
type Memory interface {
	// Size returns the current size of the memory in bytes.
	Size() uint32
	// Read returns a copy of the range, or false if it exceeds the current
	// size.
	Read(offset, count uint32) ([]byte, bool)
	// Write copies data into the memory, or returns false if the range
	// exceeds the current size.
	Write(offset uint32, data []byte) bool
}

// Module is one instantiated guest module.
type Module interface {
	// ExportedFunction returns the named export, or nil if the module does
	// not export it.
	ExportedFunction(name string) Function
	// ExportNames lists the module's exported function names.
	ExportNames() []string
	// Memory returns the module's linear memory, or nil if it has none.
	Memory() Memory
	// Close releases the module and its memory.
	Close(ctx context.Context) error
}

// HostFunc describes one function the host exposes to guest code. The
// complete set of host functions is the guest's entire capability surface.
type HostFunc struct {
	Name    string
	Params  []ValueType
	Results []ValueType
	// Fn receives the raw argument stack in place: it reads parameters from
	// stack and writes results back to its prefix, wazero-style.
	Fn func(ctx context.Context, mod Module, stack []uint64)
}
