// Package catalogue defines the host's table of pluginizable operations. The
// catalogue is part of the host/plugin binary contract: operation identifiers,
// the export naming convention and the declared type signatures are fixed per
// catalogue version, and a plugin built against a different version is
// rejected at load time.
package catalogue

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/quicplug/quicplug/wire"
)

// OperationID identifies one pluginizable operation. Identifiers are assigned
// by the host and are stable for a given catalogue version.
type OperationID uint64

func (id OperationID) String() string { return fmt.Sprintf("op(0x%x)", uint64(id)) }

// VersionExport is the guest export probed at load time to check ABI
// compatibility. It takes no argument and returns the catalogue version the
// plugin was built against as an i32.
const VersionExport = "abi_version"

// Anchor selects where a plugin function attaches relative to the host's
// native implementation of an operation.
type Anchor uint8

const (
	// AnchorReplace substitutes the host's native behavior. At most one
	// plugin's replace function runs per dispatch.
	AnchorReplace Anchor = iota
	// AnchorBefore runs ahead of the replacing (or native) behavior. Every
	// attached plugin's before hook runs.
	AnchorBefore
	// AnchorAfter runs after the replacing (or native) behavior. Every
	// attached plugin's after hook runs.
	AnchorAfter
)

func (a Anchor) String() string {
	switch a {
	case AnchorBefore:
		return "before"
	case AnchorAfter:
		return "after"
	default:
		return "replace"
	}
}

const (
	beforePrefix = "pre_"
	afterPrefix  = "post_"
)

// Operation describes one catalogue entry: the stable identifier, the export
// name a plugin must use to override it, and the declared input/output types
// checked against the module's export signature at resolution time.
type Operation struct {
	ID      OperationID `yaml:"id"`
	Name    string      `yaml:"name" validate:"required"`
	Params  []wire.Kind `yaml:"-"`
	Results []wire.Kind `yaml:"-"`
	// AlwaysEnabled marks operations callable before the plugin enables
	// itself, such as init and control operations.
	AlwaysEnabled bool `yaml:"always_enabled"`
}

// Scalar reports whether every input and output of the operation is a machine
// scalar, making calls eligible for the direct, no-marshaling path. Operations
// with more than one result always take the buffered path, since a sandbox
// call returns at most one value on the fast path.
func (op Operation) Scalar() bool {
	if len(op.Results) > 1 {
		return false
	}
	for _, k := range op.Params {
		if !k.Scalar() {
			return false
		}
	}
	for _, k := range op.Results {
		if !k.Scalar() {
			return false
		}
	}
	return true
}

// DefaultName returns the export name convention applied when an entry does
// not carry an explicit name: a fixed prefix plus the hexadecimal identifier.
func DefaultName(id OperationID) string { return fmt.Sprintf("op_%x", uint64(id)) }

// ControlName returns the export name of the plugin control operation with the
// given control identifier. Control operations form a parameterised family the
// application can invoke directly, outside any protocol event.
func ControlName(id uint64) string { return fmt.Sprintf("plugin_control_%x", id) }

// InitName is the conventional name of the initialization operation, invoked
// once when a plugin is attached.
const InitName = "init"

// Catalogue is an immutable, versioned set of operations. Build one with New
// or Load; resolution and dispatch only read it.
type Catalogue struct {
	version uint32
	ops     []Operation
	byID    map[OperationID]int
	byName  map[string]int
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New builds a catalogue from the given entries. Entries with an empty name
// get the default naming convention. Duplicate identifiers or export names are
// rejected: the export namespace is flat, so two entries cannot share a name.
// Names starting with the observer prefixes "pre_" or "post_" are rejected
// too, since ParseExport would read them as hooks on another entry.
func New(version uint32, ops []Operation) (*Catalogue, error) {
	c := &Catalogue{
		version: version,
		ops:     make([]Operation, 0, len(ops)),
		byID:    make(map[OperationID]int, len(ops)),
		byName:  make(map[string]int, len(ops)),
	}
	for _, op := range ops {
		if op.Name == "" {
			op.Name = DefaultName(op.ID)
		}
		if err := validate.Struct(op); err != nil {
			return nil, fmt.Errorf("catalogue: invalid entry %s: %w", op.ID, err)
		}
		if strings.HasPrefix(op.Name, beforePrefix) || strings.HasPrefix(op.Name, afterPrefix) {
			return nil, fmt.Errorf("catalogue: export name %q uses a reserved observer prefix", op.Name)
		}
		if _, dup := c.byID[op.ID]; dup {
			return nil, fmt.Errorf("catalogue: duplicate operation id %s", op.ID)
		}
		if _, dup := c.byName[op.Name]; dup {
			return nil, fmt.Errorf("catalogue: duplicate export name %q", op.Name)
		}
		c.byID[op.ID] = len(c.ops)
		c.byName[op.Name] = len(c.ops)
		c.ops = append(c.ops, op)
	}
	return c, nil
}

// Version returns the catalogue version a plugin must be built against.
func (c *Catalogue) Version() uint32 { return c.version }

// Len returns the number of operations in the catalogue.
func (c *Catalogue) Len() int { return len(c.ops) }

// Operations returns the catalogue entries in registration order.
func (c *Catalogue) Operations() []Operation {
	out := make([]Operation, len(c.ops))
	copy(out, c.ops)
	return out
}

// Lookup returns the operation with the given identifier.
func (c *Catalogue) Lookup(id OperationID) (Operation, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Operation{}, false
	}
	return c.ops[i], true
}

// LookupName returns the operation with the given export name.
func (c *Catalogue) LookupName(name string) (Operation, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Operation{}, false
	}
	return c.ops[i], true
}

// ParseExport maps a module export name back to a catalogue operation and the
// anchor encoded in its prefix. Names that match no entry return ok=false;
// unknown exports are not an error, since modules may export unrelated
// machinery (allocators, language runtime entry points).
func (c *Catalogue) ParseExport(name string) (Operation, Anchor, bool) {
	anchor := AnchorReplace
	if rest, found := strings.CutPrefix(name, beforePrefix); found {
		if _, known := c.byName[rest]; known {
			name, anchor = rest, AnchorBefore
		}
	} else if rest, found := strings.CutPrefix(name, afterPrefix); found {
		if _, known := c.byName[rest]; known {
			name, anchor = rest, AnchorAfter
		}
	}
	i, ok := c.byName[name]
	if !ok {
		return Operation{}, AnchorReplace, false
	}
	return c.ops[i], anchor, true
}
