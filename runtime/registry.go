package runtime

import (
	"context"
	"log/slog"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/sandbox"
	"github.com/quicplug/quicplug/wire"
)

// resolveExports walks the module's exports once and builds the operation
// table. An export whose name matches a catalogue entry but whose declared
// signature disagrees with the catalogue is skipped and the operation stays
// absent for that anchor; plugins legitimately implement only a subset of the
// catalogue, so absence is never an error. Resolution is deterministic: the
// same module and catalogue always produce the same table.
func resolveExports(ctx context.Context, mod sandbox.Module, cat *catalogue.Catalogue, logger *slog.Logger) map[catalogue.OperationID]*binding {
	bindings := make(map[catalogue.OperationID]*binding)
	for _, name := range mod.ExportNames() {
		op, anchor, ok := cat.ParseExport(name)
		if !ok {
			continue
		}
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		shape := op
		if anchor != catalogue.AnchorReplace {
			// Observers take the operation's inputs and return nothing.
			shape.Results = nil
		}
		want := expectedSignature(shape)
		if got := fn.Signature(); !got.Equal(want) {
			logger.WarnContext(ctx, "operation stays unimplemented",
				slog.String("op", op.ID.String()),
				slog.Any("error", &SignatureError{Export: name, Want: want, Got: got}))
			continue
		}
		b := bindings[op.ID]
		if b == nil {
			b = &binding{}
			bindings[op.ID] = b
		}
		switch anchor {
		case catalogue.AnchorBefore:
			b.before = fn
		case catalogue.AnchorAfter:
			b.after = fn
		default:
			b.replace = fn
		}
	}
	return bindings
}

// expectedSignature derives the sandbox-level type an export must declare for
// the operation. Scalar operations map each value one to one onto raw call
// slots; everything else takes the buffered convention of (offset, length)
// in and one packed (offset, length) out.
func expectedSignature(op catalogue.Operation) sandbox.Signature {
	if op.Scalar() {
		sig := sandbox.Signature{
			Params:  make([]sandbox.ValueType, 0, len(op.Params)),
			Results: make([]sandbox.ValueType, 0, len(op.Results)),
		}
		for _, k := range op.Params {
			sig.Params = append(sig.Params, valueTypeOf(k))
		}
		for _, k := range op.Results {
			sig.Results = append(sig.Results, valueTypeOf(k))
		}
		return sig
	}
	return sandbox.Signature{
		Params:  []sandbox.ValueType{sandbox.I32, sandbox.I32},
		Results: []sandbox.ValueType{sandbox.I64},
	}
}

func valueTypeOf(k wire.Kind) sandbox.ValueType {
	switch k {
	case wire.KindI64, wire.KindU64, wire.KindDuration, wire.KindTime:
		return sandbox.I64
	case wire.KindF32:
		return sandbox.F32
	case wire.KindF64:
		return sandbox.F64
	default:
		return sandbox.I32
	}
}
