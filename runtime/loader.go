package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quicplug/quicplug/catalogue"
	"github.com/quicplug/quicplug/internal/memory"
	"github.com/quicplug/quicplug/sandbox"
	"github.com/quicplug/quicplug/store"
	"github.com/quicplug/quicplug/timer"
)

// Engine abstracts the sandbox runtime the loader instantiates plugins on.
// The wazero adapter in sandbox/wazero is the production implementation;
// tests substitute in-process fakes.
type Engine interface {
	RegisterHost(ctx context.Context, moduleName string, funcs []sandbox.HostFunc) error
	Instantiate(ctx context.Context, wasm []byte, name string) (sandbox.Module, error)
	Close(ctx context.Context) error
}

// DefaultBudget is the wall-clock execution budget applied to each sandboxed
// call unless configured otherwise.
const DefaultBudget = 10 * time.Millisecond

// Loader turns plugin bytecode into attached-ready instances. One loader
// serves many connections; the instances it produces are independent.
type Loader struct {
	cat     *catalogue.Catalogue
	engine  Engine
	logger  *slog.Logger
	metrics *Metrics
	budget  time.Duration
	clock   func() time.Time
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger for load and dispatch diagnostics.
func WithLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// WithMetrics attaches dispatch metrics to every loaded instance.
func WithMetrics(m *Metrics) LoaderOption {
	return func(ld *Loader) { ld.metrics = m }
}

// WithBudget sets the per-call wall-clock execution budget. Zero disables
// the budget.
func WithBudget(d time.Duration) LoaderOption {
	return func(ld *Loader) { ld.budget = d }
}

// WithClock substitutes the time source used for call timing and the guest
// now import. Tests use it to drive timers deterministically.
func WithClock(clock func() time.Time) LoaderOption {
	return func(ld *Loader) { ld.clock = clock }
}

// NewLoader builds a loader over the engine and registers the host import
// module on it.
func NewLoader(ctx context.Context, cat *catalogue.Catalogue, engine Engine, opts ...LoaderOption) (*Loader, error) {
	ld := &Loader{
		cat:    cat,
		engine: engine,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		budget: DefaultBudget,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(ld)
	}
	if err := ld.engine.RegisterHost(ctx, HostModule, hostFuncs(ld.logger)); err != nil {
		return nil, &LoadError{Reason: "registering host module", Cause: err}
	}
	return ld, nil
}

// Load instantiates the bytecode, verifies its catalogue version export and
// resolves its operation table. A failure leaves no module instantiated; the
// caller's connection simply continues without the plugin.
func (ld *Loader) Load(ctx context.Context, wasm []byte) (*Instance, error) {
	id := uuid.NewString()
	mod, err := ld.engine.Instantiate(ctx, wasm, "plugin-"+id)
	if err != nil {
		return nil, &LoadError{Reason: "instantiating module", Cause: err}
	}

	if err := ld.checkVersion(ctx, mod); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	bridge, err := memory.New(mod)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, &LoadError{Reason: "binding guest memory", Cause: err}
	}

	inst := &Instance{
		id:       id,
		mod:      mod,
		bridge:   bridge,
		cat:      ld.cat,
		bindings: resolveExports(ctx, mod, ld.cat, ld.logger),
		store:    store.New(),
		timers:   timer.New(),
		logger:   ld.logger,
		metrics:  ld.metrics,
		budget:   ld.budget,
		clock:    ld.clock,
	}
	ld.logger.InfoContext(ctx, "plugin loaded",
		slog.String("instance", id),
		slog.Int("operations", len(inst.bindings)))
	return inst, nil
}

// checkVersion rejects plugins built against a different catalogue version.
// The version export is mandatory; a module without it predates any version
// the host can trust.
func (ld *Loader) checkVersion(ctx context.Context, mod sandbox.Module) error {
	fn := mod.ExportedFunction(catalogue.VersionExport)
	if fn == nil {
		return &LoadError{Reason: "module exports no " + catalogue.VersionExport}
	}
	want := sandbox.Signature{Results: []sandbox.ValueType{sandbox.I32}}
	if got := fn.Signature(); !got.Equal(want) {
		return &LoadError{Reason: fmt.Sprintf("%s has signature %s, expected %s",
			catalogue.VersionExport, got, want)}
	}
	res, err := fn.Call(ctx)
	if err != nil || len(res) != 1 {
		return &LoadError{Reason: "calling " + catalogue.VersionExport, Cause: err}
	}
	if v := uint32(res[0]); v != ld.cat.Version() {
		return &LoadError{
			Reason: "catalogue version mismatch",
			Cause:  &VersionError{Plugin: v, Host: ld.cat.Version()},
		}
	}
	return nil
}

// Close releases the engine and every instance still instantiated on it.
func (ld *Loader) Close(ctx context.Context) error {
	return ld.engine.Close(ctx)
}
