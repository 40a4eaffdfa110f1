// Package wazero adapts the wazero WebAssembly runtime to the sandbox
// interfaces. It owns engine-level concerns: compilation (with a bounded
// compiled-module cache keyed by bytecode hash), instantiation, the host
// function module, memory growth limits, and deadline-driven interruption of
// running guest code.
package wazero

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/quicplug/quicplug/sandbox"
)

// DefaultMemoryLimitPages caps guest memory growth at 64 pages (4 MiB) unless
// configured otherwise. Plugin state is expected to be small; the limit is the
// backstop against a runaway guest allocator.
const DefaultMemoryLimitPages = 64

// DefaultCompiledCacheSize is the number of compiled modules kept by the
// cache. Compilation dominates load cost, and the same plugin bytecode is
// typically attached to many connections.
const DefaultCompiledCacheSize = 16

// Config holds engine-level configuration.
type Config struct {
	// MemoryLimitPages caps guest linear memory growth, in 64 KiB pages.
	MemoryLimitPages uint32 `validate:"gt=0"`
	// CompiledCacheSize is the capacity of the compiled-module cache.
	CompiledCacheSize int `validate:"gt=0"`
	// WASI instantiates the wasi_snapshot_preview1 host module, required by
	// guests built with wasi toolchains.
	WASI bool
}

// Option configures the Runtime.
type Option func(*Config)

// WithMemoryLimitPages sets the guest memory growth limit in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *Config) {
		c.MemoryLimitPages = pages
	}
}

// WithCompiledCacheSize sets the capacity of the compiled-module cache.
func WithCompiledCacheSize(n int) Option {
	return func(c *Config) {
		c.CompiledCacheSize = n
	}
}

// WithoutWASI disables the wasi_snapshot_preview1 host module.
func WithoutWASI() Option {
	return func(c *Config) {
		c.WASI = false
	}
}

// Runtime wraps one wazero runtime instance. All modules instantiated through
// it share the host function modules registered on it.
type Runtime struct {
	rt       wazero.Runtime
	compiled *lru.Cache[string, wazero.CompiledModule]
}

// New creates a runtime. Guest execution is interruptible: closing the call
// context's deadline aborts running guest code, which is the execution budget
// mechanism used by the call channel.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg := Config{
		MemoryLimitPages:  DefaultMemoryLimitPages,
		CompiledCacheSize: DefaultCompiledCacheSize,
		WASI:              true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MemoryLimitPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	if cfg.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("wazero: failed to instantiate WASI: %w", err)
		}
	}

	cache, err := lru.NewWithEvict(cfg.CompiledCacheSize, func(_ string, cm wazero.CompiledModule) {
		_ = cm.Close(context.Background())
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wazero: failed to create compiled cache: %w", err)
	}

	return &Runtime{rt: rt, compiled: cache}, nil
}

// RegisterHost registers a host module exporting the given functions to guest
// code. Must be called before Instantiate.
func (r *Runtime) RegisterHost(ctx context.Context, moduleName string, funcs []sandbox.HostFunc) error {
	builder := r.rt.NewHostModuleBuilder(moduleName)
	for _, hf := range funcs {
		fn := hf.Fn // capture for closure
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				fn(ctx, &guestModule{mod: mod}, stack)
			}), toAPITypes(hf.Params), toAPITypes(hf.Results)).
			Export(hf.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("wazero: failed to instantiate host module %q: %w", moduleName, err)
	}
	return nil
}

// Instantiate compiles (or reuses a cached compilation of) the bytecode and
// instantiates it under the given module name. The start function is not run;
// an exported _initialize is invoked if present, matching reactor-style
// guests.
func (r *Runtime) Instantiate(ctx context.Context, wasm []byte, name string) (sandbox.Module, error) {
	key := bytecodeKey(wasm)
	cm, ok := r.compiled.Get(key)
	if !ok {
		var err error
		cm, err = r.rt.CompileModule(ctx, wasm)
		if err != nil {
			return nil, fmt.Errorf("wazero: failed to compile module: %w", err)
		}
		r.compiled.Add(key, cm)
	}

	mod, err := r.rt.InstantiateModule(ctx, cm, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("wazero: failed to instantiate module: %w", err)
	}

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("wazero: failed to run _initialize: %w", err)
		}
	}

	return &guestModule{mod: mod}, nil
}

// Close releases the runtime and every module instantiated through it.
func (r *Runtime) Close(ctx context.Context) error {
	r.compiled.Purge()
	return r.rt.Close(ctx)
}

func bytecodeKey(wasm []byte) string {
	sum := sha256.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

// guestModule adapts api.Module to sandbox.Module.
type guestModule struct {
	mod api.Module
}

func (g *guestModule) ExportedFunction(name string) sandbox.Function {
	fn := g.mod.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	return &guestFunction{fn: fn}
}

func (g *guestModule) ExportNames() []string {
	defs := g.mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	return names
}

func (g *guestModule) Memory() sandbox.Memory {
	mem := g.mod.Memory()
	if mem == nil {
		return nil
	}
	return &guestMemory{mem: mem}
}

func (g *guestModule) Close(ctx context.Context) error {
	return g.mod.Close(ctx)
}

// guestFunction adapts api.Function to sandbox.Function.
type guestFunction struct {
	fn api.Function
}

func (f *guestFunction) Signature() sandbox.Signature {
	def := f.fn.Definition()
	return sandbox.Signature{
		Params:  fromAPITypes(def.ParamTypes()),
		Results: fromAPITypes(def.ResultTypes()),
	}
}

func (f *guestFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn.Call(ctx, params...)
}

// guestMemory adapts api.Memory to sandbox.Memory. api.Memory.Read returns a
// view into the underlying buffer; a copy is taken so callers never hold a
// reference that guest growth could invalidate.
type guestMemory struct {
	mem api.Memory
}

func (m *guestMemory) Size() uint32 { return m.mem.Size() }

func (m *guestMemory) Read(offset, count uint32) ([]byte, bool) {
	view, ok := m.mem.Read(offset, count)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func (m *guestMemory) Write(offset uint32, data []byte) bool {
	return m.mem.Write(offset, data)
}

func toAPITypes(ts []sandbox.ValueType) []api.ValueType {
	out := make([]api.ValueType, 0, len(ts))
	for _, t := range ts {
		out = append(out, toAPIType(t))
	}
	return out
}

func toAPIType(t sandbox.ValueType) api.ValueType {
	switch t {
	case sandbox.I64:
		return api.ValueTypeI64
	case sandbox.F32:
		return api.ValueTypeF32
	case sandbox.F64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

func fromAPITypes(ts []api.ValueType) []sandbox.ValueType {
	out := make([]sandbox.ValueType, 0, len(ts))
	for _, t := range ts {
		switch t {
		case api.ValueTypeI64:
			out = append(out, sandbox.I64)
		case api.ValueTypeF32:
			out = append(out, sandbox.F32)
		case api.ValueTypeF64:
			out = append(out, sandbox.F64)
		default:
			out = append(out, sandbox.I32)
		}
	}
	return out
}
