// Package plugintest provides an in-process fake of the sandbox interfaces:
// a guest module whose exports are plain Go functions over a plain byte-slice
// memory, plus an engine that hands such modules to the loader. Tests use it
// to exercise resolution, marshaling, dispatch, stores and timers without
// compiling WebAssembly.
package plugintest

import (
	"context"
	"errors"
	"fmt"

	"github.com/quicplug/quicplug/sandbox"
)

// DefaultMemorySize is the fake guest memory size in bytes.
const DefaultMemorySize = 1 << 20

// heapBase is where the bump allocator starts handing out offsets. Offset
// zero stays unused so it can mean "no buffer".
const heapBase = 1024

// Module is a fake guest module. Build it with NewModule, add exports with
// Export and the With helpers, then hand it to the loader through an Engine
// or use it directly.
type Module struct {
	exports map[string]*fakeFunc
	mem     *fakeMemory
	hosts   map[string]map[string]sandbox.HostFunc

	heap        uint32
	outstanding int
	closed      bool
}

// NewModule returns a module with an empty export table and a fresh memory.
func NewModule() *Module {
	return &Module{
		exports: make(map[string]*fakeFunc),
		mem:     &fakeMemory{data: make([]byte, DefaultMemorySize)},
		hosts:   make(map[string]map[string]sandbox.HostFunc),
		heap:    heapBase,
	}
}

// Export registers a guest function. The body receives the module so it can
// touch memory and call back into host imports.
func (m *Module) Export(name string, params, results []sandbox.ValueType, fn func(ctx context.Context, m *Module, args []uint64) ([]uint64, error)) *Module {
	m.exports[name] = &fakeFunc{
		mod: m,
		sig: sandbox.Signature{Params: params, Results: results},
		fn:  fn,
	}
	return m
}

// WithVersion adds the catalogue version export returning v.
func (m *Module) WithVersion(v uint32) *Module {
	return m.Export("abi_version", nil, []sandbox.ValueType{sandbox.I32},
		func(ctx context.Context, m *Module, args []uint64) ([]uint64, error) {
			return []uint64{uint64(v)}, nil
		})
}

// WithAllocator adds bump-allocator exports. Individual frees reclaim
// nothing, but once every allocation handed out through the export is
// returned the heap resets wholesale, so call-frame churn does not exhaust
// the fake memory.
func (m *Module) WithAllocator() *Module {
	m.Export("allocate", []sandbox.ValueType{sandbox.I32}, []sandbox.ValueType{sandbox.I32},
		func(ctx context.Context, m *Module, args []uint64) ([]uint64, error) {
			n := uint32(args[0])
			ptr := m.Alloc(n)
			if ptr == 0 {
				return nil, errors.New("plugintest: out of fake memory")
			}
			m.outstanding++
			return []uint64{uint64(ptr)}, nil
		})
	m.Export("deallocate", []sandbox.ValueType{sandbox.I32, sandbox.I32}, nil,
		func(ctx context.Context, m *Module, args []uint64) ([]uint64, error) {
			if m.outstanding > 0 {
				m.outstanding--
			}
			if m.outstanding == 0 {
				m.heap = heapBase
			}
			return nil, nil
		})
	return m
}

// Alloc reserves n bytes of fake memory and returns the offset, or 0 when
// the memory is exhausted. Guest bodies use it to build output buffers.
func (m *Module) Alloc(n uint32) uint32 {
	aligned := (n + 7) &^ 7
	if uint64(m.heap)+uint64(aligned) > uint64(len(m.mem.data)) {
		return 0
	}
	ptr := m.heap
	m.heap += aligned
	return ptr
}

// WriteBytes copies data into fake memory at a freshly allocated offset and
// returns the offset.
func (m *Module) WriteBytes(data []byte) uint32 {
	ptr := m.Alloc(uint32(len(data)))
	if ptr == 0 {
		return 0
	}
	copy(m.mem.data[ptr:], data)
	return ptr
}

// CallHost invokes a registered host import as guest code would, returning
// the raw result slots.
func (m *Module) CallHost(ctx context.Context, module, name string, args ...uint64) ([]uint64, error) {
	funcs, ok := m.hosts[module]
	if !ok {
		return nil, fmt.Errorf("plugintest: host module %q not linked", module)
	}
	hf, ok := funcs[name]
	if !ok {
		return nil, fmt.Errorf("plugintest: host function %q not linked", name)
	}
	n := len(hf.Params)
	if len(hf.Results) > n {
		n = len(hf.Results)
	}
	stack := make([]uint64, n)
	copy(stack, args)
	hf.Fn(ctx, m, stack)
	return stack[:len(hf.Results)], nil
}

// link makes a host module's functions reachable from guest bodies.
func (m *Module) link(module string, funcs []sandbox.HostFunc) {
	byName := make(map[string]sandbox.HostFunc, len(funcs))
	for _, hf := range funcs {
		byName[hf.Name] = hf
	}
	m.hosts[module] = byName
}

func (m *Module) ExportedFunction(name string) sandbox.Function {
	fn, ok := m.exports[name]
	if !ok {
		return nil
	}
	return fn
}

func (m *Module) ExportNames() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	return names
}

func (m *Module) Memory() sandbox.Memory { return m.mem }

func (m *Module) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

// Closed reports whether Close was called, for teardown assertions.
func (m *Module) Closed() bool { return m.closed }

type fakeFunc struct {
	mod *Module
	sig sandbox.Signature
	fn  func(ctx context.Context, m *Module, args []uint64) ([]uint64, error)
}

func (f *fakeFunc) Signature() sandbox.Signature { return f.sig }

func (f *fakeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fn(ctx, f.mod, params)
}

type fakeMemory struct {
	data []byte
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.data)) }

func (m *fakeMemory) Read(offset, count uint32) ([]byte, bool) {
	if uint64(offset)+uint64(count) > uint64(len(m.data)) {
		return nil, false
	}
	out := make([]byte, count)
	copy(out, m.data[offset:])
	return out, true
}

func (m *fakeMemory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], data)
	return true
}

// Engine is a fake loader engine. Build receives the bytecode passed to Load
// and returns the module to hand back; the engine links every registered
// host module into it first.
type Engine struct {
	Build func(wasm []byte) (*Module, error)

	hosts   map[string][]sandbox.HostFunc
	modules []*Module
}

// NewEngine returns an engine producing modules from build.
func NewEngine(build func(wasm []byte) (*Module, error)) *Engine {
	return &Engine{
		Build: build,
		hosts: make(map[string][]sandbox.HostFunc),
	}
}

func (e *Engine) RegisterHost(ctx context.Context, moduleName string, funcs []sandbox.HostFunc) error {
	e.hosts[moduleName] = funcs
	return nil
}

func (e *Engine) Instantiate(ctx context.Context, wasm []byte, name string) (sandbox.Module, error) {
	mod, err := e.Build(wasm)
	if err != nil {
		return nil, err
	}
	for module, funcs := range e.hosts {
		mod.link(module, funcs)
	}
	e.modules = append(e.modules, mod)
	return mod, nil
}

func (e *Engine) Close(ctx context.Context) error {
	for _, m := range e.modules {
		_ = m.Close(ctx)
	}
	return nil
}

// Modules returns every module the engine instantiated, in order.
func (e *Engine) Modules() []*Module { return e.modules }
