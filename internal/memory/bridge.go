// Package memory implements the bridge between host code and a guest's
// linear memory. The host never dereferences guest pointers directly: every
// transfer goes through bounds-checked reads and writes, and every
// host-initiated allocation is tracked so it can be returned to the guest
// allocator exactly once.
package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/quicplug/quicplug/sandbox"
)

// Guest export names for the allocator pair. Guests that want to receive
// structured arguments must export both.
const (
	AllocateExport   = "allocate"
	DeallocateExport = "deallocate"
)

// ErrNoAllocator is returned by Allocate when the guest does not export an
// allocator pair.
var ErrNoAllocator = errors.New("memory: guest exports no allocator")

// OutOfMemoryError reports a failed guest allocation.
type OutOfMemoryError struct {
	// Requested is the allocation size in bytes.
	Requested uint32
	// Size is the guest memory size at the time of the failure, in bytes.
	Size uint32
	// Cause is the allocator call failure, when the guest's allocate export
	// itself trapped rather than returning a null pointer.
	Cause error
}

func (e *OutOfMemoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("memory: guest allocation of %d bytes failed (memory size %d): %v", e.Requested, e.Size, e.Cause)
	}
	return fmt.Sprintf("memory: guest allocation of %d bytes failed (memory size %d)", e.Requested, e.Size)
}

func (e *OutOfMemoryError) Unwrap() error { return e.Cause }

// BoundsError reports a read or write outside the guest's current memory.
type BoundsError struct {
	// Op is "read" or "write".
	Op     string
	Offset uint32
	Length uint32
	// Size is the guest memory size the access was checked against.
	Size uint32
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("memory: %s of %d bytes at offset %d exceeds memory size %d", e.Op, e.Length, e.Offset, e.Size)
}

// InvalidHandleError reports a free of a region the bridge did not allocate,
// or that was already freed.
type InvalidHandleError struct {
	Offset uint32
}

func (e *InvalidHandleError) Error() string {
	return fmt.Sprintf("memory: free of untracked region at offset %d", e.Offset)
}

// Bridge mediates all host access to one guest instance's linear memory.
// It is not safe for concurrent use; the owning instance serialises calls.
type Bridge struct {
	mem        sandbox.Memory
	allocate   sandbox.Function
	deallocate sandbox.Function

	// allocs tracks live host-initiated allocations, offset to size.
	allocs map[uint32]uint32
}

// New builds a bridge over the module's memory and allocator exports. The
// module must export a memory; the allocator pair is optional and its absence
// only fails structured transfers.
func New(mod sandbox.Module) (*Bridge, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.New("memory: guest exports no linear memory")
	}
	b := &Bridge{
		mem:    mem,
		allocs: make(map[uint32]uint32),
	}
	alloc := mod.ExportedFunction(AllocateExport)
	dealloc := mod.ExportedFunction(DeallocateExport)
	if alloc != nil && dealloc != nil {
		b.allocate = alloc
		b.deallocate = dealloc
	}
	return b, nil
}

// Size returns the current guest memory size in bytes.
func (b *Bridge) Size() uint32 { return b.mem.Size() }

// Allocate asks the guest allocator for n bytes and tracks the region. The
// region stays valid until Free.
func (b *Bridge) Allocate(ctx context.Context, n uint32) (uint32, error) {
	if b.allocate == nil {
		return 0, ErrNoAllocator
	}
	res, err := b.allocate.Call(ctx, uint64(uint32(n)))
	if err != nil {
		return 0, &OutOfMemoryError{Requested: n, Size: b.mem.Size(), Cause: err}
	}
	if len(res) != 1 {
		return 0, &OutOfMemoryError{Requested: n, Size: b.mem.Size()}
	}
	offset := uint32(res[0])
	if offset == 0 || uint64(offset)+uint64(n) > uint64(b.mem.Size()) {
		return 0, &OutOfMemoryError{Requested: n, Size: b.mem.Size()}
	}
	b.allocs[offset] = n
	return offset, nil
}

// Free returns a region obtained from Allocate to the guest allocator.
// Freeing an unknown or already-freed offset fails without touching the
// guest.
func (b *Bridge) Free(ctx context.Context, offset uint32) error {
	n, ok := b.allocs[offset]
	if !ok {
		return &InvalidHandleError{Offset: offset}
	}
	delete(b.allocs, offset)
	return b.release(ctx, offset, n)
}

// Release returns a guest-allocated region, one the guest handed to the host
// by pointer and length, to the guest allocator. Unlike Free it has no
// tracking entry to validate against.
func (b *Bridge) Release(ctx context.Context, offset, n uint32) error {
	return b.release(ctx, offset, n)
}

func (b *Bridge) release(ctx context.Context, offset, n uint32) error {
	if b.deallocate == nil {
		return ErrNoAllocator
	}
	if _, err := b.deallocate.Call(ctx, uint64(offset), uint64(n)); err != nil {
		return fmt.Errorf("memory: guest deallocate failed: %w", err)
	}
	return nil
}

// Read copies n bytes out of guest memory. The copy either happens in full or
// not at all.
func (b *Bridge) Read(offset, n uint32) ([]byte, error) {
	data, ok := b.mem.Read(offset, n)
	if !ok {
		return nil, &BoundsError{Op: "read", Offset: offset, Length: n, Size: b.mem.Size()}
	}
	return data, nil
}

// Write copies data into guest memory. The copy either happens in full or not
// at all.
func (b *Bridge) Write(offset uint32, data []byte) error {
	if !b.mem.Write(offset, data) {
		return &BoundsError{Op: "write", Offset: offset, Length: uint32(len(data)), Size: b.mem.Size()}
	}
	return nil
}

// Live returns the number of tracked host-initiated allocations. Used by the
// owning instance to detect leaks at teardown.
func (b *Bridge) Live() int { return len(b.allocs) }

// PackPtrLen packs a guest pointer and length into the single i64 used to
// return buffers across the ABI.
func PackPtrLen(ptr, n uint32) uint64 {
	return uint64(ptr)<<32 | uint64(n)
}

// UnpackPtrLen splits a packed i64 into pointer and length.
func UnpackPtrLen(v uint64) (ptr, n uint32) {
	return uint32(v >> 32), uint32(v)
}
