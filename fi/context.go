package fi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/efa-transport/internal/capi"
)

var (
	contextRegistry sync.Map // uintptr -> *completionContext
)

// completionContext pins the C operation context of a posted write and the Go
// value it resolves to.
type completionContext struct {
	ptr      unsafe.Pointer
	value    any
	released atomic.Bool
}

func newCompletionContext(value any) (*completionContext, error) {
	ptr := capi.CompletionContextAlloc()
	if ptr == nil {
		return nil, fmt.Errorf("libfabric: unable to allocate completion context")
	}
	ctx := &completionContext{ptr: ptr, value: value}
	contextRegistry.Store(uintptr(ptr), ctx)
	return ctx, nil
}

// release frees a context whose operation was never posted.
func (c *completionContext) release() {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	contextRegistry.Delete(uintptr(c.ptr))
	capi.CompletionContextFree(c.ptr)
}

func resolveCompletion(ptr unsafe.Pointer) (any, error) {
	if ptr == nil {
		return nil, ErrContextUnknown
	}
	entry, ok := contextRegistry.LoadAndDelete(uintptr(ptr))
	if !ok {
		return nil, ErrContextUnknown
	}
	ctx := entry.(*completionContext)
	if ctx.released.CompareAndSwap(false, true) {
		capi.CompletionContextFree(ctx.ptr)
	}
	return ctx.value, nil
}

// pendingContexts reports how many posted operations await completion.
func pendingContexts() int {
	n := 0
	contextRegistry.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// pointerAt converts a raw address supplied by the caller. The memory lives
// outside the Go heap (mmap, device or C allocations).
func pointerAt(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}
