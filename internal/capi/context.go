//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
*/
import "C"

// CompletionContextAlloc allocates a struct fi_context sized block to pass as
// the operation context. The provider requires FI_CONTEXT mode storage to
// outlive the operation, so it lives in C memory. Release it with
// CompletionContextFree once the completion is consumed.
func CompletionContextAlloc() unsafe.Pointer {
	return C.calloc(1, C.size_t(unsafe.Sizeof(C.struct_fi_context{})))
}

// CompletionContextFree releases a pointer from CompletionContextAlloc.
func CompletionContextFree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	C.free(ptr)
}
