//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_rma.h>
*/
import "C"

// Write posts an RMA write of length bytes at buf to (destAddr, addr, key).
// FI_EAGAIN is returned as ErrAgain so callers can requeue.
func (e *Endpoint) Write(buf unsafe.Pointer, length uint64, desc unsafe.Pointer, destAddr FIAddr, addr uint64, key uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_write")
	}
	status := C.fi_write(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(destAddr), C.uint64_t(addr), C.uint64_t(key), context)
	return ErrorFromStatus(int(status), "fi_write")
}
