//go:build cgo

package capi

import (
	"fmt"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
*/
import "C"

// Bind flags for fi_ep_bind.
const (
	BindTransmit = uint64(C.FI_TRANSMIT)
	BindRecv     = uint64(C.FI_RECV)
)

// Endpoint wraps a libfabric fid_ep handle.
type Endpoint struct {
	ptr *C.struct_fid_ep
}

// OpenEndpoint creates an active endpoint on domain from entry.
func OpenEndpoint(domain *Domain, entry InfoEntry) (*Endpoint, error) {
	if domain == nil || domain.ptr == nil || entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_endpoint")
	}
	var ep *C.struct_fid_ep
	status := C.fi_endpoint(domain.ptr, entry.ptr, &ep, nil)
	if err := ErrorFromStatus(int(status), "fi_endpoint"); err != nil {
		return nil, err
	}
	return &Endpoint{ptr: ep}, nil
}

// Close releases the endpoint. It is safe to call more than once.
func (e *Endpoint) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	if err := closeFID(unsafe.Pointer(e.ptr), "endpoint"); err != nil {
		return err
	}
	e.ptr = nil
	return nil
}

func (e *Endpoint) bind(fid unsafe.Pointer, flags uint64, what string) error {
	op := "fi_ep_bind(" + what + ")"
	if e == nil || e.ptr == nil || fid == nil {
		return ErrInvalid.WithOp(op)
	}
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(fid), C.uint64_t(flags))
	return ErrorFromStatus(int(status), op)
}

// BindAddressVector binds the endpoint to av.
func (e *Endpoint) BindAddressVector(av *AV, flags uint64) error {
	if av == nil {
		return ErrInvalid.WithOp("fi_ep_bind(av)")
	}
	return e.bind(unsafe.Pointer(av.ptr), flags, "av")
}

// BindCompletionQueue binds the endpoint to cq for the directions in flags.
func (e *Endpoint) BindCompletionQueue(cq *CompletionQueue, flags uint64) error {
	if cq == nil {
		return ErrInvalid.WithOp("fi_ep_bind(cq)")
	}
	return e.bind(unsafe.Pointer(cq.ptr), flags, "cq")
}

// Enable transitions the endpoint into an active state.
func (e *Endpoint) Enable() error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_enable")
	}
	status := C.fi_enable(e.ptr)
	return ErrorFromStatus(int(status), "fi_enable")
}

// Name returns the provider-specific endpoint address bytes, growing the
// buffer while the provider reports FI_ETOOSMALL.
func (e *Endpoint) Name() ([]byte, error) {
	if e == nil || e.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_getname")
	}
	size := C.size_t(64)
	for attempt := 0; attempt < 6; attempt++ {
		buf := C.malloc(size)
		if buf == nil {
			return nil, ErrNoMemory.WithOp("fi_getname")
		}
		length := size
		status := C.fi_getname((*C.struct_fid)(unsafe.Pointer(e.ptr)), buf, &length)
		if status == 0 {
			name := C.GoBytes(buf, C.int(length))
			C.free(buf)
			return name, nil
		}
		C.free(buf)
		if code := Errno(-status); code == ErrTooSmall || code == ErrNoSpace {
			if length > size {
				size = length
			} else {
				size *= 2
			}
			continue
		}
		return nil, ErrorFromStatus(int(status), "fi_getname")
	}
	return nil, fmt.Errorf("fi_getname: address larger than %d bytes", int(size))
}
