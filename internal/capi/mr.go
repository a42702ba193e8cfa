//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// MemoryRegion wraps a libfabric fid_mr handle.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// RegisterMemory registers length bytes at buf with the given access flags
// (AccessRead, AccessWrite, AccessRemoteRead, AccessRemoteWrite).
func (d *Domain) RegisterMemory(buf unsafe.Pointer, length uint64, access uint64) (*MemoryRegion, error) {
	if d == nil || d.ptr == nil || buf == nil || length == 0 {
		return nil, ErrInvalid.WithOp("fi_mr_reg")
	}
	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(d.ptr, buf, C.size_t(length), C.uint64_t(access), 0, 0, 0, &mr, nil)
	if err := ErrorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return &MemoryRegion{ptr: mr}, nil
}

// Close deregisters the memory region. It is safe to call more than once.
func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	if err := closeFID(unsafe.Pointer(m.ptr), "mr"); err != nil {
		return err
	}
	m.ptr = nil
	return nil
}

// Key returns the provider-assigned remote access key.
func (m *MemoryRegion) Key() uint64 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint64(C.fi_mr_key(m.ptr))
}

// Descriptor returns the local descriptor passed to data transfer calls.
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	if m == nil || m.ptr == nil {
		return nil
	}
	return C.fi_mr_desc(m.ptr)
}
