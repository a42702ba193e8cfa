//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fi_domain.h>
*/
import "C"

// AVType mirrors enum fi_av_type.
type AVType int

const (
	AVTypeUnspec AVType = AVType(C.FI_AV_UNSPEC)
	AVTypeMap    AVType = AVType(C.FI_AV_MAP)
	AVTypeTable  AVType = AVType(C.FI_AV_TABLE)
)

// FIAddr represents an fi_addr_t value returned from libfabric.
type FIAddr uint64

// FIAddrUnspec mirrors FI_ADDR_UNSPEC.
const FIAddrUnspec FIAddr = ^FIAddr(0)

// AV wraps a libfabric fid_av handle.
type AV struct {
	ptr *C.struct_fid_av
}

// OpenAV opens an address vector of the given type sized for count peers.
func OpenAV(domain *Domain, typ AVType, count uint64) (*AV, error) {
	if domain == nil || domain.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_av_open")
	}
	var attr C.struct_fi_av_attr
	attr._type = C.enum_fi_av_type(typ)
	attr.count = C.size_t(count)

	var av *C.struct_fid_av
	status := C.fi_av_open(domain.ptr, &attr, &av, nil)
	if err := ErrorFromStatus(int(status), "fi_av_open"); err != nil {
		return nil, err
	}
	return &AV{ptr: av}, nil
}

// Close releases the address vector. It is safe to call more than once.
func (a *AV) Close() error {
	if a == nil || a.ptr == nil {
		return nil
	}
	if err := closeFID(unsafe.Pointer(a.ptr), "av"); err != nil {
		return err
	}
	a.ptr = nil
	return nil
}

// InsertRaw inserts one provider-specific address. The bytes are copied into
// C memory for the duration of the call.
func (a *AV) InsertRaw(raw []byte) (FIAddr, error) {
	if a == nil || a.ptr == nil || len(raw) == 0 {
		return FIAddrUnspec, ErrInvalid.WithOp("fi_av_insert")
	}
	buf := C.CBytes(raw)
	defer C.free(buf)

	out := C.fi_addr_t(FIAddrUnspec)
	status := C.fi_av_insert(a.ptr, buf, 1, &out, 0, nil)
	if err := ErrorFromStatus(int(status), "fi_av_insert"); err != nil {
		return FIAddrUnspec, err
	}
	if status != 1 {
		return FIAddrUnspec, ErrAddrNotAvail.WithOp("fi_av_insert")
	}
	return FIAddr(out), nil
}

// Remove drops a single entry from the address vector.
func (a *AV) Remove(addr FIAddr) error {
	if a == nil || a.ptr == nil {
		return ErrInvalid.WithOp("fi_av_remove")
	}
	entry := C.fi_addr_t(addr)
	status := C.fi_av_remove(a.ptr, &entry, 1, 0)
	return ErrorFromStatus(int(status), "fi_av_remove")
}
