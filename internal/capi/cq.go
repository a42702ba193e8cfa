//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_eq.h>
*/
import "C"

// cqBatch bounds how many entries a single fi_cq_read call drains.
const cqBatch = 16

// CQFormat mirrors enum fi_cq_format.
type CQFormat int

const (
	CQFormatContext CQFormat = CQFormat(C.FI_CQ_FORMAT_CONTEXT)
	CQFormatData    CQFormat = CQFormat(C.FI_CQ_FORMAT_DATA)
)

// WaitObj mirrors enum fi_wait_obj.
type WaitObj int

const (
	WaitNone   WaitObj = WaitObj(C.FI_WAIT_NONE)
	WaitUnspec WaitObj = WaitObj(C.FI_WAIT_UNSPEC)
)

// CompletionQueue wraps a libfabric fid_cq handle opened in data format.
type CompletionQueue struct {
	ptr *C.struct_fid_cq
}

// CQEntry is a single fi_cq_data_entry.
type CQEntry struct {
	Context unsafe.Pointer
	Flags   uint64
	Length  uint64
	Data    uint64
}

// CQError captures details from fi_cq_readerr.
type CQError struct {
	Context     unsafe.Pointer
	Flags       uint64
	Length      uint64
	Err         Errno
	ProviderErr int
}

// OpenCompletionQueue opens a data-format completion queue of size entries.
func OpenCompletionQueue(domain *Domain, size int, wait WaitObj) (*CompletionQueue, error) {
	if domain == nil || domain.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_cq_open")
	}
	var attr C.struct_fi_cq_attr
	attr.size = C.size_t(size)
	attr.format = C.FI_CQ_FORMAT_DATA
	attr.wait_obj = C.enum_fi_wait_obj(wait)

	var cq *C.struct_fid_cq
	status := C.fi_cq_open(domain.ptr, &attr, &cq, nil)
	if err := ErrorFromStatus(int(status), "fi_cq_open"); err != nil {
		return nil, err
	}
	return &CompletionQueue{ptr: cq}, nil
}

// Close releases the completion queue. It is safe to call more than once.
func (c *CompletionQueue) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	if err := closeFID(unsafe.Pointer(c.ptr), "cq"); err != nil {
		return err
	}
	c.ptr = nil
	return nil
}

// Read drains up to max entries. An empty queue yields no entries and a nil
// error; a pending error entry surfaces as ErrUnavailable.
func (c *CompletionQueue) Read(max int) ([]CQEntry, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_cq_read")
	}
	if max <= 0 || max > cqBatch {
		max = cqBatch
	}
	var raw [cqBatch]C.struct_fi_cq_data_entry
	ret := C.fi_cq_read(c.ptr, unsafe.Pointer(&raw[0]), C.size_t(max))
	if ret < 0 && Errno(-ret) == ErrAgain {
		return nil, nil
	}
	if ret < 0 {
		return nil, ErrorFromStatus(int(ret), "fi_cq_read")
	}
	out := make([]CQEntry, int(ret))
	for i := range out {
		out[i] = CQEntry{
			Context: raw[i].op_context,
			Flags:   uint64(raw[i].flags),
			Length:  uint64(raw[i].len),
			Data:    uint64(raw[i].data),
		}
	}
	return out, nil
}

// ReadError reads one completion error entry, or nil when none is queued.
func (c *CompletionQueue) ReadError() (*CQError, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_cq_readerr")
	}
	var entry C.struct_fi_cq_err_entry
	ret := C.fi_cq_readerr(c.ptr, &entry, 0)
	if ret == 0 || (ret < 0 && Errno(-ret) == ErrAgain) {
		return nil, nil
	}
	if ret < 0 {
		return nil, ErrorFromStatus(int(ret), "fi_cq_readerr")
	}
	return &CQError{
		Context:     entry.op_context,
		Flags:       uint64(entry.flags),
		Length:      uint64(entry.len),
		Err:         Errno(entry.err),
		ProviderErr: int(entry.prov_errno),
	}, nil
}
