//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Fabric represents an opened fid_fabric handle.
type Fabric struct {
	ptr *C.struct_fid_fabric
}

// Domain represents an opened fid_domain handle.
type Domain struct {
	ptr *C.struct_fid_domain
}

// OpenFabric opens the fabric described by entry.
func OpenFabric(entry InfoEntry) (*Fabric, error) {
	if entry.ptr == nil || entry.ptr.fabric_attr == nil {
		return nil, ErrInvalid.WithOp("fi_fabric")
	}
	var fabric *C.struct_fid_fabric
	status := C.fi_fabric(entry.ptr.fabric_attr, &fabric, nil)
	if err := ErrorFromStatus(int(status), "fi_fabric"); err != nil {
		return nil, err
	}
	return &Fabric{ptr: fabric}, nil
}

// Close releases the fabric handle. It is safe to call more than once.
func (f *Fabric) Close() error {
	if f == nil || f.ptr == nil {
		return nil
	}
	if err := closeFID(unsafe.Pointer(f.ptr), "fabric"); err != nil {
		return err
	}
	f.ptr = nil
	return nil
}

// OpenDomain opens the access domain named by entry on fabric.
func OpenDomain(fabric *Fabric, entry InfoEntry) (*Domain, error) {
	if fabric == nil || fabric.ptr == nil || entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_domain")
	}
	var dom *C.struct_fid_domain
	status := C.fi_domain(fabric.ptr, entry.ptr, &dom, nil)
	if err := ErrorFromStatus(int(status), "fi_domain"); err != nil {
		return nil, err
	}
	return &Domain{ptr: dom}, nil
}

// Close releases the domain handle. It is safe to call more than once.
func (d *Domain) Close() error {
	if d == nil || d.ptr == nil {
		return nil
	}
	if err := closeFID(unsafe.Pointer(d.ptr), "domain"); err != nil {
		return err
	}
	d.ptr = nil
	return nil
}
