//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>

static inline uint32_t go_fi_version(unsigned int major, unsigned int minor) {
    return FI_VERSION(major, minor);
}

static inline struct fi_fabric_attr* go_alloc_fabric_attr(void) {
    return calloc(1, sizeof(struct fi_fabric_attr));
}

static inline struct fi_domain_attr* go_alloc_domain_attr(void) {
    return calloc(1, sizeof(struct fi_domain_attr));
}

static inline struct fi_ep_attr* go_alloc_ep_attr(void) {
    return calloc(1, sizeof(struct fi_ep_attr));
}
*/
import "C"

// Info represents an fi_info descriptor list. The head owns the C allocation
// and must be released with Free.
type Info struct {
	ptr  *C.struct_fi_info
	owns bool
}

// EndpointType mirrors enum fi_ep_type.
type EndpointType int

const (
	EndpointTypeUnspec EndpointType = EndpointType(C.FI_EP_UNSPEC)
	EndpointTypeMsg    EndpointType = EndpointType(C.FI_EP_MSG)
	EndpointTypeDgram  EndpointType = EndpointType(C.FI_EP_DGRAM)
	EndpointTypeRDM    EndpointType = EndpointType(C.FI_EP_RDM)
)

func (e EndpointType) String() string {
	switch e {
	case EndpointTypeMsg:
		return "msg"
	case EndpointTypeDgram:
		return "dgram"
	case EndpointTypeRDM:
		return "rdm"
	default:
		return "unspec"
	}
}

// GetInfo wraps fi_getinfo. Callers must Free the returned list.
func GetInfo(ver Version, flags uint64, hints *Info) (*Info, error) {
	var hintPtr *C.struct_fi_info
	if hints != nil {
		hintPtr = hints.ptr
	}
	var out *C.struct_fi_info
	status := C.fi_getinfo(
		C.uint(C.go_fi_version(C.uint(ver.Major), C.uint(ver.Minor))),
		nil,
		nil,
		C.uint64_t(flags),
		hintPtr,
		&out,
	)
	if err := ErrorFromStatus(int(status), "fi_getinfo"); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNoData.WithOp("fi_getinfo")
	}
	return &Info{ptr: out, owns: true}, nil
}

// AllocInfo allocates an empty fi_info suitable for use as hints.
func AllocInfo() *Info {
	return &Info{ptr: C.fi_allocinfo(), owns: true}
}

func (i *Info) fabricAttr() *C.struct_fi_fabric_attr {
	if i == nil || i.ptr == nil {
		return nil
	}
	if i.ptr.fabric_attr == nil {
		i.ptr.fabric_attr = C.go_alloc_fabric_attr()
	}
	return i.ptr.fabric_attr
}

func (i *Info) domainAttr() *C.struct_fi_domain_attr {
	if i == nil || i.ptr == nil {
		return nil
	}
	if i.ptr.domain_attr == nil {
		i.ptr.domain_attr = C.go_alloc_domain_attr()
	}
	return i.ptr.domain_attr
}

func (i *Info) epAttr() *C.struct_fi_ep_attr {
	if i == nil || i.ptr == nil {
		return nil
	}
	if i.ptr.ep_attr == nil {
		i.ptr.ep_attr = C.go_alloc_ep_attr()
	}
	return i.ptr.ep_attr
}

func replaceCString(dst **C.char, value string) {
	if *dst != nil {
		C.free(unsafe.Pointer(*dst))
		*dst = nil
	}
	if value != "" {
		*dst = C.CString(value)
	}
}

// SetProvider restricts discovery to the named provider.
func (i *Info) SetProvider(provider string) {
	if attr := i.fabricAttr(); attr != nil {
		replaceCString(&attr.prov_name, provider)
	}
}

// SetDomainName restricts discovery to the named domain.
func (i *Info) SetDomainName(name string) {
	if attr := i.domainAttr(); attr != nil {
		replaceCString(&attr.name, name)
	}
}

// SetMRMode sets the memory registration modes the caller supports.
func (i *Info) SetMRMode(mode uint64) {
	if attr := i.domainAttr(); attr != nil {
		attr.mr_mode = C.int(mode)
	}
}

// SetCaps assigns the requested capabilities mask.
func (i *Info) SetCaps(caps uint64) {
	if i == nil || i.ptr == nil {
		return
	}
	i.ptr.caps = C.uint64_t(caps)
}

// SetMode assigns the mode bits the caller supports.
func (i *Info) SetMode(mode uint64) {
	if i == nil || i.ptr == nil {
		return
	}
	i.ptr.mode = C.uint64_t(mode)
}

// SetEndpointType sets the endpoint type hint.
func (i *Info) SetEndpointType(ep EndpointType) {
	if attr := i.epAttr(); attr != nil {
		attr._type = C.enum_fi_ep_type(ep)
	}
}

// Free releases the fi_info list if this Info owns it.
func (i *Info) Free() {
	if i == nil || i.ptr == nil || !i.owns {
		return
	}
	C.fi_freeinfo(i.ptr)
	i.ptr = nil
	i.owns = false
}

// Entries returns a snapshot of the descriptor list.
func (i *Info) Entries() []InfoEntry {
	if i == nil || i.ptr == nil {
		return nil
	}
	var entries []InfoEntry
	for cur := i.ptr; cur != nil; cur = cur.next {
		entries = append(entries, InfoEntry{ptr: cur})
	}
	return entries
}

// InfoEntry provides read-only accessors for a single fi_info node.
type InfoEntry struct {
	ptr *C.struct_fi_info
}

// Valid reports whether the entry refers to a descriptor.
func (e InfoEntry) Valid() bool {
	return e.ptr != nil
}

// ProviderName returns the provider string, if available.
func (e InfoEntry) ProviderName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil || e.ptr.fabric_attr.prov_name == nil {
		return ""
	}
	return C.GoString(e.ptr.fabric_attr.prov_name)
}

// FabricName returns the fabric name, if available.
func (e InfoEntry) FabricName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil || e.ptr.fabric_attr.name == nil {
		return ""
	}
	return C.GoString(e.ptr.fabric_attr.name)
}

// DomainName returns the domain name, if available.
func (e InfoEntry) DomainName() string {
	if e.ptr == nil || e.ptr.domain_attr == nil || e.ptr.domain_attr.name == nil {
		return ""
	}
	return C.GoString(e.ptr.domain_attr.name)
}

// Caps returns the capabilities bitmask.
func (e InfoEntry) Caps() uint64 {
	if e.ptr == nil {
		return 0
	}
	return uint64(e.ptr.caps)
}

// EndpointType reports the endpoint type of the descriptor.
func (e InfoEntry) EndpointType() EndpointType {
	if e.ptr == nil || e.ptr.ep_attr == nil {
		return EndpointTypeUnspec
	}
	return EndpointType(e.ptr.ep_attr._type)
}

// MRMode reports the domain's memory registration mode bits.
func (e InfoEntry) MRMode() uint64 {
	if e.ptr == nil || e.ptr.domain_attr == nil {
		return 0
	}
	return uint64(e.ptr.domain_attr.mr_mode)
}

// SourceAddr returns a copy of the descriptor's source address.
func (e InfoEntry) SourceAddr() []byte {
	if e.ptr == nil || e.ptr.src_addr == nil || e.ptr.src_addrlen == 0 {
		return nil
	}
	return C.GoBytes(e.ptr.src_addr, C.int(e.ptr.src_addrlen))
}
