// Package provider defines the hardware boundary used by the EFA transport.
//
// The interfaces mirror the libfabric object model (info, fabric, domain,
// address vector, completion queue, endpoint, memory region) so that the
// transport core can run against the cgo-backed fi package on real devices
// and against the simulated package in tests.
package provider

import (
	"errors"
	"unsafe"
)

// ErrAgain reports that the provider queue is full and the operation should
// be retried later. Implementations wrap it so errors.Is matches.
var ErrAgain = errors.New("provider: resource temporarily unavailable")

// ErrClosed reports use of a handle after Close.
var ErrClosed = errors.New("provider: handle closed")

// Address is a resolved address-vector handle.
type Address uint64

// AddressUnspecified marks the absence of a resolved address.
const AddressUnspecified Address = ^Address(0)

// Access describes memory registration permissions.
type Access uint32

const (
	AccessLocalRead Access = 1 << iota
	AccessLocalWrite
	AccessRemoteRead
	AccessRemoteWrite
)

// AccessAll grants every permission.
const AccessAll = AccessLocalRead | AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite

// BindFlag selects which completion directions an endpoint reports to a CQ.
type BindFlag uint32

const (
	BindTransmit BindFlag = 1 << iota
	BindRecv
)

// Provider discovers devices.
type Provider interface {
	// Name identifies the provider implementation.
	Name() string
	// Discover resolves the RDM descriptor for device.
	Discover(device string) (Info, error)
}

// Info is provider metadata for one device.
type Info interface {
	ProviderName() string
	DomainName() string
	// SourceAddr is the device's source address, if the provider reports one.
	SourceAddr() []byte
	OpenFabric() (Fabric, error)
	Close() error
}

// Fabric is an opened fabric.
type Fabric interface {
	OpenDomain(info Info) (Domain, error)
	Close() error
}

// AVAttr configures an address vector.
type AVAttr struct {
	Count uint64
}

// CQAttr configures a completion queue.
type CQAttr struct {
	Size int
}

// Domain is an access domain on one device.
type Domain interface {
	OpenAddressVector(attr AVAttr) (AddressVector, error)
	OpenCompletionQueue(attr CQAttr) (CompletionQueue, error)
	OpenEndpoint(info Info) (Endpoint, error)
	RegisterMemory(addr uintptr, length uint64, access Access) (MemoryRegion, error)
	Close() error
}

// AddressVector maps raw peer addresses to Address handles.
type AddressVector interface {
	Insert(raw []byte) (Address, error)
	Remove(addr Address) error
	Close() error
}

// Completion is one reaped work completion.
type Completion struct {
	// Context is the value passed in WriteRequest.Context.
	Context any
	Length  uint64
	// Err is non-nil for error completions.
	Err error
}

// CompletionQueue is a polled completion queue.
type CompletionQueue interface {
	// Read returns up to max completions; an empty queue returns none.
	Read(max int) ([]Completion, error)
	Close() error
}

// WriteRequest describes one RDMA write.
type WriteRequest struct {
	Local      uintptr
	Length     uint64
	Descriptor unsafe.Pointer
	Dest       Address
	RemoteAddr uint64
	RemoteKey  uint64
	Context    any
}

// Endpoint is a reliable datagram endpoint.
type Endpoint interface {
	BindAddressVector(av AddressVector) error
	BindCompletionQueue(cq CompletionQueue, flags BindFlag) error
	Enable() error
	// Name returns the endpoint's raw address.
	Name() ([]byte, error)
	// Write posts an RDMA write. Queue exhaustion wraps ErrAgain.
	Write(req WriteRequest) error
	Close() error
}

// MemoryRegion is a registered buffer.
type MemoryRegion interface {
	Key() uint64
	Descriptor() unsafe.Pointer
	Close() error
}
