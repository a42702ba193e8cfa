//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Capability bits requested through fi_info hints.
const (
	CapMsg         = uint64(C.FI_MSG)
	CapRMA         = uint64(C.FI_RMA)
	CapRead        = uint64(C.FI_READ)
	CapWrite       = uint64(C.FI_WRITE)
	CapRemoteRead  = uint64(C.FI_REMOTE_READ)
	CapRemoteWrite = uint64(C.FI_REMOTE_WRITE)
)

// Memory registration access flags share the capability bit values.
const (
	AccessRead        = CapRead
	AccessWrite       = CapWrite
	AccessRemoteRead  = CapRemoteRead
	AccessRemoteWrite = CapRemoteWrite
)

const (
	ModeContext = uint64(C.FI_CONTEXT)
)

// Memory registration modes.
const (
	MRModeLocal     = uint64(C.FI_MR_LOCAL)
	MRModeVirtAddr  = uint64(C.FI_MR_VIRT_ADDR)
	MRModeAllocated = uint64(C.FI_MR_ALLOCATED)
	MRModeProvKey   = uint64(C.FI_MR_PROV_KEY)
)
