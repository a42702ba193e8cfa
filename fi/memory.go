package fi

import (
	"unsafe"

	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

// MemoryRegion wraps a registered buffer.
type MemoryRegion struct {
	handle *capi.MemoryRegion
}

func accessFlags(access provider.Access) uint64 {
	var flags uint64
	if access&provider.AccessLocalRead != 0 {
		flags |= capi.AccessRead
	}
	if access&provider.AccessLocalWrite != 0 {
		flags |= capi.AccessWrite
	}
	if access&provider.AccessRemoteRead != 0 {
		flags |= capi.AccessRemoteRead
	}
	if access&provider.AccessRemoteWrite != 0 {
		flags |= capi.AccessRemoteWrite
	}
	return flags
}

// RegisterMemory registers length bytes at addr.
func (d *Domain) RegisterMemory(addr uintptr, length uint64, access provider.Access) (provider.MemoryRegion, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	handle, err := d.handle.RegisterMemory(pointerAt(addr), length, accessFlags(access))
	if err != nil {
		return nil, err
	}
	return &MemoryRegion{handle: handle}, nil
}

// Key returns the remote access key.
func (m *MemoryRegion) Key() uint64 {
	if m == nil {
		return 0
	}
	return m.handle.Key()
}

// Descriptor returns the local descriptor for data transfers.
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	if m == nil {
		return nil
	}
	return m.handle.Descriptor()
}

// Close deregisters the buffer.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	return err
}
