package fi

import (
	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

// Fabric wraps an opened fabric.
type Fabric struct {
	handle *capi.Fabric
}

// OpenDomain opens the access domain described by info.
func (f *Fabric) OpenDomain(info provider.Info) (provider.Domain, error) {
	if f == nil || f.handle == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	entry, err := infoEntry(info)
	if err != nil {
		return nil, err
	}
	handle, err := capi.OpenDomain(f.handle, entry)
	if err != nil {
		return nil, err
	}
	return &Domain{handle: handle}, nil
}

// Close releases the fabric.
func (f *Fabric) Close() error {
	if f == nil || f.handle == nil {
		return nil
	}
	err := f.handle.Close()
	f.handle = nil
	return err
}

// Domain wraps an opened access domain.
type Domain struct {
	handle *capi.Domain
}

// Close releases the domain.
func (d *Domain) Close() error {
	if d == nil || d.handle == nil {
		return nil
	}
	err := d.handle.Close()
	d.handle = nil
	return err
}

var (
	_ provider.Info            = (*Info)(nil)
	_ provider.Fabric          = (*Fabric)(nil)
	_ provider.Domain          = (*Domain)(nil)
	_ provider.AddressVector   = (*AddressVector)(nil)
	_ provider.CompletionQueue = (*CompletionQueue)(nil)
	_ provider.Endpoint        = (*Endpoint)(nil)
	_ provider.MemoryRegion    = (*MemoryRegion)(nil)
)
