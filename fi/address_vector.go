package fi

import (
	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

// AddressVector wraps a table-type address vector.
type AddressVector struct {
	handle *capi.AV
}

// OpenAddressVector opens a table address vector sized for attr.Count peers.
func (d *Domain) OpenAddressVector(attr provider.AVAttr) (provider.AddressVector, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	handle, err := capi.OpenAV(d.handle, capi.AVTypeTable, attr.Count)
	if err != nil {
		return nil, err
	}
	return &AddressVector{handle: handle}, nil
}

// Insert adds a raw provider address and returns its handle.
func (a *AddressVector) Insert(raw []byte) (provider.Address, error) {
	if a == nil || a.handle == nil {
		return provider.AddressUnspecified, ErrInvalidHandle{"address vector"}
	}
	addr, err := a.handle.InsertRaw(raw)
	if err != nil {
		return provider.AddressUnspecified, err
	}
	return provider.Address(addr), nil
}

// Remove drops addr from the address vector.
func (a *AddressVector) Remove(addr provider.Address) error {
	if a == nil || a.handle == nil {
		return ErrInvalidHandle{"address vector"}
	}
	if addr == provider.AddressUnspecified {
		return nil
	}
	return a.handle.Remove(capi.FIAddr(addr))
}

// Close releases the address vector.
func (a *AddressVector) Close() error {
	if a == nil || a.handle == nil {
		return nil
	}
	err := a.handle.Close()
	a.handle = nil
	return err
}
