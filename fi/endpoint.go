package fi

import (
	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

// Endpoint wraps a reliable datagram endpoint.
type Endpoint struct {
	handle *capi.Endpoint
}

// OpenEndpoint opens an endpoint from the descriptor used to open d.
func (d *Domain) OpenEndpoint(info provider.Info) (provider.Endpoint, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	entry, err := infoEntry(info)
	if err != nil {
		return nil, err
	}
	handle, err := capi.OpenEndpoint(d.handle, entry)
	if err != nil {
		return nil, err
	}
	return &Endpoint{handle: handle}, nil
}

// BindAddressVector binds av to the endpoint.
func (e *Endpoint) BindAddressVector(av provider.AddressVector) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	target, ok := av.(*AddressVector)
	if !ok {
		return ErrForeignHandle
	}
	if target.handle == nil {
		return ErrInvalidHandle{"address vector"}
	}
	return e.handle.BindAddressVector(target.handle, 0)
}

// BindCompletionQueue binds cq for the requested directions.
func (e *Endpoint) BindCompletionQueue(cq provider.CompletionQueue, flags provider.BindFlag) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	target, ok := cq.(*CompletionQueue)
	if !ok {
		return ErrForeignHandle
	}
	if target.handle == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	var raw uint64
	if flags&provider.BindTransmit != 0 {
		raw |= capi.BindTransmit
	}
	if flags&provider.BindRecv != 0 {
		raw |= capi.BindRecv
	}
	return e.handle.BindCompletionQueue(target.handle, raw)
}

// Enable activates the endpoint.
func (e *Endpoint) Enable() error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return e.handle.Enable()
}

// Name returns the endpoint's raw address.
func (e *Endpoint) Name() ([]byte, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	return e.handle.Name()
}

// Close releases the endpoint.
func (e *Endpoint) Close() error {
	if e == nil || e.handle == nil {
		return nil
	}
	err := e.handle.Close()
	e.handle = nil
	return err
}
