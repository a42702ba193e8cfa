package fi

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

var (
	// ErrContextUnknown indicates that a completion context was not found.
	ErrContextUnknown = errors.New("libfabric: completion context not found")
	// ErrNoDescriptor indicates that discovery matched no device.
	ErrNoDescriptor = errors.New("libfabric: no matching descriptor")
	// ErrForeignHandle indicates a handle from another provider was passed in.
	ErrForeignHandle = errors.New("libfabric: handle not created by this provider")
)

// Errno re-exports the libfabric errno type for consumers of the fi package.
type Errno = capi.Errno

// ErrInvalidHandle reports use of a nil or closed handle.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// Is lets errors.Is(err, provider.ErrClosed) match invalid handles.
func (e ErrInvalidHandle) Is(target error) bool {
	return target == provider.ErrClosed
}

// translate maps FI_EAGAIN onto provider.ErrAgain while keeping the errno in
// the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if capi.IsAgain(err) {
		return fmt.Errorf("%w: %w", provider.ErrAgain, err)
	}
	return err
}
