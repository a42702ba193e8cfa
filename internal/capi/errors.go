//go:build cgo

package capi

import (
	"errors"
	"fmt"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_errno.h>
*/
import "C"

// Errno represents a libfabric error code (positive integral value).
type Errno int32

// Error codes mirrored from <rdma/fi_errno.h> that the transport inspects.
const (
	Success         Errno = Errno(C.FI_SUCCESS)
	ErrAgain        Errno = Errno(C.FI_EAGAIN)
	ErrNoMemory     Errno = Errno(C.FI_ENOMEM)
	ErrNoDevice     Errno = Errno(C.FI_ENODEV)
	ErrNoData       Errno = Errno(C.FI_ENODATA)
	ErrNoSpace      Errno = Errno(C.FI_ENOSPC)
	ErrTooSmall     Errno = Errno(C.FI_ETOOSMALL)
	ErrBusy         Errno = Errno(C.FI_EBUSY)
	ErrInvalid      Errno = Errno(C.FI_EINVAL)
	ErrNotSupported Errno = Errno(C.FI_ENOSYS)
	ErrAddrNotAvail Errno = Errno(C.FI_EADDRNOTAVAIL)
	ErrOther        Errno = Errno(C.FI_EOTHER)
	ErrUnavailable  Errno = Errno(C.FI_EAVAIL)
	ErrNoKey        Errno = Errno(C.FI_ENOKEY)
	ErrNoAV         Errno = Errno(C.FI_ENOAV)
)

// Error returns the human-readable string as produced by fi_strerror.
func (e Errno) Error() string {
	return e.String()
}

// String returns the libfabric-provided message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return C.GoString(C.fi_strerror(C.int(e)))
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a libfabric status code into a Go error. Negative
// values are failures; zero and positive counts are success.
func ErrorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}
	code := Errno(-status)
	if code == Success {
		return nil
	}
	return code.WithOp(op)
}

// IsAgain reports whether err carries FI_EAGAIN.
func IsAgain(err error) bool {
	return errors.Is(err, ErrAgain)
}

// closeFID closes any fid-derived handle and reports failures under what.
func closeFID(ptr unsafe.Pointer, what string) error {
	if ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(ptr))
	return ErrorFromStatus(int(status), "fi_close("+what+")")
}
