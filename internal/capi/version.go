//go:build cgo

package capi

import (
	"errors"
	"fmt"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>

static inline unsigned int libfabric_version(void) {
    return fi_version();
}

static inline unsigned int libfabric_version_major(unsigned int v) {
    return FI_MAJOR(v);
}

static inline unsigned int libfabric_version_minor(unsigned int v) {
    return FI_MINOR(v);
}

static inline unsigned int libfabric_build_version_major(void) {
    return FI_MAJOR_VERSION;
}

static inline unsigned int libfabric_build_version_minor(void) {
    return FI_MINOR_VERSION;
}
*/
import "C"

// ErrRuntimeTooOld reports a linked libfabric older than the requested API.
var ErrRuntimeTooOld = errors.New("libfabric runtime older than requested api")

// Version is a libfabric major.minor pair.
type Version struct {
	Major uint
	Minor uint
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare orders versions: negative when v is older than other, zero when
// equal, positive when newer.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		return cmpUint(v.Major, other.Major)
	}
	return cmpUint(v.Minor, other.Minor)
}

func cmpUint(a, b uint) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// RuntimeVersion is the version reported by the linked library.
func RuntimeVersion() Version {
	ver := C.libfabric_version()
	return Version{
		Major: uint(C.libfabric_version_major(ver)),
		Minor: uint(C.libfabric_version_minor(ver)),
	}
}

// BuildVersion is the version of the headers used at compile time.
func BuildVersion() Version {
	return Version{
		Major: uint(C.libfabric_build_version_major()),
		Minor: uint(C.libfabric_build_version_minor()),
	}
}

// RequireRuntime fails with ErrRuntimeTooOld when the linked library cannot
// serve the requested API version.
func RequireRuntime(requested Version) error {
	if rt := RuntimeVersion(); rt.Compare(requested) < 0 {
		return fmt.Errorf("%w: runtime %s, requested %s", ErrRuntimeTooOld, rt, requested)
	}
	return nil
}
