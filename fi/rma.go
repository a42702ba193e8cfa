package fi

import (
	"errors"

	"github.com/rocketbitz/efa-transport/internal/capi"
	"github.com/rocketbitz/efa-transport/provider"
)

var errEmptyWrite = errors.New("libfabric: write requires a source address and length")

// Write posts an RDMA write. req.Context is returned in the matching
// provider.Completion. A full transmit queue yields an error wrapping
// provider.ErrAgain.
func (e *Endpoint) Write(req provider.WriteRequest) error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	if req.Local == 0 || req.Length == 0 {
		return errEmptyWrite
	}
	cctx, err := newCompletionContext(req.Context)
	if err != nil {
		return err
	}
	err = e.handle.Write(pointerAt(req.Local), req.Length, req.Descriptor, capi.FIAddr(req.Dest), req.RemoteAddr, req.RemoteKey, cctx.ptr)
	if err != nil {
		cctx.release()
		return translate(err)
	}
	return nil
}
