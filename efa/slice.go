package efa

import (
	"fmt"
	"sync/atomic"
)

// SliceStatus tracks the outcome of a slice.
type SliceStatus int32

const (
	SlicePending SliceStatus = iota
	SliceSuccess
	SliceFailed
)

func (s SliceStatus) String() string {
	switch s {
	case SlicePending:
		return "pending"
	case SliceSuccess:
		return "success"
	case SliceFailed:
		return "failed"
	default:
		return fmt.Sprintf("SliceStatus(%d)", int32(s))
	}
}

// Slice is one contiguous RDMA write: Length bytes from the registered local
// buffer at SourceAddr to DestAddr under the peer's DestKey.
type Slice struct {
	SourceAddr uintptr
	Length     uint64
	DestAddr   uint64
	DestKey    uint64

	status atomic.Int32
	err    atomic.Pointer[errorHolder]
}

type errorHolder struct {
	err error
}

// Status returns the current status.
func (s *Slice) Status() SliceStatus {
	return SliceStatus(s.status.Load())
}

// Err returns the failure cause, if any.
func (s *Slice) Err() error {
	if h := s.err.Load(); h != nil {
		return h.err
	}
	return nil
}

// MarkSuccess records that the write was accepted by the provider.
func (s *Slice) MarkSuccess() {
	s.status.Store(int32(SliceSuccess))
}

// MarkFailed records a failure.
func (s *Slice) MarkFailed(err error) {
	if err != nil {
		s.err.Store(&errorHolder{err: err})
	}
	s.status.Store(int32(SliceFailed))
}

// postedWrite is the completion context of a posted slice.
type postedWrite struct {
	endpoint *Endpoint
	slice    *Slice
}
