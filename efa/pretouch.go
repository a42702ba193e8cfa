package efa

import (
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// preTouchChunk is the smallest span handed to one worker.
const preTouchChunk = 64 << 20

// PreTouchMemory faults in every page of buf for writing so a later
// registration does not pay for page faults. Contents are unchanged. Large
// buffers are touched by several goroutines.
func (c *Context) PreTouchMemory(buf []byte) {
	if len(buf) == 0 {
		return
	}
	page := os.Getpagesize()
	workers := min(runtime.GOMAXPROCS(0), (len(buf)+preTouchChunk-1)/preTouchChunk)
	span := (len(buf) + workers - 1) / workers
	span = (span + page - 1) / page * page

	var g errgroup.Group
	for start := 0; start < len(buf); start += span {
		part := buf[start:min(start+span, len(buf))]
		g.Go(func() error {
			touchPages(part, page)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Debugw("memory pre-touched", "bytes", len(buf), "workers", workers)
}

// touchPages adds zero to one aligned word per page. An atomic
// read-modify-write is a real store that the compiler keeps.
func touchPages(buf []byte, page int) {
	base := unsafe.Pointer(unsafe.SliceData(buf))
	pad := int((4 - uintptr(base)%4) % 4)
	for off := pad; off+4 <= len(buf); off += page {
		atomic.AddUint32((*uint32)(unsafe.Add(base, off)), 0)
	}
}
