package commands

import (
	"bytes"
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/efa-transport/efa"
	"github.com/rocketbitz/efa-transport/provider"
	"github.com/rocketbitz/efa-transport/provider/simulated"
)

type loopbackFlags struct {
	device   string
	size     int
	slices   int
	timeout  time.Duration
	pretouch bool
}

func newLoopbackCmd(flags *globalFlags) *cobra.Command {
	lf := &loopbackFlags{}
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Write a buffer to itself through a loopback endpoint and verify it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := setup(flags)
			if err != nil {
				return err
			}
			defer s.close()
			if lf.device == "" {
				lf.device = s.cfg.Devices[0]
			}
			if lf.size <= 0 || lf.slices <= 0 || lf.size%lf.slices != 0 {
				return fmt.Errorf("size %d must be a positive multiple of slices %d", lf.size, lf.slices)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), lf.timeout)
			defer cancel()
			if err := s.loopback(ctx, lf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loopback write of %d bytes in %d slices verified on %s\n", lf.size, lf.slices, lf.device)
			return nil
		},
	}
	cmd.Flags().StringVar(&lf.device, "device", "", "device to use (default: first configured device)")
	cmd.Flags().IntVar(&lf.size, "size", 1<<20, "bytes to write")
	cmd.Flags().IntVar(&lf.slices, "slices", 16, "number of slices")
	cmd.Flags().DurationVar(&lf.timeout, "timeout", 10*time.Second, "overall deadline")
	cmd.Flags().BoolVar(&lf.pretouch, "pretouch", true, "fault in the destination buffer before registering it")
	return cmd
}

func mapBuffer(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func bufferAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func (s *session) loopback(ctx context.Context, lf *loopbackFlags) error {
	src, err := mapBuffer(lf.size)
	if err != nil {
		return fmt.Errorf("mmap source: %w", err)
	}
	defer func() { _ = unix.Munmap(src) }()
	dst, err := mapBuffer(lf.size)
	if err != nil {
		return fmt.Errorf("mmap destination: %w", err)
	}
	defer func() { _ = unix.Munmap(dst) }()
	for i := range src {
		src[i] = byte(i * 31)
	}
	srcAddr, dstAddr := bufferAddr(src), bufferAddr(dst)

	// The simulated device does not move data; copy on its behalf.
	if sim, ok := s.provider.(*simulated.Provider); ok {
		sim.SetWriteHook(func(req provider.WriteRequest) error {
			from := int(req.Local - srcAddr)
			to := int(uintptr(req.RemoteAddr) - dstAddr)
			copy(dst[to:to+int(req.Length)], src[from:from+int(req.Length)])
			return nil
		})
	}

	c, err := s.newContext(lf.device, nil)
	if err != nil {
		return err
	}
	defer func() { _ = c.Deconstruct() }()

	if lf.pretouch {
		c.PreTouchMemory(dst)
	}
	if err := c.RegisterMemoryRegion(srcAddr, uint64(lf.size), provider.AccessAll); err != nil {
		return err
	}
	defer func() { _ = c.UnregisterMemoryRegion(srcAddr) }()
	if err := c.RegisterMemoryRegion(dstAddr, uint64(lf.size), provider.AccessAll); err != nil {
		return err
	}
	defer func() { _ = c.UnregisterMemoryRegion(dstAddr) }()

	ep, err := c.Endpoint(c.NICPath())
	if err != nil {
		return err
	}
	defer ep.Release()

	chunk := lf.size / lf.slices
	slices := make([]*efa.Slice, lf.slices)
	for i := range slices {
		off := uintptr(i * chunk)
		slices[i] = &efa.Slice{
			SourceAddr: srcAddr + off,
			Length:     uint64(chunk),
			DestAddr:   uint64(dstAddr + off),
			DestKey:    c.RKey(dstAddr),
		}
	}

	pending := slices
	for len(pending) > 0 || ep.HasOutstandingSlice() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("loopback: %d slices pending, %d outstanding: %w", len(pending), ep.Outstanding(), err)
		}
		if len(pending) > 0 {
			var failed []*efa.Slice
			pending, failed, err = ep.SubmitPostSend(ctx, pending)
			if err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("loopback: %d slices failed: %w", len(failed), failed[0].Err())
			}
		}
		if _, err := c.PollCompletions(0, pollBatch); err != nil {
			return err
		}
	}
	for _, sl := range slices {
		if sl.Status() == efa.SliceFailed {
			return fmt.Errorf("loopback: write completed with error: %w", sl.Err())
		}
	}
	if !bytes.Equal(src, dst) {
		return fmt.Errorf("loopback: destination buffer does not match source")
	}
	return nil
}
