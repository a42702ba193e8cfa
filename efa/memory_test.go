package efa

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/efa-transport/provider"
	"github.com/rocketbitz/efa-transport/provider/simulated"
)

func TestRegisterMemoryRegion(t *testing.T) {
	p := simulated.New()
	ctx := newTestContext(t, p, "a", Options{})

	if err := ctx.RegisterMemoryRegion(0x10000, 4096, provider.AccessLocalWrite); err != nil {
		t.Fatalf("RegisterMemoryRegion: %v", err)
	}
	rkey := ctx.RKey(0x10000)
	if rkey == 0 {
		t.Fatal("expected non-zero rkey")
	}
	if lkey := ctx.LKey(0x10000); lkey != rkey {
		t.Fatalf("expected lkey %d to match rkey %d", lkey, rkey)
	}
	if ctx.RKey(0x20000) != 0 || ctx.LKey(0x20000) != 0 {
		t.Fatal("expected zero keys for unregistered address")
	}

	// registering again replaces the previous region
	if err := ctx.RegisterMemoryRegion(0x10000, 8192, provider.AccessAll); err != nil {
		t.Fatalf("RegisterMemoryRegion: %v", err)
	}
	if ctx.Memory().Count() != 1 || p.Open(simulated.KindMR) != 1 {
		t.Fatalf("expected one registration, count=%d open=%d", ctx.Memory().Count(), p.Open(simulated.KindMR))
	}
	if length, ok := ctx.Memory().Length(0x10000); !ok || length != 8192 {
		t.Fatalf("unexpected registered length %d", length)
	}
	if ctx.RKey(0x10000) == rkey {
		t.Fatal("expected a new key after re-registration")
	}

	if err := ctx.UnregisterMemoryRegion(0x10000); err != nil {
		t.Fatalf("UnregisterMemoryRegion: %v", err)
	}
	if err := ctx.UnregisterMemoryRegion(0x10000); err != nil {
		t.Fatalf("second UnregisterMemoryRegion: %v", err)
	}
	if ctx.RKey(0x10000) != 0 || p.Open(simulated.KindMR) != 0 {
		t.Fatal("registration survived unregister")
	}
}

func TestRegisterMemoryRegionErrors(t *testing.T) {
	p := simulated.New()
	idle := NewContext(p, "efa0", Options{ServerName: "a"})
	if err := idle.RegisterMemoryRegion(0x10000, 64, provider.AccessAll); !errors.Is(err, ErrContext) {
		t.Fatalf("expected ErrContext before Construct, got %v", err)
	}
	if idle.RKey(0x10000) != 0 {
		t.Fatal("expected zero key before Construct")
	}
	if err := idle.UnregisterMemoryRegion(0x10000); err != nil {
		t.Fatalf("unexpected error before Construct: %v", err)
	}

	ctx := newTestContext(t, p, "a", Options{})
	if err := ctx.RegisterMemoryRegion(0, 64, provider.AccessAll); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil address, got %v", err)
	}
	if err := ctx.RegisterMemoryRegion(0x10000, 0, provider.AccessAll); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty region, got %v", err)
	}

	p.Fail(simulated.StepRegisterMemory, nil)
	err := ctx.RegisterMemoryRegion(0x10000, 64, provider.AccessAll)
	if !errors.Is(err, ErrContext) || !errors.Is(err, simulated.ErrInjected) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if ctx.RKey(0x10000) != 0 {
		t.Fatal("failed registration recorded a key")
	}
}

func TestRegisterMemoryRegionClampsLength(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p := simulated.New()
	ctx := newTestContext(t, p, "a", Options{
		Logger: zap.New(core).Sugar(),
		Limits: StaticLimits(1024),
	})

	if err := ctx.RegisterMemoryRegion(0x10000, 4096, provider.AccessAll); err != nil {
		t.Fatalf("RegisterMemoryRegion: %v", err)
	}
	if length, _ := ctx.Memory().Length(0x10000); length != 1024 {
		t.Fatalf("expected clamped length 1024, got %d", length)
	}
	entries := logs.FilterMessage("memory region length exceeds max_mr_size, clamping").All()
	if len(entries) != 1 {
		t.Fatalf("expected one clamp warning, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["max_mr_size"]; got != uint64(1024) {
		t.Fatalf("unexpected max_mr_size field %v", got)
	}
}

func TestRegisteredRegionContains(t *testing.T) {
	r := &registeredRegion{addr: 0x1000, length: 0x100}
	cases := []struct {
		addr   uintptr
		length uint64
		want   bool
	}{
		{0x1000, 0x100, true},
		{0x1080, 0x80, true},
		{0x1080, 0x81, false},
		{0x0fff, 1, false},
		{0x1100, 1, false},
	}
	for _, tc := range cases {
		if got := r.contains(tc.addr, tc.length); got != tc.want {
			t.Fatalf("contains(%#x, %d) = %v, want %v", tc.addr, tc.length, got, tc.want)
		}
	}
}

func TestMemoryRegistryDescriptorLookup(t *testing.T) {
	p := simulated.New()
	ctx := newTestContext(t, p, "a", Options{})
	mem := ctx.Memory()

	regions := []struct {
		addr   uintptr
		length uint64
	}{
		{0x10000, 0x10000},
		{0x18000, 0x100},
		{0x40000, 0x1000},
	}
	for _, r := range regions {
		if err := ctx.RegisterMemoryRegion(r.addr, r.length, provider.AccessAll); err != nil {
			t.Fatalf("RegisterMemoryRegion(%#x): %v", r.addr, err)
		}
	}
	descOf := func(addr uintptr) unsafe.Pointer {
		return mem.regions[addr].mr.Descriptor()
	}

	cases := []struct {
		addr   uintptr
		length uint64
		want   uintptr // 0 for no covering region
	}{
		{0x10000, 0x10, 0x10000},
		{0x18050, 0x10, 0x18000},
		{0x18080, 0x100, 0x10000},
		{0x19000, 0x100, 0x10000},
		{0x1ff00, 0x200, 0},
		{0x40fff, 1, 0x40000},
		{0x41000, 1, 0},
		{0x08000, 1, 0},
	}
	for _, tc := range cases {
		got := mem.descriptor(tc.addr, tc.length)
		var want unsafe.Pointer
		if tc.want != 0 {
			want = descOf(tc.want)
		}
		if got != want {
			t.Fatalf("descriptor(%#x, %d) = %p, want region %#x", tc.addr, tc.length, got, tc.want)
		}
	}

	if err := ctx.UnregisterMemoryRegion(0x10000); err != nil {
		t.Fatalf("UnregisterMemoryRegion: %v", err)
	}
	if got := mem.descriptor(0x19000, 0x100); got != nil {
		t.Fatalf("descriptor survived unregister: %p", got)
	}
	if got := mem.descriptor(0x18010, 0x10); got != descOf(0x18000) {
		t.Fatalf("nested region lost after unregistering its parent: %p", got)
	}
}

func TestPreTouchMemoryKeepsContents(t *testing.T) {
	p := simulated.New()
	ctx := newTestContext(t, p, "a", Options{})

	for _, size := range []int{0, 1, 3, 4097, 3*os.Getpagesize() + 5} {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte(i*7 + 1)
		}
		ctx.PreTouchMemory(buf)
		for i := range buf {
			if buf[i] != byte(i*7+1) {
				t.Fatalf("size %d: byte %d changed to %#x", size, i, buf[i])
			}
		}
	}
	// unaligned view into a larger buffer
	backing := make([]byte, 8192)
	for i := range backing {
		backing[i] = 0xa5
	}
	ctx.PreTouchMemory(backing[1:8191])
	for i, b := range backing {
		if b != 0xa5 {
			t.Fatalf("byte %d changed to %#x", i, b)
		}
	}
}
