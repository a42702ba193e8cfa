package efa

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/rocketbitz/efa-transport/provider"
)

// DefaultMaxMRSize is the largest single registration accepted when no
// Limits are supplied (1 TiB).
const DefaultMaxMRSize uint64 = 1 << 40

// Limits supplies process-wide limits consulted at registration time.
type Limits interface {
	MaxMRSize() uint64
}

// StaticLimits is a fixed maximum registration size.
type StaticLimits uint64

// MaxMRSize returns l.
func (l StaticLimits) MaxMRSize() uint64 {
	return uint64(l)
}

type registeredRegion struct {
	addr   uintptr
	length uint64
	mr     provider.MemoryRegion
}

func (r *registeredRegion) contains(addr uintptr, length uint64) bool {
	if addr < r.addr {
		return false
	}
	offset := uint64(addr - r.addr)
	return offset < r.length && length <= r.length-offset
}

// MemoryRegistry tracks buffers registered with a domain, keyed by start
// address.
type MemoryRegistry struct {
	mu      sync.RWMutex
	domain  provider.Domain
	limits  Limits
	logger  Logger
	regions map[uintptr]*registeredRegion

	// starts is sorted; maxLen bounds how far below addr a covering
	// region can start.
	starts []uintptr
	maxLen uint64
}

func newMemoryRegistry(domain provider.Domain, limits Limits, logger Logger) *MemoryRegistry {
	return &MemoryRegistry{
		domain:  domain,
		limits:  limits,
		logger:  logger,
		regions: make(map[uintptr]*registeredRegion),
	}
}

// Register registers length bytes at addr. Lengths above the configured
// maximum are clamped. Access is always local and remote read/write whatever
// the caller asks for. Registering an address again replaces the previous
// registration.
func (r *MemoryRegistry) Register(addr uintptr, length uint64, access provider.Access) error {
	if addr == 0 || length == 0 {
		return fmt.Errorf("%w: register %#x (%d bytes)", ErrInvalidArgument, addr, length)
	}
	if limit := r.limits.MaxMRSize(); limit > 0 && length > limit {
		r.logger.Warnw("memory region length exceeds max_mr_size, clamping",
			"addr", fmt.Sprintf("%#x", addr), "length", length, "max_mr_size", limit)
		length = limit
	}
	if access != provider.AccessAll {
		r.logger.Debugw("memory region access normalized", "requested", access, "granted", provider.AccessAll)
	}

	mr, err := r.domain.RegisterMemory(addr, length, provider.AccessAll)
	if err != nil {
		return fmt.Errorf("%w: register %#x (%d bytes): %w", ErrContext, addr, length, err)
	}

	r.mu.Lock()
	prev := r.regions[addr]
	r.regions[addr] = &registeredRegion{addr: addr, length: length, mr: mr}
	if prev == nil {
		i, _ := slices.BinarySearch(r.starts, addr)
		r.starts = slices.Insert(r.starts, i, addr)
	}
	r.resizeLocked()
	r.mu.Unlock()

	if prev != nil {
		if err := prev.mr.Close(); err != nil {
			r.logger.Warnw("failed to release replaced memory region", "addr", fmt.Sprintf("%#x", addr), "error", err)
		}
	}
	return nil
}

// Unregister releases the registration starting at addr. Unknown addresses
// are ignored.
func (r *MemoryRegistry) Unregister(addr uintptr) error {
	r.mu.Lock()
	region, ok := r.regions[addr]
	if ok {
		delete(r.regions, addr)
		if i, found := slices.BinarySearch(r.starts, addr); found {
			r.starts = slices.Delete(r.starts, i, i+1)
		}
		r.resizeLocked()
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := region.mr.Close(); err != nil {
		return fmt.Errorf("%w: unregister %#x: %w", ErrContext, addr, err)
	}
	return nil
}

// RKey returns the remote key of the registration at addr, or 0.
func (r *MemoryRegistry) RKey(addr uintptr) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if region, ok := r.regions[addr]; ok {
		return region.mr.Key()
	}
	return 0
}

// LKey returns the local key of the registration at addr, or 0. Providers
// with provider-assigned keys use one key for both directions.
func (r *MemoryRegistry) LKey(addr uintptr) uint64 {
	return r.RKey(addr)
}

// Length returns the registered (possibly clamped) length at addr.
func (r *MemoryRegistry) Length(addr uintptr) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	region, ok := r.regions[addr]
	if !ok {
		return 0, false
	}
	return region.length, true
}

// Count reports the number of registrations.
func (r *MemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}

// descriptor returns the local descriptor of the registration covering
// [addr, addr+length), or nil.
func (r *MemoryRegistry) descriptor(addr uintptr, length uint64) unsafe.Pointer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Walk down from the closest start at or below addr; regions starting
	// more than maxLen below addr cannot cover it.
	i, found := slices.BinarySearch(r.starts, addr)
	if found {
		i++
	}
	for i--; i >= 0; i-- {
		start := r.starts[i]
		if uint64(addr-start) >= r.maxLen {
			break
		}
		if region := r.regions[start]; region.contains(addr, length) {
			return region.mr.Descriptor()
		}
	}
	return nil
}

func (r *MemoryRegistry) resizeLocked() {
	r.maxLen = 0
	for _, region := range r.regions {
		r.maxLen = max(r.maxLen, region.length)
	}
}

func (r *MemoryRegistry) closeAll() error {
	r.mu.Lock()
	regions := r.regions
	r.regions = make(map[uintptr]*registeredRegion)
	r.starts = nil
	r.maxLen = 0
	r.mu.Unlock()

	var errs error
	for addr, region := range regions {
		if err := region.mr.Close(); err != nil {
			r.logger.Errorw("failed to close memory region", "addr", fmt.Sprintf("%#x", addr), "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
