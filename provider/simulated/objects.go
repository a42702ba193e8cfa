package simulated

import (
	"bytes"
	"fmt"
	"sync"
	"unsafe"

	"github.com/rocketbitz/efa-transport/provider"
)

// AddressVector is a simulated table address vector.
type AddressVector struct {
	*handle
	mu      sync.Mutex
	limit   uint64
	entries [][]byte
}

// Insert appends raw and returns its table index.
func (a *AddressVector) Insert(raw []byte) (provider.Address, error) {
	if a.isClosed() {
		return provider.AddressUnspecified, provider.ErrClosed
	}
	if len(raw) == 0 {
		return provider.AddressUnspecified, fmt.Errorf("simulated av_insert: empty address")
	}
	if err := a.p.check(StepInsert); err != nil {
		return provider.AddressUnspecified, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.live() >= a.limit {
		return provider.AddressUnspecified, fmt.Errorf("simulated av_insert: table full (%d entries)", a.limit)
	}
	a.entries = append(a.entries, append([]byte(nil), raw...))
	return provider.Address(len(a.entries) - 1), nil
}

func (a *AddressVector) live() uint64 {
	var n uint64
	for _, e := range a.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// Remove clears the entry at addr.
func (a *AddressVector) Remove(addr provider.Address) error {
	if a.isClosed() {
		return provider.ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr == provider.AddressUnspecified || uint64(addr) >= uint64(len(a.entries)) {
		return fmt.Errorf("simulated av_remove: unknown address %d", addr)
	}
	a.entries[addr] = nil
	return nil
}

// Lookup returns the raw address stored at addr.
func (a *AddressVector) Lookup(addr provider.Address) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr == provider.AddressUnspecified || uint64(addr) >= uint64(len(a.entries)) || a.entries[addr] == nil {
		return nil, false
	}
	return append([]byte(nil), a.entries[addr]...), true
}

// Contains reports whether raw is currently present.
func (a *AddressVector) Contains(raw []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e != nil && bytes.Equal(e, raw) {
			return true
		}
	}
	return false
}

// Len reports the number of live entries.
func (a *AddressVector) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.live())
}

// CompletionQueue is a simulated completion queue.
type CompletionQueue struct {
	*handle
	mu      sync.Mutex
	size    int
	entries []provider.Completion
}

// Read pops up to max completions.
func (c *CompletionQueue) Read(max int) ([]provider.Completion, error) {
	if c.isClosed() {
		return nil, provider.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if max <= 0 || max > len(c.entries) {
		max = len(c.entries)
	}
	if max == 0 {
		return nil, nil
	}
	out := append([]provider.Completion(nil), c.entries[:max]...)
	c.entries = c.entries[max:]
	return out, nil
}

// Push queues a completion, e.g. to simulate a late error.
func (c *CompletionQueue) Push(comp provider.Completion) {
	c.mu.Lock()
	c.entries = append(c.entries, comp)
	c.mu.Unlock()
}

// Depth reports the number of queued completions.
func (c *CompletionQueue) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Endpoint is a simulated RDM endpoint.
type Endpoint struct {
	*handle
	mu      sync.Mutex
	addr    []byte
	av      *AddressVector
	txCQ    *CompletionQueue
	rxCQ    *CompletionQueue
	enabled bool
}

// BindAddressVector binds av.
func (e *Endpoint) BindAddressVector(av provider.AddressVector) error {
	if e.isClosed() {
		return provider.ErrClosed
	}
	target, ok := av.(*AddressVector)
	if !ok {
		return errForeign
	}
	if err := e.p.check(StepBindAV); err != nil {
		return err
	}
	e.mu.Lock()
	e.av = target
	e.mu.Unlock()
	return nil
}

// BindCompletionQueue binds cq for the requested directions.
func (e *Endpoint) BindCompletionQueue(cq provider.CompletionQueue, flags provider.BindFlag) error {
	if e.isClosed() {
		return provider.ErrClosed
	}
	target, ok := cq.(*CompletionQueue)
	if !ok {
		return errForeign
	}
	if err := e.p.check(StepBindCQ); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if flags&provider.BindTransmit != 0 {
		e.txCQ = target
	}
	if flags&provider.BindRecv != 0 {
		e.rxCQ = target
	}
	return nil
}

// Enable requires an address vector and a transmit queue to be bound.
func (e *Endpoint) Enable() error {
	if e.isClosed() {
		return provider.ErrClosed
	}
	if err := e.p.check(StepEnable); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.av == nil || e.txCQ == nil {
		return fmt.Errorf("simulated enable: endpoint not fully bound")
	}
	e.enabled = true
	return nil
}

// Name returns the endpoint's simulated address.
func (e *Endpoint) Name() ([]byte, error) {
	if e.isClosed() {
		return nil, provider.ErrClosed
	}
	if err := e.p.check(StepName); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.addr...), nil
}

// Write accepts the request, records it and queues a completion on the
// transmit completion queue.
func (e *Endpoint) Write(req provider.WriteRequest) error {
	if e.isClosed() {
		return provider.ErrClosed
	}
	e.mu.Lock()
	enabled, av, cq := e.enabled, e.av, e.txCQ
	e.mu.Unlock()
	if !enabled {
		return fmt.Errorf("simulated write: endpoint not enabled")
	}
	if _, ok := av.Lookup(req.Dest); !ok {
		return fmt.Errorf("simulated write: destination %d not in address vector", req.Dest)
	}
	if err := e.p.check(StepWrite); err != nil {
		return err
	}
	if cq.size > 0 && cq.Depth() >= cq.size {
		return fmt.Errorf("simulated write: completion queue full: %w", provider.ErrAgain)
	}
	e.p.mu.Lock()
	hook, complErr := e.p.hook, e.p.complErr
	e.p.mu.Unlock()
	if hook != nil {
		if err := hook(req); err != nil {
			return err
		}
	}
	e.p.mu.Lock()
	e.p.writes = append(e.p.writes, req)
	e.p.mu.Unlock()
	cq.Push(provider.Completion{Context: req.Context, Length: req.Length, Err: complErr})
	return nil
}

// MemoryRegion is a simulated registration.
type MemoryRegion struct {
	*handle
	Addr   uintptr
	Length uint64
	Access provider.Access
	key    uint64
	desc   byte
}

// Key returns the registration key.
func (m *MemoryRegion) Key() uint64 {
	return m.key
}

// Descriptor returns a stable non-nil token unique to the region.
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	return unsafe.Pointer(&m.desc)
}

var (
	_ provider.Info            = (*Info)(nil)
	_ provider.Fabric          = (*Fabric)(nil)
	_ provider.Domain          = (*Domain)(nil)
	_ provider.AddressVector   = (*AddressVector)(nil)
	_ provider.CompletionQueue = (*CompletionQueue)(nil)
	_ provider.Endpoint        = (*Endpoint)(nil)
	_ provider.MemoryRegion    = (*MemoryRegion)(nil)
)
