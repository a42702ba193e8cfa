// Package simulated provides an in-memory provider for tests and development.
//
// Every construction step can be made to fail through Fail or FailAfter, open
// handles are counted per kind, and RDMA writes complete immediately on the
// endpoint's transmit completion queue unless a write hook intervenes.
package simulated

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/efa-transport/provider"
)

// Name is the provider name reported by simulated devices.
const Name = "simulated"

// Step identifies a provider call that can be made to fail.
type Step string

const (
	StepDiscover       Step = "discover"
	StepOpenFabric     Step = "open_fabric"
	StepOpenDomain     Step = "open_domain"
	StepOpenAV         Step = "open_av"
	StepOpenCQ         Step = "open_cq"
	StepOpenEndpoint   Step = "open_endpoint"
	StepBindAV         Step = "bind_av"
	StepBindCQ         Step = "bind_cq"
	StepEnable         Step = "enable"
	StepName           Step = "name"
	StepRegisterMemory Step = "register_memory"
	StepInsert         Step = "av_insert"
	StepWrite          Step = "write"
)

// Kind classifies open handles.
type Kind string

const (
	KindInfo     Kind = "info"
	KindFabric   Kind = "fabric"
	KindDomain   Kind = "domain"
	KindAV       Kind = "av"
	KindCQ       Kind = "cq"
	KindEndpoint Kind = "endpoint"
	KindMR       Kind = "mr"
)

// CloseStep returns the step that fails Close on handles of kind.
func CloseStep(kind Kind) Step {
	return Step("close_" + string(kind))
}

// ErrInjected is the default error used by Fail when err is nil.
var ErrInjected = errors.New("simulated: injected failure")

var errForeign = errors.New("simulated: handle not created by this provider")

type fault struct {
	after int
	err   error
}

// WriteHook inspects a write before it is accepted. A non-nil error is
// returned to the caller and no completion is queued.
type WriteHook func(req provider.WriteRequest) error

// Provider is a simulated device provider. The zero value is not usable; use
// New.
type Provider struct {
	mu       sync.Mutex
	faults   map[Step]*fault
	open     map[Kind]int
	writes   []provider.WriteRequest
	hook     WriteHook
	complErr error
	nextAddr atomic.Uint64
	nextKey  atomic.Uint64
}

var _ provider.Provider = (*Provider)(nil)

// New returns a simulated provider with no faults configured.
func New() *Provider {
	return &Provider{
		faults: make(map[Step]*fault),
		open:   make(map[Kind]int),
	}
}

// Name returns "simulated".
func (p *Provider) Name() string {
	return Name
}

// Fail makes every subsequent call of step fail with err.
func (p *Provider) Fail(step Step, err error) {
	p.FailAfter(step, 0, err)
}

// FailAfter lets n calls of step succeed, then fails the rest with err.
func (p *Provider) FailAfter(step Step, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	p.mu.Lock()
	p.faults[step] = &fault{after: n, err: err}
	p.mu.Unlock()
}

// ClearFaults removes all configured faults.
func (p *Provider) ClearFaults() {
	p.mu.Lock()
	p.faults = make(map[Step]*fault)
	p.mu.Unlock()
}

// SetWriteHook installs fn to vet every write; nil removes it.
func (p *Provider) SetWriteHook(fn WriteHook) {
	p.mu.Lock()
	p.hook = fn
	p.mu.Unlock()
}

// SetCompletionError makes accepted writes complete with err; nil restores
// successful completions.
func (p *Provider) SetCompletionError(err error) {
	p.mu.Lock()
	p.complErr = err
	p.mu.Unlock()
}

// Writes returns a copy of every accepted write.
func (p *Provider) Writes() []provider.WriteRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.WriteRequest(nil), p.writes...)
}

// Open reports how many handles of kind are open.
func (p *Provider) Open(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[kind]
}

// OpenHandles reports the total number of open handles.
func (p *Provider) OpenHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.open {
		total += n
	}
	return total
}

func (p *Provider) check(step Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.faults[step]
	if !ok {
		return nil
	}
	if f.after > 0 {
		f.after--
		return nil
	}
	return fmt.Errorf("simulated %s: %w", step, f.err)
}

func (p *Provider) acquire(kind Kind) *handle {
	p.mu.Lock()
	p.open[kind]++
	p.mu.Unlock()
	return &handle{p: p, kind: kind}
}

// handle implements idempotent, fault-aware Close for every simulated object.
type handle struct {
	p      *Provider
	kind   Kind
	closed atomic.Bool
}

func (h *handle) isClosed() bool {
	return h.closed.Load()
}

func (h *handle) Close() error {
	if h.closed.Load() {
		return nil
	}
	if err := h.p.check(CloseStep(h.kind)); err != nil {
		return err
	}
	if h.closed.CompareAndSwap(false, true) {
		h.p.mu.Lock()
		h.p.open[h.kind]--
		h.p.mu.Unlock()
	}
	return nil
}

func (p *Provider) newAddress() []byte {
	raw := make([]byte, 16)
	copy(raw, "simefa\x00\x00")
	binary.BigEndian.PutUint64(raw[8:], p.nextAddr.Add(1))
	return raw
}

// Discover returns a descriptor for device.
func (p *Provider) Discover(device string) (provider.Info, error) {
	if err := p.check(StepDiscover); err != nil {
		return nil, err
	}
	return &Info{handle: p.acquire(KindInfo), device: device, src: p.newAddress()}, nil
}

// Info describes a simulated device.
type Info struct {
	*handle
	device string
	src    []byte
}

func (i *Info) ProviderName() string { return Name }

func (i *Info) DomainName() string { return i.device + "-rdm" }

func (i *Info) SourceAddr() []byte { return append([]byte(nil), i.src...) }

// OpenFabric opens a simulated fabric.
func (i *Info) OpenFabric() (provider.Fabric, error) {
	if i.isClosed() {
		return nil, provider.ErrClosed
	}
	if err := i.p.check(StepOpenFabric); err != nil {
		return nil, err
	}
	return &Fabric{handle: i.p.acquire(KindFabric)}, nil
}

// Fabric is a simulated fabric.
type Fabric struct {
	*handle
}

// OpenDomain opens a simulated domain.
func (f *Fabric) OpenDomain(info provider.Info) (provider.Domain, error) {
	if f.isClosed() {
		return nil, provider.ErrClosed
	}
	if _, ok := info.(*Info); !ok {
		return nil, errForeign
	}
	if err := f.p.check(StepOpenDomain); err != nil {
		return nil, err
	}
	return &Domain{handle: f.p.acquire(KindDomain)}, nil
}

// Domain is a simulated access domain.
type Domain struct {
	*handle
}

// OpenAddressVector opens an address vector holding at most attr.Count
// entries (unbounded when zero).
func (d *Domain) OpenAddressVector(attr provider.AVAttr) (provider.AddressVector, error) {
	if d.isClosed() {
		return nil, provider.ErrClosed
	}
	if err := d.p.check(StepOpenAV); err != nil {
		return nil, err
	}
	return &AddressVector{handle: d.p.acquire(KindAV), limit: attr.Count}, nil
}

// OpenCompletionQueue opens a completion queue.
func (d *Domain) OpenCompletionQueue(attr provider.CQAttr) (provider.CompletionQueue, error) {
	if d.isClosed() {
		return nil, provider.ErrClosed
	}
	if err := d.p.check(StepOpenCQ); err != nil {
		return nil, err
	}
	return &CompletionQueue{handle: d.p.acquire(KindCQ), size: attr.Size}, nil
}

// OpenEndpoint opens an endpoint.
func (d *Domain) OpenEndpoint(info provider.Info) (provider.Endpoint, error) {
	if d.isClosed() {
		return nil, provider.ErrClosed
	}
	if _, ok := info.(*Info); !ok {
		return nil, errForeign
	}
	if err := d.p.check(StepOpenEndpoint); err != nil {
		return nil, err
	}
	return &Endpoint{handle: d.p.acquire(KindEndpoint), addr: d.p.newAddress()}, nil
}

// RegisterMemory records a registration and hands out a fresh non-zero key.
func (d *Domain) RegisterMemory(addr uintptr, length uint64, access provider.Access) (provider.MemoryRegion, error) {
	if d.isClosed() {
		return nil, provider.ErrClosed
	}
	if addr == 0 || length == 0 {
		return nil, fmt.Errorf("simulated register_memory: empty region")
	}
	if err := d.p.check(StepRegisterMemory); err != nil {
		return nil, err
	}
	mr := &MemoryRegion{
		handle: d.p.acquire(KindMR),
		Addr:   addr,
		Length: length,
		Access: access,
		key:    d.p.nextKey.Add(1),
	}
	return mr, nil
}
