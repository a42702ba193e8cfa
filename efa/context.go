package efa

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"go.uber.org/multierr"

	"github.com/rocketbitz/efa-transport/provider"
)

// ResourceConfig sizes the resources a Context acquires.
type ResourceConfig struct {
	// QueueCount is the number of completion queues.
	QueueCount int
	// CompletionChannels is accepted for parity with verbs devices; completion
	// queues run in polling mode.
	CompletionChannels int
	Port               uint8
	GIDIndex           int
	// MaxCQE is the depth of each completion queue.
	MaxCQE int
	// MaxEndpoints sizes the address vector.
	MaxEndpoints int
}

// DefaultResourceConfig returns the sizing used by the transfer engine.
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		QueueCount:         1,
		CompletionChannels: 1,
		Port:               1,
		GIDIndex:           0,
		MaxCQE:             4096,
		MaxEndpoints:       256,
	}
}

func (c ResourceConfig) validate() error {
	switch {
	case c.QueueCount < 1:
		return fmt.Errorf("%w: queue count %d", ErrInvalidArgument, c.QueueCount)
	case c.MaxCQE < 1:
		return fmt.Errorf("%w: max cqe %d", ErrInvalidArgument, c.MaxCQE)
	case c.MaxEndpoints < 1:
		return fmt.Errorf("%w: max endpoints %d", ErrInvalidArgument, c.MaxEndpoints)
	}
	return nil
}

// Options configures a Context.
type Options struct {
	// ServerName is the local server identity used in NIC paths.
	ServerName string
	Handshake  HandshakeTransport
	Logger     Logger
	Metrics    MetricHook
	// Limits defaults to DefaultMaxMRSize.
	Limits Limits
}

// Context owns the fabric resources of one device. The zero value is not
// usable; use NewContext.
type Context struct {
	provider provider.Provider
	device   string
	nicPath  string
	opts     Options
	logger   Logger
	metrics  MetricHook

	endpoints *EndpointStore
	creating  singleflight.Group

	mu          sync.RWMutex
	constructed bool
	resources   resourceStack
	info        provider.Info
	fabric      provider.Fabric
	domain      provider.Domain
	av          provider.AddressVector
	cqs         []provider.CompletionQueue
	registry    *MemoryRegistry
	config      ResourceConfig
}

// NewContext returns an unconstructed context for device.
func NewContext(p provider.Provider, device string, opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = nopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Limits == nil {
		opts.Limits = StaticLimits(DefaultMaxMRSize)
	}
	return &Context{
		provider:  p,
		device:    device,
		nicPath:   MakeNICPath(opts.ServerName, device),
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		endpoints: NewEndpointStore(),
	}
}

// Construct acquires every resource of the context. On failure everything
// acquired so far is released and the context stays unconstructed.
func (c *Context) Construct(cfg ResourceConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.constructed {
		return fmt.Errorf("%w: %s already constructed", ErrContext, c.device)
	}

	var stack resourceStack
	fail := func(step string, err error) error {
		_ = stack.unwind(c.logger)
		c.logger.Errorw("failed to construct efa context", "device", c.device, "step", step, "error", err)
		return fmt.Errorf("%w: %s: %s: %w", ErrContext, c.device, step, err)
	}

	info, err := c.provider.Discover(c.device)
	if err != nil {
		return fail("discover", err)
	}
	stack.push("info", info.Close)

	fabric, err := info.OpenFabric()
	if err != nil {
		return fail("open fabric", err)
	}
	stack.push("fabric", fabric.Close)

	domain, err := fabric.OpenDomain(info)
	if err != nil {
		return fail("open domain", err)
	}
	stack.push("domain", domain.Close)

	av, err := domain.OpenAddressVector(provider.AVAttr{Count: uint64(cfg.MaxEndpoints)})
	if err != nil {
		return fail("open address vector", err)
	}
	stack.push("address vector", av.Close)

	cqs := make([]provider.CompletionQueue, 0, cfg.QueueCount)
	for i := 0; i < cfg.QueueCount; i++ {
		cq, err := domain.OpenCompletionQueue(provider.CQAttr{Size: cfg.MaxCQE})
		if err != nil {
			return fail("open completion queue "+strconv.Itoa(i), err)
		}
		stack.push("completion queue "+strconv.Itoa(i), cq.Close)
		cqs = append(cqs, cq)
	}

	c.resources = stack
	c.info, c.fabric, c.domain, c.av, c.cqs = info, fabric, domain, av, cqs
	c.registry = newMemoryRegistry(domain, c.opts.Limits, c.logger)
	c.config = cfg
	c.constructed = true

	c.logger.Infow("efa context constructed",
		"device", c.device,
		"nic_path", c.nicPath,
		"provider", info.ProviderName(),
		"domain", info.DomainName(),
		"queues", cfg.QueueCount,
		"max_endpoints", cfg.MaxEndpoints)
	return nil
}

// Deconstruct disconnects and destroys all endpoints, then releases memory
// registrations, completion queues, the address vector, domain, fabric and
// provider metadata. Failures are logged and returned together; teardown
// always runs to the end. Calling it again is a no-op.
func (c *Context) Deconstruct() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.constructed {
		return nil
	}
	c.constructed = false

	c.endpoints.DisconnectAll()
	errs := c.endpoints.destroyAll()
	errs = multierr.Append(errs, c.registry.closeAll())
	errs = multierr.Append(errs, c.resources.unwind(c.logger))

	c.info, c.fabric, c.domain, c.av, c.cqs, c.registry = nil, nil, nil, nil, nil, nil
	if errs != nil {
		c.logger.Warnw("efa context torn down with errors", "device", c.device, "error", errs)
	} else {
		c.logger.Infow("efa context torn down", "device", c.device)
	}
	return errs
}

// Constructed reports whether the context holds its resources.
func (c *Context) Constructed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.constructed
}

// Device returns the device name.
func (c *Context) Device() string {
	return c.device
}

// NICPath returns "<server>@<device>".
func (c *Context) NICPath() string {
	return c.nicPath
}

// LocalAddr returns the device source address in hex, or "" before Construct.
func (c *Context) LocalAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return ""
	}
	return encodeAddr(c.info.SourceAddr())
}

// QueueCount returns the number of completion queues.
func (c *Context) QueueCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cqs)
}

// Memory returns the memory registry, or nil before Construct.
func (c *Context) Memory() *MemoryRegistry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

// RegisterMemoryRegion registers length bytes at addr with the domain.
func (c *Context) RegisterMemoryRegion(addr uintptr, length uint64, access provider.Access) error {
	registry := c.Memory()
	if registry == nil {
		return fmt.Errorf("%w: %s not constructed", ErrContext, c.device)
	}
	return registry.Register(addr, length, access)
}

// UnregisterMemoryRegion releases the registration starting at addr.
func (c *Context) UnregisterMemoryRegion(addr uintptr) error {
	registry := c.Memory()
	if registry == nil {
		return nil
	}
	return registry.Unregister(addr)
}

// RKey returns the remote key registered at addr, or 0.
func (c *Context) RKey(addr uintptr) uint64 {
	registry := c.Memory()
	if registry == nil {
		return 0
	}
	return registry.RKey(addr)
}

// LKey returns the local key registered at addr, or 0.
func (c *Context) LKey(addr uintptr) uint64 {
	registry := c.Memory()
	if registry == nil {
		return 0
	}
	return registry.LKey(addr)
}

// Endpoint returns the endpoint for peerNICPath, creating and constructing
// it on first use. The caller owns a reference and must Release it.
func (c *Context) Endpoint(peerNICPath string) (*Endpoint, error) {
	if peerNICPath == "" {
		return nil, fmt.Errorf("%w: empty peer nic path", ErrInvalidArgument)
	}
	if ep := c.endpoints.Get(peerNICPath); ep != nil && ep.retain() {
		return ep, nil
	}
	v, err, _ := c.creating.Do(peerNICPath, func() (any, error) {
		return c.createEndpoint(peerNICPath)
	})
	if err != nil {
		return nil, err
	}
	ep := v.(*Endpoint)
	if !ep.retain() {
		return nil, fmt.Errorf("%w: endpoint for %s evicted during lookup", ErrEndpoint, peerNICPath)
	}
	return ep, nil
}

func (c *Context) createEndpoint(peerNICPath string) (*Endpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.constructed {
		return nil, fmt.Errorf("%w: %s not constructed", ErrContext, c.device)
	}
	if ep := c.endpoints.Get(peerNICPath); ep != nil && !ep.destroyed.Load() {
		return ep, nil
	}

	ep := newEndpoint(c)
	if err := ep.Construct(c.cqs[0]); err != nil {
		c.logger.Errorw("failed to construct endpoint", "peer", peerNICPath, "error", err)
		return nil, err
	}
	ep.SetPeerNICPath(peerNICPath)
	c.endpoints.Add(peerNICPath, ep)
	c.logger.Debugw("endpoint created", "endpoint", ep.String(), "local_addr", ep.LocalAddr())
	return ep, nil
}

// DeleteEndpoint evicts the endpoint for peerNICPath. Holders of a reference
// keep a usable object until they release it.
func (c *Context) DeleteEndpoint(peerNICPath string) {
	c.endpoints.Remove(peerNICPath)
}

// DisconnectAllEndpoints disconnects every endpoint without evicting it.
func (c *Context) DisconnectAllEndpoints() {
	c.endpoints.DisconnectAll()
}

// TotalEndpoints reports the number of endpoints in the store.
func (c *Context) TotalEndpoints() int {
	return c.endpoints.Size()
}

// HandleHandshake answers a handshake received from a peer: it resolves the
// endpoint for the initiator and completes the passive side of the
// connection.
func (c *Context) HandleHandshake(_ context.Context, peer HandshakeDesc) (HandshakeDesc, error) {
	if peer.PeerNICPath != c.nicPath {
		c.metricConnectionFailed(ErrHandshakeRejected, modePassive)
		return HandshakeDesc{LocalNICPath: c.nicPath, PeerNICPath: peer.LocalNICPath},
			fmt.Errorf("%w: handshake for %s delivered to %s", ErrHandshakeRejected, peer.PeerNICPath, c.nicPath)
	}
	if _, _, err := ParseNICPath(peer.LocalNICPath); err != nil {
		return HandshakeDesc{LocalNICPath: c.nicPath}, err
	}
	ep, err := c.Endpoint(peer.LocalNICPath)
	if err != nil {
		return HandshakeDesc{LocalNICPath: c.nicPath, PeerNICPath: peer.LocalNICPath}, err
	}
	defer ep.Release()
	return ep.SetupConnectionsByPassive(peer)
}

// PollCompletions reaps up to limit completions from queue and settles the
// writes they belong to. It returns the number of completions reaped.
func (c *Context) PollCompletions(queue, limit int) (int, error) {
	c.mu.RLock()
	if !c.constructed {
		c.mu.RUnlock()
		return 0, fmt.Errorf("%w: %s not constructed", ErrContext, c.device)
	}
	if queue < 0 || queue >= len(c.cqs) {
		c.mu.RUnlock()
		return 0, fmt.Errorf("%w: completion queue %d out of range", ErrInvalidArgument, queue)
	}
	cq := c.cqs[queue]
	c.mu.RUnlock()

	comps, err := cq.Read(limit)
	if err != nil {
		return 0, fmt.Errorf("%w: poll completion queue %d: %w", ErrContext, queue, err)
	}
	for _, comp := range comps {
		w, ok := comp.Context.(*postedWrite)
		if !ok {
			c.logger.Warnw("completion for unknown context", "device", c.device, "context", comp.Context)
			continue
		}
		w.endpoint.completeWrite()
		if comp.Err != nil {
			c.logger.Errorw("rdma write completed with error",
				"endpoint", w.endpoint.String(), "length", w.slice.Length, "error", comp.Err)
			w.slice.MarkFailed(comp.Err)
			c.metricWriteFailed(comp.Err)
			continue
		}
		c.metricWriteCompleted()
	}
	return len(comps), nil
}

func (c *Context) metricAttrs(mode string) map[string]string {
	attrs := map[string]string{
		labelDevice:   c.device,
		labelProvider: c.provider.Name(),
	}
	if mode != "" {
		attrs[labelMode] = mode
	}
	return attrs
}

func (c *Context) metricConnectionEstablished(mode string) {
	c.metrics.ConnectionEstablished(c.metricAttrs(mode))
}

func (c *Context) metricConnectionFailed(err error, mode string) {
	c.metrics.ConnectionFailed(err, c.metricAttrs(mode))
}

func (c *Context) metricSlicePosted() {
	c.metrics.SlicePosted(c.metricAttrs(""))
}

func (c *Context) metricSliceDeferred() {
	c.metrics.SliceDeferred(c.metricAttrs(""))
}

func (c *Context) metricSliceFailed(err error) {
	c.metrics.SliceFailed(err, c.metricAttrs(""))
}

func (c *Context) metricWriteCompleted() {
	c.metrics.WriteCompleted(c.metricAttrs(""))
}

func (c *Context) metricWriteFailed(err error) {
	c.metrics.WriteFailed(err, c.metricAttrs(""))
}
