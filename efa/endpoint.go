package efa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/efa-transport/provider"
)

// Status is the connection state of an Endpoint.
type Status int32

const (
	StatusInitializing Status = iota
	StatusUnconnected
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusUnconnected:
		return "unconnected"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Endpoint is the connection from a Context to one peer NIC.
//
// Connection setup and Disconnect are serialized by the endpoint; Status is
// lock-free. SubmitPostSend is not serialized: callers submit one stream per
// endpoint at a time.
type Endpoint struct {
	ctx      *Context
	info     provider.Info
	domain   provider.Domain
	av       provider.AddressVector
	registry *MemoryRegistry

	mu          sync.RWMutex
	status      atomic.Int32
	ep          provider.Endpoint
	localAddr   []byte
	peerNICPath string
	peerAddr    atomic.Uint64

	outstanding atomic.Int64
	refs        atomic.Int32
	destroyed   atomic.Bool
}

func newEndpoint(ctx *Context) *Endpoint {
	e := &Endpoint{
		ctx:      ctx,
		info:     ctx.info,
		domain:   ctx.domain,
		av:       ctx.av,
		registry: ctx.registry,
	}
	e.peerAddr.Store(uint64(provider.AddressUnspecified))
	e.refs.Store(1)
	return e
}

// Construct opens the provider endpoint, binds it to the context's address
// vector and to cq for transmit and receive completions, enables it and
// records its address. It may only be called once.
func (e *Endpoint) Construct(cq provider.CompletionQueue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Status() != StatusInitializing || e.ep != nil {
		return fmt.Errorf("%w: endpoint already constructed", ErrEndpoint)
	}
	if cq == nil {
		return fmt.Errorf("%w: nil completion queue", ErrEndpoint)
	}

	ep, err := e.domain.OpenEndpoint(e.info)
	if err != nil {
		return fmt.Errorf("%w: open endpoint: %w", ErrEndpoint, err)
	}
	fail := func(step string, err error) error {
		if cerr := ep.Close(); cerr != nil {
			e.ctx.logger.Warnw("failed to close endpoint after setup error", "step", step, "error", cerr)
		}
		return fmt.Errorf("%w: %s: %w", ErrEndpoint, step, err)
	}
	if err := ep.BindAddressVector(e.av); err != nil {
		return fail("bind address vector", err)
	}
	if err := ep.BindCompletionQueue(cq, provider.BindTransmit); err != nil {
		return fail("bind transmit queue", err)
	}
	if err := ep.BindCompletionQueue(cq, provider.BindRecv); err != nil {
		return fail("bind receive queue", err)
	}
	if err := ep.Enable(); err != nil {
		return fail("enable", err)
	}
	addr, err := ep.Name()
	if err != nil {
		return fail("get name", err)
	}

	e.ep = ep
	e.localAddr = addr
	e.status.Store(int32(StatusUnconnected))
	return nil
}

// Status returns the connection state.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

// Connected reports whether the endpoint has a resolved peer address.
func (e *Endpoint) Connected() bool {
	return e.Status() == StatusConnected
}

// LocalAddr returns the endpoint's address in lowercase hex.
func (e *Endpoint) LocalAddr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return encodeAddr(e.localAddr)
}

// PeerNICPath returns the peer this endpoint connects to.
func (e *Endpoint) PeerNICPath() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peerNICPath
}

// PeerAddress returns the resolved address-vector handle of the peer, or
// provider.AddressUnspecified.
func (e *Endpoint) PeerAddress() provider.Address {
	return provider.Address(e.peerAddr.Load())
}

// SetPeerNICPath sets the peer path, dropping any existing connection.
func (e *Endpoint) SetPeerNICPath(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Connected() {
		e.ctx.logger.Warnw("previous connection will be discarded", "endpoint", e.stringLocked(), "new_peer", path)
		e.disconnectLocked()
	}
	e.peerNICPath = path
}

// SetupConnectionsByActive connects to the peer, performing the handshake
// when the peer is remote. It is a no-op when already connected. The
// endpoint lock is not held while the handshake is in flight, so the peer
// may connect passively in the meantime.
func (e *Endpoint) SetupConnectionsByActive(ctx context.Context) error {
	e.mu.Lock()
	if err := e.connectableLocked(); err != nil || e.Connected() {
		e.mu.Unlock()
		return err
	}

	if e.peerNICPath == e.ctx.NICPath() {
		defer e.mu.Unlock()
		if err := e.installPeerAddrLocked(encodeAddr(e.localAddr)); err != nil {
			e.ctx.metricConnectionFailed(err, modeLoopback)
			return err
		}
		e.ctx.logger.Debugw("loopback connection established", "endpoint", e.stringLocked())
		e.ctx.metricConnectionEstablished(modeLoopback)
		return nil
	}

	peerPath := e.peerNICPath
	local := HandshakeDesc{
		LocalNICPath: e.ctx.NICPath(),
		PeerNICPath:  peerPath,
		ReplyMsg:     encodeAddr(e.localAddr),
	}
	name := e.stringLocked()
	e.mu.Unlock()

	peerServer, _, err := ParseNICPath(peerPath)
	if err != nil {
		e.ctx.metricConnectionFailed(err, modeActive)
		return err
	}
	transport := e.ctx.opts.Handshake
	if transport == nil {
		e.ctx.metricConnectionFailed(ErrNoHandshakeTransport, modeActive)
		return ErrNoHandshakeTransport
	}

	reply, err := transport.SendHandshake(ctx, peerServer, local)
	if err != nil {
		e.ctx.logger.Errorw("handshake failed", "endpoint", name, "peer_server", peerServer, "error", err)
		e.ctx.metricConnectionFailed(err, modeActive)
		return fmt.Errorf("handshake with %s: %w", peerServer, err)
	}
	if reply.Rejected() {
		e.ctx.logger.Errorw("handshake rejected by peer", "endpoint", name, "peer_server", peerServer)
		e.ctx.metricConnectionFailed(ErrHandshakeRejected, modeActive)
		return fmt.Errorf("%w: by %s", ErrHandshakeRejected, peerPath)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.connectableLocked(); err != nil {
		return err
	}
	if e.peerNICPath != peerPath {
		return fmt.Errorf("%w: peer changed from %s to %s during handshake", ErrEndpoint, peerPath, e.peerNICPath)
	}
	if e.Connected() {
		// the peer's own handshake got here first
		return nil
	}
	if err := e.installPeerAddrLocked(reply.ReplyMsg); err != nil {
		e.ctx.metricConnectionFailed(err, modeActive)
		return err
	}
	e.ctx.logger.Infow("connection established", "endpoint", e.stringLocked(), "mode", modeActive)
	e.ctx.metricConnectionEstablished(modeActive)
	return nil
}

func (e *Endpoint) connectableLocked() error {
	if e.Status() == StatusInitializing {
		return fmt.Errorf("%w: endpoint not constructed", ErrEndpoint)
	}
	if e.destroyed.Load() {
		return fmt.Errorf("%w: endpoint destroyed", ErrEndpoint)
	}
	return nil
}

// SetupConnectionsByPassive answers a handshake from peer. The returned
// descriptor is the reply to send back; on rejection its ReplyMsg is empty
// and the endpoint's state is unchanged.
func (e *Endpoint) SetupConnectionsByPassive(peer HandshakeDesc) (HandshakeDesc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reply := HandshakeDesc{LocalNICPath: e.ctx.NICPath(), PeerNICPath: e.peerNICPath}
	if e.Status() == StatusInitializing || e.destroyed.Load() {
		return reply, fmt.Errorf("%w: endpoint not ready", ErrEndpoint)
	}
	if peer.PeerNICPath != e.ctx.NICPath() || peer.LocalNICPath != e.peerNICPath {
		e.ctx.logger.Errorw("invalid handshake message",
			"endpoint", e.stringLocked(), "peer_local", peer.LocalNICPath, "peer_target", peer.PeerNICPath)
		e.ctx.metricConnectionFailed(ErrHandshakeRejected, modePassive)
		return reply, fmt.Errorf("%w: nic path mismatch (%s -> %s)", ErrHandshakeRejected, peer.LocalNICPath, peer.PeerNICPath)
	}
	if peer.ReplyMsg == "" {
		e.ctx.metricConnectionFailed(ErrHandshakeRejected, modePassive)
		return reply, fmt.Errorf("%w: empty peer address from %s", ErrHandshakeRejected, peer.LocalNICPath)
	}
	if _, err := decodeAddr(peer.ReplyMsg); err != nil {
		e.ctx.logger.Errorw("malformed peer address", "endpoint", e.stringLocked(), "error", err)
		e.ctx.metricConnectionFailed(ErrHandshakeRejected, modePassive)
		return reply, fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}

	if e.Connected() {
		e.ctx.logger.Warnw("re-establishing connection", "endpoint", e.stringLocked())
	}
	if err := e.installPeerAddrLocked(peer.ReplyMsg); err != nil {
		e.ctx.metricConnectionFailed(err, modePassive)
		return reply, err
	}
	reply.ReplyMsg = encodeAddr(e.localAddr)
	e.ctx.logger.Infow("connection established", "endpoint", e.stringLocked(), "mode", modePassive)
	e.ctx.metricConnectionEstablished(modePassive)
	return reply, nil
}

// installPeerAddrLocked inserts hexAddr into the address vector and makes it
// the peer address, releasing any previous one. On failure the endpoint keeps
// its previous address and state.
func (e *Endpoint) installPeerAddrLocked(hexAddr string) error {
	raw, err := decodeAddr(hexAddr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEndpoint, err)
	}
	addr, err := e.av.Insert(raw)
	if err != nil {
		e.ctx.logger.Errorw("failed to insert peer address", "endpoint", e.stringLocked(), "error", err)
		return fmt.Errorf("%w: insert peer address: %w", ErrEndpoint, err)
	}
	prev := provider.Address(e.peerAddr.Swap(uint64(addr)))
	if prev != provider.AddressUnspecified && prev != addr {
		e.removePeerAddrLocked(prev)
	}
	e.status.Store(int32(StatusConnected))
	return nil
}

func (e *Endpoint) removePeerAddrLocked(addr provider.Address) {
	if err := e.av.Remove(addr); err != nil && !errors.Is(err, provider.ErrClosed) {
		e.ctx.logger.Debugw("failed to remove peer address", "endpoint", e.stringLocked(), "error", err)
	}
}

// Disconnect drops the resolved peer address. The provider endpoint stays
// open and the endpoint may reconnect.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
}

func (e *Endpoint) disconnectLocked() {
	if addr := provider.Address(e.peerAddr.Swap(uint64(provider.AddressUnspecified))); addr != provider.AddressUnspecified {
		e.removePeerAddrLocked(addr)
	}
	if e.Status() == StatusConnected {
		e.status.Store(int32(StatusUnconnected))
	}
}

// SubmitPostSend posts an RDMA write for every slice. Slices accepted by the
// provider are marked successful and dropped; slices that hit a full queue
// are returned in pending for a later retry; slices that fail are marked
// failed and returned in failed. When no connection can be established every
// slice fails and the connection error is returned.
func (e *Endpoint) SubmitPostSend(ctx context.Context, slices []*Slice) (pending, failed []*Slice, err error) {
	peer := provider.Address(e.peerAddr.Load())
	if !e.Connected() || peer == provider.AddressUnspecified {
		if err := e.SetupConnectionsByActive(ctx); err != nil {
			for _, s := range slices {
				s.MarkFailed(err)
				e.ctx.metricSliceFailed(err)
			}
			return nil, slices, err
		}
		peer = provider.Address(e.peerAddr.Load())
	}

	for _, s := range slices {
		req := provider.WriteRequest{
			Local:      s.SourceAddr,
			Length:     s.Length,
			Descriptor: e.registry.descriptor(s.SourceAddr, s.Length),
			Dest:       peer,
			RemoteAddr: s.DestAddr,
			RemoteKey:  s.DestKey,
			Context:    &postedWrite{endpoint: e, slice: s},
		}
		werr := e.ep.Write(req)
		switch {
		case werr == nil:
			e.outstanding.Add(1)
			s.MarkSuccess()
			e.ctx.metricSlicePosted()
		case errors.Is(werr, provider.ErrAgain):
			pending = append(pending, s)
			e.ctx.metricSliceDeferred()
		default:
			e.ctx.logger.Errorw("rdma write failed", "endpoint", e.String(), "length", s.Length, "error", werr)
			s.MarkFailed(werr)
			failed = append(failed, s)
			e.ctx.metricSliceFailed(werr)
		}
	}
	return pending, failed, nil
}

// Outstanding returns the number of posted writes not yet completed.
func (e *Endpoint) Outstanding() int64 {
	return e.outstanding.Load()
}

// HasOutstandingSlice reports whether posted writes await completion.
func (e *Endpoint) HasOutstandingSlice() bool {
	return e.outstanding.Load() > 0
}

func (e *Endpoint) completeWrite() {
	e.outstanding.Add(-1)
}

// Release drops the caller's reference. The provider endpoint is closed when
// the last reference goes away.
func (e *Endpoint) Release() {
	if e.refs.Add(-1) == 0 {
		if err := e.destroy(); err != nil {
			e.ctx.logger.Warnw("failed to close endpoint", "endpoint", e.String(), "error", err)
		}
	}
}

func (e *Endpoint) retain() bool {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *Endpoint) destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectLocked()
	if e.ep == nil {
		return nil
	}
	return e.ep.Close()
}

func (e *Endpoint) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stringLocked()
}

func (e *Endpoint) stringLocked() string {
	return "efa endpoint[" + e.ctx.NICPath() + " <-> " + e.peerNICPath + "]"
}
