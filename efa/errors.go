package efa

import "errors"

var (
	// ErrContext reports a failure constructing or using a Context.
	ErrContext = errors.New("efa: context error")
	// ErrEndpoint reports a failure constructing or connecting an Endpoint.
	ErrEndpoint = errors.New("efa: endpoint error")
	// ErrInvalidArgument reports malformed input such as a bad NIC path.
	ErrInvalidArgument = errors.New("efa: invalid argument")
	// ErrHandshakeRejected reports that a handshake was refused by either side.
	ErrHandshakeRejected = errors.New("efa: handshake rejected")
	// ErrNoHandshakeTransport reports an active connect without a transport.
	ErrNoHandshakeTransport = errors.New("efa: no handshake transport configured")
)
