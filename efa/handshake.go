package efa

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

const nicPathSeparator = "@"

// MakeNICPath joins a server identity and a device name.
func MakeNICPath(server, device string) string {
	return server + nicPathSeparator + device
}

// ParseNICPath splits "<server>@<device>". Both parts must be non-empty.
func ParseNICPath(path string) (server, device string, err error) {
	server, device, ok := strings.Cut(path, nicPathSeparator)
	if !ok || server == "" || device == "" {
		return "", "", fmt.Errorf("%w: malformed nic path %q", ErrInvalidArgument, path)
	}
	return server, device, nil
}

// HandshakeDesc is the message exchanged to connect two endpoints. ReplyMsg
// carries the sender's endpoint address in hex; an empty ReplyMsg in a reply
// means the connection was rejected.
type HandshakeDesc struct {
	LocalNICPath string `json:"local_nic_path"`
	PeerNICPath  string `json:"peer_nic_path"`
	ReplyMsg     string `json:"reply_msg"`
}

// Rejected reports whether the descriptor is a rejection reply.
func (d HandshakeDesc) Rejected() bool {
	return d.ReplyMsg == ""
}

// HandshakeTransport delivers a handshake to the server named in a peer's NIC
// path and returns the peer's reply.
type HandshakeTransport interface {
	SendHandshake(ctx context.Context, peerServer string, desc HandshakeDesc) (HandshakeDesc, error)
}

// HandshakeFunc adapts a function to HandshakeTransport.
type HandshakeFunc func(ctx context.Context, peerServer string, desc HandshakeDesc) (HandshakeDesc, error)

// SendHandshake calls f.
func (f HandshakeFunc) SendHandshake(ctx context.Context, peerServer string, desc HandshakeDesc) (HandshakeDesc, error) {
	return f(ctx, peerServer, desc)
}

// HandshakeHandler answers passive handshakes. *Context implements it.
type HandshakeHandler interface {
	NICPath() string
	HandleHandshake(ctx context.Context, peer HandshakeDesc) (HandshakeDesc, error)
}

func encodeAddr(raw []byte) string {
	return hex.EncodeToString(raw)
}

func decodeAddr(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty peer address", ErrInvalidArgument)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: peer address: %w", ErrInvalidArgument, err)
	}
	return raw, nil
}
