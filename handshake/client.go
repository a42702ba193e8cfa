package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rocketbitz/efa-transport/efa"
)

const (
	// Path is the handshake route served by Server.
	Path = "/efa/v1/handshake"
	// HealthPath reports server liveness.
	HealthPath = "/healthz"
	// RequestIDHeader carries the per-handshake correlation id.
	RequestIDHeader = "X-Request-ID"

	// DefaultTimeout bounds a handshake round trip when the caller's context
	// has no deadline.
	DefaultTimeout = 5 * time.Second

	maxBodyBytes = 64 << 10
	tracerName   = "github.com/rocketbitz/efa-transport/handshake"
)

// ErrUnexpectedStatus reports a response other than 200 or 409.
var ErrUnexpectedStatus = errors.New("handshake: unexpected response status")

// Client delivers handshakes over HTTP. It implements efa.HandshakeTransport.
type Client struct {
	http    *http.Client
	scheme  string
	timeout time.Duration
	tracer  trace.Tracer
	logger  efa.Logger
}

var _ efa.HandshakeTransport = (*Client)(nil)

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithScheme sets the URL scheme, "http" by default.
func WithScheme(scheme string) ClientOption {
	return func(c *Client) {
		if scheme != "" {
			c.scheme = scheme
		}
	}
}

// WithTimeout bounds each round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTracerProvider sets the provider used for handshake spans.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger efa.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a handshake client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:    http.DefaultClient,
		scheme:  "http",
		timeout: DefaultTimeout,
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendHandshake posts desc to peerServer and returns the peer's reply. A
// rejection is returned as a reply with an empty ReplyMsg and a nil error.
func (c *Client) SendHandshake(ctx context.Context, peerServer string, desc efa.HandshakeDesc) (reply efa.HandshakeDesc, err error) {
	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "efa.handshake",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("efa.peer_server", peerServer),
			attribute.String("efa.local_nic_path", desc.LocalNICPath),
			attribute.String("efa.peer_nic_path", desc.PeerNICPath),
			attribute.String("efa.request_id", requestID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if reply.Rejected() {
			span.AddEvent("rejected")
		}
		span.End()
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(desc)
	if err != nil {
		return efa.HandshakeDesc{}, fmt.Errorf("handshake: encode: %w", err)
	}
	url := c.scheme + "://" + peerServer + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return efa.HandshakeDesc{}, fmt.Errorf("handshake: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warnw("handshake request failed", "peer_server", peerServer, "request_id", requestID, "error", err)
		return efa.HandshakeDesc{}, fmt.Errorf("handshake: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return efa.HandshakeDesc{}, fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, resp.Status, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&reply); err != nil {
		return efa.HandshakeDesc{}, fmt.Errorf("handshake: decode reply: %w", err)
	}
	if resp.StatusCode == http.StatusConflict {
		reply.ReplyMsg = ""
		c.logger.Infow("handshake rejected", "peer_server", peerServer, "request_id", requestID, "peer_nic_path", desc.PeerNICPath)
	}
	return reply, nil
}
