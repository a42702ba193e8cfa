package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/efa-transport/efa"
	"github.com/rocketbitz/efa-transport/provider/simulated"
)

type stubHandler struct {
	path  string
	reply efa.HandshakeDesc
	err   error

	mu  sync.Mutex
	got efa.HandshakeDesc
}

func (s *stubHandler) NICPath() string { return s.path }

func (s *stubHandler) HandleHandshake(_ context.Context, peer efa.HandshakeDesc) (efa.HandshakeDesc, error) {
	s.mu.Lock()
	s.got = peer
	s.mu.Unlock()
	return s.reply, s.err
}

func newTestServer(t *testing.T, handlers ...efa.HandshakeHandler) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	for _, h := range handlers {
		reg.Add(h)
	}
	srv := httptest.NewServer(NewServer(reg, zaptest.NewLogger(t).Sugar()))
	t.Cleanup(srv.Close)
	return srv, reg
}

func serverAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClientServerAccept(t *testing.T) {
	stub := &stubHandler{path: "b@efa0", reply: efa.HandshakeDesc{LocalNICPath: "b@efa0", PeerNICPath: "a@efa0", ReplyMsg: "beef"}}
	srv, _ := newTestServer(t, stub)

	client := NewClient()
	reply, err := client.SendHandshake(context.Background(), serverAddr(srv), efa.HandshakeDesc{
		LocalNICPath: "a@efa0", PeerNICPath: "b@efa0", ReplyMsg: "cafe",
	})
	if err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	if reply.ReplyMsg != "beef" || reply.LocalNICPath != "b@efa0" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	stub.mu.Lock()
	got := stub.got
	stub.mu.Unlock()
	if got.ReplyMsg != "cafe" || got.LocalNICPath != "a@efa0" {
		t.Fatalf("handler saw %+v", got)
	}
}

func TestClientServerRejection(t *testing.T) {
	stub := &stubHandler{
		path:  "b@efa0",
		reply: efa.HandshakeDesc{LocalNICPath: "b@efa0", ReplyMsg: "should-not-leak"},
		err:   efa.ErrHandshakeRejected,
	}
	srv, _ := newTestServer(t, stub)
	client := NewClient()

	reply, err := client.SendHandshake(context.Background(), serverAddr(srv), efa.HandshakeDesc{LocalNICPath: "a@efa0", PeerNICPath: "b@efa0", ReplyMsg: "cafe"})
	if err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	if !reply.Rejected() {
		t.Fatalf("expected rejection, got %+v", reply)
	}

	// unknown target nic path
	reply, err = client.SendHandshake(context.Background(), serverAddr(srv), efa.HandshakeDesc{LocalNICPath: "a@efa0", PeerNICPath: "z@efa9", ReplyMsg: "cafe"})
	if err != nil || !reply.Rejected() {
		t.Fatalf("expected rejection for unknown nic path, reply=%+v err=%v", reply, err)
	}
}

func TestClientServerInternalError(t *testing.T) {
	stub := &stubHandler{path: "b@efa0", err: errors.New("address vector full")}
	srv, _ := newTestServer(t, stub)

	_, err := NewClient().SendHandshake(context.Background(), serverAddr(srv), efa.HandshakeDesc{LocalNICPath: "a@efa0", PeerNICPath: "b@efa0", ReplyMsg: "cafe"})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestServerRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+Path, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServerHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubHandler{path: "b@efa0"})
	resp, err := http.Get(srv.URL + HealthPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["contexts"] != 1 {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestClientSendsRequestIDAndSpan(t *testing.T) {
	ids := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get(RequestIDHeader)
		writeJSON(w, http.StatusOK, efa.HandshakeDesc{LocalNICPath: "b@efa0", ReplyMsg: "beef"})
	}))
	defer srv.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	client := NewClient(WithTracerProvider(tp))
	if _, err := client.SendHandshake(context.Background(), serverAddr(srv), efa.HandshakeDesc{LocalNICPath: "a@efa0", PeerNICPath: "b@efa0", ReplyMsg: "cafe"}); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}
	seen := <-ids
	if seen == "" {
		t.Fatal("request id header not sent")
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "efa.handshake" {
		t.Fatalf("expected one handshake span, got %d", len(spans))
	}
	var found bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "efa.request_id" && attr.Value.AsString() == seen {
			found = true
		}
	}
	if !found {
		t.Fatal("span missing request id attribute")
	}
}

func TestClientUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := serverAddr(srv)
	srv.Close()

	if _, err := NewClient().SendHandshake(context.Background(), addr, efa.HandshakeDesc{LocalNICPath: "a@efa0"}); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestContextsConnectOverHTTP(t *testing.T) {
	p := simulated.New()
	srv, reg := newTestServer(t)
	addr := serverAddr(srv)

	responder := efa.NewContext(p, "efa0", efa.Options{ServerName: addr})
	if err := responder.Construct(efa.DefaultResourceConfig()); err != nil {
		t.Fatalf("Construct responder: %v", err)
	}
	defer responder.Deconstruct()
	reg.Add(responder)

	initiator := efa.NewContext(p, "efa0", efa.Options{ServerName: "10.0.0.9:12001", Handshake: NewClient()})
	if err := initiator.Construct(efa.DefaultResourceConfig()); err != nil {
		t.Fatalf("Construct initiator: %v", err)
	}
	defer initiator.Deconstruct()

	ep, err := initiator.Endpoint(responder.NICPath())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	defer ep.Release()

	slices := []*efa.Slice{{SourceAddr: 0x1000, Length: 64, DestAddr: 0x2000, DestKey: 3}}
	pending, failed, err := ep.SubmitPostSend(context.Background(), slices)
	if err != nil || len(pending) != 0 || len(failed) != 0 {
		t.Fatalf("SubmitPostSend: pending=%d failed=%d err=%v", len(pending), len(failed), err)
	}
	if !ep.Connected() || responder.TotalEndpoints() != 1 {
		t.Fatalf("expected both sides connected, responder endpoints=%d", responder.TotalEndpoints())
	}

	wrong, err := initiator.Endpoint(addr + "@efa1")
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	defer wrong.Release()
	if err := wrong.SetupConnectionsByActive(context.Background()); !errors.Is(err, efa.ErrHandshakeRejected) {
		t.Fatalf("expected rejection for unknown device, got %v", err)
	}
}
