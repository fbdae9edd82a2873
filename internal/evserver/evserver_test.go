package evserver

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/kipnet/aionet/internal/ioloop"
	"github.com/kipnet/aionet/internal/session"
)

// fakeMux is a minimal ioloop.Multiplexer stand-in that records outbound
// bytes per Key instead of touching real sockets, so the protocol pipeline
// can be exercised without a live listener.
type fakeMux struct {
	sent map[ioloop.Key][][]byte
}

func newFakeMux() *fakeMux { return &fakeMux{sent: map[ioloop.Key][][]byte{}} }

func (f *fakeMux) TCPListen(port int, bindIP string, v6only bool) (ioloop.Key, error) {
	return 0, nil
}
func (f *fakeMux) UDPListen(port int, bindIP string, v6only bool) (ioloop.Key, error) {
	return 0, nil
}
func (f *fakeMux) ModifyInterest(k ioloop.Key, wantRead, wantWrite bool) error { return nil }
func (f *fakeMux) CloseKey(k ioloop.Key) error                                { return nil }
func (f *fakeMux) Wait(events []ioloop.Event, timeoutMs int) (int, error)      { return 0, nil }
func (f *fakeMux) Close() error                                               { return nil }
func (f *fakeMux) Kind(k ioloop.Key) (ioloop.HandleKind, bool)                { return 0, false }
func (f *fakeMux) Accept(k ioloop.Key) (ioloop.Key, net.Addr, error)          { return 0, nil, ioloop.ErrWouldBlock }
func (f *fakeMux) Recv(k ioloop.Key, p []byte) (int, error)                  { return 0, ioloop.ErrWouldBlock }
func (f *fakeMux) Send(k ioloop.Key, p []byte) (int, error) {
	f.sent[k] = append(f.sent[k], append([]byte(nil), p...))
	return len(p), nil
}
func (f *fakeMux) RecvFrom(k ioloop.Key, p []byte) (int, net.Addr, error) { return 0, nil, nil }
func (f *fakeMux) SendTo(k ioloop.Key, p []byte, addr net.Addr) (int, error) {
	return len(p), nil
}

type fakeApp struct {
	messages    []string
	disconnects int
}

func (a *fakeApp) ReadCapacity(ioloop.Key) int { return 65536 }
func (a *fakeApp) OnMessage(key ioloop.Key, proto session.Protocol, payload []byte, wsOp int) {
	a.messages = append(a.messages, proto.String())
}
func (a *fakeApp) OnDisconnected(ioloop.Key, DisconnectReason) { a.disconnects++ }
func (a *fakeApp) OnConnectFailed(ioloop.Key, error)           {}
func (a *fakeApp) OnEmfile()                                   {}
func (a *fakeApp) TimerTick()                                  {}

func newTestConn(policy ListenPolicy) *Conn {
	base := session.NewBase(session.AllocKey(), session.ProtoHTTP, nopRawConn{}, nil, 0)
	return &Conn{Base: base, Chain: session.NewChain(base), policy: policy}
}

func TestOnHTTPBytesServesStaticFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	mux := newFakeMux()
	app := &fakeApp{}
	s := &Server{Mux: mux, App: app, sessions: map[ioloop.Key]*Conn{}, listens: map[ioloop.Key]ListenPolicy{}}

	c := newTestConn(ListenPolicy{DocRoot: dir})
	s.sessions[1] = c

	req := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	if err := s.onHTTPBytes(1, c, []byte(req)); err != nil {
		t.Fatalf("onHTTPBytes: %v", err)
	}
	if c.Base.SendBuf.Size() == 0 {
		t.Fatal("expected a response queued in SendBuf")
	}
	if len(app.messages) != 1 || app.messages[0] != "http" {
		t.Fatalf("expected one http OnMessage notification, got %v", app.messages)
	}

	s.handleWritable(1, c)
	if len(mux.sent[1]) == 0 {
		t.Fatal("expected bytes sent on the wire")
	}
}

func TestOnHTTPBytesUpgradesToWebSocket(t *testing.T) {
	mux := newFakeMux()
	app := &fakeApp{}
	s := &Server{Mux: mux, App: app, sessions: map[ioloop.Key]*Conn{}, listens: map[ioloop.Key]ListenPolicy{}}

	c := newTestConn(ListenPolicy{})
	s.sessions[1] = c

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if err := s.onHTTPBytes(1, c, []byte(req)); err != nil {
		t.Fatalf("onHTTPBytes: %v", err)
	}
	if c.Base.Protocol != session.ProtoWS {
		t.Fatalf("expected ProtoWS after upgrade, got %v", c.Base.Protocol)
	}
	if c.WSDec == nil || c.WSEnc == nil {
		t.Fatal("expected WS decoder/encoder to be set up")
	}
}

func TestCloseKeyIsIdempotent(t *testing.T) {
	mux := newFakeMux()
	app := &fakeApp{}
	s := New(mux, app)

	c := newTestConn(ListenPolicy{})
	s.sessions[1] = c

	s.CloseKey(1, ReasonLocalClose)
	s.CloseKey(1, ReasonLocalClose)
	s.sweepDelayedCloses()

	if s.Sessions() != 0 {
		t.Fatalf("expected session removed, got %d remaining", s.Sessions())
	}
	if app.disconnects != 1 {
		t.Fatalf("expected exactly one OnDisconnected, got %d", app.disconnects)
	}
}
