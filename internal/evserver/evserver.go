// Package evserver implements the event server of spec §4.6: it owns the
// multiplexer, the session table and the listen-key set, and implements
// accept, recv, send-completion, write-readiness, disconnect and the
// periodic timer tick that drives delayed ("attack") closes and paused-
// reader rearming.
package evserver

import (
	"crypto/tls"
	"time"

	"github.com/kipnet/aionet/internal/httpsess"
	"github.com/kipnet/aionet/internal/ioloop"
	"github.com/kipnet/aionet/internal/session"
	"github.com/kipnet/aionet/internal/tlssess"
	"github.com/kipnet/aionet/internal/wsframe"
	"github.com/pkg/errors"
)

// DisconnectReason discriminates why a session went away (spec §7).
type DisconnectReason int

const (
	ReasonLocalClose DisconnectReason = iota
	ReasonPeerClose
	ReasonProtocolError
	ReasonResourceExhausted
)

// Application is the set of callbacks the event server drives. Every
// method runs on the server's single owning goroutine (spec §5).
type Application interface {
	// ReadCapacity returns the maximum bytes the application will accept
	// on this key right now; 0 pauses reading (spec §4.2).
	ReadCapacity(key ioloop.Key) int
	// OnMessage delivers one parsed application message.
	OnMessage(key ioloop.Key, proto session.Protocol, payload []byte, wsOp int)
	// OnDisconnected notifies of session teardown.
	OnDisconnected(key ioloop.Key, reason DisconnectReason)
	// OnConnectFailed notifies of an outbound connect failure.
	OnConnectFailed(key ioloop.Key, err error)
	// OnEmfile is invoked once per accept-time EMFILE condition.
	OnEmfile()
	// TimerTick runs once per Runtime() call, before Wait.
	TimerTick()
}

// ListenPolicy configures how a listener's accepted sessions are treated.
type ListenPolicy struct {
	DocRoot   string      // HTTP document root, if this listener serves HTTP
	TLS       bool        // sessions on this listener start life as TLS (no sniff)
	Sniff     bool        // if true, run the TCP->TLS/HTTP sniff (spec §4.3); if false, stay raw TCP
	TLSConfig *tls.Config // required when TLS is true
	MaxDownload int64     // httpsess.MaxDownloadFile or the constrained variant; 0 means use the default
}

// Server is the spec §4.6 event server.
type Server struct {
	Mux ioloop.Multiplexer
	App Application

	sessions map[ioloop.Key]*Conn
	listens  map[ioloop.Key]ListenPolicy

	// attackGrace is spec §7's default 30s grace window before closing a
	// session that emitted malformed input.
	attackGrace time.Duration

	pendingClose []ioloop.Key
}

// New constructs a Server atop an already-open multiplexer.
func New(mux ioloop.Multiplexer, app Application) *Server {
	return &Server{
		Mux:         mux,
		App:         app,
		sessions:    map[ioloop.Key]*Conn{},
		listens:     map[ioloop.Key]ListenPolicy{},
		attackGrace: 30 * time.Second,
	}
}

// Listen adds a TCP listener under the given policy, returning its Key.
func (s *Server) Listen(port int, bindIP string, v6only bool, policy ListenPolicy) (ioloop.Key, error) {
	k, err := s.Mux.TCPListen(port, bindIP, v6only)
	if err != nil {
		return 0, err
	}
	s.listens[k] = policy
	return k, nil
}

// Sessions exposes the live session count, mainly for tests/metrics.
func (s *Server) Sessions() int { return len(s.sessions) }

// Send queues an application-initiated write to key: raw bytes for a TCP
// or HTTP session, or one WS data message (wsOp OpText/OpBinary; the
// encoder splits large messages into several frames) for a
// WS/WSS session. It is the application-driven counterpart to the
// dispatch-driven writes onHTTPBytes/onWSBytes enqueue directly.
func (s *Server) Send(key ioloop.Key, payload []byte, wsOp int) error {
	c, ok := s.sessions[key]
	if !ok || c.closing {
		return errors.New("evserver: unknown or closing session")
	}
	out := payload
	if wsOp >= 0 {
		if c.WSEnc == nil {
			return errors.New("evserver: session is not a WebSocket")
		}
		frame, err := c.WSEnc.Encode(wsframe.Opcode(wsOp), payload)
		if err != nil {
			return errors.Wrap(err, "evserver: encode ws frame")
		}
		out = frame
	}
	if err := c.Base.SendBuf.Append(out); err != nil {
		return errors.Wrap(err, "evserver: append to send buffer")
	}
	s.armWrite(key, c)
	return nil
}

// CloseKey is idempotent: calling it twice produces exactly one
// OnDisconnected callback (spec §8 property 8). The actual removal from the
// session table is deferred until after the current dispatch batch: the key
// is queued on pendingClose and removed by sweepDelayedCloses, matching spec
// §4.6's "close_key is safe during dispatch".
func (s *Server) CloseKey(key ioloop.Key, reason DisconnectReason) {
	c, ok := s.sessions[key]
	if !ok || c.closing {
		return
	}
	c.closing = true
	c.closeReason = reason
	s.pendingClose = append(s.pendingClose, key)
}

func (s *Server) finalizeClose(key ioloop.Key) {
	c, ok := s.sessions[key]
	if !ok {
		return
	}
	delete(s.sessions, key)
	s.Mux.CloseKey(key)
	c.Base.Close()
	s.App.OnDisconnected(key, c.closeReason)
}

// Runtime runs exactly one iteration of spec §4.6's loop: timer tick, wait,
// dispatch, delayed-close sweep.
func (s *Server) Runtime(timeoutMs int) error {
	s.App.TimerTick()

	events := make([]ioloop.Event, 256)
	n, err := s.Mux.Wait(events, timeoutMs)
	if err != nil {
		return errors.Wrap(err, "evserver: wait")
	}
	for i := 0; i < n; i++ {
		s.dispatch(events[i])
	}

	s.sweepDelayedCloses()
	s.rearmPausedReaders()
	return nil
}

// sweepDelayedCloses walks the pending-close list and the attack-grace
// sessions once per tick (spec §4.6 step 4, §7's grace window).
func (s *Server) sweepDelayedCloses() {
	for _, key := range s.pendingClose {
		s.finalizeClose(key)
	}
	s.pendingClose = s.pendingClose[:0]

	now := time.Now()
	for key, c := range s.sessions {
		if c.Base.Attack && now.Sub(c.Base.AttackSince) >= s.attackGrace {
			s.CloseKey(key, ReasonProtocolError)
		}
	}
	for _, key := range s.pendingClose {
		s.finalizeClose(key)
	}
	s.pendingClose = s.pendingClose[:0]
}

// rearmPausedReaders re-checks application read capacity for any session
// whose reads are currently paused, matching spec §4.2's "rearm on a ~5ms
// periodic tick once the application signals capacity".
func (s *Server) rearmPausedReaders() {
	for key, c := range s.sessions {
		if !c.Base.ReadPause {
			continue
		}
		if s.App.ReadCapacity(key) > 0 {
			c.Base.ReadPause = false
			s.Mux.ModifyInterest(key, true, c.Base.SendBuf.Size() > 0)
		}
	}
}

// Conn is the event server's view of one session: the protocol-upgrade
// Chain plus whatever extra decode state the active Layer needs.
type Conn struct {
	Base  *session.Base
	Chain *session.Chain

	closing     bool
	closeReason DisconnectReason

	listenKey ioloop.Key
	policy    ListenPolicy

	// TLS is non-nil once the session has sniffed or been configured as
	// TLS; it drives the handshake/record layer (spec §4.3, §6).
	TLS *tlssess.Session

	// WS decode/encode state, non-nil once the HTTP->WS upgrade completes
	// (spec §4.5).
	WSDec *wsframe.Decoder
	WSEnc *wsframe.Encoder

	// pendingJob is the in-flight chunked Range response, if any (spec
	// §4.4's onSendCompleted contract).
	pendingJob *httpsess.ChunkJob
}
