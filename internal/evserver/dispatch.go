package evserver

import (
	"bytes"
	"io"

	"github.com/kipnet/aionet/internal/httpsess"
	"github.com/kipnet/aionet/internal/ioloop"
	"github.com/kipnet/aionet/internal/session"
	"github.com/kipnet/aionet/internal/tlssess"
	"github.com/kipnet/aionet/internal/wsframe"
)

// recvBufSize is the per-call read size; spec §5 bounds a single dispatch
// step so one session can never monopolize the server thread indefinitely.
const recvBufSize = 64 << 10

// nopRawConn satisfies session.rawConn without owning anything: the actual
// OS handle lifecycle belongs to the Multiplexer (Mux.CloseKey), not to
// Base, since evserver addresses connections purely by ioloop.Key.
type nopRawConn struct{}

func (nopRawConn) Close() error { return nil }

func maxDownload(p ListenPolicy) int64 {
	if p.MaxDownload > 0 {
		return p.MaxDownload
	}
	return httpsess.MaxDownloadFile
}

// dispatch routes one multiplexer event to the accept, read or write path
// (spec §4.1/§4.6).
func (s *Server) dispatch(ev ioloop.Event) {
	kind, ok := s.Mux.Kind(ev.Key)
	if !ok {
		return // key already torn down this tick
	}
	if kind == ioloop.KindTCPListen || kind == ioloop.KindUDP {
		if ev.Kind&ioloop.Readable != 0 {
			s.acceptLoop(ev.Key)
		}
		return
	}

	c, ok := s.sessions[ev.Key]
	if !ok || c.closing {
		return
	}

	if ev.Kind&ioloop.ErrorHangup != 0 {
		s.CloseKey(ev.Key, ReasonPeerClose)
		return
	}
	if ev.Kind&ioloop.Readable != 0 && !c.Base.ReadPause {
		s.handleReadable(ev.Key, c)
	}
	if c.closing {
		return
	}
	if ev.Kind&ioloop.Writable != 0 {
		s.handleWritable(ev.Key, c)
	}
}

// acceptLoop drains every pending accept on a listener in one pass, since
// level-triggered readiness would otherwise require a second Wait() round
// trip per queued connection (spec §4.1).
func (s *Server) acceptLoop(listenKey ioloop.Key) {
	policy := s.listens[listenKey]
	for {
		ck, peer, err := s.Mux.Accept(listenKey)
		if err != nil {
			if err == ioloop.ErrWouldBlock {
				return
			}
			s.App.OnEmfile()
			return
		}

		base := session.NewBase(session.AllocKey(), session.ProtoTCP, nopRawConn{}, peer, uint64(listenKey))
		base.Status = session.StatusConnected
		c := &Conn{Base: base, Chain: session.NewChain(base), listenKey: listenKey, policy: policy}
		if policy.TLS {
			base.Protocol = session.ProtoTLS
			c.TLS = tlssess.Server(policy.TLSConfig)
		}
		s.sessions[ck] = c
		s.Mux.ModifyInterest(ck, true, false)
	}
}

// handleReadable drains all currently available bytes on key, matching
// spec §4.1's level-triggered read loop, and feeds them through the
// protocol pipeline (TLS decrypt, then TCP sniff / HTTP parse / WS frame).
func (s *Server) handleReadable(key ioloop.Key, c *Conn) {
	buf := make([]byte, recvBufSize)
	for {
		capacity := s.App.ReadCapacity(key)
		if capacity <= 0 {
			c.Base.ReadPause = true
			s.Mux.ModifyInterest(key, false, c.Base.SendBuf.Size() > 0)
			return
		}
		if capacity > len(buf) {
			capacity = len(buf)
		}
		n, err := s.Mux.Recv(key, buf[:capacity])
		if n > 0 {
			c.Base.Touch()
			if ferr := s.onBytes(key, c, buf[:n]); ferr != nil {
				c.Base.MarkAttack()
				return
			}
			if c.closing {
				return
			}
		}
		if err != nil {
			if err == ioloop.ErrWouldBlock {
				return
			}
			if err == io.EOF {
				s.CloseKey(key, ReasonPeerClose)
				return
			}
			s.CloseKey(key, ReasonPeerClose)
			return
		}
		if n == 0 {
			return
		}
	}
}

// onBytes is the protocol pipeline entry point: it applies the TLS decrypt
// stage (if active) and then dispatches on the session's current Protocol
// tag, performing the TCP->TLS/HTTP and HTTP->WS upgrades spec §4.3
// describes in place.
func (s *Server) onBytes(key ioloop.Key, c *Conn, raw []byte) error {
	if c.TLS != nil {
		app, outcome, toWire, err := c.TLS.Feed(raw)
		if len(toWire) > 0 {
			c.Base.SendBuf.Append(toWire)
			s.armWrite(key, c)
		}
		if err != nil {
			return err
		}
		switch outcome {
		case tlssess.HandshakeComplete:
			c.Base.Status = session.StatusTLSHandshakeDone
			return nil
		case tlssess.NeedMore, tlssess.OKNoOutput:
			return nil
		case tlssess.AppData:
			// First plaintext bytes after a successful handshake upgrade
			// the session straight to HTTPS: this listener only ever
			// carries HTTP/WS over TLS (spec §4.3's TLS -> HTTPS step).
			if c.Base.Protocol == session.ProtoTLS {
				c.Base.Protocol = session.ProtoHTTPS
			}
			raw = app
		}
	}

	switch c.Base.Protocol {
	case session.ProtoTCP:
		if !c.policy.Sniff {
			s.App.OnMessage(key, session.ProtoTCP, raw, -1)
			return nil
		}
		c.Base.ParseBuf = append(c.Base.ParseBuf, raw...)
		if proto, ok := c.Chain.TrySniffTCP(); ok {
			switch proto {
			case session.ProtoTLS:
				c.Base.Protocol = session.ProtoTLS
				c.TLS = tlssess.Server(c.policy.TLSConfig)
				pending := c.Base.ParseBuf
				c.Base.ParseBuf = nil
				return s.onBytes(key, c, pending)
			case session.ProtoHTTP:
				c.Base.Protocol = session.ProtoHTTP
				return s.onHTTPBytes(key, c, nil)
			}
			return nil
		}
		pb := c.Base.ParseBuf
		if len(pb) < 3 || bytes.HasPrefix([]byte("GET "), pb) ||
			bytes.HasPrefix([]byte("HEAD "), pb) || bytes.HasPrefix([]byte("POST "), pb) {
			return nil // not enough bytes yet to decide; wait for more
		}
		s.App.OnMessage(key, session.ProtoTCP, c.Base.ParseBuf, -1)
		c.Base.ParseBuf = nil
		return nil

	case session.ProtoHTTP, session.ProtoHTTPS:
		return s.onHTTPBytes(key, c, raw)

	case session.ProtoWS, session.ProtoWSS:
		return s.onWSBytes(key, c, raw)

	default:
		return nil
	}
}

// onHTTPBytes incrementally parses requests out of ParseBuf, serving each
// one (spec §4.4) and performing the WS upgrade (spec §4.5) when asked.
func (s *Server) onHTTPBytes(key ioloop.Key, c *Conn, raw []byte) error {
	if raw != nil {
		c.Base.ParseBuf = append(c.Base.ParseBuf, raw...)
	}
	for {
		req, consumed, err := httpsess.ParseRequest(c.Base.ParseBuf)
		if err != nil {
			return err
		}
		if consumed == 0 {
			return nil
		}
		c.Base.ParseBuf = c.Base.ParseBuf[consumed:]

		if httpsess.IsWebSocketUpgrade(req) {
			result := httpsess.BuildUpgradeResponse(req)
			c.Base.SendBuf.Append(result.Response)
			s.armWrite(key, c)
			if !result.OK {
				return nil
			}
			proto := session.ProtoWS
			if c.Base.Protocol == session.ProtoHTTPS {
				proto = session.ProtoWSS
			}
			c.Base.Protocol = proto
			c.WSDec = &wsframe.Decoder{IsClient: true, Extension: result.Extension}
			c.WSEnc = &wsframe.Encoder{IsClient: false, Extension: result.Extension}
			pending := c.Base.ParseBuf
			c.Base.ParseBuf = nil
			if len(pending) > 0 {
				return s.onWSBytes(key, c, pending)
			}
			return nil
		}

		resp, err := httpsess.ServeStatic(req, c.policy.DocRoot, maxDownload(c.policy))
		if err != nil {
			return err
		}
		if err := c.Base.SendBuf.Append(resp.Header); err != nil {
			return err
		}
		if len(resp.Body) > 0 {
			if err := c.Base.SendBuf.Append(resp.Body); err != nil {
				return err
			}
		}
		if resp.Job != nil {
			c.pendingJob = resp.Job
			c.Base.SetPendingSend(true)
		}
		if resp.Close {
			c.Base.CloseAfterFlush = true
		}
		s.armWrite(key, c)
		s.App.OnMessage(key, c.Base.Protocol, nil, -1)
	}
}

// onWSBytes decodes frames, answers ping/close control frames directly
// (spec §4.5 step 7) and forwards data messages to the application.
func (s *Server) onWSBytes(key ioloop.Key, c *Conn, raw []byte) error {
	var msgs []wsframe.Message
	if err := c.WSDec.Feed(raw, &msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		switch m.Opcode {
		case wsframe.OpClose:
			frame, _ := c.WSEnc.Encode(wsframe.OpClose, m.Payload)
			c.Base.SendBuf.Append(frame)
			c.Base.CloseAfterFlush = true
			s.armWrite(key, c)
		case wsframe.OpPing:
			frame, _ := c.WSEnc.Encode(wsframe.OpPong, m.Payload)
			c.Base.SendBuf.Append(frame)
			s.armWrite(key, c)
		case wsframe.OpPong:
			// liveness only, nothing to do
		default:
			s.App.OnMessage(key, c.Base.Protocol, m.Payload, int(m.Opcode))
		}
	}
	return nil
}

// armWrite enables write-readiness interest once SendBuf holds bytes.
func (s *Server) armWrite(key ioloop.Key, c *Conn) {
	s.Mux.ModifyInterest(key, !c.Base.ReadPause, c.Base.SendBuf.Size() > 0)
}

// handleWritable drains as much of SendBuf as the socket will currently
// accept, then resumes a chunked send job or honours a deferred close
// (spec §4.2 back-pressure, §4.4 onSendCompleted).
func (s *Server) handleWritable(key ioloop.Key, c *Conn) {
	for {
		chunk := c.Base.SendBuf.PeekContiguous()
		if len(chunk) == 0 {
			break
		}
		n, err := s.Mux.Send(key, chunk)
		if n > 0 {
			c.Base.SendBuf.Consume(n)
			c.Base.Touch()
		}
		if err != nil {
			if err == ioloop.ErrWouldBlock {
				return
			}
			s.CloseKey(key, ReasonPeerClose)
			return
		}
		if n < len(chunk) {
			return // partial write; remaining bytes wait for next Writable
		}
	}

	if c.Base.HasPendingSend() && c.pendingJob != nil {
		data, done, err := c.pendingJob.Next()
		if err != nil {
			s.CloseKey(key, ReasonProtocolError)
			return
		}
		if len(data) > 0 {
			c.Base.SendBuf.Append(data)
		}
		if done {
			c.pendingJob = nil
			c.Base.SetPendingSend(false)
		}
		s.Mux.ModifyInterest(key, !c.Base.ReadPause, true)
		return
	}

	if c.Base.CloseAfterFlush {
		s.CloseKey(key, ReasonLocalClose)
		return
	}

	s.Mux.ModifyInterest(key, !c.Base.ReadPause, false)
}
