package ucp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Listener accepts UCP sessions on one or more UDP sockets, demuxing
// inbound frames by session-id (steady state) or by nonce (during the
// SYN/SYNR handshake), per spec §4.7.
type Listener struct {
	cfg   Config
	socks []net.PacketConn

	mu          sync.Mutex
	byNonce     map[[16]byte]*Session
	established map[uint32]*Session
	nextHighID  uint32
	closed      bool

	accept chan *Session
}

// Listen starts a UCP listener on one or more local UDP addresses. Multiple
// addresses stand up spec §4.7's multi-channel ingress: a client spraying
// SYNs across several of the server's addresses joins one session, its
// channels accumulating as each SYN arrives.
func Listen(laddrs []string, cfg Config) (*Listener, error) {
	if len(laddrs) == 0 {
		return nil, errors.New("ucp: no listen addresses given")
	}
	l := &Listener{
		cfg:         cfg,
		byNonce:     map[[16]byte]*Session{},
		established: map[uint32]*Session{},
		accept:      make(chan *Session, 64),
	}
	for _, laddr := range laddrs {
		conn, err := net.ListenPacket("udp", laddr)
		if err != nil {
			l.Close()
			return nil, errors.Wrapf(err, "ucp: listen %s", laddr)
		}
		if err := setDSCP(conn, cfg.DSCP); err != nil {
			l.Close()
			return nil, err
		}
		l.socks = append(l.socks, conn)
		go l.readLoop(conn)
	}
	return l, nil
}

func (l *Listener) readLoop(conn net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt, err := decodePacket(buf[:n])
		if err != nil {
			continue
		}
		l.dispatch(conn, addr, pkt)
	}
}

func (l *Listener) dispatch(conn net.PacketConn, addr net.Addr, pkt packet) {
	if pkt.cmd != cmdSYN {
		l.mu.Lock()
		sess, ok := l.established[pkt.sessionID]
		l.mu.Unlock()
		if !ok {
			fin := encodePacket(packet{sessionID: pkt.sessionID, cmd: cmdFIN})
			conn.WriteTo(fin, addr)
			return
		}
		sess.bindChannel(conn, addr)
		sess.onPacket(pkt, addr)
		return
	}

	var nonce [16]byte
	copy(nonce[:], pkt.payload)
	clientLow := uint32(pkt.sessionID) & 0xffff

	l.mu.Lock()
	sess, exists := l.byNonce[nonce]
	var fullID uint32
	var newSess *Session
	if !exists {
		l.nextHighID++
		fullID = (l.nextHighID << 16) | clientLow
		newSess = newSession(fullID, l.cfg, nil)
		l.byNonce[nonce] = newSess
		l.established[fullID] = newSess
		sess = newSess
	} else {
		fullID = sess.ID()
	}
	l.mu.Unlock()

	sess.bindChannel(conn, addr)

	synr := encodePacket(packet{sessionID: fullID, cmd: cmdSYNR})
	conn.WriteTo(synr, addr)

	if newSess != nil {
		select {
		case l.accept <- newSess:
		default:
		}
	}
}

// Accept returns the next established inbound session (spec §4.7's "no
// duplicate connected callback" guarantee: each session reaches here once,
// on its first SYN).
func (l *Listener) Accept() (*Session, error) {
	sess, ok := <-l.accept
	if !ok {
		return nil, errors.New("ucp: listener closed")
	}
	return sess, nil
}

// Close tears down every listening socket. Established sessions are left
// running; callers close them individually.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	socks := l.socks
	l.mu.Unlock()

	var firstErr error
	for _, s := range socks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
