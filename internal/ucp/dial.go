package ucp

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Dial opens a UCP session to one or more remote addresses, spraying SYN on
// every one and adopting the full session-id from whichever SYNR arrives
// first (spec §4.7's connection establishment). A single address is the
// common case; more than one exercises multi-channel spray from dial time.
func Dial(raddrs []string, cfg Config) (*Session, error) {
	if len(raddrs) == 0 {
		return nil, errors.New("ucp: no remote addresses given")
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "ucp: generating nonce")
	}
	var lowBuf [2]byte
	if _, err := rand.Read(lowBuf[:]); err != nil {
		return nil, errors.Wrap(err, "ucp: generating session-id")
	}
	clientLow := uint32(lowBuf[0])<<8 | uint32(lowBuf[1])

	chans := make([]*channel, 0, len(raddrs))
	for _, raddr := range raddrs {
		addr, err := net.ResolveUDPAddr("udp", raddr)
		if err != nil {
			return nil, errors.Wrapf(err, "ucp: resolve %s", raddr)
		}
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, errors.Wrap(err, "ucp: open channel socket")
		}
		if err := setDSCP(conn, cfg.DSCP); err != nil {
			return nil, err
		}
		chans = append(chans, &channel{conn: conn, peer: addr})
	}

	syn := encodePacket(packet{sessionID: clientLow, cmd: cmdSYN, payload: nonce[:]})
	for _, c := range chans {
		c.send(syn)
	}

	fullID, err := waitForSYNR(chans, 3*time.Second)
	if err != nil {
		for _, c := range chans {
			c.conn.Close()
		}
		return nil, err
	}

	sess := newSession(fullID, cfg, chans)
	for _, c := range chans {
		go dialChannelLoop(c.conn, sess)
	}
	return sess, nil
}

// waitForSYNR races reads across every channel until one yields a SYNR, or
// the handshake times out.
func waitForSYNR(chans []*channel, timeout time.Duration) (uint32, error) {
	type result struct {
		id  uint32
		err error
	}
	resCh := make(chan result, len(chans))
	deadline := time.Now().Add(timeout)

	for _, c := range chans {
		go func(conn net.PacketConn) {
			buf := make([]byte, 2048)
			for time.Now().Before(deadline) {
				conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
				n, _, err := conn.ReadFrom(buf)
				if err != nil {
					continue
				}
				pkt, err := decodePacket(buf[:n])
				if err != nil {
					continue
				}
				if pkt.cmd == cmdSYNR {
					resCh <- result{id: pkt.sessionID}
					return
				}
			}
			resCh <- result{err: errors.New("ucp: handshake timeout on channel")}
		}(c.conn)
	}

	for range chans {
		r := <-resCh
		if r.err == nil {
			return r.id, nil
		}
	}
	return 0, errors.New("ucp: dial handshake timed out on every channel")
}

func dialChannelLoop(conn net.PacketConn, sess *Session) {
	conn.SetReadDeadline(time.Time{})
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
		if pkt.sessionID != sess.ID() {
			continue
		}
		sess.onPacket(pkt, addr)
	}
}
