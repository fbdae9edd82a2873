package ucp

import (
	"bytes"
	"encoding/binary"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kipnet/aionet/internal/snmp"
)

// channel is one UDP socket a Session sprays packets across (spec §4.7's
// "a set of UDP endpoints over which the session is sprayed").
type channel struct {
	conn net.PacketConn
	peer net.Addr
}

func (c *channel) send(b []byte) {
	c.conn.WriteTo(b, c.peer)
}

// outEntry is one retransmit-queue entry: an encoded frame plus the
// bookkeeping the retransmission policy needs.
type outEntry struct {
	seq     uint64
	wire    []byte
	sentAt  time.Time
	retry   int
}

// DisconnectReason mirrors evserver's discriminant for UCP teardown causes
// (spec §4's "UCP disconnects carry a discriminant: graceful-fin / error /
// timeout").
type DisconnectReason int

const (
	ReasonFIN DisconnectReason = iota
	ReasonError
	ReasonTimeout
)

// Session is one logical UCP connection: ordered delivery, selective ACK,
// fast retransmit and multi-channel spray over a set of UDP sockets (spec
// §4.7, §3's "UCP session" data model).
type Session struct {
	id       uint32
	channels []*channel
	cfg      Config

	mu           sync.Mutex
	nextSendSeq  uint64
	sendQueue    map[uint64]*outEntry
	peerMaxAcked uint64

	nextRecvSeq uint64
	recvBuf     map[uint64][]byte
	peerMaxRecv uint64
	ackSentFor  uint64
	ackSentN    int

	fecSend *fecSender
	fecRecv *fecReceiver

	readMu  sync.Mutex
	readBuf bytes.Buffer
	readCond *sync.Cond

	lastSendAt time.Time
	closed     bool
	closeCh    chan struct{}
	closeOnce  sync.Once
	reason     DisconnectReason

	onClosed func(*Session, DisconnectReason)
}

func newSession(id uint32, cfg Config, chans []*channel) *Session {
	s := &Session{
		id:         id,
		channels:   chans,
		cfg:        cfg,
		sendQueue:  map[uint64]*outEntry{},
		recvBuf:    map[uint64][]byte{},
		closeCh:    make(chan struct{}),
		lastSendAt: time.Now(),
	}
	s.readCond = sync.NewCond(&s.readMu)
	if cfg.DataShard > 0 && cfg.ParityShard > 0 {
		s.fecSend, _ = newFECSender(cfg.DataShard, cfg.ParityShard)
		s.fecRecv, _ = newFECReceiver(cfg.DataShard, cfg.ParityShard)
	}
	atomic.AddUint64(&snmp.DefaultStats.SessionsEstablished, 1)
	go s.updater()
	return s
}

// ID returns the session's 32-bit id (low 16 client-allocated, high 16
// server-allocated, per spec §4.7's handshake).
func (s *Session) ID() uint32 { return s.id }

// Write splits p into packets of up to the configured payload ceiling,
// optionally encrypts each, assigns monotonically increasing
// seqs, and transmits every packet on every channel (spec §4.7's send
// path). It blocks only long enough to acquire the session lock; when the
// retransmit queue is at InFlightCap it returns ErrWouldBlock immediately,
// matching spec §4.7's "further send calls return would block".
func (s *Session) Write(p []byte) (int, error) {
	limit := maxPacket
	if s.cfg.MTU > 0 && s.cfg.MTU-headerSize < limit {
		limit = s.cfg.MTU - headerSize
	}

	total := len(p)
	for len(p) > 0 {
		n := limit
		if n > len(p) {
			n = len(p)
		}
		chunk := p[:n]
		p = p[n:]

		s.mu.Lock()
		if len(s.sendQueue) >= s.cfg.InFlightCap {
			s.mu.Unlock()
			return 0, ErrWouldBlock
		}
		seq := s.nextSendSeq
		s.nextSendSeq++

		payload := append([]byte(nil), chunk...)
		if s.cfg.Crypt != nil {
			enc := make([]byte, len(payload))
			s.cfg.Crypt.Encrypt(enc, payload)
			payload = enc
		}

		wire := encodePacket(packet{sessionID: s.id, seq: seq, cmd: cmdDAT, payload: payload})
		s.sendQueue[seq] = &outEntry{seq: seq, wire: wire, sentAt: time.Now()}
		s.lastSendAt = time.Now()

		var parity [][]byte
		if s.fecSend != nil {
			parity = s.fecSend.add(seq, payload)
		}
		s.mu.Unlock()

		atomic.AddUint64(&snmp.DefaultStats.PacketsSent, 1)
		atomic.AddUint64(&snmp.DefaultStats.BytesSent, uint64(len(payload)))
		s.spray(wire)
		if parity != nil {
			groupBase := (seq / uint64(s.cfg.DataShard)) * uint64(s.cfg.DataShard)
			for i, shard := range parity {
				pw := make([]byte, 1+len(shard))
				pw[0] = byte(s.cfg.DataShard + i)
				copy(pw[1:], shard)
				frame := encodePacket(packet{sessionID: s.id, seq: groupBase, cmd: cmdDATR, payload: pw})
				atomic.AddUint64(&snmp.DefaultStats.FECParitySent, 1)
				s.spray(frame)
			}
		}
	}
	return total, nil
}

// bindChannel registers conn/addr as one of the session's channels if it
// isn't already known, matching spec §4.7's "subsequent SYNs on other
// channels ... refresh the peer-address binding for that channel".
func (s *Session) bindChannel(conn net.PacketConn, addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.conn == conn && c.peer.String() == addr.String() {
			return
		}
	}
	s.channels = append(s.channels, &channel{conn: conn, peer: addr})
}

func (s *Session) spray(wire []byte) {
	s.mu.Lock()
	chans := make([]*channel, len(s.channels))
	copy(chans, s.channels)
	s.mu.Unlock()
	for _, c := range chans {
		c.send(wire)
	}
}

// Read drains reassembled, in-order application bytes, blocking until some
// are available or the session closes.
func (s *Session) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for s.readBuf.Len() == 0 && !s.closed {
		s.readCond.Wait()
	}
	if s.readBuf.Len() == 0 && s.closed {
		return 0, errClosed(s.reason)
	}
	return s.readBuf.Read(p)
}

func errClosed(reason DisconnectReason) error {
	switch reason {
	case ReasonTimeout:
		return ErrTimeout
	case ReasonFIN:
		return ErrClosed
	default:
		return ErrClosed
	}
}

// deliver pushes reassembled bytes to Read and wakes any blocked reader.
func (s *Session) deliver(b []byte) {
	s.readMu.Lock()
	s.readBuf.Write(b)
	s.readCond.Broadcast()
	s.readMu.Unlock()
}

// onPacket is invoked by the listener/channel readLoop for every frame that
// decodes cleanly and matches this session's id.
func (s *Session) onPacket(p packet, from net.Addr) {
	atomic.AddUint64(&snmp.DefaultStats.PacketsRecv, 1)
	atomic.AddUint64(&snmp.DefaultStats.BytesRecv, uint64(len(p.payload)))
	switch p.cmd {
	case cmdDAT:
		s.onDAT(p.seq, p.payload)
	case cmdDATR:
		s.onDATR(p.seq, p.payload)
	case cmdACK:
		s.onACK(p.seq, p.payload)
	case cmdHRT:
		// liveness only; no action needed beyond having received traffic.
	case cmdFIN:
		s.teardown(ReasonFIN)
	}
}

func (s *Session) decryptPayload(payload []byte) []byte {
	if s.cfg.Crypt == nil {
		return payload
	}
	out := make([]byte, len(payload))
	s.cfg.Crypt.Decrypt(out, payload)
	return out
}

func (s *Session) onDAT(seq uint64, payload []byte) {
	s.mu.Lock()
	if s.fecRecv != nil {
		s.fecRecv.onDAT(seq, payload)
	}
	force := false
	switch {
	case seq < s.nextRecvSeq:
		force = true
	case seq == s.nextRecvSeq:
		s.acceptInOrder(seq, payload)
		force = true
	default:
		if _, dup := s.recvBuf[seq]; !dup {
			s.recvBuf[seq] = payload
		}
		if seq > s.peerMaxRecv {
			s.peerMaxRecv = seq
		}
	}
	s.mu.Unlock()
	if force {
		s.sendACK(true)
	}
}

// acceptInOrder delivers seq and any consecutive buffered successors,
// advancing nextRecvSeq. Caller holds s.mu.
func (s *Session) acceptInOrder(seq uint64, payload []byte) {
	s.deliver(s.decryptPayload(payload))
	s.nextRecvSeq = seq + 1
	for {
		next, ok := s.recvBuf[s.nextRecvSeq]
		if !ok {
			break
		}
		delete(s.recvBuf, s.nextRecvSeq)
		s.deliver(s.decryptPayload(next))
		s.nextRecvSeq++
	}
}

func (s *Session) onDATR(baseSeq uint64, payload []byte) {
	if s.fecRecv == nil {
		return
	}
	s.mu.Lock()
	recoveredShards := s.fecRecv.onDATR(baseSeq, payload)
	if len(recoveredShards) > 0 {
		atomic.AddUint64(&snmp.DefaultStats.FECRecovered, uint64(len(recoveredShards)))
	}
	for _, r := range recoveredShards {
		if r.seq < s.nextRecvSeq {
			continue
		}
		if r.seq == s.nextRecvSeq {
			s.acceptInOrder(r.seq, r.payload)
		} else if _, dup := s.recvBuf[r.seq]; !dup {
			s.recvBuf[r.seq] = r.payload
			if r.seq > s.peerMaxRecv {
				s.peerMaxRecv = r.seq
			}
		}
	}
	s.mu.Unlock()
}

func (s *Session) onACK(ackSeq uint64, payload []byte) {
	atomic.AddUint64(&snmp.DefaultStats.ACKsRecv, 1)
	s.mu.Lock()
	for seq := range s.sendQueue {
		if seq <= ackSeq {
			delete(s.sendQueue, seq)
		}
	}
	if ackSeq > s.peerMaxAcked {
		s.peerMaxAcked = ackSeq
	}
	if len(payload) >= 8 {
		maxSeq := binary.BigEndian.Uint64(payload[:8])
		delete(s.sendQueue, maxSeq)
		// maxSeq is the greatest out-of-order seq the peer has seen, i.e.
		// spec's peer_max_acked for the fast-retransmit gap test: a hole
		// below maxSeq with later seqs selectively acked must still count
		// as "acked past it" even though ackSeq (the cumulative ack-up-to)
		// stops at the hole.
		if maxSeq > s.peerMaxAcked {
			s.peerMaxAcked = maxSeq
		}
	}
	s.mu.Unlock()
}

// sendACK emits a cumulative ACK: seq carries ack-up-to (nextRecvSeq-1),
// payload carries the greatest out-of-order seq seen so far. Repeated for
// the same ack-up-to value at most 3 times unless forced (spec §4.7).
func (s *Session) sendACK(forced bool) {
	s.mu.Lock()
	if s.nextRecvSeq == 0 {
		// nothing received in order yet: there is no ack-up-to value, and
		// seq 0 would tell the peer its first packet arrived.
		s.mu.Unlock()
		return
	}
	ackUpTo := s.nextRecvSeq - 1
	if !forced {
		if ackUpTo == s.ackSentFor && s.ackSentN >= 3 {
			s.mu.Unlock()
			return
		}
	}
	if ackUpTo == s.ackSentFor {
		s.ackSentN++
	} else {
		s.ackSentFor = ackUpTo
		s.ackSentN = 1
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, s.peerMaxRecv)
	s.mu.Unlock()

	wire := encodePacket(packet{sessionID: s.id, seq: ackUpTo, cmd: cmdACK, payload: payload})
	atomic.AddUint64(&snmp.DefaultStats.ACKsSent, 1)
	s.spray(wire)
}

// updater drives the retransmit scan, periodic ACK, and heartbeat (spec
// §4.7: ~5ms retransmit tick, 20s heartbeat idle threshold).
func (s *Session) updater() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.sendACK(false)

	s.mu.Lock()
	if time.Since(s.lastSendAt) >= s.cfg.HeartbeatIdle {
		s.lastSendAt = time.Now()
		wire := encodePacket(packet{sessionID: s.id, cmd: cmdHRT})
		s.mu.Unlock()
		s.spray(wire)
		s.mu.Lock()
	}

	entries := make([]*outEntry, 0, len(s.sendQueue))
	for _, e := range s.sendQueue {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	budget := s.cfg.RetransmitBudget
	var toResend [][]byte
	var teardown bool
	now := time.Now()
	for _, e := range entries {
		if budget <= 0 {
			break
		}
		rto := time.Duration(s.cfg.BaseRTO) * time.Millisecond * time.Duration(1<<uint(e.retry))
		fast := e.retry == 0 && s.peerMaxAcked >= e.seq+s.cfg.FastRetransmitDelta
		if now.Sub(e.sentAt) < rto && !fast {
			continue
		}
		e.retry++
		e.sentAt = now
		if e.retry > s.cfg.MaxRetries {
			teardown = true
			break
		}
		if fast {
			atomic.AddUint64(&snmp.DefaultStats.FastRetransmits, 1)
		} else {
			atomic.AddUint64(&snmp.DefaultStats.Retransmits, 1)
		}
		toResend = append(toResend, e.wire)
		budget--
	}
	s.mu.Unlock()

	for _, wire := range toResend {
		s.spray(wire)
	}
	if teardown {
		s.teardown(ReasonTimeout)
	}
}

// Close sends a fire-and-forget FIN on every channel and drops session
// state immediately (spec §4.7: "FIN is fire-and-forget").
func (s *Session) Close() error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	wire := encodePacket(packet{sessionID: id, cmd: cmdFIN})
	s.spray(wire)
	s.teardown(ReasonFIN)
	return nil
}

func (s *Session) teardown(reason DisconnectReason) {
	s.closeOnce.Do(func() {
		switch reason {
		case ReasonTimeout:
			atomic.AddUint64(&snmp.DefaultStats.SessionsTimedOut, 1)
		default:
			atomic.AddUint64(&snmp.DefaultStats.SessionsClosed, 1)
		}
		s.readMu.Lock()
		s.closed = true
		s.reason = reason
		s.readCond.Broadcast()
		s.readMu.Unlock()
		close(s.closeCh)
		if s.onClosed != nil {
			s.onClosed(s, reason)
		}
	})
}

// LocalAddr/RemoteAddr report the primary channel's endpoints, for parity
// with net.Conn (smux only needs io.ReadWriteCloser, but callers logging
// session identity want these).
func (s *Session) LocalAddr() net.Addr {
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[0].conn.LocalAddr()
}

func (s *Session) RemoteAddr() net.Addr {
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[0].peer
}

// Stream returns the byte-stream callers should actually read/write:
// s itself, or s wrapped in snappy framing when cfg.Compress is set
// (spec §9's optional payload compression, grounded on std/comp.go's
// CompStream wrapper applied here to a UCP session instead of a KCP one).
func (s *Session) Stream() interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
} {
	if s.cfg.Compress {
		return NewCompStream(s)
	}
	return s
}
