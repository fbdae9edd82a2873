// Package session implements the per-connection state object shared by
// every protocol layer (spec §3, §4.3): identity, protocol tag, status,
// parse/send buffers, and the upgrade chain that lets a session mutate in
// place from raw TCP into TLS, HTTP, WS or WSS while preserving any bytes
// that were already buffered.
package session

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/kipnet/aionet/internal/sendbuf"
)

// Protocol is the session's protocol tag (spec §3).
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoTLS
	ProtoHTTP
	ProtoHTTPS
	ProtoWS
	ProtoWSS
	ProtoListen // distinguished tag so the event server can iterate listeners uniformly
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	case ProtoHTTP:
		return "http"
	case ProtoHTTPS:
		return "https"
	case ProtoWS:
		return "ws"
	case ProtoWSS:
		return "wss"
	case ProtoListen:
		return "listen"
	default:
		return "unknown"
	}
}

// Status is the session's connection status (spec §3).
type Status int

const (
	StatusPre Status = iota
	StatusConnecting
	StatusConnected
	StatusTLSHandshakeDone
	StatusAppReady
)

// Msg is the tag returned by a protocol layer's OnRecvBytes (spec §4.3).
type Msg int

const (
	MsgNone Msg = iota // need more bytes
	MsgTCP             // opaque passthrough
	MsgHTTP
	MsgWS
	MsgErr // hard kill
)

// nextKey hands out process-wide unique, never-colliding session keys
// (spec §3's "stable integer key unique within the server"). It is a plain
// atomic counter with no live-key set: a uint64 counter never wraps in a
// server's lifetime, so keys never collide.
var nextKey uint64

// AllocKey returns the next process-wide session key.
func AllocKey() uint64 {
	return atomic.AddUint64(&nextKey, 1)
}

// Base is the common per-connection state every protocol layer embeds.
// It is deliberately a plain struct, not an interface hierarchy: spec §9
// notes the upgrade chain is implemented in the teacher language via
// virtual-base + move-construct, and that a tagged-variant session in a
// systems language is an equally valid translation. Go's idiom is a single
// owner struct mutated in place (Protocol/Status change, payload swapped),
// which is what Base does.
type Base struct {
	Key         uint64
	Protocol    Protocol
	ConnectOut  bool // true for sessions created by an explicit outbound Connect
	Status      Status
	PeerAddr    net.Addr
	ListenKey   uint64 // dispatch tag: the listener that produced this session, 0 if none

	ParseBuf  []byte // growing buffer of not-yet-parsed ingress
	SendBuf   *sendbuf.Buffer
	ReadPause bool

	LastIO    time.Time
	Connected time.Time
	LastErr   time.Time

	Ext interface{} // opaque application extension data, destroyed with the session

	Attack      bool      // set on protocol error; scheduled for delayed close (spec §7)
	AttackSince time.Time

	// CloseAfterFlush marks a session for close once SendBuf drains to
	// empty: HTTP's Connection: close and a WS close-frame echo both set
	// this instead of closing immediately, so the outbound bytes are not
	// truncated (spec §4.4, §4.5).
	CloseAfterFlush bool

	fd       rawConn
	hasPendingSend bool // application declared a pending send job (spec §4.4 onSendCompleted)
}

// rawConn is the minimal fd-owning surface a Base needs; net.Conn satisfies
// it along with the syscall-level handles used by internal/ioloop.
type rawConn interface {
	Close() error
}

// NewBase constructs a Base for a freshly accepted or connected socket.
func NewBase(key uint64, proto Protocol, conn rawConn, peer net.Addr, listenKey uint64) *Base {
	now := time.Now()
	return &Base{
		Key:       key,
		Protocol:  proto,
		Status:    StatusPre,
		PeerAddr:  peer,
		ListenKey: listenKey,
		SendBuf:   sendbuf.New(sendbuf.DefaultCap),
		LastIO:    now,
		Connected: now,
		fd:        conn,
	}
}

// Conn returns the fd-owning connection. Conn.Close invalidates the Base;
// callers must not use the Base afterwards (spec §3's "fd both shutdown and
// released" invariant).
func (b *Base) Conn() rawConn { return b.fd }

// Close shuts down the underlying connection exactly once. It is safe to
// call multiple times (spec §8 property 8, close_key idempotence).
func (b *Base) Close() error {
	if b.fd == nil {
		return nil
	}
	fd := b.fd
	b.fd = nil
	b.SendBuf.Reset()
	return fd.Close()
}

// Closed reports whether Close has already run.
func (b *Base) Closed() bool { return b.fd == nil }

// MarkAttack flags the session as having emitted malformed input and starts
// its grace window (spec §7); the event server's periodic tick is
// responsible for actually closing it once the grace window elapses.
func (b *Base) MarkAttack() {
	if !b.Attack {
		b.Attack = true
		b.AttackSince = time.Now()
	}
}

// SetPendingSend records that the application has a chunked send job
// in flight (spec §4.4's onSendCompleted contract for large Range
// responses).
func (b *Base) SetPendingSend(pending bool) { b.hasPendingSend = pending }

// HasPendingSend reports whether the application declared a pending send
// job that should be resumed once the send buffer drains to empty.
func (b *Base) HasPendingSend() bool { return b.hasPendingSend }

// Touch updates LastIO to now; called on every successful read or write.
func (b *Base) Touch() { b.LastIO = time.Now() }
