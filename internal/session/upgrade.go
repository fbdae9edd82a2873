package session

import "bytes"

// Layer is implemented by each protocol-specific session wrapper (raw TCP
// passthrough, TLS, HTTP, WS). Exactly one Layer is active for a Conn at a
// time; Chain.Upgrade replaces it in place on a successful sniff while
// preserving Base (and therefore ParseBuf/SendBuf), per spec §4.3.
type Layer interface {
	// OnRecvBytes consumes input, appending any fully parsed application
	// message bytes to out. It returns the same tag vocabulary as spec
	// §4.3: MsgNone/MsgTCP/MsgHTTP/MsgWS/MsgErr.
	OnRecvBytes(base *Base, in []byte, out *[]byte) (Msg, error)
}

// TCPLayer is the trivial pass-through layer used for freshly accepted,
// not-yet-classified TCP sessions and for sessions that are intentionally
// kept as raw TCP.
type TCPLayer struct{}

func (TCPLayer) OnRecvBytes(base *Base, in []byte, out *[]byte) (Msg, error) {
	*out = append(*out, in...)
	return MsgTCP, nil
}

// Sniffer decides, from the first bytes of a freshly accepted TCP
// connection, which protocol layer should now own it. It never consumes
// bytes: the caller is responsible for feeding the same bytes to the new
// layer afterwards, which is how "upgrade preserves already-received
// unparsed bytes" (spec §8 property 6) is implemented at the call site.
type Sniffer func(prefix []byte) (upgradeTo Protocol, ok bool)

// SniffTCP implements the spec §4.3 TCP-level sniff: a TLS record header
// (0x16 0x03 {0x00..0x03}) upgrades to TLS; an ASCII request line upgrades
// to HTTP; otherwise the connection stays raw TCP. It reports ok=false when
// fewer than 3 bytes are available yet (need more data before deciding).
func SniffTCP(prefix []byte) (Protocol, bool) {
	if len(prefix) < 3 {
		return ProtoTCP, false
	}
	// TLS record header: ContentType=handshake(22), major=3, minor in 0..3.
	// Accepting minor 0x00 (SSLv3) alongside 0x01..0x03 is the ambiguous
	// behaviour flagged by spec §9(c); we keep it, matching the source.
	if prefix[0] == 22 && prefix[1] == 0x03 && prefix[2] <= 0x03 {
		return ProtoTLS, true
	}
	if looksLikeHTTPRequestLine(prefix) {
		return ProtoHTTP, true
	}
	return ProtoTCP, false
}

var httpMethodPrefixes = [][]byte{
	[]byte("GET "), []byte("HEAD "), []byte("POST "),
}

func looksLikeHTTPRequestLine(prefix []byte) bool {
	for _, m := range httpMethodPrefixes {
		if len(prefix) >= len(m) && bytes.Equal(prefix[:len(m)], m) {
			return true
		}
		if len(prefix) < len(m) && bytes.Equal(prefix, m[:len(prefix)]) {
			// not enough bytes yet to tell, but what we have matches a
			// prefix of a known method; caller should wait for more.
			return false
		}
	}
	return false
}

// Chain owns the currently active Layer for one Conn and performs the
// sniff-and-upgrade transitions named in spec §4.3:
//
//	TCP -> TLS (first-bytes sniff)
//	TCP -> HTTP (first-bytes sniff)
//	TLS -> HTTPS (first plaintext bytes after handshake)
//	HTTP/HTTPS -> WS/WSS (successful Upgrade request)
type Chain struct {
	Base    *Base
	Layer   Layer
	snubbed bool // true once the raw-TCP sniff has run and found nothing
}

// NewChain starts a session as raw TCP, eligible for one sniff.
func NewChain(base *Base) *Chain {
	return &Chain{Base: base, Layer: TCPLayer{}}
}

// Upgrade swaps in a new Layer and protocol tag, preserving Base (and so
// ParseBuf/SendBuf) exactly as spec §4.3 requires.
func (c *Chain) Upgrade(proto Protocol, layer Layer) {
	c.Base.Protocol = proto
	c.Layer = layer
}

// TrySniffTCP runs the raw-TCP sniff once per connection lifetime (it is a
// no-op after the first decisive call). It returns the detected protocol
// and true if an upgrade decision was made; the caller (evserver) sets the
// Base's Protocol tag itself and feeds the sniffed prefix in ParseBuf to
// the new protocol's parser, so no bytes are lost.
func (c *Chain) TrySniffTCP() (Protocol, bool) {
	if c.Base.Protocol != ProtoTCP {
		return ProtoTCP, false
	}
	proto, ok := SniffTCP(c.Base.ParseBuf)
	if !ok {
		return ProtoTCP, false
	}
	return proto, true
}
