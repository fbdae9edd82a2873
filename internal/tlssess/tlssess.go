// Package tlssess adapts the TLS session collaborator contract from spec §6
// ("construct from (role, cert bytes, key) and fd; on_tcp_read(bytes) ->
// {need-more, ok-no-output, handshake-complete, app-data, error}") onto
// Go's crypto/tls, restricted to TLS 1.2 and the cipher suites named in
// spec §6.
package tlssess

import (
	"crypto/tls"
	stderrors "errors"
	"io"

	"github.com/pkg/errors"
)

// Outcome is the result tag of feeding bytes into a Session, matching the
// §6 collaborator contract.
type Outcome int

const (
	NeedMore Outcome = iota
	OKNoOutput
	HandshakeComplete
	AppData
	Error
)

// LoadCredentials builds a *tls.Config restricted to TLS 1.2 and the four
// cipher suites spec §6 names, from the PEM bytes of a cert chain and its
// key. It accepts no root/CA PEM, and the returned config neither requests
// nor verifies client certificates.
func LoadCredentials(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "tlssess: load keypair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_RSA_WITH_AES_128_CBC_SHA256,
			tls.TLS_RSA_WITH_AES_256_CBC_SHA256,
			tls.TLS_RSA_WITH_AES_128_CBC_SHA,
			tls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
	}, nil
}

// Session wraps a net.Conn-shaped pipe pair so the event server can drive a
// *tls.Conn non-blockingly: raw ciphertext bytes arrive via Feed, which
// returns any decrypted plaintext. internal/evserver owns the actual
// socket and only ever calls Feed, never
// touching the *tls.Conn's net.Conn directly, so the TLS handshake never
// blocks the single server thread on socket I/O (spec §5's "no suspension
// points on session paths").
type Session struct {
	conn      *tls.Conn
	pipe      *loopback
	handshook bool
}

// Server constructs a server-role TLS session (spec §6 "role" = server).
func Server(cfg *tls.Config) *Session {
	lb := newLoopback()
	return &Session{conn: tls.Server(lb, cfg), pipe: lb}
}

// Client constructs a client-role TLS session; this package's tests use it
// as the handshake peer.
func Client(cfg *tls.Config) *Session {
	lb := newLoopback()
	return &Session{conn: tls.Client(lb, cfg), pipe: lb}
}

// Feed appends raw ciphertext bytes received from the socket and drives the
// handshake/record layer forward, returning decrypted application bytes (if
// any) plus an Outcome tag.
func (s *Session) Feed(ciphertext []byte) (appData []byte, outcome Outcome, toWire []byte, err error) {
	s.pipe.feedIn(ciphertext)

	if !s.handshook {
		hsErr := s.conn.Handshake()
		toWire = s.pipe.drainOut()
		switch {
		case hsErr == nil:
			s.handshook = true
			return nil, HandshakeComplete, toWire, nil
		case stderrors.Is(hsErr, io.EOF) || isWouldBlock(hsErr):
			return nil, NeedMore, toWire, nil
		default:
			return nil, Error, toWire, errors.Wrap(hsErr, "tlssess: handshake")
		}
	}

	buf := make([]byte, 16384)
	var out []byte
	for {
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if rerr != nil {
			toWire = s.pipe.drainOut()
			if isWouldBlock(rerr) {
				if len(out) > 0 {
					return out, AppData, toWire, nil
				}
				return nil, OKNoOutput, toWire, nil
			}
			return out, Error, toWire, errors.Wrap(rerr, "tlssess: read")
		}
		if n == 0 {
			break
		}
	}
	toWire = s.pipe.drainOut()
	if len(out) > 0 {
		return out, AppData, toWire, nil
	}
	return nil, OKNoOutput, toWire, nil
}

// EncodeApp produces a TLS record (or records) carrying the given plaintext
// application bytes, ready to write to the wire (spec §6 "encode_app").
func (s *Session) EncodeApp(p []byte) ([]byte, error) {
	if _, err := s.conn.Write(p); err != nil {
		return nil, errors.Wrap(err, "tlssess: write")
	}
	return s.pipe.drainOut(), nil
}

func isWouldBlock(err error) bool {
	return stderrors.Is(err, errWouldBlock)
}
