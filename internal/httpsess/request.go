// Package httpsess implements the HTTP/1.1 session layer of spec §4.4:
// incremental request parsing, static-file serving (including Range GET),
// and the WebSocket upgrade handshake that mutates a session's protocol tag
// in place.
package httpsess

import (
	"bufio"
	"bytes"
	"net/http"

	"github.com/pkg/errors"
)

// ParseRequest implements the §6 HTTP parser collaborator contract:
// consumed > 0 with a complete request, consumed == 0 if more bytes are
// needed, and an error if the buffered prefix is already malformed beyond
// recovery. It only looks at buf up to and including the blank line that
// terminates the header block; spec.md's scope (GET/HEAD + range) means we
// never need to wait for a request body.
func ParseRequest(buf []byte) (req *http.Request, consumed int, err error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(buf) > maxHeaderBytes {
			return nil, 0, errors.New("httpsess: request header too large")
		}
		return nil, 0, nil
	}
	headerEnd := idx + 4
	r := bufio.NewReader(bytes.NewReader(buf[:headerEnd]))
	req, err = http.ReadRequest(r)
	if err != nil {
		return nil, 0, errors.Wrap(err, "httpsess: malformed request")
	}
	return req, headerEnd, nil
}

// maxHeaderBytes caps the unparsed-header scan, preventing an attacker from
// growing ParseBuf forever without ever sending the terminating blank line.
const maxHeaderBytes = 64 << 10

// KeepAlive reports whether the connection should remain open after this
// response, per spec §4.4: "kept alive iff the request carried
// Connection: keep-alive (or HTTP/1.1 default with no Connection: close)".
func KeepAlive(req *http.Request) bool {
	conn := req.Header.Get("Connection")
	switch {
	case conn == "":
		return req.ProtoAtLeast(1, 1)
	case equalFoldASCII(conn, "keep-alive"):
		return true
	case equalFoldASCII(conn, "close"):
		return false
	default:
		return req.ProtoAtLeast(1, 1)
	}
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
