package httpsess

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/kipnet/aionet/internal/wsframe"
)

// IsWebSocketUpgrade reports whether req is a valid WebSocket Upgrade
// request per spec §4.5/§6.
func IsWebSocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade") &&
		req.Header.Get("Sec-WebSocket-Key") != ""
}

// UpgradeResult is the outcome of attempting to build a 101 response.
type UpgradeResult struct {
	Response  []byte
	Extension wsframe.Extension
	OK        bool
}

// BuildUpgradeResponse validates Sec-WebSocket-Version (must be 13) and
// negotiates an extension, producing the "101 Switching Protocols" response
// spec §4.3/§4.5 describes, or a 400 if the version is unsupported.
func BuildUpgradeResponse(req *http.Request) UpgradeResult {
	if req.Header.Get("Sec-WebSocket-Version") != "13" {
		return UpgradeResult{Response: statusOnly(http.StatusBadRequest, false).Header}
	}

	accept := wsframe.AcceptKey(req.Header.Get("Sec-WebSocket-Key"))
	ext, extHeader := wsframe.NegotiateExtension(req.Header.Get("Sec-WebSocket-Extensions"))

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", accept)
	if extHeader != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", extHeader)
	}
	b.WriteString("\r\n")

	return UpgradeResult{Response: b.Bytes(), Extension: ext, OK: true}
}
