package httpsess

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func mustParseRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, consumed, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if consumed == 0 {
		t.Fatal("ParseRequest: need more bytes, want complete request")
	}
	return req
}

// scenario A: HEAD of a 5MB file.
func TestHeadBigFile(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "big.bin", 5*1024*1024)

	raw := "HEAD /big.bin HTTP/1.1\r\nHost: h\r\nConnection: keep-alive\r\n\r\n"
	req := mustParseRequest(t, raw)

	resp, err := ServeStatic(req, dir, MaxDownloadFile)
	if err != nil {
		t.Fatalf("ServeStatic: %v", err)
	}
	hdr := string(resp.Header)
	if !strings.HasPrefix(hdr, "HTTP/1.1 200") {
		t.Fatalf("status line = %q", hdr)
	}
	if !strings.Contains(hdr, "Content-Length: 5242880") {
		t.Fatalf("missing Content-Length: %q", hdr)
	}
	if !strings.Contains(hdr, "Accept-Ranges: bytes") {
		t.Fatalf("missing Accept-Ranges: %q", hdr)
	}
	if len(resp.Body) != 0 {
		t.Fatalf("HEAD must not carry a body, got %d bytes", len(resp.Body))
	}
	if resp.Close {
		t.Fatal("expected connection to remain open")
	}
}

// scenario B: Range GET of bytes 1000-1999.
func TestRangeGet(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "big.bin", 5*1024*1024)
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	raw := "GET /big.bin HTTP/1.1\r\nHost: h\r\nRange: bytes=1000-1999\r\n\r\n"
	req := mustParseRequest(t, raw)

	resp, err := ServeStatic(req, dir, MaxDownloadFile)
	if err != nil {
		t.Fatalf("ServeStatic: %v", err)
	}
	hdr := string(resp.Header)
	if !strings.HasPrefix(hdr, "HTTP/1.1 206") {
		t.Fatalf("status line = %q", hdr)
	}
	if !strings.Contains(hdr, "Content-Range: bytes 1000-1999/5242880") {
		t.Fatalf("missing Content-Range: %q", hdr)
	}
	if !strings.Contains(hdr, "Content-Length: 1000") {
		t.Fatalf("missing Content-Length: %q", hdr)
	}
	if !bytes.Equal(resp.Body, want[1000:2000]) {
		t.Fatal("range body mismatch")
	}
}

func TestRangeGetChunkedJob(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "big.bin", 2*chunkReadSize+100)
	want, _ := os.ReadFile(path)

	raw := "GET /big.bin HTTP/1.1\r\nHost: h\r\nRange: bytes=0-\r\n\r\n"
	req := mustParseRequest(t, raw)
	resp, err := ServeStatic(req, dir, MaxDownloadFile)
	if err != nil {
		t.Fatalf("ServeStatic: %v", err)
	}
	if resp.Job == nil {
		t.Fatal("expected a chunked job for a large range")
	}
	var got []byte
	for {
		data, done, err := resp.Job.Next()
		if err != nil {
			t.Fatalf("Job.Next: %v", err)
		}
		got = append(got, data...)
		if done {
			break
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("chunked job mismatch: got %d bytes want %d", len(got), len(want))
	}
}

func TestNoRangeOverMaxSizeIs413(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "huge.bin", 100)

	raw := "GET /huge.bin HTTP/1.1\r\nHost: h\r\n\r\n"
	req := mustParseRequest(t, raw)
	resp, err := ServeStatic(req, dir, 50) // artificially tiny cap
	if err != nil {
		t.Fatalf("ServeStatic: %v", err)
	}
	if !strings.HasPrefix(string(resp.Header), "HTTP/1.1 413") {
		t.Fatalf("status = %q, want 413", resp.Header)
	}
}

func TestDotDotRejected(t *testing.T) {
	dir := t.TempDir()
	raw := "GET /../etc/passwd HTTP/1.1\r\nHost: h\r\n\r\n"
	req := mustParseRequest(t, raw)
	resp, err := ServeStatic(req, dir, MaxDownloadFile)
	if err != nil {
		t.Fatalf("ServeStatic: %v", err)
	}
	if !strings.HasPrefix(string(resp.Header), "HTTP/1.1 404") {
		t.Fatalf("status = %q, want 404", resp.Header)
	}
}

func TestIndexHTMLMapping(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "index.html", 10)
	path, ok := MapURLToFile(dir, "/")
	if !ok {
		t.Fatal("expected ok mapping for /")
	}
	if filepath.Base(path) != "index.html" {
		t.Fatalf("path = %q, want index.html", path)
	}
}

// scenario C: WebSocket handshake accept key from the RFC 6455 example.
func TestWebSocketUpgradeHandshake(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"
	req := mustParseRequest(t, raw)
	if !IsWebSocketUpgrade(req) {
		t.Fatal("expected IsWebSocketUpgrade true")
	}
	result := BuildUpgradeResponse(req)
	if !result.OK {
		t.Fatalf("upgrade rejected: %s", result.Response)
	}
	if !strings.Contains(string(result.Response), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("response missing expected accept key: %q", result.Response)
	}
}
