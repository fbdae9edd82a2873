package httpsess

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kipnet/aionet/internal/mimepolicy"
	"github.com/pkg/errors"
)

// MaxDownloadFile is spec §4.4/§5's MAXSIZE_HTTP_DOWNFILE default (32 MiB).
// Constrained targets should construct with MaxDownloadFileConstrained (2 MiB)
// instead.
const (
	MaxDownloadFile            = 32 << 20
	MaxDownloadFileConstrained = 2 << 20
	// chunkReadSize bounds a single onSendCompleted-driven disk read so no
	// one call holds the event-server thread for long (spec §5).
	chunkReadSize = 256 << 10
)

// Response is what ServeStatic produces: a status-line+headers block plus
// either an inline Body or a ChunkJob that the event server drains over
// multiple onSendCompleted callbacks.
type Response struct {
	Header []byte
	Body   []byte
	Job     *ChunkJob
	Close   bool // true if the connection must be closed after this response
}

// ChunkJob streams a byte range of a file across multiple sends so a single
// large Range response never blocks the server thread for long (spec §4.4's
// "schedule the read in chunks via the session's onSendCompleted callback").
type ChunkJob struct {
	f         *os.File
	remaining int64
}

// Next reads up to chunkReadSize bytes (or less, if remaining is smaller)
// and reports whether the job is now complete.
func (j *ChunkJob) Next() (data []byte, done bool, err error) {
	if j.remaining <= 0 {
		j.f.Close()
		return nil, true, nil
	}
	n := int64(chunkReadSize)
	if j.remaining < n {
		n = j.remaining
	}
	buf := make([]byte, n)
	rn, err := io.ReadFull(j.f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		j.f.Close()
		return nil, true, errors.Wrap(err, "httpsess: chunked read")
	}
	j.remaining -= int64(rn)
	done = j.remaining <= 0
	if done {
		j.f.Close()
	}
	return buf[:rn], done, nil
}

// MapURLToFile applies spec §4.4's URL-to-file mapping rules: percent-decode
// to UTF-8; any ".." segment or a leading "." yields a rejection; "/" alone
// maps to index.html; otherwise the relative path is joined to root.
func MapURLToFile(root, rawURL string) (string, bool) {
	decoded, err := url.PathUnescape(rawURL)
	if err != nil {
		return "", false
	}
	if decoded == "/" || decoded == "" {
		return filepath.Join(root, "index.html"), true
	}
	clean := strings.TrimPrefix(decoded, "/")
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", false
		}
	}
	if strings.HasPrefix(clean, ".") {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(clean)), true
}

// ServeStatic implements the full response-construction logic of spec §4.4
// for GET and HEAD. docRoot is the configured document root; maxDownload is
// MaxDownloadFile or MaxDownloadFileConstrained.
func ServeStatic(req *http.Request, docRoot string, maxDownload int64) (*Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return statusOnly(http.StatusBadRequest, KeepAlive(req)), nil
	}

	path, ok := MapURLToFile(docRoot, req.URL.Path)
	if !ok {
		return statusOnly(http.StatusNotFound, KeepAlive(req)), nil
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return statusOnly(http.StatusNotFound, KeepAlive(req)), nil
	}

	keepAlive := KeepAlive(req)
	ctype := mimepolicy.ContentType(path)

	if req.Method == http.MethodHead {
		hdr := statusHeader(http.StatusOK, keepAlive, map[string]string{
			"Content-Length": strconv.FormatInt(info.Size(), 10),
			"Content-Type":   ctype,
			"Accept-Ranges":  "bytes",
		})
		return &Response{Header: hdr, Close: !keepAlive}, nil
	}

	if rangeHdr := req.Header.Get("Range"); rangeHdr != "" {
		return serveRange(path, info, rangeHdr, keepAlive, ctype, maxDownload)
	}

	if info.Size() > maxDownload {
		return statusOnly(http.StatusRequestEntityTooLarge, keepAlive), nil
	}

	return serveWhole(path, info, keepAlive, ctype)
}

func serveWhole(path string, info os.FileInfo, keepAlive bool, ctype string) (*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return statusOnly(http.StatusNotFound, keepAlive), nil
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "httpsess: read file")
	}

	body := raw
	encoding := ""
	if mimepolicy.Compressible(path) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(raw); err == nil && gw.Close() == nil && buf.Len() < len(raw) {
			body = buf.Bytes()
			encoding = "gzip"
		}
	}

	headers := map[string]string{
		"Content-Length": strconv.Itoa(len(body)),
		"Content-Type":   ctype,
		"Accept-Ranges":  "bytes",
	}
	if encoding != "" {
		headers["Content-Encoding"] = encoding
	}
	hdr := statusHeader(http.StatusOK, keepAlive, headers)
	return &Response{Header: hdr, Body: body, Close: !keepAlive}, nil
}

func serveRange(path string, info os.FileInfo, rangeHdr string, keepAlive bool, ctype string, maxDownload int64) (*Response, error) {
	start, end, ok := parseRange(rangeHdr, info.Size())
	if !ok {
		return statusOnly(http.StatusRequestEntityTooLarge, keepAlive), nil
	}
	// spec §9(b): the length is clamped but the start offset is not
	// validated against file size; we deliberately keep that asymmetry
	// rather than silently "fixing" unspecified behaviour.
	length := end - start + 1
	if length > maxDownload {
		end = start + maxDownload - 1
		length = maxDownload
	}

	f, err := os.Open(path)
	if err != nil {
		return statusOnly(http.StatusNotFound, keepAlive), nil
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "httpsess: seek")
	}

	headers := map[string]string{
		"Content-Length": strconv.FormatInt(length, 10),
		"Content-Type":   ctype,
		"Accept-Ranges":  "bytes",
		"Content-Range":  fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size()),
	}
	hdr := statusHeader(http.StatusPartialContent, keepAlive, headers)

	if length <= chunkReadSize {
		defer f.Close()
		buf := make([]byte, length)
		n, _ := io.ReadFull(f, buf)
		return &Response{Header: hdr, Body: buf[:n], Close: !keepAlive}, nil
	}

	return &Response{Header: hdr, Job: &ChunkJob{f: f, remaining: length}, Close: !keepAlive}, nil
}

// parseRange parses a single "bytes=a-[b]" range header value.
func parseRange(hdr string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(hdr, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(hdr, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false // multi-range not specified, treat as malformed
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || a < 0 {
		return 0, 0, false
	}
	if parts[1] == "" {
		return a, size - 1, true
	}
	b, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || b < a {
		return 0, 0, false
	}
	return a, b, true
}

func statusOnly(code int, keepAlive bool) *Response {
	hdr := statusHeader(code, keepAlive, map[string]string{"Content-Length": "0"})
	return &Response{Header: hdr, Close: !keepAlive}
}

func statusHeader(code int, keepAlive bool, extra map[string]string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(&b, "Server: eclib web server\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if keepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
