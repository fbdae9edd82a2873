// Package mimepolicy decides, from a file extension, the Content-Type to
// serve and whether the body is worth gzip-deflating (spec §4.4: "gzip-
// deflated if MIME policy says the type is compressible and not itself
// already compressed").
package mimepolicy

import (
	"mime"
	"path/filepath"
	"strings"
)

// compressible lists extensions whose content is text-like and benefits
// from on-the-fly gzip; already-compressed formats (images, video, archives)
// are deliberately absent.
var compressible = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".mjs": true,
	".json": true, ".xml": true, ".txt": true, ".svg": true, ".csv": true,
	".md": true, ".wasm": false,
}

var builtinTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".mjs":  "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".svg":  "image/svg+xml",
	".csv":  "text/csv; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".wasm": "application/wasm",
	".gz":   "application/gzip",
	".zip":  "application/zip",
	".mp4":  "video/mp4",
	".woff": "font/woff",
	".woff2": "font/woff2",
}

// ContentType returns the Content-Type for path, falling back to the
// standard library's mime.TypeByExtension and finally
// application/octet-stream.
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := builtinTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Compressible reports whether a file at path is a good gzip candidate.
func Compressible(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return compressible[ext]
}
