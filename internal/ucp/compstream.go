package ucp

import (
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompStream wraps a UCP session's byte stream with snappy's self-framing
// stream format (snappy.Writer/Reader, not the block Encode/Decode API, so
// compressed chunks survive being split across UCP packets of arbitrary
// size), adapted from std/comp.go's CompStream for the plain KCP stream.
type CompStream struct {
	under io.ReadWriteCloser
	w     *snappy.Writer
	r     *snappy.Reader
}

// NewCompStream wraps under with snappy stream framing.
func NewCompStream(under io.ReadWriteCloser) *CompStream {
	return &CompStream{under: under, w: snappy.NewBufferedWriter(under), r: snappy.NewReader(under)}
}

func (c *CompStream) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *CompStream) Write(p []byte) (int, error) {
	if _, err := c.w.Write(p); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, errors.WithStack(err)
	}
	return len(p), nil
}

func (c *CompStream) Close() error { return c.under.Close() }
