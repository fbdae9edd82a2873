package ucp

import "github.com/pkg/errors"

// ErrWouldBlock is returned by Write when the retransmit queue is already
// at its in-flight cap (spec §4.7's "further send calls return would
// block").
var ErrWouldBlock = errors.New("ucp: send would block, retransmit queue full")

// ErrClosed is returned by Read once a session has been torn down by FIN or
// protocol error.
var ErrClosed = errors.New("ucp: session closed")

// ErrTimeout is returned by Read once a session is torn down because
// consecutive retransmits exceeded MaxRetries (spec §4.7).
var ErrTimeout = errors.New("ucp: session timed out")
